// Package procutil provides the process-liveness and termination
// primitives the Service Manager and transport adapters use.
package procutil
