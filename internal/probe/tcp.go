package probe

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/localportd/supervisor/internal/netutil"
)

// TCPProbe opens a TCP connection to host:port and succeeds iff connect
// completes within timeout. config keys: "host" (default "localhost"),
// "port" (required).
type TCPProbe struct{}

// NewTCPProbe constructs a TCP liveness probe.
func NewTCPProbe() *TCPProbe { return &TCPProbe{} }

func (p *TCPProbe) Check(ctx context.Context, config map[string]string, timeout time.Duration) Result {
	start := time.Now()
	host := config["host"]
	if host == "" {
		host = "localhost"
	}
	port := config["port"]
	if port == "" {
		return Result{Err: fmt.Errorf("tcp probe: config.port is required")}
	}
	portNum, err := strconv.Atoi(port)
	if err != nil {
		return Result{Err: fmt.Errorf("tcp probe: config.port %q is not numeric", port)}
	}

	// netutil.CheckConnectivity is the dial-and-close primitive; race it
	// against ctx so the Health Monitor's cancellation still takes effect
	// if the daemon shuts down mid-dial.
	done := make(chan error, 1)
	go func() { done <- netutil.CheckConnectivity(host, portNum, timeout) }()

	select {
	case err := <-done:
		if err != nil {
			return Result{Healthy: false, Latency: time.Since(start), Err: fmt.Errorf("tcp probe: %w", err)}
		}
		return Result{Healthy: true, Latency: time.Since(start)}
	case <-ctx.Done():
		return Result{Healthy: false, Latency: time.Since(start), Err: ctx.Err()}
	}
}
