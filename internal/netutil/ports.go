// Package netutil implements the local TCP port-availability and
// connectivity checks used by the Service Manager's port check and the
// TCP probe.
package netutil

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// loopbacks are the local addresses a forwarder binds; a port only counts
// as free when every family can be bound, since kubectl and ssh listen on
// both.
var loopbacks = []struct {
	network string
	host    string
}{
	{"tcp4", "127.0.0.1"},
	{"tcp6", "::1"},
}

// PortAvailable reports whether port is free to bind across every loopback
// address family.
func PortAvailable(port int) bool {
	for _, lb := range loopbacks {
		ln, err := net.Listen(lb.network, net.JoinHostPort(lb.host, strconv.Itoa(port)))
		if err != nil {
			return false
		}
		ln.Close()
	}
	return true
}

// FindAvailablePort scans upward from startPort for the first free port,
// giving up after a bounded window so a config full of clashing services
// can't stall validation behind thousands of bind probes.
func FindAvailablePort(startPort int) (int, error) {
	const window = 200
	for port := startPort; port <= 65535 && port < startPort+window; port++ {
		if PortAvailable(port) {
			return port, nil
		}
	}
	return 0, fmt.Errorf("no available port within %d of %d", window, startPort)
}

// CheckConnectivity dials host:port with the given timeout, returning nil
// when the connection succeeds. The error carries the dial failure so the
// TCP probe can report why a forward stopped answering, not just that it
// did.
func CheckConnectivity(host string, port int, timeout time.Duration) error {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, strconv.Itoa(port)), timeout)
	if err != nil {
		return err
	}
	conn.Close()
	return nil
}
