package netutil

import (
	"fmt"
	"net"
	"testing"
	"time"
)

func TestPortAvailable_FreePort(t *testing.T) {
	port := findFreePort(t)
	if !PortAvailable(port) {
		t.Errorf("PortAvailable(%d) = false, want true for an unused port", port)
	}
}

func TestPortAvailable_OccupiedPort(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	if PortAvailable(port) {
		t.Errorf("PortAvailable(%d) = true, want false for an occupied port", port)
	}
}

func TestFindAvailablePort_SkipsOccupied(t *testing.T) {
	start := findFreePort(t)
	ln, err := net.Listen("tcp4", fmt.Sprintf("127.0.0.1:%d", start))
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	found, err := FindAvailablePort(start)
	if err != nil {
		t.Fatalf("FindAvailablePort() error = %v", err)
	}
	if found == start {
		t.Errorf("FindAvailablePort() = %d, want a port other than the occupied %d", found, start)
	}
}

func TestCheckConnectivity_ListeningPort(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			conn.Close()
		}
	}()
	port := ln.Addr().(*net.TCPAddr).Port

	if err := CheckConnectivity("127.0.0.1", port, time.Second); err != nil {
		t.Errorf("CheckConnectivity() error = %v against a listening port, want nil", err)
	}
}

func TestCheckConnectivity_ClosedPort(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	if err := CheckConnectivity("127.0.0.1", port, 200*time.Millisecond); err == nil {
		t.Error("CheckConnectivity() error = nil against a closed port, want dial error")
	}
}

func findFreePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}
