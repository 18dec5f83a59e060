package probe

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"
)

func TestTCPProbe_SucceedsAgainstListeningPort(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	port := ln.Addr().(*net.TCPAddr).Port
	p := NewTCPProbe()
	result := p.Check(context.Background(), map[string]string{
		"host": "127.0.0.1",
		"port": strconv.Itoa(port),
	}, time.Second)

	if !result.Healthy {
		t.Errorf("Check() Healthy = false, err = %v, want true", result.Err)
	}
}

func TestTCPProbe_FailsAgainstClosedPort(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	p := NewTCPProbe()
	result := p.Check(context.Background(), map[string]string{
		"host": "127.0.0.1",
		"port": strconv.Itoa(port),
	}, 200*time.Millisecond)

	if result.Healthy {
		t.Error("Check() Healthy = true against a closed port, want false")
	}
}

func TestTCPProbe_RejectsMissingPort(t *testing.T) {
	p := NewTCPProbe()
	result := p.Check(context.Background(), map[string]string{"host": "127.0.0.1"}, time.Second)
	if result.Err == nil {
		t.Error("Check() err = nil, want missing-port error")
	}
}
