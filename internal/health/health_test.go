package health

import (
	"context"
	"net"
	"testing"
	"time"
)

func TestCheckerUnhealthyAfterConsecutiveFailures(t *testing.T) {
	c := NewChecker("127.0.0.1:1", Config{Timeout: 50 * time.Millisecond, UnhealthyAfter: 3, HealthyAfter: 1})

	ctx := context.Background()
	c.probe(ctx)
	if !c.Healthy() {
		t.Fatal("expected still healthy after 1 failure")
	}
	c.probe(ctx)
	if !c.Healthy() {
		t.Fatal("expected still healthy after 2 failures")
	}
	c.probe(ctx)
	if c.Healthy() {
		t.Fatal("expected unhealthy after 3 consecutive failures")
	}
}

func TestCheckerHealthyAgainAfterSuccess(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
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

	c := NewChecker(ln.Addr().String(), Config{Timeout: 200 * time.Millisecond, UnhealthyAfter: 1, HealthyAfter: 1})
	c.healthy.Store(false) // force unhealthy so we can observe the recovery transition

	c.probe(context.Background())
	if !c.Healthy() {
		t.Fatal("expected healthy after a single successful probe")
	}
}
