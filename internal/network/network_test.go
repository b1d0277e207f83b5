package network

import (
	"context"
	"net"
	"testing"
	"time"
)

func TestListenAndAccept(t *testing.T) {
	ln, err := Listen("127.0.0.1:0", DefaultListenerOptions())
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer ln.Close()

	go func() {
		c, err := net.Dial("tcp", ln.Addr().String())
		if err == nil {
			c.Close()
		}
	}()

	conn, err := ln.Accept(context.Background())
	if err != nil {
		t.Fatalf("Accept failed: %v", err)
	}
	defer conn.Close()

	if conn.ID() == "" {
		t.Error("expected non-empty connection ID")
	}

	stats := ln.Stats()
	if stats.ConnectionsTotal != 1 {
		t.Errorf("expected 1 total connection, got %d", stats.ConnectionsTotal)
	}
}

func TestListenerRejectsAfterClose(t *testing.T) {
	ln, err := Listen("127.0.0.1:0", DefaultListenerOptions())
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	ln.Close()

	if _, err := ln.Accept(context.Background()); err == nil {
		t.Error("expected error accepting on a closed listener")
	}
}

func TestConnectionStatsTrackBytes(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	conn := NewConnection(server, "conn-test")

	go client.Write([]byte("hello"))

	buf := make([]byte, 5)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if n != 5 {
		t.Fatalf("expected to read 5 bytes, got %d", n)
	}

	stats := conn.Stats()
	if stats.BytesRead != 5 {
		t.Errorf("expected BytesRead 5, got %d", stats.BytesRead)
	}
	if stats.State != string(StateAdmitting) {
		t.Errorf("expected state %s, got %s", StateAdmitting, stats.State)
	}
}

func TestConnectionMarkAdmitted(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	conn := NewConnection(server, "conn-admit")
	conn.MarkAdmitted()

	if conn.Stats().State != string(StateAdmitted) {
		t.Errorf("expected state admitted, got %s", conn.Stats().State)
	}
}

func TestConnectionCloseCancelsContext(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	conn := NewConnection(server, "conn-close")
	conn.Close()

	select {
	case <-conn.Context().Done():
	case <-time.After(time.Second):
		t.Error("expected context to be cancelled after Close")
	}
}

func TestAdmissionLimiterAllowsAndRejects(t *testing.T) {
	limiter, err := NewAdmissionLimiter("1/s")
	if err != nil {
		t.Fatalf("NewAdmissionLimiter failed: %v", err)
	}

	if !limiter.Allow() {
		t.Error("expected first admission to be allowed")
	}
	if limiter.Allow() {
		t.Error("expected second immediate admission to be rejected by the burst-1 limiter")
	}
}

func TestNewAdmissionLimiterRejectsBadFormat(t *testing.T) {
	if _, err := NewAdmissionLimiter("not-a-rate"); err == nil {
		t.Error("expected error for malformed admission rate string")
	}
}

func TestNilAdmissionLimiterAlwaysAllows(t *testing.T) {
	var limiter *AdmissionLimiter
	if !limiter.Allow() {
		t.Error("expected nil limiter to always allow")
	}
}
