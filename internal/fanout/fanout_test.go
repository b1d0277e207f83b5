package fanout

import (
	"net"
	"testing"
	"time"
)

func TestSinkDeliversQueuedOutput(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	sink := NewSink("sub1", server, 4096, nil)
	go sink.Run()

	sink.Enqueue([]byte("hello"))

	buf := make([]byte, 16)
	client.SetReadDeadline(time.Now().Add(time.Second))
	n, err := client.Read(buf)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if string(buf[:n]) != "hello" {
		t.Errorf("expected %q, got %q", "hello", buf[:n])
	}
	sink.Close()
}

func TestSinkForwardsInputToCallback(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	received := make(chan []byte, 1)
	sink := NewSink("sub1", server, 4096, func(p []byte) {
		received <- p
	})
	go sink.Run()

	go client.Write([]byte("typed"))

	select {
	case p := <-received:
		if string(p) != "typed" {
			t.Errorf("expected %q, got %q", "typed", p)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for input forward")
	}
	sink.Close()
}

func TestSinkOverflowDisconnects(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()
	defer server.Close()

	sink := NewSink("sub1", server, 4, nil) // tiny budget
	done := make(chan error, 1)
	go func() { done <- sink.Run() }()

	sink.Enqueue([]byte("way too much data for the budget"))

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected overflow error from Run")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for overflow teardown")
	}
}

func TestSinkCloseIsIdempotent(t *testing.T) {
	server, _ := net.Pipe()
	sink := NewSink("sub1", server, 4096, nil)
	sink.Close()
	sink.Close() // must not panic
}

func TestSinkStatsTrackBytes(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	sink := NewSink("sub1", server, 4096, nil)
	go sink.Run()
	sink.Enqueue([]byte("12345"))

	buf := make([]byte, 16)
	client.SetReadDeadline(time.Now().Add(time.Second))
	client.Read(buf)
	sink.Close()

	time.Sleep(10 * time.Millisecond)
	out, _ := sink.Stats()
	if out != 5 {
		t.Errorf("expected 5 bytes out, got %d", out)
	}
}
