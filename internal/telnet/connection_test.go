package telnet

import (
	"io"
	"net"
	"testing"
	"time"
)

func TestConnectionReadPlainData(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	conn := NewConnection(server, nil)

	go client.Write([]byte("hello"))

	buf := make([]byte, 16)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if string(buf[:n]) != "hello" {
		t.Errorf("expected %q, got %q", "hello", buf[:n])
	}
}

func TestConnectionNegotiationDoesNotLeakIntoData(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	conn := NewConnection(server, nil)

	// The Negotiator answers WILL with DO; drain it, since net.Pipe writes
	// block until the other side reads.
	go io.Copy(io.Discard, client)

	go func() {
		client.Write([]byte{IAC, WILL, 1})
		client.Write([]byte("payload"))
	}()

	buf := make([]byte, 16)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if string(buf[:n]) != "payload" {
		t.Errorf("expected negotiation stripped and only %q returned, got %q", "payload", buf[:n])
	}
}

func TestConnectionSubnegotiationDispatch(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	conn := NewConnection(server, nil)

	received := make(chan []byte, 1)
	conn.HandleSubnegotiation(24, func(c *Connection, data []byte) error {
		received <- data
		return nil
	})

	go client.Write(EncodeSubnegotiation(24, []byte("xterm")))

	// Drive the read loop so the scanner processes the subnegotiation.
	go func() {
		buf := make([]byte, 16)
		conn.Read(buf)
	}()

	select {
	case data := <-received:
		if string(data) != "xterm" {
			t.Errorf("expected %q, got %q", "xterm", data)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for subnegotiation dispatch")
	}
}

func TestConnectionWriteDataEscapesIAC(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	conn := NewConnection(server, nil)

	go conn.Write([]byte{'a', IAC, 'b'})

	buf := make([]byte, 16)
	n, err := client.Read(buf)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	want := []byte{'a', IAC, IAC, 'b'}
	if string(buf[:n]) != string(want) {
		t.Errorf("expected %v on the wire, got %v", want, buf[:n])
	}
}
