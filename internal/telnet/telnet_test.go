package telnet

import "testing"

func TestScannerPlainData(t *testing.T) {
	s := NewScanner()
	events := s.Feed([]byte("hello"))
	if len(events) != 1 || events[0].Type != EventData {
		t.Fatalf("expected 1 data event, got %v", events)
	}
	if string(events[0].Data) != "hello" {
		t.Errorf("expected %q, got %q", "hello", events[0].Data)
	}
}

func TestScannerEscapedIAC(t *testing.T) {
	s := NewScanner()
	events := s.Feed([]byte{'a', IAC, IAC, 'b'})
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	want := []byte{'a', IAC, 'b'}
	if string(events[0].Data) != string(want) {
		t.Errorf("expected %v, got %v", want, events[0].Data)
	}
}

func TestScannerNegotiation(t *testing.T) {
	s := NewScanner()
	events := s.Feed([]byte{IAC, WILL, 24})
	if len(events) != 1 || events[0].Type != EventNegotiation {
		t.Fatalf("expected 1 negotiation event, got %v", events)
	}
	if events[0].Command != WILL || events[0].Option != 24 {
		t.Errorf("unexpected negotiation: %+v", events[0])
	}
}

func TestScannerSubnegotiation(t *testing.T) {
	s := NewScanner()
	events := s.Feed([]byte{IAC, SB, 24, 0, 'x', 't', IAC, SE})
	if len(events) != 1 || events[0].Type != EventSubnegotiation {
		t.Fatalf("expected 1 subnegotiation event, got %v", events)
	}
	if events[0].Option != 24 {
		t.Errorf("expected option 24, got %d", events[0].Option)
	}
	want := []byte{0, 'x', 't'}
	if string(events[0].Data) != string(want) {
		t.Errorf("expected %v, got %v", want, events[0].Data)
	}
}

func TestScannerSubnegotiationEscapedIAC(t *testing.T) {
	s := NewScanner()
	events := s.Feed([]byte{IAC, SB, 24, IAC, IAC, IAC, SE})
	if len(events) != 1 || events[0].Type != EventSubnegotiation {
		t.Fatalf("expected 1 subnegotiation event, got %v", events)
	}
	if string(events[0].Data) != string([]byte{IAC}) {
		t.Errorf("expected escaped IAC preserved in payload, got %v", events[0].Data)
	}
}

func TestScannerSplitAcrossFeeds(t *testing.T) {
	s := NewScanner()
	ev1 := s.Feed([]byte{'a', IAC})
	ev2 := s.Feed([]byte{WILL, 1, 'b'})

	if len(ev1) != 1 || ev1[0].Type != EventData || string(ev1[0].Data) != "a" {
		t.Fatalf("expected data event 'a' from first feed, got %v", ev1)
	}
	if len(ev2) != 2 {
		t.Fatalf("expected negotiation + data from second feed, got %v", ev2)
	}
	if ev2[0].Type != EventNegotiation || ev2[0].Command != WILL || ev2[0].Option != 1 {
		t.Errorf("unexpected first event: %+v", ev2[0])
	}
	if ev2[1].Type != EventData || string(ev2[1].Data) != "b" {
		t.Errorf("unexpected second event: %+v", ev2[1])
	}
}

func TestEncodeDataEscapesIAC(t *testing.T) {
	out := EncodeData([]byte{'a', IAC, 'b'})
	want := []byte{'a', IAC, IAC, 'b'}
	if string(out) != string(want) {
		t.Errorf("expected %v, got %v", want, out)
	}
}

func TestEncodeSubnegotiationRoundTrips(t *testing.T) {
	encoded := EncodeSubnegotiation(24, []byte{0, 'x'})

	s := NewScanner()
	events := s.Feed(encoded)
	if len(events) != 1 || events[0].Type != EventSubnegotiation {
		t.Fatalf("expected 1 subnegotiation event, got %v", events)
	}
	if events[0].Option != 24 || string(events[0].Data) != string([]byte{0, 'x'}) {
		t.Errorf("round trip mismatch: %+v", events[0])
	}
}
