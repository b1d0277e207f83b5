package buffer

import (
	"bytes"
	"testing"
)

func TestScrollbackWriteUnderCapacity(t *testing.T) {
	s := NewScrollback(16)
	s.Write([]byte("hello"))

	snap := s.Snapshot()
	if !bytes.Equal(snap, []byte("hello")) {
		t.Errorf("expected snapshot %q, got %q", "hello", snap)
	}
	if s.Len() != 5 {
		t.Errorf("expected len 5, got %d", s.Len())
	}
}

func TestScrollbackWrapsAroundCapacity(t *testing.T) {
	s := NewScrollback(8)
	s.Write([]byte("abcdefgh"))
	s.Write([]byte("ij"))

	snap := s.Snapshot()
	want := []byte("cdefghij")
	if !bytes.Equal(snap, want) {
		t.Errorf("expected %q, got %q", want, snap)
	}
}

func TestScrollbackSingleWriteLargerThanCapacity(t *testing.T) {
	s := NewScrollback(4)
	s.Write([]byte("abcdefgh"))

	snap := s.Snapshot()
	want := []byte("efgh")
	if !bytes.Equal(snap, want) {
		t.Errorf("expected %q, got %q", want, snap)
	}
}

func TestScrollbackZeroCapacityIsNoop(t *testing.T) {
	s := NewScrollback(0)
	s.Write([]byte("anything"))

	if snap := s.Snapshot(); snap != nil {
		t.Errorf("expected nil snapshot for zero-capacity scrollback, got %q", snap)
	}
}

func TestScrollbackTotalWrittenSurvivesEviction(t *testing.T) {
	s := NewScrollback(4)
	s.Write([]byte("abcdefgh"))

	if s.TotalWritten() != 8 {
		t.Errorf("expected total written 8, got %d", s.TotalWritten())
	}
	if s.Len() != 4 {
		t.Errorf("expected 4 bytes retained, got %d", s.Len())
	}
}

func TestScrollbackReset(t *testing.T) {
	s := NewScrollback(8)
	s.Write([]byte("abcd"))
	s.Reset()

	if s.Len() != 0 {
		t.Errorf("expected len 0 after reset, got %d", s.Len())
	}
	if snap := s.Snapshot(); snap != nil {
		t.Errorf("expected nil snapshot after reset, got %q", snap)
	}
}
