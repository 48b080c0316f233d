package bytesparse

import "testing"

func TestTryGetU8(t *testing.T) {
	c := New([]byte{0x01, 0x02})
	v, err := c.TryGetU8()
	if err != nil || v != 0x01 {
		t.Fatalf("got %v, %v", v, err)
	}
	if c.Len() != 1 {
		t.Fatalf("expected 1 remaining byte, got %d", c.Len())
	}
}

func TestTryGetU8EOF(t *testing.T) {
	c := New(nil)
	if _, err := c.TryGetU8(); err == nil {
		t.Fatal("expected error")
	}
}

func TestTryGetU32(t *testing.T) {
	c := New([]byte{0x00, 0x00, 0x01, 0x00})
	v, err := c.TryGetU32()
	if err != nil || v != 256 {
		t.Fatalf("got %v, %v", v, err)
	}
}

func TestTrySplitTo(t *testing.T) {
	backing := []byte{1, 2, 3, 4, 5}
	c := New(backing)
	v, err := c.TrySplitTo(3)
	if err != nil {
		t.Fatal(err)
	}
	v[0] = 9
	if backing[0] != 9 {
		t.Fatal("TrySplitTo must not copy")
	}
	if c.Len() != 2 {
		t.Fatalf("expected 2 remaining, got %d", c.Len())
	}
}

func TestTrySplitToShort(t *testing.T) {
	c := New([]byte{1, 2})
	if _, err := c.TrySplitTo(3); err == nil {
		t.Fatal("expected UnexpectedEOFError")
	}
}

func TestTrySplitNulTerminated(t *testing.T) {
	c := New([]byte("hello\x00world"))
	s, err := c.TrySplitNulTerminatedStr()
	if err != nil || s != "hello" {
		t.Fatalf("got %q, %v", s, err)
	}
	if string(c.Remaining()) != "world" {
		t.Fatalf("got %q", c.Remaining())
	}
}

func TestTrySplitNulTerminatedEmpty(t *testing.T) {
	c := New([]byte("\x00"))
	s, err := c.TrySplitNulTerminatedStr()
	if err != nil || s != "" {
		t.Fatalf("got %q, %v", s, err)
	}
}

func TestTrySplitNulTerminatedMissing(t *testing.T) {
	c := New([]byte("no-terminator"))
	if _, err := c.TrySplitNulTerminated(); err == nil {
		t.Fatal("expected UnterminatedStringError")
	}
}
