package binlog

import (
	"bytes"
	"testing"
)

func TestByteCursorReadUint(t *testing.T) {
	c := NewByteCursor([]byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06})
	v, err := c.ReadU24()
	if err != nil {
		t.Fatal(err)
	}
	if v != 0x030201 {
		t.Fatalf("got %#x, want %#x", v, 0x030201)
	}
	if c.Position() != 3 {
		t.Fatalf("position = %d, want 3", c.Position())
	}
	v48, err := c.ReadU48()
	if err == nil {
		t.Fatal("expected error reading 6 bytes from a 3-byte tail")
	}
	_ = v48
}

func TestByteCursorPeekDoesNotAdvance(t *testing.T) {
	c := NewByteCursor([]byte{0xaa, 0xbb, 0xcc})
	v, err := c.PeekU8(1)
	if err != nil {
		t.Fatal(err)
	}
	if v != 0xbb {
		t.Fatalf("got %#x, want 0xbb", v)
	}
	if c.Position() != 0 {
		t.Fatalf("peek advanced position to %d", c.Position())
	}
}

func TestByteCursorFlipEnd(t *testing.T) {
	c := NewByteCursor([]byte{1, 2, 3, 4, 5})
	if err := c.FlipEnd(2); err != nil {
		t.Fatal(err)
	}
	if c.Len() != 3 {
		t.Fatalf("len = %d, want 3", c.Len())
	}
	rest := c.ReadRest()
	if !bytes.Equal(rest, []byte{1, 2, 3}) {
		t.Fatalf("rest = %v", rest)
	}
	if err := c.FlipEnd(1); err == nil {
		t.Fatal("expected error flipping past an exhausted buffer")
	}
}

func TestByteCursorRewindAndSkip(t *testing.T) {
	c := NewByteCursor([]byte{1, 2, 3, 4})
	if err := c.Skip(2); err != nil {
		t.Fatal(err)
	}
	if err := c.Rewind(1); err != nil {
		t.Fatal(err)
	}
	if c.Position() != 1 {
		t.Fatalf("position = %d, want 1", c.Position())
	}
	if err := c.Rewind(5); err == nil {
		t.Fatal("expected error rewinding past the start")
	}
	if err := c.Skip(100); err == nil {
		t.Fatal("expected error skipping past the end")
	}
}

func TestByteCursorReadPackedInt(t *testing.T) {
	cases := []struct {
		in       []byte
		value    uint64
		isNull   bool
		consumed int
	}{
		{[]byte{0x05}, 5, false, 1},
		{[]byte{0xfb}, 0, true, 1},
		{[]byte{0xfc, 0x01, 0x01}, 0x0101, false, 3},
		{[]byte{0xfd, 0x01, 0x00, 0x01}, 0x010001, false, 4},
		{[]byte{0xfe, 1, 0, 0, 0, 0, 0, 0, 0}, 1, false, 9},
	}
	for _, tc := range cases {
		c := NewByteCursor(tc.in)
		v, isNull, err := c.ReadPackedInt()
		if err != nil {
			t.Fatalf("%v: %v", tc.in, err)
		}
		if v != tc.value || isNull != tc.isNull {
			t.Fatalf("%v: got (%d, %v), want (%d, %v)", tc.in, v, isNull, tc.value, tc.isNull)
		}
		if c.Position() != tc.consumed {
			t.Fatalf("%v: consumed %d, want %d", tc.in, c.Position(), tc.consumed)
		}
	}
}

func TestByteCursorReadPackedString(t *testing.T) {
	c := NewByteCursor([]byte{0x05, 'h', 'e', 'l', 'l', 'o', 'X'})
	s, err := c.ReadPackedString()
	if err != nil {
		t.Fatal(err)
	}
	if s != "hello" {
		t.Fatalf("got %q, want %q", s, "hello")
	}
	rest := c.ReadRest()
	if string(rest) != "X" {
		t.Fatalf("rest = %q", rest)
	}
}

func TestByteCursorReadNullTerminated(t *testing.T) {
	c := NewByteCursor([]byte{'a', 'b', 'c', 0, 'd'})
	s, err := c.ReadNullTerminated()
	if err != nil {
		t.Fatal(err)
	}
	if s != "abc" {
		t.Fatalf("got %q, want %q", s, "abc")
	}
	if c.Position() != 4 {
		t.Fatalf("position = %d, want 4", c.Position())
	}

	c2 := NewByteCursor([]byte{'a', 'b'})
	if _, err := c2.ReadNullTerminated(); err == nil {
		t.Fatal("expected error for unterminated string")
	}
}
