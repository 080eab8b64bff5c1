package binlog

import "testing"

func TestBitCursorLittleEnd(t *testing.T) {
	// 0b00000101 -> bits 0 and 2 set, LSB first.
	c := NewBitCursor([]byte{0x05}, LittleEnd)
	want := []bool{true, false, true, false, false, false, false, false}
	for i, w := range want {
		v, err := c.Read()
		if err != nil {
			t.Fatalf("bit %d: %v", i, err)
		}
		if v != w {
			t.Fatalf("bit %d = %v, want %v", i, v, w)
		}
	}
}

func TestBitCursorBigEnd(t *testing.T) {
	// 0b10100000 -> bits 0 and 2 set, MSB first.
	c := NewBitCursor([]byte{0xa0}, BigEnd)
	want := []bool{true, false, true, false, false, false, false, false}
	for i, w := range want {
		v, err := c.Read()
		if err != nil {
			t.Fatalf("bit %d: %v", i, err)
		}
		if v != w {
			t.Fatalf("bit %d = %v, want %v", i, v, w)
		}
	}
}

func TestBitCursorPeekDoesNotAdvance(t *testing.T) {
	c := NewBitCursor([]byte{0x01}, LittleEnd)
	v, err := c.Peek()
	if err != nil {
		t.Fatal(err)
	}
	if !v {
		t.Fatal("expected true")
	}
	if c.Available() != 8 {
		t.Fatalf("available = %d, want 8 (peek must not advance)", c.Available())
	}
}

func TestBitCursorSkip(t *testing.T) {
	c := NewBitCursor([]byte{0xff}, LittleEnd)
	if err := c.Skip(7); err != nil {
		t.Fatal(err)
	}
	if c.Available() != 1 {
		t.Fatalf("available = %d, want 1", c.Available())
	}
	if err := c.Skip(2); err == nil {
		t.Fatal("expected error skipping past the end")
	}
}

func TestBitCursorOutOfRange(t *testing.T) {
	c := NewBitCursor([]byte{}, LittleEnd)
	if _, err := c.Read(); err == nil {
		t.Fatal("expected error reading from an empty buffer")
	}
}
