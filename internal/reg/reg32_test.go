package reg

import (
	"testing"
	"time"
)

func TestGetSetClear(t *testing.T) {
	b := NewMemBus(16)

	Set(b, 0, 3)

	if got := Get(b, 0, 3, 1); got != 1 {
		t.Fatalf("Get after Set = %d, want 1", got)
	}

	Clear(b, 0, 3)

	if got := Get(b, 0, 3, 1); got != 0 {
		t.Fatalf("Get after Clear = %d, want 0", got)
	}
}

func TestSetNClearN(t *testing.T) {
	b := NewMemBus(16)

	SetN(b, 4, 8, 0xff, 0x3c)

	if got := Get(b, 4, 8, 0xff); got != 0x3c {
		t.Fatalf("Get after SetN = %#x, want 0x3c", got)
	}

	ClearN(b, 4, 8, 0xff)

	if got := Get(b, 4, 8, 0xff); got != 0 {
		t.Fatalf("Get after ClearN = %#x, want 0", got)
	}
}

func TestWriteBackOr(t *testing.T) {
	b := NewMemBus(16)

	Write(b, 0, 0x00000001)
	WriteBack(b, 0)

	if got := Read(b, 0); got != 0x00000001 {
		t.Fatalf("Read after WriteBack = %#x, want 0x1", got)
	}

	Or(b, 0, 0x00000010)

	if got := Read(b, 0); got != 0x00000011 {
		t.Fatalf("Read after Or = %#x, want 0x11", got)
	}
}

func TestWaitFor(t *testing.T) {
	b := NewMemBus(16)

	if WaitFor(10*time.Millisecond, b, 0, 0, 1, 1) {
		t.Fatal("WaitFor succeeded against a bit that never changes")
	}

	Set(b, 0, 0)

	if !WaitFor(10*time.Millisecond, b, 0, 0, 1, 1) {
		t.Fatal("WaitFor failed against an already-satisfied condition")
	}
}
