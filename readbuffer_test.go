package mux

import "testing"

func TestReadBufferAddConsume(t *testing.T) {
	var b ReadBuffer
	if !b.empty() {
		t.Fatal("expected empty buffer")
	}
	b.add([]byte("hello"))
	if b.size() != 5 {
		t.Fatalf("size = %d, want 5", b.size())
	}
	dst := make([]byte, 3)
	n := b.consume(dst)
	if n != 3 || string(dst) != "hel" {
		t.Fatalf("consume = %d %q, want 3 \"hel\"", n, dst)
	}
	if b.size() != 2 {
		t.Fatalf("size = %d, want 2", b.size())
	}
	dst2 := make([]byte, 10)
	n = b.consume(dst2)
	if n != 2 || string(dst2[:n]) != "lo" {
		t.Fatalf("consume = %d %q, want 2 \"lo\"", n, dst2[:n])
	}
	if !b.empty() {
		t.Fatal("expected empty after full drain")
	}
}

func TestReadBufferAddAndConsumeDirect(t *testing.T) {
	var b ReadBuffer
	dst := make([]byte, 3)
	n := b.addAndConsume([]byte("hi"), dst)
	if n != 2 {
		t.Fatalf("n = %d, want 2", n)
	}
	if !b.empty() {
		t.Fatal("short source should leave nothing buffered")
	}
}

func TestReadBufferAddAndConsumeOverflow(t *testing.T) {
	var b ReadBuffer
	dst := make([]byte, 3)
	n := b.addAndConsume([]byte("hello"), dst)
	if n != 3 || string(dst) != "hel" {
		t.Fatalf("n = %d dst = %q, want 3 \"hel\"", n, dst)
	}
	if b.size() != 2 {
		t.Fatalf("leftover size = %d, want 2", b.size())
	}
}

func TestReadBufferAddAndConsumeNonEmptyFallsBack(t *testing.T) {
	var b ReadBuffer
	b.add([]byte("ab"))
	dst := make([]byte, 10)
	n := b.addAndConsume([]byte("cd"), dst)
	if n != 4 || string(dst[:n]) != "abcd" {
		t.Fatalf("n = %d dst = %q, want 4 \"abcd\"", n, dst[:n])
	}
}

func TestReadBufferClear(t *testing.T) {
	var b ReadBuffer
	b.add([]byte("xyz"))
	b.clear()
	if !b.empty() || b.size() != 0 {
		t.Fatal("expected empty buffer after clear")
	}
}
