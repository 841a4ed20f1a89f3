package mux

import (
	"net"
	"testing"
)

// fakeFeedback records every call a Stream makes back into its muxer and
// defers callbacks onto a FIFO task queue the test drains explicitly,
// mirroring the real scheduler without requiring a goroutine.
type fakeFeedback struct {
	tasks []func()

	writes    [][]byte
	partials  []bool
	acked     []uint32
	finSent   bool
	rstSent   bool
	resetID   uint32
}

func (f *fakeFeedback) DeferCall(fn func()) { f.tasks = append(f.tasks, fn) }

func (f *fakeFeedback) drain() {
	for len(f.tasks) > 0 {
		t := f.tasks[0]
		f.tasks = f.tasks[1:]
		t()
	}
}

func (f *fakeFeedback) WriteStreamData(id uint32, p []byte, partial bool) {
	cp := append([]byte(nil), p...)
	f.writes = append(f.writes, cp)
	f.partials = append(f.partials, partial)
}

func (f *fakeFeedback) AckReceivedBytes(id uint32, n uint32) { f.acked = append(f.acked, n) }
func (f *fakeFeedback) StreamClosed(id uint32)               { f.finSent = true }
func (f *fakeFeedback) ResetStream(id uint32) {
	f.rstSent = true
	f.resetID = id
}

type fakeConn struct{}

func (fakeConn) RemotePeer() (PeerID, error)                { return "", nil }
func (fakeConn) IsInitiator() bool                           { return true }
func (fakeConn) LocalMultiaddr() (net.Addr, error)           { return nil, nil }
func (fakeConn) RemoteMultiaddr() (net.Addr, error)          { return nil, nil }

func newTestStream(window, maxWindow uint32, writeQueueLimit int) (*Stream, *fakeFeedback) {
	fb := &fakeFeedback{}
	st := NewStream(1, fakeConn{}, fb, window, maxWindow, writeQueueLimit)
	return st, fb
}

func TestStreamSimpleEcho(t *testing.T) {
	st, fb := newTestStream(256, 256, 256)

	var wN int
	var wErr error
	st.Write([]byte("hello"), 5, func(n int, err error) { wN, wErr = n, err })
	fb.drain()

	if len(fb.writes) != 1 || string(fb.writes[0]) != "hello" || fb.partials[0] {
		t.Fatalf("writes = %v partials = %v, want [\"hello\"] [false]", fb.writes, fb.partials)
	}

	st.onDataWritten(5)
	fb.drain()
	if wErr != nil || wN != 5 {
		t.Fatalf("write callback = %d %v, want 5 nil", wN, wErr)
	}

	out := make([]byte, 5)
	var rN int
	var rErr error
	st.Read(out, 5, func(n int, err error) { rN, rErr = n, err })
	fb.drain()

	dir := st.onDataRead([]byte("hello"), false, false)
	fb.drain()

	if dir != Keep {
		t.Fatalf("directive = %v, want Keep", dir)
	}
	if rErr != nil || rN != 5 || string(out) != "hello" {
		t.Fatalf("read callback = %d %q %v, want 5 \"hello\" nil", rN, out, rErr)
	}
	if len(fb.acked) != 1 || fb.acked[0] != 5 {
		t.Fatalf("acked = %v, want [5]", fb.acked)
	}
}

func TestStreamReceiveWindowOverflow(t *testing.T) {
	st, fb := newTestStream(4, 4, 256)

	dir := st.onDataRead([]byte("abcde"), false, false)
	fb.drain()

	if dir != RemoveAndSendRST {
		t.Fatalf("directive = %v, want RemoveAndSendRST", dir)
	}
	if st.closeReason == nil || st.closeReason.Kind != KindReceiveWindowOverflow {
		t.Fatalf("close_reason = %v, want KindReceiveWindowOverflow", st.closeReason)
	}
}

func TestStreamHalfCloseLocalThenRemoteFIN(t *testing.T) {
	st, fb := newTestStream(256, 256, 256)

	var closeErr error
	closed := false
	st.Close(func(err error) { closeErr, closed = err, true })
	fb.drain()

	if !fb.finSent {
		t.Fatal("expected StreamClosed once the write queue drained")
	}
	if closed {
		t.Fatal("close callback should not fire until the remote FIN arrives")
	}

	dir := st.onDataRead(nil, true, false)
	fb.drain()

	if dir != Remove {
		t.Fatalf("directive = %v, want Remove", dir)
	}
	if !closed || closeErr != nil {
		t.Fatalf("close callback = fired=%v err=%v, want fired=true err=nil", closed, closeErr)
	}
	if !st.IsClosed() {
		t.Fatal("stream should be fully closed")
	}
}

func TestStreamRSTFromPeerWithPendingRead(t *testing.T) {
	st, fb := newTestStream(256, 256, 256)

	out := make([]byte, 10)
	var rErr error
	called := false
	st.Read(out, 10, func(n int, err error) { rErr, called = err, true })
	fb.drain()

	dir := st.onDataRead(nil, false, true)
	fb.drain()

	if dir != Remove {
		t.Fatalf("directive = %v, want Remove", dir)
	}
	if !called {
		t.Fatal("expected cb_r to fire for the pending read")
	}
	se, ok := rErr.(*StreamError)
	if !ok || se.Kind != KindResetByPeer {
		t.Fatalf("read callback error = %v, want KindResetByPeer", rErr)
	}
}

func TestStreamWriteBackpressure(t *testing.T) {
	st, fb := newTestStream(256, 256, 8)

	st.Write([]byte("AAAAAAAA"), 8, func(n int, err error) {})
	fb.drain()

	var n2 int
	var err2 error
	st.Write([]byte("B"), 1, func(n int, err error) { n2, err2 = n, err })
	fb.drain()

	se, ok := err2.(*StreamError)
	if !ok || se.Kind != KindWriteBufferOverflow || n2 != 0 {
		t.Fatalf("second write callback = %d %v, want 0 KindWriteBufferOverflow", n2, err2)
	}
}

func TestStreamSendWindowGating(t *testing.T) {
	st, fb := newTestStream(256, 256, 256)
	st.sendWindow = 3

	var wN int
	var wErr error
	st.Write([]byte("abcdef"), 6, func(n int, err error) { wN, wErr = n, err })
	fb.drain()

	if len(fb.writes) != 1 || string(fb.writes[0]) != "abc" {
		t.Fatalf("writes = %v, want [\"abc\"]", fb.writes)
	}

	st.onDataWritten(3)
	fb.drain()
	if len(fb.writes) != 1 {
		t.Fatalf("no further emission expected before increaseSendWindow, got %v", fb.writes)
	}

	st.increaseSendWindow(3)
	fb.drain()
	if len(fb.writes) != 2 || string(fb.writes[1]) != "def" {
		t.Fatalf("writes = %v, want second entry \"def\"", fb.writes)
	}

	st.onDataWritten(3)
	fb.drain()
	if wErr != nil || wN != 6 {
		t.Fatalf("write callback = %d %v, want 6 nil", wN, wErr)
	}
}

// TestStreamParkedBytesAreAckedAtInstall guards against the peer's send
// window silently drifting down: bytes already parked in the ReadBuffer at
// the moment a read is installed must be ACKed right then, not left for the
// next ingress call to account for.
func TestStreamParkedBytesAreAckedAtInstall(t *testing.T) {
	st, fb := newTestStream(256, 256, 256)

	dir := st.onDataRead([]byte("abc"), false, false)
	fb.drain()
	if dir != Keep {
		t.Fatalf("directive = %v, want Keep", dir)
	}
	if len(fb.acked) != 0 {
		t.Fatalf("parked bytes must not be ACKed before a reader drains them, got %v", fb.acked)
	}

	out := make([]byte, 5)
	var rN int
	var rErr error
	done := false
	st.Read(out, 5, func(n int, err error) { rN, rErr, done = n, err, true })
	fb.drain()

	if len(fb.acked) != 1 || fb.acked[0] != 3 {
		t.Fatalf("acked = %v, want [3] for the 3 parked bytes consumed at install time", fb.acked)
	}
	if done {
		t.Fatal("read should not complete yet; only 3 of 5 bytes have arrived")
	}

	dir = st.onDataRead([]byte("de"), false, false)
	fb.drain()
	if dir != Keep {
		t.Fatalf("directive = %v, want Keep", dir)
	}
	if len(fb.acked) != 2 || fb.acked[1] != 2 {
		t.Fatalf("acked = %v, want a second entry of 2", fb.acked)
	}
	if !done || rErr != nil || rN != 5 || string(out) != "abcde" {
		t.Fatalf("read callback = %d %q %v, want 5 \"abcde\" nil", rN, out, rErr)
	}
}

func TestStreamResetDropsCallbacksSilently(t *testing.T) {
	st, fb := newTestStream(256, 256, 256)

	out := make([]byte, 4)
	readFired := false
	st.Read(out, 4, func(n int, err error) { readFired = true })
	fb.drain()

	st.Reset()
	fb.drain()

	if readFired {
		t.Fatal("reset must drop pending callbacks without invoking them")
	}
	if !fb.rstSent {
		t.Fatal("expected ResetStream to be called")
	}
	if st.closeReason == nil || st.closeReason.Kind != KindResetByHost {
		t.Fatalf("close_reason = %v, want KindResetByHost", st.closeReason)
	}
}
