package mux

import "net"

// Stream is the per-stream state machine: a flow-controlled, half-close-aware
// duplex byte channel multiplexed over a single Connection. All mutation
// happens on the muxer's single scheduler goroutine (see scheduler.go); a
// Stream itself holds no lock, matching the "no locks, no atomics on stream
// fields" contract of the cooperative concurrency model it's built for.
//
// Grounded on Darkria-yamux's Stream (send/recv window accounting, half-close
// state machine, processFlags-style FIN/RST handling) and
// SiaFoundation-mux's Stream (field layout, doc-comment density, exposing
// peer/address queries that delegate to the owning connection).
type Stream struct {
	id   uint32
	conn Connection
	fb   Feedback

	sendWindow uint32
	recvWindow uint32
	maxWindow  uint32

	readable bool
	writable bool

	closeReason     *StreamError
	noMoreCallbacks bool
	finSent         bool

	readBuf ReadBuffer
	wq      *WriteQueue

	reading  bool
	readOut  []byte
	readWant int
	readSome bool
	readGot  int
	readCB   func(n int, err error)

	closePending bool
	closeCB      func(err error)

	windowAdjustPending bool
	windowAdjustTarget  uint32
	windowAdjustCB      func(err error)
}

// NewStream constructs a Stream with both windows set to window and both
// half-closes open. writeQueueLimit must be >= maxWindow (the WriteQueue must
// be able to hold at least a full window's worth of unacked data).
func NewStream(id uint32, conn Connection, fb Feedback, window, maxWindow uint32, writeQueueLimit int) *Stream {
	return &Stream{
		id:         id,
		conn:       conn,
		fb:         fb,
		sendWindow: window,
		recvWindow: window,
		maxWindow:  maxWindow,
		readable:   true,
		writable:   true,
		wq:         NewWriteQueue(writeQueueLimit),
	}
}

// ID returns the stream's identifier.
func (s *Stream) ID() uint32 { return s.id }

// deferred schedules fn to run through the muxer's deferCall primitive,
// silently dropping it if the stream has since been reset. This is the Go
// rendering of spec.md §9's weak-handle / generation-checked callback: since
// every Stream mutation (including this check) happens on the single
// scheduler goroutine, no_more_callbacks can never flip between the decision
// to schedule and the check inside the thunk racing with a caller — but it
// can flip between scheduling and the tick in which the thunk actually runs,
// which is exactly what this guards against.
func (s *Stream) deferred(fn func()) {
	s.fb.DeferCall(func() {
		if s.noMoreCallbacks {
			return
		}
		fn()
	})
}

// Read completes cb only once exactly n bytes have been delivered into out.
//
// Read may be called from any goroutine: the call itself is posted onto the
// owning Session's scheduler goroutine (the same one that applies incoming
// frames), which is what lets the rest of the state machine touch Stream
// fields without a lock.
func (s *Stream) Read(out []byte, n int, cb func(n int, err error)) {
	s.fb.DeferCall(func() { s.doRead(out, n, false, cb) })
}

// ReadSome completes cb as soon as at least 1 byte has been delivered into
// out. See Read for the scheduling contract.
func (s *Stream) ReadSome(out []byte, n int, cb func(n int, err error)) {
	s.fb.DeferCall(func() { s.doRead(out, n, true, cb) })
}

func (s *Stream) doRead(out []byte, n int, some bool, cb func(n int, err error)) {
	if cb == nil {
		return // nothing we can notify; nowhere to report the violation
	}
	if n <= 0 || len(out) < n {
		s.deferred(func() { cb(0, ErrInvalidArgument) })
		return
	}

	threshold := n
	if some {
		threshold = 1
	}
	if s.readBuf.size() >= threshold {
		got := s.readBuf.consume(out[:n])
		if s.readable {
			s.fb.AckReceivedBytes(s.id, uint32(got))
			s.recvWindow += uint32(got)
			s.checkWindowAdjustLatch()
		}
		s.deferred(func() { cb(got, nil) })
		return
	}

	if s.closeReason != nil {
		reason := s.closeReason
		s.deferred(func() { cb(0, reason) })
		return
	}
	if s.reading {
		s.deferred(func() { cb(0, ErrStreamIsReading) })
		return
	}
	if !s.readable {
		s.deferred(func() { cb(0, ErrStreamNotReadable) })
		return
	}

	s.reading = true
	s.readOut = out
	s.readWant = n
	s.readSome = some
	s.readGot = 0
	s.readCB = cb

	if !s.readBuf.empty() {
		s.readGot = s.readBuf.consume(out[:n])
		if s.readable && s.readGot > 0 {
			s.fb.AckReceivedBytes(s.id, uint32(s.readGot))
			s.recvWindow += uint32(s.readGot)
			s.checkWindowAdjustLatch()
		}
	}
}

// Write completes cb only once all n bytes have been acknowledged as
// wire-committed. See Read for the scheduling contract.
func (s *Stream) Write(in []byte, n int, cb func(n int, err error)) {
	s.fb.DeferCall(func() { s.doWriteCall(in, n, false, cb) })
}

// WriteSome completes cb as soon as any byte of the write has been
// acknowledged; any remainder of the write that hadn't yet reached the wire
// is discarded. See Read for the scheduling contract.
func (s *Stream) WriteSome(in []byte, n int, cb func(n int, err error)) {
	s.fb.DeferCall(func() { s.doWriteCall(in, n, true, cb) })
}

func (s *Stream) doWriteCall(in []byte, n int, some bool, cb func(n int, err error)) {
	if cb == nil {
		return
	}
	if n <= 0 || len(in) < n {
		s.deferred(func() { cb(0, ErrInvalidArgument) })
		return
	}
	if !s.writable {
		s.deferred(func() { cb(0, ErrStreamNotWritable) })
		return
	}
	if s.closeReason != nil {
		reason := s.closeReason
		s.deferred(func() { cb(0, reason) })
		return
	}
	if !s.wq.canEnqueue(n) {
		s.deferred(func() { cb(0, ErrWriteBufferOverflow) })
		return
	}
	s.wq.enqueue(in[:n], some, func(acked int, err error) {
		s.deferred(func() { cb(acked, err) })
	})
	s.doWrite()
}

// Close half-closes the stream for writes. Once the WriteQueue drains under
// the new state, a FIN is emitted; cb fires once the stream reaches a fully
// closed state, with a nil error iff the cause was a clean host-initiated
// close. See Read for the scheduling contract.
func (s *Stream) Close(cb func(err error)) {
	s.fb.DeferCall(func() { s.closeLocal(cb) })
}

func (s *Stream) closeLocal(cb func(err error)) {
	if s.closeReason != nil {
		reason := s.closeReason
		s.deferred(func() { cb(closeCallbackErr(reason)) })
		return
	}
	s.closeCB = cb
	s.closePending = cb != nil
	s.writable = false
	s.doWrite()
}

func closeCallbackErr(reason *StreamError) error {
	if reason.Kind == KindClosedByHost {
		return nil
	}
	return reason
}

// Reset terminates the stream unilaterally: both halves become unreadable
// and unwritable, every stored callback is dropped without being invoked,
// and the muxer is told to emit an RST. See Read for the scheduling
// contract.
func (s *Stream) Reset() {
	s.fb.DeferCall(func() { s.resetInternal(ErrResetByHost) })
}

func (s *Stream) resetInternal(reason *StreamError) {
	wasOpen := s.closeReason == nil
	s.readable = false
	s.writable = false
	s.noMoreCallbacks = true
	s.reading = false
	s.readCB = nil
	s.readOut = nil
	s.closePending = false
	s.closeCB = nil
	s.windowAdjustPending = false
	s.windowAdjustCB = nil
	s.readBuf.clear()
	s.wq.clear()
	if wasOpen {
		s.closeReason = reason
	}
	s.fb.ResetStream(s.id)
}

// AdjustWindowSize grows the notional receive window to newSize, ACKing the
// delta to the peer immediately. cb is latched until receive_window reaches
// newSize or the stream closes; because this call itself raises
// receive_window to newSize, the latch is released within the same call and
// cb is scheduled right away. A second call replaces a still-latched
// callback rather than stacking it — see SPEC_FULL.md's Open Questions
// resolution for why this overrides rather than rejects.
func (s *Stream) AdjustWindowSize(newSize uint32, cb func(err error)) {
	s.fb.DeferCall(func() { s.adjustWindowSizeLocal(newSize, cb) })
}

func (s *Stream) adjustWindowSizeLocal(newSize uint32, cb func(err error)) {
	if cb == nil {
		return
	}
	if s.closeReason != nil {
		reason := s.closeReason
		s.deferred(func() { cb(reason) })
		return
	}
	if newSize > s.maxWindow || newSize < s.recvWindow {
		s.deferred(func() { cb(ErrInvalidWindowSize) })
		return
	}
	delta := newSize - s.recvWindow
	if delta > 0 {
		s.recvWindow = newSize
		s.fb.AckReceivedBytes(s.id, delta)
	}
	s.windowAdjustCB = cb
	s.windowAdjustTarget = newSize
	s.windowAdjustPending = true
	s.checkWindowAdjustLatch()
}

func (s *Stream) checkWindowAdjustLatch() {
	if s.windowAdjustPending && s.recvWindow >= s.windowAdjustTarget {
		cb := s.windowAdjustCB
		s.windowAdjustPending = false
		s.windowAdjustCB = nil
		s.deferred(func() { cb(nil) })
	}
}

// onDataRead delivers bytes (and/or FIN/RST) arriving from the wire. It
// returns a Directive telling the muxer whether to keep the stream, remove
// it, or remove it and emit an RST.
func (s *Stream) onDataRead(data []byte, fin, rst bool) Directive {
	consumed := 0
	if len(data) > 0 && s.reading {
		dst := s.readOut[s.readGot:s.readWant]
		n := s.readBuf.addAndConsume(data, dst)
		s.readGot += n
		consumed = n
		completed := (s.readSome && s.readGot > 0) || (!s.readSome && s.readGot >= s.readWant)
		if completed {
			s.completeRead(s.readGot, nil)
		}
	} else if len(data) > 0 {
		s.readBuf.add(data)
	}

	overflow := uint32(s.readBuf.size()) > s.recvWindow

	if s.closeReason != nil {
		return RemoveAndSendRST
	}
	if rst {
		s.doClose(ErrResetByPeer)
		return Remove
	}
	if fin {
		s.readable = false
		if !s.writable {
			s.doClose(ErrClosedByHost)
			return Remove
		}
		return Keep
	}
	if overflow {
		s.doClose(ErrReceiveWindowOverflow)
		return RemoveAndSendRST
	}
	if consumed > 0 {
		s.fb.AckReceivedBytes(s.id, uint32(consumed))
		s.recvWindow += uint32(consumed)
		s.checkWindowAdjustLatch()
	}
	return Keep
}

// onDataWritten reports that n previously dequeued bytes have been framed
// and handed to the wire.
func (s *Stream) onDataWritten(n int) {
	if !s.wq.ack(n) {
		s.resetInternal(newErrf(KindInternal, "write queue ack accounting mismatch: onDataWritten(%d)", n))
		return
	}
	s.doWrite()
}

// increaseSendWindow reports that the peer has advanced our send window by
// delta bytes, then attempts to drain the WriteQueue.
func (s *Stream) increaseSendWindow(delta uint32) {
	s.sendWindow += delta
	s.doWrite()
}

// closedByConnection reports that the underlying session is tearing down.
func (s *Stream) closedByConnection(ec error) {
	if s.closeReason != nil {
		return
	}
	se, ok := ec.(*StreamError)
	if !ok {
		se = newErrf(KindInternal, "%v", ec)
	}
	s.doClose(se)
}

// completeRead fires the pending read's callback and clears pending-read
// state. Always scheduled via deferred, never called synchronously from a
// context that holds user-visible state open.
func (s *Stream) completeRead(n int, err error) {
	cb := s.readCB
	s.reading = false
	s.readCB = nil
	s.readOut = nil
	s.deferred(func() { cb(n, err) })
}

// doWrite is the internal drain loop: it dequeues as many bytes as the send
// window currently allows, hands each chunk to the muxer, and — once the
// queue is empty and the stream has been locally closed for writes — emits
// the FIN signal exactly once.
func (s *Stream) doWrite() {
	for {
		slice, partial, remaining := s.wq.dequeue(int(s.sendWindow))
		if slice == nil {
			break
		}
		s.fb.WriteStreamData(s.id, slice, partial)
		s.sendWindow = uint32(remaining)
	}

	if s.writable || s.closeReason != nil || s.finSent || !s.wq.empty() {
		return
	}
	s.finSent = true
	s.fb.StreamClosed(s.id)
	if !s.readable {
		s.doClose(ErrClosedByHost)
		return
	}
	// No local reader remains interested in more credit bookkeeping beyond
	// letting the peer's trailing bytes and FIN land without a spurious
	// overflow: widen receive_window to the ceiling.
	s.recvWindow = s.maxWindow
	s.checkWindowAdjustLatch()
}

// doClose is the shared teardown path for every close cause except an
// explicit Reset: it latches close_reason once, fails any pending read with
// the reason, resolves a latched window-adjust callback, fires the pending
// close callback (success iff the cause is a clean host close), and
// broadcasts the failure to every queued writer in FIFO order.
func (s *Stream) doClose(reason *StreamError) {
	if s.closeReason != nil {
		return
	}
	s.closeReason = reason
	s.readable = false
	s.writable = false

	if s.reading {
		n := s.readGot
		s.readBuf.clear()
		s.completeRead(n, reason)
	}

	if s.windowAdjustPending {
		cb := s.windowAdjustCB
		s.windowAdjustPending = false
		s.windowAdjustCB = nil
		s.deferred(func() { cb(reason) })
	}

	if s.closePending {
		cb := s.closeCB
		s.closePending = false
		s.closeCB = nil
		result := closeCallbackErr(reason)
		s.deferred(func() { cb(result) })
	}

	s.wq.broadcast(reason, func() bool { return !s.noMoreCallbacks })
	s.wq.clear()
}

// IsClosed reports whether the stream is fully closed (read and write).
//
// Like the other query methods below, this reads Stream state directly with
// no synchronization, so it is only safe to call from the scheduler
// goroutine — in practice, from inside a callback this Stream (or another
// Stream on the same Session) has fired. Calling it from an unrelated
// goroutine is a data race, the same way touching a JS object from outside
// its event loop would be undefined in the model this package is adapted
// from.
func (s *Stream) IsClosed() bool { return s.closeReason != nil }

// IsClosedForRead reports whether the read half has closed.
func (s *Stream) IsClosedForRead() bool { return !s.readable }

// IsClosedForWrite reports whether the write half has closed.
func (s *Stream) IsClosedForWrite() bool { return !s.writable }

// RemotePeerID returns the identity of the peer on the other end of the
// owning Connection.
func (s *Stream) RemotePeerID() (PeerID, error) { return s.conn.RemotePeer() }

// LocalMultiaddr returns the local endpoint address of the owning Connection.
func (s *Stream) LocalMultiaddr() (net.Addr, error) { return s.conn.LocalMultiaddr() }

// RemoteMultiaddr returns the remote endpoint address of the owning
// Connection.
func (s *Stream) RemoteMultiaddr() (net.Addr, error) { return s.conn.RemoteMultiaddr() }

// IsInitiator reports whether the owning Connection was dialed locally.
func (s *Stream) IsInitiator() bool { return s.conn.IsInitiator() }
