package mux

// writeCallback is invoked at most once per enqueued write (never for an
// entry discarded by clear), with the number
// of bytes that were confirmed onto the wire and, on failure, the error that
// ended the write early.
type writeCallback func(n int, err error)

type writeEntry struct {
	data     []byte // bytes not yet handed to dequeue
	total    int    // original length of the write
	dequeued int    // bytes handed out via dequeue, acked or not
	acked    int    // bytes confirmed wire-committed via ack
	partial  bool   // "writeSome": complete as soon as any byte is acked
	cb       writeCallback
}

func (e *writeEntry) done() bool {
	if e.partial {
		return e.acked > 0
	}
	return e.acked == e.total
}

// WriteQueue is a bounded FIFO of outbound byte chunks. Every enqueued chunk
// produces at most one callback invocation, in FIFO order, by ack or
// broadcast; clear discards entries without invoking any callback (clear is
// for the reset() path, where callbacks are dropped deliberately, not
// failed).
//
// Grounded on the teacher's send-path bookkeeping (SiaFoundation-mux/v2's
// bufferFrame/settings accounting) generalized with explicit per-entry ack
// tracking modeled on Darkren-yamux's sendWindow decrement-on-write /
// increment-on-WINDOW_UPDATE bookkeeping.
type WriteQueue struct {
	entries []writeEntry
	limit   int
}

// NewWriteQueue creates a WriteQueue bounded by limit bytes of outstanding
// (enqueued but not yet acked) data.
func NewWriteQueue(limit int) *WriteQueue {
	return &WriteQueue{limit: limit}
}

func (q *WriteQueue) pending() int {
	n := 0
	for i := range q.entries {
		n += q.entries[i].total - q.entries[i].acked
	}
	return n
}

// canEnqueue reports whether adding n bytes would keep total pending bytes
// within the configured limit.
func (q *WriteQueue) canEnqueue(n int) bool {
	return q.pending()+n <= q.limit
}

// enqueue appends a new entry to the back of the queue. Callers must check
// canEnqueue first; enqueue does not itself enforce the limit.
func (q *WriteQueue) enqueue(p []byte, partial bool, cb writeCallback) {
	data := make([]byte, len(p))
	copy(data, p)
	q.entries = append(q.entries, writeEntry{
		data:    data,
		total:   len(data),
		partial: partial,
		cb:      cb,
	})
}

// dequeue returns the next sliceable prefix of the first entry that still
// has undequeued bytes, bounded by credit, along with that entry's partial
// flag and the credit remaining after taking the slice. It returns a nil
// slice once no entry has anything left to dequeue (entries still awaiting
// ack are not removed; they simply contribute nothing further here).
func (q *WriteQueue) dequeue(credit int) (slice []byte, partial bool, remaining int) {
	for i := range q.entries {
		e := &q.entries[i]
		if len(e.data) == 0 {
			continue
		}
		n := credit
		if n > len(e.data) {
			n = len(e.data)
		}
		if n == 0 {
			return nil, e.partial, credit
		}
		slice = e.data[:n]
		e.data = e.data[n:]
		e.dequeued += n
		return slice, e.partial, credit - n
	}
	return nil, false, credit
}

// ack accounts n bytes as having left the wire, completing callbacks (in
// FIFO order) for every entry whose completion condition is now met. It
// returns false if n exceeds the bytes currently outstanding (dequeued but
// not yet acked), which indicates an accounting bug in the caller.
func (q *WriteQueue) ack(n int) bool {
	remaining := n
	for remaining > 0 {
		if len(q.entries) == 0 {
			return false
		}
		e := &q.entries[0]
		out := e.dequeued - e.acked
		if out == 0 {
			return false
		}
		take := out
		if remaining < take {
			take = remaining
		}
		e.acked += take
		remaining -= take
		if e.done() {
			cb := e.cb
			acked := e.acked
			q.entries = q.entries[1:]
			if cb != nil {
				cb(acked, nil)
			}
		} else if remaining > 0 {
			// remaining bytes were claimed for an entry that isn't finished
			// producing them yet; the caller's accounting is wrong.
			return false
		}
	}
	return true
}

// broadcast flushes every still-pending entry's callback with err, in FIFO
// order, invoking cont before each callback so the caller (Stream.doClose)
// can stop early if a reentrant callback has already torn the stream down
// (no_more_callbacks flipping mid-iteration).
func (q *WriteQueue) broadcast(err error, cont func() bool) {
	for len(q.entries) > 0 {
		if !cont() {
			return
		}
		e := q.entries[0]
		q.entries = q.entries[1:]
		if e.cb != nil {
			e.cb(e.acked, err)
		}
	}
}

// clear discards all entries without invoking any callback.
func (q *WriteQueue) clear() {
	q.entries = nil
}

// empty reports whether the queue holds no entries.
func (q *WriteQueue) empty() bool { return len(q.entries) == 0 }
