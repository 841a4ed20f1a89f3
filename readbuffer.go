package mux

// ReadBuffer stages bytes that have arrived from the wire until the user
// reads them. It is not safe for concurrent use; callers (the Stream state
// machine) are expected to serialize access themselves (see scheduler.go).
//
// Grounded on the recvBuf handling in Darkren-yamux's Stream.readData/Read:
// a plain growable byte slice, drained by copying into the caller's buffer.
type ReadBuffer struct {
	buf []byte
}

// add appends bytes to the buffer.
func (b *ReadBuffer) add(p []byte) {
	if len(p) == 0 {
		return
	}
	b.buf = append(b.buf, p...)
}

// consume copies up to len(dst) bytes out of the buffer into dst, advances
// past them, and returns the count copied. It may return 0 if the buffer is
// empty.
func (b *ReadBuffer) consume(dst []byte) int {
	n := copy(dst, b.buf)
	b.buf = b.buf[n:]
	if len(b.buf) == 0 {
		b.buf = nil
	}
	return n
}

// addAndConsume is equivalent to add(src) followed by consume(dst), but
// delivers directly into dst without an intermediate copy when the buffer is
// already empty — the common case of a pending read being fed fresh wire
// data.
func (b *ReadBuffer) addAndConsume(src, dst []byte) int {
	if len(b.buf) == 0 {
		n := copy(dst, src)
		if n < len(src) {
			b.add(src[n:])
		}
		return n
	}
	b.add(src)
	return b.consume(dst)
}

// size returns the number of buffered bytes.
func (b *ReadBuffer) size() int { return len(b.buf) }

// empty reports whether the buffer holds no bytes.
func (b *ReadBuffer) empty() bool { return len(b.buf) == 0 }

// clear discards all buffered bytes.
func (b *ReadBuffer) clear() { b.buf = nil }
