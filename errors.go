package mux

import "fmt"

// Kind identifies the taxonomy of errors a Stream can produce. Kinds are
// compared with errors.Is, never by string match.
type Kind int

// Stream error kinds, per the taxonomy in the design spec.
const (
	_ Kind = iota
	KindInvalidArgument
	KindStreamIsReading
	KindStreamNotReadable
	KindStreamNotWritable
	KindWriteBufferOverflow
	KindInvalidWindowSize
	KindReceiveWindowOverflow
	KindClosedByHost
	KindResetByHost
	KindResetByPeer
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindInvalidArgument:
		return "invalid argument"
	case KindStreamIsReading:
		return "stream is already reading"
	case KindStreamNotReadable:
		return "stream is not readable"
	case KindStreamNotWritable:
		return "stream is not writable"
	case KindWriteBufferOverflow:
		return "stream write buffer overflow"
	case KindInvalidWindowSize:
		return "invalid window size"
	case KindReceiveWindowOverflow:
		return "receive window overflow"
	case KindClosedByHost:
		return "stream closed by host"
	case KindResetByHost:
		return "stream reset by host"
	case KindResetByPeer:
		return "stream reset by peer"
	case KindInternal:
		return "internal error"
	default:
		return "unknown stream error"
	}
}

// StreamError is the concrete error type returned by Stream operations. It
// carries a Kind so callers can match on the taxonomy with errors.Is,
// independent of the human-readable message.
type StreamError struct {
	Kind Kind
	Msg  string
}

func newErr(k Kind) *StreamError { return &StreamError{Kind: k, Msg: k.String()} }

func newErrf(k Kind, format string, args ...interface{}) *StreamError {
	return &StreamError{Kind: k, Msg: fmt.Sprintf(format, args...)}
}

func (e *StreamError) Error() string { return e.Msg }

// Is reports whether target is a *StreamError with the same Kind, so callers
// can write errors.Is(err, mux.ErrStreamNotReadable) instead of comparing
// pointers.
func (e *StreamError) Is(target error) bool {
	t, ok := target.(*StreamError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Sentinel errors, one per Kind, for use with errors.Is.
var (
	ErrInvalidArgument       = newErr(KindInvalidArgument)
	ErrStreamIsReading       = newErr(KindStreamIsReading)
	ErrStreamNotReadable     = newErr(KindStreamNotReadable)
	ErrStreamNotWritable     = newErr(KindStreamNotWritable)
	ErrWriteBufferOverflow   = newErr(KindWriteBufferOverflow)
	ErrInvalidWindowSize     = newErr(KindInvalidWindowSize)
	ErrReceiveWindowOverflow = newErr(KindReceiveWindowOverflow)
	ErrClosedByHost          = newErr(KindClosedByHost)
	ErrResetByHost           = newErr(KindResetByHost)
	ErrResetByPeer           = newErr(KindResetByPeer)
	ErrInternal              = newErr(KindInternal)
)
