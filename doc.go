// Package mux implements a yamux-style stream multiplexer: many independent,
// flow-controlled, half-close-aware byte streams carried over a single
// encrypted net.Conn.
//
// The package is split into the per-stream state machine (Stream,
// ReadBuffer, WriteQueue), which is driven entirely through the Feedback and
// Connection interfaces and never touches a socket directly, and the
// concrete Session, which frames, encrypts, and ships stream data over a
// real net.Conn. Embedders that want a different wire format or transport
// can drive Stream directly through Feedback/Connection without using
// Session at all.
package mux
