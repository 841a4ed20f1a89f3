package mux

import "net"

// PeerID identifies the far side of a connection. A dialing Session in this
// package derives it from the ed25519 public key it verified during the
// handshake (see handshake.go), hex-encoded; an accepting Session has no
// verified peer and reports the empty PeerID.
type PeerID string

// Feedback is the callback surface a Stream uses to talk back to its owning
// muxer. A Stream never touches a socket or scheduler directly; every
// outbound effect (framing, ACKs, FIN/RST, deferred callbacks) goes through
// Feedback so the Stream state machine stays testable without a real
// connection.
type Feedback interface {
	// WriteStreamData hands a chunk to the framer. The muxer must later
	// report how much of it reached the wire via (*Stream).onDataWritten.
	WriteStreamData(streamID uint32, p []byte, partial bool)
	// AckReceivedBytes schedules a WINDOW_UPDATE advancing the peer's send
	// window by n bytes.
	AckReceivedBytes(streamID uint32, n uint32)
	// StreamClosed emits a FIN frame for streamID.
	StreamClosed(streamID uint32)
	// ResetStream emits an RST frame for streamID and evicts it.
	ResetStream(streamID uint32)
	// DeferCall schedules thunk to run in a future tick on the muxer's
	// single-threaded execution context, never synchronously from within the
	// call that invoked DeferCall.
	DeferCall(thunk func())
}

// Connection exposes read-only information about the secure transport a
// Stream is multiplexed over.
type Connection interface {
	// RemotePeer returns the verified identity of the peer.
	RemotePeer() (PeerID, error)
	// IsInitiator reports whether this side dialed (true) or accepted
	// (false) the underlying connection.
	IsInitiator() bool
	// LocalMultiaddr returns the local endpoint address.
	LocalMultiaddr() (net.Addr, error)
	// RemoteMultiaddr returns the remote endpoint address.
	RemoteMultiaddr() (net.Addr, error)
}
