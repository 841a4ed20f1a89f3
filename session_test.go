package mux

import (
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"testing"
	"time"
)

// newTestingPair spins up a connected client/server Session pair over an
// in-memory net.Conn, mirroring the teacher's newTestingPair helper in
// v3/mux_test.go.
func newTestingPair(t *testing.T) (client, server *Session) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	c1, c2 := net.Pipe()

	type result struct {
		sess *Session
		err  error
	}
	clientCh := make(chan result, 1)
	serverCh := make(chan result, 1)

	go func() {
		sess, err := Dial(c1, pub)
		clientCh <- result{sess, err}
	}()
	go func() {
		sess, err := Accept(c2, priv)
		serverCh <- result{sess, err}
	}()

	cr := <-clientCh
	sr := <-serverCh
	if cr.err != nil {
		t.Fatalf("Dial: %v", cr.err)
	}
	if sr.err != nil {
		t.Fatalf("Accept: %v", sr.err)
	}
	return cr.sess, sr.sess
}

func TestSessionHandshakeEstablishesPeerIdentity(t *testing.T) {
	client, server := newTestingPair(t)
	defer client.Close()
	defer server.Close()

	if !client.IsInitiator() {
		t.Fatal("client should be the initiator")
	}
	if server.IsInitiator() {
		t.Fatal("server should not be the initiator")
	}
	if remote, _ := server.RemotePeer(); remote != "" {
		t.Fatalf("accept side should have no verified remote peer, got %q", remote)
	}
	if remote, _ := client.RemotePeer(); remote == "" {
		t.Fatal("dial side should know the peer it dialed")
	}
}

func TestSessionStreamEchoRoundTrip(t *testing.T) {
	client, server := newTestingPair(t)
	defer client.Close()
	defer server.Close()

	accepted := make(chan *Stream, 1)
	acceptErr := make(chan error, 1)
	go func() {
		st, err := server.AcceptStream()
		if err != nil {
			acceptErr <- err
			return
		}
		accepted <- st
	}()

	cst := client.DialStream()

	wrote := make(chan error, 1)
	cst.Write([]byte("ping"), 4, func(n int, err error) { wrote <- err })

	var sst *Stream
	select {
	case sst = <-accepted:
	case err := <-acceptErr:
		t.Fatalf("AcceptStream: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for accepted stream")
	}

	got := make([]byte, 4)
	readDone := make(chan struct{})
	var readN int
	var readErr error
	sst.Read(got, 4, func(n int, err error) {
		readN, readErr = n, err
		close(readDone)
	})

	select {
	case <-readDone:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for server read")
	}
	if readErr != nil || readN != 4 || string(got) != "ping" {
		t.Fatalf("server read = %d %q %v, want 4 \"ping\" nil", readN, got, readErr)
	}

	select {
	case err := <-wrote:
		if err != nil {
			t.Fatalf("client write: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for write completion")
	}

	reply := make(chan error, 1)
	sst.Write([]byte("pong"), 4, func(n int, err error) { reply <- err })

	gotReply := make([]byte, 4)
	replyDone := make(chan struct{})
	cst.Read(gotReply, 4, func(n int, err error) {
		if err == nil && string(gotReply[:n]) != "pong" {
			t.Errorf("client read = %q, want \"pong\"", gotReply[:n])
		}
		close(replyDone)
	})

	select {
	case err := <-reply:
		if err != nil {
			t.Fatalf("server write: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reply write")
	}
	select {
	case <-replyDone:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for client read of reply")
	}
}

func TestSessionCloseTearsDownStreams(t *testing.T) {
	client, server := newTestingPair(t)
	defer server.Close()

	cst := client.DialStream()

	resetDone := make(chan struct{})
	buf := make([]byte, 1)
	cst.Read(buf, 1, func(n int, err error) {
		if err == nil {
			t.Error("expected an error once the session closes")
		}
		close(resetDone)
	})

	if err := client.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case <-resetDone:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for stream teardown notification")
	}
}
