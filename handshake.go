package mux

import (
	"crypto/cipher"
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"lukechampine.com/frand"
)

func generateX25519KeyPair() (xsk, xpk [32]byte) {
	frand.Read(xsk[:])
	curve25519.ScalarBaseMult(&xpk, &xsk)
	return
}

type seqCipher struct {
	aead       cipher.AEAD
	ourNonce   [chachaPoly1305NonceSize]byte
	theirNonce [chachaPoly1305NonceSize]byte
}

func incNonce(nonce []byte) {
	binary.LittleEndian.PutUint64(nonce, binary.LittleEndian.Uint64(nonce)+1)
}

func (c *seqCipher) encryptInPlace(buf []byte) {
	plaintext := buf[:len(buf)-chachaPoly1305TagSize]
	c.aead.Seal(plaintext[:0], c.ourNonce[:], plaintext, nil)
	incNonce(c.ourNonce[:])
}

func (c *seqCipher) decryptInPlace(buf []byte) ([]byte, error) {
	plaintext, err := c.aead.Open(buf[:0], c.theirNonce[:], buf, nil)
	incNonce(c.theirNonce[:])
	return plaintext, err
}

func deriveSharedCipher(xsk, xpk [32]byte) (*seqCipher, error) {
	// An error here is only possible if xpk is a low-order point; we don't
	// bother rejecting it specially, for the same reason the teacher doesn't:
	// a peer who chooses one can already decrypt everything anyway.
	secret, err := curve25519.X25519(xsk[:], xpk[:])
	if err != nil {
		return nil, err
	}
	key := blake2b.Sum256(secret)
	c, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	nonce := blake2b.Sum256(key[:])
	return &seqCipher{
		aead:       c,
		ourNonce:   *(*[chachaPoly1305NonceSize]byte)(nonce[:]),
		theirNonce: *(*[chachaPoly1305NonceSize]byte)(nonce[:]),
	}, err
}

// connSettings is negotiated once, during the handshake, and then fixed for
// the life of a Session: it governs both the wire framing (PacketSize,
// MaxTimeout, as in the teacher) and the flow-control defaults every Stream
// is constructed with (InitialStreamWindow, MaxStreamWindow,
// WriteQueueLimit — new fields the teacher has no equivalent of, since it
// has no flow control at all).
type connSettings struct {
	PacketSize          int
	MaxTimeout          time.Duration
	InitialStreamWindow uint32
	MaxStreamWindow     uint32
	WriteQueueLimit     uint32
}

func (cs connSettings) maxFrameSize() int {
	return cs.PacketSize - chachaPoly1305TagSize
}

func (cs connSettings) maxPayloadSize() int {
	return cs.maxFrameSize() - frameHeaderSize
}

const ipv6MTU = 1440 // 1500-byte Ethernet frame - 40-byte IPv6 header - 20-byte TCP header

// defaultConnSettings mirrors the teacher's defaultConnSettings for the
// wire-framing fields, and adopts the yamux-family convention (see
// Darkren-yamux's initialStreamWindow) for the new flow-control fields: a
// 256 KiB ceiling, opened at the full ceiling rather than ramping up, and a
// write queue sized to hold exactly one full window of unacked data.
var defaultConnSettings = connSettings{
	PacketSize:          ipv6MTU * 3, // three IPv6-MTU-sized segments (4320 bytes)
	MaxTimeout:          20 * time.Minute,
	InitialStreamWindow: 256 * 1024,
	MaxStreamWindow:     256 * 1024,
	WriteQueueLimit:     256 * 1024,
}

const connSettingsSize = 4 + 4 + 4 + 4 + 4

func encodeConnSettings(buf []byte, cs connSettings) {
	binary.LittleEndian.PutUint32(buf[0:], uint32(cs.PacketSize))
	binary.LittleEndian.PutUint32(buf[4:], uint32(cs.MaxTimeout.Milliseconds()))
	binary.LittleEndian.PutUint32(buf[8:], cs.InitialStreamWindow)
	binary.LittleEndian.PutUint32(buf[12:], cs.MaxStreamWindow)
	binary.LittleEndian.PutUint32(buf[16:], cs.WriteQueueLimit)
}

func decodeConnSettings(buf []byte) (cs connSettings) {
	cs.PacketSize = int(binary.LittleEndian.Uint32(buf[0:]))
	cs.MaxTimeout = time.Millisecond * time.Duration(binary.LittleEndian.Uint32(buf[4:]))
	cs.InitialStreamWindow = binary.LittleEndian.Uint32(buf[8:])
	cs.MaxStreamWindow = binary.LittleEndian.Uint32(buf[12:])
	cs.WriteQueueLimit = binary.LittleEndian.Uint32(buf[16:])
	return
}

// mergeSettings reconciles our settings with the peer's, taking the smaller
// of each value (the teacher's rule, extended to the three new fields) and
// enforcing sane bounds.
func mergeSettings(ours, theirs connSettings) (connSettings, error) {
	merged := ours
	if theirs.PacketSize < merged.PacketSize {
		merged.PacketSize = theirs.PacketSize
	}
	if theirs.MaxTimeout < merged.MaxTimeout {
		merged.MaxTimeout = theirs.MaxTimeout
	}
	if theirs.InitialStreamWindow < merged.InitialStreamWindow {
		merged.InitialStreamWindow = theirs.InitialStreamWindow
	}
	if theirs.MaxStreamWindow < merged.MaxStreamWindow {
		merged.MaxStreamWindow = theirs.MaxStreamWindow
	}
	if theirs.WriteQueueLimit < merged.WriteQueueLimit {
		merged.WriteQueueLimit = theirs.WriteQueueLimit
	}
	switch {
	case merged.PacketSize < 1220:
		return connSettings{}, fmt.Errorf("requested packet size (%v) is too small", merged.PacketSize)
	case merged.PacketSize > 32768:
		return connSettings{}, fmt.Errorf("requested packet size (%v) is too large", merged.PacketSize)
	case merged.MaxTimeout < 2*time.Minute:
		return connSettings{}, fmt.Errorf("maximum timeout (%v) is too short", merged.MaxTimeout)
	case merged.MaxTimeout > 2*time.Hour:
		return connSettings{}, fmt.Errorf("maximum timeout (%v) is too long", merged.MaxTimeout)
	case merged.InitialStreamWindow > merged.MaxStreamWindow:
		return connSettings{}, fmt.Errorf("initial stream window (%v) exceeds max stream window (%v)", merged.InitialStreamWindow, merged.MaxStreamWindow)
	case merged.WriteQueueLimit < merged.MaxStreamWindow:
		return connSettings{}, fmt.Errorf("write queue limit (%v) is smaller than max stream window (%v)", merged.WriteQueueLimit, merged.MaxStreamWindow)
	}
	return merged, nil
}

func initiateHandshake(conn net.Conn, theirKey ed25519.PublicKey, ourSettings connSettings) (*seqCipher, connSettings, error) {
	xsk, xpk := generateX25519KeyPair()

	buf := make([]byte, 32+64+connSettingsSize+chachaPoly1305TagSize)
	copy(buf[:], xpk[:])
	if _, err := conn.Write(buf[:32]); err != nil {
		return nil, connSettings{}, fmt.Errorf("could not write handshake request: %w", err)
	}
	if _, err := io.ReadFull(conn, buf[:]); err != nil {
		return nil, connSettings{}, fmt.Errorf("could not read handshake response: %w", err)
	}

	var rxpk [32]byte
	copy(rxpk[:], buf[:32])
	sig := buf[32:][:64]
	sigHash := blake2b.Sum256(append(xpk[:], rxpk[:]...))
	if !ed25519.Verify(theirKey, sigHash[:], sig) {
		return nil, connSettings{}, errors.New("invalid signature")
	}

	cipher, err := deriveSharedCipher(xsk, rxpk)
	if err != nil {
		return nil, connSettings{}, fmt.Errorf("failed to derive shared cipher: %w", err)
	}

	var mergedSettings connSettings
	if plaintext, err := cipher.decryptInPlace(buf[32+64:]); err != nil {
		return nil, connSettings{}, fmt.Errorf("could not decrypt settings response: %w", err)
	} else if mergedSettings, err = mergeSettings(ourSettings, decodeConnSettings(plaintext)); err != nil {
		return nil, connSettings{}, fmt.Errorf("peer sent unacceptable settings: %w", err)
	}

	encodeConnSettings(buf[:], ourSettings)
	cipher.encryptInPlace(buf[:connSettingsSize+chachaPoly1305TagSize])
	if _, err := conn.Write(buf[:connSettingsSize+chachaPoly1305TagSize]); err != nil {
		return nil, connSettings{}, fmt.Errorf("could not write settings: %w", err)
	}

	return cipher, mergedSettings, nil
}

func acceptHandshake(conn net.Conn, ourKey ed25519.PrivateKey, ourSettings connSettings) (*seqCipher, connSettings, error) {
	xsk, xpk := generateX25519KeyPair()

	buf := make([]byte, 32+64+connSettingsSize+chachaPoly1305TagSize)
	if _, err := io.ReadFull(conn, buf[:32]); err != nil {
		return nil, connSettings{}, fmt.Errorf("could not read handshake request: %w", err)
	}

	var rxpk [32]byte
	copy(rxpk[:], buf[:32])
	cipher, err := deriveSharedCipher(xsk, rxpk)
	if err != nil {
		return nil, connSettings{}, fmt.Errorf("failed to derive shared cipher: %w", err)
	}

	sigHash := blake2b.Sum256(append(rxpk[:], xpk[:]...))
	sig := ed25519.Sign(ourKey, sigHash[:])
	copy(buf[:], xpk[:])
	copy(buf[32:], sig)
	encodeConnSettings(buf[32+64:], ourSettings)
	cipher.encryptInPlace(buf[32+64:])
	if _, err := conn.Write(buf); err != nil {
		return nil, connSettings{}, fmt.Errorf("could not write handshake response: %w", err)
	}

	var settings connSettings
	if _, err := io.ReadFull(conn, buf[:connSettingsSize+chachaPoly1305TagSize]); err != nil {
		return nil, connSettings{}, fmt.Errorf("could not read settings response: %w", err)
	} else if plaintext, err := cipher.decryptInPlace(buf[:connSettingsSize+chachaPoly1305TagSize]); err != nil {
		return nil, connSettings{}, fmt.Errorf("could not decrypt settings response: %w", err)
	} else if settings, err = mergeSettings(ourSettings, decodeConnSettings(plaintext)); err != nil {
		return nil, connSettings{}, fmt.Errorf("peer sent unacceptable settings: %w", err)
	}

	return cipher, settings, nil
}
