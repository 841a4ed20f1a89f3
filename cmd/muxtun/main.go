package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"io"
	"log"
	"net"
	"os"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/urfave/cli"

	mux "github.com/saferwall/yamux-stream"
)

// VERSION is injected by buildflags.
var VERSION = "SELFBUILD"

func main() {
	app := cli.NewApp()
	app.Name = "muxtun"
	app.Usage = "TCP tunnel demonstrating the mux stream multiplexer"
	app.Version = VERSION
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "c", Usage: "read settings from a JSON config file"},
		cli.StringFlag{Name: "mode", Value: "client", Usage: "client or server"},
		cli.StringFlag{Name: "listen,l", Value: ":9573", Usage: "local listen address"},
		cli.StringFlag{Name: "remote,r", Usage: "client only: address of the muxtun server"},
		cli.StringFlag{Name: "forward,f", Usage: "server only: address each accepted stream is forwarded to"},
		cli.StringFlag{Name: "key", Usage: "hex-encoded ed25519 seed identifying a server; server generates one if empty"},
		cli.StringFlag{Name: "peerkey", Usage: "client only: hex-encoded ed25519 public key of the server"},
		cli.IntFlag{Name: "windowkib", Value: 256, Usage: "per-stream flow-control window, in KiB"},
		cli.IntFlag{Name: "packetsize", Value: 4320, Usage: "wire packet size, in bytes"},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("%+v", err)
	}
}

func run(c *cli.Context) error {
	config := Config{
		Mode:       c.String("mode"),
		Listen:     c.String("listen"),
		Remote:     c.String("remote"),
		Forward:    c.String("forward"),
		Key:        c.String("key"),
		PeerKey:    c.String("peerkey"),
		WindowKiB:  c.Int("windowkib"),
		PacketSize: c.Int("packetsize"),
	}
	if path := c.String("c"); path != "" {
		if err := parseJSONConfig(&config, path); err != nil {
			return errors.Wrap(err, "parsing config file")
		}
		// flags explicitly set on the command line still win over the file
		if c.IsSet("mode") {
			config.Mode = c.String("mode")
		}
		if c.IsSet("listen") {
			config.Listen = c.String("listen")
		}
		if c.IsSet("remote") {
			config.Remote = c.String("remote")
		}
		if c.IsSet("forward") {
			config.Forward = c.String("forward")
		}
		if c.IsSet("key") {
			config.Key = c.String("key")
		}
		if c.IsSet("peerkey") {
			config.PeerKey = c.String("peerkey")
		}
		if c.IsSet("windowkib") {
			config.WindowKiB = c.Int("windowkib")
		}
		if c.IsSet("packetsize") {
			config.PacketSize = c.Int("packetsize")
		}
	}

	switch config.Mode {
	case "server":
		return runServer(config)
	case "client":
		return runClient(config)
	default:
		return errors.Errorf("unknown mode %q (want client or server)", config.Mode)
	}
}

func streamSettings(config Config) mux.Settings {
	var s mux.Settings
	if config.PacketSize != 0 {
		s.PacketSize = config.PacketSize
	}
	if config.WindowKiB != 0 {
		s.StreamWindow = uint32(config.WindowKiB) * 1024
	}
	return s
}

func loadOrGenerateKey(hexSeed string) (ed25519.PrivateKey, error) {
	if hexSeed == "" {
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		return priv, errors.Wrap(err, "generating identity")
	}
	seed, err := hex.DecodeString(hexSeed)
	if err != nil {
		return nil, errors.Wrap(err, "decoding key seed")
	}
	if len(seed) != ed25519.SeedSize {
		return nil, errors.Errorf("key seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

func runServer(config Config) error {
	priv, err := loadOrGenerateKey(config.Key)
	if err != nil {
		return err
	}
	pub := priv.Public().(ed25519.PublicKey)
	log.Println("identity (share this as -peerkey with clients):", hex.EncodeToString(pub))
	log.Println("forwarding accepted streams to:", config.Forward)

	ln, err := net.Listen("tcp", config.Listen)
	if err != nil {
		return errors.Wrap(err, "listening")
	}
	color.Green("muxtun server listening on %v", ln.Addr())

	for {
		conn, err := ln.Accept()
		if err != nil {
			return errors.Wrap(err, "accepting connection")
		}
		go serveSession(conn, priv, config)
	}
}

func serveSession(conn net.Conn, priv ed25519.PrivateKey, config Config) {
	sess, err := mux.AcceptWithSettings(conn, priv, streamSettings(config))
	if err != nil {
		log.Println("handshake failed:", err)
		conn.Close()
		return
	}
	color.Cyan("session established with %v", conn.RemoteAddr())
	for {
		st, err := sess.AcceptStream()
		if err != nil {
			color.Yellow("session with %v ended: %v", conn.RemoteAddr(), err)
			return
		}
		go forwardStream(st, config.Forward)
	}
}

func forwardStream(st *mux.Stream, forward string) {
	fc, err := net.Dial("tcp", forward)
	if err != nil {
		log.Println("dialing forward target:", err)
		st.Reset()
		return
	}
	pumpBoth(st, fc)
}

func runClient(config Config) error {
	peerKeyHex := config.PeerKey
	if peerKeyHex == "" {
		return errors.New("client mode requires -peerkey")
	}
	peerKeyBytes, err := hex.DecodeString(peerKeyHex)
	if err != nil {
		return errors.Wrap(err, "decoding peer key")
	}
	if len(peerKeyBytes) != ed25519.PublicKeySize {
		return errors.Errorf("peer key must be %d bytes, got %d", ed25519.PublicKeySize, len(peerKeyBytes))
	}
	peerKey := ed25519.PublicKey(peerKeyBytes)

	conn, err := net.Dial("tcp", config.Remote)
	if err != nil {
		return errors.Wrap(err, "dialing remote")
	}
	sess, err := mux.DialWithSettings(conn, peerKey, streamSettings(config))
	if err != nil {
		return errors.Wrap(err, "handshake")
	}
	color.Cyan("session established with %v", config.Remote)

	ln, err := net.Listen("tcp", config.Listen)
	if err != nil {
		return errors.Wrap(err, "listening")
	}
	color.Green("muxtun client listening on %v, forwarding through %v", ln.Addr(), config.Remote)

	for {
		lc, err := ln.Accept()
		if err != nil {
			return errors.Wrap(err, "accepting local connection")
		}
		st := sess.DialStream()
		go pumpBoth(st, lc)
	}
}

// pumpBoth shuttles bytes in both directions between a Stream and a
// net.Conn until either side signals EOF or an error.
func pumpBoth(st *mux.Stream, conn net.Conn) {
	done := make(chan error, 2)
	go pumpConnToStream(conn, st, done)
	go pumpStreamToConn(st, conn, done)
	err := <-done
	if err != nil && err != io.EOF {
		log.Println("pump ended:", err)
	}
	conn.Close()
	st.Reset()
}

// pumpConnToStream reads from conn and drives it into st's callback-based
// Write API, one chunk at a time.
func pumpConnToStream(conn net.Conn, st *mux.Stream, done chan<- error) {
	buf := make([]byte, 32*1024)
	var readNext func()
	readNext = func() {
		n, err := conn.Read(buf)
		if err != nil {
			st.Close(func(error) {})
			done <- err
			return
		}
		writeChunk(st, buf[:n], readNext, done)
	}
	readNext()
}

func writeChunk(st *mux.Stream, chunk []byte, onDone func(), done chan<- error) {
	st.Write(chunk, len(chunk), func(n int, err error) {
		if err != nil {
			done <- err
			return
		}
		if n < len(chunk) {
			writeChunk(st, chunk[n:], onDone, done)
			return
		}
		onDone()
	})
}

// pumpStreamToConn drains st's callback-based ReadSome API and writes
// whatever arrives straight to conn.
func pumpStreamToConn(st *mux.Stream, conn net.Conn, done chan<- error) {
	buf := make([]byte, 32*1024)
	var readNext func()
	readNext = func() {
		st.ReadSome(buf, len(buf), func(n int, err error) {
			if n > 0 {
				if _, werr := conn.Write(buf[:n]); werr != nil {
					done <- werr
					return
				}
			}
			if err != nil {
				done <- err
				return
			}
			readNext()
		})
	}
	readNext()
}
