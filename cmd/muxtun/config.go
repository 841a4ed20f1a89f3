package main

import (
	"encoding/json"
	"os"
)

// Config mirrors the flag set in main.go, so a deployment can check one into
// version control instead of repeating a long command line — the same
// split kcptun's client/server use between CLI flags and a JSON file
// (parseJSONConfig).
type Config struct {
	Mode       string `json:"mode"`       // "server" or "client"
	Listen     string `json:"listen"`     // address muxtun itself listens on
	Remote     string `json:"remote"`     // client only: address of the muxtun server
	Forward    string `json:"forward"`    // server only: address each accepted stream is forwarded to
	Key        string `json:"key"`        // hex-encoded ed25519 seed identifying a server
	PeerKey    string `json:"peerkey"`    // client only: hex-encoded ed25519 public key of the server
	WindowKiB  int    `json:"windowkib"`  // per-stream flow-control window, in KiB
	PacketSize int    `json:"packetsize"` // wire packet size, in bytes
}

// parseJSONConfig decodes a JSON config file into config, the same way
// xtaci-kcptun's server/config.go does: flags parsed by the CLI app
// afterwards are layered on top and take priority over anything read here.
func parseJSONConfig(config *Config, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()
	return json.NewDecoder(file).Decode(config)
}
