package config

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const envPrefix = "LOCALLOOP_"

// MaxRelayChunkSize keeps a base64 relay chunk and its envelope under the
// server's default 1 MiB message limit.
const MaxRelayChunkSize = 700 * 1024

// ServerConfig holds configuration for the relay server binary.
type ServerConfig struct {
	Addr            string
	LogLevel        string
	MaxMessageBytes int           // Max websocket message size (default: 1 MiB)
	MsgRatePerSec   float64       // Per-connection message rate, 0 disables (default: 1000)
	MsgBurst        int           // Per-connection message burst (default: 2000)
	IdleTimeout     time.Duration // Websocket idle timeout, 0 disables (default: 10m)
}

// ClientConfig holds configuration for the loop CLI (send and receive).
type ClientConfig struct {
	ServerURL          string
	LogLevel           string
	PeerID             string
	Name               string   // Display name announced to peers
	Transport          string   // Transfer strategy: relay or direct
	RelayChunkSize     uint32   // Chunk size for the relayed path (default: 200 KiB)
	DirectChunkSize    uint32   // Chunk size for the direct path (default: 1 MiB)
	ChunkYield         time.Duration
	NegotiationTimeout time.Duration
	CompletionDelay    time.Duration
	DiscoveryWait      time.Duration // How long to wait for discovery responses
	STUNServers        []string
	OutputDir          string // Receive only
	AutoAccept         bool   // Receive only: accept offers without prompting
	Paths              []string
}

// ParseServerConfig parses server configuration from flags and environment variables.
// Flags take precedence over environment variables.
func ParseServerConfig() ServerConfig {
	return parseServerConfigWithFlagSet(flag.CommandLine, os.Args[1:])
}

// parseServerConfigWithFlagSet is an internal helper for testing with isolated flag sets.
func parseServerConfigWithFlagSet(fs *flag.FlagSet, args []string) ServerConfig {
	cfg := ServerConfig{
		Addr:            ":8080",
		LogLevel:        "info",
		MaxMessageBytes: 1 << 20,
		MsgRatePerSec:   1000,
		MsgBurst:        2000,
		IdleTimeout:     10 * time.Minute,
	}

	// Read from environment first
	envString("ADDR", &cfg.Addr)
	envString("LOG_LEVEL", &cfg.LogLevel)
	envInt("MAX_MESSAGE_BYTES", &cfg.MaxMessageBytes)
	envFloat("MSG_RATE", &cfg.MsgRatePerSec)
	envInt("MSG_BURST", &cfg.MsgBurst)
	envDuration("IDLE_TIMEOUT", &cfg.IdleTimeout)

	// Flags override environment
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "server address")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.IntVar(&cfg.MaxMessageBytes, "max-message-bytes", cfg.MaxMessageBytes, "max websocket message size")
	fs.Float64Var(&cfg.MsgRatePerSec, "msg-rate", cfg.MsgRatePerSec, "max messages per second per connection (0 disables)")
	fs.IntVar(&cfg.MsgBurst, "msg-burst", cfg.MsgBurst, "message burst per connection")
	fs.DurationVar(&cfg.IdleTimeout, "idle-timeout", cfg.IdleTimeout, "websocket idle timeout (0 disables)")
	fs.Parse(args)

	if cfg.MsgBurst < 1 {
		cfg.MsgBurst = 1
	}
	return cfg
}

// ParseClientConfig parses client configuration for one subcommand from
// flags and environment variables. Flags take precedence over environment
// variables; positional arguments become Paths.
func ParseClientConfig(name string, args []string) (ClientConfig, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	return parseClientConfigWithFlagSet(fs, args)
}

// parseClientConfigWithFlagSet is an internal helper for testing with isolated flag sets.
func parseClientConfigWithFlagSet(fs *flag.FlagSet, args []string) (ClientConfig, error) {
	cfg := ClientConfig{
		ServerURL:          "http://localhost:8080",
		LogLevel:           "info",
		PeerID:             generatePeerID(),
		Transport:          "relay",
		RelayChunkSize:     200 * 1024,
		DirectChunkSize:    1024 * 1024,
		ChunkYield:         10 * time.Millisecond,
		NegotiationTimeout: 30 * time.Second,
		CompletionDelay:    2 * time.Second,
		DiscoveryWait:      2 * time.Second,
		STUNServers:        []string{"stun:stun.l.google.com:19302"},
		OutputDir:          ".",
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		cfg.Name = host
	} else {
		cfg.Name = cfg.PeerID
	}

	// Read from environment first
	envString("SERVER_URL", &cfg.ServerURL)
	envString("LOG_LEVEL", &cfg.LogLevel)
	envString("PEER_ID", &cfg.PeerID)
	envString("NAME", &cfg.Name)
	envString("TRANSPORT", &cfg.Transport)
	envUint32("RELAY_CHUNK_SIZE", &cfg.RelayChunkSize)
	envUint32("DIRECT_CHUNK_SIZE", &cfg.DirectChunkSize)
	envDuration("CHUNK_YIELD", &cfg.ChunkYield)
	envDuration("NEGOTIATION_TIMEOUT", &cfg.NegotiationTimeout)
	envDuration("COMPLETION_DELAY", &cfg.CompletionDelay)
	envDuration("DISCOVERY_WAIT", &cfg.DiscoveryWait)
	envString("OUTPUT_DIR", &cfg.OutputDir)
	if v := os.Getenv(envPrefix + "STUN_SERVERS"); v != "" {
		cfg.STUNServers = splitList(v)
	}
	if v := os.Getenv(envPrefix + "AUTO_ACCEPT"); v != "" {
		cfg.AutoAccept, _ = strconv.ParseBool(v)
	}

	// Flags override environment
	fs.StringVar(&cfg.ServerURL, "server-url", cfg.ServerURL, "relay server URL")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.PeerID, "peer-id", cfg.PeerID, "peer identifier")
	fs.StringVar(&cfg.Name, "name", cfg.Name, "display name announced to peers")
	fs.StringVar(&cfg.Transport, "transport", cfg.Transport, "transfer strategy (relay, direct)")
	fs.DurationVar(&cfg.ChunkYield, "chunk-yield", cfg.ChunkYield, "pause between chunks (negative disables)")
	fs.DurationVar(&cfg.NegotiationTimeout, "negotiation-timeout", cfg.NegotiationTimeout, "direct connection timeout")
	fs.DurationVar(&cfg.CompletionDelay, "completion-delay", cfg.CompletionDelay, "delay before a finished transfer is reported")
	fs.DurationVar(&cfg.DiscoveryWait, "discovery-wait", cfg.DiscoveryWait, "how long to wait for peers to answer")
	fs.StringVar(&cfg.OutputDir, "out", cfg.OutputDir, "directory for received files (receive only)")
	fs.BoolVar(&cfg.AutoAccept, "yes", cfg.AutoAccept, "accept incoming offers without prompting (receive only)")

	relayChunk := uint64(cfg.RelayChunkSize)
	directChunk := uint64(cfg.DirectChunkSize)
	fs.Uint64Var(&relayChunk, "relay-chunk-size", relayChunk, fmt.Sprintf("chunk size in bytes for relayed transfers (max %d)", MaxRelayChunkSize))
	fs.Uint64Var(&directChunk, "direct-chunk-size", directChunk, "chunk size in bytes for direct transfers")

	stun := make([]string, 0)
	fs.Var((*stringSlice)(&stun), "stun", "STUN server URL (repeatable)")

	if err := fs.Parse(args); err != nil {
		return ClientConfig{}, err
	}

	if relayChunk == 0 || relayChunk > 1<<30 || directChunk == 0 || directChunk > 1<<30 {
		return ClientConfig{}, fmt.Errorf("chunk sizes must be between 1 and %d bytes", 1<<30)
	}
	if relayChunk > MaxRelayChunkSize {
		return ClientConfig{}, fmt.Errorf("relay chunk size %d exceeds %d bytes", relayChunk, MaxRelayChunkSize)
	}
	cfg.RelayChunkSize = uint32(relayChunk)
	cfg.DirectChunkSize = uint32(directChunk)
	if len(stun) > 0 {
		cfg.STUNServers = stun
	}
	cfg.Transport = strings.ToLower(cfg.Transport)
	if cfg.Transport != "relay" && cfg.Transport != "direct" {
		return ClientConfig{}, fmt.Errorf("unknown transport %q (want relay or direct)", cfg.Transport)
	}
	cfg.Paths = fs.Args()
	return cfg, nil
}

func envString(key string, dst *string) {
	if v := os.Getenv(envPrefix + key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v, err := strconv.Atoi(os.Getenv(envPrefix + key)); err == nil {
		*dst = v
	}
}

func envUint32(key string, dst *uint32) {
	if v, err := strconv.ParseUint(os.Getenv(envPrefix+key), 10, 32); err == nil {
		*dst = uint32(v)
	}
}

func envFloat(key string, dst *float64) {
	if v, err := strconv.ParseFloat(os.Getenv(envPrefix+key), 64); err == nil {
		*dst = v
	}
}

func envDuration(key string, dst *time.Duration) {
	if v, err := time.ParseDuration(os.Getenv(envPrefix + key)); err == nil {
		*dst = v
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// generatePeerID generates a random 10-character hex string for peer identification.
func generatePeerID() string {
	b := make([]byte, 5) // 5 bytes = 10 hex characters
	if _, err := rand.Read(b); err != nil {
		return "0000000000"
	}
	return hex.EncodeToString(b)
}

// stringSlice implements flag.Value for repeatable string flags.
type stringSlice []string

func (s *stringSlice) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSlice) Set(value string) error {
	*s = append(*s, splitList(value)...)
	return nil
}

func (s *stringSlice) Get() interface{} {
	return []string(*s)
}

var _ flag.Value = (*stringSlice)(nil)
var _ flag.Getter = (*stringSlice)(nil)
