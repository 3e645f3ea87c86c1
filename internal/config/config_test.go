package config

import (
	"encoding/json"
	"flag"
	"io"
	"os"
	"reflect"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/sheerbytes/localloop/pkg/protocol"
)

func newFlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func TestParseServerConfig_Defaults(t *testing.T) {
	os.Clearenv()

	cfg := parseServerConfigWithFlagSet(newFlagSet(), []string{})

	if cfg.Addr != ":8080" {
		t.Errorf("expected Addr to be :8080, got %s", cfg.Addr)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("expected LogLevel to be info, got %s", cfg.LogLevel)
	}
	if cfg.MaxMessageBytes != 1<<20 {
		t.Errorf("expected MaxMessageBytes to be 1 MiB, got %d", cfg.MaxMessageBytes)
	}
	if cfg.MsgRatePerSec != 1000 || cfg.MsgBurst != 2000 {
		t.Errorf("unexpected rate defaults %v/%d", cfg.MsgRatePerSec, cfg.MsgBurst)
	}
	if cfg.IdleTimeout != 10*time.Minute {
		t.Errorf("expected IdleTimeout 10m, got %v", cfg.IdleTimeout)
	}
}

func TestParseServerConfig_EnvAndFlags(t *testing.T) {
	os.Clearenv()
	t.Setenv("LOCALLOOP_ADDR", ":7070")
	t.Setenv("LOCALLOOP_LOG_LEVEL", "warn")
	t.Setenv("LOCALLOOP_MSG_RATE", "5.5")
	t.Setenv("LOCALLOOP_IDLE_TIMEOUT", "30s")

	cfg := parseServerConfigWithFlagSet(newFlagSet(), []string{"-addr", ":9090", "-msg-burst", "0"})

	if cfg.Addr != ":9090" {
		t.Errorf("expected Addr to be :9090 (from flag), got %s", cfg.Addr)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("expected LogLevel to be warn (from env), got %s", cfg.LogLevel)
	}
	if cfg.MsgRatePerSec != 5.5 {
		t.Errorf("expected MsgRatePerSec 5.5, got %v", cfg.MsgRatePerSec)
	}
	if cfg.IdleTimeout != 30*time.Second {
		t.Errorf("expected IdleTimeout 30s, got %v", cfg.IdleTimeout)
	}
	if cfg.MsgBurst != 1 {
		t.Errorf("expected MsgBurst clamped to 1, got %d", cfg.MsgBurst)
	}
}

func TestParseClientConfig_Defaults(t *testing.T) {
	os.Clearenv()

	cfg, err := parseClientConfigWithFlagSet(newFlagSet(), []string{})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.ServerURL != "http://localhost:8080" {
		t.Errorf("expected ServerURL default, got %s", cfg.ServerURL)
	}
	if len(cfg.PeerID) != 10 {
		t.Errorf("expected 10-char PeerID, got %q", cfg.PeerID)
	}
	if cfg.Name == "" {
		t.Error("expected a default Name")
	}
	if cfg.Transport != "relay" {
		t.Errorf("expected Transport relay, got %s", cfg.Transport)
	}
	if cfg.RelayChunkSize != 200*1024 || cfg.DirectChunkSize != 1024*1024 {
		t.Errorf("unexpected chunk sizes %d/%d", cfg.RelayChunkSize, cfg.DirectChunkSize)
	}
	if cfg.ChunkYield != 10*time.Millisecond || cfg.NegotiationTimeout != 30*time.Second || cfg.CompletionDelay != 2*time.Second {
		t.Errorf("unexpected timing defaults %+v", cfg)
	}
	if len(cfg.STUNServers) != 1 {
		t.Errorf("expected one default STUN server, got %v", cfg.STUNServers)
	}
	if cfg.AutoAccept || cfg.OutputDir != "." || len(cfg.Paths) != 0 {
		t.Errorf("unexpected receive defaults %+v", cfg)
	}
}

func TestParseClientConfig_FlagsOverrideEnv(t *testing.T) {
	os.Clearenv()
	t.Setenv("LOCALLOOP_SERVER_URL", "http://env:1")
	t.Setenv("LOCALLOOP_NAME", "env-name")
	t.Setenv("LOCALLOOP_TRANSPORT", "direct")
	t.Setenv("LOCALLOOP_STUN_SERVERS", "stun:a:1, stun:b:2")
	t.Setenv("LOCALLOOP_AUTO_ACCEPT", "true")

	cfg, err := parseClientConfigWithFlagSet(newFlagSet(), []string{
		"-server-url", "http://flag:2",
		"-relay-chunk-size", "4096",
		"-chunk-yield", "-1ms",
		"-stun", "stun:c:3",
		"a.txt", "b.txt",
	})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.ServerURL != "http://flag:2" {
		t.Errorf("expected ServerURL from flag, got %s", cfg.ServerURL)
	}
	if cfg.Name != "env-name" || cfg.Transport != "direct" || !cfg.AutoAccept {
		t.Errorf("env values lost: %+v", cfg)
	}
	if cfg.RelayChunkSize != 4096 {
		t.Errorf("expected RelayChunkSize 4096, got %d", cfg.RelayChunkSize)
	}
	if cfg.ChunkYield != -time.Millisecond {
		t.Errorf("expected ChunkYield -1ms, got %v", cfg.ChunkYield)
	}
	if !reflect.DeepEqual(cfg.STUNServers, []string{"stun:c:3"}) {
		t.Errorf("expected STUN from flag, got %v", cfg.STUNServers)
	}
	if !reflect.DeepEqual(cfg.Paths, []string{"a.txt", "b.txt"}) {
		t.Errorf("expected positional paths, got %v", cfg.Paths)
	}
}

func TestParseClientConfig_EnvList(t *testing.T) {
	os.Clearenv()
	t.Setenv("LOCALLOOP_STUN_SERVERS", "stun:a:1, stun:b:2,")

	cfg, err := parseClientConfigWithFlagSet(newFlagSet(), nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !reflect.DeepEqual(cfg.STUNServers, []string{"stun:a:1", "stun:b:2"}) {
		t.Errorf("STUNServers = %v", cfg.STUNServers)
	}
}

func TestParseClientConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"unknown transport", []string{"-transport", "carrier-pigeon"}},
		{"zero chunk", []string{"-relay-chunk-size", "0"}},
		{"huge chunk", []string{"-direct-chunk-size", "4294967296"}},
		{"relay chunk over message limit", []string{"-relay-chunk-size", "1048576"}},
		{"unknown flag", []string{"-bogus"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			os.Clearenv()
			if _, err := parseClientConfigWithFlagSet(newFlagSet(), tt.args); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestStringSlice(t *testing.T) {
	var s stringSlice
	_ = s.Set("a,b")
	_ = s.Set("c")
	if s.String() != "a,b,c" {
		t.Errorf("String() = %q", s.String())
	}
	if got := s.Get().([]string); len(got) != 3 {
		t.Errorf("Get() = %v", got)
	}
}

func TestMaxRelayChunkSize_FitsServerLimit(t *testing.T) {
	os.Clearenv()
	cfg, err := parseClientConfigWithFlagSet(newFlagSet(), []string{"-relay-chunk-size", strconv.Itoa(MaxRelayChunkSize)})
	if err != nil {
		t.Fatalf("parse at the bound: %v", err)
	}

	env, err := protocol.NewEnvelope(protocol.TypeFileChunk, protocol.FileChunk{
		FileID:      strings.Repeat("f", 36),
		ChunkIndex:  1<<32 - 2,
		TotalChunks: 1<<32 - 1,
		Payload:     make([]byte, cfg.RelayChunkSize),
	})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	env = env.Addressed(strings.Repeat("p", 64))
	env.Sender = strings.Repeat("s", 64)
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("json.Marshal: %v", err)
	}
	limit := parseServerConfigWithFlagSet(newFlagSet(), nil).MaxMessageBytes
	if len(data) > limit {
		t.Fatalf("largest relay chunk encodes to %d bytes, server accepts %d", len(data), limit)
	}
}
