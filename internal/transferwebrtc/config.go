package transferwebrtc

import (
	"log/slog"

	"github.com/pion/webrtc/v4"
)

const (
	defaultLabel           = "transfer"
	defaultFragmentSize    = 60 * 1024
	defaultMaxBuffered     = 4 * 1024 * 1024
	defaultLowWaterMark    = 1024 * 1024
	sctpReceiveBufferBytes = 8 * 1024 * 1024
	defaultSTUNServer      = "stun:stun.l.google.com:19302"
)

// Config holds WebRTC transport configuration.
type Config struct {
	STUNServers []string
	TURNServers []string

	// Label names the single ordered data channel.
	Label string

	// FragmentSize bounds each data channel message; larger sends are split.
	FragmentSize int

	// MaxBuffered pauses Send while the channel holds more than this many
	// bytes; sending resumes once the buffer drains below LowWaterMark.
	MaxBuffered  uint64
	LowWaterMark uint64

	Logger *slog.Logger
}

// DefaultConfig returns the default WebRTC transport configuration.
func DefaultConfig() Config {
	return Config{
		STUNServers:  []string{defaultSTUNServer},
		Label:        defaultLabel,
		FragmentSize: defaultFragmentSize,
		MaxBuffered:  defaultMaxBuffered,
		LowWaterMark: defaultLowWaterMark,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Label == "" {
		c.Label = d.Label
	}
	if c.FragmentSize <= fragmentHeaderLen {
		c.FragmentSize = d.FragmentSize
	}
	if c.MaxBuffered == 0 {
		c.MaxBuffered = d.MaxBuffered
	}
	if c.LowWaterMark == 0 || c.LowWaterMark > c.MaxBuffered {
		c.LowWaterMark = c.MaxBuffered / 4
	}
	return c
}

// DefaultPeerConnectionConfig returns a WebRTC configuration with the given ICE servers.
func DefaultPeerConnectionConfig(stunServers, turnServers []string) webrtc.Configuration {
	var iceServers []webrtc.ICEServer

	if len(stunServers) > 0 {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs: stunServers,
		})
	}
	for _, turn := range turnServers {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs: []string{turn},
		})
	}

	return webrtc.Configuration{
		ICEServers: iceServers,
	}
}

// DefaultSettingEngine returns a SettingEngine sized for bulk data channels.
func DefaultSettingEngine() webrtc.SettingEngine {
	se := webrtc.SettingEngine{}
	se.SetSCTPMaxReceiveBufferSize(sctpReceiveBufferBytes)
	return se
}

// NewPeerConnection creates a new PeerConnection with default settings.
func NewPeerConnection(config webrtc.Configuration) (*webrtc.PeerConnection, error) {
	api := webrtc.NewAPI(webrtc.WithSettingEngine(DefaultSettingEngine()))
	return api.NewPeerConnection(config)
}
