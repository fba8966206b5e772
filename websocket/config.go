package websocket

import (
	"time"

	"github.com/coregx/wsproto/internal/wslog"
)

// Mode selects which side of the connection this Conn plays, which in
// turn governs masking direction (RFC 6455 Section 5.1: clients mask,
// servers never do) and which masking requirement Read enforces on
// incoming frames.
type Mode int

const (
	// ModeServer expects incoming frames to be masked and sends frames
	// unmasked.
	ModeServer Mode = iota
	// ModeClient sends masked frames and expects incoming frames to be
	// unmasked.
	ModeClient
)

// ConnectionState is the lifecycle of one Conn.
type ConnectionState int32

const (
	// StateOpen is the normal operating state.
	StateOpen ConnectionState = iota
	// StateClosingLocal means we sent a Close frame and are waiting for
	// the peer's Close (or the drain budget to elapse).
	StateClosingLocal
	// StateClosingRemote means the peer sent a Close frame and we must
	// echo it and terminate.
	StateClosingRemote
	// StateClosed is terminal; no further reads or writes succeed.
	StateClosed
)

// String returns the textual name of the connection state.
func (s ConnectionState) String() string {
	switch s {
	case StateOpen:
		return "Open"
	case StateClosingLocal:
		return "ClosingLocal"
	case StateClosingRemote:
		return "ClosingRemote"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// ConnectionConfig configures a Conn's behavior. Zero-valued size and
// drain fields are filled with their defaults when a Conn is built, so a
// literal such as ConnectionConfig{Mode: ModeServer} is usable;
// DefaultConfig returns the same defaults with every field set.
type ConnectionConfig struct {
	// MaxFrameSize rejects any single frame whose payload exceeds this
	// many bytes with a ProtocolError. Default DefaultMaxFrameSize
	// (64 KiB).
	MaxFrameSize int

	// MaxMessageSize closes the connection with code 1009 when a
	// reassembled (possibly fragmented) message would exceed this many
	// bytes. Default DefaultMaxMessageSize (16 MiB).
	MaxMessageSize int

	// DisableAutoPong, when false (the default, matching the spec's
	// auto_reply_ping=true), makes the connection answer every Ping with a
	// Pong carrying the same payload and never surfaces the Ping to the
	// application. When true, Pings are surfaced as PingMessage values
	// from Read and the caller is responsible for replying. The field is
	// phrased as an opt-out rather than auto_reply_ping's opt-in so the
	// zero value of ConnectionConfig keeps the spec's default behavior.
	DisableAutoPong bool

	// Mode selects client or server masking behavior.
	Mode Mode

	// Subprotocols is the offered list (client) or supported list
	// (server) used during handshake negotiation. It has no effect after
	// the connection is established.
	Subprotocols []string

	// Extensions is the ordered chain of negotiated extension transforms.
	// Empty by default: this package implements no extension negotiation
	// syntax (see SPEC_FULL.md C7), only the hook point.
	Extensions []Extension

	// CloseDrainMaxFrames bounds how many frames Close will read while
	// waiting for the peer's Close response. Default
	// DefaultCloseDrainMaxFrames (100).
	CloseDrainMaxFrames int

	// CloseDrainTimeout bounds, by wall clock, how long Close will wait
	// for the peer's Close response, independent of frame count. Default
	// DefaultCloseDrainTimeout.
	CloseDrainTimeout time.Duration

	// Logger receives structured lifecycle events. Defaults to a no-op
	// sink; see internal/wslog.
	Logger wslog.EventLogger
}

// Default size and timing limits (ConnectionConfig fields).
const (
	// DefaultMaxMessageSize is the default cap on a reassembled message.
	DefaultMaxMessageSize = 16 * 1024 * 1024
	// DefaultCloseDrainMaxFrames bounds the close-handshake drain loop.
	DefaultCloseDrainMaxFrames = 100
	// DefaultCloseDrainTimeout bounds the close-handshake drain loop by
	// wall clock, independent of frame count (see the Open Questions in
	// DESIGN.md: the teacher's drain loop had neither).
	DefaultCloseDrainTimeout = 5 * time.Second
)

// DefaultConfig returns a ConnectionConfig with every field set to its
// documented default for the given mode.
func DefaultConfig(mode Mode) ConnectionConfig {
	return ConnectionConfig{
		MaxFrameSize:        DefaultMaxFrameSize,
		MaxMessageSize:      DefaultMaxMessageSize,
		Mode:                mode,
		CloseDrainMaxFrames: DefaultCloseDrainMaxFrames,
		CloseDrainTimeout:   DefaultCloseDrainTimeout,
		Logger:              wslog.NopLogger{},
	}
}

// normalize fills in zero-valued fields with their defaults, so callers
// can build a ConnectionConfig{Mode: ModeServer} literal instead of
// starting from DefaultConfig.
func (c ConnectionConfig) normalize() ConnectionConfig {
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = DefaultMaxFrameSize
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = DefaultMaxMessageSize
	}
	if c.CloseDrainMaxFrames <= 0 {
		c.CloseDrainMaxFrames = DefaultCloseDrainMaxFrames
	}
	if c.CloseDrainTimeout <= 0 {
		c.CloseDrainTimeout = DefaultCloseDrainTimeout
	}
	if c.Logger == nil {
		c.Logger = wslog.NopLogger{}
	}
	return c
}

func (c ConnectionConfig) logEvent(event string, fields map[string]any) {
	c.Logger.LogEvent(event, fields)
}
