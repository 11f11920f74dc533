// Package voice defines the interfaces and types for voice-platform
// connectivity within voxclaw.
//
// The primary abstractions are:
//
//   - [Platform] — joins a voice channel and surfaces speaking/presence
//     events for the whole gateway session.
//   - [Connection] — an active session on one channel, with observable
//     state transitions and a per-speaker Opus [Receiver].
//   - [Player] — accepts audio [Resource] values for sequential playback
//     into the channel and reports when it goes idle.
//
// Implementations are provided by platform-specific adapter packages
// (e.g. voice/discord). The interfaces are intentionally narrow so the
// session orchestrator stays decoupled from provider details.
//
// This package lives under pkg/ because external code (third-party
// platform adapters) is expected to implement [Platform] and [Connection].
package voice

import (
	"context"
	"errors"
	"time"
)

// ErrNotReady is returned when a connection fails to reach the requested
// state before its deadline.
var ErrNotReady = errors.New("voice: connection not ready")

// Container identifies the byte layout of an audio [Resource].
type Container int

const (
	// ContainerArbitrary is a compressed stream in the provider's default
	// format (typically MP3). Players probe or transcode as needed.
	ContainerArbitrary Container = iota

	// ContainerOggOpus is an Ogg-encapsulated Opus stream, playable on
	// Opus-native platforms without re-encoding.
	ContainerOggOpus
)

// String returns the human-readable name of the container type.
func (c Container) String() string {
	switch c {
	case ContainerArbitrary:
		return "arbitrary"
	case ContainerOggOpus:
		return "ogg-opus"
	default:
		return "unknown"
	}
}

// Resource is a single playable audio buffer tagged with its container.
type Resource struct {
	Data      []byte
	Container Container
}

// ConnState classifies the lifecycle of a [Connection].
type ConnState int

const (
	// StateSignalling means the voice handshake is in progress.
	StateSignalling ConnState = iota

	// StateConnecting means the UDP transport is being established.
	StateConnecting

	// StateReady means audio can flow in both directions.
	StateReady

	// StateDisconnected means the transport dropped; a reconnect may
	// restore the connection.
	StateDisconnected

	// StateDestroyed means the connection was torn down permanently.
	StateDestroyed
)

// String returns the human-readable name of the connection state.
func (s ConnState) String() string {
	switch s {
	case StateSignalling:
		return "signalling"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateDisconnected:
		return "disconnected"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// OpusPacket is one encoded Opus frame received from a speaker.
type OpusPacket struct {
	// SSRC is the RTP synchronisation source that produced the packet.
	SSRC uint32

	// Opus is the raw encoded frame.
	Opus []byte
}

// PacketStream delivers one speaker's Opus packets until the configured
// after-silence window elapses, at which point the Packets channel is
// closed. Close tears the stream down early.
type PacketStream interface {
	// Packets returns the read-only packet channel. It is closed when the
	// speaker has been silent for the subscription's silence window, or
	// when Close is called.
	Packets() <-chan OpusPacket

	// Close destroys the stream. Safe to call more than once.
	Close()
}

// Receiver hands out per-speaker packet streams for an active connection.
type Receiver interface {
	// SubscribeOpus opens a [PacketStream] for userID that ends after the
	// speaker has been silent for the given duration.
	SubscribeOpus(userID string, silence time.Duration) (PacketStream, error)
}

// Player plays audio resources sequentially into a voice channel.
//
// A Player must be attached to a [Connection] via [Connection.Subscribe]
// before Play will produce audible output. Implementations must be safe
// for concurrent use.
type Player interface {
	// Play starts playback of res. Only one resource plays at a time;
	// callers queue externally and submit the next resource from the
	// idle callback.
	Play(res Resource) error

	// Stop aborts the current playback immediately, discarding any
	// unsent audio. The idle callback is not fired for a stopped resource.
	Stop()

	// OnIdle registers fn to be invoked whenever a resource finishes
	// playing naturally. Only one callback may be registered; subsequent
	// calls replace the previous registration. The callback is invoked on
	// an internal goroutine — callers must not block.
	OnIdle(fn func())
}

// Connection represents an active session on a voice channel.
//
// Implementations must be safe for concurrent use.
type Connection interface {
	// State returns the current connection state.
	State() ConnState

	// OnStateChange registers fn to observe every state transition. Only
	// one callback may be registered; subsequent calls replace the
	// previous registration.
	OnStateChange(fn func(old, new ConnState))

	// WaitForState blocks until the connection reaches want, the timeout
	// elapses, or ctx is cancelled. Returns [ErrNotReady] on timeout.
	WaitForState(ctx context.Context, want ConnState, timeout time.Duration) error

	// Receiver returns the per-speaker Opus receiver for this connection.
	Receiver() Receiver

	// Subscribe attaches p as the connection's playback sink. A player
	// may be re-subscribed to a new connection after a reconnect.
	Subscribe(p Player) error

	// Destroy permanently tears down the connection. Safe to call more
	// than once; subsequent calls return nil.
	Destroy() error
}

// Platform is the entry point for a voice-channel provider.
// Implementations wrap provider-specific SDKs (Discord, …) and expose a
// uniform [Connection] abstraction.
//
// Implementations must be safe for concurrent use.
type Platform interface {
	// JoinChannel joins the given voice channel (neither deaf nor muted)
	// and returns an active [Connection]. The supplied ctx governs the
	// lifetime of the join attempt only.
	JoinChannel(ctx context.Context, guildID, channelID string) (Connection, error)

	// NewPlayer creates an unattached [Player] for this platform.
	NewPlayer() Player

	// OnSpeakingStart registers fn to be invoked when a user starts
	// speaking in the joined channel. Only one callback may be
	// registered; subsequent calls replace the previous registration.
	OnSpeakingStart(fn func(userID string))

	// OnPresenceChange registers fn to be invoked when a user moves
	// between voice channels. Empty channel IDs mean "no channel".
	OnPresenceChange(fn func(userID, oldChannelID, newChannelID string))
}
