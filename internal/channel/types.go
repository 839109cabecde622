package channel

import (
	"fmt"
	"math/rand"
	"time"
)

// State is the pairing/connection state of one channel.
// Transitions are owned exclusively by the Pool.
type State int

const (
	StateIdle State = iota
	StatePairing
	StateAwaitingScan
	StateConnected
	StateDisconnected
	StateBlocked
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePairing:
		return "pairing"
	case StateAwaitingScan:
		return "awaiting_scan"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateBlocked:
		return "blocked"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Strategy selects among eligible channels on Acquire.
type Strategy int

const (
	// Sequential returns the least-recently-used eligible channel.
	Sequential Strategy = iota
	// Random picks uniformly among eligible channels.
	Random
	// LoadBalanced picks the lowest sent/capacity ratio, ties broken LRU.
	LoadBalanced
)

func (s Strategy) String() string {
	switch s {
	case Sequential:
		return "sequential"
	case Random:
		return "random"
	case LoadBalanced:
		return "load_balanced"
	default:
		return fmt.Sprintf("Strategy(%d)", int(s))
	}
}

// ParseStrategy maps config strings onto a Strategy.
func ParseStrategy(raw string) (Strategy, error) {
	switch raw {
	case "", "sequential", "round_robin":
		return Sequential, nil
	case "random":
		return Random, nil
	case "load_balanced", "loadbalanced":
		return LoadBalanced, nil
	default:
		return Sequential, fmt.Errorf("unknown rotation strategy %q", raw)
	}
}

// BackoffPolicy is an explicit retry backoff description, consumed by the
// pairing state machine and the dispatcher's re-poll loop.
type BackoffPolicy struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64 // 0.2 = 20%
}

func (p BackoffPolicy) withDefaults() BackoffPolicy {
	if p.Base <= 0 {
		p.Base = 500 * time.Millisecond
	}
	if p.Max <= 0 {
		p.Max = 30 * time.Second
	}
	if p.Jitter <= 0 {
		p.Jitter = 0.2
	}
	return p
}

// Delay returns the jittered exponential delay before the given attempt
// (attempt 1 = first retry).
func (p BackoffPolicy) Delay(attempt int, rng *rand.Rand) time.Duration {
	p = p.withDefaults()
	d := p.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d > p.Max {
			d = p.Max
			break
		}
	}
	if p.Jitter > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * p.Jitter
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
	}
	if d > p.Max {
		d = p.Max
	}
	return d
}

// Config controls pool-wide defaults. Per-channel settings override them.
type Config struct {
	// WindowLength is the rate window per channel. Default 1h.
	WindowLength time.Duration
	// DefaultCapacity is messages per channel per window. 0 means unlimited.
	DefaultCapacity int
	// MaxPairingAttempts bounds the pairing retry counter. Default 3.
	MaxPairingAttempts int
	// DefaultCooldown applies when a block signal carries no duration. Default 15m.
	DefaultCooldown time.Duration
	// ReconnectBudget bounds automatic re-pairing after an unexpected
	// disconnect; once spent, the channel stays down until an explicit Connect.
	ReconnectBudget int
	// PairingBackoff paces pairing retries and automatic reconnects.
	PairingBackoff BackoffPolicy
}

func (c Config) withDefaults() Config {
	if c.WindowLength <= 0 {
		c.WindowLength = time.Hour
	}
	if c.MaxPairingAttempts <= 0 {
		c.MaxPairingAttempts = 3
	}
	if c.DefaultCooldown <= 0 {
		c.DefaultCooldown = 15 * time.Minute
	}
	if c.ReconnectBudget <= 0 {
		c.ReconnectBudget = 3
	}
	c.PairingBackoff = c.PairingBackoff.withDefaults()
	return c
}

// ChannelConfig declares one channel. Zero values fall back to pool defaults.
type ChannelConfig struct {
	ID                 string
	Capacity           int
	MaxPairingAttempts int
}

// Info is a read-only view of one channel for snapshots and diagnostics.
type Info struct {
	ID             string `json:"id"`
	State          State  `json:"-"`
	StateName      string `json:"state"`
	Identity       string `json:"identity,omitempty"`
	PairingAttempt int    `json:"pairing_attempt"`
	// PairingArtifact carries the live artifact while the channel awaits its
	// scan, so an operator can re-fetch it without restarting the handshake.
	PairingArtifact   string    `json:"pairing_artifact,omitempty"`
	ArtifactExpiresAt time.Time `json:"artifact_expires_at,omitzero"`
	Capacity          int       `json:"capacity"`
	SentThisWindow    int       `json:"sent_this_window"`
	Remaining         int       `json:"remaining"`
	LastConnectedAt   time.Time `json:"last_connected_at"`
	LastBlockedAt     time.Time `json:"last_blocked_at"`
	LastUsedAt        time.Time `json:"last_used_at"`
	CooldownUntil     time.Time `json:"cooldown_until"`
	TerminalError     string    `json:"terminal_error,omitempty"`
}

// Lease is one reserved unit of a channel's rate budget, handed out by
// Acquire and settled exactly once by ReportOutcome.
type Lease struct {
	ChannelID string
	AttemptID string
}

// Cooldown describes an active block on a channel.
type Cooldown struct {
	ChannelID string
	StartedAt time.Time
	Duration  time.Duration
}

func (c Cooldown) ExpiresAt() time.Time { return c.StartedAt.Add(c.Duration) }

// Event types published on the bus.
const (
	EventConnected       = "channel.connected"
	EventDisconnected    = "channel.disconnected"
	EventBlocked         = "channel.blocked"
	EventPairingArtifact = "channel.pairing_artifact"
	EventPairingFailed   = "channel.pairing_failed"
)

// BusEvent is the payload for all channel.* bus events.
type BusEvent struct {
	ChannelID string    `json:"channel_id"`
	State     string    `json:"state"`
	Identity  string    `json:"identity,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Artifact  string    `json:"artifact,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
	Until     time.Time `json:"until,omitzero"`
}
