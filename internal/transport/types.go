package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Recipient is one pre-deduplicated, pre-filtered send target.
// Key is the caller's stable identifier (e.g. contact id); Address is the
// transport-level destination (phone number, chat id, ...).
type Recipient struct {
	Key     string
	Address string
}

type Message struct {
	Text string
}

// Ack confirms a delivered send.
type Ack struct {
	MessageID string
	At        time.Time
}

// PairingArtifact is the QR/code payload a human scans (or enters) to bind a
// channel to a remote identity. It is only valid until ExpiresAt.
type PairingArtifact struct {
	ChannelID string
	Data      string
	ExpiresAt time.Time
}

type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventBlocked
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventBlocked:
		return "blocked"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// ChannelEvent is emitted by a transport's event stream.
//
// Exactly one of the payload fields is meaningful, selected by Kind:
//   - EventConnected:    Identity
//   - EventDisconnected: Reason
//   - EventBlocked:      Cooldown (0 means "use the pool default")
type ChannelEvent struct {
	ChannelID string
	Kind      EventKind
	At        time.Time

	Identity string
	Reason   string
	Cooldown time.Duration
}

// PairingTransport drives the interactive handshake that binds a channel to a
// remote identity. BeginPairing returns a short-lived artifact; handshake
// completion (or loss) arrives asynchronously on Events().
type PairingTransport interface {
	BeginPairing(ctx context.Context, channelID string) (PairingArtifact, error)
	Events() <-chan ChannelEvent
}

// MessageSender performs one outbound send on an already-paired channel.
// Errors should be classified with RateLimited/NetworkError/RecipientInvalid
// so the dispatcher can decide between retry, skip, and channel backoff.
type MessageSender interface {
	Send(ctx context.Context, channelID string, to Recipient, msg Message) (Ack, error)
}

// Transport is a full paired transport: lifecycle, pairing, and sending.
type Transport interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	PairingTransport
	MessageSender
}

// ---- Send error classification ----

type SendErrorKind int

const (
	KindRateLimited SendErrorKind = iota
	KindNetwork
	KindRecipientInvalid
)

func (k SendErrorKind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindNetwork:
		return "network"
	case KindRecipientInvalid:
		return "recipient_invalid"
	default:
		return fmt.Sprintf("SendErrorKind(%d)", int(k))
	}
}

// SendError wraps a transport failure with its classification.
// RetryAfter is an optional downstream hint (e.g. flood wait) and is only
// meaningful for KindRateLimited.
type SendError struct {
	Kind       SendErrorKind
	RetryAfter time.Duration
	Err        error
}

func (e *SendError) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Err.Error()
}

func (e *SendError) Unwrap() error { return e.Err }

func RateLimited(err error, retryAfter time.Duration) error {
	return &SendError{Kind: KindRateLimited, RetryAfter: retryAfter, Err: err}
}

func NetworkError(err error) error {
	return &SendError{Kind: KindNetwork, Err: err}
}

func RecipientInvalid(err error) error {
	return &SendError{Kind: KindRecipientInvalid, Err: err}
}

// AsSendError extracts a SendError classification, if any.
func AsSendError(err error) (*SendError, bool) {
	var se *SendError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}
