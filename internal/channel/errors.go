package channel

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrPairingExhausted is fatal for the channel: the retry budget is spent
	// and an operator has to intervene (fresh Connect call).
	ErrPairingExhausted = errors.New("pairing attempts exhausted")

	// ErrNoChannelAvailable means the eligible set is empty right now.
	// Retryable: back off and re-poll.
	ErrNoChannelAvailable = errors.New("no channel available")

	// ErrReconnectExhausted is set after the automatic reconnect budget is
	// spent; the channel stays Disconnected until an explicit Connect.
	ErrReconnectExhausted = errors.New("automatic reconnect budget exhausted")

	ErrUnknownChannel = errors.New("unknown channel")
	ErrUnknownLease   = errors.New("unknown or already settled lease")

	// ErrNotConnectable is returned by Connect for states that cannot enter
	// pairing (already pairing, already connected).
	ErrNotConnectable = errors.New("channel cannot start pairing in its current state")
)

// CooldownActiveError rejects a reconnect attempt on a blocked channel whose
// cooldown deadline has not passed yet.
type CooldownActiveError struct {
	Remaining time.Duration
}

func (e *CooldownActiveError) Error() string {
	return fmt.Sprintf("cooldown active: %s remaining", e.Remaining.Round(time.Second))
}

// RemainingMinutes is the operator-facing view of the deadline (rounded up).
func (e *CooldownActiveError) RemainingMinutes() int {
	m := int((e.Remaining + time.Minute - 1) / time.Minute)
	if m < 0 {
		m = 0
	}
	return m
}
