package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl append streams)
//   - "sqlite": SQLite database file (optional build tag)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// OutcomeEntry records one dispatch attempt. Keep it compact and
// schema-stable.
type OutcomeEntry struct {
	At           time.Time `json:"at"`
	CampaignID   string    `json:"campaign_id"`
	RecipientKey string    `json:"recipient_key"`
	ChannelID    string    `json:"channel_id,omitempty"`
	Result       string    `json:"result"`
	Detail       string    `json:"detail,omitempty"`
}

// ChannelEventEntry records one channel lifecycle transition.
type ChannelEventEntry struct {
	At        time.Time `json:"at"`
	ChannelID string    `json:"channel_id"`
	Type      string    `json:"type"`
	State     string    `json:"state,omitempty"`
	Identity  string    `json:"identity,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Until     time.Time `json:"until,omitzero"`
}
