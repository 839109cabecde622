// Package campaign turns a recipient list plus an anti-blocking policy into a
// time-ordered, rate-safe send plan over the channel pool, one sequential
// dispatch loop per running campaign.
package campaign

import (
	"time"

	"sendfleet/internal/transport"
)

// Status is a campaign's lifecycle phase.
type Status int

const (
	StatusDraft Status = iota
	StatusScheduled
	StatusRunning
	StatusPaused
	StatusCompleted
	StatusCancelled
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusDraft:
		return "draft"
	case StatusScheduled:
		return "scheduled"
	case StatusRunning:
		return "running"
	case StatusPaused:
		return "paused"
	case StatusCompleted:
		return "completed"
	case StatusCancelled:
		return "cancelled"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result classifies one dispatch attempt for one recipient.
type Result int

const (
	ResultSent Result = iota
	ResultRateLimited
	ResultChannelUnavailable
	ResultTransportError
	ResultSkipped
)

func (r Result) String() string {
	switch r {
	case ResultSent:
		return "sent"
	case ResultRateLimited:
		return "rate_limited"
	case ResultChannelUnavailable:
		return "channel_unavailable"
	case ResultTransportError:
		return "transport_error"
	case ResultSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// terminal reports whether the result ends the recipient's dispatch. Sent and
// Skipped are final; everything else means the recipient will be attempted
// again.
func (r Result) terminal() bool {
	return r == ResultSent || r == ResultSkipped
}

// Campaign is the dispatch order: an ordered, pre-deduplicated recipient list,
// the message, and the anti-blocking policy. Recipient filtering (blocked
// contacts, group expansion) happens upstream.
type Campaign struct {
	ID         string
	Name       string
	Message    transport.Message
	Recipients []transport.Recipient
	Policy     Policy

	// StartSpec arms a scheduled launch: a cron expression, or
	// "once:<RFC3339>" for a single shot. Empty means manual start.
	StartSpec string
}

// DispatchOutcome records one attempt for one recipient.
type DispatchOutcome struct {
	RecipientKey string    `json:"recipient_key"`
	ChannelID    string    `json:"channel_id,omitempty"`
	AttemptedAt  time.Time `json:"attempted_at"`
	Result       Result    `json:"-"`
	ResultName   string    `json:"result"`
	Detail       string    `json:"detail,omitempty"`
}

// RunState is a read-only snapshot of one campaign execution.
type RunState struct {
	CampaignID      string            `json:"campaign_id"`
	Status          Status            `json:"-"`
	StatusName      string            `json:"status"`
	MessagesSent    int               `json:"messages_sent"`
	Skipped         int               `json:"skipped"`
	TotalContacts   int               `json:"total_contacts"`
	ProgressPercent float64           `json:"progress_percent"`
	StartedAt       time.Time         `json:"started_at,omitzero"`
	FinishedAt      time.Time         `json:"finished_at,omitzero"`
	Outcomes        []DispatchOutcome `json:"outcomes,omitempty"`
}

// Bus event types published by the dispatcher and launcher.
const (
	EventStarted   = "campaign.started"
	EventProgress  = "campaign.progress"
	EventPaused    = "campaign.paused"
	EventResumed   = "campaign.resumed"
	EventCompleted = "campaign.completed"
	EventCancelled = "campaign.cancelled"
	EventFailed    = "campaign.failed"
)

// BusEvent is the payload for every campaign.* event.
type BusEvent struct {
	CampaignID   string  `json:"campaign_id"`
	Status       string  `json:"status"`
	Sent         int     `json:"sent"`
	Skipped      int     `json:"skipped"`
	Total        int     `json:"total"`
	Percent      float64 `json:"percent"`
	RecipientKey string  `json:"recipient_key,omitempty"`
	ChannelID    string  `json:"channel_id,omitempty"`
	Result       string  `json:"result,omitempty"`
	Reason       string  `json:"reason,omitempty"`
}
