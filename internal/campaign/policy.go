package campaign

import (
	"fmt"
	"math/rand"
	"time"

	"sendfleet/internal/channel"
)

// HoursWindow is a daily local-time send window, start inclusive, end
// exclusive, both in "15:04" form.
type HoursWindow struct {
	Start string `json:"start" yaml:"start"`
	End   string `json:"end" yaml:"end"`
}

func (h HoursWindow) minutes() (start, end int, err error) {
	s, err := time.Parse("15:04", h.Start)
	if err != nil {
		return 0, 0, fmt.Errorf("business hours start %q: %w", h.Start, err)
	}
	e, err := time.Parse("15:04", h.End)
	if err != nil {
		return 0, 0, fmt.Errorf("business hours end %q: %w", h.End, err)
	}
	start = s.Hour()*60 + s.Minute()
	end = e.Hour()*60 + e.Minute()
	if start >= end {
		return 0, 0, fmt.Errorf("business hours start %q must precede end %q", h.Start, h.End)
	}
	return start, end, nil
}

// Policy is the per-campaign anti-blocking configuration. Exactly one delay
// mode may be active: a fixed inter-message delay, or a uniform random range.
// Setting both is a validation error, never a silent pick.
type Policy struct {
	AntiBlockingEnabled bool

	FixedDelay     time.Duration
	RandomDelayMin time.Duration
	RandomDelayMax time.Duration

	Rotation channel.Strategy
	// MessagesPerChannelPerHour caps this campaign's use of any one channel
	// inside the rate window; the tighter of it and the channel's own
	// capacity wins. 0 defers entirely to channel capacity.
	MessagesPerChannelPerHour int
	ChannelSwitchCooldown     time.Duration

	// SimulateTypingDelay adds a pre-send pause on top of the inter-message
	// delay. TypingDelay fixes its length; zero means proportional to the
	// message length.
	SimulateTypingDelay bool
	TypingDelay         time.Duration

	RandomizeRecipientOrder bool

	// BusinessHours defers sends outside the window to the next window-open
	// instant; it never drops them. SkipWeekends rolls deferred sends past
	// Saturday and Sunday.
	BusinessHours *HoursWindow
	SkipWeekends  bool

	// MaxAttemptsPerRecipient bounds transport-error retries before the
	// recipient is marked skipped. Zero means the dispatcher default.
	MaxAttemptsPerRecipient int
}

func (p Policy) Validate() error {
	randomSet := p.RandomDelayMin > 0 || p.RandomDelayMax > 0
	if p.FixedDelay > 0 && randomSet {
		return fmt.Errorf("fixed delay and random delay range are mutually exclusive")
	}
	if p.FixedDelay < 0 {
		return fmt.Errorf("fixed delay must not be negative")
	}
	if randomSet {
		if p.RandomDelayMin <= 0 || p.RandomDelayMax <= 0 {
			return fmt.Errorf("random delay bounds must both be positive")
		}
		if p.RandomDelayMin > p.RandomDelayMax {
			return fmt.Errorf("random delay min %s exceeds max %s", p.RandomDelayMin, p.RandomDelayMax)
		}
	}
	if p.MessagesPerChannelPerHour < 0 {
		return fmt.Errorf("messages per channel per hour must not be negative")
	}
	if p.ChannelSwitchCooldown < 0 {
		return fmt.Errorf("channel switch cooldown must not be negative")
	}
	if p.MaxAttemptsPerRecipient < 0 {
		return fmt.Errorf("max attempts per recipient must not be negative")
	}
	if p.BusinessHours != nil {
		if _, _, err := p.BusinessHours.minutes(); err != nil {
			return err
		}
	}
	return nil
}

// interDelay samples the pause between two consecutive sends.
func (p Policy) interDelay(rng *rand.Rand) time.Duration {
	if !p.AntiBlockingEnabled {
		return 0
	}
	if p.FixedDelay > 0 {
		return p.FixedDelay
	}
	if p.RandomDelayMin > 0 && p.RandomDelayMax >= p.RandomDelayMin {
		span := p.RandomDelayMax - p.RandomDelayMin
		if span == 0 {
			return p.RandomDelayMin
		}
		return p.RandomDelayMin + time.Duration(rng.Int63n(int64(span)+1))
	}
	return 0
}

// typingDelay is the simulated-typing pause for a message of msgLen runes.
func (p Policy) typingDelay(msgLen int) time.Duration {
	if !p.AntiBlockingEnabled || !p.SimulateTypingDelay {
		return 0
	}
	if p.TypingDelay > 0 {
		return p.TypingDelay
	}
	d := time.Duration(msgLen) * 60 * time.Millisecond
	if d < 400*time.Millisecond {
		d = 400 * time.Millisecond
	}
	if d > 5*time.Second {
		d = 5 * time.Second
	}
	return d
}

// NextAllowed defers t to the next instant the policy permits a send: inside
// business hours when a window is set, and off Saturday/Sunday when weekends
// are skipped. Without either constraint t comes back unchanged.
func (p Policy) NextAllowed(t time.Time) time.Time {
	if p.BusinessHours == nil && !p.SkipWeekends {
		return t
	}
	var start, end int
	if p.BusinessHours != nil {
		// Validate() ran at campaign admission; a parse failure here would
		// mean the policy was mutated since.
		s, e, err := p.BusinessHours.minutes()
		if err != nil {
			return t
		}
		start, end = s, e
	}

	for i := 0; i < 10; i++ {
		if p.SkipWeekends && (t.Weekday() == time.Saturday || t.Weekday() == time.Sunday) {
			t = atMinutes(t.AddDate(0, 0, 1), start)
			continue
		}
		if p.BusinessHours == nil {
			return t
		}
		m := t.Hour()*60 + t.Minute()
		switch {
		case m < start:
			return atMinutes(t, start)
		case m >= end:
			t = atMinutes(t.AddDate(0, 0, 1), start)
		default:
			return t
		}
	}
	return t
}

// atMinutes returns t's date at the given minute-of-day, local to t.
func atMinutes(t time.Time, minutes int) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), minutes/60, minutes%60, 0, 0, t.Location())
}
