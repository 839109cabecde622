package campaign

import (
	"math/rand"
	"time"
)

// runState is the mutable execution record for one campaign. All access goes
// through the dispatcher's mutex; the loop reads a position, dispatches
// outside the lock, then comes back to record the outcome.
type runState struct {
	campaign Campaign
	status   Status

	// order maps dispatch position to recipient index. Fixed at start: a
	// shuffled campaign keeps the same order across pause/resume.
	order []int
	// cursor is the first position without a terminal outcome.
	cursor int

	attempts map[string]int // transport-error retries per recipient key
	outcomes []DispatchOutcome

	sent    int
	skipped int

	seed       int64
	startedAt  time.Time
	finishedAt time.Time
}

func newRunState(c Campaign, seed int64) *runState {
	rs := &runState{
		campaign: c,
		status:   StatusDraft,
		order:    make([]int, len(c.Recipients)),
		attempts: map[string]int{},
		seed:     seed,
	}
	if c.StartSpec != "" {
		rs.status = StatusScheduled
	}
	for i := range rs.order {
		rs.order[i] = i
	}
	if c.Policy.RandomizeRecipientOrder {
		rand.New(rand.NewSource(seed)).Shuffle(len(rs.order), func(i, j int) {
			rs.order[i], rs.order[j] = rs.order[j], rs.order[i]
		})
	}
	return rs
}

// next returns the recipient index at the cursor, or false when every
// recipient has a terminal outcome.
func (rs *runState) next() (int, bool) {
	if rs.cursor >= len(rs.order) {
		return 0, false
	}
	return rs.order[rs.cursor], true
}

// record appends one attempt's outcome and advances the cursor when the
// outcome is terminal.
func (rs *runState) record(o DispatchOutcome) {
	o.ResultName = o.Result.String()
	rs.outcomes = append(rs.outcomes, o)
	switch o.Result {
	case ResultSent:
		rs.sent++
	case ResultSkipped:
		rs.skipped++
	}
	if o.Result.terminal() {
		rs.cursor++
		delete(rs.attempts, o.RecipientKey)
	}
}

func (rs *runState) snapshot() RunState {
	total := len(rs.campaign.Recipients)
	pct := 0.0
	if total > 0 {
		pct = float64(rs.sent) / float64(total) * 100
	}
	out := make([]DispatchOutcome, len(rs.outcomes))
	copy(out, rs.outcomes)
	return RunState{
		CampaignID:      rs.campaign.ID,
		Status:          rs.status,
		StatusName:      rs.status.String(),
		MessagesSent:    rs.sent,
		Skipped:         rs.skipped,
		TotalContacts:   total,
		ProgressPercent: pct,
		StartedAt:       rs.startedAt,
		FinishedAt:      rs.finishedAt,
		Outcomes:        out,
	}
}

func (rs *runState) busEvent(extra ...func(*BusEvent)) BusEvent {
	ev := BusEvent{
		CampaignID: rs.campaign.ID,
		Status:     rs.status.String(),
		Sent:       rs.sent,
		Skipped:    rs.skipped,
		Total:      len(rs.campaign.Recipients),
	}
	if ev.Total > 0 {
		ev.Percent = float64(ev.Sent) / float64(ev.Total) * 100
	}
	for _, fn := range extra {
		fn(&ev)
	}
	return ev
}
