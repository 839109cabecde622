package campaign

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"sendfleet/internal/channel"
	"sendfleet/internal/transport"
	logx "sendfleet/pkg/logx"
)

// runLoop is one campaign's sequential dispatcher. One tick attempts one
// recipient: wait out the policy delays, acquire a channel (the lease arrives
// with a budget unit reserved), send with a bounded timeout, settle the lease,
// record the outcome. The loop exits when the campaign leaves Running or the
// context ends; position survives in runState either way.
func (d *Dispatcher) runLoop(ctx context.Context, id string, seed int64) {
	rng := rand.New(rand.NewSource(seed))
	log := d.log.With(logx.String("campaign", id))

	var lastChannelID string
	var lastSentAt time.Time
	noChanAttempts := 0

	for {
		d.mu.Lock()
		rs, ok := d.runs[id]
		if !ok || rs.status != StatusRunning {
			d.mu.Unlock()
			return
		}
		idx, more := rs.next()
		if !more {
			rs.status = StatusCompleted
			rs.finishedAt = d.now()
			ev := rs.busEvent()
			d.mu.Unlock()
			d.publish(EventCompleted, ev)
			log.Info("campaign completed",
				logx.Int("sent", ev.Sent), logx.Int("skipped", ev.Skipped))
			return
		}
		recipient := rs.campaign.Recipients[idx]
		msg := rs.campaign.Message
		pol := rs.campaign.Policy
		cfg := d.cfg
		pacer := d.pacer
		d.mu.Unlock()

		maxAttempts := pol.MaxAttemptsPerRecipient
		if maxAttempts <= 0 {
			maxAttempts = cfg.MaxAttemptsPerRecipient
		}

		// Earliest allowed instant: previous send's delay, then deferred into
		// business hours and off weekends.
		t := d.now()
		if !lastSentAt.IsZero() {
			if earliest := lastSentAt.Add(pol.interDelay(rng)); earliest.After(t) {
				t = earliest
			}
		}
		t = pol.NextAllowed(t)
		if err := d.waitUntil(ctx, t); err != nil {
			return
		}

		lease, err := d.pool.Acquire(pol.Rotation, nil, pol.MessagesPerChannelPerHour)
		if errors.Is(err, channel.ErrNoChannelAvailable) {
			// Saturation stalls, it never fails the campaign. Record the
			// stall once, then re-poll with backoff.
			noChanAttempts++
			if noChanAttempts == 1 {
				d.recordOutcome(id, DispatchOutcome{
					RecipientKey: recipient.Key,
					AttemptedAt:  d.now(),
					Result:       ResultChannelUnavailable,
				})
			}
			if err := d.wait(ctx, cfg.NoChannelBackoff.Delay(noChanAttempts, rng)); err != nil {
				return
			}
			continue
		}
		if err != nil {
			log.Warn("acquire failed", logx.Err(err))
			if err := d.wait(ctx, cfg.NoChannelBackoff.Delay(1, rng)); err != nil {
				return
			}
			continue
		}
		noChanAttempts = 0

		if pol.AntiBlockingEnabled && pol.ChannelSwitchCooldown > 0 &&
			lastChannelID != "" && lease.ChannelID != lastChannelID {
			if err := d.wait(ctx, pol.ChannelSwitchCooldown); err != nil {
				_ = d.pool.Release(lease)
				return
			}
		}
		if td := pol.typingDelay(len([]rune(msg.Text))); td > 0 {
			if err := d.wait(ctx, td); err != nil {
				_ = d.pool.Release(lease)
				return
			}
		}
		if pacer != nil {
			if err := pacer.Wait(ctx); err != nil {
				_ = d.pool.Release(lease)
				return
			}
		}

		// Pause/cancel must win over a pending send.
		d.mu.Lock()
		if rs.status != StatusRunning {
			d.mu.Unlock()
			_ = d.pool.Release(lease)
			return
		}
		d.mu.Unlock()

		sctx, cancelSend := context.WithTimeout(ctx, cfg.SendTimeout)
		_, sendErr := d.sender.Send(sctx, lease.ChannelID, recipient, msg)
		cancelSend()
		_ = d.pool.ReportOutcome(lease, sendErr)

		outcome := DispatchOutcome{
			RecipientKey: recipient.Key,
			ChannelID:    lease.ChannelID,
			AttemptedAt:  d.now(),
		}
		if sendErr == nil {
			outcome.Result = ResultSent
			lastChannelID = lease.ChannelID
			lastSentAt = d.now()
			d.recordOutcome(id, outcome)
			continue
		}

		outcome.Detail = sendErr.Error()
		se, classified := transport.AsSendError(sendErr)
		switch {
		case classified && se.Kind == transport.KindRecipientInvalid:
			// Permanent for this recipient; nothing to retry.
			outcome.Result = ResultSkipped
			d.recordOutcome(id, outcome)

		case classified && se.Kind == transport.KindRateLimited:
			// Channel-scoped: the pool already excluded the channel until its
			// window clears. The recipient goes again on whatever channel is
			// next.
			outcome.Result = ResultRateLimited
			d.recordOutcome(id, outcome)

		default:
			// Network errors, send timeouts and unclassified failures retry
			// this recipient a bounded number of times.
			outcome.Result = ResultTransportError
			d.mu.Lock()
			if rs2, ok := d.runs[id]; ok {
				rs2.attempts[recipient.Key]++
				if rs2.attempts[recipient.Key] >= maxAttempts {
					outcome.Result = ResultSkipped
				}
				rs2.record(outcome)
				ev := rs2.busEvent(progressFields(outcome))
				d.mu.Unlock()
				d.publish(EventProgress, ev)
			} else {
				d.mu.Unlock()
			}
			if outcome.Result == ResultSkipped {
				log.Warn("recipient skipped after retries",
					logx.String("recipient", recipient.Key), logx.String("err", outcome.Detail))
			}
		}

		if ctx.Err() != nil {
			return
		}
	}
}

// recordOutcome appends one outcome under the lock and publishes progress.
func (d *Dispatcher) recordOutcome(id string, o DispatchOutcome) {
	d.mu.Lock()
	rs, ok := d.runs[id]
	if !ok {
		d.mu.Unlock()
		return
	}
	rs.record(o)
	ev := rs.busEvent(progressFields(o))
	d.mu.Unlock()
	d.publish(EventProgress, ev)
}

func progressFields(o DispatchOutcome) func(*BusEvent) {
	return func(ev *BusEvent) {
		ev.RecipientKey = o.RecipientKey
		ev.ChannelID = o.ChannelID
		ev.Result = o.Result.String()
	}
}

func (d *Dispatcher) waitUntil(ctx context.Context, t time.Time) error {
	dur := t.Sub(d.now())
	if dur <= 0 {
		return ctx.Err()
	}
	return d.wait(ctx, dur)
}
