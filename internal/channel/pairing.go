package channel

import (
	"context"
	"hash/fnv"
	"math/rand"
	"time"

	logx "sendfleet/pkg/logx"
)

// pairLoop drives one pairing handshake: request an artifact, surface it,
// then wait for scan completion or artifact expiry. Expiry regenerates a
// fresh artifact; every regeneration consumes one pairing attempt, so the
// loop can never sit silently in AwaitingScan past expiry.
//
// The loop exits when the transport event stream settles the handshake
// (Connected/Blocked/Disconnected bump the channel generation) or when the
// attempt budget is exhausted.
func (p *Pool) pairLoop(ctx context.Context, id string, gen uint64) {
	// Per-loop RNG: p.rng is guarded by p.mu and this loop sleeps outside it.
	seed := time.Now().UnixNano() ^ int64(hashID(id))
	rng := rand.New(rand.NewSource(seed))

	for {
		p.mu.Lock()
		rec, ok := p.channels[id]
		if !ok || rec.gen != gen {
			p.mu.Unlock()
			return
		}
		rec.pairingAttempt++
		if rec.pairingAttempt > p.maxAttemptsFor(rec) {
			rec.state = StateDisconnected
			rec.terminalErr = ErrPairingExhausted
			attempts := rec.pairingAttempt - 1
			p.mu.Unlock()
			p.log.Error("pairing exhausted; operator action required",
				logx.String("channel", id), logx.Int("attempts", attempts))
			p.publish(EventPairingFailed, BusEvent{ChannelID: id, State: StateDisconnected.String(), Reason: ErrPairingExhausted.Error()})
			return
		}
		attempt := rec.pairingAttempt
		rec.state = StatePairing
		cfg := p.cfg
		nowFn := p.now
		after := p.after
		p.mu.Unlock()

		artifact, err := p.pairing.BeginPairing(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			delay := cfg.PairingBackoff.Delay(attempt, rng)
			p.log.Warn("pairing request failed; retrying",
				logx.String("channel", id), logx.Int("attempt", attempt),
				logx.Duration("backoff", delay), logx.Err(err))
			retry, stop := after(delay)
			select {
			case <-ctx.Done():
				stop()
				return
			case <-retry:
			}
			continue
		}

		scanCh := make(chan struct{})
		p.mu.Lock()
		rec, ok = p.channels[id]
		if !ok || rec.gen != gen {
			p.mu.Unlock()
			return
		}
		rec.state = StateAwaitingScan
		rec.artifact = artifact
		closeScanLocked(rec)
		rec.scanCh = scanCh
		p.mu.Unlock()

		p.log.Info("pairing artifact ready",
			logx.String("channel", id), logx.Int("attempt", attempt),
			logx.Time("expires_at", artifact.ExpiresAt))
		p.publish(EventPairingArtifact, BusEvent{
			ChannelID: id,
			State:     StateAwaitingScan.String(),
			Artifact:  artifact.Data,
			ExpiresAt: artifact.ExpiresAt,
		})

		// Expiry runs on the pool clock, same as cooldowns and rate windows.
		wait := artifact.ExpiresAt.Sub(nowFn())
		if wait < 0 {
			wait = 0
		}
		expiry, stop := after(wait)
		select {
		case <-ctx.Done():
			stop()
			return
		case <-scanCh:
			// The event stream settled this handshake (connected, blocked, or
			// remote drop). The generation moved on; nothing left here.
			stop()
			return
		case <-expiry:
			p.log.Debug("pairing artifact expired; regenerating",
				logx.String("channel", id), logx.Int("attempt", attempt))
		}
	}
}

func hashID(id string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(id))
	return h.Sum64()
}
