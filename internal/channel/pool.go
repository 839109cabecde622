// Package channel owns the channel pool: every channel's pairing state
// machine, the cooldown/block policy, and the "give me one eligible channel"
// query the dispatcher builds on.
package channel

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"sendfleet/internal/eventbus"
	"sendfleet/internal/ratelimit"
	rtsup "sendfleet/internal/runtime/supervisor"
	"sendfleet/internal/transport"
	logx "sendfleet/pkg/logx"
)

// settledKeep bounds how many settled lease ids are remembered for duplicate
// ReportOutcome detection.
const settledKeep = 4096

type chanRec struct {
	cfg ChannelConfig

	state          State
	identity       string
	pairingAttempt int
	artifact       transport.PairingArtifact

	lastConnectedAt time.Time
	lastBlockedAt   time.Time
	lastUsedAt      time.Time

	cooldownStartedAt time.Time
	cooldownDuration  time.Duration
	rateLimitedUntil  time.Time

	reconnects  int
	terminalErr error

	// gen invalidates in-flight pairing loops when the state machine moves on
	// without them (connect/block/disconnect events, explicit Connect).
	gen    uint64
	scanCh chan struct{}
}

type leaseRec struct {
	channelID string
	settled   bool
}

// Pool owns channel and cooldown lifecycle. The dispatcher only reads channel
// state through Acquire/Get/Snapshot and never mutates it directly.
type Pool struct {
	mu  sync.Mutex
	cfg Config

	log     logx.Logger
	bus     eventbus.Bus
	pairing transport.PairingTransport
	limiter *ratelimit.Window

	channels map[string]*chanRec
	order    []string // insertion order, used for deterministic tie-breaks

	leases      map[string]*leaseRec
	settledFifo []string

	now func() time.Time
	// after is the timer behind the pairing loop's waits (artifact expiry,
	// retry backoff); tests replace it to drive expiry without sleeping.
	after func(d time.Duration) (<-chan time.Time, func() bool)
	rng   *rand.Rand

	sup     *rtsup.Supervisor
	running bool
}

func NewPool(cfg Config, pairing transport.PairingTransport, bus eventbus.Bus, log logx.Logger) *Pool {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Pool{
		cfg:      cfg,
		log:      log,
		bus:      bus,
		pairing:  pairing,
		limiter:  ratelimit.NewWindow(cfg.WindowLength),
		channels: map[string]*chanRec{},
		leases:   map[string]*leaseRec{},
		now:      time.Now,
		after: func(d time.Duration) (<-chan time.Time, func() bool) {
			t := time.NewTimer(d)
			return t.C, t.Stop
		},
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Apply updates pool-wide defaults live. The rate window length is fixed at
// construction; changing it mid-flight would corrupt in-progress windows.
func (p *Pool) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	p.mu.Lock()
	cfg.WindowLength = p.cfg.WindowLength
	p.cfg = cfg
	p.mu.Unlock()
}

// Start launches the transport event consumer. Start is idempotent.
func (p *Pool) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.sup = rtsup.New(ctx,
		rtsup.WithLogger(p.log.With(logx.String("comp", "pool"))),
		rtsup.WithCancelOnError(false),
	)
	sup := p.sup
	p.mu.Unlock()

	sup.GoRestart("pool.events", func(c context.Context) error {
		events := p.pairing.Events()
		for {
			select {
			case <-c.Done():
				return c.Err()
			case ev, ok := <-events:
				if !ok {
					return fmt.Errorf("transport event stream closed")
				}
				p.handleEvent(ev)
			}
		}
	}, rtsup.WithPublishFirstError(true))

	p.log.Info("pool started", logx.Int("channels", len(p.order)))
}

func (p *Pool) Stop(ctx context.Context) {
	p.mu.Lock()
	sup := p.sup
	p.sup = nil
	wasRunning := p.running
	p.running = false
	p.mu.Unlock()

	if !wasRunning || sup == nil {
		return
	}
	sup.Cancel()
	_ = sup.Wait(ctx)
	p.log.Info("pool stopped")
}

// Add registers a channel in Idle state.
func (p *Pool) Add(cc ChannelConfig) error {
	if cc.ID == "" {
		return fmt.Errorf("channel id is required")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.channels[cc.ID]; exists {
		return fmt.Errorf("channel %q already registered", cc.ID)
	}
	p.channels[cc.ID] = &chanRec{cfg: cc, state: StateIdle}
	p.order = append(p.order, cc.ID)
	return nil
}

// Connect starts (or restarts) the pairing handshake for a channel.
//
// An explicit Connect is the operator escape hatch: it clears terminal errors
// and resets the retry budgets. A blocked channel cannot re-enter pairing
// before its cooldown deadline; that fails with CooldownActiveError.
func (p *Pool) Connect(ctx context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, ok := p.channels[id]
	if !ok {
		return ErrUnknownChannel
	}
	switch rec.state {
	case StatePairing, StateAwaitingScan, StateConnected:
		return ErrNotConnectable
	case StateBlocked:
		if remaining := rec.cooldownStartedAt.Add(rec.cooldownDuration).Sub(p.now()); remaining > 0 {
			return &CooldownActiveError{Remaining: remaining}
		}
	}

	rec.terminalErr = nil
	rec.reconnects = 0
	rec.pairingAttempt = 0
	p.startPairingLocked(ctx, id, rec)
	return nil
}

// startPairingLocked moves the channel into Pairing and spawns the handshake
// loop. Caller holds p.mu.
func (p *Pool) startPairingLocked(ctx context.Context, id string, rec *chanRec) {
	rec.state = StatePairing
	rec.gen++
	gen := rec.gen
	closeScanLocked(rec)

	sup := p.sup
	if sup == nil {
		// Pool not started: run the loop detached so Connect still works in
		// bootstrap order app wires things (Start happens right after).
		go p.pairLoop(ctx, id, gen)
		return
	}
	sup.Go0("pair."+id, func(c context.Context) { p.pairLoop(c, id, gen) })
}

// Acquire returns one eligible channel with a unit of its rate budget already
// reserved. hourlyCap is a caller-level per-channel cap for the current window
// (a campaign's messages-per-channel-per-hour policy); the tighter of it and
// the channel's own capacity wins, 0 means no caller cap. Eligibility check
// and reservation are a single atomic step, so two concurrent campaigns can
// never both claim a channel's last budget unit.
func (p *Pool) Acquire(strategy Strategy, excluding map[string]bool, hourlyCap int) (Lease, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	eligible := make([]string, 0, len(p.order))
	for _, id := range p.order {
		rec := p.channels[id]
		if rec.state != StateConnected {
			continue
		}
		if excluding[id] {
			continue
		}
		if !rec.rateLimitedUntil.IsZero() && now.Before(rec.rateLimitedUntil) {
			continue
		}
		if p.limiter.Remaining(id, p.effectiveCap(rec, hourlyCap)) <= 0 {
			continue
		}
		eligible = append(eligible, id)
	}
	if len(eligible) == 0 {
		return Lease{}, ErrNoChannelAvailable
	}

	var pick string
	switch strategy {
	case Random:
		pick = eligible[p.rng.Intn(len(eligible))]
	case LoadBalanced:
		best := -1.0
		for _, id := range eligible {
			rec := p.channels[id]
			capacity := p.effectiveCap(rec, hourlyCap)
			ratio := 0.0
			if capacity > 0 {
				ratio = float64(p.limiter.Sent(id)) / float64(capacity)
			}
			if pick == "" || ratio < best ||
				(ratio == best && rec.lastUsedAt.Before(p.channels[pick].lastUsedAt)) {
				pick = id
				best = ratio
			}
		}
	default: // Sequential: least-recently-used
		for _, id := range eligible {
			if pick == "" || p.channels[id].lastUsedAt.Before(p.channels[pick].lastUsedAt) {
				pick = id
			}
		}
	}

	rec := p.channels[pick]
	if !p.limiter.Reserve(pick, p.effectiveCap(rec, hourlyCap)) {
		// Remaining() said >0 under the same pool lock; this cannot race.
		return Lease{}, ErrNoChannelAvailable
	}
	rec.lastUsedAt = now

	attemptID := uuid.NewString()
	p.leases[attemptID] = &leaseRec{channelID: pick}
	return Lease{ChannelID: pick, AttemptID: attemptID}, nil
}

// ReportOutcome settles a lease exactly once. result nil confirms the send and
// commits the budget unit; a classified transport error releases the unit and
// applies channel-level consequences (rate-limit exclusion, disconnect).
// Settling the same lease twice returns ErrUnknownLease and has no effect.
func (p *Pool) ReportOutcome(lease Lease, result error) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	lr, ok := p.settleLocked(lease.AttemptID)
	if !ok {
		return ErrUnknownLease
	}

	id := lr.channelID
	rec := p.channels[id]

	if result == nil {
		p.limiter.Commit(id)
		if rec != nil {
			rec.lastUsedAt = p.now()
		}
		return nil
	}

	p.limiter.Release(id)
	if rec == nil {
		return nil
	}

	se, classified := transport.AsSendError(result)
	if !classified {
		// Unclassified failures are treated as network drops.
		p.disconnectLocked(id, rec, result.Error())
		return nil
	}
	switch se.Kind {
	case transport.KindRateLimited:
		until := p.now().Add(p.cfg.WindowLength)
		if se.RetryAfter > 0 {
			until = p.now().Add(se.RetryAfter)
		} else if reset := p.limiter.NextReset(id); !reset.IsZero() {
			until = reset
		}
		rec.rateLimitedUntil = until
		p.log.Warn("channel rate limited by remote",
			logx.String("channel", id), logx.Time("until", until))
	case transport.KindNetwork:
		p.disconnectLocked(id, rec, se.Error())
	case transport.KindRecipientInvalid:
		// Recipient-scoped; the channel is fine.
	}
	return nil
}

// settleLocked marks a lease settled exactly once, remembering it for
// duplicate detection. Caller holds p.mu.
func (p *Pool) settleLocked(attemptID string) (*leaseRec, bool) {
	lr, ok := p.leases[attemptID]
	if !ok || lr.settled {
		return nil, false
	}
	lr.settled = true
	p.settledFifo = append(p.settledFifo, attemptID)
	if len(p.settledFifo) > settledKeep {
		drop := p.settledFifo[0]
		p.settledFifo = p.settledFifo[1:]
		delete(p.leases, drop)
	}
	return lr, true
}

// Release settles a lease without a send having happened: the budget unit goes
// back and the channel is untouched. Used when the dispatcher acquires a
// channel and then aborts before sending (pause, cancel, shutdown).
func (p *Pool) Release(lease Lease) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	lr, ok := p.settleLocked(lease.AttemptID)
	if !ok {
		return ErrUnknownLease
	}
	p.limiter.Release(lr.channelID)
	return nil
}

// SetClock overrides the time source for the pool and its rate window. Tests
// use it to drive cooldown expiry and window rollover without sleeping. Call
// before Start.
func (p *Pool) SetClock(now func() time.Time) {
	if now == nil {
		return
	}
	p.mu.Lock()
	p.now = now
	p.mu.Unlock()
	p.limiter.SetClock(now)
}

// Get returns a read-only view of one channel.
func (p *Pool) Get(id string) (Info, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.channels[id]
	if !ok {
		return Info{}, false
	}
	return p.infoLocked(id, rec), true
}

// Snapshot returns read-only views of every channel, in registration order.
func (p *Pool) Snapshot() []Info {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Info, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, p.infoLocked(id, p.channels[id]))
	}
	return out
}

func (p *Pool) infoLocked(id string, rec *chanRec) Info {
	capacity := p.capacityFor(rec)
	info := Info{
		ID:              id,
		State:           rec.state,
		StateName:       rec.state.String(),
		Identity:        rec.identity,
		PairingAttempt:  rec.pairingAttempt,
		Capacity:        capacity,
		SentThisWindow:  p.limiter.Sent(id),
		Remaining:       p.limiter.Remaining(id, capacity),
		LastConnectedAt: rec.lastConnectedAt,
		LastBlockedAt:   rec.lastBlockedAt,
		LastUsedAt:      rec.lastUsedAt,
	}
	if rec.state == StateAwaitingScan {
		info.PairingArtifact = rec.artifact.Data
		info.ArtifactExpiresAt = rec.artifact.ExpiresAt
	}
	if rec.state == StateBlocked {
		info.CooldownUntil = rec.cooldownStartedAt.Add(rec.cooldownDuration)
	}
	if rec.terminalErr != nil {
		info.TerminalError = rec.terminalErr.Error()
	}
	return info
}

func (p *Pool) capacityFor(rec *chanRec) int {
	if rec.cfg.Capacity > 0 {
		return rec.cfg.Capacity
	}
	return p.cfg.DefaultCapacity
}

// effectiveCap folds a caller-level hourly cap into the channel's own
// capacity. 0 means unlimited on both sides; the tighter bound wins.
func (p *Pool) effectiveCap(rec *chanRec, hourlyCap int) int {
	capacity := p.capacityFor(rec)
	if hourlyCap > 0 && (capacity <= 0 || hourlyCap < capacity) {
		return hourlyCap
	}
	return capacity
}

func (p *Pool) maxAttemptsFor(rec *chanRec) int {
	if rec.cfg.MaxPairingAttempts > 0 {
		return rec.cfg.MaxPairingAttempts
	}
	return p.cfg.MaxPairingAttempts
}

// ---- transport events ----

func (p *Pool) handleEvent(ev transport.ChannelEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, ok := p.channels[ev.ChannelID]
	if !ok {
		p.log.Warn("event for unknown channel", logx.String("channel", ev.ChannelID), logx.String("kind", ev.Kind.String()))
		return
	}

	switch ev.Kind {
	case transport.EventConnected:
		rec.state = StateConnected
		rec.identity = ev.Identity
		rec.pairingAttempt = 0
		rec.reconnects = 0
		rec.terminalErr = nil
		rec.lastConnectedAt = p.now()
		rec.gen++
		closeScanLocked(rec)
		p.log.Info("channel connected", logx.String("channel", ev.ChannelID), logx.String("identity", ev.Identity))
		p.publish(EventConnected, BusEvent{ChannelID: ev.ChannelID, State: rec.state.String(), Identity: ev.Identity})

	case transport.EventDisconnected:
		p.disconnectLocked(ev.ChannelID, rec, ev.Reason)

	case transport.EventBlocked:
		d := ev.Cooldown
		if d <= 0 {
			d = p.cfg.DefaultCooldown
		}
		now := p.now()
		rec.state = StateBlocked
		rec.lastBlockedAt = now
		rec.cooldownStartedAt = now
		rec.cooldownDuration = d
		rec.gen++
		closeScanLocked(rec)
		p.log.Warn("channel blocked by remote network",
			logx.String("channel", ev.ChannelID), logx.Duration("cooldown", d))
		p.publish(EventBlocked, BusEvent{ChannelID: ev.ChannelID, State: rec.state.String(), Until: now.Add(d)})
	}
}

// disconnectLocked applies the Disconnected transition and schedules an
// automatic reconnect while the budget lasts. Caller holds p.mu.
func (p *Pool) disconnectLocked(id string, rec *chanRec, reason string) {
	prev := rec.state
	rec.state = StateDisconnected
	rec.gen++
	closeScanLocked(rec)
	p.log.Warn("channel disconnected", logx.String("channel", id), logx.String("reason", reason))
	p.publish(EventDisconnected, BusEvent{ChannelID: id, State: rec.state.String(), Reason: reason})

	if prev != StateConnected && prev != StateAwaitingScan {
		return
	}
	if rec.reconnects >= p.cfg.ReconnectBudget {
		rec.terminalErr = ErrReconnectExhausted
		p.log.Error("channel reconnect budget exhausted; operator action required", logx.String("channel", id))
		return
	}
	sup := p.sup
	if sup == nil {
		// Pool not started: no reconnect loop to spawn, so the budget stays
		// untouched for when it is.
		return
	}
	rec.reconnects++
	delay := p.cfg.PairingBackoff.Delay(rec.reconnects, p.rng)
	gen := rec.gen
	sup.Go0("reconnect."+id, func(c context.Context) {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-c.Done():
			return
		case <-t.C:
		}
		p.mu.Lock()
		defer p.mu.Unlock()
		r, ok := p.channels[id]
		if !ok || r.gen != gen || r.state != StateDisconnected {
			return
		}
		r.pairingAttempt = 0
		p.startPairingLocked(c, id, r)
	})
}

func closeScanLocked(rec *chanRec) {
	if rec.scanCh != nil {
		close(rec.scanCh)
		rec.scanCh = nil
	}
}

func (p *Pool) publish(typ string, data BusEvent) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(eventbus.Event{Type: typ, Data: data})
}
