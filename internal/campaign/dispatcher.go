package campaign

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"sendfleet/internal/channel"
	"sendfleet/internal/eventbus"
	rtsup "sendfleet/internal/runtime/supervisor"
	"sendfleet/internal/transport"
	logx "sendfleet/pkg/logx"
)

var (
	ErrUnknownCampaign   = errors.New("campaign: unknown campaign")
	ErrDuplicateCampaign = errors.New("campaign: campaign already registered")
	ErrNotLaunchable     = errors.New("campaign: campaign is not in a launchable state")
	ErrNotRunning        = errors.New("campaign: campaign is not running")
	ErrNotPaused         = errors.New("campaign: campaign is not paused")
	ErrFinished          = errors.New("campaign: campaign already finished")
)

// Config carries dispatcher-wide defaults. Per-campaign policy overrides the
// retry cap; everything else applies to every run.
type Config struct {
	// SendTimeout bounds one transport send call. A timeout counts as a
	// transport error, never an indefinitely pending attempt.
	SendTimeout time.Duration
	// MaxAttemptsPerRecipient bounds transport-error retries before a
	// recipient is skipped.
	MaxAttemptsPerRecipient int
	// NoChannelBackoff paces re-polling while every channel is saturated,
	// blocked or disconnected. Saturation stalls a campaign, never fails it.
	NoChannelBackoff channel.BackoffPolicy
	// GlobalRatePerSec optionally caps fleet-wide send rate on top of the
	// per-channel windows. Zero disables the pacer.
	GlobalRatePerSec float64
	GlobalBurst      int
}

func (c Config) withDefaults() Config {
	if c.SendTimeout <= 0 {
		c.SendTimeout = 30 * time.Second
	}
	if c.MaxAttemptsPerRecipient <= 0 {
		c.MaxAttemptsPerRecipient = 3
	}
	if c.NoChannelBackoff.Base <= 0 {
		c.NoChannelBackoff.Base = 5 * time.Second
	}
	if c.NoChannelBackoff.Max <= 0 {
		c.NoChannelBackoff.Max = 2 * time.Minute
	}
	if c.NoChannelBackoff.Jitter <= 0 {
		c.NoChannelBackoff.Jitter = 0.2
	}
	if c.GlobalBurst <= 0 {
		c.GlobalBurst = 1
	}
	return c
}

// Dispatcher runs one sequential dispatch loop per running campaign. Loops
// share the channel pool; the pool's lease accounting is what keeps them from
// oversubscribing a channel's budget.
type Dispatcher struct {
	mu  sync.Mutex
	cfg Config

	pool   *channel.Pool
	sender transport.MessageSender
	bus    eventbus.Bus
	log    logx.Logger
	pacer  *rate.Limiter

	runs    map[string]*runState
	cancels map[string]context.CancelFunc

	now  func() time.Time
	wait func(ctx context.Context, d time.Duration) error
	rng  *rand.Rand

	sup     *rtsup.Supervisor
	loopCtx context.Context
	running bool
}

func NewDispatcher(cfg Config, pool *channel.Pool, sender transport.MessageSender, bus eventbus.Bus, log logx.Logger) *Dispatcher {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{
		cfg:     cfg,
		pool:    pool,
		sender:  sender,
		bus:     bus,
		log:     log,
		runs:    map[string]*runState{},
		cancels: map[string]context.CancelFunc{},
		now:     time.Now,
		wait:    sleepCtx,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		loopCtx: context.Background(),
	}
	if cfg.GlobalRatePerSec > 0 {
		d.pacer = rate.NewLimiter(rate.Limit(cfg.GlobalRatePerSec), cfg.GlobalBurst)
	}
	return d
}

// Apply updates dispatcher-wide defaults live. Running loops pick the new
// values up on their next iteration.
func (d *Dispatcher) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	d.mu.Lock()
	d.cfg = cfg
	if cfg.GlobalRatePerSec > 0 {
		if d.pacer == nil {
			d.pacer = rate.NewLimiter(rate.Limit(cfg.GlobalRatePerSec), cfg.GlobalBurst)
		} else {
			d.pacer.SetLimit(rate.Limit(cfg.GlobalRatePerSec))
			d.pacer.SetBurst(cfg.GlobalBurst)
		}
	} else {
		d.pacer = nil
	}
	d.mu.Unlock()
}

// Start prepares the dispatcher to host campaign loops. Idempotent.
func (d *Dispatcher) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return
	}
	d.running = true
	d.loopCtx = ctx
	d.sup = rtsup.New(ctx,
		rtsup.WithLogger(d.log.With(logx.String("comp", "dispatcher"))),
		rtsup.WithCancelOnError(false),
	)
	d.log.Info("dispatcher started")
}

// Stop freezes every loop. Running campaigns keep their position; a later
// Start + Resume continues them.
func (d *Dispatcher) Stop(ctx context.Context) {
	d.mu.Lock()
	sup := d.sup
	d.sup = nil
	wasRunning := d.running
	d.running = false
	cancels := d.cancels
	d.cancels = map[string]context.CancelFunc{}
	for _, rs := range d.runs {
		if rs.status == StatusRunning {
			rs.status = StatusPaused
		}
	}
	d.mu.Unlock()

	if !wasRunning {
		return
	}
	for _, cancel := range cancels {
		cancel()
	}
	if sup != nil {
		sup.Cancel()
		_ = sup.Wait(ctx)
	}
	d.log.Info("dispatcher stopped")
}

// Add registers a campaign without starting it. An empty ID gets a generated
// one; the assigned ID is returned. The recipient list arrives ordered,
// deduplicated and pre-filtered.
func (d *Dispatcher) Add(c Campaign) (string, error) {
	if err := c.Policy.Validate(); err != nil {
		return "", fmt.Errorf("campaign policy: %w", err)
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.runs[c.ID]; exists {
		return "", ErrDuplicateCampaign
	}
	d.runs[c.ID] = newRunState(c, d.rng.Int63())
	d.log.Info("campaign registered",
		logx.String("campaign", c.ID),
		logx.Int("recipients", len(c.Recipients)))
	return c.ID, nil
}

// Launch moves a Draft or Scheduled campaign to Running and starts its loop.
func (d *Dispatcher) Launch(id string) error {
	d.mu.Lock()
	rs, ok := d.runs[id]
	if !ok {
		d.mu.Unlock()
		return ErrUnknownCampaign
	}
	if rs.status != StatusDraft && rs.status != StatusScheduled {
		d.mu.Unlock()
		return ErrNotLaunchable
	}
	rs.status = StatusRunning
	if rs.startedAt.IsZero() {
		rs.startedAt = d.now()
	}
	d.spawnLocked(id, rs)
	ev := rs.busEvent()
	d.mu.Unlock()

	d.publish(EventStarted, ev)
	d.log.Info("campaign launched", logx.String("campaign", id))
	return nil
}

// Pause freezes a running campaign without losing its position. Takes effect
// before the next send call; a send already in flight settles its outcome.
func (d *Dispatcher) Pause(id string) error {
	d.mu.Lock()
	rs, ok := d.runs[id]
	if !ok {
		d.mu.Unlock()
		return ErrUnknownCampaign
	}
	if rs.status != StatusRunning {
		d.mu.Unlock()
		return ErrNotRunning
	}
	rs.status = StatusPaused
	cancel := d.cancels[id]
	delete(d.cancels, id)
	ev := rs.busEvent()
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	d.publish(EventPaused, ev)
	d.log.Info("campaign paused", logx.String("campaign", id))
	return nil
}

// Resume continues a paused campaign from the first recipient without a
// terminal outcome. Delays and business hours are re-evaluated from the
// current instant; elapsed delays are not replayed. A shuffled order is the
// one fixed at start, never a fresh shuffle.
func (d *Dispatcher) Resume(id string) error {
	d.mu.Lock()
	rs, ok := d.runs[id]
	if !ok {
		d.mu.Unlock()
		return ErrUnknownCampaign
	}
	if rs.status != StatusPaused {
		d.mu.Unlock()
		return ErrNotPaused
	}
	rs.status = StatusRunning
	d.spawnLocked(id, rs)
	ev := rs.busEvent()
	d.mu.Unlock()

	d.publish(EventResumed, ev)
	d.log.Info("campaign resumed", logx.String("campaign", id))
	return nil
}

// Cancel ends a campaign before completion. Guaranteed to take effect before
// the loop's next send call.
func (d *Dispatcher) Cancel(id string) error {
	d.mu.Lock()
	rs, ok := d.runs[id]
	if !ok {
		d.mu.Unlock()
		return ErrUnknownCampaign
	}
	switch rs.status {
	case StatusCompleted, StatusCancelled, StatusFailed:
		d.mu.Unlock()
		return ErrFinished
	}
	rs.status = StatusCancelled
	rs.finishedAt = d.now()
	cancel := d.cancels[id]
	delete(d.cancels, id)
	ev := rs.busEvent()
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	d.publish(EventCancelled, ev)
	d.log.Info("campaign cancelled", logx.String("campaign", id))
	return nil
}

// Progress returns a read-only run snapshot for one campaign.
func (d *Dispatcher) Progress(id string) (RunState, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rs, ok := d.runs[id]
	if !ok {
		return RunState{}, false
	}
	return rs.snapshot(), true
}

// Snapshot returns run snapshots for every registered campaign.
func (d *Dispatcher) Snapshot() []RunState {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]RunState, 0, len(d.runs))
	for _, rs := range d.runs {
		out = append(out, rs.snapshot())
	}
	return out
}

// markFailed flags a campaign the launcher could not arm.
func (d *Dispatcher) markFailed(id, reason string) {
	d.mu.Lock()
	rs, ok := d.runs[id]
	if !ok {
		d.mu.Unlock()
		return
	}
	rs.status = StatusFailed
	rs.finishedAt = d.now()
	ev := rs.busEvent(func(e *BusEvent) { e.Reason = reason })
	d.mu.Unlock()

	d.publish(EventFailed, ev)
	d.log.Error("campaign failed", logx.String("campaign", id), logx.String("reason", reason))
}

// spawnLocked starts the campaign's loop goroutine. Caller holds d.mu.
func (d *Dispatcher) spawnLocked(id string, rs *runState) {
	cctx, cancel := context.WithCancel(d.loopCtx)
	d.cancels[id] = cancel

	seed := rs.seed
	run := func(context.Context) { d.runLoop(cctx, id, seed) }
	if d.sup == nil {
		go run(cctx)
		return
	}
	d.sup.Go0("campaign."+id, run)
}

func (d *Dispatcher) publish(typ string, data BusEvent) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(eventbus.Event{Type: typ, Data: data})
}

func sleepCtx(ctx context.Context, dur time.Duration) error {
	if dur <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
