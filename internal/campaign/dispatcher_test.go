package campaign

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"sendfleet/internal/channel"
	"sendfleet/internal/transport"
	logx "sendfleet/pkg/logx"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{t: t} }

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type stubPairing struct {
	events chan transport.ChannelEvent
}

func newStubPairing() *stubPairing {
	return &stubPairing{events: make(chan transport.ChannelEvent, 16)}
}

func (s *stubPairing) BeginPairing(_ context.Context, channelID string) (transport.PairingArtifact, error) {
	return transport.PairingArtifact{ChannelID: channelID, ExpiresAt: time.Now().Add(time.Minute)}, nil
}

func (s *stubPairing) Events() <-chan transport.ChannelEvent { return s.events }

type sendCall struct {
	ChannelID    string
	RecipientKey string
	At           time.Time
}

// fakeSender records every send and lets a test inject failures per call.
type fakeSender struct {
	mu    sync.Mutex
	calls []sendCall
	clock *fakeClock
	// fail decides the outcome of one call; nil means success.
	fail func(call int, channelID string, r transport.Recipient) error
	// onSend runs after recording, outside the sender lock.
	onSend func(call int)
}

func (f *fakeSender) Send(_ context.Context, channelID string, r transport.Recipient, _ transport.Message) (transport.Ack, error) {
	f.mu.Lock()
	n := len(f.calls)
	var at time.Time
	if f.clock != nil {
		at = f.clock.now()
	}
	f.calls = append(f.calls, sendCall{ChannelID: channelID, RecipientKey: r.Key, At: at})
	fail := f.fail
	onSend := f.onSend
	f.mu.Unlock()

	if onSend != nil {
		onSend(n)
	}
	if fail != nil {
		if err := fail(n, channelID, r); err != nil {
			return transport.Ack{}, err
		}
	}
	return transport.Ack{MessageID: fmt.Sprintf("m%d", n)}, nil
}

func (f *fakeSender) recorded() []sendCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sendCall, len(f.calls))
	copy(out, f.calls)
	return out
}

type harness struct {
	clock  *fakeClock
	pool   *channel.Pool
	stub   *stubPairing
	sender *fakeSender
	d      *Dispatcher
}

// newHarness builds a dispatcher over a pool of already-connected channels,
// with a shared fake clock: every wait advances the clock instead of
// sleeping.
func newHarness(t *testing.T, start time.Time, cfg Config, chans ...channel.ChannelConfig) *harness {
	t.Helper()
	clock := newFakeClock(start)
	stub := newStubPairing()
	pool := channel.NewPool(channel.Config{}, stub, nil, logx.Nop())
	pool.SetClock(clock.now)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	pool.Start(ctx)
	t.Cleanup(func() { pool.Stop(context.Background()) })

	for _, cc := range chans {
		if err := pool.Add(cc); err != nil {
			t.Fatal(err)
		}
		stub.events <- transport.ChannelEvent{
			ChannelID: cc.ID,
			Kind:      transport.EventConnected,
			Identity:  "+" + cc.ID,
		}
	}
	for _, cc := range chans {
		id := cc.ID
		waitForCond(t, "channel "+id+" connected", func() bool {
			info, ok := pool.Get(id)
			return ok && info.State == channel.StateConnected
		})
	}

	sender := &fakeSender{clock: clock}
	d := NewDispatcher(cfg, pool, sender, nil, logx.Nop())
	d.now = clock.now
	d.wait = func(c context.Context, dur time.Duration) error {
		if err := c.Err(); err != nil {
			return err
		}
		clock.advance(dur)
		return c.Err()
	}
	d.Start(ctx)
	t.Cleanup(func() { d.Stop(context.Background()) })

	return &harness{clock: clock, pool: pool, stub: stub, sender: sender, d: d}
}

func waitForCond(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func recipients(n int) []transport.Recipient {
	out := make([]transport.Recipient, n)
	for i := range out {
		out[i] = transport.Recipient{
			Key:     fmt.Sprintf("r%02d", i),
			Address: fmt.Sprintf("100%02d", i),
		}
	}
	return out
}

func (h *harness) waitStatus(t *testing.T, id string, want Status) RunState {
	t.Helper()
	var last RunState
	waitForCond(t, "campaign status "+want.String(), func() bool {
		rs, ok := h.d.Progress(id)
		if !ok {
			return false
		}
		last = rs
		return rs.Status == want
	})
	return last
}

// Single channel capped at 20/hour, 25 recipients, no delays: the first 20 go
// out inside the window, the rest wait for the rollover, and the campaign
// still completes with all 25 sent.
func TestCampaignRollsOverRateWindow(t *testing.T) {
	t.Parallel()
	start := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC) // Monday
	h := newHarness(t, start, Config{}, channel.ChannelConfig{ID: "c1", Capacity: 20})

	id, err := h.d.Add(Campaign{
		Message:    transport.Message{Text: "hello"},
		Recipients: recipients(25),
		Policy:     Policy{Rotation: channel.Sequential},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := h.d.Launch(id); err != nil {
		t.Fatal(err)
	}

	rs := h.waitStatus(t, id, StatusCompleted)
	if rs.MessagesSent != 25 {
		t.Fatalf("MessagesSent = %d, want 25", rs.MessagesSent)
	}
	if rs.Skipped != 0 {
		t.Fatalf("Skipped = %d, want 0", rs.Skipped)
	}
	if rs.ProgressPercent != 100 {
		t.Fatalf("ProgressPercent = %v, want 100", rs.ProgressPercent)
	}

	calls := h.sender.recorded()
	if len(calls) != 25 {
		t.Fatalf("send calls = %d, want 25", len(calls))
	}
	windowEnd := start.Add(time.Hour)
	inFirst := 0
	for _, c := range calls {
		if c.At.Before(windowEnd) {
			inFirst++
		}
	}
	if inFirst != 20 {
		t.Fatalf("sends inside first window = %d, want exactly 20", inFirst)
	}
	var stalled bool
	for _, o := range rs.Outcomes {
		if o.Result == ResultChannelUnavailable {
			stalled = true
		}
	}
	if !stalled {
		t.Fatal("expected a channel_unavailable outcome while the window was saturated")
	}
}

// The policy's hourly cap bounds a channel even when the channel itself has no
// configured capacity: only the cap goes out inside the first window, the rest
// roll over.
func TestPolicyHourlyCapLimitsThroughput(t *testing.T) {
	t.Parallel()
	start := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	h := newHarness(t, start, Config{}, channel.ChannelConfig{ID: "c1"})

	id, err := h.d.Add(Campaign{
		Message:    transport.Message{Text: "hello"},
		Recipients: recipients(5),
		Policy:     Policy{MessagesPerChannelPerHour: 2},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := h.d.Launch(id); err != nil {
		t.Fatal(err)
	}

	rs := h.waitStatus(t, id, StatusCompleted)
	if rs.MessagesSent != 5 {
		t.Fatalf("MessagesSent = %d, want 5", rs.MessagesSent)
	}
	windowEnd := start.Add(time.Hour)
	inFirst := 0
	for _, c := range h.sender.recorded() {
		if c.At.Before(windowEnd) {
			inFirst++
		}
	}
	if inFirst != 2 {
		t.Fatalf("sends inside first window = %d, want exactly 2 (policy cap)", inFirst)
	}
}

// Two idle channels of capacity 10 under LoadBalanced: a 20-recipient campaign
// sends exactly 10 through each.
func TestLoadBalancedSplitsEvenly(t *testing.T) {
	t.Parallel()
	start := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	h := newHarness(t, start, Config{},
		channel.ChannelConfig{ID: "a", Capacity: 10},
		channel.ChannelConfig{ID: "b", Capacity: 10},
	)

	id, err := h.d.Add(Campaign{
		Message:    transport.Message{Text: "hello"},
		Recipients: recipients(20),
		Policy:     Policy{Rotation: channel.LoadBalanced},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := h.d.Launch(id); err != nil {
		t.Fatal(err)
	}
	h.waitStatus(t, id, StatusCompleted)

	byChannel := map[string]int{}
	for _, c := range h.sender.recorded() {
		byChannel[c.ChannelID]++
	}
	if byChannel["a"] != 10 || byChannel["b"] != 10 {
		t.Fatalf("per-channel sends = %v, want 10 each", byChannel)
	}
}

func TestRecipientsAttemptedInInputOrder(t *testing.T) {
	t.Parallel()
	start := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	h := newHarness(t, start, Config{}, channel.ChannelConfig{ID: "c1", Capacity: 100})

	recs := recipients(8)
	id, err := h.d.Add(Campaign{
		Message:    transport.Message{Text: "hi"},
		Recipients: recs,
		Policy:     Policy{},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := h.d.Launch(id); err != nil {
		t.Fatal(err)
	}
	h.waitStatus(t, id, StatusCompleted)

	calls := h.sender.recorded()
	if len(calls) != len(recs) {
		t.Fatalf("send calls = %d, want %d", len(calls), len(recs))
	}
	for i, c := range calls {
		if c.RecipientKey != recs[i].Key {
			t.Fatalf("call %d went to %s, want %s (input order)", i, c.RecipientKey, recs[i].Key)
		}
	}
}

// A shuffled campaign fixes its order at start: pausing and resuming continues
// the same permutation, never a fresh shuffle.
func TestShuffleOrderSurvivesPauseResume(t *testing.T) {
	t.Parallel()
	start := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	h := newHarness(t, start, Config{}, channel.ChannelConfig{ID: "c1", Capacity: 100})

	recs := recipients(10)
	c := Campaign{
		Message:    transport.Message{Text: "hi"},
		Recipients: recs,
		Policy:     Policy{RandomizeRecipientOrder: true},
	}
	id, err := h.d.Add(c)
	if err != nil {
		t.Fatal(err)
	}

	var pauseOnce sync.Once
	h.sender.onSend = func(call int) {
		if call == 3 {
			pauseOnce.Do(func() {
				if err := h.d.Pause(id); err != nil {
					t.Errorf("Pause: %v", err)
				}
			})
		}
	}

	if err := h.d.Launch(id); err != nil {
		t.Fatal(err)
	}
	h.waitStatus(t, id, StatusPaused)
	prefix := h.sender.recorded()
	if len(prefix) < 4 {
		t.Fatalf("sends before pause = %d, want >= 4", len(prefix))
	}

	if err := h.d.Resume(id); err != nil {
		t.Fatal(err)
	}
	rs := h.waitStatus(t, id, StatusCompleted)
	if rs.MessagesSent != 10 {
		t.Fatalf("MessagesSent = %d, want 10", rs.MessagesSent)
	}

	calls := h.sender.recorded()
	seen := map[string]int{}
	for _, call := range calls {
		seen[call.RecipientKey]++
	}
	for _, r := range recs {
		if seen[r.Key] != 1 {
			t.Fatalf("recipient %s attempted %d times, want exactly 1", r.Key, seen[r.Key])
		}
	}
	for i, p := range prefix {
		if calls[i] != p {
			t.Fatalf("resume changed the dispatch order at position %d: %v vs %v", i, calls[i], p)
		}
	}
	inInputOrder := true
	for i, call := range calls {
		if call.RecipientKey != recs[i].Key {
			inInputOrder = false
			break
		}
	}
	if inInputOrder {
		t.Fatal("randomized order matched the input order exactly")
	}
}

func TestRecipientInvalidSkipsImmediately(t *testing.T) {
	t.Parallel()
	start := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	h := newHarness(t, start, Config{}, channel.ChannelConfig{ID: "c1", Capacity: 100})

	h.sender.fail = func(_ int, _ string, r transport.Recipient) error {
		if r.Key == "r02" {
			return transport.RecipientInvalid(errors.New("chat not found"))
		}
		return nil
	}

	id, err := h.d.Add(Campaign{
		Message:    transport.Message{Text: "hi"},
		Recipients: recipients(5),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := h.d.Launch(id); err != nil {
		t.Fatal(err)
	}
	rs := h.waitStatus(t, id, StatusCompleted)

	if rs.MessagesSent != 4 || rs.Skipped != 1 {
		t.Fatalf("sent/skipped = %d/%d, want 4/1", rs.MessagesSent, rs.Skipped)
	}
	attempts := 0
	for _, c := range h.sender.recorded() {
		if c.RecipientKey == "r02" {
			attempts++
		}
	}
	if attempts != 1 {
		t.Fatalf("invalid recipient attempted %d times, want 1 (no retries)", attempts)
	}
}

func TestTransportErrorRetriesThenSkips(t *testing.T) {
	t.Parallel()
	start := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	h := newHarness(t, start, Config{MaxAttemptsPerRecipient: 3},
		channel.ChannelConfig{ID: "c1", Capacity: 100},
		channel.ChannelConfig{ID: "c2", Capacity: 100},
	)

	h.sender.fail = func(_ int, _ string, r transport.Recipient) error {
		if r.Key == "r01" {
			return transport.NetworkError(errors.New("conn reset"))
		}
		return nil
	}

	id, err := h.d.Add(Campaign{
		Message:    transport.Message{Text: "hi"},
		Recipients: recipients(4),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := h.d.Launch(id); err != nil {
		t.Fatal(err)
	}
	rs := h.waitStatus(t, id, StatusCompleted)

	if rs.MessagesSent != 3 || rs.Skipped != 1 {
		t.Fatalf("sent/skipped = %d/%d, want 3/1", rs.MessagesSent, rs.Skipped)
	}
	attempts := 0
	for _, c := range h.sender.recorded() {
		if c.RecipientKey == "r01" {
			attempts++
		}
	}
	if attempts != 3 {
		t.Fatalf("failing recipient attempted %d times, want 3", attempts)
	}
}

func TestRemoteRateLimitRetriesAfterWindow(t *testing.T) {
	t.Parallel()
	start := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	h := newHarness(t, start, Config{}, channel.ChannelConfig{ID: "c1", Capacity: 100})

	h.sender.fail = func(call int, _ string, _ transport.Recipient) error {
		if call == 0 {
			return transport.RateLimited(errors.New("flood wait"), 5*time.Minute)
		}
		return nil
	}

	id, err := h.d.Add(Campaign{
		Message:    transport.Message{Text: "hi"},
		Recipients: recipients(2),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := h.d.Launch(id); err != nil {
		t.Fatal(err)
	}
	rs := h.waitStatus(t, id, StatusCompleted)

	if rs.MessagesSent != 2 {
		t.Fatalf("MessagesSent = %d, want 2 (rate-limited attempt retried)", rs.MessagesSent)
	}
	var sawRateLimited bool
	for _, o := range rs.Outcomes {
		if o.Result == ResultRateLimited {
			sawRateLimited = true
		}
	}
	if !sawRateLimited {
		t.Fatal("expected a rate_limited outcome in the history")
	}
	if h.clock.now().Sub(start) < 5*time.Minute {
		t.Fatalf("clock advanced %v, want >= the 5m retry-after", h.clock.now().Sub(start))
	}
}

func TestCancelStopsBeforeNextSend(t *testing.T) {
	t.Parallel()
	start := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	h := newHarness(t, start, Config{}, channel.ChannelConfig{ID: "c1", Capacity: 100})

	var cancelOnce sync.Once
	id := ""
	h.sender.onSend = func(call int) {
		if call == 2 {
			cancelOnce.Do(func() {
				if err := h.d.Cancel(id); err != nil {
					t.Errorf("Cancel: %v", err)
				}
			})
		}
	}

	var err error
	id, err = h.d.Add(Campaign{
		Message:    transport.Message{Text: "hi"},
		Recipients: recipients(10),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := h.d.Launch(id); err != nil {
		t.Fatal(err)
	}
	rs := h.waitStatus(t, id, StatusCancelled)

	if rs.MessagesSent > 3 {
		t.Fatalf("MessagesSent = %d after cancel at call 2, want <= 3", rs.MessagesSent)
	}
	if err := h.d.Cancel(id); !errors.Is(err, ErrFinished) {
		t.Fatalf("second Cancel = %v, want ErrFinished", err)
	}
}

func TestBusinessHoursDeferSends(t *testing.T) {
	t.Parallel()
	// Friday 18:30 with 09:00-17:00 hours and weekends skipped: everything
	// lands Monday from 09:00.
	start := time.Date(2025, 6, 6, 18, 30, 0, 0, time.UTC)
	h := newHarness(t, start, Config{}, channel.ChannelConfig{ID: "c1", Capacity: 100})

	id, err := h.d.Add(Campaign{
		Message:    transport.Message{Text: "hi"},
		Recipients: recipients(3),
		Policy: Policy{
			BusinessHours: &HoursWindow{Start: "09:00", End: "17:00"},
			SkipWeekends:  true,
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := h.d.Launch(id); err != nil {
		t.Fatal(err)
	}
	h.waitStatus(t, id, StatusCompleted)

	monday := time.Date(2025, 6, 9, 9, 0, 0, 0, time.UTC)
	for i, c := range h.sender.recorded() {
		if c.At.Before(monday) {
			t.Fatalf("send %d at %v, want no earlier than %v", i, c.At, monday)
		}
		if wd := c.At.Weekday(); wd == time.Saturday || wd == time.Sunday {
			t.Fatalf("send %d on a weekend (%v)", i, c.At)
		}
		if hm := c.At.Hour()*60 + c.At.Minute(); hm < 9*60 || hm >= 17*60 {
			t.Fatalf("send %d outside business hours at %v", i, c.At)
		}
	}
}

func TestChannelSwitchCooldown(t *testing.T) {
	t.Parallel()
	start := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	h := newHarness(t, start, Config{},
		channel.ChannelConfig{ID: "a", Capacity: 100},
		channel.ChannelConfig{ID: "b", Capacity: 100},
	)

	id, err := h.d.Add(Campaign{
		Message:    transport.Message{Text: "hi"},
		Recipients: recipients(4),
		Policy: Policy{
			AntiBlockingEnabled:   true,
			Rotation:              channel.Sequential,
			ChannelSwitchCooldown: 30 * time.Second,
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := h.d.Launch(id); err != nil {
		t.Fatal(err)
	}
	h.waitStatus(t, id, StatusCompleted)

	calls := h.sender.recorded()
	for i := 1; i < len(calls); i++ {
		if calls[i].ChannelID != calls[i-1].ChannelID {
			if gap := calls[i].At.Sub(calls[i-1].At); gap < 30*time.Second {
				t.Fatalf("channel switch after %v, want >= 30s cooldown", gap)
			}
		}
	}
}

func TestAddRejectsInvalidPolicy(t *testing.T) {
	t.Parallel()
	d := NewDispatcher(Config{}, nil, nil, nil, logx.Nop())
	_, err := d.Add(Campaign{
		Recipients: recipients(1),
		Policy: Policy{
			FixedDelay:     time.Second,
			RandomDelayMin: time.Second,
			RandomDelayMax: 2 * time.Second,
		},
	})
	if err == nil {
		t.Fatal("Add accepted a policy with both delay modes set")
	}
}
