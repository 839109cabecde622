package channel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"sendfleet/internal/transport"
	logx "sendfleet/pkg/logx"
)

func testLogger() logx.Logger { return logx.Nop() }

type fakeTransport struct {
	mu       sync.Mutex
	events   chan transport.ChannelEvent
	ttl      time.Duration
	begun    []string
	beginErr error
}

func newFakeTransport(ttl time.Duration) *fakeTransport {
	return &fakeTransport{
		events: make(chan transport.ChannelEvent, 16),
		ttl:    ttl,
	}
}

func (f *fakeTransport) BeginPairing(ctx context.Context, channelID string) (transport.PairingArtifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.beginErr != nil {
		return transport.PairingArtifact{}, f.beginErr
	}
	f.begun = append(f.begun, channelID)
	return transport.PairingArtifact{
		ChannelID: channelID,
		Data:      "qr-" + channelID,
		ExpiresAt: time.Now().Add(f.ttl),
	}, nil
}

func (f *fakeTransport) Events() <-chan transport.ChannelEvent { return f.events }

func (f *fakeTransport) beginCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.begun)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// connect fakes a completed handshake without running the pairing loop.
func connect(t *testing.T, p *Pool, id, identity string) {
	t.Helper()
	p.handleEvent(transport.ChannelEvent{
		ChannelID: id,
		Kind:      transport.EventConnected,
		Identity:  identity,
	})
	info, ok := p.Get(id)
	if !ok || info.State != StateConnected {
		t.Fatalf("channel %s not connected after event (state=%v)", id, info.State)
	}
}

func TestPairingHandshakeConnects(t *testing.T) {
	t.Parallel()
	ft := newFakeTransport(5 * time.Second)
	p := NewPool(Config{}, ft, nil, testLogger())
	if err := p.Add(ChannelConfig{ID: "ch1"}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop(context.Background())

	if err := p.Connect(ctx, "ch1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, "pairing artifact request", func() bool { return ft.beginCount() >= 1 })
	waitFor(t, "awaiting scan", func() bool {
		info, _ := p.Get("ch1")
		return info.State == StateAwaitingScan
	})

	// While awaiting the scan the current artifact is visible to operators.
	info, _ := p.Get("ch1")
	if info.PairingArtifact != "qr-ch1" {
		t.Fatalf("PairingArtifact = %q, want qr-ch1", info.PairingArtifact)
	}
	if info.ArtifactExpiresAt.IsZero() {
		t.Fatal("ArtifactExpiresAt not exposed while awaiting scan")
	}

	ft.events <- transport.ChannelEvent{ChannelID: "ch1", Kind: transport.EventConnected, Identity: "+1555000"}
	waitFor(t, "connected", func() bool {
		info, _ := p.Get("ch1")
		return info.State == StateConnected
	})

	info, _ = p.Get("ch1")
	if info.Identity != "+1555000" {
		t.Fatalf("Identity = %q, want +1555000", info.Identity)
	}
	if info.PairingAttempt != 0 {
		t.Fatalf("PairingAttempt = %d, want 0 after successful handshake", info.PairingAttempt)
	}
	if info.PairingArtifact != "" {
		t.Fatal("artifact must clear once the handshake settles")
	}
}

func TestArtifactExpiryRegeneratesUntilExhausted(t *testing.T) {
	t.Parallel()
	ft := newFakeTransport(time.Minute)
	p := NewPool(Config{MaxPairingAttempts: 2}, ft, nil, testLogger())
	if err := p.Add(ChannelConfig{ID: "ch1"}); err != nil {
		t.Fatal(err)
	}

	// Every pairing wait fires immediately, so each artifact expires the
	// moment it is issued and the loop regenerates without real sleeps.
	expired := make(chan time.Time)
	close(expired)
	p.after = func(time.Duration) (<-chan time.Time, func() bool) {
		return expired, func() bool { return false }
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop(context.Background())

	if err := p.Connect(ctx, "ch1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	// No scan event ever arrives: every expiry must regenerate (consuming an
	// attempt) until the budget is spent.
	waitFor(t, "regeneration", func() bool { return ft.beginCount() >= 2 })
	waitFor(t, "pairing exhaustion", func() bool {
		info, _ := p.Get("ch1")
		return info.TerminalError != ""
	})

	info, _ := p.Get("ch1")
	if info.State == StateAwaitingScan {
		t.Fatal("channel stuck in AwaitingScan past artifact expiry")
	}
	if info.TerminalError != ErrPairingExhausted.Error() {
		t.Fatalf("TerminalError = %q, want %q", info.TerminalError, ErrPairingExhausted)
	}
}

func TestBlockedChannelCooldown(t *testing.T) {
	t.Parallel()
	ft := newFakeTransport(time.Minute)
	p := NewPool(Config{DefaultCapacity: 10}, ft, nil, testLogger())
	if err := p.Add(ChannelConfig{ID: "ch1"}); err != nil {
		t.Fatal(err)
	}

	base := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	now := base
	p.now = func() time.Time { return now }

	connect(t, p, "ch1", "+1555000")

	p.handleEvent(transport.ChannelEvent{
		ChannelID: "ch1",
		Kind:      transport.EventBlocked,
		Cooldown:  15 * time.Minute,
	})

	info, _ := p.Get("ch1")
	if info.State != StateBlocked {
		t.Fatalf("state = %v, want Blocked", info.State)
	}
	if info.Identity != "+1555000" {
		t.Fatal("identity must survive a block")
	}
	if want := base.Add(15 * time.Minute); !info.CooldownUntil.Equal(want) {
		t.Fatalf("CooldownUntil = %v, want %v", info.CooldownUntil, want)
	}

	// Blocked channels are not selectable.
	if _, err := p.Acquire(Sequential, nil, 0); !errors.Is(err, ErrNoChannelAvailable) {
		t.Fatalf("Acquire = %v, want ErrNoChannelAvailable", err)
	}

	// Reconnecting before the deadline fails with the remaining cooldown.
	now = base.Add(5 * time.Minute)
	err := p.Connect(context.Background(), "ch1")
	var ca *CooldownActiveError
	if !errors.As(err, &ca) {
		t.Fatalf("Connect = %v, want CooldownActiveError", err)
	}
	if ca.RemainingMinutes() != 10 {
		t.Fatalf("RemainingMinutes = %d, want 10", ca.RemainingMinutes())
	}

	// After expiry the channel may pair again.
	now = base.Add(16 * time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := p.Connect(ctx, "ch1"); err != nil {
		t.Fatalf("Connect after cooldown: %v", err)
	}
}

func TestAcquireSequentialIsLeastRecentlyUsed(t *testing.T) {
	t.Parallel()
	ft := newFakeTransport(time.Minute)
	p := NewPool(Config{DefaultCapacity: 100}, ft, nil, testLogger())
	for _, id := range []string{"a", "b", "c"} {
		if err := p.Add(ChannelConfig{ID: id}); err != nil {
			t.Fatal(err)
		}
		connect(t, p, id, "+"+id)
	}

	var got []string
	for i := 0; i < 6; i++ {
		lease, err := p.Acquire(Sequential, nil, 0)
		if err != nil {
			t.Fatalf("Acquire #%d: %v", i, err)
		}
		got = append(got, lease.ChannelID)
		if err := p.ReportOutcome(lease, nil); err != nil {
			t.Fatalf("ReportOutcome: %v", err)
		}
	}
	want := []string{"a", "b", "c", "a", "b", "c"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("round-robin order = %v, want %v", got, want)
		}
	}
}

func TestAcquireLoadBalancedPicksLowestRatio(t *testing.T) {
	t.Parallel()
	ft := newFakeTransport(time.Minute)
	p := NewPool(Config{}, ft, nil, testLogger())
	if err := p.Add(ChannelConfig{ID: "big", Capacity: 100}); err != nil {
		t.Fatal(err)
	}
	if err := p.Add(ChannelConfig{ID: "small", Capacity: 10}); err != nil {
		t.Fatal(err)
	}
	connect(t, p, "big", "+big")
	connect(t, p, "small", "+small")

	// Preload "small" with 5 sends: ratio 0.5 vs 0.0.
	for i := 0; i < 5; i++ {
		p.limiter.Commit("small")
	}

	lease, err := p.Acquire(LoadBalanced, nil, 0)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if lease.ChannelID != "big" {
		t.Fatalf("picked %q, want big (lowest sent/capacity ratio)", lease.ChannelID)
	}
}

func TestAcquireExcluding(t *testing.T) {
	t.Parallel()
	ft := newFakeTransport(time.Minute)
	p := NewPool(Config{DefaultCapacity: 10}, ft, nil, testLogger())
	for _, id := range []string{"a", "b"} {
		if err := p.Add(ChannelConfig{ID: id}); err != nil {
			t.Fatal(err)
		}
		connect(t, p, id, "+"+id)
	}

	lease, err := p.Acquire(Sequential, map[string]bool{"a": true}, 0)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if lease.ChannelID != "b" {
		t.Fatalf("picked %q, want b", lease.ChannelID)
	}
}

func TestAcquireReservesBudgetAtomically(t *testing.T) {
	t.Parallel()
	ft := newFakeTransport(time.Minute)
	p := NewPool(Config{}, ft, nil, testLogger())
	if err := p.Add(ChannelConfig{ID: "ch1", Capacity: 2}); err != nil {
		t.Fatal(err)
	}
	connect(t, p, "ch1", "+1")

	// Two leases exhaust the budget even before any outcome is reported.
	if _, err := p.Acquire(Sequential, nil, 0); err != nil {
		t.Fatalf("Acquire #1: %v", err)
	}
	if _, err := p.Acquire(Sequential, nil, 0); err != nil {
		t.Fatalf("Acquire #2: %v", err)
	}
	if _, err := p.Acquire(Sequential, nil, 0); !errors.Is(err, ErrNoChannelAvailable) {
		t.Fatalf("Acquire #3 = %v, want ErrNoChannelAvailable", err)
	}
}

func TestReportOutcomeIsIdempotent(t *testing.T) {
	t.Parallel()
	ft := newFakeTransport(time.Minute)
	p := NewPool(Config{DefaultCapacity: 10}, ft, nil, testLogger())
	if err := p.Add(ChannelConfig{ID: "ch1"}); err != nil {
		t.Fatal(err)
	}
	connect(t, p, "ch1", "+1")

	lease, err := p.Acquire(Sequential, nil, 0)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := p.ReportOutcome(lease, nil); err != nil {
		t.Fatalf("first ReportOutcome: %v", err)
	}
	if err := p.ReportOutcome(lease, nil); !errors.Is(err, ErrUnknownLease) {
		t.Fatalf("second ReportOutcome = %v, want ErrUnknownLease", err)
	}

	info, _ := p.Get("ch1")
	if info.SentThisWindow != 1 {
		t.Fatalf("SentThisWindow = %d, want 1 (no double count)", info.SentThisWindow)
	}
}

func TestReportOutcomeRateLimitedExcludesChannel(t *testing.T) {
	t.Parallel()
	ft := newFakeTransport(time.Minute)
	p := NewPool(Config{DefaultCapacity: 10}, ft, nil, testLogger())
	if err := p.Add(ChannelConfig{ID: "ch1"}); err != nil {
		t.Fatal(err)
	}

	base := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	now := base
	p.now = func() time.Time { return now }
	connect(t, p, "ch1", "+1")

	lease, err := p.Acquire(Sequential, nil, 0)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := p.ReportOutcome(lease, transport.RateLimited(errors.New("429"), 10*time.Minute)); err != nil {
		t.Fatalf("ReportOutcome: %v", err)
	}

	if _, err := p.Acquire(Sequential, nil, 0); !errors.Is(err, ErrNoChannelAvailable) {
		t.Fatalf("Acquire during remote rate limit = %v, want ErrNoChannelAvailable", err)
	}
	// The failed attempt must not consume budget.
	if info, _ := p.Get("ch1"); info.SentThisWindow != 0 {
		t.Fatalf("SentThisWindow = %d, want 0", info.SentThisWindow)
	}

	now = base.Add(11 * time.Minute)
	if _, err := p.Acquire(Sequential, nil, 0); err != nil {
		t.Fatalf("Acquire after rate limit clears: %v", err)
	}
}

func TestReportOutcomeNetworkErrorDisconnects(t *testing.T) {
	t.Parallel()
	ft := newFakeTransport(time.Minute)
	p := NewPool(Config{DefaultCapacity: 10}, ft, nil, testLogger())
	if err := p.Add(ChannelConfig{ID: "ch1"}); err != nil {
		t.Fatal(err)
	}
	connect(t, p, "ch1", "+1")

	lease, err := p.Acquire(Sequential, nil, 0)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := p.ReportOutcome(lease, transport.NetworkError(errors.New("conn reset"))); err != nil {
		t.Fatalf("ReportOutcome: %v", err)
	}

	info, _ := p.Get("ch1")
	if info.State != StateDisconnected {
		t.Fatalf("state = %v, want Disconnected", info.State)
	}
}

func TestAcquireHonorsCallerHourlyCap(t *testing.T) {
	t.Parallel()

	// A channel with no capacity of its own is bounded only by the caller cap.
	ft := newFakeTransport(time.Minute)
	p := NewPool(Config{}, ft, nil, testLogger())
	if err := p.Add(ChannelConfig{ID: "open"}); err != nil {
		t.Fatal(err)
	}
	connect(t, p, "open", "+1")

	for i := 0; i < 2; i++ {
		lease, err := p.Acquire(Sequential, nil, 2)
		if err != nil {
			t.Fatalf("Acquire #%d: %v", i, err)
		}
		if err := p.ReportOutcome(lease, nil); err != nil {
			t.Fatalf("ReportOutcome: %v", err)
		}
	}
	if _, err := p.Acquire(Sequential, nil, 2); !errors.Is(err, ErrNoChannelAvailable) {
		t.Fatalf("Acquire past caller cap = %v, want ErrNoChannelAvailable", err)
	}
	// A caller without a cap still sees the channel as unlimited.
	if _, err := p.Acquire(Sequential, nil, 0); err != nil {
		t.Fatalf("Acquire without cap: %v", err)
	}

	// The tighter bound wins when the channel has its own capacity too.
	p2 := NewPool(Config{}, newFakeTransport(time.Minute), nil, testLogger())
	if err := p2.Add(ChannelConfig{ID: "big", Capacity: 100}); err != nil {
		t.Fatal(err)
	}
	connect(t, p2, "big", "+2")
	lease, err := p2.Acquire(Sequential, nil, 1)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := p2.ReportOutcome(lease, nil); err != nil {
		t.Fatalf("ReportOutcome: %v", err)
	}
	if _, err := p2.Acquire(Sequential, nil, 1); !errors.Is(err, ErrNoChannelAvailable) {
		t.Fatalf("Acquire past caller cap on capped channel = %v, want ErrNoChannelAvailable", err)
	}
}

// A disconnect while the pool is stopped spawns no reconnect loop, so it must
// not burn an attempt from the reconnect budget either.
func TestDisconnectBeforeStartKeepsReconnectBudget(t *testing.T) {
	t.Parallel()
	ft := newFakeTransport(time.Minute)
	p := NewPool(Config{DefaultCapacity: 10, ReconnectBudget: 1}, ft, nil, testLogger())
	if err := p.Add(ChannelConfig{ID: "ch1"}); err != nil {
		t.Fatal(err)
	}
	connect(t, p, "ch1", "+1")

	lease, err := p.Acquire(Sequential, nil, 0)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := p.ReportOutcome(lease, transport.NetworkError(errors.New("conn reset"))); err != nil {
		t.Fatalf("ReportOutcome: %v", err)
	}

	if info, _ := p.Get("ch1"); info.State != StateDisconnected {
		t.Fatalf("state = %v, want Disconnected", info.State)
	}
	p.mu.Lock()
	reconnects := p.channels["ch1"].reconnects
	p.mu.Unlock()
	if reconnects != 0 {
		t.Fatalf("reconnects = %d after disconnect without a pool loop, want 0", reconnects)
	}
}

func TestConnectUnknownChannel(t *testing.T) {
	t.Parallel()
	p := NewPool(Config{}, newFakeTransport(time.Minute), nil, testLogger())
	if err := p.Connect(context.Background(), "nope"); !errors.Is(err, ErrUnknownChannel) {
		t.Fatalf("Connect = %v, want ErrUnknownChannel", err)
	}
}
