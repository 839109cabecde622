package campaign

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "sendfleet/pkg/logx"
)

// oncePrefix marks a single-shot start spec: "once:" followed by an RFC 3339
// timestamp. Anything else is handed to cron as-is.
const oncePrefix = "once:"

// Launcher arms scheduled campaigns: a campaign registered with a StartSpec
// stays in Scheduled until its cron entry (or one-shot timer) fires and
// launches it. A spec that cannot be parsed fails the campaign immediately,
// instead of leaving it silently armed-but-dead.
type Launcher struct {
	mu      sync.Mutex
	cron    *cron.Cron
	d       *Dispatcher
	log     logx.Logger
	timers  map[string]*time.Timer
	started bool
}

func NewLauncher(d *Dispatcher, log logx.Logger) *Launcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Launcher{
		cron:   cron.New(),
		d:      d,
		log:    log,
		timers: map[string]*time.Timer{},
	}
}

// Register adds the campaign to the dispatcher and, when it carries a
// StartSpec, arms its launch trigger. Returns the assigned campaign ID.
func (l *Launcher) Register(c Campaign) (string, error) {
	id, err := l.d.Add(c)
	if err != nil {
		return "", err
	}
	if c.StartSpec == "" {
		return id, nil
	}
	if err := l.arm(id, c.StartSpec); err != nil {
		l.d.markFailed(id, err.Error())
		return id, err
	}
	return id, nil
}

func (l *Launcher) arm(id, spec string) error {
	if rest, ok := strings.CutPrefix(spec, oncePrefix); ok {
		at, err := time.Parse(time.RFC3339, rest)
		if err != nil {
			return fmt.Errorf("start spec %q: %w", spec, err)
		}
		delay := time.Until(at)
		if delay < 0 {
			delay = 0
		}
		l.mu.Lock()
		l.timers[id] = time.AfterFunc(delay, func() { l.fire(id) })
		l.mu.Unlock()
		return nil
	}

	_, err := l.cron.AddFunc(spec, func() { l.fire(id) })
	if err != nil {
		return fmt.Errorf("start spec %q: %w", spec, err)
	}
	return nil
}

// fire launches the campaign. A recurring cron entry whose campaign already
// ran simply finds it unlaunchable; that is not an error worth surfacing.
func (l *Launcher) fire(id string) {
	err := l.d.Launch(id)
	switch {
	case err == nil:
		l.log.Info("scheduled campaign launched", logx.String("campaign", id))
	case errors.Is(err, ErrNotLaunchable):
		l.log.Debug("scheduled trigger skipped", logx.String("campaign", id))
	default:
		l.log.Warn("scheduled launch failed", logx.String("campaign", id), logx.Err(err))
	}
}

func (l *Launcher) Start() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started {
		return
	}
	l.started = true
	l.cron.Start()
	l.log.Info("campaign launcher started")
}

func (l *Launcher) Stop() {
	l.mu.Lock()
	if !l.started {
		l.mu.Unlock()
		return
	}
	l.started = false
	timers := l.timers
	l.timers = map[string]*time.Timer{}
	l.mu.Unlock()

	for _, t := range timers {
		t.Stop()
	}
	<-l.cron.Stop().Done()
	l.log.Info("campaign launcher stopped")
}
