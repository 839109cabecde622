// Package app wires configuration, logging, storage, the transport adapter,
// the channel pool and the campaign dispatcher into one process.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"sendfleet/internal/campaign"
	"sendfleet/internal/channel"
	"sendfleet/internal/config"
	"sendfleet/internal/eventbus"
	debugsrv "sendfleet/internal/observability/debug"
	"sendfleet/internal/runtime/supervisor"
	"sendfleet/internal/storage"
	telegram "sendfleet/internal/transport/telegram"
	logx "sendfleet/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter  *telegram.Adapter
	pool     *channel.Pool
	disp     *campaign.Dispatcher
	launcher *campaign.Launcher
	debug    *debugsrv.Service
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	tcfg, err := mapTelegramConfig(cfg)
	if err != nil {
		return nil, err
	}
	adapter, err := telegram.New(tcfg, log.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	poolCfg, err := mapPoolConfig(cfg)
	if err != nil {
		return nil, err
	}
	pool := channel.NewPool(poolCfg, adapter, bus, log.With(logx.String("comp", "pool")))

	channels, err := mapChannels(cfg)
	if err != nil {
		return nil, err
	}
	for _, cc := range channels {
		if err := pool.Add(cc); err != nil {
			return nil, err
		}
	}

	dispCfg, err := mapDispatcherConfig(cfg)
	if err != nil {
		return nil, err
	}
	disp := campaign.NewDispatcher(dispCfg, pool, adapter, bus, log.With(logx.String("comp", "dispatcher")))
	launcher := campaign.NewLauncher(disp, log.With(logx.String("comp", "launcher")))

	dbg := debugsrv.New(mapDebugConfig(cfg), debugsrv.Snapshots{
		Channels:  pool.Snapshot,
		Campaigns: disp.Snapshot,
	}, log)

	return &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		adapter:  adapter,
		pool:     pool,
		disp:     disp,
		launcher: launcher,
		debug:    dbg,
	}, nil
}

func (a *App) Pool() *channel.Pool { return a.pool }

func (a *App) Dispatcher() *campaign.Dispatcher { return a.disp }

// Done is closed when the app supervisor context is canceled (fatal error or
// Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	root := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateConfig(cfg)
	})

	if err := a.adapter.Start(root); err != nil {
		return err
	}
	a.pool.Start(root)
	a.disp.Start(root)

	// Kick off pairing for every configured channel. Failures here are
	// channel-scoped; the pool retries, the operator can reconnect.
	for _, info := range a.pool.Snapshot() {
		if err := a.pool.Connect(root, info.ID); err != nil {
			a.log.Warn("channel connect failed",
				logx.String("channel", info.ID), logx.Err(err))
		}
	}

	// Register configured campaigns. A bad campaign is a startup error, not
	// something to discover mid-dispatch.
	cfg := a.cfgm.Get()
	for i, cc := range cfg.Campaigns {
		c, err := mapCampaign(cc, i)
		if err != nil {
			return err
		}
		id, err := a.launcher.Register(c)
		if err != nil {
			return fmt.Errorf("campaigns[%d]: %w", i, err)
		}
		if c.StartSpec == "" {
			if err := a.disp.Launch(id); err != nil {
				return fmt.Errorf("campaigns[%d]: %w", i, err)
			}
		}
	}
	a.launcher.Start()

	a.debug.Start(root)

	if a.store != nil {
		a.startAuditBridge()
	}
	a.startConfigReload()

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started",
		logx.Int("channels", len(cfg.Channels)),
		logx.Int("campaigns", len(cfg.Campaigns)))
	return nil
}

func (a *App) Stop(ctx context.Context) {
	a.debug.Stop(ctx)
	a.launcher.Stop()
	a.disp.Stop(ctx)
	a.pool.Stop(ctx)
	_ = a.adapter.Stop(ctx)

	if a.sup != nil {
		a.sup.Cancel()
		_ = a.sup.Wait(ctx)
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	a.log.Info("app stopped")
	_ = a.logs.Close()
}

// startAuditBridge forwards channel.* and campaign.* bus events into the
// store. Best-effort: persistence failures are logged, never propagated back
// into dispatch.
func (a *App) startAuditBridge() {
	events, unsub := a.bus.SubscribeTypes(256, "channel.", "campaign.")
	a.sup.Go0("storage.bridge", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.persistEvent(c, e)
			}
		}
	})
}

func (a *App) persistEvent(ctx context.Context, e eventbus.Event) {
	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	var err error
	switch data := e.Data.(type) {
	case channel.BusEvent:
		err = a.store.AppendChannelEvent(wctx, storage.ChannelEventEntry{
			At:        e.Time,
			ChannelID: data.ChannelID,
			Type:      e.Type,
			State:     data.State,
			Identity:  data.Identity,
			Reason:    data.Reason,
			Until:     data.Until,
		})
	case campaign.BusEvent:
		// Only per-recipient progress carries an outcome worth a row.
		if e.Type != campaign.EventProgress {
			return
		}
		err = a.store.AppendOutcome(wctx, storage.OutcomeEntry{
			At:           e.Time,
			CampaignID:   data.CampaignID,
			RecipientKey: data.RecipientKey,
			ChannelID:    data.ChannelID,
			Result:       data.Result,
			Detail:       data.Reason,
		})
	default:
		return
	}
	if err != nil {
		a.log.Warn("audit write failed", logx.String("type", e.Type), logx.Err(err))
	}
}

// startConfigReload applies hot-reloaded config: logging always, pool and
// dispatcher defaults live. Channel and campaign sets are fixed at startup;
// changes there get a restart-required warning instead of a half-applied
// state.
func (a *App) startConfigReload() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				sections, attrs := config.SummarizeConfigChange(lastApplied, newCfg)
				if len(sections) == 0 {
					a.log.Debug("config reload received, but no effective changes detected")
					continue
				}
				fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
				a.log.Info("config reloaded", fields...)
				lastApplied = newCfg

				a.logs.Apply(logx.Config{
					Level:   newCfg.Logging.Level,
					Console: newCfg.Logging.Console,
					File: logx.FileConfig{
						Enabled: newCfg.Logging.File.Enabled,
						Path:    newCfg.Logging.File.Path,
					},
				})

				if poolCfg, err := mapPoolConfig(newCfg); err == nil {
					a.pool.Apply(poolCfg)
				}
				if dispCfg, err := mapDispatcherConfig(newCfg); err == nil {
					a.disp.Apply(dispCfg)
				}
				a.debug.Reconfigure(c, mapDebugConfig(newCfg))

				for _, s := range sections {
					switch s {
					case "storage", "telegram", "channels", "campaigns":
						a.log.Warn("config section requires restart to take effect",
							logx.String("section", s))
					}
				}
			}
		}
	})
}

// validateConfig runs every mapping as a validator so a bad reload is
// rejected before commit.
func validateConfig(cfg *config.Config) error {
	if _, err := mapTelegramConfig(cfg); err != nil {
		return err
	}
	if _, err := mapPoolConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDispatcherConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapChannels(cfg); err != nil {
		return err
	}
	for i, cc := range cfg.Campaigns {
		if _, err := mapCampaign(cc, i); err != nil {
			return err
		}
	}
	return nil
}
