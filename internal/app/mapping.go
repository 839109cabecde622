package app

import (
	"fmt"
	"strings"
	"time"

	"sendfleet/internal/campaign"
	"sendfleet/internal/channel"
	"sendfleet/internal/config"
	debugsrv "sendfleet/internal/observability/debug"
	"sendfleet/internal/storage"
	"sendfleet/internal/transport"
	telegram "sendfleet/internal/transport/telegram"
)

// The mapping layer turns the string-heavy on-disk config into typed domain
// configs, validating durations along the way. Every map function is also a
// validator: the config watcher calls them before committing a reload.

func mapTelegramConfig(cfg *config.Config) (telegram.Config, error) {
	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	artifactTTL, err := config.ParseDurationOrDefault("telegram.artifact_ttl", cfg.Telegram.ArtifactTTL, 45*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		Accounts:    cfg.Telegram.Accounts,
		PollTimeout: pollTimeout,
		ArtifactTTL: artifactTTL,
	}, nil
}

func mapPoolConfig(cfg *config.Config) (channel.Config, error) {
	window, err := config.ParseDurationField("pool.window_length", cfg.Pool.WindowLength)
	if err != nil {
		return channel.Config{}, err
	}
	cooldown, err := config.ParseDurationField("pool.default_cooldown", cfg.Pool.DefaultCooldown)
	if err != nil {
		return channel.Config{}, err
	}
	backoffBase, err := config.ParseDurationField("pool.pairing_backoff_base", cfg.Pool.PairingBackoffBase)
	if err != nil {
		return channel.Config{}, err
	}
	backoffMax, err := config.ParseDurationField("pool.pairing_backoff_max", cfg.Pool.PairingBackoffMax)
	if err != nil {
		return channel.Config{}, err
	}
	return channel.Config{
		WindowLength:       window,
		DefaultCapacity:    cfg.Pool.DefaultCapacity,
		MaxPairingAttempts: cfg.Pool.MaxPairingAttempts,
		DefaultCooldown:    cooldown,
		ReconnectBudget:    cfg.Pool.ReconnectBudget,
		PairingBackoff: channel.BackoffPolicy{
			Base: backoffBase,
			Max:  backoffMax,
		},
	}, nil
}

func mapDispatcherConfig(cfg *config.Config) (campaign.Config, error) {
	sendTimeout, err := config.ParseDurationField("dispatcher.send_timeout", cfg.Dispatcher.SendTimeout)
	if err != nil {
		return campaign.Config{}, err
	}
	backoffBase, err := config.ParseDurationField("dispatcher.no_channel_backoff_base", cfg.Dispatcher.NoChannelBackoffBase)
	if err != nil {
		return campaign.Config{}, err
	}
	backoffMax, err := config.ParseDurationField("dispatcher.no_channel_backoff_max", cfg.Dispatcher.NoChannelBackoffMax)
	if err != nil {
		return campaign.Config{}, err
	}
	if cfg.Dispatcher.GlobalRatePerSec < 0 {
		return campaign.Config{}, fmt.Errorf("dispatcher.global_rate_per_sec must be >= 0")
	}
	return campaign.Config{
		SendTimeout:             sendTimeout,
		MaxAttemptsPerRecipient: cfg.Dispatcher.MaxAttemptsPerRecipient,
		NoChannelBackoff: channel.BackoffPolicy{
			Base: backoffBase,
			Max:  backoffMax,
		},
		GlobalRatePerSec: cfg.Dispatcher.GlobalRatePerSec,
		GlobalBurst:      cfg.Dispatcher.GlobalBurst,
	}, nil
}

// mapStorageConfig returns (cfg, enabled, err).
func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, false, err
	}
	return storage.Config{
		Driver:      driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}, true, nil
}

func mapDebugConfig(cfg *config.Config) debugsrv.Config {
	if cfg.Debug == nil {
		return debugsrv.Config{}
	}
	return debugsrv.Config{
		Enabled:       cfg.Debug.Enabled,
		Addr:          cfg.Debug.Addr,
		Token:         cfg.Debug.Token,
		AllowInsecure: cfg.Debug.AllowInsecure,
	}
}

func mapChannels(cfg *config.Config) ([]channel.ChannelConfig, error) {
	seen := map[string]bool{}
	out := make([]channel.ChannelConfig, 0, len(cfg.Channels))
	for i, cc := range cfg.Channels {
		id := strings.TrimSpace(cc.ID)
		if id == "" {
			return nil, fmt.Errorf("channels[%d].id is required", i)
		}
		if seen[id] {
			return nil, fmt.Errorf("channels[%d]: duplicate id %q", i, id)
		}
		seen[id] = true
		if _, ok := cfg.Telegram.Accounts[id]; !ok {
			return nil, fmt.Errorf("channels[%d]: no telegram account for %q", i, id)
		}
		out = append(out, channel.ChannelConfig{
			ID:                 id,
			Capacity:           cc.Capacity,
			MaxPairingAttempts: cc.MaxPairingAttempts,
		})
	}
	return out, nil
}

func mapCampaign(cc config.CampaignConfig, idx int) (campaign.Campaign, error) {
	path := fmt.Sprintf("campaigns[%d]", idx)
	if strings.TrimSpace(cc.Message) == "" {
		return campaign.Campaign{}, fmt.Errorf("%s.message is required", path)
	}
	if len(cc.Recipients) == 0 {
		return campaign.Campaign{}, fmt.Errorf("%s.recipients must not be empty", path)
	}

	pol, err := mapPolicy(cc.Policy, path+".policy")
	if err != nil {
		return campaign.Campaign{}, err
	}

	recs := make([]transport.Recipient, 0, len(cc.Recipients))
	for i, r := range cc.Recipients {
		if strings.TrimSpace(r.Key) == "" || strings.TrimSpace(r.Address) == "" {
			return campaign.Campaign{}, fmt.Errorf("%s.recipients[%d]: key and address are required", path, i)
		}
		recs = append(recs, transport.Recipient{Key: r.Key, Address: r.Address})
	}

	return campaign.Campaign{
		ID:         cc.ID,
		Name:       cc.Name,
		Message:    transport.Message{Text: cc.Message},
		Recipients: recs,
		Policy:     pol,
		StartSpec:  cc.StartSpec,
	}, nil
}

func mapPolicy(pc config.PolicyConfig, path string) (campaign.Policy, error) {
	fixed, err := config.ParseDurationField(path+".fixed_delay", pc.FixedDelay)
	if err != nil {
		return campaign.Policy{}, err
	}
	rmin, err := config.ParseDurationField(path+".random_delay_min", pc.RandomDelayMin)
	if err != nil {
		return campaign.Policy{}, err
	}
	rmax, err := config.ParseDurationField(path+".random_delay_max", pc.RandomDelayMax)
	if err != nil {
		return campaign.Policy{}, err
	}
	switchCooldown, err := config.ParseDurationField(path+".switch_cooldown", pc.SwitchCooldown)
	if err != nil {
		return campaign.Policy{}, err
	}
	typing, err := config.ParseDurationField(path+".typing_delay", pc.TypingDelay)
	if err != nil {
		return campaign.Policy{}, err
	}

	rotation := channel.Sequential
	if strings.TrimSpace(pc.Rotation) != "" {
		rotation, err = channel.ParseStrategy(pc.Rotation)
		if err != nil {
			return campaign.Policy{}, fmt.Errorf("%s.rotation: %w", path, err)
		}
	}

	pol := campaign.Policy{
		AntiBlockingEnabled:       pc.AntiBlocking,
		FixedDelay:                fixed,
		RandomDelayMin:            rmin,
		RandomDelayMax:            rmax,
		Rotation:                  rotation,
		MessagesPerChannelPerHour: pc.MessagesPerHour,
		ChannelSwitchCooldown:     switchCooldown,
		SimulateTypingDelay:       pc.SimulateTyping,
		TypingDelay:               typing,
		RandomizeRecipientOrder:   pc.RandomizeOrder,
		SkipWeekends:              pc.SkipWeekends,
		MaxAttemptsPerRecipient:   pc.MaxAttempts,
	}
	if pc.BusinessHours != nil {
		pol.BusinessHours = &campaign.HoursWindow{
			Start: pc.BusinessHours.Start,
			End:   pc.BusinessHours.End,
		}
	}
	if err := pol.Validate(); err != nil {
		return campaign.Policy{}, fmt.Errorf("%s: %w", path, err)
	}
	return pol, nil
}
