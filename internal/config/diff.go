package config

import (
	"reflect"
	"strings"

	logx "sendfleet/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections and
// (2) safe structured attrs for logging. Bot tokens never appear in attrs.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
		)
	}

	// Telegram: token values participate in the comparison but never in the
	// logged attrs.
	if !reflect.DeepEqual(oldCfg.Telegram.Accounts, newCfg.Telegram.Accounts) ||
		strings.TrimSpace(oldCfg.Telegram.PollTimeout) != strings.TrimSpace(newCfg.Telegram.PollTimeout) ||
		strings.TrimSpace(oldCfg.Telegram.ArtifactTTL) != strings.TrimSpace(newCfg.Telegram.ArtifactTTL) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Int("telegram.accounts", len(newCfg.Telegram.Accounts)),
			logx.String("telegram.poll_timeout", strings.TrimSpace(newCfg.Telegram.PollTimeout)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		if newCfg.Storage != nil {
			attrs = append(attrs,
				logx.String("storage.driver", newCfg.Storage.Driver),
				logx.String("storage.path", newCfg.Storage.Path),
			)
		} else {
			attrs = append(attrs, logx.Bool("storage.enabled", false))
		}
	}

	if oldCfg.Pool != newCfg.Pool {
		changed = append(changed, "pool")
		attrs = append(attrs,
			logx.Int("pool.default_capacity", newCfg.Pool.DefaultCapacity),
			logx.Int("pool.max_pairing_attempts", newCfg.Pool.MaxPairingAttempts),
			logx.String("pool.default_cooldown", newCfg.Pool.DefaultCooldown),
		)
	}

	if oldCfg.Dispatcher != newCfg.Dispatcher {
		changed = append(changed, "dispatcher")
		attrs = append(attrs,
			logx.String("dispatcher.send_timeout", newCfg.Dispatcher.SendTimeout),
			logx.Int("dispatcher.max_attempts", newCfg.Dispatcher.MaxAttemptsPerRecipient),
			logx.Float64("dispatcher.global_rate", newCfg.Dispatcher.GlobalRatePerSec),
		)
	}

	// Debug: token participates in the comparison but never in the attrs.
	if !reflect.DeepEqual(oldCfg.Debug, newCfg.Debug) {
		changed = append(changed, "debug")
		if newCfg.Debug != nil {
			attrs = append(attrs,
				logx.Bool("debug.enabled", newCfg.Debug.Enabled),
				logx.String("debug.addr", newCfg.Debug.Addr),
			)
		} else {
			attrs = append(attrs, logx.Bool("debug.enabled", false))
		}
	}

	if !reflect.DeepEqual(oldCfg.Channels, newCfg.Channels) {
		changed = append(changed, "channels")
		attrs = append(attrs, logx.Int("channels.count", len(newCfg.Channels)))
	}

	if !reflect.DeepEqual(oldCfg.Campaigns, newCfg.Campaigns) {
		changed = append(changed, "campaigns")
		attrs = append(attrs, logx.Int("campaigns.count", len(newCfg.Campaigns)))
	}

	return changed, attrs
}
