package config

// Config is the whole on-disk configuration. JSON or YAML, strict decoding:
// unknown keys are rejected so typos surface at load time instead of being
// silently ignored. All durations are Go duration strings ("45s", "15m").
type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	Telegram   TelegramConfig   `json:"telegram"`
	Storage    *StorageConfig   `json:"storage,omitempty"`
	Pool       PoolConfig       `json:"pool"`
	Dispatcher DispatcherConfig `json:"dispatcher"`
	Debug      *DebugConfig     `json:"debug,omitempty"`

	Channels  []ChannelConfig  `json:"channels"`
	Campaigns []CampaignConfig `json:"campaigns,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// TelegramConfig wires the Telegram transport adapter. Accounts maps channel
// id to bot token; tokens are never logged.
type TelegramConfig struct {
	Accounts map[string]string `json:"accounts"`
	// PollTimeout is the long-poll timeout for event delivery.
	PollTimeout string `json:"poll_timeout,omitempty"`
	// ArtifactTTL bounds how long one pairing artifact stays valid.
	ArtifactTTL string `json:"artifact_ttl,omitempty"`
}

// StorageConfig controls the optional outcome/audit persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./sendfleet.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// PoolConfig carries pool-wide channel defaults. Per-channel settings in
// Channels override the caps.
type PoolConfig struct {
	WindowLength       string `json:"window_length,omitempty"`
	DefaultCapacity    int    `json:"default_capacity,omitempty"`
	MaxPairingAttempts int    `json:"max_pairing_attempts,omitempty"`
	DefaultCooldown    string `json:"default_cooldown,omitempty"`
	ReconnectBudget    int    `json:"reconnect_budget,omitempty"`
	PairingBackoffBase string `json:"pairing_backoff_base,omitempty"`
	PairingBackoffMax  string `json:"pairing_backoff_max,omitempty"`
}

type DispatcherConfig struct {
	SendTimeout             string  `json:"send_timeout,omitempty"`
	MaxAttemptsPerRecipient int     `json:"max_attempts_per_recipient,omitempty"`
	NoChannelBackoffBase    string  `json:"no_channel_backoff_base,omitempty"`
	NoChannelBackoffMax     string  `json:"no_channel_backoff_max,omitempty"`
	GlobalRatePerSec        float64 `json:"global_rate_per_sec,omitempty"`
	GlobalBurst             int     `json:"global_burst,omitempty"`
}

// DebugConfig enables the operator HTTP endpoint (snapshots + pprof).
// A non-loopback addr requires token or allow_insecure.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
}

type ChannelConfig struct {
	ID                 string `json:"id"`
	Capacity           int    `json:"capacity,omitempty"`
	MaxPairingAttempts int    `json:"max_pairing_attempts,omitempty"`
}

// CampaignConfig declares a campaign in the config file. The recipient list
// arrives ordered, deduplicated and pre-filtered; this layer does not clean it
// up.
type CampaignConfig struct {
	ID         string            `json:"id,omitempty"`
	Name       string            `json:"name,omitempty"`
	Message    string            `json:"message"`
	Recipients []RecipientConfig `json:"recipients"`
	Policy     PolicyConfig      `json:"policy"`
	// StartSpec arms a scheduled launch: a cron expression, or
	// "once:<RFC3339>". Empty means the campaign waits for a manual launch.
	StartSpec string `json:"start_spec,omitempty"`
}

type RecipientConfig struct {
	Key     string `json:"key"`
	Address string `json:"address"`
}

// PolicyConfig is the per-campaign anti-blocking block. Exactly one of
// fixed_delay and the random range may be set.
type PolicyConfig struct {
	AntiBlocking   bool   `json:"anti_blocking"`
	FixedDelay     string `json:"fixed_delay,omitempty"`
	RandomDelayMin string `json:"random_delay_min,omitempty"`
	RandomDelayMax string `json:"random_delay_max,omitempty"`

	Rotation        string `json:"rotation,omitempty"` // sequential | random | load_balanced
	MessagesPerHour int    `json:"messages_per_hour,omitempty"`
	SwitchCooldown  string `json:"switch_cooldown,omitempty"`

	SimulateTyping bool   `json:"simulate_typing,omitempty"`
	TypingDelay    string `json:"typing_delay,omitempty"`

	RandomizeOrder bool           `json:"randomize_order,omitempty"`
	BusinessHours  *BusinessHours `json:"business_hours,omitempty"`
	SkipWeekends   bool           `json:"skip_weekends,omitempty"`

	MaxAttempts int `json:"max_attempts,omitempty"`
}

type BusinessHours struct {
	Start string `json:"start"` // "09:00"
	End   string `json:"end"`   // "17:00"
}
