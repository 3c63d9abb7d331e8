package config

// Config is the service configuration file. Unknown keys are rejected.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "24h").
type Config struct {
	Server      ServerConfig      `json:"server"`
	Works       WorksConfig       `json:"works"`
	Notify      NotifyConfig      `json:"notify"`
	Logging     LoggingConfig     `json:"logging"`
	Storage     *StorageConfig    `json:"storage,omitempty"`
	Maintenance MaintenanceConfig `json:"maintenance"`
	Credentials CredentialsConfig `json:"credentials"`
	Pprof       PprofConfig       `json:"pprof,omitempty"`
}

// ServerConfig controls the webhook HTTP listener.
//
// Defaults:
//   - addr: ":3001" (the PORT env var overrides it)
//   - rate_per_sec: 20, burst: 40 (inbound requests, 0 keeps defaults)
//   - read_timeout: "10s", write_timeout: "60s", shutdown_timeout: "10s"
//   - max_body_bytes: 1 MiB
type ServerConfig struct {
	Addr string `json:"addr"`
	// WebhookSecret, when set, must be sent as X-Webhook-Secret on every POST.
	WebhookSecret   string `json:"webhook_secret,omitempty"`
	RatePerSec      int    `json:"rate_per_sec,omitempty"`
	Burst           int    `json:"burst,omitempty"`
	ReadTimeout     string `json:"read_timeout,omitempty"`
	WriteTimeout    string `json:"write_timeout,omitempty"`
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`
	MaxBodyBytes    int64  `json:"max_body_bytes,omitempty"`
}

// WorksConfig points at the chat platform. Empty fields use the public
// endpoints.
type WorksConfig struct {
	TokenURL string `json:"token_url,omitempty"`
	APIBase  string `json:"api_base,omitempty"`
	Scope    string `json:"scope,omitempty"`
	// TokenBuffer is how long before expiry a cached token is dropped (default "300s").
	TokenBuffer  string `json:"token_buffer,omitempty"`
	AssertionTTL string `json:"assertion_ttl,omitempty"`
	HTTPTimeout  string `json:"http_timeout,omitempty"`
}

// NotifyConfig controls routing and fan-out.
//
// Recipients maps an event type (project_created, sample_created, ...) or
// "*" to email addresses.
type NotifyConfig struct {
	PortalURL     string              `json:"portal_url,omitempty"`
	ChannelID     string              `json:"channel_id,omitempty"`
	TestChannelID string              `json:"test_channel_id,omitempty"`
	TestMessage   string              `json:"test_message,omitempty"`
	Recipients    map[string][]string `json:"recipients,omitempty"`
	Concurrency   int                 `json:"concurrency,omitempty"`
	RatePerSec    int                 `json:"rate_per_sec,omitempty"`
	// DedupWindow suppresses identical change events ("0s" disables).
	DedupWindow string `json:"dedup_window,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingTelegram forwards WARN+ log lines to an operator chat.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	Token      string `json:"token,omitempty"`
	ChatID     int64  `json:"chat_id,omitempty"`
	ThreadID   int    `json:"thread_id,omitempty"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// StorageConfig controls the delivery audit and dedup store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/worksnotify.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// MaintenanceConfig schedules housekeeping jobs (cron syntax, descriptors
// like "@daily" allowed).
type MaintenanceConfig struct {
	PruneCron string `json:"prune_cron,omitempty"`
	// Retention bounds how long delivery rows are kept (default "720h").
	Retention     string `json:"retention,omitempty"`
	TokenWarmCron string `json:"token_warm_cron,omitempty"`
	Timezone      string `json:"timezone,omitempty"`
}

// CredentialsConfig says where the platform credentials come from. The
// process environment is always consulted first.
type CredentialsConfig struct {
	EnvFile        string `json:"env_file,omitempty"`
	Keyring        bool   `json:"keyring,omitempty"`
	KeyringService string `json:"keyring_service,omitempty"`
	KeyringBackend string `json:"keyring_backend,omitempty"`
	KeyringDir     string `json:"keyring_dir,omitempty"`
}

// PprofConfig controls the optional pprof HTTP listener.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - A non-loopback address needs a token or allow_insecure.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
}
