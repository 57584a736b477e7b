package config

// Config is the on-disk configuration (JSON or YAML). Durations are Go
// duration strings ("45s", "1m"). Secrets may be left empty here and
// supplied through the environment, see ApplyEnv.
type Config struct {
	Telegram   TelegramConfig   `json:"telegram"`
	Logging    LoggingConfig    `json:"logging"`
	Pool       PoolConfig       `json:"pool"`
	Rewriter   RewriterConfig   `json:"rewriter"`
	Storage    StorageConfig    `json:"storage"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	TaskEngine TaskEngineConfig `json:"task_engine,omitempty"`
	Ops        OpsConfig        `json:"ops,omitempty"`
}

type TelegramConfig struct {
	Token       string `json:"token,omitempty"`
	PollTimeout string `json:"poll_timeout,omitempty"`
	// MaxMessageLen is the per-message limit in UTF-16 code units; longer deliveries
	// are split into several messages.
	MaxMessageLen int    `json:"max_message_len,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	SendTimeout   string `json:"send_timeout,omitempty"`
	ParseMode     string `json:"parse_mode,omitempty"`
	// OperatorChat receives forwarded warnings when logging.operator is on.
	OperatorChat string `json:"operator_chat,omitempty"`
}

type LoggingConfig struct {
	Level    string            `json:"level"`
	Console  bool              `json:"console"`
	File     LogFileConfig     `json:"file"`
	Operator LogOperatorConfig `json:"operator"`
}

type LogFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LogOperatorConfig struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// PoolConfig locates the item source.
//
// Formats:
//   - text:  items separated by Separator (blank line when empty)
//   - lines: one item per line
//   - csv:   one column, chosen by CSVColumn (header name or 0-based index)
//   - json:  an array of strings
type PoolConfig struct {
	Source    string   `json:"source"`
	Path      string   `json:"path,omitempty"`
	Format    string   `json:"format,omitempty"`
	Separator string   `json:"separator,omitempty"`
	CSVColumn string   `json:"csv_column,omitempty"`
	S3        S3Config `json:"s3,omitempty"`
}

type S3Config struct {
	Bucket    string `json:"bucket"`
	Key       string `json:"key"`
	Region    string `json:"region,omitempty"`
	Endpoint  string `json:"endpoint,omitempty"`
	PathStyle bool   `json:"path_style,omitempty"`
}

// RewriterConfig configures the text-generation call.
//
// Defaults: provider "openai", timeout "45s", max_attempts 3,
// retry_base "1s", retry_max_delay "10s".
type RewriterConfig struct {
	Provider      string   `json:"provider"`
	APIURL        string   `json:"api_url,omitempty"`
	APIKey        string   `json:"api_key,omitempty"`
	Model         string   `json:"model,omitempty"`
	Temperature   *float64 `json:"temperature,omitempty"`
	Style         string   `json:"style,omitempty"`
	Timeout       string   `json:"timeout,omitempty"`
	MaxAttempts   int      `json:"max_attempts,omitempty"`
	RetryBase     string   `json:"retry_base,omitempty"`
	RetryMaxDelay string   `json:"retry_max_delay,omitempty"`
}

// StorageConfig selects the recipient state backend: file, sqlite,
// postgres or redis.
type StorageConfig struct {
	Driver      string      `json:"driver"`
	Path        string      `json:"path,omitempty"`
	DSN         string      `json:"dsn,omitempty"`
	BusyTimeout string      `json:"busy_timeout,omitempty"`
	Redis       RedisConfig `json:"redis,omitempty"`
}

type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
}

// SchedulerConfig holds the fixed daily slot list. It is read once at
// startup.
//
// Granularity "minute" fires a slot at its exact HH:MM; "hour" fires it on
// the first tick inside hour HH. An "at" value prefixed with "cron:" is a
// five-field cron expression.
type SchedulerConfig struct {
	Enabled     bool         `json:"enabled"`
	Timezone    string       `json:"timezone,omitempty"`
	Tick        string       `json:"tick,omitempty"`
	Granularity string       `json:"granularity,omitempty"`
	MaxCatchup  string       `json:"max_catchup,omitempty"`
	Slots       []SlotConfig `json:"slots"`
	Recipients  []string     `json:"recipients,omitempty"`
}

type SlotConfig struct {
	Name string `json:"name"`
	At   string `json:"at"`
}

// TaskEngineConfig sizes the worker pool that runs scheduled deliveries.
//
// Defaults: workers 4, queue_size 256, default_timeout "5m", history_size 200.
type TaskEngineConfig struct {
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
}

// OpsConfig exposes /metrics, /healthz and optionally pprof.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
}
