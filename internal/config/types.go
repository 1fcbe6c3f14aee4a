package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// String values may reference environment variables as ${NAME}.
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Queue     QueueConfig     `json:"queue"`
	Redis     RedisConfig     `json:"redis"`
	Gateway   GatewayConfig   `json:"gateway"`
	Reply     ReplyConfig     `json:"reply"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	Report    ReportConfig    `json:"report"`
	API       APIConfig       `json:"api"`
	Scheduler SchedulerConfig `json:"scheduler"`
}

type TelegramConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"`
	// BotUsername is used to build referral links (https://t.me/<bot>/...).
	BotUsername string `json:"bot_username"`
	PollTimeout string `json:"poll_timeout"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Operator LoggingOperator `json:"operator"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingOperator struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chat_id"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the SQLite database.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/notifyhub.db", "busy_timeout": "5s" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// QueueConfig controls the durable notification queue.
//
// Defaults (when fields are omitted/zero):
//   - queue: "notifications", retry_queue: "notifications-retry", final_queue: "notifications-final"
//   - dead_exchange: "notifications-dlx"
//   - retry_ttl: "30s", prefetch: 10
//   - max_redeliveries: 50 (explicit 0 disables the cap)
type QueueConfig struct {
	Enabled         bool   `json:"enabled"`
	URL             string `json:"url"`
	Queue           string `json:"queue,omitempty"`
	DeadExchange    string `json:"dead_exchange,omitempty"`
	RetryQueue      string `json:"retry_queue,omitempty"`
	FinalQueue      string `json:"final_queue,omitempty"`
	RetryTTL        string `json:"retry_ttl,omitempty"`
	Prefetch        int    `json:"prefetch,omitempty"`
	MaxRedeliveries *int   `json:"max_redeliveries,omitempty"`
	ReconnectBase   string `json:"reconnect_base,omitempty"`
	ReconnectMax    string `json:"reconnect_max,omitempty"`
}

// RedisConfig enables the shared session registry, push bus and lease backend.
// An empty addr keeps everything process-local.
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
}

type GatewayConfig struct {
	InstanceID string `json:"instance_id,omitempty"`
	// RateLimit inbound events per RateWindow per recipient; exceeding closes
	// the connection. Unset means 30, 0 disables.
	RateLimit    *int   `json:"rate_limit,omitempty"`
	RateWindow   string `json:"rate_window"`
	SendBuffer   int    `json:"send_buffer,omitempty"`
	SessionTTL   string `json:"session_ttl,omitempty"`
	PingInterval string `json:"ping_interval,omitempty"`
}

type ReplyConfig struct {
	TimeoutMargin       string `json:"timeout_margin"`
	PasswordInfix       string `json:"password_infix"`
	MaxPasswordAttempts int    `json:"max_password_attempts"`
	// Timezone used to derive the day-based fallback key.
	Timezone string `json:"timezone,omitempty"`
}

type DispatchConfig struct {
	Enabled      bool   `json:"enabled"`
	Schedule     string `json:"schedule"`
	BatchSize    int    `json:"batch_size"`
	RetryCeiling int    `json:"retry_ceiling"`
	SendDelay    string `json:"send_delay"`
	Paused       bool   `json:"paused"`
	LeaseTTL     string `json:"lease_ttl,omitempty"`
	// LeaseBackend is "redis" or "sql" (default: redis when configured, else sql).
	LeaseBackend string `json:"lease_backend,omitempty"`
}

type ReportConfig struct {
	Operators []int64 `json:"operators"`
	// Format is "csv" (default) or "xlsx".
	Format string `json:"format,omitempty"`
}

type APIConfig struct {
	Addr       string `json:"addr"`
	AdminToken string `json:"admin_token"`
	JWTSecret  string `json:"jwt_secret"`
	TokenTTL   string `json:"token_ttl,omitempty"`
	// Pprof mounts /debug/pprof behind the admin token.
	Pprof bool `json:"pprof,omitempty"`
}

type SchedulerConfig struct {
	Timezone string `json:"timezone,omitempty"`
	// Maintenance runs read-expiry and purge.
	Maintenance string `json:"maintenance,omitempty"`
	// Retention keeps notifications this long past expiresAt before purge.
	Retention string `json:"retention,omitempty"`
}
