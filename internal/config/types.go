package config

// Config is the on-disk configuration. Durations are Go duration strings
// ("500ms", "10s", "1m"); zero or empty means the component default.
//
// Every field can be overridden from the environment with the MSGSCHED_
// prefix, e.g. MSGSCHED_DISPATCH_URL or MSGSCHED_STORAGE_MONGO_URI.
type Config struct {
	Logging   LoggingConfig   `json:"logging" envPrefix:"LOGGING_"`
	HTTP      HTTPConfig      `json:"http" envPrefix:"HTTP_"`
	Storage   StorageConfig   `json:"storage" envPrefix:"STORAGE_"`
	Gate      GateConfig      `json:"gate" envPrefix:"GATE_"`
	Dispatch  DispatchConfig  `json:"dispatch" envPrefix:"DISPATCH_"`
	Recovery  RecoveryConfig  `json:"recovery" envPrefix:"RECOVERY_"`
	Scheduler SchedulerConfig `json:"scheduler" envPrefix:"SCHEDULER_"`
	Cache     CacheConfig     `json:"cache" envPrefix:"CACHE_"`
	Alert     AlertConfig     `json:"alert" envPrefix:"ALERT_"`
}

type LoggingConfig struct {
	Level   string            `json:"level" env:"LEVEL"`
	Console bool              `json:"console" env:"CONSOLE"`
	JSON    bool              `json:"json,omitempty" env:"JSON"`
	File    LoggingFileConfig `json:"file" envPrefix:"FILE_"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled" env:"ENABLED"`
	Path    string `json:"path" env:"PATH"`
}

type HTTPConfig struct {
	Addr            string      `json:"addr" env:"ADDR"`
	CORSOrigins     []string    `json:"cors_origins" env:"CORS_ORIGINS" envSeparator:","`
	ReadTimeout     string      `json:"read_timeout,omitempty" env:"READ_TIMEOUT"`
	WriteTimeout    string      `json:"write_timeout,omitempty" env:"WRITE_TIMEOUT"`
	IdleTimeout     string      `json:"idle_timeout,omitempty" env:"IDLE_TIMEOUT"`
	ShutdownTimeout string      `json:"shutdown_timeout,omitempty" env:"SHUTDOWN_TIMEOUT"`
	Pprof           PprofConfig `json:"pprof,omitempty" envPrefix:"PPROF_"`
}

// PprofConfig mounts /debug/pprof on the API listener.
type PprofConfig struct {
	Enabled bool   `json:"enabled" env:"ENABLED"`
	Token   string `json:"token,omitempty" env:"TOKEN"`
}

// StorageConfig selects the job store. Driver is one of memory, file,
// sqlite, postgres, mongo.
type StorageConfig struct {
	Driver      string `json:"driver" env:"DRIVER"`
	Path        string `json:"path,omitempty" env:"PATH"`
	DSN         string `json:"dsn,omitempty" env:"DSN"`
	MongoURI    string `json:"mongo_uri,omitempty" env:"MONGO_URI"`
	MongoDB     string `json:"mongo_db,omitempty" env:"MONGO_DB"`
	BusyTimeout string `json:"busy_timeout,omitempty" env:"BUSY_TIMEOUT"`
}

// GateConfig is the optional pre-dispatch validation service.
// An empty URL disables the gate.
type GateConfig struct {
	URL     string `json:"url" env:"URL"`
	Window  string `json:"window,omitempty" env:"WINDOW"`
	Timeout string `json:"timeout,omitempty" env:"TIMEOUT"`
}

type DispatchConfig struct {
	URL        string  `json:"url" env:"URL"`
	Timeout    string  `json:"timeout,omitempty" env:"TIMEOUT"`
	RatePerSec int     `json:"rate_per_sec,omitempty" env:"RATE_PER_SEC"`
}

// RecoveryConfig controls the periodic reconcile sweep. ReconcileSpec is a
// cron spec; nil means "@every 1m" and an explicit empty string disables it.
type RecoveryConfig struct {
	ReconcileSpec *string `json:"reconcile_spec,omitempty" env:"RECONCILE_SPEC"`
}

type SchedulerConfig struct {
	TaskLogSize int    `json:"task_log_size,omitempty" env:"TASK_LOG_SIZE"`
	StopTimeout string `json:"stop_timeout,omitempty" env:"STOP_TIMEOUT"`
}

// CacheConfig enables the Redis status cache when RedisAddr is set.
type CacheConfig struct {
	RedisAddr     string `json:"redis_addr,omitempty" env:"REDIS_ADDR"`
	RedisPassword string `json:"redis_password,omitempty" env:"REDIS_PASSWORD"`
	RedisDB       int    `json:"redis_db,omitempty" env:"REDIS_DB"`
	TTL           string `json:"ttl,omitempty" env:"TTL"`
}

// AlertConfig enables Telegram alerts for failed jobs when both token and
// chat id are set.
type AlertConfig struct {
	TelegramToken string `json:"telegram_token,omitempty" env:"TELEGRAM_TOKEN"`
	ChatID        int64  `json:"chat_id,omitempty" env:"CHAT_ID"`
	RatePerMin    int    `json:"rate_per_min,omitempty" env:"RATE_PER_MIN"`
}

const DefaultReconcileSpec = "@every 1m"

// ReconcileSpecOrDefault resolves the nil/empty distinction of RecoveryConfig.
func (c RecoveryConfig) ReconcileSpecOrDefault() string {
	if c.ReconcileSpec == nil {
		return DefaultReconcileSpec
	}
	return *c.ReconcileSpec
}
