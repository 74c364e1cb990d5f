package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	imErrors "parkdog.im/pkg/errors"
)

type Config struct {
	App      AppConfig      `mapstructure:"app" yaml:"app"`
	Session  SessionConfig  `mapstructure:"session" yaml:"session"`
	API      APIConfig      `mapstructure:"api" yaml:"api"`
	Realtime RealtimeConfig `mapstructure:"realtime" yaml:"realtime"`
	Fallback FallbackConfig `mapstructure:"fallback" yaml:"fallback"`
	Typing   TypingConfig   `mapstructure:"typing" yaml:"typing"`
	Token    TokenConfig    `mapstructure:"token" yaml:"token"`
	Cache    CacheConfig    `mapstructure:"cache" yaml:"cache"`
	Health   HealthConfig   `mapstructure:"health" yaml:"health"`
	Stub     StubConfig     `mapstructure:"stub" yaml:"stub"`
}

type AppConfig struct {
	Name      string `mapstructure:"name" yaml:"name"`
	LogLevel  string `mapstructure:"log_level" yaml:"log_level"`
	LogFormat string `mapstructure:"log_format" yaml:"log_format"`
	// LogFile 非空时日志写入文件并按大小滚动
	LogFile       string `mapstructure:"log_file" yaml:"log_file"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb" yaml:"log_max_size_mb"`
	LogMaxBackups int    `mapstructure:"log_max_backups" yaml:"log_max_backups"`
}

// SessionConfig 长期会话凭证（由登录流程提供）
type SessionConfig struct {
	UserID       string `mapstructure:"user_id" yaml:"user_id"`
	SessionToken string `mapstructure:"session_token" yaml:"session_token"`
	DeviceID     string `mapstructure:"device_id" yaml:"device_id"`
}

type APIConfig struct {
	BaseURL        string        `mapstructure:"base_url" yaml:"base_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
}

type RealtimeConfig struct {
	URL                  string          `mapstructure:"url" yaml:"url"`
	Transport            string          `mapstructure:"transport" yaml:"transport"`
	MaxReconnectAttempts int             `mapstructure:"max_reconnect_attempts" yaml:"max_reconnect_attempts"`
	Backoff              []time.Duration `mapstructure:"backoff" yaml:"backoff"`
	HeartbeatInterval    time.Duration   `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval"`
	IdleTimeout          time.Duration   `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	AckTimeout           time.Duration   `mapstructure:"ack_timeout" yaml:"ack_timeout"`
	WriteTimeout         time.Duration   `mapstructure:"write_timeout" yaml:"write_timeout"`
	InsecureSkipVerify   bool            `mapstructure:"insecure_skip_verify" yaml:"insecure_skip_verify"`
}

type FallbackConfig struct {
	OutboxCapacity  int           `mapstructure:"outbox_capacity" yaml:"outbox_capacity"`
	FreshnessWindow time.Duration `mapstructure:"freshness_window" yaml:"freshness_window"`
	ProbeInterval   time.Duration `mapstructure:"probe_interval" yaml:"probe_interval"`
	DedupWindow     time.Duration `mapstructure:"dedup_window" yaml:"dedup_window"`
}

type TypingConfig struct {
	Throttle    time.Duration `mapstructure:"throttle" yaml:"throttle"`
	QuietPeriod time.Duration `mapstructure:"quiet_period" yaml:"quiet_period"`
}

type TokenConfig struct {
	MaxAttempts   int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	RetryDelay    time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"`
	RefreshMargin time.Duration `mapstructure:"refresh_margin" yaml:"refresh_margin"`
}

type CacheConfig struct {
	// Driver memory 或 sqlite
	Driver string `mapstructure:"driver" yaml:"driver"`
	DSN    string `mapstructure:"dsn" yaml:"dsn"`
}

type HealthConfig struct {
	// Addr 为空时不启动健康检查服务
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// StubConfig 开发用后端桩配置
type StubConfig struct {
	Addr        string        `mapstructure:"addr" yaml:"addr"`
	JWTSecret   string        `mapstructure:"jwt_secret" yaml:"jwt_secret"`
	TokenExpire time.Duration `mapstructure:"token_expire" yaml:"token_expire"`
	NodeID      int64         `mapstructure:"node_id" yaml:"node_id"`
	SuppressAck bool          `mapstructure:"suppress_ack" yaml:"suppress_ack"`
	EchoTempID  bool          `mapstructure:"echo_temp_id" yaml:"echo_temp_id"`
	// DropSends 丢弃实时通道上的 send 事件，用于演练 HTTP 兜底
	DropSends bool `mapstructure:"drop_sends" yaml:"drop_sends"`
	// WebTransportAddr 非空时额外启动 WebTransport 入口（UDP）
	WebTransportAddr string `mapstructure:"webtransport_addr" yaml:"webtransport_addr"`
}

// Default 默认配置
func Default() *Config {
	return &Config{
		App: AppConfig{
			Name:          "parkdog-chat",
			LogLevel:      "info",
			LogFormat:     "json",
			LogMaxSizeMB:  50,
			LogMaxBackups: 3,
		},
		API: APIConfig{
			BaseURL:        "http://localhost:8090/api",
			RequestTimeout: 10 * time.Second,
		},
		Realtime: RealtimeConfig{
			URL:                  "ws://localhost:8090/ws",
			Transport:            "websocket",
			MaxReconnectAttempts: 10,
			Backoff:              []time.Duration{time.Second, 2 * time.Second, 5 * time.Second, 10 * time.Second, 30 * time.Second},
			HeartbeatInterval:    25 * time.Second,
			IdleTimeout:          60 * time.Second,
			AckTimeout:           12 * time.Second,
			WriteTimeout:         10 * time.Second,
		},
		Fallback: FallbackConfig{
			OutboxCapacity:  100,
			FreshnessWindow: 30 * time.Second,
			ProbeInterval:   30 * time.Second,
			DedupWindow:     5 * time.Second,
		},
		Typing: TypingConfig{
			Throttle:    time.Second,
			QuietPeriod: 3 * time.Second,
		},
		Token: TokenConfig{
			MaxAttempts:   3,
			RetryDelay:    500 * time.Millisecond,
			RefreshMargin: 30 * time.Second,
		},
		Cache: CacheConfig{
			Driver: "memory",
		},
		Stub: StubConfig{
			Addr:        ":8090",
			JWTSecret:   "parkdog-dev-secret",
			TokenExpire: 15 * time.Minute,
			NodeID:      1,
		},
	}
}

// Load 加载配置：默认值 < 配置文件 < .env / 环境变量
// path 为空或文件不存在时只使用默认值和环境变量
func Load(path string) (*Config, error) {
	// .env 不存在时忽略
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v, Default())

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// 从环境变量覆盖配置
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("app.name", d.App.Name)
	v.SetDefault("app.log_level", d.App.LogLevel)
	v.SetDefault("app.log_format", d.App.LogFormat)
	v.SetDefault("app.log_max_size_mb", d.App.LogMaxSizeMB)
	v.SetDefault("app.log_max_backups", d.App.LogMaxBackups)

	v.SetDefault("api.base_url", d.API.BaseURL)
	v.SetDefault("api.request_timeout", d.API.RequestTimeout)

	v.SetDefault("realtime.url", d.Realtime.URL)
	v.SetDefault("realtime.transport", d.Realtime.Transport)
	v.SetDefault("realtime.max_reconnect_attempts", d.Realtime.MaxReconnectAttempts)
	v.SetDefault("realtime.backoff", d.Realtime.Backoff)
	v.SetDefault("realtime.heartbeat_interval", d.Realtime.HeartbeatInterval)
	v.SetDefault("realtime.idle_timeout", d.Realtime.IdleTimeout)
	v.SetDefault("realtime.ack_timeout", d.Realtime.AckTimeout)
	v.SetDefault("realtime.write_timeout", d.Realtime.WriteTimeout)

	v.SetDefault("fallback.outbox_capacity", d.Fallback.OutboxCapacity)
	v.SetDefault("fallback.freshness_window", d.Fallback.FreshnessWindow)
	v.SetDefault("fallback.probe_interval", d.Fallback.ProbeInterval)
	v.SetDefault("fallback.dedup_window", d.Fallback.DedupWindow)

	v.SetDefault("typing.throttle", d.Typing.Throttle)
	v.SetDefault("typing.quiet_period", d.Typing.QuietPeriod)

	v.SetDefault("token.max_attempts", d.Token.MaxAttempts)
	v.SetDefault("token.retry_delay", d.Token.RetryDelay)
	v.SetDefault("token.refresh_margin", d.Token.RefreshMargin)

	v.SetDefault("cache.driver", d.Cache.Driver)

	v.SetDefault("stub.addr", d.Stub.Addr)
	v.SetDefault("stub.jwt_secret", d.Stub.JWTSecret)
	v.SetDefault("stub.token_expire", d.Stub.TokenExpire)
	v.SetDefault("stub.node_id", d.Stub.NodeID)
}

// applyEnv 从环境变量覆盖配置
func (c *Config) applyEnv() {
	// App
	c.App.LogLevel = GetEnv("PARKDOG_LOG_LEVEL", c.App.LogLevel)
	c.App.LogFile = GetEnv("PARKDOG_LOG_FILE", c.App.LogFile)

	// Session
	c.Session.UserID = GetEnv("PARKDOG_USER_ID", c.Session.UserID)
	c.Session.SessionToken = GetEnv("PARKDOG_SESSION_TOKEN", c.Session.SessionToken)
	c.Session.DeviceID = GetEnv("PARKDOG_DEVICE_ID", c.Session.DeviceID)

	// API
	c.API.BaseURL = GetEnv("PARKDOG_API_BASE_URL", c.API.BaseURL)

	// Realtime
	c.Realtime.URL = GetEnv("PARKDOG_REALTIME_URL", c.Realtime.URL)
	c.Realtime.Transport = GetEnv("PARKDOG_REALTIME_TRANSPORT", c.Realtime.Transport)
	c.Realtime.MaxReconnectAttempts = GetEnvInt("PARKDOG_MAX_RECONNECT_ATTEMPTS", c.Realtime.MaxReconnectAttempts)
	c.Realtime.Backoff = GetEnvDurations("PARKDOG_RECONNECT_BACKOFF", c.Realtime.Backoff)
	c.Realtime.HeartbeatInterval = GetEnvDuration("PARKDOG_HEARTBEAT_INTERVAL", c.Realtime.HeartbeatInterval)
	c.Realtime.AckTimeout = GetEnvDuration("PARKDOG_ACK_TIMEOUT", c.Realtime.AckTimeout)
	c.Realtime.InsecureSkipVerify = GetEnvBool("PARKDOG_INSECURE_SKIP_VERIFY", c.Realtime.InsecureSkipVerify)

	// Cache
	c.Cache.Driver = GetEnv("PARKDOG_CACHE_DRIVER", c.Cache.Driver)
	c.Cache.DSN = GetEnv("PARKDOG_CACHE_DSN", c.Cache.DSN)

	// Health
	c.Health.Addr = GetEnv("PARKDOG_HEALTH_ADDR", c.Health.Addr)

	// Stub
	c.Stub.Addr = GetEnv("PARKDOG_STUB_ADDR", c.Stub.Addr)
	c.Stub.JWTSecret = GetEnv("PARKDOG_STUB_JWT_SECRET", c.Stub.JWTSecret)
}

// Validate 校验配置
func (c *Config) Validate() error {
	invalid := func(format string, args ...interface{}) error {
		return imErrors.ErrInvalidParams.Wrap(fmt.Errorf("config: "+format, args...))
	}

	if c.API.BaseURL == "" {
		return invalid("api.base_url is required")
	}
	if c.Realtime.URL == "" {
		return invalid("realtime.url is required")
	}
	switch c.Realtime.Transport {
	case "websocket", "webtransport":
	default:
		return invalid("unknown realtime.transport %q", c.Realtime.Transport)
	}
	if c.Realtime.MaxReconnectAttempts <= 0 {
		return invalid("realtime.max_reconnect_attempts must be positive")
	}
	if len(c.Realtime.Backoff) == 0 {
		return invalid("realtime.backoff must not be empty")
	}
	for _, d := range c.Realtime.Backoff {
		if d <= 0 {
			return invalid("realtime.backoff entries must be positive")
		}
	}
	if c.Realtime.HeartbeatInterval <= 0 || c.Realtime.IdleTimeout <= c.Realtime.HeartbeatInterval {
		return invalid("realtime.idle_timeout must exceed heartbeat_interval")
	}
	if c.Realtime.AckTimeout <= 0 {
		return invalid("realtime.ack_timeout must be positive")
	}
	if c.Fallback.OutboxCapacity <= 0 {
		return invalid("fallback.outbox_capacity must be positive")
	}
	if c.Fallback.ProbeInterval <= 0 || c.Fallback.FreshnessWindow <= 0 {
		return invalid("fallback intervals must be positive")
	}
	if c.Typing.Throttle <= 0 || c.Typing.QuietPeriod <= 0 {
		return invalid("typing intervals must be positive")
	}
	if c.Token.MaxAttempts <= 0 {
		return invalid("token.max_attempts must be positive")
	}
	switch c.Cache.Driver {
	case "memory":
	case "sqlite":
		if c.Cache.DSN == "" {
			return invalid("cache.dsn is required for sqlite")
		}
	default:
		return invalid("unknown cache.driver %q", c.Cache.Driver)
	}
	return nil
}

// WriteDefault 写出默认配置文件
func WriteDefault(path string) error {
	data, err := yaml.Marshal(Default())
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
