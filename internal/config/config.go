package config

import (
	"errors"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 全局配置
// 读取顺序：默认值 -> config.yaml -> 环境变量 (MELI_ 前缀，层级用 _ 连接)
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Meli     MeliConfig     `mapstructure:"meli"`
	JWT      JWTConfig      `mapstructure:"jwt"`
	Sync     SyncConfig     `mapstructure:"sync"`
	Events   EventsConfig   `mapstructure:"events"`
	Webhook  WebhookConfig  `mapstructure:"webhook"`
	Cron     CronConfig     `mapstructure:"cron"`
}

type ServerConfig struct {
	Port            string        `mapstructure:"port"`
	Mode            string        `mapstructure:"mode"` // gin 模式: debug / release
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"` // WebSocket Origin 白名单，空表示不校验
	OAuthRPS        float64       `mapstructure:"oauth_rps"`       // 授权接口单 IP 限流
	OAuthBurst      int           `mapstructure:"oauth_burst"`
	RealtimeBuffer  int           `mapstructure:"realtime_buffer"` // 推送队列容量
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type PostgresConfig struct {
	DSN          string `mapstructure:"dsn"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	LogSQL       bool   `mapstructure:"log_sql"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// MeliConfig Mercado Livre 应用配置
type MeliConfig struct {
	APIBaseURL   string        `mapstructure:"api_base_url"`
	AuthURL      string        `mapstructure:"auth_url"`
	ClientID     string        `mapstructure:"client_id"`
	ClientSecret string        `mapstructure:"client_secret"`
	RedirectURI  string        `mapstructure:"redirect_uri"`
	Timeout      time.Duration `mapstructure:"timeout"`
	RetryCount   int           `mapstructure:"retry_count"`
	RPS          float64       `mapstructure:"rps"`
	Burst        int           `mapstructure:"burst"`
}

type JWTConfig struct {
	Secret         string        `mapstructure:"secret"`
	Issuer         string        `mapstructure:"issuer"`
	AccessTokenTTL time.Duration `mapstructure:"access_token_ttl"`
}

// SyncConfig 账号同步参数
type SyncConfig struct {
	BatchSize       int           `mapstructure:"batch_size"`
	BatchDelay      time.Duration `mapstructure:"batch_delay"`
	FetchTimeout    time.Duration `mapstructure:"fetch_timeout"`
	OrderLookback   time.Duration `mapstructure:"order_lookback"`
	MaxStaleFields  int           `mapstructure:"max_stale_fields"`
	RefreshSkew     time.Duration `mapstructure:"refresh_skew"`
	RefreshParallel int           `mapstructure:"refresh_parallel"`
	ManualCooldown  time.Duration `mapstructure:"manual_cooldown"`
	StaleAfter      time.Duration `mapstructure:"stale_after"`
}

// EventsConfig Webhook 事件处理参数
type EventsConfig struct {
	BatchSize    int           `mapstructure:"batch_size"`
	Concurrency  int           `mapstructure:"concurrency"`
	MaxRetries   int           `mapstructure:"max_retries"`
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
	StuckAfter   time.Duration `mapstructure:"stuck_after"`
	Retention    time.Duration `mapstructure:"retention"`
}

// WebhookConfig 接收端参数
type WebhookConfig struct {
	VerifySignature bool   `mapstructure:"verify_signature"`
	Secret          string `mapstructure:"secret"`
	QueueSize       int    `mapstructure:"queue_size"`
	Workers         int    `mapstructure:"workers"`
	MaxBodyBytes    int64  `mapstructure:"max_body_bytes"`
}

// CronConfig 定时任务表达式 (带秒)
type CronConfig struct {
	SyncAll      string `mapstructure:"sync_all"`
	TokenRefresh string `mapstructure:"token_refresh"`
	Cleanup      string `mapstructure:"cleanup"`
	Events       string `mapstructure:"events"`
	Health       string `mapstructure:"health"`
}

// Load 加载配置，path 为空或文件不存在时只使用默认值和环境变量
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("MELI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return nil, err
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.oauth_rps", 1.0)
	v.SetDefault("server.oauth_burst", 5)
	v.SetDefault("server.realtime_buffer", 1024)

	v.SetDefault("log.level", "info")

	v.SetDefault("postgres.dsn", "host=localhost user=meli password=meli dbname=meli_sync port=5432 sslmode=disable")
	v.SetDefault("postgres.max_idle_conns", 10)
	v.SetDefault("postgres.max_open_conns", 100)
	v.SetDefault("postgres.log_sql", false)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("meli.api_base_url", "https://api.mercadolibre.com")
	v.SetDefault("meli.auth_url", "https://auth.mercadolivre.com.br/authorization")
	v.SetDefault("meli.timeout", 30*time.Second)
	v.SetDefault("meli.retry_count", 2)
	v.SetDefault("meli.rps", 10.0)
	v.SetDefault("meli.burst", 20)

	v.SetDefault("jwt.secret", "meli-sync-secret-change-in-production")
	v.SetDefault("jwt.issuer", "meli-sync")
	v.SetDefault("jwt.access_token_ttl", 2*time.Hour)

	v.SetDefault("sync.batch_size", 5)
	v.SetDefault("sync.batch_delay", 3*time.Second)
	v.SetDefault("sync.fetch_timeout", 30*time.Second)
	v.SetDefault("sync.order_lookback", 30*24*time.Hour)
	v.SetDefault("sync.max_stale_fields", 2)
	v.SetDefault("sync.refresh_skew", 10*time.Minute)
	v.SetDefault("sync.refresh_parallel", 10)
	v.SetDefault("sync.manual_cooldown", 2*time.Minute)
	v.SetDefault("sync.stale_after", time.Hour)

	v.SetDefault("events.batch_size", 50)
	v.SetDefault("events.concurrency", 5)
	v.SetDefault("events.max_retries", 3)
	v.SetDefault("events.fetch_timeout", 30*time.Second)
	v.SetDefault("events.stuck_after", 10*time.Minute)
	v.SetDefault("events.retention", 30*24*time.Hour)

	v.SetDefault("webhook.verify_signature", false)
	v.SetDefault("webhook.queue_size", 1024)
	v.SetDefault("webhook.workers", 4)
	v.SetDefault("webhook.max_body_bytes", 64*1024)

	v.SetDefault("cron.sync_all", "0 */5 * * * *")
	v.SetDefault("cron.token_refresh", "0 */30 * * * *")
	v.SetDefault("cron.cleanup", "0 0 3 * * *")
	v.SetDefault("cron.events", "0 * * * * *")
	v.SetDefault("cron.health", "0 */15 * * * *")
}
