package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type AppCfg struct {
	Env      string `mapstructure:"env"`
	LogLevel string `mapstructure:"log_level"`
}

type ClientCfg struct {
	BaseURL                    string `mapstructure:"base_url"`
	WSURL                      string `mapstructure:"ws_url"`
	Token                      string `mapstructure:"token"`
	MetricsAddr                string `mapstructure:"metrics_addr"`
	PollIntervalMS             int    `mapstructure:"poll_interval_ms"`
	RosterIntervalMS           int    `mapstructure:"roster_interval_ms"`
	TypingWindowMS             int    `mapstructure:"typing_window_ms"`
	TypingTickMS               int    `mapstructure:"typing_tick_ms"`
	AckTimeoutMS               int    `mapstructure:"ack_timeout_ms"`
	ReconnectMaxElapsedSeconds int    `mapstructure:"reconnect_max_elapsed_seconds"`
	TypingFramesPerSecond      int    `mapstructure:"typing_frames_per_second"`
}

type HTTPCfg struct {
	TimeoutSeconds         int `mapstructure:"timeout_seconds"`
	MaxIdleConns           int `mapstructure:"max_idle_conns"`
	IdleConnTimeoutSeconds int `mapstructure:"idle_conn_timeout_seconds"`
	BreakerFailures        int `mapstructure:"breaker_failures"`
	BreakerOpenSeconds     int `mapstructure:"breaker_open_seconds"`
	RetryMaxElapsedSeconds int `mapstructure:"retry_max_elapsed_seconds"`
}

type WSCfg struct {
	PingIntervalSeconds  int   `mapstructure:"ping_interval_seconds"`
	WriteDeadlineSeconds int   `mapstructure:"write_deadline_seconds"`
	MaxMessageSizeBytes  int64 `mapstructure:"max_message_size_bytes"`
}

type RelayCfg struct {
	Port               int    `mapstructure:"port"`
	JWTSecret          string `mapstructure:"jwt_secret"`
	PublicKeyPath      string `mapstructure:"public_key_path"`
	RateLimitPerMinute int    `mapstructure:"rate_limit_per_minute"`
	Storage            string `mapstructure:"storage"`
	Presence           string `mapstructure:"presence"`
	Events             string `mapstructure:"events"`
	Media              string `mapstructure:"media"`
	MediaDir           string `mapstructure:"media_dir"`
	PublicURL          string `mapstructure:"public_url"`
	MaxUploadBytes     int    `mapstructure:"max_upload_bytes"`
	ShutdownSeconds    int    `mapstructure:"shutdown_seconds"`
	CORSOrigins        string `mapstructure:"cors_origins"`
}

type MongoCfg struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

type RedisCfg struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

type KafkaCfg struct {
	Brokers                  []string `mapstructure:"brokers"`
	TopicMessageSent         string   `mapstructure:"topic_message_sent"`
	TopicConversationCreated string   `mapstructure:"topic_conversation_created"`
}

type NATSCfg struct {
	URL string `mapstructure:"url"`
}

type AWSCfg struct {
	Region         string `mapstructure:"region"`
	Bucket         string `mapstructure:"bucket"`
	Endpoint       string `mapstructure:"endpoint"`
	PublicRead     bool   `mapstructure:"public_read"`
	PresignSeconds int    `mapstructure:"presign_seconds"`
}

type Config struct {
	App    AppCfg    `mapstructure:"app"`
	Client ClientCfg `mapstructure:"client"`
	HTTP   HTTPCfg   `mapstructure:"http"`
	WS     WSCfg     `mapstructure:"ws"`
	Relay  RelayCfg  `mapstructure:"relay"`
	Mongo  MongoCfg  `mapstructure:"mongo"`
	Redis  RedisCfg  `mapstructure:"redis"`
	Kafka  KafkaCfg  `mapstructure:"kafka"`
	NATS   NATSCfg   `mapstructure:"nats"`
	AWS    AWSCfg    `mapstructure:"aws"`

	// Derived
	PollInterval        time.Duration `mapstructure:"-"`
	RosterInterval      time.Duration `mapstructure:"-"`
	TypingWindow        time.Duration `mapstructure:"-"`
	TypingTick          time.Duration `mapstructure:"-"`
	AckTimeout          time.Duration `mapstructure:"-"`
	ReconnectMaxElapsed time.Duration `mapstructure:"-"`
	HTTPTimeout         time.Duration `mapstructure:"-"`
	IdleConnTimeout     time.Duration `mapstructure:"-"`
	BreakerOpen         time.Duration `mapstructure:"-"`
	RetryMaxElapsed     time.Duration `mapstructure:"-"`
	PingInterval        time.Duration `mapstructure:"-"`
	WriteDeadline       time.Duration `mapstructure:"-"`
	PresignTTL          time.Duration `mapstructure:"-"`
	ShutdownTimeout     time.Duration `mapstructure:"-"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.env", "development")
	v.SetDefault("app.log_level", "info")

	v.SetDefault("client.base_url", "http://localhost:8000")
	v.SetDefault("client.ws_url", "")
	v.SetDefault("client.token", "")
	v.SetDefault("client.metrics_addr", "")
	v.SetDefault("client.poll_interval_ms", 3000)
	v.SetDefault("client.roster_interval_ms", 5000)
	v.SetDefault("client.typing_window_ms", 2000)
	v.SetDefault("client.typing_tick_ms", 200)
	v.SetDefault("client.ack_timeout_ms", 10000)
	v.SetDefault("client.reconnect_max_elapsed_seconds", 30)
	v.SetDefault("client.typing_frames_per_second", 1)

	v.SetDefault("http.timeout_seconds", 0)
	v.SetDefault("http.max_idle_conns", 16)
	v.SetDefault("http.idle_conn_timeout_seconds", 90)
	v.SetDefault("http.breaker_failures", 5)
	v.SetDefault("http.breaker_open_seconds", 10)
	v.SetDefault("http.retry_max_elapsed_seconds", 15)

	v.SetDefault("ws.ping_interval_seconds", 25)
	v.SetDefault("ws.write_deadline_seconds", 10)
	v.SetDefault("ws.max_message_size_bytes", 65536)

	v.SetDefault("relay.port", 8000)
	v.SetDefault("relay.jwt_secret", "")
	v.SetDefault("relay.public_key_path", "")
	v.SetDefault("relay.rate_limit_per_minute", 600)
	v.SetDefault("relay.storage", "memory")
	v.SetDefault("relay.presence", "memory")
	v.SetDefault("relay.events", "noop")
	v.SetDefault("relay.media", "local")
	v.SetDefault("relay.media_dir", "./uploads")
	v.SetDefault("relay.public_url", "http://localhost:8000")
	v.SetDefault("relay.max_upload_bytes", 25<<20)
	v.SetDefault("relay.shutdown_seconds", 10)
	v.SetDefault("relay.cors_origins", "*")

	v.SetDefault("mongo.uri", "mongodb://localhost:27017")
	v.SetDefault("mongo.database", "chat")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "chat")

	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic_message_sent", "chat.message.sent")
	v.SetDefault("kafka.topic_conversation_created", "chat.conversation.created")

	v.SetDefault("nats.url", "nats://localhost:4222")

	v.SetDefault("aws.region", "us-east-1")
	v.SetDefault("aws.bucket", "")
	v.SetDefault("aws.endpoint", "")
	v.SetDefault("aws.public_read", false)
	v.SetDefault("aws.presign_seconds", 900)
}

// Load reads .env (if present), the optional config file at path and
// CHAT_* environment overrides such as CHAT_CLIENT_BASE_URL.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("CHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the built-in configuration without touching the
// environment.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	_ = cfg.finish()
	return &cfg
}

func (c *Config) finish() error {
	ms := func(n int) time.Duration { return time.Duration(n) * time.Millisecond }
	sec := func(n int) time.Duration { return time.Duration(n) * time.Second }

	c.PollInterval = ms(c.Client.PollIntervalMS)
	c.RosterInterval = ms(c.Client.RosterIntervalMS)
	c.TypingWindow = ms(c.Client.TypingWindowMS)
	c.TypingTick = ms(c.Client.TypingTickMS)
	c.AckTimeout = ms(c.Client.AckTimeoutMS)
	c.ReconnectMaxElapsed = sec(c.Client.ReconnectMaxElapsedSeconds)
	c.HTTPTimeout = sec(c.HTTP.TimeoutSeconds)
	c.IdleConnTimeout = sec(c.HTTP.IdleConnTimeoutSeconds)
	c.BreakerOpen = sec(c.HTTP.BreakerOpenSeconds)
	c.RetryMaxElapsed = sec(c.HTTP.RetryMaxElapsedSeconds)
	c.PingInterval = sec(c.WS.PingIntervalSeconds)
	c.WriteDeadline = sec(c.WS.WriteDeadlineSeconds)
	c.PresignTTL = sec(c.AWS.PresignSeconds)
	c.ShutdownTimeout = sec(c.Relay.ShutdownSeconds)

	if c.PollInterval <= 0 || c.RosterInterval <= 0 {
		return errors.New("config: poll intervals must be positive")
	}
	if c.TypingWindow <= 0 || c.TypingTick <= 0 {
		return errors.New("config: typing window and tick must be positive")
	}
	if c.Client.WSURL == "" {
		ws, err := DeriveWSURL(c.Client.BaseURL)
		if err != nil {
			return err
		}
		c.Client.WSURL = ws
	}
	return nil
}

// DeriveWSURL turns http(s)://host into ws(s)://host.
func DeriveWSURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("config: base_url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http", "":
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/")
	return u.String(), nil
}

func (c *Config) IsDevelopment() bool { return c.App.Env == "development" }

func (c RelayCfg) PortString() string { return fmt.Sprintf("%d", c.Port) }
