package config

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"

	AuthModeDevelopment = "development"
	AuthModeJWT         = "jwt"
)

type Config struct {
	Port           string   `mapstructure:"PORT"`
	Env            string   `mapstructure:"ENV"`
	AuthMode       string   `mapstructure:"AUTH_MODE"`
	StoreBackend   string   `mapstructure:"STORE_BACKEND"`
	DatabaseURL    string   `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32    `mapstructure:"DB_MIN_CONNS"`
	RedisURL       string   `mapstructure:"REDIS_URL"`
	AuthIssuer     string   `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL    string   `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience   string   `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string   `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`

	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`

	// Queue policy. These reload while the server runs.
	ConcurrentCapacity    int           `mapstructure:"CONCURRENT_CAPACITY"`
	DefaultServiceMinutes float64       `mapstructure:"DEFAULT_SERVICE_MINUTES"`
	GracePeriod           time.Duration `mapstructure:"GRACE_PERIOD"`

	EWMAAlpha      float64       `mapstructure:"EWMA_ALPHA"`
	SweepInterval  time.Duration `mapstructure:"SWEEP_INTERVAL"`
	RerankInterval time.Duration `mapstructure:"RERANK_INTERVAL"`
	CASMaxRetries  int           `mapstructure:"CAS_MAX_RETRIES"`
	CASBaseBackoff time.Duration `mapstructure:"CAS_BASE_BACKOFF"`

	NotifyBuffer      int           `mapstructure:"NOTIFY_BUFFER"`
	NotifyJournalSize int           `mapstructure:"NOTIFY_JOURNAL_SIZE"`
	NotifyMaxElapsed  time.Duration `mapstructure:"NOTIFY_MAX_ELAPSED"`

	KafkaBrokers       []string `mapstructure:"KAFKA_BROKERS"`
	KafkaTopic         string   `mapstructure:"KAFKA_TOPIC"`
	PubNubPublishKey   string   `mapstructure:"PUBNUB_PUBLISH_KEY"`
	PubNubSubscribeKey string   `mapstructure:"PUBNUB_SUBSCRIBE_KEY"`
	PubNubChannel      string   `mapstructure:"PUBNUB_CHANNEL"`
}

var keys = []string{
	"PORT", "ENV", "AUTH_MODE", "STORE_BACKEND", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"REDIS_URL", "AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY", "CORS_ORIGINS",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "REQUEST_TIMEOUT",
	"CONCURRENT_CAPACITY", "DEFAULT_SERVICE_MINUTES", "GRACE_PERIOD", "EWMA_ALPHA",
	"SWEEP_INTERVAL", "RERANK_INTERVAL", "CAS_MAX_RETRIES", "CAS_BASE_BACKOFF",
	"NOTIFY_BUFFER", "NOTIFY_JOURNAL_SIZE", "NOTIFY_MAX_ELAPSED",
	"KAFKA_BROKERS", "KAFKA_TOPIC", "PUBNUB_PUBLISH_KEY", "PUBNUB_SUBSCRIBE_KEY", "PUBNUB_CHANNEL",
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(path)
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("AUTH_MODE", "") // inferred from ENV
	v.SetDefault("STORE_BACKEND", StorePostgres)
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("REQUEST_TIMEOUT", "15s")
	v.SetDefault("CONCURRENT_CAPACITY", 1)
	v.SetDefault("DEFAULT_SERVICE_MINUTES", 30)
	v.SetDefault("GRACE_PERIOD", "30m")
	v.SetDefault("EWMA_ALPHA", 0.2)
	v.SetDefault("SWEEP_INTERVAL", "1m")
	v.SetDefault("RERANK_INTERVAL", "1m")
	v.SetDefault("CAS_MAX_RETRIES", 5)
	v.SetDefault("CAS_BASE_BACKOFF", "10ms")
	v.SetDefault("NOTIFY_BUFFER", 256)
	v.SetDefault("NOTIFY_JOURNAL_SIZE", 10000)
	v.SetDefault("NOTIFY_MAX_ELAPSED", "30s")
	v.SetDefault("KAFKA_TOPIC", "waitroom.queue.deltas")
	v.SetDefault("PUBNUB_CHANNEL", "waitroom-board")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		v.BindEnv(k)
	}
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.CORSOrigins = splitList(cfg.CORSOrigins, v.GetString("CORS_ORIGINS"))
	cfg.KafkaBrokers = splitList(cfg.KafkaBrokers, v.GetString("KAFKA_BROKERS"))
	cfg.StoreBackend = strings.ToLower(strings.TrimSpace(cfg.StoreBackend))
	return cfg, nil
}

// splitList accepts both list values and comma separated strings.
func splitList(decoded []string, raw string) []string {
	if len(decoded) == 0 {
		decoded = []string{raw}
	}
	var out []string
	for _, d := range decoded {
		for _, s := range strings.Split(d, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

// Load reads .env (when present) and the environment.
func Load() (*Config, error) {
	return LoadFile(".env")
}

// LoadFile reads path (when present) and the environment.
func LoadFile(path string) (*Config, error) {
	v := newViper(path)
	// Try reading the file, but don't fail if missing
	_ = v.ReadInConfig()
	return decode(v)
}

// Watcher reloads the configuration whenever its file changes.
type Watcher struct {
	v        *viper.Viper
	mu       sync.Mutex
	onChange func(*Config)
	onError  func(error)
}

// Watch starts watching path. onChange receives every configuration that
// decodes and validates; onError receives the rest. The environment still
// overrides file values on each reload.
func Watch(path string, onChange func(*Config), onError func(error)) *Watcher {
	w := &Watcher{v: newViper(path), onChange: onChange, onError: onError}
	_ = w.v.ReadInConfig()
	w.v.OnConfigChange(w.handle)
	w.v.WatchConfig()
	return w
}

func (w *Watcher) handle(e fsnotify.Event) {
	if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	cfg, err := decode(w.v)
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		if w.onError != nil {
			w.onError(fmt.Errorf("reload %s: %w", e.Name, err))
		}
		return
	}
	if w.onChange != nil {
		w.onChange(cfg)
	}
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode returns AUTH_MODE when set. Otherwise development
// environments use the development middleware and everything else validates
// JWTs.
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return AuthModeDevelopment
	}
	return AuthModeJWT
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case StoreMemory:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_BACKEND is %q", StorePostgres)
		}
	default:
		return fmt.Errorf("STORE_BACKEND must be %q or %q, got %q", StoreMemory, StorePostgres, c.StoreBackend)
	}

	switch mode := c.ResolvedAuthMode(); mode {
	case AuthModeDevelopment:
		if c.IsProduction() {
			return fmt.Errorf("AUTH_MODE=development is not allowed in production")
		}
	case AuthModeJWT:
		if c.AuthSigningKey == "" && c.AuthJWKSURL == "" {
			return fmt.Errorf("AUTH_SIGNING_KEY or AUTH_JWKS_URL must be set when AUTH_MODE is %q (current ENV=%q)", AuthModeJWT, c.Env)
		}
		if c.IsProduction() && c.AuthSigningKey != "" {
			return fmt.Errorf("AUTH_SIGNING_KEY is for development only; use AUTH_JWKS_URL in production")
		}
	default:
		return fmt.Errorf("AUTH_MODE must be %q or %q, got %q", AuthModeDevelopment, AuthModeJWT, mode)
	}

	if c.ConcurrentCapacity < 1 {
		return fmt.Errorf("CONCURRENT_CAPACITY must be at least 1, got %d", c.ConcurrentCapacity)
	}
	if c.DefaultServiceMinutes <= 0 {
		return fmt.Errorf("DEFAULT_SERVICE_MINUTES must be positive, got %v", c.DefaultServiceMinutes)
	}
	if c.EWMAAlpha <= 0 || c.EWMAAlpha > 1 {
		return fmt.Errorf("EWMA_ALPHA must be in (0, 1], got %v", c.EWMAAlpha)
	}
	if c.GracePeriod < 0 {
		return fmt.Errorf("GRACE_PERIOD must not be negative, got %s", c.GracePeriod)
	}
	if c.CASMaxRetries < 1 {
		return fmt.Errorf("CAS_MAX_RETRIES must be at least 1, got %d", c.CASMaxRetries)
	}

	if c.PubNubPublishKey != "" && c.PubNubSubscribeKey == "" {
		return fmt.Errorf("PUBNUB_SUBSCRIBE_KEY is required when PUBNUB_PUBLISH_KEY is set")
	}
	if len(c.KafkaBrokers) > 0 && c.KafkaTopic == "" {
		return fmt.Errorf("KAFKA_TOPIC is required when KAFKA_BROKERS is set")
	}
	return nil
}
