package config

import (
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	AppEnv   string `env:"APP_ENV" envDefault:"development"`
	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`

	PostgresDSN   string `env:"POSTGRES_DSN,notEmpty"`
	RedisAddr     string `env:"REDIS_ADDR,notEmpty"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisNS       string `env:"REDIS_NAMESPACE" envDefault:"ingest"`

	// Shared secret for the chat platform webhook (base64 HMAC over raw body).
	ChannelSecret string `env:"CHANNEL_SECRET,notEmpty"`
	ChannelToken  string `env:"CHANNEL_ACCESS_TOKEN,notEmpty"`
	PlatformAPI   string `env:"PLATFORM_API_BASE,notEmpty"`

	// Independent secret for the processing-service result callback.
	OCRWebhookSecret string `env:"OCR_WEBHOOK_SECRET,notEmpty"`

	ReviewBaseURL string `env:"REVIEW_BASE_URL" envDefault:"https://review.localhost"`

	// StrictSignature forces 401 on bad signatures. When unset it follows
	// APP_ENV: strict in production, log-and-continue elsewhere.
	StrictSignature *bool `env:"STRICT_SIGNATURE"`

	MessageWorkers    int `env:"MESSAGE_WORKERS" envDefault:"8"`
	FollowWorkers     int `env:"FOLLOW_WORKERS" envDefault:"2"`
	MembershipWorkers int `env:"MEMBERSHIP_WORKERS" envDefault:"2"`
	DefaultWorkers    int `env:"DEFAULT_WORKERS" envDefault:"2"`

	JobMaxAttempts  int           `env:"JOB_MAX_ATTEMPTS" envDefault:"3"`
	JobBackoffBase  time.Duration `env:"JOB_BACKOFF_BASE" envDefault:"2s"`
	JobStaleAfter   time.Duration `env:"JOB_STALE_AFTER" envDefault:"5m"`
	PlatformTimeout time.Duration `env:"PLATFORM_TIMEOUT" envDefault:"10s"`
	DBTimeout       time.Duration `env:"DB_TIMEOUT" envDefault:"15s"`
}

func Load() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) Production() bool { return c.AppEnv == "production" }

// Strict reports whether invalid webhook signatures are fatal for the request.
func (c Config) Strict() bool {
	if c.StrictSignature != nil {
		return *c.StrictSignature
	}
	return c.Production()
}
