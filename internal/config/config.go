package config

import (
	"time"

	"github.com/Netflix/go-env"
	"github.com/joho/godotenv"
	"github.com/nimasrn/outreach-gateway/pkg/logger"
	"github.com/pkg/errors"
)

const ConfigTagName = "env"

var config *Config

// Config holds every tunable of the gateway binaries. Values come from the
// process environment, optionally seeded from a .env file; nothing else in
// the codebase reads the environment directly.
type Config struct {
	AppEnv              string `env:"APP_ENV,default=dev"`
	AppName             string `env:"APP_NAME,default=outreach_gateway"`
	AppDebugMetricsAddr string `env:"APP_DEBUG_METRIC_ADDR,default=:9100"`
	AppDebugMetricsURI  string `env:"APP_DEBUG_METRIC_URI,default=/metrics"`
	// AppPublicURL is the externally reachable base used in tracking links.
	AppPublicURL string `env:"APP_PUBLIC_URL,default=http://localhost:8080"`

	LogEnv   string `env:"LOG_ENV"`
	LogLevel string `env:"LOG_LEVEL,default=info"`

	HttpListenAddr            string        `env:"HTTP_LISTEN_ADDR,default=:8080"`
	HttpServerReadTimeout     int           `env:"HTTP_SERVER_READ_TIMEOUT,default=30"`
	HttpServerWriteTimeout    int           `env:"HTTP_SERVER_WRITE_TIMEOUT,default=30"`
	HttpServerReadBufferSize  int           `env:"HTTP_SERVER_READ_BUFFER_SIZE,default=16384"`
	HttpServerWriteBufferSize int           `env:"HTTP_SERVER_WRITE_BUFFER_SIZE,default=16384"`
	HttpRequestTimeout        time.Duration `env:"HTTP_REQUEST_TIMEOUT,default=5s"`

	PostgresReadHost     string `env:"POSTGRES_READ_HOST"`
	PostgresReadPort     string `env:"POSTGRES_READ_PORT,default=5432"`
	PostgresReadUser     string `env:"POSTGRES_READ_USER"`
	PostgresReadPassword string `env:"POSTGRES_READ_PASSWORD"`
	PostgresReadDatabase string `env:"POSTGRES_READ_DBNAME"`

	PostgresWriteHost     string `env:"POSTGRES_WRITE_HOST"`
	PostgresWritePort     string `env:"POSTGRES_WRITE_PORT,default=5432"`
	PostgresWriteUser     string `env:"POSTGRES_WRITE_USER"`
	PostgresWritePassword string `env:"POSTGRES_WRITE_PASSWORD"`
	PostgresWriteDatabase string `env:"POSTGRES_WRITE_DBNAME"`

	RedisAddr               string `env:"REDIS_ADDR,default=localhost:6379"`
	RedisUsername           string `env:"REDIS_USER"`
	RedisPassword           string `env:"REDIS_PASS"`
	RedisDatabase           int    `env:"REDIS_DATABASE"`
	RedisUniversalKeyPrefix string `env:"REDIS_UNIVERSAL_KEY_PREFIX,default=outreach:"`

	PromNamespace string `env:"PROM_NAMESPACE,default=outreach"`

	SendQueueName string `env:"SEND_QUEUE_NAME,default=send-emails"`
	// SendQueueVisibilityTimeout must exceed the largest warm-up jitter plus
	// the provider timeout, otherwise a sleeping job is reclaimed.
	SendQueueVisibilityTimeout time.Duration `env:"SEND_QUEUE_VISIBILITY_TIMEOUT,default=75m"`
	ValidateQueueName          string        `env:"VALIDATE_QUEUE_NAME,default=validate-addresses"`
	ValidateConcurrency        int           `env:"VALIDATE_CONCURRENCY,default=3"`
	QueueConsumerGroup         string        `env:"QUEUE_CONSUMER_GROUP,default=outreach"`
	QueueConsumerName          string        `env:"QUEUE_CONSUMER_NAME"`
	QueueMaxRetries            int           `env:"QUEUE_MAX_RETRIES,default=3"`
	QueueRetryBackoff          time.Duration `env:"QUEUE_RETRY_BACKOFF,default=5s"`
	QueuePollInterval          time.Duration `env:"QUEUE_POLL_INTERVAL,default=1s"`
	QueueMaxLen                int64         `env:"QUEUE_MAX_LEN,default=100000"`
	QueueEnableDLQ             bool          `env:"QUEUE_ENABLE_DLQ,default=true"`

	WarmupEnabled    bool   `env:"WARMUP_ENABLED,default=true"`
	WarmupResumeHour int    `env:"WARMUP_RESUME_HOUR,default=9"`
	WarmupTimezone   string `env:"WARMUP_TIMEZONE,default=Local"`

	TrackClicks bool `env:"TRACK_CLICKS,default=false"`

	ProviderAPIKey       string        `env:"PROVIDER_API_KEY"`
	ProviderPrimaryUrl   string        `env:"PROVIDER_PRIMARY_URL,default=https://api.resend.com"`
	ProviderSecondaryUrl string        `env:"PROVIDER_SECONDARY_URL"`
	ProviderTimeout      time.Duration `env:"PROVIDER_TIMEOUT,default=10s"`
	ProviderRateLimit    float64       `env:"PROVIDER_RATE_LIMIT,default=2"`
	ProviderFromEmail    string        `env:"PROVIDER_FROM_EMAIL,default=onboarding@resend.dev"`
	ProviderFromName     string        `env:"PROVIDER_FROM_NAME"`
}

func Load(path string) error {
	logger.Info("loading configs..", "path", path)
	c := &Config{}
	if path != "" {
		logger.Info("trying to publish env from file", "path", path)
		if err := godotenv.Load(path); err != nil {
			return errors.Wrapf(err, "failed to load configuration file %s", path)
		}
	}

	if _, err := env.UnmarshalFromEnviron(c); err != nil {
		return errors.Wrap(err, "failed to map env variables to Configuration object")
	}

	if c.WarmupResumeHour < 0 || c.WarmupResumeHour > 23 {
		return errors.Errorf("WARMUP_RESUME_HOUR must be within 0..23, got %d", c.WarmupResumeHour)
	}
	if _, err := c.WarmupLocation(); err != nil {
		return errors.Wrap(err, "invalid WARMUP_TIMEZONE")
	}

	config = c
	return nil
}

// WarmupLocation resolves the zone quota windows are computed in.
func (c *Config) WarmupLocation() (*time.Location, error) {
	if c.WarmupTimezone == "" || c.WarmupTimezone == "Local" {
		return time.Local, nil
	}
	return time.LoadLocation(c.WarmupTimezone)
}

func Get() *Config {
	if config == nil {
		logger.Panic("Config is not initialized")
	}
	return config
}
