package config

import (
	"os"
	"strings"
	"time"

	gateway "github.com/nimasrn/outreach-gateway/internal/gateways"
	"github.com/nimasrn/outreach-gateway/internal/queue"
	"github.com/nimasrn/outreach-gateway/pkg/logger"
	"github.com/nimasrn/outreach-gateway/pkg/pg"
	"github.com/nimasrn/outreach-gateway/pkg/redis"
)

// EnvPathFromArgs returns the file passed as --env=<path>, or "" when none
// was given or it cannot be opened.
func EnvPathFromArgs(args []string) string {
	for _, v := range args {
		path, ok := strings.CutPrefix(v, "--env=")
		if !ok {
			continue
		}
		f, err := os.Open(path)
		if err != nil {
			logger.Error("failed to open the passed env file", "path", path, "error", err)
			return ""
		}
		f.Close()
		return path
	}
	return ""
}

func (c *Config) PostgresRead() pg.Config {
	return pg.Config{
		User:     c.PostgresReadUser,
		Host:     c.PostgresReadHost,
		Port:     c.PostgresReadPort,
		Password: c.PostgresReadPassword,
		Database: c.PostgresReadDatabase,
	}
}

func (c *Config) PostgresWrite() pg.Config {
	return pg.Config{
		User:     c.PostgresWriteUser,
		Host:     c.PostgresWriteHost,
		Port:     c.PostgresWritePort,
		Password: c.PostgresWritePassword,
		Database: c.PostgresWriteDatabase,
	}
}

func (c *Config) RedisOptions(clientName string) *redis.Options {
	return &redis.Options{
		Addrs:      []string{c.RedisAddr},
		ClientName: clientName,
		DB:         c.RedisDatabase,
		Username:   c.RedisUsername,
		Password:   c.RedisPassword,
	}
}

// SendQueue is the queue of SendJob messages, consumed one at a time.
func (c *Config) SendQueue() queue.QueueConfig {
	return c.queueConfig(c.SendQueueName, c.SendQueueVisibilityTimeout, 1)
}

// ValidateQueue is the queue of ValidateJob messages.
func (c *Config) ValidateQueue() queue.QueueConfig {
	return c.queueConfig(c.ValidateQueueName, 5*time.Minute, int64(c.ValidateConcurrency))
}

func (c *Config) queueConfig(name string, visibility time.Duration, batch int64) queue.QueueConfig {
	consumer := c.QueueConsumerName
	if consumer == "" {
		consumer, _ = os.Hostname()
	}
	return queue.QueueConfig{
		Name:              name,
		ConsumerGroup:     c.QueueConsumerGroup,
		ConsumerName:      consumer,
		MaxRetries:        c.QueueMaxRetries,
		VisibilityTimeout: visibility,
		PollInterval:      c.QueuePollInterval,
		RetryBackoff:      c.QueueRetryBackoff,
		BatchSize:         batch,
		MaxLen:            c.QueueMaxLen,
		EnableDLQ:         c.QueueEnableDLQ,
	}
}

// Mail builds the provider client settings. The secondary provider shares
// the API key and is only added when its URL is set.
func (c *Config) Mail() *gateway.Config {
	providers := []gateway.ProviderConfig{
		{Name: "primary", URL: c.ProviderPrimaryUrl, APIKey: c.ProviderAPIKey, Weight: 100},
	}
	if c.ProviderSecondaryUrl != "" {
		providers = append(providers, gateway.ProviderConfig{
			Name: "secondary", URL: c.ProviderSecondaryUrl, APIKey: c.ProviderAPIKey, Weight: 80,
		})
	}
	return &gateway.Config{
		Providers:               providers,
		Timeout:                 c.ProviderTimeout,
		MaxRetries:              3,
		RetryDelay:              200 * time.Millisecond,
		MaxConns:                64,
		HealthCheckInterval:     30 * time.Second,
		CircuitBreakerThreshold: 5,
		CircuitBreakerTimeout:   60 * time.Second,
		RateLimit:               c.ProviderRateLimit,
		RateBurst:               1,
	}
}
