package config

import (
	"time"

	"github.com/spf13/viper"

	"github.com/ramiqadoumi/go-task-protocol/internal/cliutil"
)

// Config holds typed configuration for the dispatcher service.
type Config struct {
	LogLevel        string
	KafkaBrokers    string
	RedisAddr       string
	Routes          map[string]string
	DefaultQueue    string
	RateLimit       int
	RateLimitWindow time.Duration
	RateLimitDelay  time.Duration
	Protocol        cliutil.ProtocolConfig
	MetricsAddr     string
	OTelEndpoint    string
	OTelSampleRatio float64
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:        v.GetString("log_level"),
		KafkaBrokers:    v.GetString("kafka_brokers"),
		RedisAddr:       v.GetString("redis_addr"),
		Routes:          v.GetStringMapString("routes"),
		DefaultQueue:    v.GetString("default_queue"),
		RateLimit:       v.GetInt("rate_limit"),
		RateLimitWindow: v.GetDuration("rate_limit_window"),
		RateLimitDelay:  v.GetDuration("rate_limit_delay"),
		Protocol: cliutil.ProtocolConfig{
			Timezone: v.GetString("timezone"),
		},
		MetricsAddr:     v.GetString("metrics_addr"),
		OTelEndpoint:    v.GetString("otel_endpoint"),
		OTelSampleRatio: v.GetFloat64("otel_sample_ratio"),
	}
}
