package config

import (
	"time"

	"github.com/spf13/viper"

	"github.com/ramiqadoumi/go-task-protocol/internal/cliutil"
)

// Config holds typed configuration for the api-gateway service.
type Config struct {
	LogLevel        string
	HTTPPort        string
	MetricsAddr     string
	KafkaBrokers    string
	RedisAddr       string
	PostgresDSN     string
	MaxBodyBytes    int64
	RevokeTTL       time.Duration
	Protocol        cliutil.ProtocolConfig
	OTelEndpoint    string
	OTelSampleRatio float64
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:     v.GetString("log_level"),
		HTTPPort:     v.GetString("http_port"),
		MetricsAddr:  v.GetString("metrics_addr"),
		KafkaBrokers: v.GetString("kafka_brokers"),
		RedisAddr:    v.GetString("redis_addr"),
		PostgresDSN:  v.GetString("postgres_dsn"),
		MaxBodyBytes: v.GetInt64("max_body_bytes"),
		RevokeTTL:    v.GetDuration("revoke_ttl"),
		Protocol: cliutil.ProtocolConfig{
			Version:     v.GetInt("protocol_version"),
			ContentType: v.GetString("content_type"),
		},
		OTelEndpoint:    v.GetString("otel_endpoint"),
		OTelSampleRatio: v.GetFloat64("otel_sample_ratio"),
	}
}
