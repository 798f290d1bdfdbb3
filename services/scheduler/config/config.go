package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/ramiqadoumi/go-task-protocol/internal/cliutil"
	"github.com/ramiqadoumi/go-task-protocol/services/scheduler"
)

// Config holds typed configuration for the scheduler service.
type Config struct {
	LogLevel        string
	KafkaBrokers    string
	RedisAddr       string
	PostgresDSN     string
	CheckInterval   time.Duration
	Timezone        string
	Schedule        []scheduler.Entry
	Protocol        cliutil.ProtocolConfig
	MetricsAddr     string
	OTelEndpoint    string
	OTelSampleRatio float64
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) (Config, error) {
	cfg := Config{
		LogLevel:      v.GetString("log_level"),
		KafkaBrokers:  v.GetString("kafka_brokers"),
		RedisAddr:     v.GetString("redis_addr"),
		PostgresDSN:   v.GetString("postgres_dsn"),
		CheckInterval: v.GetDuration("check_interval"),
		Timezone:      v.GetString("timezone"),
		Protocol: cliutil.ProtocolConfig{
			Version:     v.GetInt("protocol_version"),
			ContentType: v.GetString("content_type"),
		},
		MetricsAddr:     v.GetString("metrics_addr"),
		OTelEndpoint:    v.GetString("otel_endpoint"),
		OTelSampleRatio: v.GetFloat64("otel_sample_ratio"),
	}
	if err := v.UnmarshalKey("schedule", &cfg.Schedule); err != nil {
		return cfg, fmt.Errorf("schedule: %w", err)
	}
	return cfg, nil
}
