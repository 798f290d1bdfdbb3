package config

import (
	"time"

	"github.com/spf13/viper"

	"github.com/ramiqadoumi/go-task-protocol/internal/cliutil"
)

// Config holds typed configuration for the worker service.
type Config struct {
	LogLevel         string
	KafkaBrokers     string
	RedisAddr        string
	PostgresDSN      string
	Queues           []string
	Hostname         string
	MaxRetries       int
	RetryBaseDelay   time.Duration
	TaskTimeout      time.Duration
	MaxETAWait       time.Duration
	DispatchAttempts int
	RevokeTTL        time.Duration
	Protocol         cliutil.ProtocolConfig
	SMTPHost         string
	SMTPPort         int
	SMTPFrom         string
	SMTPUsername     string
	SMTPPassword     string
	MetricsAddr      string
	OTelEndpoint     string
	OTelSampleRatio  float64
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:         v.GetString("log_level"),
		KafkaBrokers:     v.GetString("kafka_brokers"),
		RedisAddr:        v.GetString("redis_addr"),
		PostgresDSN:      v.GetString("postgres_dsn"),
		Queues:           cliutil.SplitList(v.GetString("queues")),
		Hostname:         v.GetString("hostname"),
		MaxRetries:       v.GetInt("max_retries"),
		RetryBaseDelay:   v.GetDuration("retry_base_delay"),
		TaskTimeout:      v.GetDuration("task_timeout"),
		MaxETAWait:       v.GetDuration("max_eta_wait"),
		DispatchAttempts: v.GetInt("dispatch_attempts"),
		RevokeTTL:        v.GetDuration("revoke_ttl"),
		Protocol: cliutil.ProtocolConfig{
			Version:     v.GetInt("protocol_version"),
			ContentType: v.GetString("content_type"),
			Timezone:    v.GetString("timezone"),
		},
		SMTPHost:        v.GetString("smtp_host"),
		SMTPPort:        v.GetInt("smtp_port"),
		SMTPFrom:        v.GetString("smtp_from"),
		SMTPUsername:    v.GetString("smtp_username"),
		SMTPPassword:    v.GetString("smtp_password"),
		MetricsAddr:     v.GetString("metrics_addr"),
		OTelEndpoint:    v.GetString("otel_endpoint"),
		OTelSampleRatio: v.GetFloat64("otel_sample_ratio"),
	}
}
