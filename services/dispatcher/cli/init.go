package cli

const defaultDispatcherYAML = `# go-task-protocol dispatcher config
# Priority: CLI flag > this file > default.

kafka_brokers: "localhost:9092"
redis_addr:    "localhost:6379"
log_level:     "info"
metrics_addr:  ":9094"

# Task name (exact or glob) to queue. Each queue is published to tasks.queue.<name>.
default_queue: "default"
routes:
  # "proj.email.*": "email"
  # "proj.reports.build": "reports"

rate_limit:        100   # max tasks per window per task name (0 = disabled)
rate_limit_window: "1s"
rate_limit_delay:  "1s"  # over-limit tasks get their ETA pushed back this far

# timezone: "UTC"        # zone for naive v1 timestamps; local time when unset

# otel_endpoint: "localhost:4318"  # uncomment to enable OpenTelemetry tracing
# otel_sample_ratio: 1.0
`
