package config

import (
	"bytes"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/ajitpratap0/starsync/pkg/errors"
)

// envBindings maps configuration keys to the environment variables that override them.
var envBindings = map[string]string{
	"postgres.host":                              "POSTGRES_HOST",
	"postgres.port":                              "POSTGRES_PORT",
	"postgres.database":                          "POSTGRES_DB",
	"postgres.username":                          "POSTGRES_USER",
	"postgres.password":                          "POSTGRES_PASSWORD",
	"postgres.schema":                            "POSTGRES_SCHEMA",
	"postgres.sslmode":                           "POSTGRES_SSLMODE",
	"postgres.connection_pool_size":              "POSTGRES_POOL_SIZE",
	"postgres.connection_timeout":                "POSTGRES_TIMEOUT",
	"postgres.query_timeout":                     "POSTGRES_QUERY_TIMEOUT",
	"postgres.slot_name":                         "POSTGRES_SLOT_NAME",
	"postgres.publication_name":                  "POSTGRES_PUBLICATION",
	"starrocks.host":                             "STARROCKS_HOST",
	"starrocks.port":                             "STARROCKS_PORT",
	"starrocks.http_port":                        "STARROCKS_HTTP_PORT",
	"starrocks.database":                         "STARROCKS_DB",
	"starrocks.username":                         "STARROCKS_USER",
	"starrocks.password":                         "STARROCKS_PASSWORD",
	"starrocks.connection_pool_size":             "STARROCKS_POOL_SIZE",
	"starrocks.load_timeout":                     "STARROCKS_LOAD_TIMEOUT",
	"starrocks.load_method":                      "STARROCKS_LOAD_METHOD",
	"starrocks.compression":                      "STARROCKS_COMPRESSION",
	"cdc.startup_mode":                           "CDC_STARTUP_MODE",
	"cdc.poll_interval_ms":                       "CDC_POLL_INTERVAL",
	"cdc.snapshot_chunk_size":                    "CDC_SNAPSHOT_CHUNK_SIZE",
	"cdc.heartbeat_interval":                     "CDC_HEARTBEAT_INTERVAL",
	"cdc.connect_timeout":                        "CDC_CONNECT_TIMEOUT",
	"checkpointing.checkpoint_interval":          "CHECKPOINT_INTERVAL",
	"checkpointing.checkpoint_timeout":           "CHECKPOINT_TIMEOUT",
	"checkpointing.checkpointing_mode":           "CHECKPOINT_MODE",
	"checkpointing.storage":                      "CHECKPOINT_STORAGE",
	"checkpointing.path":                         "CHECKPOINT_PATH",
	"monitoring.enabled":                         "MONITORING_ENABLED",
	"monitoring.metrics_port":                    "METRICS_PORT",
	"monitoring.health_check_port":               "HEALTH_CHECK_PORT",
	"monitoring.job_check_interval":              "JOB_CHECK_INTERVAL",
	"monitoring.metrics_collection_interval":     "METRICS_COLLECTION_INTERVAL",
	"monitoring.alert_webhook":                   "ERROR_NOTIFICATION_WEBHOOK",
	"monitoring.alert_thresholds.error_rate":     "ALERT_ERROR_RATE",
	"monitoring.alert_thresholds.latency_p99":    "ALERT_LATENCY_P99",
	"monitoring.alert_thresholds.throughput_min": "ALERT_THROUGHPUT_MIN",
	"error_handling.max_retries":                 "ERROR_MAX_RETRIES",
	"error_handling.retry_delay":                 "ERROR_RETRY_DELAY",
	"error_handling.exponential_backoff":         "ERROR_EXPONENTIAL_BACKOFF",
	"error_handling.max_retry_delay":             "ERROR_MAX_RETRY_DELAY",
	"error_handling.dead_letter_queue":           "ERROR_DEAD_LETTER_QUEUE",
	"error_handling.dead_letter.sink":            "DEAD_LETTER_SINK",
	"error_handling.dead_letter.path":            "DEAD_LETTER_PATH",
	"error_handling.dead_letter.topic":           "DEAD_LETTER_TOPIC",
	"logging.level":                              "LOG_LEVEL",
	"logging.file":                               "LOG_FILE",
	"logging.format":                             "LOG_FORMAT",
	"tracing.enabled":                            "TRACING_ENABLED",
	"deployment_mode":                            "DEPLOYMENT_MODE",
}

// SetDefaults registers every default value on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.username", "postgres")
	v.SetDefault("postgres.schema", "public")
	v.SetDefault("postgres.sslmode", "prefer")
	v.SetDefault("postgres.connection_pool_size", 10)
	v.SetDefault("postgres.connection_timeout", 30*time.Second)
	v.SetDefault("postgres.query_timeout", 300*time.Second)
	v.SetDefault("postgres.acquire_timeout", 30*time.Second)
	v.SetDefault("postgres.slot_name", "starsync_slot")
	v.SetDefault("postgres.publication_name", "starsync_publication")

	v.SetDefault("starrocks.host", "localhost")
	v.SetDefault("starrocks.port", 9030)
	v.SetDefault("starrocks.http_port", 8030)
	v.SetDefault("starrocks.username", "root")
	v.SetDefault("starrocks.connection_pool_size", 10)
	v.SetDefault("starrocks.connection_timeout", 30*time.Second)
	v.SetDefault("starrocks.acquire_timeout", 30*time.Second)
	v.SetDefault("starrocks.load_timeout", 600*time.Second)
	v.SetDefault("starrocks.load_method", "sql")
	v.SetDefault("starrocks.batch_rows", 1000)

	v.SetDefault("cdc.startup_mode", StartupHybrid)
	v.SetDefault("cdc.poll_interval_ms", 1000)
	v.SetDefault("cdc.snapshot_chunk_size", 8192)
	v.SetDefault("cdc.heartbeat_interval", 30*time.Second)
	v.SetDefault("cdc.connect_timeout", 30*time.Second)
	v.SetDefault("cdc.max_reconnect_attempts", 5)
	v.SetDefault("cdc.queue_capacity", 10000)
	v.SetDefault("cdc.table_queue_capacity", 10000)
	v.SetDefault("cdc.max_in_flight_events", 0)

	v.SetDefault("checkpointing.checkpoint_interval", 60*time.Second)
	v.SetDefault("checkpointing.checkpoint_timeout", 300*time.Second)
	v.SetDefault("checkpointing.min_pause_between_checkpoints", 5*time.Second)
	v.SetDefault("checkpointing.checkpointing_mode", CheckpointExactlyOnce)
	v.SetDefault("checkpointing.storage", "file")
	v.SetDefault("checkpointing.path", "./data/checkpoints")
	v.SetDefault("checkpointing.table", "starsync_checkpoints")
	v.SetDefault("checkpointing.max_failures", 3)

	v.SetDefault("monitoring.enabled", true)
	v.SetDefault("monitoring.metrics_port", 9090)
	v.SetDefault("monitoring.health_check_port", 8080)
	v.SetDefault("monitoring.job_check_interval", 30*time.Second)
	v.SetDefault("monitoring.metrics_collection_interval", 10*time.Second)
	v.SetDefault("monitoring.liveness_timeout", 2*time.Minute)
	v.SetDefault("monitoring.alert_window", 5*time.Minute)
	v.SetDefault("monitoring.alert_cooldown", 5*time.Minute)
	v.SetDefault("monitoring.alert_thresholds.error_rate", 0.05)
	v.SetDefault("monitoring.alert_thresholds.latency_p99", 1000.0)
	v.SetDefault("monitoring.alert_thresholds.throughput_min", 100.0)
	v.SetDefault("monitoring.alert_thresholds.replication_lag", 300.0)

	v.SetDefault("error_handling.max_retries", 3)
	v.SetDefault("error_handling.retry_delay", 5*time.Second)
	v.SetDefault("error_handling.exponential_backoff", true)
	v.SetDefault("error_handling.max_retry_delay", 300*time.Second)
	v.SetDefault("error_handling.max_total_delay", 10*time.Minute)
	v.SetDefault("error_handling.jitter", 0.25)
	v.SetDefault("error_handling.restart_attempts", 3)
	v.SetDefault("error_handling.dead_letter_queue", true)
	v.SetDefault("error_handling.dead_letter.sink", "file")
	v.SetDefault("error_handling.dead_letter.path", "./data/dead_letter")
	v.SetDefault("error_handling.dead_letter.compression", "none")
	v.SetDefault("error_handling.dead_letter.max_segment_bytes", 64<<20)
	v.SetDefault("error_handling.dead_letter.buffer_size", 1024)
	v.SetDefault("error_handling.dead_letter.topic", "starsync-dead-letter")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.max_file_size_mb", 10)
	v.SetDefault("logging.backup_count", 5)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.exporter", "stdout")
	v.SetDefault("tracing.service_name", "starsync")
	v.SetDefault("tracing.sample_rate", 1.0)

	v.SetDefault("shutdown_grace_period", 30*time.Second)
	v.SetDefault("deployment_mode", DeploymentDocker)
}

// Load reads the YAML file at path (may be empty), applies environment
// overrides and returns a validated configuration.
func Load(path string) (*Config, error) {
	return LoadWithViper(viper.New(), path)
}

// LoadWithViper is Load on a caller supplied viper instance, so CLI flags bound
// with BindPFlag take part in the layering.
func LoadWithViper(v *viper.Viper, path string) (*Config, error) {
	SetDefaults(v)
	v.SetConfigType("yaml")

	if path != "" {
		data, err := os.ReadFile(path) //nolint:gosec // path comes from the operator
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to read config file").
				WithDetail("path", path)
		}
		if err := v.ReadConfig(bytes.NewReader([]byte(substituteEnvVars(string(data))))); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to parse YAML").
				WithDetail("path", path)
		}
	}

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to bind environment")
		}
	}
	_ = v.BindEnv("sync_tables", "SYNC_TABLES")

	cfg := &Config{}
	hook := mapstructure.ComposeDecodeHookFunc(
		secondsToDurationHook(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := v.Unmarshal(cfg, viper.DecodeHook(hook)); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to decode configuration")
	}

	if raw := v.GetString("sync_tables"); raw != "" {
		tables, err := ParseSyncTables(raw)
		if err != nil {
			return nil, err
		}
		cfg.Tables = tables
	}

	cfg.applyTableDefaults()
	cfg.CDC.StartupMode = NormalizeStartupMode(cfg.CDC.StartupMode)
	cfg.Checkpoint.Mode = strings.ToUpper(cfg.Checkpoint.Mode)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseSyncTables parses the SYNC_TABLES format
// "src,tgt,pk,col|col,mode,batch,interval,enabled;...". Composite keys use "+".
func ParseSyncTables(raw string) ([]TableMapping, error) {
	var tables []TableMapping
	for i, def := range strings.Split(raw, ";") {
		def = strings.TrimSpace(def)
		if def == "" {
			continue
		}
		parts := strings.Split(def, ",")
		if len(parts) < 3 {
			return nil, errors.Newf(errors.ErrorTypeConfig, "SYNC_TABLES entry %d needs at least source,target,primary_key", i)
		}
		for j := range parts {
			parts[j] = strings.TrimSpace(parts[j])
		}

		t := TableMapping{
			SourceTable: parts[0],
			TargetTable: parts[1],
			PrimaryKey:  strings.ReplaceAll(parts[2], "+", ","),
		}
		if len(parts) > 3 && parts[3] != "" {
			t.Columns = strings.Split(parts[3], "|")
		}
		if len(parts) > 4 {
			t.SyncMode = parts[4]
		}
		if len(parts) > 5 && parts[5] != "" {
			n, err := strconv.Atoi(parts[5])
			if err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid batch size in SYNC_TABLES").
					WithDetail("table", t.SourceTable)
			}
			t.BatchSize = n
		}
		if len(parts) > 6 && parts[6] != "" {
			d, err := parseSeconds(parts[6])
			if err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid sync interval in SYNC_TABLES").
					WithDetail("table", t.SourceTable)
			}
			t.SyncInterval = d
		}
		if len(parts) > 7 && parts[7] != "" {
			enabled := strings.EqualFold(parts[7], "true")
			t.Enabled = &enabled
		}
		tables = append(tables, t)
	}
	return tables, nil
}

// Save writes cfg as YAML, omitting passwords.
func Save(path string, cfg *Config) error {
	data, err := Marshal(cfg)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "failed to write config file")
	}
	return nil
}

// Marshal renders cfg as YAML with secrets masked.
func Marshal(cfg *Config) ([]byte, error) {
	redacted := *cfg
	if redacted.Source.Password != "" {
		redacted.Source.Password = "******"
	}
	if redacted.Target.Password != "" {
		redacted.Target.Password = "******"
	}
	data, err := yaml.Marshal(&redacted)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal YAML: %w", err)
	}
	return data, nil
}

func (c *Config) applyTableDefaults() {
	for i := range c.Tables {
		t := &c.Tables[i]
		if t.SyncMode == "" {
			t.SyncMode = SyncModeCDC
		}
		t.SyncMode = strings.ToLower(t.SyncMode)
		if t.BatchSize == 0 {
			t.BatchSize = 1000
		}
		if t.SyncInterval == 0 {
			t.SyncInterval = 60 * time.Second
		}
		if t.Enabled == nil {
			enabled := true
			t.Enabled = &enabled
		}
	}
}

// substituteEnvVars replaces ${VAR_NAME} and ${VAR_NAME:-default} with environment values
func substituteEnvVars(content string) string {
	var b strings.Builder
	for {
		start := strings.Index(content, "${")
		if start == -1 {
			break
		}
		end := strings.Index(content[start:], "}")
		if end == -1 {
			break
		}
		end += start

		expr := content[start+2 : end]
		name, def, hasDefault := strings.Cut(expr, ":-")
		value, ok := os.LookupEnv(name)
		if (!ok || value == "") && hasDefault {
			value = def
		}
		b.WriteString(content[:start])
		b.WriteString(value)
		content = content[end+1:]
	}
	b.WriteString(content)
	return b.String()
}

var durationType = reflect.TypeOf(time.Duration(0))

// secondsToDurationHook reads bare numbers as seconds, matching the original
// integer-second settings such as sync_interval: 60.
func secondsToDurationHook() mapstructure.DecodeHookFuncType {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != durationType || from == durationType {
			return data, nil
		}
		switch from.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			return time.Duration(reflect.ValueOf(data).Int()) * time.Second, nil
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			return time.Duration(reflect.ValueOf(data).Uint()) * time.Second, nil
		case reflect.Float32, reflect.Float64:
			return time.Duration(reflect.ValueOf(data).Float() * float64(time.Second)), nil
		case reflect.String:
			if d, err := parseSeconds(data.(string)); err == nil {
				return d, nil
			}
		}
		return data, nil
	}
}

func parseSeconds(s string) (time.Duration, error) {
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(n * float64(time.Second)), nil
	}
	return time.ParseDuration(s)
}
