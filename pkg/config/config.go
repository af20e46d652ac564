package config

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Sync modes for a table mapping.
const (
	SyncModeCDC    = "cdc"
	SyncModeBatch  = "batch"
	SyncModeHybrid = "hybrid"
)

// Capture startup modes.
const (
	StartupInitialSnapshot = "initial_snapshot"
	StartupContinuous      = "continuous"
	StartupHybrid          = "hybrid"
)

// Checkpointing modes.
const (
	CheckpointExactlyOnce = "EXACTLY_ONCE"
	CheckpointAtLeastOnce = "AT_LEAST_ONCE"
)

// Deployment modes accepted by the CLI.
const (
	DeploymentDocker = "docker"
	DeploymentK8s    = "k8s"
)

// Config is the complete, immutable runtime configuration. It is built once by
// Load and handed to every component constructor.
type Config struct {
	Source        SourceConfig        `mapstructure:"postgres" yaml:"postgres" json:"postgres"`
	Target        TargetConfig        `mapstructure:"starrocks" yaml:"starrocks" json:"starrocks"`
	Tables        []TableMapping      `mapstructure:"tables" yaml:"tables" json:"tables"`
	CDC           CDCConfig           `mapstructure:"cdc" yaml:"cdc" json:"cdc"`
	Checkpoint    CheckpointConfig    `mapstructure:"checkpointing" yaml:"checkpointing" json:"checkpointing"`
	Monitoring    MonitoringConfig    `mapstructure:"monitoring" yaml:"monitoring" json:"monitoring"`
	ErrorHandling ErrorHandlingConfig `mapstructure:"error_handling" yaml:"error_handling" json:"error_handling"`
	Logging       LoggingConfig       `mapstructure:"logging" yaml:"logging" json:"logging"`
	Tracing       TracingConfig       `mapstructure:"tracing" yaml:"tracing" json:"tracing"`

	// ShutdownGracePeriod bounds how long in-flight batches may take to flush on shutdown
	ShutdownGracePeriod time.Duration `mapstructure:"shutdown_grace_period" yaml:"shutdown_grace_period" json:"shutdown_grace_period"`
	// DeploymentMode is docker or k8s and is normally set from the CLI
	DeploymentMode string `mapstructure:"deployment_mode" yaml:"deployment_mode" json:"deployment_mode"`
}

// SourceConfig describes the PostgreSQL source.
type SourceConfig struct {
	Host              string        `mapstructure:"host" yaml:"host" json:"host"`
	Port              int           `mapstructure:"port" yaml:"port" json:"port"`
	Database          string        `mapstructure:"database" yaml:"database" json:"database"`
	Username          string        `mapstructure:"username" yaml:"username" json:"username"`
	Password          string        `mapstructure:"password" yaml:"password" json:"-"`
	Schema            string        `mapstructure:"schema" yaml:"schema" json:"schema"`
	SSLMode           string        `mapstructure:"sslmode" yaml:"sslmode" json:"sslmode"`
	PoolSize          int           `mapstructure:"connection_pool_size" yaml:"connection_pool_size" json:"connection_pool_size"`
	ConnectionTimeout time.Duration `mapstructure:"connection_timeout" yaml:"connection_timeout" json:"connection_timeout"`
	QueryTimeout      time.Duration `mapstructure:"query_timeout" yaml:"query_timeout" json:"query_timeout"`
	AcquireTimeout    time.Duration `mapstructure:"acquire_timeout" yaml:"acquire_timeout" json:"acquire_timeout"`
	SlotName          string        `mapstructure:"slot_name" yaml:"slot_name" json:"slot_name"`
	PublicationName   string        `mapstructure:"publication_name" yaml:"publication_name" json:"publication_name"`
}

// TargetConfig describes the StarRocks target.
type TargetConfig struct {
	Host              string        `mapstructure:"host" yaml:"host" json:"host"`
	Port              int           `mapstructure:"port" yaml:"port" json:"port"`
	HTTPPort          int           `mapstructure:"http_port" yaml:"http_port" json:"http_port"`
	Database          string        `mapstructure:"database" yaml:"database" json:"database"`
	Username          string        `mapstructure:"username" yaml:"username" json:"username"`
	Password          string        `mapstructure:"password" yaml:"password" json:"-"`
	PoolSize          int           `mapstructure:"connection_pool_size" yaml:"connection_pool_size" json:"connection_pool_size"`
	ConnectionTimeout time.Duration `mapstructure:"connection_timeout" yaml:"connection_timeout" json:"connection_timeout"`
	AcquireTimeout    time.Duration `mapstructure:"acquire_timeout" yaml:"acquire_timeout" json:"acquire_timeout"`
	LoadTimeout       time.Duration `mapstructure:"load_timeout" yaml:"load_timeout" json:"load_timeout"`
	// LoadMethod is sql (INSERT/DELETE over the MySQL protocol) or stream_load (HTTP)
	LoadMethod string `mapstructure:"load_method" yaml:"load_method" json:"load_method"`
	// Compression applies to stream load bodies: none, gzip, lz4 or zstd
	Compression string `mapstructure:"compression" yaml:"compression" json:"compression"`
	// BatchRows caps the rows in one INSERT statement or stream load request
	BatchRows int `mapstructure:"batch_rows" yaml:"batch_rows" json:"batch_rows"`
}

// TableMapping declares how one source table is replicated.
type TableMapping struct {
	SourceTable  string            `mapstructure:"source_table" yaml:"source_table" json:"source_table"`
	TargetTable  string            `mapstructure:"target_table" yaml:"target_table" json:"target_table"`
	PrimaryKey   string            `mapstructure:"primary_key" yaml:"primary_key" json:"primary_key"`
	Columns      []string          `mapstructure:"columns" yaml:"columns" json:"columns"`
	ColumnTypes  map[string]string `mapstructure:"column_types" yaml:"column_types,omitempty" json:"column_types,omitempty"`
	SyncMode     string            `mapstructure:"sync_mode" yaml:"sync_mode" json:"sync_mode"`
	BatchSize    int               `mapstructure:"batch_size" yaml:"batch_size" json:"batch_size"`
	SyncInterval time.Duration     `mapstructure:"sync_interval" yaml:"sync_interval" json:"sync_interval"`
	Enabled      *bool             `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
}

// CDCConfig holds capture engine settings.
type CDCConfig struct {
	StartupMode          string        `mapstructure:"startup_mode" yaml:"startup_mode" json:"startup_mode"`
	PollIntervalMS       int           `mapstructure:"poll_interval_ms" yaml:"poll_interval_ms" json:"poll_interval_ms"`
	SnapshotChunkSize    int           `mapstructure:"snapshot_chunk_size" yaml:"snapshot_chunk_size" json:"snapshot_chunk_size"`
	HeartbeatInterval    time.Duration `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval" json:"heartbeat_interval"`
	ConnectTimeout       time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout" json:"connect_timeout"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts" yaml:"max_reconnect_attempts" json:"max_reconnect_attempts"`
	QueueCapacity        int           `mapstructure:"queue_capacity" yaml:"queue_capacity" json:"queue_capacity"`
	TableQueueCapacity   int           `mapstructure:"table_queue_capacity" yaml:"table_queue_capacity" json:"table_queue_capacity"`
	// MaxInFlightEvents bounds routed events waiting for a full table queue.
	// Zero allows one table queue's worth per table.
	MaxInFlightEvents    int           `mapstructure:"max_in_flight_events" yaml:"max_in_flight_events" json:"max_in_flight_events"`
}

// CheckpointConfig holds checkpoint coordinator and store settings.
type CheckpointConfig struct {
	Interval    time.Duration `mapstructure:"checkpoint_interval" yaml:"checkpoint_interval" json:"checkpoint_interval"`
	Timeout     time.Duration `mapstructure:"checkpoint_timeout" yaml:"checkpoint_timeout" json:"checkpoint_timeout"`
	MinPause    time.Duration `mapstructure:"min_pause_between_checkpoints" yaml:"min_pause_between_checkpoints" json:"min_pause_between_checkpoints"`
	Mode        string        `mapstructure:"checkpointing_mode" yaml:"checkpointing_mode" json:"checkpointing_mode"`
	Storage     string        `mapstructure:"storage" yaml:"storage" json:"storage"`
	Path        string        `mapstructure:"path" yaml:"path" json:"path"`
	Table       string        `mapstructure:"table" yaml:"table" json:"table"`
	MaxFailures int           `mapstructure:"max_failures" yaml:"max_failures" json:"max_failures"`
}

// AlertThresholds are the built-in alert rule thresholds.
type AlertThresholds struct {
	ErrorRate         float64 `mapstructure:"error_rate" yaml:"error_rate" json:"error_rate"`
	LatencyP99MS      float64 `mapstructure:"latency_p99" yaml:"latency_p99" json:"latency_p99"`
	ThroughputMin     float64 `mapstructure:"throughput_min" yaml:"throughput_min" json:"throughput_min"`
	ReplicationLagSec float64 `mapstructure:"replication_lag" yaml:"replication_lag" json:"replication_lag"`
}

// MonitoringConfig holds health, metrics and alerting settings.
type MonitoringConfig struct {
	Enabled                   bool            `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	BindAddress               string          `mapstructure:"bind_address" yaml:"bind_address" json:"bind_address"`
	MetricsPort               int             `mapstructure:"metrics_port" yaml:"metrics_port" json:"metrics_port"`
	HealthCheckPort           int             `mapstructure:"health_check_port" yaml:"health_check_port" json:"health_check_port"`
	JobCheckInterval          time.Duration   `mapstructure:"job_check_interval" yaml:"job_check_interval" json:"job_check_interval"`
	MetricsCollectionInterval time.Duration   `mapstructure:"metrics_collection_interval" yaml:"metrics_collection_interval" json:"metrics_collection_interval"`
	LivenessTimeout           time.Duration   `mapstructure:"liveness_timeout" yaml:"liveness_timeout" json:"liveness_timeout"`
	AlertWindow               time.Duration   `mapstructure:"alert_window" yaml:"alert_window" json:"alert_window"`
	AlertCooldown             time.Duration   `mapstructure:"alert_cooldown" yaml:"alert_cooldown" json:"alert_cooldown"`
	AlertWebhook              string          `mapstructure:"alert_webhook" yaml:"alert_webhook" json:"alert_webhook"`
	AlertThresholds           AlertThresholds `mapstructure:"alert_thresholds" yaml:"alert_thresholds" json:"alert_thresholds"`
}

// DeadLetterConfig selects and tunes the dead-letter sink.
type DeadLetterConfig struct {
	Sink            string   `mapstructure:"sink" yaml:"sink" json:"sink"`
	Path            string   `mapstructure:"path" yaml:"path" json:"path"`
	Compression     string   `mapstructure:"compression" yaml:"compression" json:"compression"`
	MaxSegmentBytes int64    `mapstructure:"max_segment_bytes" yaml:"max_segment_bytes" json:"max_segment_bytes"`
	BufferSize      int      `mapstructure:"buffer_size" yaml:"buffer_size" json:"buffer_size"`
	Brokers         []string `mapstructure:"brokers" yaml:"brokers" json:"brokers"`
	Topic           string   `mapstructure:"topic" yaml:"topic" json:"topic"`
}

// ErrorHandlingConfig drives the retry supervisor and dead-letter path.
type ErrorHandlingConfig struct {
	MaxRetries         int              `mapstructure:"max_retries" yaml:"max_retries" json:"max_retries"`
	RetryDelay         time.Duration    `mapstructure:"retry_delay" yaml:"retry_delay" json:"retry_delay"`
	ExponentialBackoff bool             `mapstructure:"exponential_backoff" yaml:"exponential_backoff" json:"exponential_backoff"`
	MaxRetryDelay      time.Duration    `mapstructure:"max_retry_delay" yaml:"max_retry_delay" json:"max_retry_delay"`
	MaxTotalDelay      time.Duration    `mapstructure:"max_total_delay" yaml:"max_total_delay" json:"max_total_delay"`
	Jitter             float64          `mapstructure:"jitter" yaml:"jitter" json:"jitter"`
	RestartAttempts    int              `mapstructure:"restart_attempts" yaml:"restart_attempts" json:"restart_attempts"`
	DeadLetterQueue    bool             `mapstructure:"dead_letter_queue" yaml:"dead_letter_queue" json:"dead_letter_queue"`
	DeadLetter         DeadLetterConfig `mapstructure:"dead_letter" yaml:"dead_letter" json:"dead_letter"`
}

// LoggingConfig configures pkg/logger.
type LoggingConfig struct {
	Level       string `mapstructure:"level" yaml:"level" json:"level"`
	Format      string `mapstructure:"format" yaml:"format" json:"format"`
	File        string `mapstructure:"file" yaml:"file" json:"file"`
	MaxSizeMB   int    `mapstructure:"max_file_size_mb" yaml:"max_file_size_mb" json:"max_file_size_mb"`
	BackupCount int    `mapstructure:"backup_count" yaml:"backup_count" json:"backup_count"`
	MaxAgeDays  int    `mapstructure:"max_age_days" yaml:"max_age_days" json:"max_age_days"`
	Development bool   `mapstructure:"development" yaml:"development" json:"development"`
}

// TracingConfig configures pkg/observability.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Exporter    string  `mapstructure:"exporter" yaml:"exporter" json:"exporter"`
	ServiceName string  `mapstructure:"service_name" yaml:"service_name" json:"service_name"`
	SampleRate  float64 `mapstructure:"sample_rate" yaml:"sample_rate" json:"sample_rate"`
}

// KeyColumns returns the primary key columns in declaration order.
func (t TableMapping) KeyColumns() []string {
	parts := strings.Split(t.PrimaryKey, ",")
	cols := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			cols = append(cols, p)
		}
	}
	return cols
}

// IsEnabled reports whether the mapping participates in replication.
func (t TableMapping) IsEnabled() bool {
	return t.Enabled == nil || *t.Enabled
}

// UsesLog reports whether the table is captured from the replication stream.
func (t TableMapping) UsesLog() bool {
	return t.SyncMode != SyncModeBatch
}

// QualifiedSource returns schema.table, using schema when the mapping is unqualified.
func (t TableMapping) QualifiedSource(schema string) string {
	if strings.Contains(t.SourceTable, ".") {
		return t.SourceTable
	}
	return schema + "." + t.SourceTable
}

// EnabledTables returns a copy of the enabled table mappings.
func (c *Config) EnabledTables() []TableMapping {
	out := make([]TableMapping, 0, len(c.Tables))
	for _, t := range c.Tables {
		if t.IsEnabled() {
			out = append(out, t)
		}
	}
	return out
}

// ID identifies the source for checkpoint keys.
func (s SourceConfig) ID() string {
	return fmt.Sprintf("%s:%d/%s/%s", s.Host, s.Port, s.Database, s.SlotName)
}

// DSN returns a postgres connection URL.
func (s SourceConfig) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(s.Username, s.Password),
		Host:   net.JoinHostPort(s.Host, strconv.Itoa(s.Port)),
		Path:   "/" + s.Database,
	}
	q := url.Values{}
	if s.SSLMode != "" {
		q.Set("sslmode", s.SSLMode)
	}
	if s.ConnectionTimeout > 0 {
		q.Set("connect_timeout", strconv.Itoa(int(s.ConnectionTimeout.Seconds())))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// ReplicationDSN returns a connection URL opening a logical replication session.
func (s SourceConfig) ReplicationDSN() string {
	dsn := s.DSN()
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "replication=database"
}

// Addr returns the MySQL protocol address of the StarRocks frontend.
func (t TargetConfig) Addr() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// HTTPAddr returns the stream load address of the StarRocks frontend.
func (t TargetConfig) HTTPAddr() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.HTTPPort))
}

// PollInterval returns the minimum delay between replication receive waits.
func (c CDCConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// NormalizeStartupMode maps accepted aliases onto the three capture modes.
func NormalizeStartupMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "initial", "hybrid", "":
		return StartupHybrid
	case "latest", "continuous", "latest-offset":
		return StartupContinuous
	case "snapshot", "initial_snapshot", "snapshot_only":
		return StartupInitialSnapshot
	default:
		return mode
	}
}
