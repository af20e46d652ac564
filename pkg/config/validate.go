package config

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/ajitpratap0/starsync/pkg/errors"
)

var (
	identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_$]*(\.[A-Za-z_][A-Za-z0-9_$]*)?$`)
	columnTypePattern = regexp.MustCompile(`^(?i)(BOOLEAN|TINYINT|SMALLINT|INT|INTEGER|BIGINT|LARGEINT|FLOAT|DOUBLE|DECIMAL(\(\d+\s*,\s*\d+\))?|CHAR\(\d+\)|VARCHAR\(\d+\)|STRING|DATE|DATETIME|JSON)$`)
)

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if c.Source.Host == "" {
		add("postgres.host is required")
	}
	if c.Source.Database == "" {
		add("postgres.database is required")
	}
	if !validPort(c.Source.Port) {
		add("postgres.port %d is out of range", c.Source.Port)
	}
	if c.Source.PoolSize <= 0 {
		add("postgres.connection_pool_size must be positive")
	}
	if !identifierPattern.MatchString(c.Source.SlotName) || strings.Contains(c.Source.SlotName, ".") {
		add("postgres.slot_name %q is not a valid identifier", c.Source.SlotName)
	}
	if !identifierPattern.MatchString(c.Source.PublicationName) || strings.Contains(c.Source.PublicationName, ".") {
		add("postgres.publication_name %q is not a valid identifier", c.Source.PublicationName)
	}

	if c.Target.Host == "" {
		add("starrocks.host is required")
	}
	if c.Target.Database == "" {
		add("starrocks.database is required")
	}
	if !validPort(c.Target.Port) {
		add("starrocks.port %d is out of range", c.Target.Port)
	}
	if c.Target.LoadMethod == "stream_load" && !validPort(c.Target.HTTPPort) {
		add("starrocks.http_port %d is out of range", c.Target.HTTPPort)
	}
	if c.Target.LoadMethod != "sql" && c.Target.LoadMethod != "stream_load" {
		add("starrocks.load_method must be sql or stream_load, got %q", c.Target.LoadMethod)
	}
	switch c.Target.Compression {
	case "", "none", "gzip", "lz4", "zstd":
	default:
		add("starrocks.compression %q is not supported by stream load", c.Target.Compression)
	}
	if c.Target.BatchRows < 0 {
		add("starrocks.batch_rows must not be negative")
	}
	if c.Target.PoolSize <= 0 {
		add("starrocks.connection_pool_size must be positive")
	}

	c.validateTables(add)

	switch c.CDC.StartupMode {
	case StartupInitialSnapshot, StartupContinuous, StartupHybrid:
	default:
		add("cdc.startup_mode %q is not one of initial_snapshot, continuous, hybrid", c.CDC.StartupMode)
	}
	if c.CDC.SnapshotChunkSize <= 0 {
		add("cdc.snapshot_chunk_size must be positive")
	}
	if c.CDC.PollIntervalMS < 0 {
		add("cdc.poll_interval_ms must not be negative")
	}
	if c.CDC.QueueCapacity <= 0 || c.CDC.TableQueueCapacity <= 0 {
		add("cdc queue capacities must be positive")
	}
	if c.CDC.MaxInFlightEvents < 0 {
		add("cdc.max_in_flight_events must not be negative")
	}
	if c.CDC.HeartbeatInterval <= 0 {
		add("cdc.heartbeat_interval must be positive")
	}

	if c.Checkpoint.Interval <= 0 {
		add("checkpointing.checkpoint_interval must be positive")
	}
	if c.Checkpoint.Timeout <= 0 {
		add("checkpointing.checkpoint_timeout must be positive")
	}
	if c.Checkpoint.Mode != CheckpointExactlyOnce && c.Checkpoint.Mode != CheckpointAtLeastOnce {
		add("checkpointing.checkpointing_mode must be EXACTLY_ONCE or AT_LEAST_ONCE, got %q", c.Checkpoint.Mode)
	}
	switch c.Checkpoint.Storage {
	case "file":
		if c.Checkpoint.Path == "" {
			add("checkpointing.path is required for file storage")
		}
	case "target":
		if !identifierPattern.MatchString(c.Checkpoint.Table) {
			add("checkpointing.table %q is not a valid identifier", c.Checkpoint.Table)
		}
	case "memory":
		// checkpoints do not survive a restart
	default:
		add("checkpointing.storage must be file, target or memory, got %q", c.Checkpoint.Storage)
	}
	if c.Checkpoint.MaxFailures <= 0 {
		add("checkpointing.max_failures must be positive")
	}

	if c.Monitoring.Enabled {
		if !validPort(c.Monitoring.HealthCheckPort) {
			add("monitoring.health_check_port %d is out of range", c.Monitoring.HealthCheckPort)
		}
		if !validPort(c.Monitoring.MetricsPort) {
			add("monitoring.metrics_port %d is out of range", c.Monitoring.MetricsPort)
		}
	}

	eh := c.ErrorHandling
	if eh.MaxRetries < 0 {
		add("error_handling.max_retries must not be negative")
	}
	if eh.RetryDelay <= 0 {
		add("error_handling.retry_delay must be positive")
	}
	if eh.MaxRetryDelay < eh.RetryDelay {
		add("error_handling.max_retry_delay must be at least retry_delay")
	}
	if eh.Jitter < 0 || eh.Jitter > 1 {
		add("error_handling.jitter must be within [0, 1]")
	}
	if eh.DeadLetterQueue {
		switch eh.DeadLetter.Sink {
		case "file":
			if eh.DeadLetter.Path == "" {
				add("error_handling.dead_letter.path is required for the file sink")
			}
		case "kafka":
			if len(eh.DeadLetter.Brokers) == 0 || eh.DeadLetter.Topic == "" {
				add("error_handling.dead_letter needs brokers and topic for the kafka sink")
			}
		default:
			add("error_handling.dead_letter.sink must be file or kafka, got %q", eh.DeadLetter.Sink)
		}
		switch eh.DeadLetter.Compression {
		case "", "none", "gzip", "zstd", "lz4", "snappy", "s2":
		default:
			add("error_handling.dead_letter.compression %q is not supported", eh.DeadLetter.Compression)
		}
	}

	switch c.Logging.Format {
	case "json", "console":
	default:
		add("logging.format must be json or console, got %q", c.Logging.Format)
	}

	if c.DeploymentMode != DeploymentDocker && c.DeploymentMode != DeploymentK8s {
		add("deployment mode must be docker or k8s, got %q", c.DeploymentMode)
	}

	if len(problems) > 0 {
		return errors.New(errors.ErrorTypeConfig, "invalid configuration: "+strings.Join(problems, "; ")).
			WithDetail("problems", problems)
	}
	return nil
}

func (c *Config) validateTables(add func(string, ...interface{})) {
	enabled := 0
	sources := make(map[string]bool)
	targets := make(map[string]bool)

	for i, t := range c.Tables {
		if !t.IsEnabled() {
			continue
		}
		enabled++

		if t.SourceTable == "" || !identifierPattern.MatchString(t.SourceTable) {
			add("tables[%d].source_table %q is missing or invalid", i, t.SourceTable)
		}
		if t.TargetTable == "" || !identifierPattern.MatchString(t.TargetTable) {
			add("tables[%d].target_table %q is missing or invalid", i, t.TargetTable)
		}

		keys := t.KeyColumns()
		if len(keys) == 0 {
			add("tables[%d].primary_key is required", i)
		}

		qualified := t.QualifiedSource(c.Source.Schema)
		if sources[qualified] {
			add("tables[%d]: source table %s is mapped twice", i, qualified)
		}
		sources[qualified] = true
		if targets[t.TargetTable] {
			add("tables[%d]: target table %s is mapped twice", i, t.TargetTable)
		}
		targets[t.TargetTable] = true

		switch t.SyncMode {
		case SyncModeCDC, SyncModeBatch, SyncModeHybrid:
		default:
			add("tables[%d].sync_mode %q is not one of cdc, batch, hybrid", i, t.SyncMode)
		}
		if t.BatchSize <= 0 {
			add("tables[%d].batch_size must be positive", i)
		}
		if t.SyncInterval <= 0 {
			add("tables[%d].sync_interval must be positive", i)
		}

		if len(t.Columns) > 0 {
			cols := make(map[string]bool, len(t.Columns))
			for _, col := range t.Columns {
				cols[col] = true
			}
			for _, k := range keys {
				if !cols[k] {
					add("tables[%d]: primary key column %q is not in columns", i, k)
				}
			}
		}
		for col, typ := range t.ColumnTypes {
			if !columnTypePattern.MatchString(strings.TrimSpace(typ)) {
				add("tables[%d].column_types[%s]: unsupported type %q", i, col, typ)
			}
		}
	}

	if enabled == 0 {
		add("at least one enabled table mapping is required")
	}
}

func validPort(p int) bool {
	return p > 0 && p < 65536
}
