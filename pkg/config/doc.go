// Package config provides layered configuration management for starsync.
//
// A configuration is assembled once at startup from three layers, later
// layers overriding earlier ones:
//
//   - built-in defaults (SetDefaults)
//   - a YAML file, with ${VAR_NAME} and ${VAR_NAME:-default} substitution
//   - environment variables such as POSTGRES_HOST, STARROCKS_DB or SYNC_TABLES
//
// The result is a *Config that is validated as a whole and then passed to
// every component constructor. Nothing reads the environment after Load
// returns, so a running job never observes configuration changes.
//
// # File layout
//
//	postgres:
//	  host: ${POSTGRES_HOST:-localhost}
//	  database: app
//	  slot_name: starsync_slot
//	starrocks:
//	  host: starrocks-fe
//	  database: analytics
//	tables:
//	  - source_table: users
//	    target_table: users
//	    primary_key: id
//	    columns: [id, username, email]
//	    sync_mode: cdc
//	    batch_size: 1000
//	    sync_interval: 30s
//	cdc:
//	  startup_mode: hybrid
//	checkpointing:
//	  checkpoint_interval: 60s
//	  storage: file
//	  path: /var/lib/starsync/checkpoints
//
// # Durations
//
// Duration settings accept Go duration strings ("30s", "5m"). Bare numbers
// are read as seconds.
//
// # SYNC_TABLES
//
// SYNC_TABLES replaces the tables list with entries of the form
// "source,target,pk,col|col,mode,batch_size,interval_seconds,enabled"
// separated by semicolons. Composite keys join their columns with "+".
package config
