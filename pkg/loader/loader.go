package loader

import (
	"go.uber.org/zap"

	"github.com/ajitpratap0/starsync/pkg/clients"
	"github.com/ajitpratap0/starsync/pkg/config"
	"github.com/ajitpratap0/starsync/pkg/errors"
)

// Load methods.
const (
	MethodSQL        = "sql"
	MethodStreamLoad = "stream_load"
)

// New returns the Target selected by cfg.LoadMethod. Only the SQL target
// uses pool.
func New(cfg config.TargetConfig, pool *clients.TargetPool, logger *zap.Logger) (Target, error) {
	switch cfg.LoadMethod {
	case MethodSQL, "":
		if pool == nil {
			return nil, errors.New(errors.ErrorTypeConfig, "sql load method needs a starrocks pool")
		}
		return NewSQLTarget(pool, cfg.Database, cfg.BatchRows, logger), nil
	case MethodStreamLoad:
		return NewStreamLoadTarget(cfg, logger)
	default:
		return nil, errors.Newf(errors.ErrorTypeConfig, "unknown load method %q", cfg.LoadMethod)
	}
}
