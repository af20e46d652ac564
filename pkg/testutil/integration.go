package testutil

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/starsync/pkg/clients"
	"github.com/ajitpratap0/starsync/pkg/config"
)

// IntegrationEnv enables tests that need live PostgreSQL and StarRocks
// instances. Connection settings come from the usual POSTGRES_* and
// STARROCKS_* variables, or from the YAML file named by IntegrationConfigEnv.
const (
	IntegrationEnv       = "STARSYNC_INTEGRATION"
	IntegrationConfigEnv = "STARSYNC_CONFIG"
)

// IntegrationTest skips t unless integration tests are enabled.
func IntegrationTest(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	if os.Getenv(IntegrationEnv) == "" {
		t.Skipf("Skipping integration test, set %s=1 to run against live databases", IntegrationEnv)
	}
}

// IntegrationSuite connects to the configured source and target once per
// suite.
type IntegrationSuite struct {
	suite.Suite

	Config *config.Config
	Source *clients.SourcePool
	Target *clients.TargetPool
	Logger *zap.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	startTime time.Time
}

// SetupSuite loads the configuration and opens both pools.
func (s *IntegrationSuite) SetupSuite() {
	IntegrationTest(s.T())
	s.ctx, s.cancel = context.WithTimeout(context.Background(), 5*time.Minute)
	s.startTime = time.Now()
	s.Logger = zaptest.NewLogger(s.T())

	cfg, err := config.Load(os.Getenv(IntegrationConfigEnv))
	require.NoError(s.T(), err)
	cfg.Checkpoint.Storage = "file"
	cfg.Checkpoint.Path = s.T().TempDir()
	s.Config = cfg

	s.Source, err = clients.NewSourcePool(s.ctx, cfg.Source, s.Logger)
	require.NoError(s.T(), err)
	s.Target, err = clients.NewTargetPool(s.ctx, cfg.Target, s.Logger)
	require.NoError(s.T(), err)
}

// TearDownSuite closes the pools.
func (s *IntegrationSuite) TearDownSuite() {
	if s.Source != nil {
		s.Source.Close()
	}
	if s.Target != nil {
		_ = s.Target.Close()
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.T().Logf("Integration suite completed in %v", time.Since(s.startTime))
}

// Context returns the suite context.
func (s *IntegrationSuite) Context() context.Context {
	return s.ctx
}

// ExecSource runs statements against the source database.
func (s *IntegrationSuite) ExecSource(stmts ...string) {
	s.T().Helper()
	err := s.Source.WithConn(s.ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		for _, stmt := range stmts {
			if _, err := conn.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("%s: %w", stmt, err)
			}
		}
		return nil
	})
	require.NoError(s.T(), err)
}

// ExecTarget runs statements against the target database.
func (s *IntegrationSuite) ExecTarget(stmts ...string) {
	s.T().Helper()
	for _, stmt := range stmts {
		_, err := s.Target.ExecContext(s.ctx, stmt)
		require.NoError(s.T(), err, stmt)
	}
}

// CountTarget returns the number of rows in a target table.
func (s *IntegrationSuite) CountTarget(table string) int {
	s.T().Helper()
	rows, err := s.Target.QueryContext(s.ctx, fmt.Sprintf("SELECT COUNT(*) FROM `%s`.`%s`", s.Config.Target.Database, table))
	require.NoError(s.T(), err)
	defer rows.Close()
	var n int
	require.True(s.T(), rows.Next())
	require.NoError(s.T(), rows.Scan(&n))
	return n
}
