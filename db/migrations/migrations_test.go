package migrations

import (
	"fmt"
	"io/fs"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEmbeddedMigrationsAreSequential(t *testing.T) {
	files, err := fs.Glob(embedMigrations, dir+"/*.sql")
	require.NoError(t, err)
	require.NotEmpty(t, files)

	for i, name := range files {
		require.True(t, strings.HasPrefix(name, fmt.Sprintf("%s/%05d_", dir, i+1)), name)

		body, err := fs.ReadFile(embedMigrations, name)
		require.NoError(t, err)
		up := strings.Index(string(body), "-- +goose Up")
		down := strings.Index(string(body), "-- +goose Down")
		require.GreaterOrEqual(t, up, 0, name)
		require.Greater(t, down, up, name)
	}
}

func TestSettlementGuardIsPartialUniqueIndex(t *testing.T) {
	body, err := fs.ReadFile(embedMigrations, dir+"/00005_settlement.sql")
	require.NoError(t, err)
	require.Contains(t, string(body), "CREATE UNIQUE INDEX settlement_active_uniq")
	require.Contains(t, string(body), "WHERE status <> 'canceled'")
}
