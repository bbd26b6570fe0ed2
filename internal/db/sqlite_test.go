package db

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildDSN(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		mode       string
		wantTxLock bool
	}{
		{name: "write pool locks at begin", mode: ModeWrite, wantTxLock: true},
		{name: "read pool", mode: ModeRead, wantTxLock: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			dsn := buildDSN("/tmp/qb.sqlite", tt.mode)
			assert.True(t, strings.HasPrefix(dsn, "/tmp/qb.sqlite?"))
			assert.Contains(t, dsn, "_journal_mode=WAL")
			assert.Contains(t, dsn, "_foreign_keys=on")
			if tt.wantTxLock {
				assert.Contains(t, dsn, "_txlock=immediate")
			} else {
				assert.NotContains(t, dsn, "_txlock")
			}
		})
	}
}

func TestOpenSQLite_InvalidMode(t *testing.T) {
	t.Parallel()

	_, err := OpenSQLite(filepath.Join(t.TempDir(), "x.db"), "append", 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid SQLite mode")
}

func TestOpenSQLite_WritePoolIsSingleConnection(t *testing.T) {
	t.Parallel()

	db, err := OpenSQLite(filepath.Join(t.TempDir(), "x.db"), ModeWrite, 8)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	assert.Equal(t, 1, db.Stats().MaxOpenConnections)
}

func TestRunMigrations_CreatesExecutionTables(t *testing.T) {
	t.Parallel()

	writeDB, _ := OpenTestSQLite(t)

	for _, table := range []string{
		"query_executions",
		"statement_executions",
		"query_execution_errors",
		"query_execution_tables",
		"result_blobs",
	} {
		var name string
		err := writeDB.QueryRow(`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name)
		require.NoError(t, err, table)
		assert.Equal(t, table, name)
	}
}
