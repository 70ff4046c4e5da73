package migrations

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAvailable_VersionsAscending(t *testing.T) {
	versions, err := Available()
	require.NoError(t, err)
	require.NotEmpty(t, versions)
	for i := 1; i < len(versions); i++ {
		assert.Greater(t, versions[i], versions[i-1])
	}
}

func TestEmbeddedMigrations_HaveUpAndDown(t *testing.T) {
	entries, err := fs.ReadDir(embedded, Dir)
	require.NoError(t, err)

	var schema strings.Builder
	for _, e := range entries {
		data, err := fs.ReadFile(embedded, Dir+"/"+e.Name())
		require.NoError(t, err)
		content := string(data)
		assert.Contains(t, content, "-- +goose Up", e.Name())
		assert.Contains(t, content, "-- +goose Down", e.Name())
		schema.WriteString(content)
	}

	for _, table := range []string{
		"workflow_jobs",
		"escrow_accounts",
		"escrow_transactions",
		"escrow_milestones",
		"escrow_disputes",
		"escrow_activities",
		"ledger_entries",
		"tax_period_locks",
	} {
		assert.Contains(t, schema.String(), "CREATE TABLE IF NOT EXISTS "+table, table)
	}
	assert.Contains(t, schema.String(), "dedupe_key      TEXT        UNIQUE")
	assert.Contains(t, schema.String(), "UNIQUE (source_type, source_id)")
}
