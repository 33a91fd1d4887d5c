package main

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onnwee/twitch-autopoll/db"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		args    []string
		want    command
		wantErr bool
	}{
		{[]string{"up"}, cmdUp, false},
		{[]string{"down"}, cmdDown, false},
		{[]string{"version"}, cmdVersion, false},
		{nil, "", true},
		{[]string{"up", "down"}, "", true},
		{[]string{"sideways"}, "", true},
	}
	for _, tt := range tests {
		got, err := parseCommand(tt.args)
		if tt.wantErr {
			assert.Error(t, err, "args %v", tt.args)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestRun_UpDownAndDryRun(t *testing.T) {
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	database, err := db.Connect(context.Background(), dsn)
	require.NoError(t, err)
	defer database.Close()

	for _, stmt := range []string{`DROP TABLE IF EXISTS prediction_events CASCADE`, `DROP TABLE IF EXISTS schema_migrations CASCADE`} {
		_, err = database.Exec(stmt)
		require.NoError(t, err)
	}

	require.NoError(t, run(database, cmdUp, true))
	v, _, err := db.MigrationVersion(database)
	require.NoError(t, err)
	assert.Zero(t, v, "dry-run must not migrate")

	require.NoError(t, run(database, cmdUp, false))
	v, _, err = db.MigrationVersion(database)
	require.NoError(t, err)
	assert.Equal(t, uint(1), v)

	require.NoError(t, run(database, cmdDown, false))
	v, _, err = db.MigrationVersion(database)
	require.NoError(t, err)
	assert.Zero(t, v)
}
