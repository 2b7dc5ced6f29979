package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDateRange(t *testing.T) {
	cmd := exportCmd()
	require.NoError(t, cmd.Flags().Set("since", "2025-01-01"))
	require.NoError(t, cmd.Flags().Set("until", "2025-01-31"))

	from, to, err := dateRange(cmd)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), from)
	assert.Equal(t, time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC), to)
}

func TestDateRange_Defaults(t *testing.T) {
	from, to, err := dateRange(exportCmd())
	require.NoError(t, err)
	assert.Equal(t, 31*24*time.Hour, to.Sub(from))
}

func TestDateRange_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		since string
		until string
	}{
		{"bad since", "01/02/2025", ""},
		{"bad until", "", "yesterday"},
		{"reversed", "2025-02-01", "2025-01-01"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := exportCmd()
			if tt.since != "" {
				require.NoError(t, cmd.Flags().Set("since", tt.since))
			}
			if tt.until != "" {
				require.NoError(t, cmd.Flags().Set("until", tt.until))
			}
			_, _, err := dateRange(cmd)
			assert.Error(t, err)
		})
	}
}

func TestRootCommands(t *testing.T) {
	names := map[string]bool{}
	for _, c := range []interface{ Name() string }{
		migrateCmd(), reconcileCmd(), catalogCmd(), exportCmd(), eventsCmd(), deployCmd(),
	} {
		names[c.Name()] = true
	}
	assert.Len(t, names, 6)
	assert.True(t, names["export-payments"])
	assert.True(t, names["deploy-process"])
}
