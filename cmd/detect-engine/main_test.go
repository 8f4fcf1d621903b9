package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommandRegistersSubcommands(t *testing.T) {
	root := newRootCommand()
	for _, name := range []string{"serve", "schedule", "stop", "peek", "backfill"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err)
		assert.Equal(t, name, cmd.Name())
	}
}

func TestBackfillValidatesWindowBeforeConnecting(t *testing.T) {
	cases := map[string][]string{
		"bad start": {"backfill", "--job-id", "1", "--start", "yesterday", "--end", "2024-05-01T00:00"},
		"inverted":  {"backfill", "--job-id", "1", "--start", "2024-05-02T00:00", "--end", "2024-05-01T00:00"},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			root := newRootCommand()
			root.SetArgs(args)
			root.SetOut(&bytes.Buffer{})
			root.SetErr(&bytes.Buffer{})
			assert.Error(t, root.Execute())
		})
	}
}

func TestScheduleRequiresJobID(t *testing.T) {
	root := newRootCommand()
	root.SetArgs([]string{"schedule"})
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "job-id")
}
