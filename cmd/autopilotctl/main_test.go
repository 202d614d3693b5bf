package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandTree(t *testing.T) {
	for _, path := range [][]string{
		{"migrate"},
		{"sweep", "stuck"},
		{"sweep", "redispatch"},
		{"sweep", "recurring"},
		{"job", "show"},
		{"usage"},
	} {
		cmd, rest, err := rootCmd.Find(path)
		require.NoError(t, err, path)
		assert.Empty(t, rest)
		assert.Equal(t, path[len(path)-1], cmd.Name())
	}
}

func TestArgumentValidation(t *testing.T) {
	assert.Error(t, jobShowCmd.Args(jobShowCmd, nil))
	assert.NoError(t, jobShowCmd.Args(jobShowCmd, []string{"id"}))
	assert.Error(t, usageCmd.Args(usageCmd, []string{"a", "b"}))
	assert.Error(t, migrateCmd.Args(migrateCmd, []string{"extra"}))
}
