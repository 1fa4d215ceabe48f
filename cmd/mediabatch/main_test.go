package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msg43/mediabatch/internal/cli"
)

func TestRootCommand(t *testing.T) {
	root := cli.NewRootCmd(version)
	require.NotNil(t, root)
	assert.Equal(t, "mediabatch", root.Use)
	assert.Equal(t, version, root.Version)

	names := make([]string, 0, len(root.Commands()))
	for _, sub := range root.Commands() {
		names = append(names, sub.Name())
	}
	for _, want := range []string{"run", "jobs", "resume", "restart", "forget"} {
		assert.Contains(t, names, want)
	}
}

func TestRunWithoutArgsFails(t *testing.T) {
	root := cli.NewRootCmd(version)
	root.SetArgs([]string{"run"})
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no URLs")
}
