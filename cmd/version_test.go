package cmd

import (
	"fmt"
	"testing"

	"github.com/ChA0S-f4me/CodersSquad-Kyrtizanka/kyrtizanka"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionCommand(t *testing.T) {
	restoreEnv(t)
	originalVersion := kyrtizanka.Version
	originalCommitSHA := kyrtizanka.CommitSHA
	originalBuildTime := kyrtizanka.BuildTime

	t.Cleanup(
		func() {
			kyrtizanka.Version = originalVersion
			kyrtizanka.CommitSHA = originalCommitSHA
			kyrtizanka.BuildTime = originalBuildTime
		},
	)

	kyrtizanka.Version = "1.0.0"
	kyrtizanka.CommitSHA = "abc123"
	kyrtizanka.BuildTime = "2023-10-01T12:00:00Z"

	output, err := execute(t, "--config=", "version")
	require.NoError(t, err)

	expected := fmt.Sprintf(
		"version=%s commit=%s built: %s",
		kyrtizanka.Version,
		kyrtizanka.CommitSHA,
		kyrtizanka.BuildTime,
	)
	assert.Equal(t, expected, output)
}
