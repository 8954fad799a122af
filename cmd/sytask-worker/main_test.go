package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sympathy-lab/sytask/worker/agent"
)

func TestParseArgs(t *testing.T) {
	wa, err := parseArgs([]string{"3", "4100", "77", "info", "warn", "1"})
	require.NoError(t, err)
	require.Equal(t, workerArgs{
		id:        3,
		port:      4100,
		ppid:      77,
		logLevel:  "info",
		nodeLevel: "warn",
		nocapture: true,
	}, wa)

	_, err = parseArgs([]string{"3", "4100"})
	require.Error(t, err)

	_, err = parseArgs([]string{"x", "4100", "77", "info", "warn", "0"})
	require.Error(t, err)
}

func TestExecutor(t *testing.T) {
	ex, err := executor("command", true)
	require.NoError(t, err)
	require.Equal(t, agent.CommandExecutor{NoCapture: true}, ex)

	_, err = executor("nope", false)
	require.Error(t, err)
}
