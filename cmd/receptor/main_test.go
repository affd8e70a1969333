package main

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/stretchr/testify/require"
)

func TestProcessFlagNames(t *testing.T) {
	var parser = flags.NewParser(Config, flags.None)
	_, err := parser.ParseArgs([]string{
		"--role=both",
		"--node-id=node-1",
		"--concurrency=2",
		"--batch-size=4",
		"--visibility-timeout=90s",
		"--max-depth=500",
		"--shutdown-grace=5s",
		"--directory.file=participants.json",
		"--transmitter.credentials=credentials.json",
	})
	require.NoError(t, err)

	require.Equal(t, "both", Config.Receptor.Role)
	require.Equal(t, "node-1", Config.Receptor.NodeID)
	require.Equal(t, 5*time.Second, Config.Receptor.ShutdownGrace)
	require.Equal(t, 2, Config.Worker.Concurrency)
	require.Equal(t, 4, Config.Worker.BatchSize)
	require.Equal(t, 90*time.Second, Config.Worker.Visibility)
	require.Equal(t, int64(500), Config.Scheduler.MaxDepth)
}

func TestRoleRejectsUnknownValue(t *testing.T) {
	var parser = flags.NewParser(Config, flags.None)
	_, err := parser.ParseArgs([]string{
		"--role=ingester",
		"--directory.file=participants.json",
		"--transmitter.credentials=credentials.json",
	})
	require.Error(t, err)
}

func TestExitCodeMapping(t *testing.T) {
	require.Equal(t, 2, exitCode(fmt.Errorf("%w: database is locked", errStoreUnavailable)))
	require.Equal(t, 1, exitCode(errors.New("reading credentials file")))
}
