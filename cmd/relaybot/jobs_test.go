package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chanrelay/internal/domain"
	"chanrelay/internal/storage"
	logx "chanrelay/pkg/logx"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestJobsDeleteRequiresStoppedJob(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "relay.db")
	cfgPath := filepath.Join(dir, "relay.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("telegram:\n  token: \"1:x\"\nstorage:\n  driver: sqlite\n  path: "+dbPath+"\n"), 0o600))

	ctx := context.Background()
	st, err := storage.Open(storage.Config{Driver: "sqlite", Path: dbPath}, logx.Nop())
	require.NoError(t, err)
	job, err := st.CreateJob(ctx, &domain.Job{Source: "-1001", Target: "-1002", StartID: 10, End: domain.Unbounded(), BatchSize: 5, IntervalMinutes: 5, Filter: domain.FilterAll})
	require.NoError(t, err)
	require.NoError(t, st.SetActive(ctx, job.ID, true))
	require.NoError(t, st.Close())

	_, err = runCLI(t, "jobs", "delete", job.ID, "--config", cfgPath)
	assert.ErrorIs(t, err, domain.ErrConflict, "an active job is not deleted")

	_, err = runCLI(t, "jobs", "stop", job.ID, "--config", cfgPath)
	require.NoError(t, err)
	out, err := runCLI(t, "jobs", "delete", job.ID, "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "job "+job.ID+" deleted")

	st, err = storage.Open(storage.Config{Driver: "sqlite", Path: dbPath}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()
	_, err = st.GetJob(ctx, job.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
