package main

import (
	"bytes"
	"context"
	"io/fs"
	"path/filepath"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/spatial/r3"
)

func executeCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	compute := GetGlobalComputeConfig()
	t.Cleanup(func() {
		logger = zap.NewNop().Sugar()
		SetGlobalComputeConfig(compute)
	})

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := executeCommand(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "protein-diffusion dev\n", out)
}

func TestConfigShowCommand(t *testing.T) {
	t.Setenv("PDIFF_MODEL_NUM_LAYERS", "6")
	out, err := executeCommand(t, "config", "show", "--log-level", "error", "--workers", "3")
	require.NoError(t, err)
	assert.Contains(t, out, "num_layers: 6")
	assert.Contains(t, out, "workers: 3")
	assert.Contains(t, out, "level: error")
}

func TestCommandRejectsBadConfig(t *testing.T) {
	_, err := executeCommand(t, "config", "show", "--log-level", "chatty")
	assert.True(t, errors.Is(err, ErrInvalidConfig))
}

func TestTrainNewLRWithoutResume(t *testing.T) {
	// The data directory does not exist; the flag error must come first.
	missing := filepath.Join(t.TempDir(), "no-such-dir")
	_, err := executeCommand(t, "train", "--log-level", "error", "--data", missing, "--new-lr", "1e-4", "--runs-db", "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidConfig))
	assert.False(t, errors.Is(err, ErrNoData))
}

func TestSampleCommandWithoutCheckpoint(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "missing.ckpt")
	_, err := executeCommand(t, "sample", "--checkpoint", missing, "--log-level", "error")
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func TestRMSDCommand(t *testing.T) {
	dir := t.TempDir()
	a := testBackbone(5, testRNG(4))
	b := a.Clone()
	b.Transform(r3.Vec{X: 10, Y: -4}, 1)
	writeTestPDB(t, filepath.Join(dir, "a.pdb"), a)
	writeTestPDB(t, filepath.Join(dir, "b.pdb"), b)

	out, err := executeCommand(t, "rmsd", filepath.Join(dir, "a.pdb"), filepath.Join(dir, "b.pdb"), "--log-level", "error")
	require.NoError(t, err)
	assert.Contains(t, out, "over 20 atoms")
}

func TestRunsShowCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs.db")
	store, err := OpenRunStore(path, nil)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, store.StartRun(ctx, "abc", 0))
	require.NoError(t, store.RecordEpoch(ctx, "abc", 1, 0.5, 40, time.Second))
	require.NoError(t, store.Close())

	out, err := executeCommand(t, "runs", "show", "abc", "--runs-db", path, "--log-level", "error")
	require.NoError(t, err)
	assert.Contains(t, out, "0.500000")
	assert.Contains(t, out, "40 atoms")
}
