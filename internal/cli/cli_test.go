package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/therealutkarshpriyadarshi/ratesweep/pkg/models"
)

type cliEnv struct {
	config  string
	root    string
	input   string
	encoder string
}

func newCLIEnv(t *testing.T) cliEnv {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("encoder stub is a shell script")
	}

	dir := t.TempDir()
	env := cliEnv{
		root:    filepath.Join(dir, "jobs"),
		input:   filepath.Join(dir, "input.y4m"),
		encoder: filepath.Join(dir, "ffmpeg"),
		config:  filepath.Join(dir, "config.yaml"),
	}
	require.NoError(t, os.WriteFile(env.input, []byte("YUV4MPEG2"), 0o644))
	require.NoError(t, os.WriteFile(env.encoder, []byte("#!/bin/sh\nexit 0\n"), 0o755))

	cfg := fmt.Sprintf(`store:
  root: %s
metrics:
  enabled: false
logging:
  level: error
  output: stderr
sweep:
  ffmpegPath: %s
`, env.root, env.encoder)
	require.NoError(t, os.WriteFile(env.config, []byte(cfg), 0o644))
	return env
}

func (e cliEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	full := append([]string{args[0], "-config", e.config}, args[1:]...)
	err := Run(full, &out)
	return out.String(), err
}

func (e cliEnv) submit(t *testing.T) *models.Job {
	t.Helper()
	out, err := e.run(t, "submit", "-input", e.input, "-encoder", e.encoder,
		"-mode", "crf", "-values", "28, 23,28", "-metrics", "psnr,ssim", "-json")
	require.NoError(t, err)

	var job models.Job
	require.NoError(t, json.Unmarshal([]byte(out), &job))
	return &job
}

func TestRunUsage(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, Run(nil, &out))
	assert.Contains(t, out.String(), "Commands:")

	out.Reset()
	err := Run([]string{"frobnicate"}, &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown command "frobnicate"`)
	assert.Contains(t, out.String(), "submit")
}

func TestSubmitAndStatus(t *testing.T) {
	env := newCLIEnv(t)

	job := env.submit(t)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, models.JobStateQueued, job.State)
	assert.Equal(t, []int{28, 23}, job.ParameterValues)
	assert.FileExists(t, filepath.Join(env.root, job.ID, "job.json"))

	out, err := env.run(t, "status", job.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "state: queued")
	assert.Contains(t, out, "progress: 0/2")
}

func TestSubmitRejectsBadValues(t *testing.T) {
	env := newCLIEnv(t)

	_, err := env.run(t, "submit", "-input", env.input, "-encoder", env.encoder, "-values", "23,abc")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"abc"`)

	_, err = env.run(t, "submit", "-input", env.input, "-encoder", env.encoder, "-values", "60")
	require.Error(t, err)
	assert.True(t, models.IsValidationError(err))
}

func TestStatusRequiresOneID(t *testing.T) {
	env := newCLIEnv(t)

	_, err := env.run(t, "status")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exactly one job id")
}

func TestListAndCancel(t *testing.T) {
	env := newCLIEnv(t)
	job := env.submit(t)

	out, err := env.run(t, "list", "-state", "queued")
	require.NoError(t, err)
	assert.Contains(t, out, job.ID)

	out, err = env.run(t, "cancel", job.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "state: cancelled")

	out, err = env.run(t, "list", "-state", "queued")
	require.NoError(t, err)
	assert.NotContains(t, out, job.ID)

	_, err = env.run(t, "cancel", job.ID)
	assert.Error(t, err)
}

func TestReportNotReady(t *testing.T) {
	env := newCLIEnv(t)
	job := env.submit(t)

	_, err := env.run(t, "report", job.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not ready")
}

func TestRecoverReclaimsAbandonedLock(t *testing.T) {
	env := newCLIEnv(t)
	job := env.submit(t)

	host, err := os.Hostname()
	require.NoError(t, err)
	// Above the largest pid_max Linux allows.
	marker := fmt.Sprintf(`{"pid":4194305,"hostname":%q,"token":"t","acquired_at":"2026-01-01T00:00:00Z"}`, host)
	require.NoError(t, os.WriteFile(filepath.Join(env.root, job.ID, ".lock"), []byte(marker), 0o644))

	out, err := env.run(t, "recover")
	require.NoError(t, err)
	assert.NoFileExists(t, filepath.Join(env.root, job.ID, ".lock"))
	assert.Contains(t, out, "locks_reclaimed: "+job.ID)
	assert.True(t, strings.Contains(out, "resumable: "+job.ID))
}

func TestDelete(t *testing.T) {
	env := newCLIEnv(t)
	job := env.submit(t)

	out, err := env.run(t, "delete", job.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "deleted: "+job.ID)
	assert.NoDirExists(t, filepath.Join(env.root, job.ID))

	_, err = env.run(t, "status", job.ID)
	assert.Error(t, err)
	_, err = env.run(t, "delete", job.ID)
	assert.Error(t, err)
}
