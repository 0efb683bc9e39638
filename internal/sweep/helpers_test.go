package sweep

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/therealutkarshpriyadarshi/ratesweep/internal/invoker"
	"github.com/therealutkarshpriyadarshi/ratesweep/internal/lock"
	"github.com/therealutkarshpriyadarshi/ratesweep/internal/logging"
	"github.com/therealutkarshpriyadarshi/ratesweep/internal/store"
	"github.com/therealutkarshpriyadarshi/ratesweep/pkg/models"
)

// fakeRunner stands in for the encoder and ffmpeg. It writes well-formed
// artifacts unless told otherwise.
type fakeRunner struct {
	frames int

	mu         sync.Mutex
	calls      []invoker.Command
	running    int
	maxRunning int
	failures   map[string]error // "<name>:<value>"
	garbage    map[string]bool  // "<name>:<value>" writes an unparseable artifact
	delays     map[int]time.Duration

	// barrier holds encodes until that many have started (or a second passes).
	barrier     int
	encodes     int
	barrierOnce sync.Once
	barrierCh   chan struct{}

	// gates hold the encode of a value until closed.
	gates   map[int]chan struct{}
	started chan int
}

func newFakeRunner(frames int) *fakeRunner {
	return &fakeRunner{
		frames:    frames,
		failures:  make(map[string]error),
		garbage:   make(map[string]bool),
		delays:    make(map[int]time.Duration),
		gates:     make(map[int]chan struct{}),
		barrierCh: make(chan struct{}),
	}
}

func callValue(cmd invoker.Command) int {
	parts := strings.SplitN(filepath.Base(cmd.LogPath), "_", 3)
	if len(parts) < 2 {
		return -1
	}
	v, err := strconv.Atoi(parts[1])
	if err != nil {
		return -1
	}
	return v
}

func (r *fakeRunner) Run(ctx context.Context, cmd invoker.Command) (*invoker.Result, error) {
	value := callValue(cmd)
	key := fmt.Sprintf("%s:%d", cmd.Name, value)

	r.mu.Lock()
	r.calls = append(r.calls, cmd)
	r.running++
	if r.running > r.maxRunning {
		r.maxRunning = r.running
	}
	failure := r.failures[key]
	garbage := r.garbage[key]
	delay := r.delays[value]
	gate := r.gates[value]
	started := r.started
	isEncode := cmd.Name == StageEncode
	if isEncode {
		r.encodes++
		if r.barrier > 0 && r.encodes >= r.barrier {
			r.barrierOnce.Do(func() { close(r.barrierCh) })
		}
	}
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.running--
		r.mu.Unlock()
	}()

	if isEncode {
		if started != nil {
			started <- value
		}
		if r.barrier > 0 {
			select {
			case <-r.barrierCh:
			case <-time.After(time.Second):
			}
		}
		if gate != nil {
			select {
			case <-gate:
			case <-ctx.Done():
				return nil, fmt.Errorf("%s interrupted: %w", cmd.Name, ctx.Err())
			}
		}
		time.Sleep(delay)
	}

	if failure != nil {
		return nil, failure
	}

	content, output := r.artifact(cmd.Name, value)
	if garbage {
		content = "n:1 psnr_avg:garbage\n"
		output = "Invalid data found when processing input\n"
	}
	res := &invoker.Result{
		Output:     output,
		Duration:   2 * time.Second,
		UserTime:   1500 * time.Millisecond,
		SystemTime: 500 * time.Millisecond,
	}
	if cmd.OutputArtifact != "" {
		if err := os.WriteFile(cmd.OutputArtifact, []byte(content), 0o644); err != nil {
			return nil, err
		}
		res.ArtifactBytes = int64(len(content))
	}
	return res, nil
}

// encodedBytes is the size of the fake bitstream for value.
func encodedBytes(value int) int {
	return len(fmt.Sprintf("bitstream for %d\n", value))
}

func (r *fakeRunner) artifact(name string, value int) (content, output string) {
	var b strings.Builder
	switch name {
	case StageEncode:
		fmt.Fprintf(&b, "bitstream for %d\n", value)
		output = fmt.Sprintf("x264 [info]: kb/s:%d\nencoded %d frames, 60.00 fps, %d.00 kb/s\n", value, r.frames, value)
	case StageInspect:
		output = fmt.Sprintf(`{"streams": [{"codec_type": "video", "width": 16, "height": 16, "avg_frame_rate": "25/1",
  "nb_frames": "%d"}], "format": {"duration": "%.6f", "bit_rate": "N/A"}}`, r.frames, float64(r.frames)/25)
	case "psnr":
		for i := 1; i <= r.frames; i++ {
			fmt.Fprintf(&b, "n:%d mse_avg:1.0 psnr_avg:%.2f psnr_y:%.2f psnr_u:45.00 psnr_v:46.00\n",
				i, 30+float64(value)/100, 29+float64(value)/100)
		}
	case "ssim":
		for i := 1; i <= r.frames; i++ {
			fmt.Fprintf(&b, "n:%d Y:0.980000 U:0.990000 V:0.990000 All:0.985000 (18.239)\n", i)
		}
	case "vmaf":
		b.WriteString(`{"frames": [`)
		for i := 0; i < r.frames; i++ {
			if i > 0 {
				b.WriteString(",")
			}
			fmt.Fprintf(&b, `{"frameNum": %d, "metrics": {"vmaf": %d}}`, i, 80+i)
		}
		b.WriteString("]}")
	}
	return b.String(), output
}

func (r *fakeRunner) encodedValues() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var values []int
	for _, c := range r.calls {
		if c.Name == StageEncode {
			values = append(values, callValue(c))
		}
	}
	return values
}

func (r *fakeRunner) setGate(value int, gate chan struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if gate == nil {
		delete(r.gates, value)
		return
	}
	r.gates[value] = gate
}

type fakeCache struct {
	mu       sync.Mutex
	statuses map[string]*models.JobStatus
	reports  map[string]*models.Report
}

func newFakeCache() *fakeCache {
	return &fakeCache{statuses: make(map[string]*models.JobStatus), reports: make(map[string]*models.Report)}
}

func (c *fakeCache) SetJobStatus(_ context.Context, status *models.JobStatus) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.statuses[status.ID]; ok && cur.UpdatedAt.After(status.UpdatedAt) {
		return nil
	}
	c.statuses[status.ID] = status
	return nil
}

func (c *fakeCache) GetJobStatus(_ context.Context, id string) (*models.JobStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statuses[id], nil
}

func (c *fakeCache) SetReport(_ context.Context, report *models.Report) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reports[report.JobID] = report
	return nil
}

func (c *fakeCache) GetReport(_ context.Context, id string) (*models.Report, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reports[id], nil
}

func (c *fakeCache) DeleteJob(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.statuses, id)
	delete(c.reports, id)
	return nil
}

type fakeDispatcher struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (d *fakeDispatcher) Dispatch(_ context.Context, id, _ string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ids = append(d.ids, id)
	return d.err
}

type fakeExporter struct {
	mu      sync.Mutex
	reports []*models.Report
	dirs    []string
}

func (e *fakeExporter) ExportReport(_ context.Context, report *models.Report) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reports = append(e.reports, report)
	return nil
}

func (e *fakeExporter) ExportArtifacts(_ context.Context, _ string, dir string) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dirs = append(e.dirs, dir)
	return 0, nil
}

type testEnv struct {
	store   *store.Store
	locks   *lock.Manager
	runner  *fakeRunner
	svc     *Service
	input   string
	encoder string
}

func newTestEnv(t *testing.T, opts Options, options ...Option) *testEnv {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("encoder stub relies on the unix executable bit")
	}

	dir := t.TempDir()
	st, err := store.New(filepath.Join(dir, "jobs"))
	require.NoError(t, err)

	input := filepath.Join(dir, "input.y4m")
	require.NoError(t, os.WriteFile(input, []byte("YUV4MPEG2 W16 H16 F25:1\n"), 0o644))
	encoder := filepath.Join(dir, "ffmpeg")
	require.NoError(t, os.WriteFile(encoder, []byte("#!/bin/sh\nexit 0\n"), 0o755))

	if opts.FFmpegPath == "" {
		opts.FFmpegPath = encoder
	}
	if opts.WorkerID == "" {
		opts.WorkerID = "worker-test"
	}

	locks := lock.NewManager(st.Root(), 10*time.Millisecond)
	runner := newFakeRunner(3)
	return &testEnv{
		store:   st,
		locks:   locks,
		runner:  runner,
		svc:     NewService(st, locks, runner, logging.NewNopLogger(), opts, options...),
		input:   input,
		encoder: encoder,
	}
}

func (e *testEnv) request(mode models.ParameterMode, values []int, metrics ...string) models.SweepRequest {
	if len(metrics) == 0 {
		metrics = []string{"psnr"}
	}
	return models.SweepRequest{
		InputVideoRef:   e.input,
		EncoderRef:      e.encoder,
		EncoderParams:   "-c:v libx264 -preset veryfast",
		ParameterMode:   mode,
		ParameterValues: values,
		Metrics:         metrics,
	}
}

func (e *testEnv) submit(t *testing.T, mode models.ParameterMode, values []int, metrics ...string) *models.Job {
	t.Helper()
	job, err := e.svc.Submit(context.Background(), e.request(mode, values, metrics...))
	require.NoError(t, err)
	return job
}

func (e *testEnv) read(t *testing.T, id string) *models.Job {
	t.Helper()
	job, err := e.store.Read(id)
	require.NoError(t, err)
	return job
}
