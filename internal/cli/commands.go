package cli

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/therealutkarshpriyadarshi/ratesweep/pkg/models"
)

type commands struct {
	out io.Writer
}

func (c *commands) flagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(c.out)
	return fs
}

func (c *commands) printJSON(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseValues(raw string) ([]int, error) {
	var values []int
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		v, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("invalid parameter value %q", part)
		}
		values = append(values, v)
	}
	return values, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// jobIDArg returns the single positional job id.
func jobIDArg(fs *flag.FlagSet) (string, error) {
	if fs.NArg() != 1 {
		fs.Usage()
		return "", errors.New("exactly one job id is required")
	}
	return strings.TrimSpace(fs.Arg(0)), nil
}

func (c *commands) runSubmit(args []string) error {
	fs := c.flagSet("submit")
	configPath := configFlag(fs)
	input := fs.String("input", "", "input video path")
	encoder := fs.String("encoder", "", "encoder executable (name on PATH or path)")
	params := fs.String("params", "", "extra encoder parameters, shell quoted")
	mode := fs.String("mode", "crf", "rate-control mode: abr|crf")
	rawValues := fs.String("values", "", "comma separated parameter values (kbps for abr)")
	rawMetrics := fs.String("metrics", "psnr,ssim,vmaf", "comma separated metrics")
	jsonOut := fs.Bool("json", false, "print JSON output")
	if err := fs.Parse(args); err != nil {
		return err
	}

	values, err := parseValues(*rawValues)
	if err != nil {
		return err
	}

	e, err := newEnv(*configPath)
	if err != nil {
		return err
	}
	defer e.Close()

	ctx, cancel := commandContext()
	defer cancel()

	job, err := e.svc.Submit(ctx, models.SweepRequest{
		InputVideoRef:   *input,
		EncoderRef:      *encoder,
		EncoderParams:   *params,
		ParameterMode:   models.ParameterMode(strings.ToLower(*mode)),
		ParameterValues: values,
		Metrics:         splitList(*rawMetrics),
	})
	if err != nil {
		return err
	}

	if *jsonOut {
		return c.printJSON(job)
	}
	fmt.Fprintf(c.out, "job_id: %s\n", job.ID)
	fmt.Fprintf(c.out, "state: %s\n", job.State)
	fmt.Fprintf(c.out, "parameter_values: %v\n", job.ParameterValues)
	fmt.Fprintf(c.out, "metrics: %s\n", strings.Join(job.Metrics, ","))
	return nil
}

func (c *commands) printStatus(status *models.JobStatus) {
	fmt.Fprintf(c.out, "job_id: %s\n", status.ID)
	fmt.Fprintf(c.out, "state: %s\n", status.State)
	fmt.Fprintf(c.out, "progress: %d/%d\n", status.Progress.CompletedCount, status.Progress.TotalCount)
	if v := status.Progress.CurrentParameterValue; v != nil {
		fmt.Fprintf(c.out, "current_parameter_value: %d\n", *v)
	}
	if status.ErrorMessage != "" {
		fmt.Fprintf(c.out, "error: %s\n", status.ErrorMessage)
	}
	fmt.Fprintf(c.out, "updated_at: %s\n", status.UpdatedAt.Format(time.RFC3339))
}

func (c *commands) runStatus(args []string) error {
	fs := c.flagSet("status")
	configPath := configFlag(fs)
	jsonOut := fs.Bool("json", false, "print JSON output")
	if err := fs.Parse(args); err != nil {
		return err
	}
	id, err := jobIDArg(fs)
	if err != nil {
		return err
	}

	e, err := newEnv(*configPath)
	if err != nil {
		return err
	}
	defer e.Close()

	ctx, cancel := commandContext()
	defer cancel()

	status, err := e.svc.Status(ctx, id)
	if err != nil {
		return err
	}
	if *jsonOut {
		return c.printJSON(status)
	}
	c.printStatus(status)
	return nil
}

func (c *commands) runCancel(args []string) error {
	fs := c.flagSet("cancel")
	configPath := configFlag(fs)
	jsonOut := fs.Bool("json", false, "print JSON output")
	if err := fs.Parse(args); err != nil {
		return err
	}
	id, err := jobIDArg(fs)
	if err != nil {
		return err
	}

	e, err := newEnv(*configPath)
	if err != nil {
		return err
	}
	defer e.Close()

	ctx, cancel := commandContext()
	defer cancel()

	status, err := e.svc.Cancel(ctx, id)
	if err != nil {
		return err
	}
	if *jsonOut {
		return c.printJSON(status)
	}
	c.printStatus(status)
	if status.State != models.JobStateCancelled {
		fmt.Fprintln(c.out, "note: the running worker stops at its next subtask boundary")
	}
	return nil
}

func (c *commands) runReport(args []string) error {
	fs := c.flagSet("report")
	configPath := configFlag(fs)
	jsonOut := fs.Bool("json", false, "print the full report as JSON")
	urlExpiry := fs.Duration("url", 0, "print a presigned URL for the exported report, valid this long")
	artifacts := fs.Bool("artifacts", false, "list exported objects for the job")
	if err := fs.Parse(args); err != nil {
		return err
	}
	id, err := jobIDArg(fs)
	if err != nil {
		return err
	}

	e, err := newEnv(*configPath)
	if err != nil {
		return err
	}
	defer e.Close()

	ctx, cancel := commandContext()
	defer cancel()

	report, err := e.svc.Report(ctx, id)
	if err != nil {
		return err
	}
	if *urlExpiry > 0 || *artifacts {
		return c.printExported(ctx, e, id, *urlExpiry, *artifacts)
	}
	if *jsonOut {
		return c.printJSON(report)
	}

	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "%s\tKBPS\tPSNR\tSSIM\tVMAF\tFPS\tBYTES\n", strings.ToUpper(string(report.ParameterMode)))
	for _, res := range report.Results {
		fmt.Fprintf(tw, "%d\t%.1f\t%s\t%s\t%s\t%.2f\t%d\n",
			res.ParameterValue,
			res.Performance.AvgBitrateKbps,
			primaryMean(res, models.MetricFamilyPSNR),
			primaryMean(res, models.MetricFamilySSIM),
			primaryMean(res, models.MetricFamilyVMAF),
			res.Performance.EncodingFPS,
			res.Performance.OutputBytes,
		)
	}
	return tw.Flush()
}

func (c *commands) printExported(ctx context.Context, e *env, id string, expiry time.Duration, artifacts bool) error {
	if e.objects == nil {
		return errors.New("object storage is not enabled (storage.enabled)")
	}
	if expiry > 0 {
		url, err := e.objects.GetURL(ctx, id, expiry)
		if err != nil {
			return err
		}
		fmt.Fprintln(c.out, url)
	}
	if artifacts {
		names, err := e.objects.List(ctx, id)
		if err != nil {
			return err
		}
		for _, name := range names {
			fmt.Fprintln(c.out, name)
		}
	}
	return nil
}

func primaryMean(res models.ParameterResult, family models.MetricFamily) string {
	summary, ok := res.Summary(family)
	if !ok {
		return "-"
	}
	stats, ok := summary.Metrics[summary.Primary]
	if !ok {
		return "-"
	}
	return strconv.FormatFloat(stats.Mean, 'f', 4, 64)
}

func (c *commands) runList(args []string) error {
	fs := c.flagSet("list")
	configPath := configFlag(fs)
	state := fs.String("state", "", "only list jobs in this state")
	jsonOut := fs.Bool("json", false, "print JSON output")
	if err := fs.Parse(args); err != nil {
		return err
	}

	e, err := newEnv(*configPath)
	if err != nil {
		return err
	}
	defer e.Close()

	ctx, cancel := commandContext()
	defer cancel()

	jobs, err := e.svc.List(ctx, models.JobState(strings.ToLower(*state)))
	if err != nil {
		return err
	}
	if *jsonOut {
		return c.printJSON(jobs)
	}

	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATE\tMODE\tPROGRESS\tCREATED")
	for _, job := range jobs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%s\n", job.ID, job.State, job.ParameterMode,
			job.Progress.CompletedCount, job.Progress.TotalCount, job.CreatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func (c *commands) runJob(args []string) error {
	fs := c.flagSet("run")
	configPath := configFlag(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	id, err := jobIDArg(fs)
	if err != nil {
		return err
	}

	e, err := newEnv(*configPath)
	if err != nil {
		return err
	}
	defer e.Close()

	ctx, cancel := commandContext()
	defer cancel()

	if err := e.svc.RunJobWithTimeout(ctx, id, e.cfg.Lock.AcquireTimeout); err != nil {
		return err
	}
	job, err := e.svc.Job(id)
	if err != nil {
		return err
	}
	c.printStatus(job.Status())
	return nil
}

func (c *commands) runDelete(args []string) error {
	fs := c.flagSet("delete")
	configPath := configFlag(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	id, err := jobIDArg(fs)
	if err != nil {
		return err
	}

	e, err := newEnv(*configPath)
	if err != nil {
		return err
	}
	defer e.Close()

	ctx, cancel := commandContext()
	defer cancel()

	if err := e.svc.Delete(ctx, id); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "deleted: %s\n", id)
	return nil
}

func (c *commands) runRecover(args []string) error {
	fs := c.flagSet("recover")
	configPath := configFlag(fs)
	jsonOut := fs.Bool("json", false, "print JSON output")
	if err := fs.Parse(args); err != nil {
		return err
	}

	e, err := newEnv(*configPath)
	if err != nil {
		return err
	}
	defer e.Close()

	ctx, cancel := commandContext()
	defer cancel()

	res, err := e.sweeper.Sweep(ctx)
	if err != nil {
		return err
	}
	if *jsonOut {
		return c.printJSON(res)
	}
	fmt.Fprintf(c.out, "temps_removed: %d\n", res.TempsRemoved)
	fmt.Fprintf(c.out, "locks_reclaimed: %s\n", strings.Join(res.LocksReclaimed, ","))
	fmt.Fprintf(c.out, "resumable: %s\n", strings.Join(res.Resumable, ","))
	if len(res.Corrupt) > 0 {
		fmt.Fprintf(c.out, "corrupt: %s\n", strings.Join(res.Corrupt, ","))
	}
	return nil
}
