// Package cli implements sweepctl, the operator command line for sweep jobs.
package cli

import (
	"fmt"
	"io"
)

// Run dispatches a sweepctl command. Output goes to out.
func Run(args []string, out io.Writer) error {
	if len(args) == 0 {
		printRootUsage(out)
		return nil
	}

	c := &commands{out: out}
	switch args[0] {
	case "submit":
		return c.runSubmit(args[1:])
	case "status":
		return c.runStatus(args[1:])
	case "cancel":
		return c.runCancel(args[1:])
	case "report":
		return c.runReport(args[1:])
	case "list":
		return c.runList(args[1:])
	case "run":
		return c.runJob(args[1:])
	case "recover":
		return c.runRecover(args[1:])
	case "delete":
		return c.runDelete(args[1:])
	case "help", "-h", "--help":
		printRootUsage(out)
		return nil
	default:
		printRootUsage(out)
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func printRootUsage(out io.Writer) {
	fmt.Fprintln(out, "sweepctl: submit and inspect rate-control parameter sweeps")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Commands:")
	fmt.Fprintln(out, "  submit   create a sweep job")
	fmt.Fprintln(out, "  status   show state and progress of a job")
	fmt.Fprintln(out, "  cancel   request cancellation of a job")
	fmt.Fprintln(out, "  report   print the report of a completed job")
	fmt.Fprintln(out, "  list     list jobs, newest first")
	fmt.Fprintln(out, "  run      run one job in this process")
	fmt.Fprintln(out, "  recover  remove stale temp files and reclaim abandoned locks")
	fmt.Fprintln(out, "  delete   remove a job and everything recorded for it")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Every command accepts --config <path>; RATESWEEP_* environment variables override it.")
}
