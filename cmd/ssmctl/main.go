package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/opsgate/ssmctl/internal/fleet"
	"github.com/opsgate/ssmctl/internal/logging"
)

const usage = `usage: ssmctl <command> [flags] [args]

commands:
  exec        -region <r> <instance-id> <command>
  exec-tagged -region <r> [-tag k=v ...] [-instances i-a,i-b] [-parallelism n] <command>
  upload      -region <r> <instance-id> <local-path> <remote-path>
  download    -region <r> <instance-id> <remote-path> <local-path>
  cleanup     -region <r>

common flags:
  -config <path>   settings file (default ~/.ssmctl/config.toml when present)
`

func main() {
	logging.ConfigureRuntime()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "ssmctl: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return errors.New("command required")
	}
	command, rest := args[0], args[1:]
	switch command {
	case "exec":
		return runExec(ctx, rest)
	case "exec-tagged":
		return runExecTagged(ctx, rest)
	case "upload":
		return runUpload(ctx, rest)
	case "download":
		return runDownload(ctx, rest)
	case "cleanup":
		return runCleanup(ctx, rest)
	case "help", "-h", "--help":
		fmt.Fprint(os.Stdout, usage)
		return nil
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", command)
	}
}

func runExec(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("exec", flag.ContinueOnError)
	region := fs.String("region", "", "target region")
	configPath := fs.String("config", "", "settings file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		return errors.New("exec: expected <instance-id> <command>")
	}
	instanceID, command := fs.Arg(0), fs.Arg(1)

	app, err := newApp(ctx, *configPath, *region)
	if err != nil {
		return err
	}

	res, err := app.executor().Run(ctx, instanceID, command, "ssmctl exec")
	if err != nil {
		return err
	}
	if res.Stdout != "" {
		fmt.Fprint(os.Stdout, res.Stdout)
	}
	if res.Stderr != "" {
		fmt.Fprint(os.Stderr, res.Stderr)
	}
	if !res.Succeeded() {
		return fmt.Errorf("instance %s finished with status %s", instanceID, res.Status)
	}
	return nil
}

func runExecTagged(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("exec-tagged", flag.ContinueOnError)
	region := fs.String("region", "", "target region")
	configPath := fs.String("config", "", "settings file")
	parallelism := fs.Int("parallelism", 0, "worker pool size (0 = logical CPUs)")
	instances := fs.String("instances", "", "comma-separated explicit instance ids")
	tags := tagFlags{}
	fs.Var(&tags, "tag", "equality tag filter key=value, repeatable, AND-combined")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("exec-tagged: expected <command>")
	}

	selector := fleet.Selector{Tags: tags}
	if *instances != "" {
		selector.InstanceIDs = splitIDs(*instances)
	}

	app, err := newApp(ctx, *configPath, *region)
	if err != nil {
		return err
	}

	par := *parallelism
	if par == 0 {
		par = app.settings.Parallelism
	}
	report, execErr := app.fleet().Execute(ctx, selector, fs.Arg(0), par)
	printReport(report)
	return execErr
}

func runUpload(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("upload", flag.ContinueOnError)
	region := fs.String("region", "", "target region")
	configPath := fs.String("config", "", "settings file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 3 {
		return errors.New("upload: expected <instance-id> <local-path> <remote-path>")
	}

	app, err := newApp(ctx, *configPath, *region)
	if err != nil {
		return err
	}
	engine, err := app.transfer()
	if err != nil {
		return err
	}
	return engine.Upload(ctx, fs.Arg(0), fs.Arg(1), fs.Arg(2))
}

func runDownload(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("download", flag.ContinueOnError)
	region := fs.String("region", "", "target region")
	configPath := fs.String("config", "", "settings file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 3 {
		return errors.New("download: expected <instance-id> <remote-path> <local-path>")
	}

	app, err := newApp(ctx, *configPath, *region)
	if err != nil {
		return err
	}
	engine, err := app.transfer()
	if err != nil {
		return err
	}
	return engine.Download(ctx, fs.Arg(0), fs.Arg(1), fs.Arg(2))
}

func runCleanup(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("cleanup", flag.ContinueOnError)
	region := fs.String("region", "", "target region")
	configPath := fs.String("config", "", "settings file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	app, err := newApp(ctx, *configPath, *region)
	if err != nil {
		return err
	}
	mgr, err := app.grantManager()
	if err != nil {
		return err
	}
	return mgr.CleanupOrphans(ctx)
}

// tagFlags collects repeatable key=value filters.
type tagFlags map[string]string

func (t *tagFlags) String() string {
	pairs := make([]string, 0, len(*t))
	for k, v := range *t {
		pairs = append(pairs, k+"="+v)
	}
	return strings.Join(pairs, ",")
}

func (t *tagFlags) Set(raw string) error {
	key, value, ok := strings.Cut(raw, "=")
	key, value = strings.TrimSpace(key), strings.TrimSpace(value)
	if !ok || key == "" || value == "" {
		return fmt.Errorf("tag filter must be key=value, got %q", raw)
	}
	if *t == nil {
		*t = map[string]string{}
	}
	(*t)[key] = value
	return nil
}

func splitIDs(raw string) []string {
	var out []string
	for _, id := range strings.Split(raw, ",") {
		if id = strings.TrimSpace(id); id != "" {
			out = append(out, id)
		}
	}
	return out
}

// printReport writes the per-target table: every resolved target gets a row
// whether it succeeded, failed remotely, or never reached the channel.
func printReport(report fleet.Report) {
	if report.Total == 0 {
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "INSTANCE\tSTATUS\tDURATION\tOUTPUT")
	for _, r := range report.Results {
		status := string(r.Status)
		output := firstLine(r.Stdout)
		if r.Err != nil {
			status = "Error"
			output = r.Err.Error()
		} else if !r.Ok() {
			output = firstLine(r.Stderr)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.InstanceID, status, r.Duration.Truncate(1e6), output)
	}
	w.Flush()
	fmt.Fprintf(os.Stdout, "%d targets: %d succeeded, %d failed in %s\n",
		report.Total, report.Succeeded, report.Failed, report.WallClock.Truncate(1e6))
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s
}
