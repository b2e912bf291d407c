// Command rbxcore is a debugging/demo harness for the grading engine: it
// loads one problem package, builds its testset, compiles every solution
// the package declares, runs the full matrix and prints a verdict table. It
// is not the rbx CLI itself (no statement rendering, no packager, no
// Polygon import) -- just enough surface to exercise engine.Engine from
// the command line.
//
// Grounded on infra/cmd/mac_toolchain's main.go for the
// cli.Application/subcommands.Command wiring, and on
// infra/cmd/cloudbuildhelper's handleErr/signals.HandleInterrupt pattern
// for turning a context.Context error into a process exit code.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/maruel/subcommands"

	"go.chromium.org/luci/common/cli"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/logging/gologger"
	"go.chromium.org/luci/common/system/signals"

	"go.rbx.dev/rbx/cache"
	"go.rbx.dev/rbx/engine"
	"go.rbx.dev/rbx/model"
)

var isCLIError = errors.BoolTag{Key: errors.NewTagKey("bad CLI invocation")}

type runRun struct {
	subcommands.CommandRunBase

	cacheDir        string
	concurrency     int
	showCompileLogs bool
}

func (c *runRun) registerFlags() {
	c.Flags.StringVar(&c.cacheDir, "cache-dir", "", "Artifact cache directory (default: <package-dir>/.rbx-cache).")
	c.Flags.IntVar(&c.concurrency, "concurrency", 0, "Max concurrent evaluations (default: GOMAXPROCS).")
	c.Flags.BoolVar(&c.showCompileLogs, "show-compile-logs", false, "Print each solution's compiler stderr before running.")
}

func (c *runRun) Run(a subcommands.Application, args []string, env subcommands.Env) int {
	ctx := cli.GetContext(a, c, env)
	ctx, cancel := context.WithCancel(ctx)
	signals.HandleInterrupt(cancel)

	if len(args) != 1 {
		return handleErr(ctx, errors.Reason("expected exactly one positional argument, <package-dir>").Tag(isCLIError).Err())
	}
	if err := c.exec(ctx, args[0]); err != nil {
		return handleErr(ctx, err)
	}
	return 0
}

func (c *runRun) exec(ctx context.Context, packageDir string) error {
	pkg, err := model.Load(packageDir)
	if err != nil {
		return errors.Annotate(err, "loading package").Tag(isCLIError).Err()
	}

	cacheDir := c.cacheDir
	if cacheDir == "" {
		cacheDir = filepath.Join(packageDir, ".rbx-cache")
	}

	e, err := engine.New(ctx, pkg, cacheDir, cache.Strict)
	if err != nil {
		return errors.Annotate(err, "starting engine").Err()
	}

	logging.Infof(ctx, "building testset for %q", pkg.Name)
	tcs, err := e.BuildTestset(ctx, pkg)
	if err != nil {
		return errors.Annotate(err, "building testset").Err()
	}
	valid := 0
	for _, tc := range tcs {
		if !tc.Invalid() {
			valid++
		}
	}
	logging.Infof(ctx, "built %d testcases (%d valid)", len(tcs), valid)

	sols := make([]*model.Solution, len(pkg.Solutions))
	for i := range pkg.Solutions {
		sols[i] = &pkg.Solutions[i]
	}
	if len(sols) == 0 {
		logging.Warningf(ctx, "package declares no solutions, nothing to run")
		return nil
	}

	if c.showCompileLogs {
		for _, sol := range sols {
			printCompileLog(ctx, e, sol)
		}
	}

	results, stop, err := e.RunAll(ctx, sols, tcs, c.concurrency)
	if err != nil {
		return errors.Annotate(err, "running evaluation matrix").Err()
	}
	defer stop()

	records := map[string]*model.EvaluationRecord{}
	for record := range results {
		records[record.SolutionID+"/"+record.TestcaseID] = record
	}

	printVerdictTable(sols, tcs, records)
	return nil
}

// printCompileLog prints sol's compiler stderr, if it produced any; a
// missing log (interpreted language, nothing written) is not an error.
func printCompileLog(ctx context.Context, e *engine.Engine, sol *model.Solution) {
	rc, err := e.CompileLog(ctx, sol)
	if err != nil {
		logging.Warningf(ctx, "no compile log for %q: %s", sol.ID, err)
		return
	}
	defer rc.Close()

	blob, err := io.ReadAll(rc)
	if err != nil {
		logging.Warningf(ctx, "reading compile log for %q: %s", sol.ID, err)
		return
	}
	if len(blob) == 0 {
		return
	}
	fmt.Printf("--- %s compile log ---\n%s\n", sol.ID, blob)
}

// printVerdictTable prints one row per solution, one column per testcase,
// sorted for stable, diffable output.
func printVerdictTable(sols []*model.Solution, tcs []model.Testcase, records map[string]*model.EvaluationRecord) {
	tcIDs := make([]string, 0, len(tcs))
	for _, tc := range tcs {
		tcIDs = append(tcIDs, tc.ID())
	}
	sort.Strings(tcIDs)

	solIDs := make([]string, 0, len(sols))
	for _, sol := range sols {
		solIDs = append(solIDs, sol.ID)
	}
	sort.Strings(solIDs)

	for _, solID := range solIDs {
		fmt.Printf("%s:\n", solID)
		for _, tcID := range tcIDs {
			record, ok := records[solID+"/"+tcID]
			switch {
			case !ok:
				fmt.Printf("  %-24s %s\n", tcID, model.VerdictSkipped)
			case record.CheckerMessage != "":
				fmt.Printf("  %-24s %-6s %s\n", tcID, record.Verdict, record.CheckerMessage)
			default:
				fmt.Printf("  %-24s %-6s\n", tcID, record.Verdict)
			}
		}
	}
}

var cmdRun = &subcommands.Command{
	UsageLine: "run <package-dir>",
	ShortDesc: "Builds the testset and evaluates every solution against it.",
	LongDesc: `Loads the rbx-package.yaml in <package-dir>, generates and validates its
testset, compiles every declared solution, evaluates the full matrix and
prints a verdict table.`,
	CommandRun: func() subcommands.CommandRun {
		c := &runRun{}
		c.registerFlags()
		return c
	},
}

func handleErr(ctx context.Context, err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Contains(err, context.Canceled):
		fmt.Fprintf(os.Stderr, "%s\n", err)
		return 4
	case isCLIError.In(err):
		fmt.Fprintf(os.Stderr, "%s: %s\n", os.Args[0], err)
		return 2
	default:
		logging.Errorf(ctx, "%s", err)
		errors.Log(ctx, err)
		return 1
	}
}

func main() {
	application := &cli.Application{
		Name:  "rbxcore",
		Title: "rbx grading engine debugging harness",
		Context: func(ctx context.Context) context.Context {
			cfg := gologger.LoggerConfig{Out: os.Stderr}
			cfg.Format = "[%{level:.1s} %{time:2006-01-02 15:04:05}] %{message}"
			ctx = cfg.Use(ctx)
			return logging.SetLevel(ctx, logging.Info)
		},
		Commands: []*subcommands.Command{
			subcommands.CmdHelp,
			cmdRun,
		},
	}
	os.Exit(subcommands.Run(application, nil))
}
