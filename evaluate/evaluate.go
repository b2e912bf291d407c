// Package evaluate orchestrates grading one (solution, testcase) pair:
// obtain the solution's executable (already done by the caller), pick
// batch or interactive mode, run under the sandbox, map its Status to a
// provisional verdict, invoke the checker (or, in interactive mode,
// reconcile with the interactor), and persist the result keyed by the
// fingerprint of (problem_version, solution_digest, testcase_digest,
// limits).
//
// Grounded on the same cache.Build-wraps-a-produce-callback shape as
// compiler and generator; the produced artifacts here are the solution's
// captured stdout/stderr rather than a binary or an input file.
package evaluate

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.chromium.org/luci/common/errors"

	"go.rbx.dev/rbx/cache"
	"go.rbx.dev/rbx/digest"
	"go.rbx.dev/rbx/errtag"
	"go.rbx.dev/rbx/interactive"
	"go.rbx.dev/rbx/model"
	"go.rbx.dev/rbx/sandbox"
	"go.rbx.dev/rbx/testlib"
)

// Mode selects how the solution is run against the testcase.
type Mode int

const (
	Batch Mode = iota
	Interactive
)

// Call fully describes one evaluation. Every executable is already
// compiled (component E) so this package carries no language/compile
// concerns of its own.
type Call struct {
	// ProblemVersion identifies the problem content relevant to grading
	// (checker/validator/interactor executables, tool version tag), folded
	// into the cache key so any of it changing invalidates
	// previously recorded verdicts. Computed by the caller (engine).
	ProblemVersion [32]byte

	SolutionID string
	Solution   *model.Executable
	Testcase   model.Testcase
	Limits     model.Limits

	Mode Mode

	// Checker is required for Mode == Batch.
	Checker *model.Executable

	// Interactor and InteractorLimits are required for Mode == Interactive.
	Interactor       *model.Executable
	InteractorLimits model.Limits
}

// Evaluator grades (solution, testcase) pairs, caching results in Cache.
type Evaluator struct {
	Cache *cache.Cache

	// MaxSandboxRetries bounds how many times a SandboxError is retried;
	// any other status is final on the first attempt.
	MaxSandboxRetries int
}

// New returns an Evaluator backed by c, retrying a sandbox infrastructure
// failure up to twice before giving up.
func New(c *cache.Cache) *Evaluator {
	return &Evaluator{Cache: c, MaxSandboxRetries: 2}
}

// Evaluate grades call, returning the persisted EvaluationRecord. Calling
// it twice with an identical Call returns the same record without
// re-running anything.
func (e *Evaluator) Evaluate(ctx context.Context, call Call) (*model.EvaluationRecord, error) {
	fp := e.fingerprint(call)

	entry, err := e.Cache.Build(ctx, fp, func(stagingDir string) (cache.ProduceResult, error) {
		return e.produce(ctx, stagingDir, call)
	})
	if err != nil {
		return nil, err
	}

	cpuMillis, _ := strconv.ParseInt(entry.Metrics["cpu_ms"], 10, 64)
	wallMillis, _ := strconv.ParseInt(entry.Metrics["wall_ms"], 10, 64)
	memoryKiB, _ := strconv.ParseInt(entry.Metrics["memory_kib"], 10, 64)

	outputPath := ""
	if artifact, ok := entry.Artifact(cache.RoleStdout); ok {
		outputPath = artifact.Path
	}

	return &model.EvaluationRecord{
		SolutionID:     call.SolutionID,
		TestcaseID:     call.Testcase.ID(),
		Verdict:        model.Verdict(entry.Metrics["verdict"]),
		CPUMillis:      cpuMillis,
		WallMillis:     wallMillis,
		MemoryKiB:      memoryKiB,
		CheckerMessage: entry.Metrics["checker_message"],
		OutputArtifact: outputPath,
		CreatedAt:      entry.CreatedAt,
	}, nil
}

// fingerprint keys an evaluation by (problem_version, solution_digest,
// testcase_digest, limits). Checker/interactor identity and mode are
// folded in too, since they can change the outcome as surely as the
// limits can: equal fingerprints must mean equal artifacts.
func (e *Evaluator) fingerprint(call Call) digest.Fingerprint {
	b := digest.NewBuilder("evaluate").
		FixedBytes(call.ProblemVersion).
		FixedBytes(call.Solution.Fingerprint).
		FixedBytes(call.Testcase.InputDigest).
		Int64(call.Limits.CPUMillis).
		Int64(call.Limits.WallMillis).
		Int64(call.Limits.MemoryKiB).
		Int64(int64(call.Limits.Processes)).
		Int64(call.Limits.OutputKiB).
		Int64(int64(call.Mode))

	if call.Mode == Interactive {
		b.FixedBytes(call.Interactor.Fingerprint).
			Int64(call.InteractorLimits.CPUMillis).
			Int64(call.InteractorLimits.WallMillis).
			Int64(call.InteractorLimits.MemoryKiB)
	} else {
		b.FixedBytes(call.Checker.Fingerprint)
	}
	return b.Build()
}

func (e *Evaluator) produce(ctx context.Context, stagingDir string, call Call) (cache.ProduceResult, error) {
	var (
		verdict        model.Verdict
		outcome        sandbox.Outcome
		checkerMessage string
		outputRel      string
		err            error
	)

	if call.Mode == Interactive {
		verdict, outcome, checkerMessage, err = e.runInteractive(ctx, stagingDir, call)
	} else {
		verdict, outcome, checkerMessage, outputRel, err = e.runBatch(ctx, stagingDir, call)
	}
	if err != nil {
		return cache.ProduceResult{}, err
	}

	artifacts := map[cache.Role]string{}
	if outputRel != "" {
		artifacts[cache.RoleStdout] = outputRel
	}

	return cache.ProduceResult{
		Artifacts: artifacts,
		Metrics: map[string]string{
			"verdict":         string(verdict),
			"cpu_ms":          strconv.FormatInt(outcome.CPUMillis, 10),
			"wall_ms":         strconv.FormatInt(outcome.WallMillis, 10),
			"memory_kib":      strconv.FormatInt(outcome.MemoryKiB, 10),
			"checker_message": checkerMessage,
		},
	}, nil
}

// runBatch implements steps 2-5 for a non-interactive problem: run the
// solution against the testcase input, then, if it didn't trip a resource
// limit, run the checker over (input, output, answer).
func (e *Evaluator) runBatch(ctx context.Context, stagingDir string, call Call) (verdict model.Verdict, outcome sandbox.Outcome, checkerMessage, outputRel string, err error) {
	outputRel = "output"
	outputPath := filepath.Join(stagingDir, outputRel)
	stderrPath := filepath.Join(stagingDir, "solution.stderr")

	outcome, err = e.runWithRetries(ctx, func() (sandbox.Outcome, error) {
		return sandbox.Run(ctx, sandbox.Invocation{
			Profile: call.Limits.Profile(),
			Argv:    call.Solution.RunCmd,
			Stdin:   sandbox.FileSource{Path: call.Testcase.InputPath},
			Stdout:  sandbox.FileSink{Path: outputPath},
			Stderr:  sandbox.FileSink{Path: stderrPath},
		})
	})
	if err != nil {
		return "", outcome, "", "", err
	}

	verdict = provisionalVerdict(outcome.Status)
	if verdict != model.VerdictAC {
		return verdict, outcome, "", outputRel, nil
	}

	answerPath := call.Testcase.AnswerPath
	if answerPath == "" {
		answerPath = os.DevNull
	}
	argv := testlib.CheckerArgv(call.Checker.Path, call.Testcase.InputPath, outputPath, answerPath)

	var checkerStderr sandbox.StringSink
	checkOutcome, err := sandbox.Run(ctx, sandbox.Invocation{
		Profile: call.Limits.Profile(),
		Argv:    argv,
		Stdin:   sandbox.NullSource,
		Stdout:  sandbox.DiscardSink{},
		Stderr:  &checkerStderr,
	})
	if err != nil {
		return "", outcome, "", outputRel, errors.Annotate(err, "evaluate: running checker").Tag(errtag.Sandbox).Err()
	}
	if checkOutcome.Status != sandbox.OK || checkOutcome.ExitCode == nil {
		return model.VerdictIE, outcome, checkerStderr.String(), outputRel, nil
	}
	checkerVerdict, ok := testlib.ExitVerdict(*checkOutcome.ExitCode)
	if !ok {
		checkerVerdict = model.VerdictIE
	}
	return checkerVerdict, outcome, checkerStderr.String(), outputRel, nil
}

// runInteractive implements steps 2-5 for a communication-style problem by
// delegating to the interactive package, which already combines the
// solution and interactor outcomes
func (e *Evaluator) runInteractive(ctx context.Context, stagingDir string, call Call) (model.Verdict, sandbox.Outcome, string, error) {
	solArgv := call.Solution.RunCmd
	interArgv := testlib.InteractorArgv(call.Interactor.Path, call.Testcase.InputPath, answerOrDevNull(call.Testcase))

	var result interactive.Result
	_, err := e.runWithRetries(ctx, func() (sandbox.Outcome, error) {
		r, runErr := interactive.Run(ctx,
			interactive.Leg{Argv: solArgv, Dir: stagingDir, Profile: call.Limits.Profile()},
			interactive.Leg{Argv: interArgv, Dir: stagingDir, Profile: call.InteractorLimits.Profile()},
		)
		result = r
		return r.Solution, runErr
	})
	if err != nil {
		return "", sandbox.Outcome{}, "", err
	}
	return result.Verdict, result.Solution, result.CheckerMessage, nil
}

func answerOrDevNull(tc model.Testcase) string {
	if tc.AnswerPath == "" {
		return os.DevNull
	}
	return tc.AnswerPath
}

// provisionalVerdict maps a sandbox Status to the verdict assigned before
// the checker ever runs.
func provisionalVerdict(status sandbox.Status) model.Verdict {
	switch status {
	case sandbox.OK:
		return model.VerdictAC
	case sandbox.TimeLimitExceeded, sandbox.WallTimeLimitExceeded:
		return model.VerdictTLE
	case sandbox.MemoryLimitExceeded:
		return model.VerdictMLE
	case sandbox.OutputLimitExceeded:
		return model.VerdictOLE
	case sandbox.RuntimeError:
		return model.VerdictRE
	default:
		return model.VerdictIE
	}
}

// runWithRetries runs fn up to 1+MaxSandboxRetries times. A caller
// cancellation (ctx.Err() != nil, however fn reported it) is never
// retried and is returned immediately regardless of status or error. A
// genuine start/wait failure from fn (err != nil) and a SandboxError
// status both represent sandbox infrastructure flakiness rather than a
// verdict about the program, so both count toward the retry budget
// instead of returning on the first attempt.
func (e *Evaluator) runWithRetries(ctx context.Context, fn func() (sandbox.Outcome, error)) (sandbox.Outcome, error) {
	var outcome sandbox.Outcome
	var err error
	attempts := e.MaxSandboxRetries + 1
	if attempts < 1 {
		attempts = 1
	}
	for attempt := 0; attempt < attempts; attempt++ {
		outcome, err = fn()

		if ctx.Err() != nil {
			return outcome, errors.Annotate(ctx.Err(), "evaluate: cancelled").Tag(errtag.Cancellation).Err()
		}
		if err == nil && outcome.Status != sandbox.SandboxError {
			return outcome, nil
		}
		if attempt+1 < attempts {
			select {
			case <-ctx.Done():
				return outcome, errors.Annotate(ctx.Err(), "evaluate: cancelled").Tag(errtag.Cancellation).Err()
			case <-time.After(0):
			}
		}
	}
	if err != nil {
		return outcome, errors.Annotate(err, "evaluate: running under sandbox after retries").Tag(errtag.Sandbox).Err()
	}
	return outcome, nil
}
