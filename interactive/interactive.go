// Package interactive runs a solution and an interactor as two processes
// joined by a pair of OS pipes, for problems tagged "communication". The
// kernel mediates the traffic; this package only starts both legs, waits
// for both, and reconciles their two independent outcomes into one
// verdict.
package interactive

import (
	"context"
	"io"
	"io/ioutil"
	"os"

	"go.chromium.org/luci/common/errors"

	"go.rbx.dev/rbx/errtag"
	"go.rbx.dev/rbx/model"
	"go.rbx.dev/rbx/sandbox"
	"go.rbx.dev/rbx/testlib"
)

// Leg describes one side of the pipe: the argv to run and the sandbox
// profile bounding it.
type Leg struct {
	Argv    []string
	Dir     string
	Env     []string
	Profile sandbox.Profile
}

// Result is the joined outcome of both legs plus the reconciled verdict.
type Result struct {
	Verdict        model.Verdict
	Solution       sandbox.Outcome
	Interactor     sandbox.Outcome
	CheckerMessage string // captured interactor stderr
}

// Run starts sol and interactor connected back to back
// (sol.stdout -> interactor.stdin, interactor.stdout -> sol.stdin), waits
// for both, and reconciles their outcomes
func Run(ctx context.Context, sol, interactor Leg) (Result, error) {
	solOutR, solOutW, err := os.Pipe()
	if err != nil {
		return Result{}, errors.Annotate(err, "interactive: creating solution->interactor pipe").Tag(errtag.Sandbox).Err()
	}
	intOutR, intOutW, err := os.Pipe()
	if err != nil {
		solOutR.Close()
		solOutW.Close()
		return Result{}, errors.Annotate(err, "interactive: creating interactor->solution pipe").Tag(errtag.Sandbox).Err()
	}

	interactorStderrR, interactorStderrW, err := os.Pipe()
	if err != nil {
		solOutR.Close()
		solOutW.Close()
		intOutR.Close()
		intOutW.Close()
		return Result{}, errors.Annotate(err, "interactive: creating interactor stderr pipe").Tag(errtag.Sandbox).Err()
	}

	type runResult struct {
		outcome sandbox.Outcome
		err     error
	}
	solDone := make(chan runResult, 1)
	intDone := make(chan runResult, 1)

	go func() {
		outcome, err := sandbox.Run(ctx, sandbox.Invocation{
			Profile: sol.Profile,
			Argv:    sol.Argv,
			Dir:     sol.Dir,
			Env:     sol.Env,
			Stdin:   intOutR,
			Stdout:  solOutW,
			Stderr:  sandbox.FileSink{Path: os.DevNull},
		})
		solDone <- runResult{outcome, err}
	}()

	go func() {
		outcome, err := sandbox.Run(ctx, sandbox.Invocation{
			Profile: interactor.Profile,
			Argv:    interactor.Argv,
			Dir:     interactor.Dir,
			Env:     interactor.Env,
			Stdin:   solOutR,
			Stdout:  intOutW,
			Stderr:  interactorStderrW,
		})
		intDone <- runResult{outcome, err}
	}()

	solRes := <-solDone
	intRes := <-intDone

	// Close our copies of all four pipe ends now that both children have
	// been started and awaited; holding them open past this point would
	// leak fds, and closing before Wait returned could deadlock a child
	// still writing.
	solOutR.Close()
	solOutW.Close()
	intOutR.Close()
	intOutW.Close()
	interactorStderrW.Close()

	if solRes.err != nil {
		interactorStderrR.Close()
		return Result{}, solRes.err
	}
	if intRes.err != nil {
		interactorStderrR.Close()
		return Result{}, intRes.err
	}

	message := readAllString(interactorStderrR)
	interactorStderrR.Close()

	verdict := reconcile(solRes.outcome, intRes.outcome, message)
	return Result{
		Verdict:        verdict,
		Solution:       solRes.outcome,
		Interactor:     intRes.outcome,
		CheckerMessage: message,
	}, nil
}

// reconcile applies the reconciliation rules in order. It is a pure
// function of both outcomes so it can be unit-tested without actually
// spawning processes.
func reconcile(sol, interactorOutcome sandbox.Outcome, interactorMessage string) model.Verdict {
	solVerdict, solResourceTrip := solutionVerdict(sol)

	// Rule 2: a solution resource trip dominates any interactor verdict.
	if solResourceTrip {
		return solVerdict
	}

	// Rule 3: interactor died by SIGPIPE because the solution exited first.
	// interactorOutcome is a RuntimeError terminated by SIGPIPE in that case.
	if interactorOutcome.TerminationSignal != nil && isSIGPIPE(*interactorOutcome.TerminationSignal) {
		return solVerdict
	}

	// Rule 4: interactor hung after the solution finished; its own wall
	// trip isn't charged to the solution.
	if interactorOutcome.Status == sandbox.WallTimeLimitExceeded {
		return solVerdict
	}

	// Rule 1: a testlib verdict from the interactor's exit code dominates,
	// provided the solution itself didn't trip (already excluded above).
	if interactorOutcome.Status == sandbox.RuntimeError && interactorOutcome.ExitCode != nil {
		if v, ok := testlib.ExitVerdict(*interactorOutcome.ExitCode); ok {
			return v
		}
	}
	if interactorOutcome.Status == sandbox.OK {
		// Exit code 0 without a RuntimeError classification; testlib
		// convention treats this as AC from the interactor's perspective.
		// Rule 5: combined with a clean solution exit, the verdict is AC.
		if solVerdict == model.VerdictAC {
			return model.VerdictAC
		}
	}

	if interactorOutcome.Status != sandbox.OK {
		return model.VerdictIE
	}

	return solVerdict
}

func solutionVerdict(o sandbox.Outcome) (verdict model.Verdict, resourceTrip bool) {
	switch o.Status {
	case sandbox.OK:
		verdict = model.VerdictAC
	case sandbox.TimeLimitExceeded, sandbox.WallTimeLimitExceeded:
		verdict = model.VerdictTLE
	case sandbox.MemoryLimitExceeded:
		verdict = model.VerdictMLE
	case sandbox.OutputLimitExceeded:
		verdict = model.VerdictOLE
	case sandbox.RuntimeError:
		verdict = model.VerdictRE
	default:
		verdict = model.VerdictIE
	}
	// A SandboxError on the solution's own leg (mount/fork failure) is just
	// as dominant as a resource trip: the interactor's opinion can't be
	// trusted to outrank an infrastructure failure on the side being judged.
	return verdict, verdict.IsResourceTrip() || o.Status == sandbox.SandboxError
}

func isSIGPIPE(sig int) bool {
	const sigpipe = 13 // syscall.SIGPIPE on Linux; avoided importing syscall for one constant
	return sig == sigpipe
}

func readAllString(f *os.File) string {
	const capBytes = 64 * 1024
	blob, _ := ioutil.ReadAll(io.LimitReader(f, capBytes))
	return string(blob)
}
