// Package engine is the single entry point for the programmatic surface:
// build_testset, compile, evaluate, run_all. It binds the
// lower-level components (cache, compiler, generator, evaluate,
// scheduler) to one loaded model.Package, compiling the package's own
// checker/validator/interactor once and reusing them for every call.
//
// Grounded on cmd/cloudbuildhelper's cmdBuildRun.exec, which likewise
// threads one resolved manifest through builder.Build and cloudbuild's
// upload step rather than re-deriving it on every call — the same shape
// this engine uses for a package's checker/validator/interactor.
package engine

import (
	"context"
	"io"
	"path/filepath"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/errors"

	"go.rbx.dev/rbx/cache"
	"go.rbx.dev/rbx/compiler"
	"go.rbx.dev/rbx/digest"
	"go.rbx.dev/rbx/errtag"
	"go.rbx.dev/rbx/evaluate"
	"go.rbx.dev/rbx/generator"
	"go.rbx.dev/rbx/model"
	"go.rbx.dev/rbx/sandbox"
	"go.rbx.dev/rbx/scheduler"
)

// Engine is the bound runtime for one problem package: a cache root plus
// the package's own compiled checker/validator/interactor.
//
// No package-level mutable state participates in any of it;
// every Engine is independently usable, and nothing here is a global.
type Engine struct {
	pkg   *model.Package
	cache *cache.Cache

	compiler  *compiler.Compiler
	generator *generator.Generator
	evaluator *evaluate.Evaluator

	checkerExe    *model.Executable
	validatorExe  *model.Executable
	interactorExe *model.Executable // nil unless pkg.Interactive

	// problemVersion folds the package's checker/validator/interactor
	// identity and tool version tag into the evaluation cache key, so any
	// of them changing invalidates previously recorded verdicts.
	problemVersion [32]byte
}

// New binds an Engine to pkg, rooting its cache at cacheRoot. It compiles
// pkg's checker (and validator/interactor, if present) immediately so
// later Compile/Evaluate calls never pay that cost mid-stream.
func New(ctx context.Context, pkg *model.Package, cacheRoot string, integrityMode cache.IntegrityMode) (*Engine, error) {
	c, err := cache.New(cacheRoot, integrityMode)
	if err != nil {
		return nil, errors.Annotate(err, "engine: opening cache at %s", cacheRoot).Err()
	}

	e := &Engine{
		pkg:       pkg,
		cache:     c,
		compiler:  compiler.New(c),
		generator: generator.New(c),
		evaluator: evaluate.New(c),
	}

	e.checkerExe, err = e.compileProgram(ctx, pkg.Checker)
	if err != nil {
		return nil, errors.Annotate(err, "engine: compiling checker").Err()
	}
	e.validatorExe, err = e.compileProgram(ctx, pkg.Validator)
	if err != nil {
		return nil, errors.Annotate(err, "engine: compiling validator").Err()
	}
	if pkg.Interactive {
		e.interactorExe, err = e.compileProgram(ctx, *pkg.Interactor)
		if err != nil {
			return nil, errors.Annotate(err, "engine: compiling interactor").Err()
		}
	}

	e.problemVersion = e.computeProblemVersion()
	return e, nil
}

func (e *Engine) compileProgram(ctx context.Context, prog model.Program) (*model.Executable, error) {
	lang, ok := e.pkg.Languages[prog.Language]
	if !ok {
		return nil, errors.Reason("engine: program %q references unknown language %q", prog.Name, prog.Language).Tag(errtag.User).Err()
	}
	sourcePath := filepath.Join(e.pkg.Root, prog.Name)
	profile := e.pkg.EffectiveLimits(prog.Language, model.PhaseCompile).Profile()
	return e.compiler.Compile(ctx, sourcePath, lang, profile)
}

func (e *Engine) computeProblemVersion() [32]byte {
	b := digest.NewBuilder("problem_version").
		FixedBytes(e.checkerExe.Fingerprint).
		FixedBytes(e.validatorExe.Fingerprint).
		String(e.pkg.ToolVersionTag)
	if e.interactorExe != nil {
		b.FixedBytes(e.interactorExe.Fingerprint)
	} else {
		b.FixedBytes([32]byte{})
	}
	return b.Build()
}

// Cache returns the cache backing this Engine, for callers that want to
// report cache statistics or trim it.
func (e *Engine) Cache() *cache.Cache {
	return e.cache
}

// BuildTestset materializes every testcase pkg declares: manual testcases
// read as-is, generated ones run through e.generator and validated.
// Invalid generated testcases are still returned; callers
// that evaluate the full set should skip them via model.Testcase.Invalid.
func (e *Engine) BuildTestset(ctx context.Context, pkg *model.Package) ([]model.Testcase, error) {
	var out []model.Testcase

	for _, mt := range pkg.ManualTests {
		tc, err := e.loadManualTestcase(mt, len(out))
		if err != nil {
			return nil, err
		}
		out = append(out, tc)
	}

	for _, gc := range pkg.GeneratedTests {
		prog, ok := pkg.Generators[gc.Generator]
		if !ok {
			return nil, errors.Reason("engine: generated_tests references unknown generator %q", gc.Generator).Tag(errtag.User).Err()
		}
		genExe, err := e.compileProgram(ctx, prog)
		if err != nil {
			return nil, errors.Annotate(err, "engine: compiling generator %q", gc.Generator).Err()
		}

		generateProfile := pkg.EffectiveLimits(prog.Language, model.PhaseGenerate).Profile()
		validateProfile := pkg.EffectiveLimits(pkg.Validator.Language, model.PhaseValidate).Profile()
		tc, err := e.generator.Generate(ctx, generator.Call{Generator: gc}, genExe, e.validatorExe, generateProfile, validateProfile)
		if err != nil {
			return nil, errors.Annotate(err, "engine: generating testcase for %q", gc.Generator).Err()
		}
		tc.Index = len(out)
		out = append(out, tc)
	}

	return out, nil
}

func (e *Engine) loadManualTestcase(mt model.ManualTestcase, index int) (model.Testcase, error) {
	inputPath := filepath.Join(e.pkg.Root, mt.InputPath)
	inputDigest, err := digest.File(inputPath)
	if err != nil {
		return model.Testcase{}, errors.Annotate(err, "engine: hashing manual testcase input %s", mt.InputPath).Tag(errtag.User).Err()
	}
	rawDigest, err := digest.Bytes(inputDigest)
	if err != nil {
		return model.Testcase{}, err
	}

	answerPath := ""
	if mt.AnswerPath != "" {
		answerPath = filepath.Join(e.pkg.Root, mt.AnswerPath)
	}

	mtCopy := mt
	return model.Testcase{
		Group:       mt.Group,
		Index:       index,
		InputDigest: rawDigest,
		InputPath:   inputPath,
		AnswerPath:  answerPath,
		Origin:      model.Origin{Manual: &mtCopy},
	}, nil
}

// Compile builds sol's Executable, using the limits and language pkg
// declares for it.
func (e *Engine) Compile(ctx context.Context, sol *model.Solution) (*model.Executable, error) {
	lang, ok := e.pkg.Languages[sol.Language]
	if !ok {
		return nil, errors.Reason("engine: solution %q references unknown language %q", sol.ID, sol.Language).Tag(errtag.User).Err()
	}
	sourcePath := filepath.Join(e.pkg.Root, sol.Source)
	profile := e.pkg.EffectiveLimits(sol.Language, model.PhaseCompile).Profile()
	return e.compiler.Compile(ctx, sourcePath, lang, profile)
}

// Evaluate grades sol against tc, compiling sol first if needed (the
// compiler cache makes repeated calls for the same solution free).
//
// A Tool or Sandbox failure scoped to this one pair (a broken solution, a
// sandbox that failed to start) is reported as a verdict IE record rather
// than a returned error, so a caller running a whole matrix through
// scheduler.RunAll doesn't have that one pair abort every other pair still
// in flight. A returned error means the run itself can't continue (a bad
// package, cache filesystem unavailable, caller cancellation).
func (e *Engine) Evaluate(ctx context.Context, sol *model.Solution, tc *model.Testcase) (*model.EvaluationRecord, error) {
	solExe, err := e.Compile(ctx, sol)
	if err != nil {
		if errtag.PerPairFailure(err) {
			return e.ieRecord(ctx, sol, tc, err), nil
		}
		return nil, err
	}

	mode := evaluate.Batch
	if e.pkg.Interactive {
		mode = evaluate.Interactive
	}

	call := evaluate.Call{
		ProblemVersion: e.problemVersion,
		SolutionID:     sol.ID,
		Solution:       solExe,
		Testcase:       *tc,
		Limits:         e.pkg.EffectiveLimits(sol.Language, model.PhaseRun),
		Mode:           mode,
		Checker:        e.checkerExe,
	}
	if mode == evaluate.Interactive {
		call.Interactor = e.interactorExe
		call.InteractorLimits = e.interactorLimits(sol.Language)
	}

	record, err := e.evaluator.Evaluate(ctx, call)
	if err != nil {
		if errtag.PerPairFailure(err) {
			return e.ieRecord(ctx, sol, tc, err), nil
		}
		return nil, err
	}
	return record, nil
}

// ieRecord synthesizes a verdict IE EvaluationRecord for a per-pair
// failure that never reached (or never finished) grading, so it still
// shows up in a RunAll stream instead of silently vanishing.
func (e *Engine) ieRecord(ctx context.Context, sol *model.Solution, tc *model.Testcase, err error) *model.EvaluationRecord {
	return &model.EvaluationRecord{
		SolutionID:     sol.ID,
		TestcaseID:     tc.ID(),
		Verdict:        model.VerdictIE,
		CheckerMessage: err.Error(),
		CreatedAt:      clock.Now(ctx).UTC(),
	}
}

// CompileLog returns sol's captured compiler stderr, decompressing it
// transparently; sol is compiled first if it hasn't been already, so
// this never runs the compiler twice for the same solution.
func (e *Engine) CompileLog(ctx context.Context, sol *model.Solution) (io.ReadCloser, error) {
	exe, err := e.Compile(ctx, sol)
	if err != nil {
		return nil, err
	}
	return e.compiler.CompileLog(ctx, exe)
}

// interactorLimits returns pkg.InteractorLimits when set, otherwise the
// solution's own run limits scaled up: an interactive run's wall clock
// covers two processes instead of one, so a bare copy of Limits would
// false-positive trip the interactor on a correct, merely slower pairing.
func (e *Engine) interactorLimits(lang string) model.Limits {
	if e.pkg.InteractorLimits != nil {
		return *e.pkg.InteractorLimits
	}
	l := e.pkg.EffectiveLimits(lang, model.PhaseInteract)
	l.WallMillis *= 2
	l.CPUMillis *= 2
	return l
}

// RunAll evaluates every (solution, testcase) pair, streaming results as
// they complete; see scheduler.RunAll for the concurrency/cancellation
// contract.
func (e *Engine) RunAll(ctx context.Context, sols []*model.Solution, tcs []model.Testcase, concurrency int) (<-chan *model.EvaluationRecord, func(), error) {
	pairs := scheduler.Pairs(sols, tcs)
	return scheduler.RunAll(ctx, pairs, concurrency, func(ctx context.Context, pair scheduler.Pair) (*model.EvaluationRecord, error) {
		return e.Evaluate(ctx, pair.Solution, &pair.Testcase)
	})
}
