// Package model defines the descriptors and records that flow through the
// grading engine: problem packages, language/sandbox descriptors, testcases
// and evaluation records.
//
// Every descriptor here mirrors a YAML file on disk (see Load) and is
// validated once at the load boundary; nothing downstream of Validate
// touches untyped data.
package model

import (
	"strconv"
	"time"

	"go.chromium.org/luci/common/errors"

	"go.rbx.dev/rbx/sandbox"
)

// Program is an external, testlib-style executable reference: a generator,
// validator, checker or interactor.
type Program struct {
	// Name identifies the program within the package, e.g. "gen.cpp" or
	// "checker.cpp". Resolved against Package.Root.
	Name string `yaml:"name"`

	// Language is the key into Package.Languages used to build/run Name.
	Language string `yaml:"language"`
}

// Limits is the subset of a SandboxProfile a problem cares about; the rest
// (mounts, env whitelist) comes from the profile selected by phase.
type Limits struct {
	CPUMillis  int64  `yaml:"cpu_ms"`
	WallMillis int64  `yaml:"wall_ms"`
	MemoryKiB  int64  `yaml:"memory_kib"`
	Processes  int    `yaml:"processes"`
	OutputKiB  int64  `yaml:"output_kib"`
	StackKiB   *int64 `yaml:"stack_kib,omitempty"`
}

// Validate checks that a Limits value is usable by the sandbox.
func (l Limits) Validate() error {
	switch {
	case l.WallMillis <= 0:
		return errors.Reason("wall_ms must be positive").Err()
	case l.CPUMillis <= 0:
		return errors.Reason("cpu_ms must be positive").Err()
	case l.CPUMillis > l.WallMillis:
		return errors.Reason("cpu_ms (%d) must not exceed wall_ms (%d): wall is the ultimate bound", l.CPUMillis, l.WallMillis).Err()
	case l.MemoryKiB <= 0:
		return errors.Reason("memory_kib must be positive").Err()
	case l.Processes <= 0:
		return errors.Reason("processes must be positive").Err()
	case l.OutputKiB <= 0:
		return errors.Reason("output_kib must be positive").Err()
	}
	return nil
}

// Profile converts l into the sandbox.Profile that enforces it, translating
// the millisecond fields Limits stores (YAML-friendly) into the
// time.Duration fields sandbox.Run expects.
func (l Limits) Profile() sandbox.Profile {
	return sandbox.Profile{
		CPU:       time.Duration(l.CPUMillis) * time.Millisecond,
		Wall:      time.Duration(l.WallMillis) * time.Millisecond,
		MemoryKiB: l.MemoryKiB,
		OutputKiB: l.OutputKiB,
		Processes: l.Processes,
	}
}

// Phase selects which sandbox profile overrides apply to an invocation.
type Phase string

const (
	PhaseCompile  Phase = "compile"
	PhaseGenerate Phase = "generate"
	PhaseValidate Phase = "validate"
	PhaseRun      Phase = "run"
	PhaseCheck    Phase = "check"
	PhaseInteract Phase = "interact"
)

// Language describes how to turn a source file into a runnable artifact.
type Language struct {
	// Name is the language id, e.g. "cpp17", "python3".
	Name string `yaml:"name"`

	// SourceExt is the file extension sources in this language use, e.g. ".cpp".
	SourceExt string `yaml:"source_ext"`

	// CompileCmd is the command template used to compile a source file into
	// an executable, e.g. ["g++", "-O2", "-o", "{exe}", "{src}"].
	//
	// Empty for interpreted languages: the "executable" is just a copy of
	// the source plus RunCmd.
	CompileCmd []string `yaml:"compile_cmd,omitempty"`

	// RunCmd is the command template used to run the built artifact, e.g.
	// ["{exe}"] or ["python3", "{exe}"].
	RunCmd []string `yaml:"run_cmd"`

	// CompilerVersionCmd, when set, is run on every compile of this language
	// and its output (stdout and stderr) folded into the compile
	// fingerprint, so a toolchain upgrade
	// invalidates the cache even though CompileCmd itself didn't change.
	CompilerVersionCmd []string `yaml:"compiler_version_cmd,omitempty"`

	// ProfileOverrides adjusts the sandbox profile for this language only,
	// keyed by phase (e.g. Java needs a higher memory_kib for the JVM).
	ProfileOverrides map[Phase]Limits `yaml:"profile_overrides,omitempty"`
}

// Interpreted reports whether this language has no compile step.
func (l Language) Interpreted() bool {
	return len(l.CompileCmd) == 0
}

// Validate checks internal consistency of a Language descriptor.
func (l Language) Validate() error {
	if l.Name == "" {
		return errors.Reason("language name is required").Err()
	}
	if len(l.RunCmd) == 0 {
		return errors.Reason("language %q: run_cmd is required", l.Name).Err()
	}
	for phase, lim := range l.ProfileOverrides {
		if err := lim.Validate(); err != nil {
			return errors.Annotate(err, "language %q: profile_overrides[%s]", l.Name, phase).Err()
		}
	}
	return nil
}

// Solution is one candidate submission to grade.
type Solution struct {
	// ID uniquely identifies the solution within the package, typically its
	// relative path, e.g. "solutions/ac_brute.cpp".
	ID string `yaml:"id"`

	// Source is the path to the solution's source file, relative to
	// Package.Root.
	Source string `yaml:"source"`

	// Language is a key into Package.Languages.
	Language string `yaml:"language"`

	// ExpectedVerdict, when set, is surfaced by collaborators (e.g. "this is
	// the TLE-reference solution"). The engine itself never checks it
	// against an evaluation; it is informational.
	ExpectedVerdict Verdict `yaml:"expected_verdict,omitempty"`
}

// GeneratorCall is one invocation used to build a generated testcase.
type GeneratorCall struct {
	// Generator is a key into Package.Generators.
	Generator string `yaml:"generator"`

	// Args are positional arguments passed to the generator, in order.
	// The engine appends a seed token after these.
	Args []string `yaml:"args,omitempty"`

	// Group names the testcase group this call belongs to, e.g. "samples",
	// "stress-small".
	Group string `yaml:"group"`
}

// ManualTestcase is a testcase whose input is checked into the package.
type ManualTestcase struct {
	Group      string `yaml:"group"`
	InputPath  string `yaml:"input_path"`
	AnswerPath string `yaml:"answer_path,omitempty"`
}

// Package is the top-level problem descriptor: languages, programs,
// solutions and the testset recipe.
type Package struct {
	// Root is the directory the package was loaded from. Populated by Load,
	// not read from YAML.
	Root string `yaml:"-"`

	Name string `yaml:"name"`

	// Interactive marks a communication-style problem: Interactor must be
	// set and evaluation goes through the interactive runner (component D).
	Interactive bool `yaml:"interactive,omitempty"`

	Languages map[string]Language `yaml:"languages"`

	Checker    Program  `yaml:"checker"`
	Validator  Program  `yaml:"validator"`
	Interactor *Program `yaml:"interactor,omitempty"`

	Generators map[string]Program `yaml:"generators,omitempty"`

	Limits Limits `yaml:"limits"`

	// InteractorLimits, if set, overrides Limits for the interactor leg of
	// an interactive run. Defaults to Limits scaled up by the engine if
	// absent (an operator-set higher bound).
	InteractorLimits *Limits `yaml:"interactor_limits,omitempty"`

	GeneratedTests []GeneratorCall  `yaml:"generated_tests,omitempty"`
	ManualTests    []ManualTestcase `yaml:"manual_tests,omitempty"`

	Solutions []Solution `yaml:"solutions,omitempty"`

	// ToolVersionTag identifies the version of rbx itself. The engine folds
	// it into the problem version that keys evaluation records, so a tag
	// change invalidates recorded verdicts; compile and generate
	// fingerprints do not include it. An empty tag is used as-is.
	ToolVersionTag string `yaml:"tool_version_tag,omitempty"`
}

// Validate checks a Package for internal consistency beyond what YAML
// unmarshalling already enforces.
func (p *Package) Validate() error {
	if p.Name == "" {
		return errors.Reason("package: name is required").Err()
	}
	if len(p.Languages) == 0 {
		return errors.Reason("package %q: at least one language is required", p.Name).Err()
	}
	for key, lang := range p.Languages {
		if err := lang.Validate(); err != nil {
			return errors.Annotate(err, "package %q: languages[%s]", p.Name, key).Err()
		}
	}
	if err := p.Limits.Validate(); err != nil {
		return errors.Annotate(err, "package %q: limits", p.Name).Err()
	}
	if p.Interactive && p.Interactor == nil {
		return errors.Reason("package %q: interactive is true but interactor is not set", p.Name).Err()
	}
	if !p.Interactive && p.Interactor != nil {
		return errors.Reason("package %q: interactor is set but interactive is false", p.Name).Err()
	}
	if p.InteractorLimits != nil {
		if err := p.InteractorLimits.Validate(); err != nil {
			return errors.Annotate(err, "package %q: interactor_limits", p.Name).Err()
		}
	}
	for _, gc := range p.GeneratedTests {
		if _, ok := p.Generators[gc.Generator]; !ok {
			return errors.Reason("package %q: generated_tests references unknown generator %q", p.Name, gc.Generator).Err()
		}
		if gc.Group == "" {
			return errors.Reason("package %q: generated_tests entry for %q is missing a group", p.Name, gc.Generator).Err()
		}
	}
	for _, mt := range p.ManualTests {
		if mt.InputPath == "" {
			return errors.Reason("package %q: manual_tests entry in group %q is missing input_path", p.Name, mt.Group).Err()
		}
	}
	for _, sol := range p.Solutions {
		if _, ok := p.Languages[sol.Language]; !ok {
			return errors.Reason("package %q: solution %q references unknown language %q", p.Name, sol.ID, sol.Language).Err()
		}
	}
	return nil
}

// EffectiveLimits returns the Limits to use for `phase`, applying the
// language's ProfileOverrides (if any) on top of the package's base Limits.
func (p *Package) EffectiveLimits(lang string, phase Phase) Limits {
	limits := p.Limits
	if l, ok := p.Languages[lang]; ok {
		if override, ok := l.ProfileOverrides[phase]; ok {
			limits = override
		}
	}
	return limits
}

// Origin describes how a testcase's input came to exist.
type Origin struct {
	// Manual is set when the input was checked into the package.
	Manual *ManualTestcase `yaml:"-"`

	// Generated is set when the input was produced by a generator call.
	Generated *GeneratedOrigin `yaml:"-"`
}

// GeneratedOrigin records the generator call and validation outcome behind
// a generated testcase.
type GeneratedOrigin struct {
	Call             GeneratorCall
	CallFingerprint  [32]byte
	ValidatorVerdict ValidatorVerdict
	ValidatorMessage string
}

// ValidatorVerdict is the outcome of running the validator over a
// generated input.
type ValidatorVerdict string

const (
	ValidatorValid   ValidatorVerdict = "VALID"
	ValidatorInvalid ValidatorVerdict = "INVALID"
)

// Testcase is one input (and optional reference answer) to evaluate
// solutions against.
type Testcase struct {
	Group string
	Index int

	InputDigest  [32]byte
	AnswerDigest *[32]byte

	// InputPath/AnswerPath are paths to the materialized files, populated
	// by the generator/build_testset step. Generated inputs live under the
	// artifact cache and have no AnswerPath; manual ones are resolved
	// against Package.Root. All should be treated as read-only.
	InputPath  string
	AnswerPath string

	Origin Origin
}

// ID returns a stable, human-readable identifier for logs and records.
func (t Testcase) ID() string {
	if t.Group == "" {
		return strconv.Itoa(t.Index)
	}
	return t.Group + "/" + strconv.Itoa(t.Index)
}

// Invalid reports whether this testcase failed validation and must be
// skipped by evaluation.
func (t Testcase) Invalid() bool {
	return t.Origin.Generated != nil && t.Origin.Generated.ValidatorVerdict == ValidatorInvalid
}

// Executable is the result of compiling a Solution or Program.
type Executable struct {
	// Fingerprint is the fingerprint this executable was cached under.
	Fingerprint [32]byte

	// Path is the absolute path to the runnable artifact (a binary for
	// compiled languages, a copy of the source for interpreted ones).
	Path string

	// RunCmd is the fully-resolved command template to invoke Path, e.g.
	// ["python3", "/cache/.../a.out.py"].
	RunCmd []string

	Language string
}

// EvaluationRecord is the persisted result of evaluating one
// (solution, testcase) pair.
type EvaluationRecord struct {
	SolutionID string
	TestcaseID string

	Verdict Verdict

	CPUMillis  int64
	WallMillis int64
	MemoryKiB  int64

	CheckerMessage string

	OutputArtifact string // absolute path, empty if not produced

	CreatedAt time.Time
}
