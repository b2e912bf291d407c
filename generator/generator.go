// Package generator builds testcases by invoking a problem's generator
// programs, deriving a deterministic RNG seed from the call's own
// fingerprint, and validating the result before it's usable.
package generator

import (
	"context"
	"path/filepath"

	"go.chromium.org/luci/common/errors"

	"go.rbx.dev/rbx/cache"
	"go.rbx.dev/rbx/digest"
	"go.rbx.dev/rbx/errtag"
	"go.rbx.dev/rbx/model"
	"go.rbx.dev/rbx/sandbox"
	"go.rbx.dev/rbx/testlib"
)

// Generator produces testcase inputs, caching them in Cache and
// validating each one with the validator passed to Generate.
type Generator struct {
	Cache *cache.Cache
}

// New returns a Generator backed by c.
func New(c *cache.Cache) *Generator {
	return &Generator{Cache: c}
}

// Executable is the type of the already-compiled generator and validator
// programs a call needs; callers obtain them from compiler.Compiler first
// so this package stays free of language/compile concerns.
type Executable = model.Executable

// Call fully describes one generator invocation: the program to run, the
// caller-supplied args, and a nonce the caller can vary to force a
// distinct fingerprint for otherwise-identical args.
type Call struct {
	Generator model.GeneratorCall
	Nonce     string
}

// Generate runs gen under profile with the call's deterministic seed,
// producing an input artifact, then validates it with validator under
// validateProfile. The returned Testcase's Origin.Generated carries the
// validator's verdict; a rejected input is still returned (marked
// INVALID) rather than erroring: downstream evaluation
// skips it instead.
func (g *Generator) Generate(ctx context.Context, call Call, gen, validator *Executable, profile, validateProfile sandbox.Profile) (model.Testcase, error) {
	fp := newCallFingerprint(call, gen)

	entry, err := g.Cache.Build(ctx, fp, func(stagingDir string) (cache.ProduceResult, error) {
		return g.produce(ctx, stagingDir, call, gen, validator, profile, validateProfile)
	})
	if err != nil {
		return model.Testcase{}, err
	}

	inputArtifact, ok := entry.Artifact(cache.RoleInput)
	if !ok {
		return model.Testcase{}, errors.Reason("generator: entry %s has no input artifact", fp.Hex()).Tag(errtag.Cache).Err()
	}
	inputDigest, err := digest.Bytes(inputArtifact.Digest)
	if err != nil {
		return model.Testcase{}, errors.Annotate(err, "generator: decoding input digest").Err()
	}

	verdict := model.ValidatorValid
	message := entry.Metrics["validator_message"]
	if entry.Metrics["validator_verdict"] == string(model.ValidatorInvalid) {
		verdict = model.ValidatorInvalid
	}

	return model.Testcase{
		Group:       call.Generator.Group,
		InputDigest: inputDigest,
		InputPath:   inputArtifact.Path,
		Origin: model.Origin{
			Generated: &model.GeneratedOrigin{
				Call:             call.Generator,
				CallFingerprint:  fp,
				ValidatorVerdict: verdict,
				ValidatorMessage: message,
			},
		},
	}, nil
}

func (g *Generator) produce(ctx context.Context, stagingDir string, call Call, gen, validator *Executable, profile, validateProfile sandbox.Profile) (cache.ProduceResult, error) {
	seed := newCallFingerprint(call, gen).Seed()
	argv := testlib.GeneratorArgv(gen.Path, call.Generator.Args, seed)

	inputPath := filepath.Join(stagingDir, "input.txt")
	outcome, err := sandbox.Run(ctx, sandbox.Invocation{
		Profile: profile,
		Argv:    argv,
		Dir:     stagingDir,
		Stdin:   sandbox.NullSource,
		Stdout:  sandbox.FileSink{Path: inputPath},
		Stderr:  sandbox.FileSink{Path: filepath.Join(stagingDir, "generator.stderr")},
	})
	if err != nil {
		return cache.ProduceResult{}, errors.Annotate(err, "generator: running generator").Tag(errtag.Sandbox).Err()
	}
	if outcome.Status != sandbox.OK {
		return cache.ProduceResult{}, errors.Reason("generator: generator exited %s", outcome.Status).Tag(errtag.Tool).Err()
	}

	metrics := map[string]string{"validator_verdict": string(model.ValidatorValid)}
	if validator != nil {
		verdict, message, err := g.runValidator(ctx, inputPath, validator, validateProfile)
		if err != nil {
			return cache.ProduceResult{}, err
		}
		metrics["validator_verdict"] = string(verdict)
		metrics["validator_message"] = message
	}

	return cache.ProduceResult{
		Artifacts: map[cache.Role]string{cache.RoleInput: "input.txt"},
		Metrics:   metrics,
	}, nil
}

func (g *Generator) runValidator(ctx context.Context, inputPath string, validator *Executable, profile sandbox.Profile) (model.ValidatorVerdict, string, error) {
	argv := testlib.ValidatorArgv(validator.Path, inputPath)

	var stderr sandbox.StringSink
	outcome, err := sandbox.Run(ctx, sandbox.Invocation{
		Profile: profile,
		Argv:    argv,
		Stdin:   sandbox.NullSource,
		Stdout:  sandbox.DiscardSink{},
		Stderr:  &stderr,
	})
	if err != nil {
		return "", "", errors.Annotate(err, "generator: running validator").Tag(errtag.Sandbox).Err()
	}
	if outcome.Status == sandbox.OK {
		return model.ValidatorValid, "", nil
	}
	return model.ValidatorInvalid, stderr.String(), nil
}

// newCallFingerprint is the seed source: first 64 bits of the
// fingerprint over the fully-resolved call, matching Generate's own
// cache-key fingerprint so "equal calls produce equal seeds".
func newCallFingerprint(call Call, gen *Executable) digest.Fingerprint {
	return digest.NewBuilder("generate").
		FixedBytes(gen.Fingerprint).
		String(call.Generator.Generator).
		Strings(call.Generator.Args).
		String(call.Nonce).
		Build()
}
