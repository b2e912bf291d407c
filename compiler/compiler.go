// Package compiler turns a source file into a cached Executable: a
// fingerprint over the language, the source file's digest, compile command
// and compiler version gates a cache.Build whose produce callback stages
// the source, invokes the language's compile command under the sandbox,
// and publishes the resulting binary (or, for interpreted languages, the
// staged copy of the source). Only the single source file is hashed and
// staged; no other files of a source tree are.
//
// Grounded on infra/cmd/cloudbuildhelper/builder's copy-then-run-step
// shape, generalized from a single `run` build step to a compile step
// driven by model.Language. Source staging uses otiai10/copy, the same
// library the broader infra repo already depends on for recursive tree
// copies.
package compiler

import (
	"context"
	"io"
	"os"
	"path/filepath"

	copypkg "github.com/otiai10/copy"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	"go.rbx.dev/rbx/cache"
	"go.rbx.dev/rbx/digest"
	"go.rbx.dev/rbx/errtag"
	"go.rbx.dev/rbx/model"
	"go.rbx.dev/rbx/sandbox"
)

// VersionProbe resolves a language's compiler version string, used as a
// fingerprint input so a toolchain upgrade invalidates cached executables.
// It is pluggable so tests don't need a real compiler on PATH.
type VersionProbe func(ctx context.Context, lang model.Language) (string, error)

// Compiler builds Executables for a package, caching results in c.
type Compiler struct {
	Cache        *cache.Cache
	VersionProbe VersionProbe
}

// New returns a Compiler backed by c, probing compiler versions by
// actually invoking each language's CompilerVersionCmd under the sandbox.
func New(c *cache.Cache) *Compiler {
	return &Compiler{Cache: c, VersionProbe: runVersionCmd}
}

// Compile produces the Executable for sourcePath written in lang, bounded
// by compileProfile while the compiler itself runs.
func (comp *Compiler) Compile(ctx context.Context, sourcePath string, lang model.Language, compileProfile sandbox.Profile) (*model.Executable, error) {
	sourceDigest, err := digest.File(sourcePath)
	if err != nil {
		return nil, errors.Annotate(err, "compiler: hashing source %s", sourcePath).Tag(errtag.Tool).Err()
	}

	version := ""
	if !lang.Interpreted() {
		version, err = comp.VersionProbe(ctx, lang)
		if err != nil {
			return nil, errors.Annotate(err, "compiler: probing %s compiler version", lang.Name).Tag(errtag.Tool).Err()
		}
	}

	fp := digest.NewBuilder("compile").
		String(lang.Name).
		Digest(sourceDigest).
		Strings(lang.CompileCmd).
		String(version).
		Build()

	entry, err := comp.Cache.Build(ctx, fp, func(stagingDir string) (cache.ProduceResult, error) {
		return comp.produce(ctx, stagingDir, sourcePath, lang, compileProfile)
	})
	if err != nil {
		return nil, err
	}

	artifact, ok := entry.Artifact(cache.RoleExecutable)
	if !ok {
		return nil, errors.Reason("compiler: entry %s has no executable artifact", fp.Hex()).Tag(errtag.Cache).Err()
	}

	runCmd := substituteTokens(lang.RunCmd, map[string]string{"{exe}": artifact.Path})

	return &model.Executable{
		Fingerprint: fp,
		Path:        artifact.Path,
		RunCmd:      runCmd,
		Language:    lang.Name,
	}, nil
}

func (comp *Compiler) produce(ctx context.Context, stagingDir, sourcePath string, lang model.Language, profile sandbox.Profile) (cache.ProduceResult, error) {
	destSource := filepath.Join(stagingDir, filepath.Base(sourcePath))
	if err := copypkg.Copy(sourcePath, destSource); err != nil {
		return cache.ProduceResult{}, errors.Annotate(err, "compiler: staging source").Tag(errtag.Tool).Err()
	}

	if lang.Interpreted() {
		// Nothing to compile: the "executable" is the staged source plus the
		// run command template recorded on model.Executable.
		return cache.ProduceResult{
			Artifacts: map[cache.Role]string{cache.RoleExecutable: filepath.Base(sourcePath)},
		}, nil
	}

	binaryName := lang.Name + ".bin"
	outputPath := filepath.Join(stagingDir, binaryName)
	argv := substituteTokens(lang.CompileCmd, map[string]string{
		"{src}": destSource,
		"{exe}": outputPath,
	})
	stderrPath := filepath.Join(stagingDir, "compile.stderr")

	outcome, err := sandbox.Run(ctx, sandbox.Invocation{
		Profile: profile,
		Argv:    argv,
		Dir:     stagingDir,
		Stdin:   sandbox.NullSource,
		Stdout:  sandbox.FileSink{Path: filepath.Join(stagingDir, "compile.stdout")},
		Stderr:  sandbox.FileSink{Path: stderrPath},
	})
	if err != nil {
		return cache.ProduceResult{}, errors.Annotate(err, "compiler: running compile command").Tag(errtag.Sandbox).Err()
	}
	if outcome.Status != sandbox.OK {
		logging.Warningf(ctx, "compiler: compile of %s failed with %s, see %s", sourcePath, outcome.Status, stderrPath)
		return cache.ProduceResult{}, errors.Reason("compiler: compile failed: %s", outcome.Status).Tag(errtag.Tool).Err()
	}

	logName := "compile.stderr.zst"
	if err := cache.CompressFile(stderrPath, filepath.Join(stagingDir, logName)); err != nil {
		return cache.ProduceResult{}, errors.Annotate(err, "compiler: compressing compile log").Err()
	}
	if err := os.Remove(stderrPath); err != nil {
		logging.Warningf(ctx, "compiler: failed to remove uncompressed compile log %s: %s", stderrPath, err)
	}

	return cache.ProduceResult{
		Artifacts: map[cache.Role]string{
			cache.RoleExecutable: binaryName,
			cache.RoleLog:        logName,
		},
	}, nil
}

// CompileLog returns the compiler's captured stderr from compiling exe,
// decompressing it transparently. Callers (cmd/rbxcore) use this to show
// compiler diagnostics on demand without keeping them in memory for every
// compile.
func (comp *Compiler) CompileLog(ctx context.Context, exe *model.Executable) (io.ReadCloser, error) {
	entry, ok, err := comp.Cache.Lookup(ctx, digest.Fingerprint(exe.Fingerprint))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.Reason("compiler: no cache entry for %s", digest.Fingerprint(exe.Fingerprint).Hex()).Tag(errtag.Cache).Err()
	}
	artifact, ok := entry.Artifact(cache.RoleLog)
	if !ok {
		return nil, errors.Reason("compiler: entry %s has no compile log", digest.Fingerprint(exe.Fingerprint).Hex()).Err()
	}
	return cache.Open(artifact)
}

// substituteTokens replaces literal placeholder tokens (e.g. "{src}",
// "{exe}") in cmd, matching the %-template substitution style
// infra/cmd/cloudbuildhelper/manifest uses for its own command templates.
func substituteTokens(cmd []string, replacements map[string]string) []string {
	out := make([]string, len(cmd))
	for i, tok := range cmd {
		if repl, ok := replacements[tok]; ok {
			out[i] = repl
		} else {
			out[i] = tok
		}
	}
	return out
}

func runVersionCmd(ctx context.Context, lang model.Language) (string, error) {
	if len(lang.CompilerVersionCmd) == 0 {
		return "", nil
	}
	var stdout sandbox.StringSink
	_, err := sandbox.Run(ctx, sandbox.Invocation{
		Profile: sandbox.Profile{Wall: defaultProbeWall, CPU: defaultProbeWall},
		Argv:    lang.CompilerVersionCmd,
		Stdin:   sandbox.NullSource,
		Stdout:  &stdout,
		Stderr:  &stdout,
	})
	if err != nil {
		return "", err
	}
	return stdout.String(), nil
}
