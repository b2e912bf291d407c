// Package sandbox runs a single process under wall/CPU/memory/process/output
// limits and reports how it finished. It is the foundation every other core
// component (compiler, generator, evaluate, interactive) drives work through;
// nothing in rbx spawns a process except via Run.
//
// Grounded on infra/cmd/cloudbuildhelper/builder/step_run.go for the basic
// exec.CommandContext + captured-stdio shape, and on
// infra/isolation/nsjail_wrapper for the exec-as-a-var seam that keeps the
// launcher substitutable in tests. Live RSS sampling borrows gopsutil's
// process.Process, pinned to the v2 line the same way infra/go.mod pins it.
package sandbox

import (
	"io"
	"os"
	"strings"
	"time"

	"go.chromium.org/luci/common/errors"
)

// Status is the outcome of one sandboxed process, never conflated with the
// program's own exit code: RuntimeError means "the program misbehaved",
// SandboxError means "we couldn't even run it".
type Status int

const (
	OK Status = iota
	TimeLimitExceeded
	WallTimeLimitExceeded
	MemoryLimitExceeded
	OutputLimitExceeded
	RuntimeError
	SandboxError
)

func (s Status) String() string {
	switch s {
	case OK:
		return "OK"
	case TimeLimitExceeded:
		return "TimeLimitExceeded"
	case WallTimeLimitExceeded:
		return "WallTimeLimitExceeded"
	case MemoryLimitExceeded:
		return "MemoryLimitExceeded"
	case OutputLimitExceeded:
		return "OutputLimitExceeded"
	case RuntimeError:
		return "RuntimeError"
	case SandboxError:
		return "SandboxError"
	default:
		return "Unknown"
	}
}

// Tripped reports whether Status represents a resource limit violation
// rather than a clean exit or a plain program failure.
func (s Status) Tripped() bool {
	switch s {
	case TimeLimitExceeded, WallTimeLimitExceeded, MemoryLimitExceeded, OutputLimitExceeded:
		return true
	default:
		return false
	}
}

// Outcome is the result of one Run call
type Outcome struct {
	Status            Status
	CPUMillis         int64
	WallMillis        int64
	MemoryKiB         int64
	ExitCode          *int
	TerminationSignal *int
	OutputTruncated   bool
}

// Profile bounds one sandboxed process. It is the run-time counterpart of
// model.Limits; the conversion is model.Limits.Profile, so this package
// stays free of the descriptor model.
type Profile struct {
	CPU        time.Duration
	Wall       time.Duration
	MemoryKiB  int64
	Processes  int
	OutputKiB  int64
	PollPeriod time.Duration // live RSS sampling interval; 0 selects a default
}

// Mount maps a host path into the child's working directory before it
// starts. rbx's sandbox is a resource-limit wrapper, not a filesystem
// jail, so Mount is currently just a documented hook for a future
// namespace-backed backend; hardening against untrusted code beyond what a
// local sandbox provides is explicitly out of scope.
type Mount struct {
	HostPath    string
	SandboxPath string
	ReadOnly    bool
}

// Invocation is everything Run needs to launch and bound one process.
//
// Stdin/Stdout/Stderr follow builder/step_run.go's convention of
// wiring raw os.File-compatible streams straight into exec.Cmd; FileSource
// and the Sink helpers below are the concrete Source/Sink values most
// callers construct. D (interactive) hands Run the pipe ends directly,
// since os.File already satisfies both interfaces.
type Invocation struct {
	Profile Profile
	Argv    []string
	Dir     string
	Env     []string
	Mounts  []Mount

	Stdin  Source
	Stdout Sink
	Stderr Sink
}

// Source supplies a child's stdin. *os.File implements Source directly.
type Source interface {
	io.Reader
}

// Sink receives a child's stdout/stderr. *os.File implements Sink. Run
// wraps every Sink in a capped writer that drops bytes past
// Profile.OutputKiB.
type Sink interface {
	io.Writer
}

// TruncationAware reports whether a writer silently dropped bytes past its
// cap. Run's capped writers implement it; after the child exits, Run turns
// an otherwise OK outcome whose output was truncated into
// OutputLimitExceeded.
type TruncationAware interface {
	Truncated() bool
}

// FileSource opens path read-only and feeds its bytes to the child's stdin.
type FileSource struct {
	Path string
}

// NullSource feeds an immediately-closed (EOF) stdin, for programs that
// don't read input.
var NullSource Source = emptyReader{}

type emptyReader struct{}

func (emptyReader) Read([]byte) (int, error) { return 0, io.EOF }

func openSource(src Source) (*os.File, func(), error) {
	if fs, ok := src.(FileSource); ok {
		f, err := os.Open(fs.Path)
		if err != nil {
			return nil, nil, errors.Annotate(err, "sandbox: opening stdin source %s", fs.Path).Err()
		}
		return f, func() { f.Close() }, nil
	}
	if f, ok := src.(*os.File); ok {
		return f, func() {}, nil
	}
	// Arbitrary io.Reader: pipe it through in a goroutine so exec.Cmd, which
	// wants an *os.File-ish stream, still sees a real fd.
	r, w, err := os.Pipe()
	if err != nil {
		return nil, nil, errors.Annotate(err, "sandbox: creating stdin pipe").Err()
	}
	go func() {
		io.Copy(w, src)
		w.Close()
	}()
	return r, func() { r.Close() }, nil
}

// FileSink captures a child's stdout/stderr to Path; Run truncates writes
// past Profile.OutputKiB (0 means unlimited) and records whether
// truncation occurred.
type FileSink struct {
	Path string
}

// cappedWriter wraps any Sink so writes past the cap are dropped but the
// underlying stream keeps accepting bytes (a program that outputs a
// firehose must not block forever on a full sink).
type cappedWriter struct {
	w         io.Writer
	remaining int64
	truncated bool
}

func (c *cappedWriter) Write(p []byte) (int, error) {
	if c.remaining <= 0 {
		c.truncated = true
		return len(p), nil
	}
	n := p
	if int64(len(n)) > c.remaining {
		n = n[:c.remaining]
		c.truncated = true
	}
	written, err := c.w.Write(n)
	c.remaining -= int64(written)
	return len(p), err
}

func (c *cappedWriter) Truncated() bool { return c.truncated }

// StringSink accumulates everything written to it in memory. Callers that
// only want to inspect a program's stdout/stderr after the fact (a version
// probe, a validator's rejection message) use this instead of FileSink.
type StringSink struct {
	b strings.Builder
}

func (s *StringSink) Write(p []byte) (int, error) { return s.b.Write(p) }

// String returns everything written so far, with surrounding whitespace
// trimmed.
func (s *StringSink) String() string { return strings.TrimSpace(s.b.String()) }

// DiscardSink throws away everything written to it, for streams a caller
// only cares about the exit status of, not the bytes.
type DiscardSink struct{}

func (DiscardSink) Write(p []byte) (int, error) { return len(p), nil }

func openCappedSink(sink Sink, limitBytes int64) (*cappedWriter, func(), error) {
	var w io.Writer = sink
	cleanup := func() {}
	if fs, ok := sink.(FileSink); ok {
		f, err := os.OpenFile(fs.Path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
		if err != nil {
			return nil, nil, errors.Annotate(err, "sandbox: opening sink %s", fs.Path).Err()
		}
		w = f
		cleanup = func() { f.Close() }
	}
	capped := &cappedWriter{w: w, remaining: limitBytes}
	if limitBytes <= 0 {
		capped.remaining = 1<<63 - 1
	}
	return capped, cleanup, nil
}
