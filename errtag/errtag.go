// Package errtag defines the error taxonomy shared across the engine.
//
// Every fallible operation returns a go.chromium.org/luci/common/errors
// error, annotated along the way with errors.Annotate. The tags here let
// any caller ask "was this a user mistake, a tool failure, a sandbox
// infrastructure problem, cache corruption, or a cancellation?" regardless
// of how many annotation layers sit on top, the same pattern
// cmd/cloudbuildhelper/cmdbase.go uses for isCLIError.
package errtag

import "go.chromium.org/luci/common/errors"

var (
	// User tags malformed packages, missing sources, or a validator that
	// rejected generated input. Reported verbatim, never retried.
	User = errors.BoolTag{Key: errors.NewTagKey("rbx: user error")}

	// Tool tags an unexpected exit from a compiler/checker/interactor.
	// Surfaces as verdict IE for the affected pair; never poisons others.
	Tool = errors.BoolTag{Key: errors.NewTagKey("rbx: tool error")}

	// Sandbox tags an infrastructure failure in the sandbox itself (mount
	// failed, fork failed) as opposed to a program failure. Retried a
	// bounded number of times by the evaluation engine, then surfaced as IE.
	Sandbox = errors.BoolTag{Key: errors.NewTagKey("rbx: sandbox error")}

	// Cache tags corruption detected under strict cache integrity. The
	// affected entry is evicted and rebuilt transparently.
	Cache = errors.BoolTag{Key: errors.NewTagKey("rbx: cache error")}

	// Cancellation tags a caller-requested cancellation, propagated
	// immediately with in-flight sandboxes terminated.
	Cancellation = errors.BoolTag{Key: errors.NewTagKey("rbx: cancelled")}
)

// PerPairFailure reports whether err is scoped to a single (solution,
// testcase) pair rather than the whole run: a Tool or Sandbox error only
// ever reflects one program or one sandbox invocation misbehaving, so a
// caller grading a batch of pairs (scheduler.RunAll) can turn it into a
// verdict IE for that pair instead of aborting every other pair in flight.
func PerPairFailure(err error) bool {
	return Tool.In(err) || Sandbox.In(err)
}
