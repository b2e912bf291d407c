// Package cache implements the content-addressed artifact cache
//: a fingerprint-keyed store of compiled binaries,
// generated inputs and evaluation outputs, with integrity checks and
// at-most-one concurrent build per key.
//
// The on-disk layout and staging/publish dance are generalized from the
// teacher's infra/cmd/gaedeploy/cache package (one tarball per SHA256,
// staged then renamed into place, guarded by an fslock); this package
// extends that to fingerprint-keyed entries holding many named artifacts.
package cache

import (
	"time"

	"go.rbx.dev/rbx/digest"
)

// Role names one artifact within a cache entry.
type Role string

const (
	RoleExecutable Role = "executable"
	RoleStdout     Role = "stdout"
	RoleStderr     Role = "stderr"
	RoleInput      Role = "input"
	RoleAnswer     Role = "answer"
	RoleLog        Role = "log"
	RoleMetrics    Role = "metrics"
	RoleEval       Role = "eval"
)

// IntegrityMode controls what lookup does when an entry is found.
type IntegrityMode int

const (
	// Strict re-hashes every referenced artifact on lookup and evicts the
	// entry (treating it as absent) on any mismatch.
	Strict IntegrityMode = iota
	// Loose trusts the on-disk bytes without re-hashing.
	Loose
)

// Artifact is one immutable, named byte blob inside a published entry.
type Artifact struct {
	Role Role
	// Path is the absolute path to the file on disk.
	Path string
	// Digest is the content digest recorded at publish time.
	Digest digest.Digest
}

// Entry is a published cache record: (fingerprint -> artifacts, metrics,
// created_at). Entries are immutable; rebuilding the same fingerprint
// again (e.g. after an explicit Invalidate) creates a brand new Entry
// value, never mutates one in place.
type Entry struct {
	Fingerprint digest.Fingerprint
	Artifacts   map[Role]Artifact
	Metrics     map[string]string
	CreatedAt   time.Time
}

// Artifact looks up one artifact by role, returning ok=false if the entry
// doesn't carry that role.
func (e *Entry) Artifact(role Role) (Artifact, bool) {
	a, ok := e.Artifacts[role]
	return a, ok
}

// ProduceResult is what a ProduceFunc reports back after populating the
// staging directory it was handed.
type ProduceResult struct {
	// Artifacts maps role to a path relative to the staging directory the
	// ProduceFunc was invoked with.
	Artifacts map[Role]string
	// Metrics is free-form bookkeeping carried alongside the entry (e.g.
	// compiler stderr size, wall time of the build itself).
	Metrics map[string]string
}

// ProduceFunc does the actual (uncached) work for one fingerprint. It
// receives an empty staging directory to write output files into and
// must not touch anything outside it. Returning an error means nothing
// is published and the staging directory is discarded.
type ProduceFunc func(stagingDir string) (ProduceResult, error)
