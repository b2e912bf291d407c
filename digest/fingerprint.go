package digest

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
)

// fingerprintSchemaVersion is the first byte of every fingerprint
// serialization. Bumping it invalidates every prior cache.
const fingerprintSchemaVersion byte = 1

// field kind tags, written before each field so the serialization is
// self-describing and can never be confused by field reordering bugs.
const (
	fieldString byte = iota + 1
	fieldStringList
	fieldDigest
	fieldInt64
	fieldBytes
)

// Fingerprint is an opaque 256-bit key for a cached operation: a compile,
// a generator call, an evaluation. Two operations with equal Fingerprints
// must produce byte-identical artifacts.
type Fingerprint [32]byte

// Builder incrementally constructs a Fingerprint from an operation's
// identity: operation kind, tool version tag, input digests, command
// template, ordered arguments, and relevant environment. Fields are
// appended in caller-chosen but fixed order; unrelated environment (PATH,
// TMP, locale) must never be fed in.
type Builder struct {
	buf []byte
}

// NewBuilder starts a fingerprint for the named operation kind, e.g.
// "compile", "generate", "evaluate".
func NewBuilder(operationKind string) *Builder {
	b := &Builder{buf: make([]byte, 0, 256)}
	b.buf = append(b.buf, fingerprintSchemaVersion)
	b.String(operationKind)
	return b
}

func (b *Builder) lengthPrefixed(tag byte, data []byte) {
	b.buf = append(b.buf, tag)
	var lenBuf [8]byte
	binary.BigEndian.PutUint64(lenBuf[:], uint64(len(data)))
	b.buf = append(b.buf, lenBuf[:]...)
	b.buf = append(b.buf, data...)
}

// String appends a UTF-8 text field (tool version tags, command names,
// flags, environment values that do contribute to the fingerprint).
func (b *Builder) String(s string) *Builder {
	b.lengthPrefixed(fieldString, []byte(s))
	return b
}

// Strings appends an ordered list of text fields, e.g. argv.
func (b *Builder) Strings(ss []string) *Builder {
	b.buf = append(b.buf, fieldStringList)
	var lenBuf [8]byte
	binary.BigEndian.PutUint64(lenBuf[:], uint64(len(ss)))
	b.buf = append(b.buf, lenBuf[:]...)
	for _, s := range ss {
		b.lengthPrefixed(fieldString, []byte(s))
	}
	return b
}

// Digest appends a content digest (an input file or directory tree).
func (b *Builder) Digest(d Digest) *Builder {
	b.lengthPrefixed(fieldDigest, []byte(d.Hash))
	return b
}

// Int64 appends a numeric field, e.g. a resource limit that participates
// in the operation's identity (changing cpu_ms should change the
// fingerprint of a run, since it can change the outcome).
func (b *Builder) Int64(v int64) *Builder {
	b.buf = append(b.buf, fieldInt64)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(v))
	b.buf = append(b.buf, buf[:]...)
	return b
}

// FixedBytes appends a raw 32-byte field: another operation's own
// Fingerprint, or a testcase's InputDigest, folded in as an input to this
// one (e.g. a generated testcase's seed is keyed on the generator
// executable's Fingerprint, not its source digest).
func (b *Builder) FixedBytes(v [32]byte) *Builder {
	b.lengthPrefixed(fieldBytes, v[:])
	return b
}

// Build finalizes the fingerprint.
func (b *Builder) Build() Fingerprint {
	return Fingerprint(sha256.Sum256(b.buf))
}

// Hex returns the lowercase hex encoding of fp, used as the cache's
// on-disk directory name.
func (fp Fingerprint) Hex() string {
	return hex.EncodeToString(fp[:])
}

// Seed returns the first 64 bits of fp, used by the generator (component
// F) as a deterministic RNG seed for the call it fingerprints.
func (fp Fingerprint) Seed() uint64 {
	return binary.BigEndian.Uint64(fp[:8])
}
