// Package digest implements canonical, content-addressable hashing of
// files, directory trees and operation invocations.
//
// The hash primitive is SHA-256, the same choice infra/cmd/gaedeploy/cache
// makes for its own content-addressed cache (entries keyed by
// hex(sha256(tarball))) — no third-party hash library is needed for this,
// so crypto/sha256 is used directly.
package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	rdigest "github.com/bazelbuild/remote-apis-sdks/go/pkg/digest"
	"go.chromium.org/luci/common/errors"
)

// Digest is a 256-bit content digest, represented the same way the
// teacher's CAS client (infra/chromium/bootstrapper/cas) represents remote
// blobs: a hex SHA-256 hash plus the byte size that produced it.
type Digest = rdigest.Digest

// Empty is the digest of zero bytes.
var Empty = mustFromBytes(nil)

func mustFromBytes(b []byte) Digest {
	return fromSum(sha256.Sum256(b), int64(len(b)))
}

func fromSum(sum [32]byte, size int64) Digest {
	return rdigest.Digest{Hash: hex.EncodeToString(sum[:]), Size: size}
}

// FromBytes computes the digest of an in-memory blob.
func FromBytes(b []byte) Digest {
	return fromSum(sha256.Sum256(b), int64(len(b)))
}

// Bytes decodes d's hex hash into the raw 32-byte form model.Testcase and
// friends store inline, rather than carrying a hex string around.
func Bytes(d Digest) ([32]byte, error) {
	var out [32]byte
	raw, err := hex.DecodeString(d.Hash)
	if err != nil || len(raw) != len(out) {
		return out, errors.Reason("digest: %q is not a valid sha256 hash", d.Hash).Err()
	}
	copy(out[:], raw)
	return out, nil
}

// File computes the digest of the file at path.
//
// Errors are annotated but not tagged; callers attach an errtag (e.g.
// errtag.Tool in compiler). There is no sentinel text expected here so
// there is no EncodingError case.
func File(path string) (Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return Digest{}, errors.Annotate(err, "digest: opening %s", path).Err()
	}
	defer f.Close()

	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return Digest{}, errors.Annotate(err, "digest: reading %s", path).Err()
	}
	var sum [32]byte
	copy(sum[:], h.Sum(nil))
	return fromSum(sum, size), nil
}

// entry is one record in a canonical directory listing.
type entry struct {
	relPath string
	mode    os.FileMode
	target  string // non-empty for symlinks; never followed
	digest  Digest // zero for symlinks
}

// Tree computes the digest of a canonical listing of
// (relative_path, mode_bit, file_digest) triples, sorted lexicographically
// by relative path. Symlinks are recorded as (path, target_bytes) and are
// never followed.
func Tree(root string) (Digest, error) {
	var entries []entry

	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if info.Mode()&os.ModeSymlink != 0 {
			target, err := os.Readlink(path)
			if err != nil {
				return errors.Annotate(err, "digest: reading symlink %s", path).Err()
			}
			entries = append(entries, entry{relPath: rel, mode: info.Mode(), target: target})
			return nil
		}
		if info.IsDir() {
			return nil
		}

		d, err := File(path)
		if err != nil {
			return err
		}
		entries = append(entries, entry{relPath: rel, mode: info.Mode(), digest: d})
		return nil
	})
	if err != nil {
		return Digest{}, errors.Annotate(err, "digest: walking %s", root).Err()
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].relPath < entries[j].relPath })

	var sb strings.Builder
	for _, e := range entries {
		sb.WriteString(e.relPath)
		sb.WriteByte(0)
		if e.target != "" {
			sb.WriteString("symlink:")
			sb.WriteString(e.target)
		} else {
			sb.WriteString("mode:")
			sb.WriteString(e.mode.Perm().String())
			sb.WriteByte(0)
			sb.WriteString(e.digest.Hash)
		}
		sb.WriteByte('\n')
	}
	return FromBytes([]byte(sb.String())), nil
}
