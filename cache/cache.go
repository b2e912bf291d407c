package cache

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	"go.rbx.dev/rbx/digest"
	"go.rbx.dev/rbx/errtag"
)

// Cache is a fingerprint-keyed store of immutable, multi-artifact entries
// rooted at Root. See package doc for the on-disk layout.
type Cache struct {
	Root          string
	IntegrityMode IntegrityMode

	sf singleflight.Group
}

// New returns a Cache rooted at root, creating the directory skeleton if
// necessary.
func New(root string, mode IntegrityMode) (*Cache, error) {
	for _, sub := range []string{"objects", "staging"} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0700); err != nil {
			return nil, errors.Annotate(err, "cache: creating %s", sub).Err()
		}
	}
	return &Cache{Root: root, IntegrityMode: mode}, nil
}

func (c *Cache) objectDir(fp digest.Fingerprint) string {
	return filepath.Join(c.Root, "objects", fp.Hex())
}

func (c *Cache) lockPath(fp digest.Fingerprint) string {
	return filepath.Join(c.Root, "objects", fp.Hex()+".lock")
}

// Lookup returns the entry for fp if present and (per IntegrityMode)
// still trustworthy. A stale Strict entry is deleted and Lookup reports
// it as absent.
func (c *Cache) Lookup(ctx context.Context, fp digest.Fingerprint) (*Entry, bool, error) {
	return c.lookup(ctx, fp)
}

func (c *Cache) lookup(ctx context.Context, fp digest.Fingerprint) (*Entry, bool, error) {
	dir := c.objectDir(fp)
	m, err := readMeta(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, errors.Annotate(err, "cache: reading entry %s", fp.Hex()).Tag(errtag.Cache).Err()
	}

	entry, err := m.toEntry(dir)
	if err != nil {
		// Corrupt meta is itself a strict-integrity violation regardless of
		// the configured mode: we can't trust a cache entry we can't parse.
		logging.Warningf(ctx, "cache: entry %s has corrupt meta, evicting: %s", fp.Hex(), err)
		if rmErr := removeDir(dir); rmErr != nil {
			logging.Errorf(ctx, "cache: failed to evict corrupt entry %s: %s", fp.Hex(), rmErr)
		}
		return nil, false, nil
	}

	if c.IntegrityMode == Strict {
		for role, a := range entry.Artifacts {
			got, err := digest.File(a.Path)
			if err != nil || got.Hash != a.Digest.Hash || got.Size != a.Digest.Size {
				logging.Warningf(ctx, "cache: entry %s role %s failed integrity check, evicting", fp.Hex(), role)
				if rmErr := removeDir(dir); rmErr != nil {
					logging.Errorf(ctx, "cache: failed to evict stale entry %s: %s", fp.Hex(), rmErr)
				}
				return nil, false, nil
			}
		}
	}

	return entry, true, nil
}

// Build returns the entry for fp, building it via produce if absent.
//
// At most one produce call is ever in flight for a given fp across this
// process (golang.org/x/sync/singleflight); a second Cache instance
// pointed at the same Root (a separate rbx process) is additionally
// serialized via an fslock so two processes never stage the same
// fingerprint concurrently.
func (c *Cache) Build(ctx context.Context, fp digest.Fingerprint, produce ProduceFunc) (*Entry, error) {
	if entry, ok, err := c.lookup(ctx, fp); err != nil {
		return nil, err
	} else if ok {
		return entry, nil
	}

	v, err, _ := c.sf.Do(fp.Hex(), func() (interface{}, error) {
		return c.buildLocked(ctx, fp, produce)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Entry), nil
}

func (c *Cache) buildLocked(ctx context.Context, fp digest.Fingerprint, produce ProduceFunc) (*Entry, error) {
	unlock, err := lockFS(ctx, c.lockPath(fp), 15*time.Minute)
	if err != nil {
		return nil, errors.Annotate(err, "cache: acquiring build lock for %s", fp.Hex()).Tag(errtag.Cache).Err()
	}
	defer func() {
		if err := unlock(); err != nil {
			logging.Errorf(ctx, "cache: failed to release build lock for %s: %s", fp.Hex(), err)
		}
	}()

	// Re-check now that we hold the cross-process lock: another process may
	// have published this fingerprint while we were waiting.
	if entry, ok, err := c.lookup(ctx, fp); err != nil {
		return nil, err
	} else if ok {
		return entry, nil
	}

	stagingDir := filepath.Join(c.Root, "staging", uuid.NewString())
	if err := os.MkdirAll(stagingDir, 0700); err != nil {
		return nil, errors.Annotate(err, "cache: creating staging dir").Tag(errtag.Cache).Err()
	}
	nukeStaging := func() {
		if err := os.RemoveAll(stagingDir); err != nil {
			logging.Warningf(ctx, "cache: failed to remove staging dir %s: %s", stagingDir, err)
		}
	}

	result, err := produce(stagingDir)
	if err != nil {
		nukeStaging()
		return nil, err // caller's error, already annotated/tagged as appropriate
	}

	m := metaFile{
		FingerprintHex: fp.Hex(),
		Artifacts:      make(map[Role]metaArtifact, len(result.Artifacts)),
		Metrics:        result.Metrics,
		CreatedAt:      clock.Now(ctx).UTC(),
	}
	for role, relPath := range result.Artifacts {
		d, err := digest.File(filepath.Join(stagingDir, relPath))
		if err != nil {
			nukeStaging()
			return nil, errors.Annotate(err, "cache: hashing produced artifact %s", role).Err()
		}
		m.Artifacts[role] = metaArtifact{RelPath: relPath, Hash: d.Hash, Size: d.Size}
	}

	if err := writeMeta(stagingDir, m); err != nil {
		nukeStaging()
		return nil, errors.Annotate(err, "cache: writing meta for %s", fp.Hex()).Tag(errtag.Cache).Err()
	}

	objectDir := c.objectDir(fp)
	if err := os.Rename(stagingDir, objectDir); err != nil {
		nukeStaging()
		return nil, errors.Annotate(err, "cache: publishing entry %s", fp.Hex()).Tag(errtag.Cache).Err()
	}

	return m.toEntry(objectDir)
}

// Invalidate removes the entry for fp, if any. Safe with concurrent
// readers: a reader that already opened a file handle under the old
// directory keeps seeing its snapshot (removeDir renames before
// unlinking)
func (c *Cache) Invalidate(ctx context.Context, fp digest.Fingerprint) error {
	dir := c.objectDir(fp)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil
	}
	return errors.Annotate(removeDir(dir), "cache: invalidating %s", fp.Hex()).Tag(errtag.Cache).Err()
}

// Trim evicts the least-recently-created published entries until at most
// keep remain, for callers that want to bound disk usage
// across runs rather than letting the cache grow forever. Mirrors
// infra/cmd/gaedeploy's cmdcleanup trim: list every entry, oldest first,
// remove until within budget.
func (c *Cache) Trim(ctx context.Context, keep int) (int, error) {
	objectsDir := filepath.Join(c.Root, "objects")
	files, err := ioutil.ReadDir(objectsDir)
	if err != nil {
		return 0, errors.Annotate(err, "cache: listing %s", objectsDir).Tag(errtag.Cache).Err()
	}

	type candidate struct {
		dir       string
		createdAt time.Time
	}
	var entries []candidate
	for _, f := range files {
		if !f.IsDir() {
			continue
		}
		dir := filepath.Join(objectsDir, f.Name())
		m, err := readMeta(dir)
		if err != nil {
			logging.Warningf(ctx, "cache: skipping %q during trim: %s", f.Name(), err)
			continue
		}
		entries = append(entries, candidate{dir: dir, createdAt: m.CreatedAt})
	}

	if len(entries) <= keep {
		logging.Infof(ctx, "cache: %d entries (%s), nothing to trim", len(entries), humanize.Bytes(uint64(dirSize(objectsDir))))
		return 0, nil
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].createdAt.Before(entries[j].createdAt) })

	trimmed := 0
	for _, e := range entries[:len(entries)-keep] {
		logging.Infof(ctx, "cache: trimming %s (created %s)", filepath.Base(e.dir), humanize.Time(e.createdAt))
		if err := removeDir(e.dir); err != nil {
			logging.Errorf(ctx, "cache: failed to trim %s: %s", filepath.Base(e.dir), err)
			continue
		}
		trimmed++
	}
	return trimmed, nil
}

// dirSize sums file sizes under root, for the "nothing to trim" log line;
// trim itself never needs a total, only relative age.
func dirSize(root string) int64 {
	var total int64
	_ = filepath.Walk(root, func(_ string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total
}

// removeDir renames path out of the way before deleting it, so concurrent
// readers holding a stale reference to it are unaffected
// (infra/cmd/gaedeploy/cache.removeDir).
func removeDir(path string) error {
	dir, base := filepath.Dir(path), filepath.Base(path)
	tmp, err := ioutil.TempDir(dir, "del_"+base+"_")
	if err != nil {
		return errors.Annotate(err, "preparing deletion of %s", path).Err()
	}
	// TempDir already created `tmp`; replace it with the renamed `path`.
	if err := os.Remove(tmp); err != nil {
		return err
	}
	if err := os.Rename(path, tmp); err != nil {
		return errors.Annotate(err, "renaming %s before deletion", path).Err()
	}
	return os.RemoveAll(tmp)
}
