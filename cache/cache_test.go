package cache

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/clock/testclock"

	"go.rbx.dev/rbx/digest"
)

func testFingerprint(seed string) digest.Fingerprint {
	return digest.NewBuilder("test").String(seed).Build()
}

func TestCache(t *testing.T) {
	t.Parallel()

	Convey("With a fresh cache root", t, func() {
		root, err := ioutil.TempDir("", "rbx_cache_test")
		So(err, ShouldBeNil)
		Reset(func() { os.RemoveAll(root) })

		c, err := New(root, Strict)
		So(err, ShouldBeNil)
		ctx := context.Background()

		writeOneArtifact := func(contents string) ProduceFunc {
			return func(stagingDir string) (ProduceResult, error) {
				if err := ioutil.WriteFile(filepath.Join(stagingDir, "out.bin"), []byte(contents), 0600); err != nil {
					return ProduceResult{}, err
				}
				return ProduceResult{
					Artifacts: map[Role]string{RoleExecutable: "out.bin"},
					Metrics:   map[string]string{"bytes": "3"},
				}, nil
			}
		}

		Convey("Build then Lookup roundtrip", func() {
			fp := testFingerprint("a")
			entry, err := c.Build(ctx, fp, writeOneArtifact("abc"))
			So(err, ShouldBeNil)
			artifact, ok := entry.Artifact(RoleExecutable)
			So(ok, ShouldBeTrue)
			blob, err := ioutil.ReadFile(artifact.Path)
			So(err, ShouldBeNil)
			So(string(blob), ShouldEqual, "abc")

			found, ok, err := c.Lookup(ctx, fp)
			So(err, ShouldBeNil)
			So(ok, ShouldBeTrue)
			So(found.Fingerprint, ShouldEqual, fp)
		})

		Convey("Lookup on an unknown fingerprint reports absent, not an error", func() {
			_, ok, err := c.Lookup(ctx, testFingerprint("missing"))
			So(err, ShouldBeNil)
			So(ok, ShouldBeFalse)
		})

		Convey("A failing produce publishes nothing and leaves no staging litter", func() {
			fp := testFingerprint("fails")
			_, err := c.Build(ctx, fp, func(stagingDir string) (ProduceResult, error) {
				return ProduceResult{}, errBoom
			})
			So(err, ShouldNotBeNil)

			_, ok, err := c.Lookup(ctx, fp)
			So(err, ShouldBeNil)
			So(ok, ShouldBeFalse)

			staged, err := ioutil.ReadDir(filepath.Join(root, "staging"))
			So(err, ShouldBeNil)
			So(staged, ShouldHaveLength, 0)
		})

		Convey("Singleflight: concurrent builders of the same fingerprint run produce once", func() {
			fp := testFingerprint("shared")
			var calls int32
			produce := func(stagingDir string) (ProduceResult, error) {
				atomic.AddInt32(&calls, 1)
				return writeOneArtifact("xyz")(stagingDir)
			}

			const n = 8
			var wg sync.WaitGroup
			wg.Add(n)
			for i := 0; i < n; i++ {
				go func() {
					defer wg.Done()
					_, err := c.Build(ctx, fp, produce)
					So(err, ShouldBeNil)
				}()
			}
			wg.Wait()

			So(atomic.LoadInt32(&calls), ShouldEqual, 1)
		})

		Convey("Invalidate evicts the entry, and it can be rebuilt afterwards", func() {
			fp := testFingerprint("rebuild")
			_, err := c.Build(ctx, fp, writeOneArtifact("v1"))
			So(err, ShouldBeNil)

			So(c.Invalidate(ctx, fp), ShouldBeNil)
			_, ok, err := c.Lookup(ctx, fp)
			So(err, ShouldBeNil)
			So(ok, ShouldBeFalse)

			entry, err := c.Build(ctx, fp, writeOneArtifact("v2"))
			So(err, ShouldBeNil)
			artifact, _ := entry.Artifact(RoleExecutable)
			blob, err := ioutil.ReadFile(artifact.Path)
			So(err, ShouldBeNil)
			So(string(blob), ShouldEqual, "v2")
		})

		Convey("Strict integrity mode evicts an entry whose artifact bytes changed on disk", func() {
			fp := testFingerprint("tamper")
			entry, err := c.Build(ctx, fp, writeOneArtifact("original"))
			So(err, ShouldBeNil)
			artifact, _ := entry.Artifact(RoleExecutable)

			So(ioutil.WriteFile(artifact.Path, []byte("tampered!"), 0600), ShouldBeNil)

			_, ok, err := c.Lookup(ctx, fp)
			So(err, ShouldBeNil)
			So(ok, ShouldBeFalse)
		})

		Convey("Trim evicts the oldest entries beyond keep, newest first preserved", func() {
			tc := testclock.New(time.Unix(1000, 0))
			tctx := clock.Set(ctx, tc)

			var fps []digest.Fingerprint
			for i := 0; i < 4; i++ {
				fp := testFingerprint(string(rune('a' + i)))
				_, err := c.Build(tctx, fp, writeOneArtifact("v"))
				So(err, ShouldBeNil)
				fps = append(fps, fp)
				tc.Add(time.Minute)
			}

			trimmed, err := c.Trim(tctx, 2)
			So(err, ShouldBeNil)
			So(trimmed, ShouldEqual, 2)

			_, ok, err := c.Lookup(tctx, fps[0])
			So(err, ShouldBeNil)
			So(ok, ShouldBeFalse)
			_, ok, err = c.Lookup(tctx, fps[1])
			So(err, ShouldBeNil)
			So(ok, ShouldBeFalse)

			_, ok, err = c.Lookup(tctx, fps[2])
			So(err, ShouldBeNil)
			So(ok, ShouldBeTrue)
			_, ok, err = c.Lookup(tctx, fps[3])
			So(err, ShouldBeNil)
			So(ok, ShouldBeTrue)
		})

		Convey("Trim is a no-op when already within budget", func() {
			fp := testFingerprint("solo")
			_, err := c.Build(ctx, fp, writeOneArtifact("v"))
			So(err, ShouldBeNil)

			trimmed, err := c.Trim(ctx, 5)
			So(err, ShouldBeNil)
			So(trimmed, ShouldEqual, 0)

			_, ok, err := c.Lookup(ctx, fp)
			So(err, ShouldBeNil)
			So(ok, ShouldBeTrue)
		})

		Convey("Loose integrity mode trusts tampered bytes without rehashing", func() {
			loose, err := New(filepath.Join(root, "loose"), Loose)
			So(err, ShouldBeNil)

			fp := testFingerprint("loose-tamper")
			entry, err := loose.Build(ctx, fp, writeOneArtifact("original"))
			So(err, ShouldBeNil)
			artifact, _ := entry.Artifact(RoleExecutable)
			So(ioutil.WriteFile(artifact.Path, []byte("tampered!"), 0600), ShouldBeNil)

			_, ok, err := loose.Lookup(ctx, fp)
			So(err, ShouldBeNil)
			So(ok, ShouldBeTrue)
		})
	})
}

var errBoom = &testError{"boom"}

type testError struct{ s string }

func (e *testError) Error() string { return e.s }
