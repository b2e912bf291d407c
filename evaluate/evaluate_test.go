package evaluate

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"go.rbx.dev/rbx/cache"
	"go.rbx.dev/rbx/model"
)

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	So(ioutil.WriteFile(path, []byte("#!/bin/sh\n"+body), 0700), ShouldBeNil)
	return path
}

func TestEvaluateBatch(t *testing.T) {
	t.Parallel()
	if runtime.GOOS == "windows" {
		t.Skip("evaluate drives /bin/sh stand-ins")
	}

	Convey("With a fresh cache, a cat-solution and an exact-match checker", t, func() {
		root, err := ioutil.TempDir("", "rbx_evaluate_test")
		So(err, ShouldBeNil)
		Reset(func() { os.RemoveAll(root) })

		c, err := cache.New(filepath.Join(root, "cache"), cache.Strict)
		So(err, ShouldBeNil)
		ev := New(c)

		limits := model.Limits{CPUMillis: 5000, WallMillis: 5000, MemoryKiB: 256 * 1024, Processes: 8, OutputKiB: 64}

		inputPath := filepath.Join(root, "input.txt")
		So(ioutil.WriteFile(inputPath, []byte("3\n"), 0600), ShouldBeNil)
		answerPath := filepath.Join(root, "answer.txt")
		So(ioutil.WriteFile(answerPath, []byte("3\n"), 0600), ShouldBeNil)

		testcase := model.Testcase{
			Group:      "samples",
			Index:      0,
			InputPath:  inputPath,
			AnswerPath: answerPath,
			InputDigest: [32]byte{7},
		}

		checker := &model.Executable{
			Fingerprint: [32]byte{2},
			Path: writeScript(t, root, "checker.sh", `
out=$(cat "$2")
ans=$(cat "$3")
if [ "$out" = "$ans" ]; then exit 0; else exit 1; fi
`),
		}

		Convey("a solution that echoes its input back passes as AC", func() {
			solution := &model.Executable{
				Fingerprint: [32]byte{1},
				RunCmd:      []string{"cat"},
			}

			record, err := ev.Evaluate(context.Background(), Call{
				SolutionID: "sol-cat",
				Solution:   solution,
				Testcase:   testcase,
				Limits:     limits,
				Mode:       Batch,
				Checker:    checker,
			})
			So(err, ShouldBeNil)
			So(record.Verdict, ShouldEqual, model.VerdictAC)
			So(record.SolutionID, ShouldEqual, "sol-cat")
			So(record.OutputArtifact, ShouldNotBeEmpty)
		})

		Convey("a solution that prints the wrong answer comes back WA", func() {
			wrongScript := writeScript(t, root, "wrong.sh", `echo "999"`+"\n")
			solution := &model.Executable{
				Fingerprint: [32]byte{3},
				RunCmd:      []string{wrongScript},
			}

			record, err := ev.Evaluate(context.Background(), Call{
				SolutionID: "sol-wrong",
				Solution:   solution,
				Testcase:   testcase,
				Limits:     limits,
				Mode:       Batch,
				Checker:    checker,
			})
			So(err, ShouldBeNil)
			So(record.Verdict, ShouldEqual, model.VerdictWA)
		})

		Convey("a solution that exits non-zero is RE and the checker never runs", func() {
			badScript := writeScript(t, root, "bad.sh", "exit 7\n")
			solution := &model.Executable{
				Fingerprint: [32]byte{4},
				RunCmd:      []string{badScript},
			}

			record, err := ev.Evaluate(context.Background(), Call{
				SolutionID: "sol-bad",
				Solution:   solution,
				Testcase:   testcase,
				Limits:     limits,
				Mode:       Batch,
				Checker:    checker,
			})
			So(err, ShouldBeNil)
			So(record.Verdict, ShouldEqual, model.VerdictRE)
		})

		Convey("a solution that runs past the wall limit comes back TLE", func() {
			slowScript := writeScript(t, root, "slow.sh", "sleep 5\n")
			solution := &model.Executable{
				Fingerprint: [32]byte{5},
				RunCmd:      []string{slowScript},
			}
			tightLimits := limits
			tightLimits.WallMillis = 200
			tightLimits.CPUMillis = 200

			started := time.Now()
			record, err := ev.Evaluate(context.Background(), Call{
				SolutionID: "sol-slow",
				Solution:   solution,
				Testcase:   testcase,
				Limits:     tightLimits,
				Mode:       Batch,
				Checker:    checker,
			})
			So(err, ShouldBeNil)
			So(record.Verdict, ShouldEqual, model.VerdictTLE)
			So(time.Since(started), ShouldBeLessThan, 4*time.Second)
		})

		Convey("evaluating the same call twice hits the cache", func() {
			solution := &model.Executable{Fingerprint: [32]byte{1}, RunCmd: []string{"cat"}}
			call := Call{SolutionID: "sol-cat", Solution: solution, Testcase: testcase, Limits: limits, Mode: Batch, Checker: checker}

			r1, err := ev.Evaluate(context.Background(), call)
			So(err, ShouldBeNil)
			r2, err := ev.Evaluate(context.Background(), call)
			So(err, ShouldBeNil)
			So(r2.OutputArtifact, ShouldEqual, r1.OutputArtifact)
			So(r2.CreatedAt, ShouldResemble, r1.CreatedAt)
		})
	})
}

func TestEvaluateInteractive(t *testing.T) {
	t.Parallel()
	if runtime.GOOS == "windows" {
		t.Skip("evaluate drives /bin/sh stand-ins")
	}

	Convey("With an interactor that echoes one line and a solution that echoes it back", t, func() {
		root, err := ioutil.TempDir("", "rbx_evaluate_interactive_test")
		So(err, ShouldBeNil)
		Reset(func() { os.RemoveAll(root) })

		c, err := cache.New(filepath.Join(root, "cache"), cache.Strict)
		So(err, ShouldBeNil)
		ev := New(c)

		limits := model.Limits{CPUMillis: 5000, WallMillis: 5000, MemoryKiB: 256 * 1024, Processes: 8, OutputKiB: 64}

		inputPath := filepath.Join(root, "input.txt")
		So(ioutil.WriteFile(inputPath, []byte("ignored\n"), 0600), ShouldBeNil)
		testcase := model.Testcase{Group: "samples", InputPath: inputPath, InputDigest: [32]byte{9}}

		interactorScript := writeScript(t, root, "interactor.sh", `
read line
if [ "$line" = "42" ]; then exit 0; else exit 1; fi
`)
		solution := &model.Executable{Fingerprint: [32]byte{6}, RunCmd: []string{"/bin/sh", "-c", "echo 42"}}
		interactor := &model.Executable{Fingerprint: [32]byte{7}, Path: interactorScript}

		record, err := ev.Evaluate(context.Background(), Call{
			SolutionID:       "sol-interactive",
			Solution:         solution,
			Testcase:         testcase,
			Limits:           limits,
			Mode:             Interactive,
			Interactor:       interactor,
			InteractorLimits: limits,
		})
		So(err, ShouldBeNil)
		So(record.Verdict, ShouldEqual, model.VerdictAC)
	})
}
