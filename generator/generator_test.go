package generator

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
	"go.rbx.dev/rbx/sandbox"
)

// writeScript writes an executable /bin/sh script standing in for a
// testlib-style generator or validator, mirroring the /bin/sh stand-ins
// compiler_test.go uses in place of a real compiler.
func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	So(ioutil.WriteFile(path, []byte("#!/bin/sh\n"+body), 0700), ShouldBeNil)
	return path
}

func TestGenerate(t *testing.T) {
	t.Parallel()
	if runtime.GOOS == "windows" {
		t.Skip("generator drives /bin/sh stand-ins")
	}

	Convey("With a fresh cache and stand-in generator/validator scripts", t, func() {
		root, err := ioutil.TempDir("", "rbx_generator_test")
		So(err, ShouldBeNil)
		Reset(func() { os.RemoveAll(root) })

		c, err := cache.New(filepath.Join(root, "cache"), cache.Strict)
		So(err, ShouldBeNil)

		gen := New(c)
		profile := sandbox.Profile{CPU: 5 * time.Second, Wall: 5 * time.Second, MemoryKiB: 256 * 1024, OutputKiB: 64, Processes: 8}

		genExe := &Executable{
			Fingerprint: [32]byte{1},
			Path:        writeScript(t, root, "gen.sh", `echo "hello $*"`+"\n"),
		}

		Convey("a generator call with no validator publishes its stdout as the input", func() {
			call := Call{Generator: model.GeneratorCall{Generator: "gen", Group: "samples", Args: []string{"10"}}}

			tc, err := gen.Generate(context.Background(), call, genExe, nil, profile, profile)
			So(err, ShouldBeNil)
			So(tc.Group, ShouldEqual, "samples")
			So(tc.Invalid(), ShouldBeFalse)

			blob, err := ioutil.ReadFile(tc.InputPath)
			So(err, ShouldBeNil)
			So(string(blob), ShouldContainSubstring, "hello 10")
		})

		Convey("two calls with identical args and nonce hit the cache", func() {
			call := Call{Generator: model.GeneratorCall{Generator: "gen", Group: "samples", Args: []string{"10"}}}

			tc1, err := gen.Generate(context.Background(), call, genExe, nil, profile, profile)
			So(err, ShouldBeNil)
			tc2, err := gen.Generate(context.Background(), call, genExe, nil, profile, profile)
			So(err, ShouldBeNil)
			So(tc2.InputPath, ShouldEqual, tc1.InputPath)
			So(tc2.Origin.Generated.CallFingerprint, ShouldResemble, tc1.Origin.Generated.CallFingerprint)
		})

		Convey("a different nonce forces a distinct fingerprint and seed", func() {
			callA := Call{Generator: model.GeneratorCall{Generator: "gen", Group: "samples", Args: []string{"10"}}, Nonce: "a"}
			callB := Call{Generator: model.GeneratorCall{Generator: "gen", Group: "samples", Args: []string{"10"}}, Nonce: "b"}

			tcA, err := gen.Generate(context.Background(), callA, genExe, nil, profile, profile)
			So(err, ShouldBeNil)
			tcB, err := gen.Generate(context.Background(), callB, genExe, nil, profile, profile)
			So(err, ShouldBeNil)
			So(tcB.InputPath, ShouldNotEqual, tcA.InputPath)
		})

		Convey("a validator that rejects the input marks the testcase invalid", func() {
			call := Call{Generator: model.GeneratorCall{Generator: "gen", Group: "samples", Args: []string{"bad"}}}
			validatorExe := &Executable{Path: writeScript(t, root, "validator_reject.sh", `echo "not a number" 1>&2; exit 1`+"\n")}

			tc, err := gen.Generate(context.Background(), call, genExe, validatorExe, profile, profile)
			So(err, ShouldBeNil)
			So(tc.Invalid(), ShouldBeTrue)
			So(tc.Origin.Generated.ValidatorVerdict, ShouldEqual, model.ValidatorInvalid)
			So(tc.Origin.Generated.ValidatorMessage, ShouldContainSubstring, "not a number")
		})

		Convey("a validator that accepts the input marks the testcase valid", func() {
			call := Call{Generator: model.GeneratorCall{Generator: "gen", Group: "samples", Args: []string{"ok"}}}
			validatorExe := &Executable{Path: writeScript(t, root, "validator_accept.sh", "exit 0\n")}

			tc, err := gen.Generate(context.Background(), call, genExe, validatorExe, profile, profile)
			So(err, ShouldBeNil)
			So(tc.Invalid(), ShouldBeFalse)
			So(tc.Origin.Generated.ValidatorVerdict, ShouldEqual, model.ValidatorValid)
		})

		Convey("a generator that exits non-zero surfaces as an error", func() {
			badGen := &Executable{Path: writeScript(t, root, "bad_gen.sh", "exit 1\n")}
			call := Call{Generator: model.GeneratorCall{Generator: "gen", Group: "samples"}}

			_, err := gen.Generate(context.Background(), call, badGen, nil, profile, profile)
			So(err, ShouldNotBeNil)
		})
	})
}
