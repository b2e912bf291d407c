package sandbox

import (
	"bytes"
	"context"
	"io/ioutil"
	"os"
	"runtime"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

func TestRun(t *testing.T) {
	t.Parallel()
	if runtime.GOOS == "windows" {
		t.Skip("sandbox targets Linux grading hosts")
	}

	Convey("With a generous default profile", t, func() {
		profile := Profile{
			CPU:       2 * time.Second,
			Wall:      2 * time.Second,
			MemoryKiB: 256 * 1024,
			Processes: 16,
			OutputKiB: 64,
		}
		ctx := context.Background()

		Convey("A process that exits 0 reports OK", func() {
			var stdout bytes.Buffer
			outcome, err := Run(ctx, Invocation{
				Profile: profile,
				Argv:    []string{"/bin/sh", "-c", "echo hello"},
				Stdin:   NullSource,
				Stdout:  &bufferSink{&stdout},
				Stderr:  &bufferSink{&bytes.Buffer{}},
			})
			So(err, ShouldBeNil)
			So(outcome.Status, ShouldEqual, OK)
			So(stdout.String(), ShouldEqual, "hello\n")
			zero := 0
			So(*outcome.ExitCode, ShouldEqual, zero)
		})

		Convey("A process that exits non-zero is a RuntimeError", func() {
			outcome, err := Run(ctx, Invocation{
				Profile: profile,
				Argv:    []string{"/bin/sh", "-c", "exit 7"},
				Stdin:   NullSource,
				Stdout:  &bufferSink{&bytes.Buffer{}},
				Stderr:  &bufferSink{&bytes.Buffer{}},
			})
			So(err, ShouldBeNil)
			So(outcome.Status, ShouldEqual, RuntimeError)
			So(*outcome.ExitCode, ShouldEqual, 7)
		})

		Convey("A process that outlives its wall limit is terminated", func() {
			tight := profile
			tight.Wall = 100 * time.Millisecond
			outcome, err := Run(ctx, Invocation{
				Profile: tight,
				Argv:    []string{"/bin/sh", "-c", "sleep 5"},
				Stdin:   NullSource,
				Stdout:  &bufferSink{&bytes.Buffer{}},
				Stderr:  &bufferSink{&bytes.Buffer{}},
			})
			So(err, ShouldBeNil)
			So(outcome.Status, ShouldEqual, WallTimeLimitExceeded)
			So(outcome.WallMillis, ShouldBeLessThan, 5000)
		})

		Convey("Output past the cap is truncated but the process is not killed", func() {
			tiny := profile
			tiny.OutputKiB = 1
			outcome, err := Run(ctx, Invocation{
				Profile: tiny,
				Argv:    []string{"/bin/sh", "-c", "head -c 100000 /dev/zero"},
				Stdin:   NullSource,
				Stdout:  &bufferSink{&bytes.Buffer{}},
				Stderr:  &bufferSink{&bytes.Buffer{}},
			})
			So(err, ShouldBeNil)
			So(outcome.Status, ShouldEqual, OutputLimitExceeded)
			So(outcome.OutputTruncated, ShouldBeTrue)
		})

		Convey("A tight process limit doesn't interfere with a single-process run", func() {
			tight := profile
			tight.Processes = 1
			var stdout bytes.Buffer
			outcome, err := Run(ctx, Invocation{
				Profile: tight,
				Argv:    []string{"/bin/sh", "-c", "echo hello"},
				Stdin:   NullSource,
				Stdout:  &bufferSink{&stdout},
				Stderr:  &bufferSink{&bytes.Buffer{}},
			})
			So(err, ShouldBeNil)
			So(outcome.Status, ShouldEqual, OK)
			So(stdout.String(), ShouldEqual, "hello\n")
		})

		Convey("stdin comes from a FileSource", func() {
			f, err := ioutil.TempFile("", "rbx_sandbox_stdin")
			So(err, ShouldBeNil)
			defer os.Remove(f.Name())
			_, err = f.WriteString("42\n")
			So(err, ShouldBeNil)
			f.Close()

			var stdout bytes.Buffer
			outcome, err := Run(ctx, Invocation{
				Profile: profile,
				Argv:    []string{"/bin/sh", "-c", "cat"},
				Stdin:   FileSource{Path: f.Name()},
				Stdout:  &bufferSink{&stdout},
				Stderr:  &bufferSink{&bytes.Buffer{}},
			})
			So(err, ShouldBeNil)
			So(outcome.Status, ShouldEqual, OK)
			So(stdout.String(), ShouldEqual, "42\n")
		})
	})
}

// bufferSink adapts a *bytes.Buffer to the Sink interface for tests that
// want to inspect captured output directly, without going through a file.
type bufferSink struct {
	buf *bytes.Buffer
}

func (b *bufferSink) Write(p []byte) (int, error) { return b.buf.Write(p) }
