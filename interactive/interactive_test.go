package interactive

import (
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"go.rbx.dev/rbx/model"
	"go.rbx.dev/rbx/sandbox"
)

func TestReconcile(t *testing.T) {
	t.Parallel()

	Convey("Both processes exit cleanly and the interactor says AC", t, func() {
		sol := sandbox.Outcome{Status: sandbox.OK, ExitCode: intp(0)}
		in := sandbox.Outcome{Status: sandbox.OK, ExitCode: intp(0)}
		So(reconcile(sol, in, ""), ShouldEqual, model.VerdictAC)
	})

	Convey("Interactor exits 1 (WA) and the solution is fine", t, func() {
		sol := sandbox.Outcome{Status: sandbox.OK, ExitCode: intp(0)}
		in := sandbox.Outcome{Status: sandbox.RuntimeError, ExitCode: intp(1)}
		So(reconcile(sol, in, ""), ShouldEqual, model.VerdictWA)
	})

	Convey("Solution TLEs: its trip dominates even if interactor reports WA", t, func() {
		sol := sandbox.Outcome{Status: sandbox.TimeLimitExceeded}
		in := sandbox.Outcome{Status: sandbox.RuntimeError, ExitCode: intp(1)}
		So(reconcile(sol, in, ""), ShouldEqual, model.VerdictTLE)
	})

	Convey("Solution MLEs: its trip dominates", t, func() {
		sol := sandbox.Outcome{Status: sandbox.MemoryLimitExceeded}
		in := sandbox.Outcome{Status: sandbox.OK, ExitCode: intp(0)}
		So(reconcile(sol, in, ""), ShouldEqual, model.VerdictMLE)
	})

	Convey("Interactor dies of SIGPIPE because the solution exited first", t, func() {
		sol := sandbox.Outcome{Status: sandbox.OK, ExitCode: intp(0)}
		sigpipe := 13
		in := sandbox.Outcome{Status: sandbox.RuntimeError, TerminationSignal: &sigpipe}
		So(reconcile(sol, in, ""), ShouldEqual, model.VerdictAC)
	})

	Convey("Interactor hangs after the solution is already done", t, func() {
		sol := sandbox.Outcome{Status: sandbox.OK, ExitCode: intp(0)}
		in := sandbox.Outcome{Status: sandbox.WallTimeLimitExceeded}
		So(reconcile(sol, in, ""), ShouldEqual, model.VerdictAC)
	})

	Convey("Interactor hangs while the solution itself was bad: the solution's verdict still wins", t, func() {
		sol := sandbox.Outcome{Status: sandbox.RuntimeError, ExitCode: intp(1)}
		in := sandbox.Outcome{Status: sandbox.WallTimeLimitExceeded}
		So(reconcile(sol, in, ""), ShouldEqual, model.VerdictRE)
	})

	Convey("Interactor crashes with an unrecognized exit code: internal error", t, func() {
		sol := sandbox.Outcome{Status: sandbox.OK, ExitCode: intp(0)}
		in := sandbox.Outcome{Status: sandbox.RuntimeError, ExitCode: intp(42)}
		So(reconcile(sol, in, ""), ShouldEqual, model.VerdictIE)
	})
}

func intp(v int) *int { return &v }
