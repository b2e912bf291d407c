package sandbox

import (
	"context"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"

	"go.chromium.org/luci/common/logging"
)

// configureProcAttr puts the child in its own process group (Setpgid) so
// killProcessGroup can take down it and any descendants it forks with one
// signal.
func configureProcAttr(cmd *exec.Cmd, profile Profile) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// enforceProcessLimit caps pid's RLIMIT_NPROC so it (and anything it
// forks, since the limit is inherited) can't fork past profile.Processes.
// os/exec offers no pre-exec hook to set this before the child execs, so
// it's applied via prlimit(2) against the already-running child instead;
// this is inherently racy against a child that forks before the syscall
// lands, but it still bounds steady-state fork bombs, which is what
// Profile.Processes exists to catch. A failure here is logged, not fatal:
// the child keeps running under wall/memory/CPU enforcement regardless.
//
// RLIMIT_NPROC is accounted per real UID, not per process tree, so this
// limit is shared with every other process (sandboxed or not) running as
// the same user, including concurrent sandbox invocations from the same
// scheduler run.
func enforceProcessLimit(ctx context.Context, pid int, profile Profile) {
	if profile.Processes <= 0 {
		return
	}
	limit := uint64(profile.Processes)
	rlimit := unix.Rlimit{Cur: limit, Max: limit}
	if err := unix.Prlimit(pid, unix.RLIMIT_NPROC, &rlimit, nil); err != nil {
		logging.Warningf(ctx, "sandbox: failed to set RLIMIT_NPROC=%d on pid %d: %s", profile.Processes, pid, err)
	}
}
