package sandbox

import (
	"context"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/process"
	"golang.org/x/sys/unix"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	"go.rbx.dev/rbx/errtag"
)

const defaultPollPeriod = 20 * time.Millisecond

// execCommandContext is a seam for tests, following
// infra/isolation/nsjail_wrapper's execCommand var pattern.
var execCommandContext = exec.CommandContext

// Run launches argv under inv.Profile's limits and blocks until the child
// exits or a limit trips
//
// Wall time is enforced by runCtx's deadline, derived from Profile.Wall.
// Memory and CPU time are both enforced proactively by polling gopsutil
// (see monitorResources) and confirmed authoritatively by reading
// syscall.Rusage once the child has actually exited; polling exists because
// rusage is only readable post-exit, too late to stop a runaway allocator
// from starving the host in the meantime.
func Run(ctx context.Context, inv Invocation) (outcome Outcome, err error) {
	wall := inv.Profile.Wall
	if wall <= 0 {
		return Outcome{}, errors.Reason("sandbox: wall limit must be positive").Tag(errtag.Tool).Err()
	}
	runCtx, cancel := context.WithTimeout(ctx, wall)
	defer cancel()

	if len(inv.Argv) == 0 {
		return Outcome{}, errors.Reason("sandbox: empty argv").Tag(errtag.Tool).Err()
	}

	stdinFile, stdinCleanup, err := openSource(inv.Stdin)
	if err != nil {
		return Outcome{Status: SandboxError}, err
	}
	defer stdinCleanup()

	limitBytes := inv.Profile.OutputKiB * 1024
	stdoutCapped, stdoutCleanup, err := openCappedSink(inv.Stdout, limitBytes)
	if err != nil {
		return Outcome{Status: SandboxError}, err
	}
	defer stdoutCleanup()

	stderrCapped, stderrCleanup, err := openCappedSink(inv.Stderr, limitBytes)
	if err != nil {
		return Outcome{Status: SandboxError}, err
	}
	defer stderrCleanup()

	cmd := execCommandContext(runCtx, inv.Argv[0], inv.Argv[1:]...)
	cmd.Dir = inv.Dir
	cmd.Env = inv.Env
	cmd.Stdin = stdinFile
	cmd.Stdout = stdoutCapped
	cmd.Stderr = stderrCapped
	configureProcAttr(cmd, inv.Profile)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Outcome{Status: SandboxError}, errors.Annotate(err, "sandbox: starting %s", inv.Argv[0]).Tag(errtag.Sandbox).Err()
	}
	enforceProcessLimit(ctx, cmd.Process.Pid, inv.Profile)

	tripped := monitorResources(runCtx, cmd.Process.Pid, inv.Profile)

	// exec.CommandContext kills only the direct child when runCtx ends; kill
	// the whole process group too, so descendants still holding the stdio
	// pipes can't keep Wait blocked past the wall limit.
	waitDone := make(chan struct{})
	go func() {
		select {
		case <-runCtx.Done():
			killProcessGroup(cmd.Process.Pid)
		case <-waitDone:
		}
	}()

	waitErr := cmd.Wait()
	close(waitDone)
	wallElapsed := time.Since(start)
	resourceTrip := tripped()

	status, exitCode, termSig := classify(ctx, runCtx, waitErr, wallElapsed, wall, resourceTrip)

	outcome = Outcome{
		Status:          status,
		WallMillis:      wallElapsed.Milliseconds(),
		OutputTruncated: stdoutCapped.Truncated() || stderrCapped.Truncated(),
	}
	if exitCode != nil {
		outcome.ExitCode = exitCode
	}
	if termSig != nil {
		outcome.TerminationSignal = termSig
	}
	if cmd.ProcessState != nil {
		if ru, ok := cmd.ProcessState.SysUsage().(*syscall.Rusage); ok {
			outcome.CPUMillis = rusageCPUMillis(ru)
			outcome.MemoryKiB = rusageMaxRSSKiB(ru)
			if status == OK && inv.Profile.CPU > 0 && time.Duration(outcome.CPUMillis)*time.Millisecond > inv.Profile.CPU {
				outcome.Status = TimeLimitExceeded
			}
			if outcome.Status == OK && inv.Profile.MemoryKiB > 0 && outcome.MemoryKiB > inv.Profile.MemoryKiB {
				outcome.Status = MemoryLimitExceeded
			}
		}
	}
	if outcome.Status == OK && inv.Profile.OutputKiB > 0 && outcome.OutputTruncated {
		outcome.Status = OutputLimitExceeded
	}

	logging.Debugf(ctx, "sandbox: %v exited %s cpu=%dms wall=%dms mem=%dkib", inv.Argv, outcome.Status, outcome.CPUMillis, outcome.WallMillis, outcome.MemoryKiB)
	return outcome, nil
}

// classify maps exec.Cmd.Wait's error (or lack of one) plus our own
// observations onto a Status, per the §4.C behavioural contract.
func classify(ctx, runCtx context.Context, waitErr error, wallElapsed, wallLimit time.Duration, resourceTrip Status) (status Status, exitCode, termSig *int) {
	if resourceTrip != OK {
		return resourceTrip, nil, nil
	}
	if runCtx.Err() == context.DeadlineExceeded {
		return WallTimeLimitExceeded, nil, nil
	}
	if ctx.Err() != nil {
		// Caller cancellation, not a limit trip; evaluate's retry loop maps
		// this to a Cancellation error, not a verdict.
		return SandboxError, nil, nil
	}
	if waitErr == nil {
		return OK, intPtr(0), nil
	}
	if exitErr, ok := waitErr.(*exec.ExitError); ok {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if ws.Signaled() {
				sig := int(ws.Signal())
				return RuntimeError, nil, &sig
			}
			code := ws.ExitStatus()
			return RuntimeError, &code, nil
		}
		code := exitErr.ExitCode()
		return RuntimeError, &code, nil
	}
	return SandboxError, nil, nil
}

func intPtr(v int) *int { return &v }

// monitorResources polls the child's RSS and cumulative CPU time via
// gopsutil and kills its process group the moment either crosses the
// profile's bound, returning a function that reports which trip (if any)
// fired. This is the proactive half of limit enforcement; rusage at exit
// (read by the caller) remains the authoritative number for cpu_ms/memory_kib
// once the process has actually ended on its own.
//
// Polling is necessary because Go's os/exec offers no pre-exec hook to
// install RLIMIT_CPU/RLIMIT_AS in the child before it execs, and rusage is
// only readable after the child has already exited -- too late to stop a
// runaway allocator from starving the host. It stops on its own once pid
// exits.
func monitorResources(ctx context.Context, pid int, profile Profile) func() Status {
	var tripped int32 = int32(OK)
	if profile.MemoryKiB <= 0 && profile.CPU <= 0 {
		return func() Status { return OK }
	}
	period := profile.PollPeriod
	if period <= 0 {
		period = defaultPollPeriod
	}

	done := make(chan struct{})
	var once sync.Once
	stop := func() { once.Do(func() { close(done) }) }

	go func() {
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				proc, err := process.NewProcess(int32(pid))
				if err != nil {
					return // process already gone
				}
				if profile.MemoryKiB > 0 {
					if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
						if int64(mem.RSS/1024) > profile.MemoryKiB {
							atomic.StoreInt32(&tripped, int32(MemoryLimitExceeded))
							killProcessGroup(pid)
							return
						}
					}
				}
				if profile.CPU > 0 {
					if times, err := proc.Times(); err == nil && times != nil {
						used := time.Duration((times.User + times.System) * float64(time.Second))
						if used > profile.CPU {
							atomic.StoreInt32(&tripped, int32(TimeLimitExceeded))
							killProcessGroup(pid)
							return
						}
					}
				}
			}
		}
	}()

	return func() Status {
		stop()
		return Status(atomic.LoadInt32(&tripped))
	}
}

// killProcessGroup sends SIGKILL to pid's whole process group so helper
// processes spawned by the child (a shell wrapper, a forked worker) die
// with it.
func killProcessGroup(pid int) {
	unix.Kill(-pid, unix.SIGKILL)
}

func rusageCPUMillis(ru *syscall.Rusage) int64 {
	user := time.Duration(ru.Utime.Sec)*time.Second + time.Duration(ru.Utime.Usec)*time.Microsecond
	sys := time.Duration(ru.Stime.Sec)*time.Second + time.Duration(ru.Stime.Usec)*time.Microsecond
	return (user + sys).Milliseconds()
}

func rusageMaxRSSKiB(ru *syscall.Rusage) int64 {
	// ru.Maxrss is in KiB on Linux already.
	return ru.Maxrss
}
