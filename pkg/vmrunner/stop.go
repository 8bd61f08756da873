package vmrunner

import (
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/cuemby/microvmd/pkg/metrics"
	"github.com/cuemby/microvmd/pkg/types"
	"github.com/rs/zerolog"
)

// teardown is the synchronous body of Stop.
func (r *Runner) teardown(vm *types.VMRecord, cleanupDisks bool) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.VMStopDuration)

	r.sendCooperativeShutdown(vm)

	pid, pidfile := r.pidForVM(vm)
	if pid > 0 {
		r.killGroup(pid)
	} else if proc, ok := r.Proc(vm.ID); ok && proc.Cmd != nil && proc.Cmd.Process != nil {
		r.killGroup(proc.Cmd.Process.Pid)
	}

	if cleanupDisks {
		for _, p := range artifactPaths(vm.Workdir) {
			if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
				r.logger.Warn().Err(err).Str("path", p).Msg("Failed to remove artifact")
			}
		}
	}
	if pidfile != "" {
		_ = os.Remove(pidfile)
	}

	r.cache.Clear(vm.ID)
	r.setProc(vm.ID, nil)
	return nil
}

// sendCooperativeShutdown asks the guest to power off through the cached
// shell channel. Best effort: a dead or absent session is fine, the
// process group kill follows either way.
func (r *Runner) sendCooperativeShutdown(vm *types.VMRecord) {
	if vm.State != types.VMStateRunning || vm.SSHPort == 0 {
		return
	}
	sess, err := r.cache.Resolve(vm)
	if err != nil {
		return
	}
	if sh := sess.Shell(); sh != nil && !sh.Closed() {
		_, _ = sh.Write([]byte("shutdown now\n"))
	}
}

// pidForVM reads the pidfile when present. A missing or garbled pidfile
// returns pid 0 and the caller falls back to the in-memory handle.
func (r *Runner) pidForVM(vm *types.VMRecord) (int, string) {
	if vm.Workdir == "" {
		return 0, ""
	}
	pidfile := vm.Workdir + "/qemu.pid"
	data, err := os.ReadFile(pidfile)
	if err != nil {
		return 0, pidfile
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, pidfile
	}
	return pid, pidfile
}

// killGroup signals the whole process group: SIGTERM, one second of
// grace, then SIGKILL.
func (r *Runner) killGroup(pid int) {
	if err := syscall.Kill(-pid, syscall.SIGTERM); err == nil {
		time.Sleep(time.Second)
	}
	_ = syscall.Kill(-pid, syscall.SIGKILL)
}

// pidAlive reports whether the PID still exists (signal 0 probe).
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || err == syscall.EPERM
}

// clearStalePidfile removes a pidfile whose PID is no longer alive. A
// stale pid is never reused.
func clearStalePidfile(pidfile string, logger zerolog.Logger) {
	data, err := os.ReadFile(pidfile)
	if err != nil {
		return
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err == nil && pidAlive(pid) {
		return
	}
	if err := os.Remove(pidfile); err != nil {
		logger.Warn().Err(err).Str("pidfile", pidfile).Msg("Failed to remove stale pidfile")
		return
	}
	logger.Info().Str("pidfile", pidfile).Msg("Removed stale pidfile")
}
