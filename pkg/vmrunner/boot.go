package vmrunner

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/cuemby/microvmd/pkg/metrics"
	"github.com/cuemby/microvmd/pkg/qemu"
	"github.com/cuemby/microvmd/pkg/sshcache"
	"github.com/cuemby/microvmd/pkg/types"
)

// boot runs the full boot procedure for one VM: workdir, overlay, seed
// ISO, port pick, QEMU spawn as a session leader, then SSH readiness.
func (r *Runner) boot(ctx context.Context, vm *types.VMRecord) error {
	timer := metrics.NewTimer()

	wd, err := r.Workdir(vm.ID)
	if err != nil {
		metrics.VMBootsTotal.WithLabelValues("error").Inc()
		return err
	}
	vm.Workdir = wd

	overlay := filepath.Join(wd, "disk.qcow2")
	seedISO := filepath.Join(wd, "seed.iso")
	consoleLog := filepath.Join(wd, "console.log")
	pidfile := filepath.Join(wd, "qemu.pid")

	clearStalePidfile(pidfile, r.logger)

	if err := qemu.MakeOverlay(r.cfg.BaseImage, overlay, vm.DiskGiB); err != nil {
		metrics.VMBootsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("overlay: %w", err)
	}
	if err := qemu.MakeSeedISO(seedISO, r.cfg.SSHUser, r.cfg.pubkeyPath(), vm.ID); err != nil {
		metrics.VMBootsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("seed iso: %w", err)
	}

	if r.cfg.RunAsUID >= 0 && r.cfg.RunAsGID >= 0 {
		ensurePaths(wd, []string{overlay, seedISO, consoleLog}, r.cfg.RunAsUID, r.cfg.RunAsGID)
	}

	port, err := qemu.PickFreePort()
	if err != nil {
		metrics.VMBootsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("port pick: %w", err)
	}

	argv, accel, err := qemu.Build(qemu.BootSpec{
		Profile:      r.cfg.profile(),
		VCPUs:        vm.VCPUs,
		MemMiB:       vm.MemMiB,
		ConsoleLog:   consoleLog,
		SSHPort:      port,
		Overlay:      overlay,
		SeedISO:      seedISO,
		Pidfile:      pidfile,
		QEMUBin:      r.cfg.QEMUBin,
		UEFIArm64:    r.cfg.UEFIArm64,
		Kernel:       r.cfg.Kernel,
		KernelAppend: r.cfg.KernelAppend,
		Initrd:       r.cfg.Initrd,
	})
	if err != nil {
		metrics.VMBootsTotal.WithLabelValues("error").Inc()
		return err
	}

	r.logger.Info().
		Str("vm_id", vm.ID).
		Str("accel", string(accel)).
		Int("ssh_port", port).
		Msg("Spawning QEMU")

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.SysProcAttr = r.procAttr()
	cmd.Stdout = nil
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		metrics.VMBootsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("qemu spawn: %w", err)
	}

	// Reap the child in the background and expose liveness to the
	// readiness poll.
	exited := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(exited)
	}()
	alive := func() bool {
		select {
		case <-exited:
			return false
		default:
			return true
		}
	}

	sshCfg := sshcache.Config{PrivKeyPath: r.cfg.PrivKeyPath}
	if err := sshcache.WaitReady(port, r.cfg.SSHUser, r.cfg.BootTimeout, sshCfg, alive); err != nil {
		r.logConsoleTail(consoleLog)
		r.killGroup(cmd.Process.Pid)
		metrics.VMBootsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("ssh readiness: %w", err)
	}

	vm.SSHPort = port
	vm.SSHUser = r.cfg.SSHUser
	r.setProc(vm.ID, &types.VMProc{
		Workdir:    wd,
		Overlay:    overlay,
		SeedISO:    seedISO,
		PortSSH:    port,
		Cmd:        cmd,
		ConsoleLog: consoleLog,
		Pidfile:    pidfile,
	})

	timer.ObserveDuration(metrics.VMBootDuration)
	metrics.VMBootsTotal.WithLabelValues("ok").Inc()
	return nil
}

// procAttr makes QEMU a session leader (own process group, so stop can
// signal the whole group) and drops privileges when configured,
// including /dev/kvm's gid in the supplementary groups if present.
func (r *Runner) procAttr() *syscall.SysProcAttr {
	attr := &syscall.SysProcAttr{Setsid: true}
	if r.cfg.RunAsUID < 0 || r.cfg.RunAsGID < 0 {
		return attr
	}

	groups := []uint32{uint32(r.cfg.RunAsGID)}
	if fi, err := os.Stat("/dev/kvm"); err == nil {
		if st, ok := fi.Sys().(*syscall.Stat_t); ok && st.Gid != uint32(r.cfg.RunAsGID) {
			groups = append(groups, st.Gid)
		}
	}
	attr.Credential = &syscall.Credential{
		Uid:    uint32(r.cfg.RunAsUID),
		Gid:    uint32(r.cfg.RunAsGID),
		Groups: groups,
	}
	return attr
}

// logConsoleTail surfaces the last lines of the serial console when a
// boot fails; this is the operator-facing diagnostic path.
func (r *Runner) logConsoleTail(consoleLog string) {
	data, err := os.ReadFile(consoleLog)
	if err != nil {
		return
	}
	lines := strings.Split(string(data), "\n")
	if len(lines) > 120 {
		lines = lines[len(lines)-120:]
	}
	fmt.Fprintf(os.Stderr, "=== console.log (tail) ===\n%s\n", strings.Join(lines, "\n"))
}

// ensurePaths aligns workdir and artifact ownership with the run user
// (dirs 0775, files 0664) before QEMU drops privileges. chown failures
// are ignored when the agent itself runs unprivileged.
func ensurePaths(workdir string, files []string, uid, gid int) {
	_ = os.MkdirAll(workdir, 0o775)
	_ = os.Chown(workdir, uid, gid)
	_ = os.Chmod(workdir, 0o775)

	entries, err := os.ReadDir(workdir)
	if err == nil {
		for _, e := range entries {
			p := filepath.Join(workdir, e.Name())
			_ = os.Chown(p, uid, gid)
			if e.IsDir() {
				_ = os.Chmod(p, 0o775)
			} else {
				_ = os.Chmod(p, 0o664)
			}
		}
	}

	for _, f := range files {
		if d := filepath.Dir(f); d != "" {
			_ = os.MkdirAll(d, 0o775)
			_ = os.Chown(d, uid, gid)
			_ = os.Chmod(d, 0o775)
		}
		if _, err := os.Stat(f); err == nil {
			_ = os.Chown(f, uid, gid)
			_ = os.Chmod(f, 0o664)
		}
	}
}
