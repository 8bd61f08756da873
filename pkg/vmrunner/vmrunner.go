// Package vmrunner boots, stops, and reattaches QEMU micro-VMs on the
// local host and owns the VMRecord state transitions around them. Boot
// and stop are asynchronous: the request path persists an intent and a
// worker goroutine drives QEMU, SSH readiness, and the catalog update.
package vmrunner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/cuemby/microvmd/pkg/catalog"
	"github.com/cuemby/microvmd/pkg/log"
	"github.com/cuemby/microvmd/pkg/qemu"
	"github.com/cuemby/microvmd/pkg/sshcache"
	"github.com/cuemby/microvmd/pkg/types"
	"github.com/rs/zerolog"
)

// Config is the node agent's VM-lifecycle configuration, read from the
// environment at process start.
type Config struct {
	BaseDir     string        // VM_BASE_DIR
	SSHUser     string        // VM_SSH_USER
	PrivKeyPath string        // VM_SSH_PRIVKEY; pubkey is PrivKeyPath + ".pub"
	QEMUBin     string        // VM_QEMU_BIN override
	UEFIArm64   string        // VM_UEFI_ARM64 override
	BaseImage   string        // VM_BASE_IMAGE backing qcow2
	BootTimeout time.Duration // VM_TIMEOUT_BOOT_S

	// RunAsUID/RunAsGID, when both >= 0, select the privilege-drop
	// target for the QEMU child.
	RunAsUID int
	RunAsGID int

	// Kernel selects the microvm direct-boot profile when set.
	Kernel       string
	KernelAppend string
	Initrd       string
}

func (c Config) withDefaults() Config {
	if c.BootTimeout == 0 {
		c.BootTimeout = 600 * time.Second
	}
	return c
}

func (c Config) pubkeyPath() string {
	return c.PrivKeyPath + ".pub"
}

// profile picks the argv branch for this host and config.
func (c Config) profile() qemu.Profile {
	if c.Kernel != "" {
		return qemu.ProfileMicroVM
	}
	if runtime.GOARCH == "arm64" {
		return qemu.ProfileARM64
	}
	return qemu.ProfileX86
}

// Runner owns the node's QEMU children. The VMRecord <-> VMProc
// relationship is a handle-and-map: records live in the catalog, live
// process state lives here keyed by VM id.
type Runner struct {
	cfg    Config
	store  *catalog.Store
	cache  *sshcache.Cache
	logger zerolog.Logger

	procsMu sync.Mutex
	procs   map[string]*types.VMProc
}

// New creates a runner bound to the catalog and SSH cache.
func New(cfg Config, store *catalog.Store, cache *sshcache.Cache) *Runner {
	return &Runner{
		cfg:    cfg.withDefaults(),
		store:  store,
		cache:  cache,
		logger: log.WithComponent("vmrunner"),
		procs:  make(map[string]*types.VMProc),
	}
}

// Workdir ensures <base>/vms/<vm_id> exists and returns it.
func (r *Runner) Workdir(vmID string) (string, error) {
	wd := filepath.Join(r.cfg.BaseDir, "vms", vmID)
	if err := os.MkdirAll(wd, 0o775); err != nil {
		return "", fmt.Errorf("failed to create workdir: %w", err)
	}
	return wd, nil
}

// Proc returns the in-memory handle for a live VM, if this process
// booted it.
func (r *Runner) Proc(vmID string) (*types.VMProc, bool) {
	r.procsMu.Lock()
	defer r.procsMu.Unlock()
	p, ok := r.procs[vmID]
	return p, ok
}

func (r *Runner) setProc(vmID string, p *types.VMProc) {
	r.procsMu.Lock()
	defer r.procsMu.Unlock()
	if p == nil {
		delete(r.procs, vmID)
		return
	}
	r.procs[vmID] = p
}

// Start boots the VM asynchronously and returns immediately. On success
// the worker updates ssh_port/ssh_user and flips state to running; on
// failure state goes to error with a reason. Start never returns an
// error to the caller past this point.
func (r *Runner) Start(ctx context.Context, vm *types.VMRecord) {
	vm.BootedAt = time.Now().UTC()
	if err := r.store.Put(ctx, vm); err != nil {
		r.logger.Error().Err(err).Str("vm_id", vm.ID).Msg("Failed to persist boot intent")
	}

	go func() {
		// Detached from the request context: the boot outlives the call.
		bctx := context.Background()
		if err := r.boot(bctx, vm); err != nil {
			r.logger.Error().Err(err).Str("vm_id", vm.ID).Msg("VM boot failed")
			if serr := r.store.SetStatus(bctx, vm, types.VMStateError, err.Error()); serr != nil {
				r.logger.Error().Err(serr).Str("vm_id", vm.ID).Msg("Failed to persist error state")
			}
			return
		}
		if err := r.store.SetStatus(bctx, vm, types.VMStateRunning, ""); err != nil {
			r.logger.Error().Err(err).Str("vm_id", vm.ID).Msg("Failed to persist running state")
		}
	}()
}

// Stop tears the VM down asynchronously: cooperative shutdown first,
// then SIGTERM to the process group, then SIGKILL. cleanupDisks also
// removes the overlay, seed ISO, console log, pidfile, and cloud-init
// artifacts.
func (r *Runner) Stop(ctx context.Context, vm *types.VMRecord, cleanupDisks bool) {
	go func() {
		bctx := context.Background()
		if err := r.teardown(vm, cleanupDisks); err != nil {
			r.logger.Error().Err(err).Str("vm_id", vm.ID).Msg("VM stop failed")
			if serr := r.store.SetStatus(bctx, vm, types.VMStateError, err.Error()); serr != nil {
				r.logger.Error().Err(serr).Str("vm_id", vm.ID).Msg("Failed to persist error state")
			}
			return
		}
		if err := r.store.SetStatus(bctx, vm, types.VMStateStopped, ""); err != nil {
			r.logger.Error().Err(err).Str("vm_id", vm.ID).Msg("Failed to persist stopped state")
		}
	}()
}

// Reboot stops the VM and starts it again after a short settle delay.
func (r *Runner) Reboot(ctx context.Context, vm *types.VMRecord) {
	r.Stop(ctx, vm, false)
	go func() {
		time.Sleep(time.Second)
		r.Start(context.Background(), vm)
	}()
}

// artifactPaths lists every on-disk artifact a VM leaves in its workdir.
func artifactPaths(workdir string) []string {
	return []string{
		filepath.Join(workdir, "disk.qcow2"),
		filepath.Join(workdir, "seed.iso"),
		filepath.Join(workdir, "console.log"),
		filepath.Join(workdir, "qemu.pid"),
		filepath.Join(workdir, "user-data"),
		filepath.Join(workdir, "meta-data"),
		filepath.Join(workdir, "seed.iso.spec"),
	}
}
