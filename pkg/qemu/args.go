// Package qemu builds QEMU argv invocations and cloud-init seed ISOs for
// the VM runner, branching on architecture and available acceleration.
package qemu

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
)

// Accel is the acceleration backend selected for a boot.
type Accel string

const (
	AccelKVM Accel = "kvm"
	AccelHVF Accel = "hvf"
	AccelTCG Accel = "tcg"
)

// Profile selects the argv-building branch: one per architecture, plus
// the microvm direct-kernel-boot profile used when a kernel image is
// configured.
type Profile string

const (
	ProfileX86     Profile = "x86_64"
	ProfileARM64   Profile = "aarch64"
	ProfileMicroVM Profile = "microvm"
)

// BootSpec is everything args.Build needs to produce a QEMU argv.
type BootSpec struct {
	Profile    Profile
	VCPUs      int
	MemMiB     int64
	ConsoleLog string
	SSHPort    int
	Overlay    string
	SeedISO    string
	Pidfile    string

	// QEMUBin overrides the resolved binary path.
	QEMUBin string
	// UEFIArm64 overrides aarch64 firmware resolution.
	UEFIArm64 string
	// Kernel/KernelAppend/Initrd are required for ProfileMicroVM.
	Kernel       string
	KernelAppend string
	Initrd       string
}

// Build constructs the argv (argv[0] is the binary) for the given spec,
// selecting KVM/HVF/TCG the same way the boot procedure itself decides
// whether to drop privileges for /dev/kvm access.
func Build(spec BootSpec) ([]string, Accel, error) {
	switch spec.Profile {
	case ProfileX86:
		return buildX86(spec)
	case ProfileARM64:
		return buildARM64(spec)
	case ProfileMicroVM:
		return buildMicroVM(spec)
	default:
		return nil, "", fmt.Errorf("qemu: unknown profile %q", spec.Profile)
	}
}

func hasKVM() bool {
	_, err := os.Stat("/dev/kvm")
	return err == nil
}

func buildX86(spec BootSpec) ([]string, Accel, error) {
	bin := spec.QEMUBin
	if bin == "" {
		bin = "qemu-system-x86_64"
	}

	args := []string{bin}
	accel := AccelTCG
	if hasKVM() {
		accel = AccelKVM
		args = append(args, "-enable-kvm", "-machine", "accel=kvm,type=q35", "-cpu", "host")
	} else {
		args = append(args, "-machine", "type=q35", "-accel", "tcg,thread=multi", "-cpu", "max")
	}

	args = append(args,
		"-smp", fmt.Sprint(spec.VCPUs),
		"-m", fmt.Sprint(spec.MemMiB),
		"-display", "none",
		"-serial", "file:"+spec.ConsoleLog,
		"-device", "virtio-net-pci,netdev=n0",
		"-netdev", fmt.Sprintf("user,id=n0,hostfwd=tcp:127.0.0.1:%d-:22", spec.SSHPort),
		"-device", "virtio-rng-pci",
		"-drive", "if=virtio,format=qcow2,file="+spec.Overlay,
		"-drive", "if=virtio,format=raw,readonly=on,file="+spec.SeedISO,
	)
	if spec.Pidfile != "" {
		args = append(args, "-pidfile", spec.Pidfile)
	}
	return args, accel, nil
}

func buildARM64(spec BootSpec) ([]string, Accel, error) {
	bin, err := resolveARM64Bin(spec.QEMUBin)
	if err != nil {
		return nil, "", err
	}
	uefi, err := resolveUEFIArm64(spec.UEFIArm64, bin)
	if err != nil {
		return nil, "", err
	}

	useKVM := hasKVM() && (runtime.GOARCH == "arm64")
	useHVF := runtime.GOOS == "darwin"

	switch {
	case useKVM:
		return argsARM64KVM(bin, uefi, spec), AccelKVM, nil
	case useHVF:
		return argsARM64HVF(bin, uefi, spec), AccelHVF, nil
	default:
		return argsARM64TCG(bin, uefi, spec), AccelTCG, nil
	}
}

func argsARM64KVM(bin, uefi string, spec BootSpec) []string {
	args := []string{
		"taskset", "-c", "0-3",
		bin,
		"-accel", "kvm",
		"-cpu", "host",
		"-M", "virt-7.1,gic-version=3,its=off",
		"-smp", fmt.Sprint(spec.VCPUs),
		"-m", fmt.Sprint(spec.MemMiB),
		"-nographic",
		"-serial", "file:" + spec.ConsoleLog,
		"-bios", uefi,
		"-nodefaults",
		"-no-user-config",
		"-netdev", fmt.Sprintf("user,id=n0,hostfwd=tcp:127.0.0.1:%d-:22", spec.SSHPort),
		"-device", "virtio-net-device,netdev=n0",
		"-device", "virtio-scsi-device,id=scsi0",
		"-drive", "if=none,format=qcow2,file=" + spec.Overlay + ",id=vd0",
		"-device", "scsi-hd,drive=vd0,bus=scsi0.0",
	}
	if spec.Pidfile != "" {
		args = append(args, "-pidfile", spec.Pidfile)
	}
	if spec.SeedISO != "" {
		args = append(args,
			"-drive", "if=none,format=raw,readonly=on,file="+spec.SeedISO+",id=cidata",
			"-device", "scsi-cd,drive=cidata,bus=scsi0.0",
		)
	}
	return args
}

func argsARM64HVF(bin, uefi string, spec BootSpec) []string {
	return virtioBlkARM64(bin, uefi, "hvf", "max", spec)
}

func argsARM64TCG(bin, uefi string, spec BootSpec) []string {
	return virtioBlkARM64(bin, uefi, "tcg,thread=multi", "max", spec)
}

func virtioBlkARM64(bin, uefi, accel, cpu string, spec BootSpec) []string {
	args := []string{
		bin,
		"-accel", accel,
		"-cpu", cpu,
		"-machine", "virt",
		"-smp", fmt.Sprint(spec.VCPUs),
		"-m", fmt.Sprint(spec.MemMiB),
		"-bios", uefi,
		"-nographic",
		"-serial", "file:" + spec.ConsoleLog,
		"-netdev", fmt.Sprintf("user,id=n0,hostfwd=tcp:127.0.0.1:%d-:22", spec.SSHPort),
		"-device", "virtio-net-device,netdev=n0",
		"-drive", "if=none,format=qcow2,file=" + spec.Overlay + ",id=vd0",
		"-device", "virtio-blk-device,drive=vd0",
	}
	if spec.Pidfile != "" {
		args = append(args, "-pidfile", spec.Pidfile)
	}
	if spec.SeedISO != "" {
		args = append(args,
			"-drive", "if=none,format=raw,readonly=on,file="+spec.SeedISO+",id=cidata",
			"-device", "virtio-blk-device,drive=cidata",
		)
	}
	return args
}

func buildMicroVM(spec BootSpec) ([]string, Accel, error) {
	if !hasKVM() {
		return nil, "", fmt.Errorf("qemu: microvm profile requires /dev/kvm")
	}
	if spec.Kernel == "" {
		return nil, "", fmt.Errorf("qemu: microvm profile requires a kernel image")
	}
	if _, err := os.Stat(spec.Kernel); err != nil {
		return nil, "", fmt.Errorf("qemu: kernel %s: %w", spec.Kernel, err)
	}

	bin := spec.QEMUBin
	if bin == "" {
		bin = "qemu-system-x86_64"
	}

	args := []string{
		bin,
		"-M", "microvm,accel=kvm",
		"-cpu", "host",
		"-smp", fmt.Sprint(spec.VCPUs),
		"-m", fmt.Sprint(spec.MemMiB),
		"-nodefaults",
		"-no-user-config",
		"-display", "none",
		"-serial", "file:" + spec.ConsoleLog,
		"-kernel", spec.Kernel,
		"-append", spec.KernelAppend,
		"-netdev", fmt.Sprintf("user,id=n0,hostfwd=tcp:127.0.0.1:%d-:22", spec.SSHPort),
		"-device", "virtio-net-device,netdev=n0",
		"-drive", "if=none,format=qcow2,file=" + spec.Overlay + ",id=vd0",
		"-device", "virtio-blk-device,drive=vd0",
	}
	if spec.Initrd != "" {
		args = append(args, "-initrd", spec.Initrd)
	}
	if spec.SeedISO != "" {
		args = append(args,
			"-drive", "if=none,format=raw,readonly=on,file="+spec.SeedISO+",id=cidata",
			"-device", "virtio-blk-device,drive=cidata",
		)
	}
	if spec.Pidfile != "" {
		args = append(args, "-pidfile", spec.Pidfile)
	}
	return args, AccelKVM, nil
}

func resolveARM64Bin(override string) (string, error) {
	if override != "" {
		return override, nil
	}
	if p, err := exec.LookPath("qemu-system-aarch64"); err == nil {
		return p, nil
	}
	for _, p := range []string{
		"/opt/homebrew/opt/qemu/bin/qemu-system-aarch64",
		"/usr/local/opt/qemu/bin/qemu-system-aarch64",
		"/opt/homebrew/bin/qemu-system-aarch64",
		"/usr/local/bin/qemu-system-aarch64",
	} {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "qemu-system-aarch64", nil
}

func resolveUEFIArm64(override, qemuBin string) (string, error) {
	if override != "" {
		if _, err := os.Stat(override); err == nil {
			return override, nil
		}
	}

	candidates := []string{
		"/usr/share/qemu-efi-aarch64/QEMU_EFI.fd",
		"/usr/share/edk2/aarch64/QEMU_EFI.fd",
		"/usr/share/AAVMF/AAVMF_CODE.fd",
		"/usr/share/qemu/edk2-aarch64-code.fd",
		"/opt/homebrew/share/qemu/edk2-aarch64-code.fd",
		"/usr/local/share/qemu/edk2-aarch64-code.fd",
		"/opt/local/share/qemu/edk2-aarch64-code.fd",
	}

	var hbMatches []string
	for _, pattern := range []string{
		"/opt/homebrew/Cellar/qemu/*/share/qemu/edk2-aarch64-code.fd",
		"/usr/local/Cellar/qemu/*/share/qemu/edk2-aarch64-code.fd",
	} {
		matches, _ := filepath.Glob(pattern)
		sort.Sort(sort.Reverse(sort.StringSlice(matches)))
		hbMatches = append(hbMatches, matches...)
	}
	candidates = append(hbMatches, candidates...)

	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c, nil
		}
	}

	if datadir, err := qemuDatadir(qemuBin); err == nil && datadir != "" {
		for _, name := range []string{"edk2-aarch64-code.fd", "QEMU_EFI.fd"} {
			p := filepath.Join(datadir, name)
			if _, err := os.Stat(p); err == nil {
				return p, nil
			}
		}
	}

	return "", fmt.Errorf("qemu: UEFI firmware for aarch64 not found; install qemu-efi-aarch64 " +
		"(Debian/Ubuntu), edk2-aarch64 (Fedora), edk2-armvirt (Arch), or brew install qemu, " +
		"or set VM_UEFI_ARM64 explicitly")
}

func qemuDatadir(qemuBin string) (string, error) {
	out, err := exec.Command(qemuBin, "-help").CombinedOutput()
	if err == nil {
		if dir := findShareQemu(string(out)); dir != "" {
			return dir, nil
		}
	}
	out, err = exec.Command(qemuBin, "-version").CombinedOutput()
	if err != nil {
		return "", err
	}
	for _, tok := range strings.Fields(string(out)) {
		if strings.HasSuffix(tok, "/share/qemu") {
			if fi, err := os.Stat(tok); err == nil && fi.IsDir() {
				return tok, nil
			}
		}
	}
	return "", nil
}

func findShareQemu(text string) string {
	for _, line := range strings.Split(text, "\n") {
		idx := strings.Index(line, "/share/qemu")
		if idx < 0 {
			continue
		}
		start := strings.IndexByte(line, '/')
		if start < 0 {
			continue
		}
		cand := strings.TrimSpace(line[start:])
		if fi, err := os.Stat(cand); err == nil {
			if !fi.IsDir() {
				cand = filepath.Dir(cand)
			}
			if fi2, err2 := os.Stat(cand); err2 == nil && fi2.IsDir() {
				return cand
			}
		}
	}
	return ""
}
