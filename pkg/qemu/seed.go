package qemu

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// runCommand is swapped in tests so seed/overlay generation can be
// exercised without qemu-img or genisoimage installed.
var runCommand = func(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// MakeOverlay creates a qcow2 overlay backed by baseImage if it does not
// already exist.
func MakeOverlay(baseImage, overlay string, diskGiB int) error {
	if _, err := os.Stat(overlay); err == nil {
		return nil
	}
	if baseImage == "" {
		return fmt.Errorf("qemu: no base image configured")
	}
	return runCommand("qemu-img", "create",
		"-f", "qcow2",
		"-F", "qcow2",
		"-b", baseImage,
		overlay,
		fmt.Sprintf("%dG", diskGiB),
	)
}

// SpecHash captures the seed's identity: it is stable over (user, pubkey
// contents), so the ISO is only rebuilt when either changes.
func SpecHash(user, pubkeyPath string) (string, error) {
	pub, err := os.ReadFile(pubkeyPath)
	if err != nil {
		return "", fmt.Errorf("qemu: read pubkey %s: %w", pubkeyPath, err)
	}
	blob, err := json.Marshal(map[string]string{
		"pub":  strings.TrimSpace(string(pub)),
		"user": user,
	})
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:]), nil
}

// MakeSeedISO creates (or reuses) the cloud-init seed ISO. The user-data
// provisions the run user with sudoers and authorized_keys, allows root
// login via an sshd_config.d drop-in, and disables password auth. The
// content hash is persisted at <seed_iso>.spec and the ISO is skipped
// when unchanged.
func MakeSeedISO(seedISO, user, pubkeyPath, instanceID string) error {
	specPath := seedISO + ".spec"
	want, err := SpecHash(user, pubkeyPath)
	if err != nil {
		return err
	}

	if _, err := os.Stat(seedISO); err == nil {
		if cur, err := os.ReadFile(specPath); err == nil && strings.TrimSpace(string(cur)) == want {
			return nil
		}
	}

	pub, err := os.ReadFile(pubkeyPath)
	if err != nil {
		return fmt.Errorf("qemu: read pubkey %s: %w", pubkeyPath, err)
	}
	pubkey := strings.TrimSpace(string(pub))

	userData := fmt.Sprintf(`#cloud-config
disable_root: false
ssh_pwauth: false

users:
  - name: %s
    sudo: ALL=(ALL) NOPASSWD:ALL
    groups: sudo
    ssh_authorized_keys:
      - %s
  - name: root
    ssh_authorized_keys:
      - %s

write_files:
  - path: /etc/ssh/sshd_config.d/microvmd.conf
    owner: root:root
    permissions: '0644'
    content: |
      PermitRootLogin yes
      PasswordAuthentication no
`, user, pubkey, pubkey)

	metaData := fmt.Sprintf("instance-id: %s\nlocal-hostname: %s\n", instanceID, instanceID)

	wd := filepath.Dir(seedISO)
	ud := filepath.Join(wd, "user-data")
	md := filepath.Join(wd, "meta-data")

	if err := os.WriteFile(specPath, []byte(want), 0o644); err != nil {
		return fmt.Errorf("qemu: write seed spec: %w", err)
	}
	if err := os.WriteFile(ud, []byte(userData), 0o644); err != nil {
		return fmt.Errorf("qemu: write user-data: %w", err)
	}
	if err := os.WriteFile(md, []byte(metaData), 0o644); err != nil {
		return fmt.Errorf("qemu: write meta-data: %w", err)
	}

	// Prefer cloud-localds; fall back to genisoimage/mkisofs.
	if p, err := exec.LookPath("cloud-localds"); err == nil {
		return runCommand(p, seedISO, ud, md)
	}
	geniso, err := exec.LookPath("genisoimage")
	if err != nil {
		geniso, err = exec.LookPath("mkisofs")
		if err != nil {
			return fmt.Errorf("qemu: no seed ISO tool found (need cloud-localds, genisoimage, or mkisofs)")
		}
	}
	return runCommand(geniso,
		"-output", seedISO,
		"-volid", "cidata",
		"-joliet",
		"-rock",
		ud, md,
	)
}
