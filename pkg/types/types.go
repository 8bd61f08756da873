package types

import (
	"os/exec"
	"time"
)

// Node is a worker host registered with the control plane.
type Node struct {
	ID          string
	Name        string
	BaseURL     string
	AuthToken   string
	VCPUs       int
	MemoryMiB   int64
	Active      bool
	Healthy     bool
	HeartbeatAt time.Time
	CreatedAt   time.Time
}

// ContainerState is the lifecycle state of a Container as observed by the
// control plane (distinct from DesiredState, which is user intent).
type ContainerState string

const (
	ContainerStateCreating     ContainerState = "creating"
	ContainerStateProvisioning ContainerState = "provisioning"
	ContainerStateRunning      ContainerState = "running"
	ContainerStateStopped      ContainerState = "stopped"
	ContainerStateError        ContainerState = "error"
)

// DesiredState is the single source of truth for the reconciler.
type DesiredState string

const (
	DesiredStateRunning DesiredState = "running"
	DesiredStateStopped DesiredState = "stopped"
)

// Container is a logical VM owned by the control plane.
type Container struct {
	ID            string
	UserID        string
	NodeID        string
	ContainerType string
	MemoryMiB     int64
	VCPUs         int
	DiskGiB       int
	Status        ContainerState
	DesiredState  DesiredState
	ErrorReason   string
	CreatedAt     time.Time
	FinishedAt    time.Time
}

// ContainerType is a purchasable VM shape.
type ContainerType struct {
	Name        string
	VCPUs       int
	MemoryMiB   int64
	DiskGiB     int
	CreditsCost int
	Private     bool
}

// ResourceQuota is a user's credit balance and allowed container types.
type ResourceQuota struct {
	UserID       string
	Credits      int
	AIUsePerDay  int
	AllowedTypes []string
}

// CreditsLeft computes remaining credits given the set of that user's
// currently-running containers and the type catalog (legacy containers
// without a recognized type count as cost 1).
func (q *ResourceQuota) CreditsLeft(running []*Container, catalog map[string]*ContainerType) int {
	spent := 0
	for _, c := range running {
		if c.DesiredState != DesiredStateRunning {
			continue
		}
		if ct, ok := catalog[c.ContainerType]; ok && ct != nil {
			spent += ct.CreditsCost
		} else {
			spent++
		}
	}
	return q.Credits - spent
}

// AllowsType reports whether the quota permits the given container type.
func (q *ResourceQuota) AllowsType(name string) bool {
	for _, t := range q.AllowedTypes {
		if t == name {
			return true
		}
	}
	return false
}

// VMState is the node-local lifecycle state of a VMRecord.
type VMState string

const (
	VMStateProvisioning VMState = "provisioning"
	VMStateRunning      VMState = "running"
	VMStateStopped      VMState = "stopped"
	VMStateError        VMState = "error"
)

// VMRecord is the node agent's authoritative per-VM catalog entry.
type VMRecord struct {
	ID          string  `json:"id"`
	State       VMState `json:"state"`
	Workdir     string  `json:"workdir"`
	VCPUs       int     `json:"vcpus"`
	MemMiB      int64   `json:"mem_mib"`
	DiskGiB     int     `json:"disk_gib"`
	SSHPort     int     `json:"ssh_port,omitempty"`
	SSHUser     string  `json:"ssh_user,omitempty"`
	ErrorReason string  `json:"error_reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	BootedAt  time.Time `json:"booted_at,omitempty"`
}

// VMProc is the in-memory handle to a live, booted QEMU child process. It
// is never persisted: the owning node agent holds exactly one per live
// VMRecord, keyed by VM id (see pkg/vmrunner's handle-and-map registry).
type VMProc struct {
	Workdir    string
	Overlay    string
	SeedISO    string
	PortSSH    int
	Cmd        *exec.Cmd
	ConsoleLog string
	Pidfile    string
}

// Auditor receives a record of every reconciler and scheduler decision.
// The control plane is the only real implementation, and it is an external
// collaborator owned by the web tier, not this module; packages that
// need to emit audit trail events depend on this interface, not on a
// concrete store.
type Auditor interface {
	Audit(event, entityID, message string)
}

// NopAuditor discards every event. Used where no Auditor is configured.
type NopAuditor struct{}

func (NopAuditor) Audit(event, entityID, message string) {}
