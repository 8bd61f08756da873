package types

// VMCreate is the node-agent boot request payload.
type VMCreate struct {
	VCPUs   int   `json:"vcpus"`
	MemMiB  int64 `json:"mem_mib"`
	DiskGiB int   `json:"disk_gib"`
}

// VMActionType is the closed set of lifecycle actions.
type VMActionType string

const (
	VMActionStart  VMActionType = "start"
	VMActionStop   VMActionType = "stop"
	VMActionReboot VMActionType = "reboot"
)

// VMAction is the node-agent action request payload. Unknown actions are
// rejected at the boundary.
type VMAction struct {
	Action       VMActionType `json:"action"`
	CleanupDisks bool         `json:"cleanup_disks,omitempty"`
}

// VMSh is an ad-hoc command to run inside a guest.
type VMSh struct {
	Command string `json:"command"`
	Timeout int    `json:"timeout,omitempty"`
}

// VMShResponse carries the command outcome. Stdout falls back to base64
// when the raw bytes are not valid UTF-8.
type VMShResponse struct {
	OK     bool   `json:"ok"`
	Stdout string `json:"stdout,omitempty"`
	Stderr string `json:"stderr,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// ElementResponse is the generic ok/reason envelope for node-agent
// mutations.
type ElementResponse struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
}
