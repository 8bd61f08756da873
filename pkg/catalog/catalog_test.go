package catalog

import (
	"net"
	"testing"

	"github.com/cuemby/microvmd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNeedsDemotion(t *testing.T) {
	alive := func(port int) bool { return true }
	dead := func(port int) bool { return false }

	tests := []struct {
		name  string
		state types.VMState
		probe func(int) bool
		want  bool
	}{
		{"running and reachable", types.VMStateRunning, alive, false},
		{"running and unreachable", types.VMStateRunning, dead, true},
		{"stopped stays stopped", types.VMStateStopped, dead, false},
		{"provisioning untouched", types.VMStateProvisioning, dead, false},
		{"error untouched", types.VMStateError, dead, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vm := &types.VMRecord{ID: "vm-1", State: tt.state, SSHPort: 2222}
			assert.Equal(t, tt.want, needsDemotion(vm, tt.probe))
		})
	}
}

func TestDialSSH(t *testing.T) {
	// A listening socket probes alive
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	port := ln.Addr().(*net.TCPAddr).Port
	assert.True(t, dialSSH(port))

	// A closed port probes dead
	ln.Close()
	assert.False(t, dialSSH(port))

	// Port zero never probes alive
	assert.False(t, dialSSH(0))
}

func TestKeyLayout(t *testing.T) {
	s := &Store{ns: "vmservice"}
	assert.Equal(t, "vmservice:vm:abc", s.key("abc"))
	assert.Equal(t, "vmservice:vms", s.idsKey())

	r := &RevStore{ns: "vmservice"}
	assert.Equal(t, "vmservice:fsrev:c1:/app/main.go", r.key("c1", "/app/main.go"))
}
