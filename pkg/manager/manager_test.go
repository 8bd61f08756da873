package manager

import (
	"testing"
	"time"

	"github.com/cuemby/microvmd/pkg/controlstore"
	"github.com/cuemby/microvmd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	store, err := controlstore.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return New(store, nil)
}

func TestCreditsLeft(t *testing.T) {
	m := testManager(t)

	require.NoError(t, m.CreateContainerType(&types.ContainerType{Name: "small", CreditsCost: 1}))
	require.NoError(t, m.CreateContainerType(&types.ContainerType{Name: "large", CreditsCost: 4}))
	require.NoError(t, m.SetQuota(&types.ResourceQuota{
		UserID: "alice", Credits: 10, AllowedTypes: []string{"small", "large"},
	}))

	left, err := m.CreditsLeft("alice")
	require.NoError(t, err)
	assert.Equal(t, 10, left)

	require.NoError(t, m.CreateContainer(&types.Container{
		ID: "c1", UserID: "alice", ContainerType: "large",
		DesiredState: types.DesiredStateRunning,
	}))
	// Legacy container without a recognized type counts as cost 1
	require.NoError(t, m.CreateContainer(&types.Container{
		ID: "c2", UserID: "alice", ContainerType: "",
		DesiredState: types.DesiredStateRunning,
	}))
	// A stopped container costs nothing
	require.NoError(t, m.CreateContainer(&types.Container{
		ID: "c3", UserID: "alice", ContainerType: "large",
		DesiredState: types.DesiredStateStopped,
	}))

	left, err = m.CreditsLeft("alice")
	require.NoError(t, err)
	assert.Equal(t, 10-4-1, left)
}

func TestHeartbeatRefreshesNode(t *testing.T) {
	m := testManager(t)

	stale := time.Now().Add(-time.Hour).UTC()
	require.NoError(t, m.RegisterNode(&types.Node{
		ID: "node-1", Name: "node-1", Active: true, Healthy: false, HeartbeatAt: stale,
	}))

	require.NoError(t, m.Heartbeat("node-1"))

	node, err := m.GetNode("node-1")
	require.NoError(t, err)
	assert.True(t, node.Healthy)
	assert.True(t, node.HeartbeatAt.After(stale))

	assert.Error(t, m.Heartbeat("missing-node"))
}

func TestFreeResources(t *testing.T) {
	m := testManager(t)

	node := &types.Node{ID: "node-1", Name: "node-1", VCPUs: 8, MemoryMiB: 8192, Active: true}
	require.NoError(t, m.RegisterNode(node))

	require.NoError(t, m.CreateContainer(&types.Container{
		ID: "c1", NodeID: "node-1", VCPUs: 2, MemoryMiB: 2048,
		DesiredState: types.DesiredStateRunning,
	}))
	require.NoError(t, m.CreateContainer(&types.Container{
		ID: "c2", NodeID: "node-1", VCPUs: 4, MemoryMiB: 4096,
		DesiredState: types.DesiredStateStopped,
	}))

	freeVCPUs, freeMem, running, err := m.FreeResources(node)
	require.NoError(t, err)
	assert.Equal(t, 6, freeVCPUs)
	assert.Equal(t, int64(6144), freeMem)
	assert.Equal(t, 1, running)
}
