package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/microvmd/pkg/controlstore"
	"github.com/cuemby/microvmd/pkg/errkit"
	"github.com/cuemby/microvmd/pkg/manager"
	"github.com/cuemby/microvmd/pkg/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeNodeClient struct {
	created []types.VMCreate
}

func (f *fakeNodeClient) CreateVM(ctx context.Context, req types.VMCreate) (*types.VMRecord, error) {
	f.created = append(f.created, req)
	return &types.VMRecord{
		ID:      uuid.New().String(),
		State:   types.VMStateProvisioning,
		VCPUs:   req.VCPUs,
		MemMiB:  req.MemMiB,
		DiskGiB: req.DiskGiB,
	}, nil
}

func testSetup(t *testing.T) (*manager.Manager, *Scheduler, *fakeNodeClient) {
	t.Helper()
	store, err := controlstore.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	mgr := manager.New(store, nil)
	sched := NewScheduler(mgr)

	client := &fakeNodeClient{}
	sched.newClient = func(node *types.Node) NodeClient { return client }

	now := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	sched.now = func() time.Time { return now }

	return mgr, sched, client
}

func addNode(t *testing.T, mgr *manager.Manager, id string, vcpus int, memMiB int64, heartbeatAge time.Duration) *types.Node {
	t.Helper()
	now := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	node := &types.Node{
		ID:          id,
		Name:        id,
		BaseURL:     "http://" + id + ":8000",
		VCPUs:       vcpus,
		MemoryMiB:   memMiB,
		Active:      true,
		Healthy:     true,
		HeartbeatAt: now.Add(-heartbeatAge),
	}
	require.NoError(t, mgr.RegisterNode(node))
	return node
}

func TestChooseNodePicksHighestScore(t *testing.T) {
	mgr, sched, _ := testSetup(t)

	// A: 4 vCPU / 4 GiB free; B: 8 vCPU / 2 GiB free. Memory dominates.
	addNode(t, mgr, "node-a", 4, 4096, time.Second)
	addNode(t, mgr, "node-b", 8, 2048, time.Second)

	node, err := sched.ChooseNode(2, 1024)
	require.NoError(t, err)
	require.NotNil(t, node)
	assert.Equal(t, "node-a", node.ID)
}

func TestChooseNodeSkipsStaleHeartbeat(t *testing.T) {
	mgr, sched, _ := testSetup(t)

	addNode(t, mgr, "node-stale", 8, 8192, 5*time.Minute)
	fresh := addNode(t, mgr, "node-fresh", 2, 2048, time.Second)

	node, err := sched.ChooseNode(1, 512)
	require.NoError(t, err)
	require.NotNil(t, node)
	assert.Equal(t, fresh.ID, node.ID)
}

func TestChooseNodeSkipsUnhealthyAndInactive(t *testing.T) {
	mgr, sched, _ := testSetup(t)

	sick := addNode(t, mgr, "node-sick", 8, 8192, time.Second)
	sick.Healthy = false
	require.NoError(t, mgr.UpdateNode(sick))

	off := addNode(t, mgr, "node-off", 8, 8192, time.Second)
	off.Active = false
	require.NoError(t, mgr.UpdateNode(off))

	node, err := sched.ChooseNode(1, 512)
	require.NoError(t, err)
	assert.Nil(t, node)
}

func TestChooseNodeRespectsCapacity(t *testing.T) {
	mgr, sched, _ := testSetup(t)

	addNode(t, mgr, "node-small", 2, 1024, time.Second)

	node, err := sched.ChooseNode(4, 4096)
	require.NoError(t, err)
	assert.Nil(t, node)
}

func TestChooseNodeAccountsForRunningContainers(t *testing.T) {
	mgr, sched, _ := testSetup(t)

	addNode(t, mgr, "node-a", 8, 8192, time.Second)
	require.NoError(t, mgr.CreateContainer(&types.Container{
		ID: "c1", NodeID: "node-a", VCPUs: 6, MemoryMiB: 6144,
		DesiredState: types.DesiredStateRunning,
	}))

	// Only 2 vCPU / 2048 MiB remain
	node, err := sched.ChooseNode(4, 1024)
	require.NoError(t, err)
	assert.Nil(t, node)

	node, err = sched.ChooseNode(2, 1024)
	require.NoError(t, err)
	require.NotNil(t, node)
}

func TestNodeScore(t *testing.T) {
	assert.Equal(t, 2.0*4096+4, nodeScore(4096, 4, 0))
	assert.Equal(t, 2.0*2048+8, nodeScore(2048, 8, 0))
	assert.Equal(t, 2.0*1024+2-0.5*3, nodeScore(1024, 2, 3))
}

func seedQuota(t *testing.T, mgr *manager.Manager, credits int) {
	t.Helper()
	require.NoError(t, mgr.CreateContainerType(&types.ContainerType{
		Name: "small", VCPUs: 1, MemoryMiB: 512, DiskGiB: 10, CreditsCost: 1,
	}))
	require.NoError(t, mgr.SetQuota(&types.ResourceQuota{
		UserID: "alice", Credits: credits, AllowedTypes: []string{"small"},
	}))
}

func TestCreateContainerQuotaExhaustion(t *testing.T) {
	mgr, sched, _ := testSetup(t)
	addNode(t, mgr, "node-a", 16, 16384, time.Second)
	seedQuota(t, mgr, 3)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		p, err := sched.CreateContainer(ctx, "alice", "small")
		require.NoError(t, err)
		assert.Empty(t, p.Warning)
		assert.Equal(t, types.DesiredStateRunning, p.Container.DesiredState)
	}

	// Fourth create exceeds quota.credits=3
	_, err := sched.CreateContainer(ctx, "alice", "small")
	require.Error(t, err)
	assert.True(t, errkit.Is(err, errkit.KindPermissionDenied))

	containers, err := mgr.ListContainersByUser("alice")
	require.NoError(t, err)
	assert.Len(t, containers, 3)
}

func TestCreateContainerCreditsFreedByPowerOff(t *testing.T) {
	mgr, sched, _ := testSetup(t)
	addNode(t, mgr, "node-a", 16, 16384, time.Second)
	seedQuota(t, mgr, 1)

	ctx := context.Background()
	p, err := sched.CreateContainer(ctx, "alice", "small")
	require.NoError(t, err)

	_, err = sched.CreateContainer(ctx, "alice", "small")
	require.Error(t, err)

	// Powering off releases the credit
	p.Container.DesiredState = types.DesiredStateStopped
	require.NoError(t, mgr.UpdateContainer(p.Container))

	_, err = sched.CreateContainer(ctx, "alice", "small")
	require.NoError(t, err)
}

func TestCreateContainerRejectsDisallowedType(t *testing.T) {
	mgr, sched, _ := testSetup(t)
	addNode(t, mgr, "node-a", 16, 16384, time.Second)
	seedQuota(t, mgr, 3)
	require.NoError(t, mgr.CreateContainerType(&types.ContainerType{
		Name: "large", VCPUs: 8, MemoryMiB: 8192, DiskGiB: 50, CreditsCost: 4, Private: true,
	}))

	_, err := sched.CreateContainer(context.Background(), "alice", "large")
	require.Error(t, err)
	assert.True(t, errkit.Is(err, errkit.KindPermissionDenied))
}

func TestCreateContainerUnknownTypeIsValidation(t *testing.T) {
	mgr, sched, _ := testSetup(t)
	addNode(t, mgr, "node-a", 16, 16384, time.Second)
	seedQuota(t, mgr, 3)

	_, err := sched.CreateContainer(context.Background(), "alice", "galactic")
	require.Error(t, err)
	assert.True(t, errkit.Is(err, errkit.KindValidation))
}

func TestCreateContainerNoQuota(t *testing.T) {
	mgr, sched, _ := testSetup(t)
	addNode(t, mgr, "node-a", 16, 16384, time.Second)
	require.NoError(t, mgr.CreateContainerType(&types.ContainerType{
		Name: "small", VCPUs: 1, MemoryMiB: 512, DiskGiB: 10, CreditsCost: 1,
	}))

	_, err := sched.CreateContainer(context.Background(), "mallory", "small")
	require.Error(t, err)
	assert.True(t, errkit.Is(err, errkit.KindPermissionDenied))
}

func TestCreateContainerFallbackIsObservable(t *testing.T) {
	mgr, sched, client := testSetup(t)
	seedQuota(t, mgr, 3)

	// One active node without the capacity
	addNode(t, mgr, "node-tiny", 1, 256, time.Second)

	p, err := sched.CreateContainer(context.Background(), "alice", "small")
	require.NoError(t, err)
	assert.NotEmpty(t, p.Warning, "best-effort placement must be observable")
	assert.Len(t, client.created, 1)
}

func TestCreateContainerNoNodesAtAll(t *testing.T) {
	mgr, sched, _ := testSetup(t)
	seedQuota(t, mgr, 3)

	_, err := sched.CreateContainer(context.Background(), "alice", "small")
	require.Error(t, err)
}
