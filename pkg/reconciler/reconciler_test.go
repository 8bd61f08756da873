package reconciler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cuemby/microvmd/pkg/controlstore"
	"github.com/cuemby/microvmd/pkg/manager"
	"github.com/cuemby/microvmd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeNode simulates a node agent's catalog.
type fakeNode struct {
	states  map[string]types.VMState
	actions []string

	getErr    error
	actionErr error

	batchSizes []int
}

func (f *fakeNode) GetVMs(ctx context.Context, vmIDs []string) ([]*types.VMRecord, error) {
	f.batchSizes = append(f.batchSizes, len(vmIDs))
	if f.getErr != nil {
		return nil, f.getErr
	}
	var out []*types.VMRecord
	for _, id := range vmIDs {
		if st, ok := f.states[id]; ok {
			out = append(out, &types.VMRecord{ID: id, State: st})
		}
	}
	return out, nil
}

func (f *fakeNode) ActionVM(ctx context.Context, vmID string, action types.VMAction) (*types.VMRecord, error) {
	if f.actionErr != nil {
		return nil, f.actionErr
	}
	f.actions = append(f.actions, string(action.Action)+":"+vmID)
	switch action.Action {
	case types.VMActionStart:
		f.states[vmID] = types.VMStateRunning
	case types.VMActionStop:
		f.states[vmID] = types.VMStateStopped
	}
	return &types.VMRecord{ID: vmID, State: f.states[vmID]}, nil
}

func setup(t *testing.T) (*manager.Manager, *Reconciler, *fakeNode) {
	t.Helper()
	store, err := controlstore.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	mgr := manager.New(store, nil)
	rec := NewReconciler(mgr)

	node := &fakeNode{states: map[string]types.VMState{}}
	rec.newClient = func(n *types.Node) NodeClient { return node }

	require.NoError(t, mgr.RegisterNode(&types.Node{
		ID: "node-1", Name: "node-1", Active: true, Healthy: true,
		HeartbeatAt: time.Now().UTC(),
	}))

	return mgr, rec, node
}

func addContainer(t *testing.T, mgr *manager.Manager, id string, desired types.DesiredState, status types.ContainerState) *types.Container {
	t.Helper()
	c := &types.Container{
		ID: id, UserID: "alice", NodeID: "node-1",
		Status: status, DesiredState: desired,
	}
	require.NoError(t, mgr.CreateContainer(c))
	return c
}

func TestReconcileStartsStoppedContainer(t *testing.T) {
	mgr, rec, node := setup(t)
	addContainer(t, mgr, "c1", types.DesiredStateRunning, types.ContainerStateStopped)
	node.states["c1"] = types.VMStateStopped

	actions, updates, err := rec.ReconcileOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, actions)
	assert.NotZero(t, updates)
	assert.Equal(t, []string{"start:c1"}, node.actions)

	// Local hint set to provisioning
	c, err := mgr.GetContainer("c1")
	require.NoError(t, err)
	assert.Equal(t, types.ContainerStateProvisioning, c.Status)

	// After boot the node reports running; the pass only syncs
	actions, _, err = rec.ReconcileOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, actions)

	// Converged: zero actions, zero updates
	actions, updates, err = rec.ReconcileOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, actions)
	assert.Zero(t, updates)
}

func TestReconcileStopsRunningContainer(t *testing.T) {
	mgr, rec, node := setup(t)
	addContainer(t, mgr, "c1", types.DesiredStateStopped, types.ContainerStateRunning)
	node.states["c1"] = types.VMStateRunning

	actions, _, err := rec.ReconcileOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, actions)
	assert.Equal(t, []string{"stop:c1"}, node.actions)

	c, err := mgr.GetContainer("c1")
	require.NoError(t, err)
	assert.Equal(t, types.ContainerStateStopped, c.Status)
}

func TestReconcileIdempotentWhenConverged(t *testing.T) {
	mgr, rec, node := setup(t)
	addContainer(t, mgr, "c1", types.DesiredStateRunning, types.ContainerStateRunning)
	addContainer(t, mgr, "c2", types.DesiredStateStopped, types.ContainerStateStopped)
	node.states["c1"] = types.VMStateRunning
	node.states["c2"] = types.VMStateStopped

	for i := 0; i < 3; i++ {
		actions, updates, err := rec.ReconcileOnce(context.Background())
		require.NoError(t, err)
		assert.Zero(t, actions, "pass %d", i)
		assert.Zero(t, updates, "pass %d", i)
	}
}

func TestReconcileSyncsDriftedStatus(t *testing.T) {
	mgr, rec, node := setup(t)
	// Control plane believes running; node says stopped; desired running
	addContainer(t, mgr, "c1", types.DesiredStateRunning, types.ContainerStateRunning)
	node.states["c1"] = types.VMStateStopped

	actions, _, err := rec.ReconcileOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, actions, "drifted container is restarted in the same pass")
}

func TestReconcileActionErrorContinues(t *testing.T) {
	mgr, rec, node := setup(t)
	addContainer(t, mgr, "c1", types.DesiredStateRunning, types.ContainerStateStopped)
	addContainer(t, mgr, "c2", types.DesiredStateRunning, types.ContainerStateStopped)
	node.states["c1"] = types.VMStateStopped
	node.states["c2"] = types.VMStateStopped
	node.actionErr = errors.New("boom")

	actions, _, err := rec.ReconcileOnce(context.Background())
	require.NoError(t, err, "per-container failures never fail the pass")
	assert.Zero(t, actions)
}

func TestReconcileUnknownVMMarkedError(t *testing.T) {
	mgr, rec, node := setup(t)
	addContainer(t, mgr, "ghost", types.DesiredStateStopped, types.ContainerStateStopped)
	// Node has no record of "ghost"

	_, _, err := rec.ReconcileOnce(context.Background())
	require.NoError(t, err)

	c, err := mgr.GetContainer("ghost")
	require.NoError(t, err)
	assert.Equal(t, types.ContainerStateError, c.Status)
	_ = node
}

func TestReconcileBatchesLargeFleets(t *testing.T) {
	mgr, rec, node := setup(t)
	for i := 0; i < 450; i++ {
		id := "c" + itoa(i)
		addContainer(t, mgr, id, types.DesiredStateRunning, types.ContainerStateRunning)
		node.states[id] = types.VMStateRunning
	}

	_, _, err := rec.ReconcileOnce(context.Background())
	require.NoError(t, err)

	require.Len(t, node.batchSizes, 3)
	for _, size := range node.batchSizes {
		assert.LessOrEqual(t, size, batchSize)
	}
}

func itoa(n int) string {
	// Zero-padded so lexicographic container order is stable
	digits := []byte{'0', '0', '0'}
	for i := 2; i >= 0 && n > 0; i-- {
		digits[i] = byte('0' + n%10)
		n /= 10
	}
	return string(digits)
}

func TestComputeAction(t *testing.T) {
	tests := []struct {
		desired types.DesiredState
		status  types.ContainerState
		want    types.VMActionType
	}{
		{types.DesiredStateRunning, types.ContainerStateStopped, types.VMActionStart},
		{types.DesiredStateRunning, types.ContainerStateError, types.VMActionStart},
		{types.DesiredStateRunning, types.ContainerStateCreating, types.VMActionStart},
		{types.DesiredStateRunning, types.ContainerStateRunning, ""},
		{types.DesiredStateRunning, types.ContainerStateProvisioning, ""},
		{types.DesiredStateStopped, types.ContainerStateRunning, types.VMActionStop},
		{types.DesiredStateStopped, types.ContainerStateStopped, ""},
		{types.DesiredStateStopped, types.ContainerStateError, ""},
	}

	for _, tt := range tests {
		c := &types.Container{DesiredState: tt.desired, Status: tt.status}
		assert.Equal(t, tt.want, computeAction(c), "%s/%s", tt.desired, tt.status)
	}
}
