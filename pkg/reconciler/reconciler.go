package reconciler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/microvmd/pkg/cpclient"
	"github.com/cuemby/microvmd/pkg/log"
	"github.com/cuemby/microvmd/pkg/manager"
	"github.com/cuemby/microvmd/pkg/metrics"
	"github.com/cuemby/microvmd/pkg/types"
	"github.com/rs/zerolog"
)

// batchSize bounds how many ids ride in one get_vms request to a node.
const batchSize = 200

// NodeClient is the slice of the node-agent client the reconciler uses;
// narrowed for tests.
type NodeClient interface {
	GetVMs(ctx context.Context, vmIDs []string) ([]*types.VMRecord, error)
	ActionVM(ctx context.Context, vmID string, action types.VMAction) (*types.VMRecord, error)
}

// Reconciler drives each container's observed status toward its
// desired_state by issuing start/stop on the owning node.
type Reconciler struct {
	manager *manager.Manager
	logger  zerolog.Logger
	mu      sync.Mutex
	stopCh  chan struct{}

	// newClient is swapped in tests.
	newClient func(node *types.Node) NodeClient
}

// NewReconciler creates a new reconciler
func NewReconciler(mgr *manager.Manager) *Reconciler {
	return &Reconciler{
		manager:   mgr,
		logger:    log.WithComponent("reconciler"),
		stopCh:    make(chan struct{}),
		newClient: func(node *types.Node) NodeClient { return cpclient.ForNode(node) },
	}
}

// Start begins the reconciliation loop
func (r *Reconciler) Start() {
	go r.run()
}

// Stop stops the reconciler
func (r *Reconciler) Stop() {
	close(r.stopCh)
}

func (r *Reconciler) run() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	r.logger.Info().Msg("Reconciler started")

	for {
		select {
		case <-ticker.C:
			if _, _, err := r.ReconcileOnce(context.Background()); err != nil {
				// Log error but continue
				r.logger.Error().Err(err).Msg("Reconciliation cycle failed")
			}
		case <-r.stopCh:
			r.logger.Info().Msg("Reconciler stopped")
			return
		}
	}
}

// ReconcileOnce runs one full pass over all containers and returns
// (actions sent, rows updated). Repeated passes are safe: a converged
// fleet produces zero actions and zero updates.
func (r *Reconciler) ReconcileOnce(ctx context.Context) (int, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconciliationDuration)
		metrics.ReconciliationCyclesTotal.Inc()
	}()

	containers, err := r.manager.ListContainers()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to list containers: %w", err)
	}
	sort.Slice(containers, func(i, j int) bool { return containers[i].ID < containers[j].ID })

	actionsTotal := 0
	updatedTotal := 0
	for _, group := range r.groupByNode(containers) {
		actions, updated := r.reconcileBatch(ctx, group.node, group.containers)
		actionsTotal += actions
		updatedTotal += updated
	}
	return actionsTotal, updatedTotal, nil
}

type nodeGroup struct {
	node       *types.Node
	containers []*types.Container
}

// groupByNode resolves each container's owning node once. Containers on
// unknown or inactive nodes are skipped; the next pass picks them up
// when the node returns.
func (r *Reconciler) groupByNode(containers []*types.Container) []nodeGroup {
	byNode := make(map[string][]*types.Container)
	var order []string
	for _, c := range containers {
		if c.NodeID == "" {
			continue
		}
		if _, seen := byNode[c.NodeID]; !seen {
			order = append(order, c.NodeID)
		}
		byNode[c.NodeID] = append(byNode[c.NodeID], c)
	}

	var groups []nodeGroup
	for _, nodeID := range order {
		node, err := r.manager.GetNode(nodeID)
		if err != nil || !node.Active {
			continue
		}
		groups = append(groups, nodeGroup{node: node, containers: byNode[nodeID]})
	}
	return groups
}

// reconcileBatch syncs statuses from the node in bounded chunks, then
// enforces desired state per container.
func (r *Reconciler) reconcileBatch(ctx context.Context, node *types.Node, containers []*types.Container) (int, int) {
	client := r.newClient(node)

	// 1) Sync real status in bulk
	changed := r.syncStatuses(ctx, client, containers)
	for _, c := range changed {
		if err := r.manager.UpdateContainer(c); err != nil {
			r.logger.Error().Err(err).Str("container_id", c.ID).Msg("Failed to persist synced status")
		}
	}

	// 2) Enforce desired state
	actions := 0
	var updated []*types.Container
	for _, c := range containers {
		switch action := computeAction(c); action {
		case types.VMActionStart:
			if _, err := client.ActionVM(ctx, c.ID, types.VMAction{Action: types.VMActionStart}); err != nil {
				r.manager.Audit("container.power_on", c.ID, fmt.Sprintf("Action error during reconciliation: %v", err))
				continue
			}
			actions++
			metrics.ReconcilerActionsTotal.WithLabelValues("start").Inc()
			// Hint locally; the next sync will set real state
			c.Status = types.ContainerStateProvisioning
			updated = append(updated, c)
			r.manager.Audit("container.power_on", c.ID, "Reconciler requested power on")

		case types.VMActionStop:
			if _, err := client.ActionVM(ctx, c.ID, types.VMAction{Action: types.VMActionStop}); err != nil {
				r.manager.Audit("container.power_off", c.ID, fmt.Sprintf("Action error during reconciliation: %v", err))
				continue
			}
			actions++
			metrics.ReconcilerActionsTotal.WithLabelValues("stop").Inc()
			c.Status = types.ContainerStateStopped
			updated = append(updated, c)
			r.manager.Audit("container.power_off", c.ID, "Reconciler requested power off")
		}
	}

	// 3) Persist local hints
	for _, c := range updated {
		if err := r.manager.UpdateContainer(c); err != nil {
			r.logger.Error().Err(err).Str("container_id", c.ID).Msg("Failed to persist status hint")
		}
	}

	return actions, len(changed) + len(updated)
}

// computeAction maps a (desired, status) pair to the action to send, or
// "" for a no-op.
func computeAction(c *types.Container) types.VMActionType {
	switch c.DesiredState {
	case types.DesiredStateRunning:
		switch c.Status {
		case types.ContainerStateStopped, types.ContainerStateError, types.ContainerStateCreating:
			return types.VMActionStart
		}
	case types.DesiredStateStopped:
		if c.Status == types.ContainerStateRunning {
			return types.VMActionStop
		}
	}
	return ""
}

// syncStatuses pulls states from the node in chunks of batchSize and
// returns the containers whose status changed. A failed chunk marks its
// containers error; the node agent's catalog is authoritative again on
// the next pass.
func (r *Reconciler) syncStatuses(ctx context.Context, client NodeClient, containers []*types.Container) []*types.Container {
	ids := make([]string, 0, len(containers))
	byID := make(map[string]*types.Container, len(containers))
	for _, c := range containers {
		ids = append(ids, c.ID)
		byID[c.ID] = c
	}

	states := make(map[string]types.VMState, len(ids))
	for start := 0; start < len(ids); start += batchSize {
		end := start + batchSize
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[start:end]

		vms, err := client.GetVMs(ctx, chunk)
		if err != nil {
			r.logger.Warn().Err(err).Int("chunk", len(chunk)).Msg("Failed to fetch vm states")
			for _, id := range chunk {
				states[id] = types.VMStateError
			}
			continue
		}
		returned := make(map[string]types.VMState, len(vms))
		for _, vm := range vms {
			returned[vm.ID] = vm.State
		}
		for _, id := range chunk {
			if st, ok := returned[id]; ok {
				states[id] = st
			} else {
				states[id] = types.VMStateError
			}
		}
	}

	var changed []*types.Container
	for id, state := range states {
		c := byID[id]
		newStatus := types.ContainerState(state)
		if c.Status != newStatus {
			c.Status = newStatus
			changed = append(changed, c)
		}
	}
	return changed
}
