package scheduler

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/microvmd/pkg/cpclient"
	"github.com/cuemby/microvmd/pkg/errkit"
	"github.com/cuemby/microvmd/pkg/log"
	"github.com/cuemby/microvmd/pkg/manager"
	"github.com/cuemby/microvmd/pkg/metrics"
	"github.com/cuemby/microvmd/pkg/types"
	"github.com/rs/zerolog"
)

// DefaultHeartbeatTTL is how recent a node's heartbeat must be for it to
// receive new VMs.
const DefaultHeartbeatTTL = 60 * time.Second

// NodeClient is the slice of the node-agent client the scheduler uses;
// narrowed for tests.
type NodeClient interface {
	CreateVM(ctx context.Context, req types.VMCreate) (*types.VMRecord, error)
}

// Scheduler admits containers against user quotas and places them on
// nodes by capacity score. It is the single call site for container
// creation.
type Scheduler struct {
	manager      *manager.Manager
	logger       zerolog.Logger
	heartbeatTTL time.Duration
	mu           sync.Mutex

	// newClient is swapped in tests.
	newClient func(node *types.Node) NodeClient

	// now is swapped in tests to pin heartbeat arithmetic.
	now func() time.Time
}

// NewScheduler creates a scheduler bound to the manager.
func NewScheduler(mgr *manager.Manager) *Scheduler {
	return &Scheduler{
		manager:      mgr,
		logger:       log.WithComponent("scheduler"),
		heartbeatTTL: DefaultHeartbeatTTL,
		newClient:    func(node *types.Node) NodeClient { return cpclient.ForNode(node) },
		now:          time.Now,
	}
}

// Placement is the observable result of CreateContainer; Warning is set
// when the best-effort fallback node was used.
type Placement struct {
	Container *types.Container `json:"container"`
	Warning   string           `json:"warning,omitempty"`
}

// CreateContainer runs admission, picks a node, boots the VM there, and
// persists the container record.
func (s *Scheduler) CreateContainer(ctx context.Context, userID, typeName string) (*Placement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	timer := metrics.NewTimer()

	ct, err := s.manager.GetContainerType(typeName)
	if err != nil {
		metrics.ContainersRejected.WithLabelValues("invalid_type").Inc()
		s.manager.Audit("container.create", "", fmt.Sprintf("invalid container type %q", typeName))
		return nil, errkit.Validation(fmt.Sprintf("invalid container type %q", typeName))
	}

	if err := s.admit(userID, ct); err != nil {
		return nil, err
	}

	node, warning, err := s.place(ct.VCPUs, ct.MemoryMiB)
	if err != nil {
		metrics.ContainersRejected.WithLabelValues("no_node").Inc()
		return nil, err
	}

	client := s.newClient(node)
	vm, err := client.CreateVM(ctx, types.VMCreate{
		VCPUs:   ct.VCPUs,
		MemMiB:  ct.MemoryMiB,
		DiskGiB: ct.DiskGiB,
	})
	if err != nil {
		s.manager.Audit("container.create", "", fmt.Sprintf("vm boot request failed on node %s: %v", node.Name, err))
		return nil, err
	}

	container := &types.Container{
		ID:            vm.ID,
		UserID:        userID,
		NodeID:        node.ID,
		ContainerType: ct.Name,
		MemoryMiB:     ct.MemoryMiB,
		VCPUs:         ct.VCPUs,
		DiskGiB:       ct.DiskGiB,
		Status:        types.ContainerStateCreating,
		DesiredState:  types.DesiredStateRunning,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.manager.CreateContainer(container); err != nil {
		return nil, fmt.Errorf("failed to persist container: %w", err)
	}

	timer.ObserveDuration(metrics.SchedulingLatency)
	metrics.ContainersScheduled.Inc()
	s.manager.Audit("container.create", container.ID, "Container record created and VM boot scheduled")

	s.logger.Info().
		Str("container_id", container.ID).
		Str("node_id", node.ID).
		Str("container_type", ct.Name).
		Msg("Scheduled container")

	return &Placement{Container: container, Warning: warning}, nil
}

// admit enforces quota: the type must be allowed and the user must have
// credits for it on top of everything they already want running.
func (s *Scheduler) admit(userID string, ct *types.ContainerType) error {
	quota, err := s.manager.GetQuota(userID)
	if err != nil {
		metrics.ContainersRejected.WithLabelValues("no_quota").Inc()
		s.manager.Audit("container.create", "", "Create attempt without assigned quota")
		return errkit.PermissionDenied("no quota assigned")
	}

	if !quota.AllowsType(ct.Name) {
		metrics.ContainersRejected.WithLabelValues("type_not_allowed").Inc()
		s.manager.Audit("container.create", "", fmt.Sprintf("container type %q not allowed for this quota", ct.Name))
		return errkit.PermissionDenied("container type not allowed for this quota")
	}

	left, err := s.manager.CreditsLeft(userID)
	if err != nil {
		return fmt.Errorf("failed to compute credits: %w", err)
	}
	if left < ct.CreditsCost {
		metrics.ContainersRejected.WithLabelValues("credits").Inc()
		s.manager.Audit("container.create", "", "Not enough credits for selected type")
		return errkit.PermissionDenied("not enough credits for selected type")
	}
	return nil
}

// place picks the best node, falling back to a random active node with
// an attached warning when no candidate has the capacity.
func (s *Scheduler) place(neededVCPUs int, neededMemMiB int64) (*types.Node, string, error) {
	node, err := s.ChooseNode(neededVCPUs, neededMemMiB)
	if err != nil {
		return nil, "", err
	}
	if node != nil {
		return node, "", nil
	}

	node = s.randomActiveNode()
	if node == nil {
		return nil, "", errkit.Upstream("no node available")
	}

	warning := "no available nodes with enough capacity; proceeding on best-effort node"
	metrics.SchedulerFallbacksTotal.Inc()
	s.logger.Warn().
		Int("vcpus", neededVCPUs).
		Int64("mem_mib", neededMemMiB).
		Str("node_id", node.ID).
		Msg("No feasible node, using best-effort fallback")
	return node, warning, nil
}

// ChooseNode returns the highest-scoring candidate with the capacity, or
// nil when no candidate fits. Candidates are active, healthy nodes with
// a heartbeat inside the TTL. Ties break deterministically by iteration
// order (nodes sorted by id, first best wins).
func (s *Scheduler) ChooseNode(neededVCPUs int, neededMemMiB int64) (*types.Node, error) {
	nodes, err := s.manager.ListNodes()
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })

	cutoff := s.now().Add(-s.heartbeatTTL)

	var best *types.Node
	bestScore := 0.0
	for _, node := range nodes {
		if !node.Active || !node.Healthy || node.HeartbeatAt.Before(cutoff) {
			continue
		}
		freeVCPUs, freeMemMiB, running, err := s.manager.FreeResources(node)
		if err != nil {
			s.logger.Error().Err(err).Str("node_id", node.ID).Msg("Failed to compute free resources")
			continue
		}
		if freeVCPUs < neededVCPUs || freeMemMiB < neededMemMiB {
			continue
		}
		score := nodeScore(freeMemMiB, freeVCPUs, running)
		if best == nil || score > bestScore {
			best = node
			bestScore = score
		}
	}
	return best, nil
}

// nodeScore weighs free memory heaviest, then free vCPUs, with a small
// penalty per VM already running.
func nodeScore(freeMemMiB int64, freeVCPUs, running int) float64 {
	return 2*float64(freeMemMiB) + float64(freeVCPUs) - 0.5*float64(running)
}

// randomActiveNode picks any active node, healthy or not, for the
// best-effort fallback path.
func (s *Scheduler) randomActiveNode() *types.Node {
	nodes, err := s.manager.ListNodes()
	if err != nil {
		return nil
	}
	var active []*types.Node
	for _, n := range nodes {
		if n.Active {
			active = append(active, n)
		}
	}
	if len(active) == 0 {
		return nil
	}
	return active[rand.Intn(len(active))]
}
