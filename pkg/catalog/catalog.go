package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/microvmd/pkg/errkit"
	"github.com/cuemby/microvmd/pkg/health"
	"github.com/cuemby/microvmd/pkg/log"
	"github.com/cuemby/microvmd/pkg/metrics"
	"github.com/cuemby/microvmd/pkg/types"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	// probeTimeout is the TCP connect deadline for the liveness probe run
	// on every Get/All of a running record.
	probeTimeout = 1500 * time.Millisecond

	// reconcileReason is the error_reason written when the probe demotes a
	// running record.
	reconcileReason = "reconciled: ssh port not reachable"
)

// Store is the node-local authoritative VM catalog, backed by Redis.
// Records live at {ns}:vm:{id} as JSON; the id set lives at {ns}:vms.
type Store struct {
	rdb    redis.UniversalClient
	ns     string
	logger zerolog.Logger

	// sshAlive is swapped in tests; production is a plain TCP connect.
	sshAlive func(port int) bool
}

// New connects to Redis at url and namespaces all keys with namespace.
func New(url, namespace string) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	return &Store{
		rdb:      redis.NewClient(opts),
		ns:       namespace,
		logger:   log.WithComponent("catalog"),
		sshAlive: dialSSH,
	}, nil
}

// NewWithClient builds a Store on an existing client (shared with RevStore).
func NewWithClient(rdb redis.UniversalClient, namespace string) *Store {
	return &Store{
		rdb:      rdb,
		ns:       namespace,
		logger:   log.WithComponent("catalog"),
		sshAlive: dialSSH,
	}
}

func dialSSH(port int) bool {
	if port == 0 {
		return false
	}
	checker := health.NewTCPChecker(fmt.Sprintf("127.0.0.1:%d", port))
	checker.Timeout = probeTimeout

	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()
	return checker.Check(ctx).Healthy
}

func (s *Store) key(vmID string) string {
	return fmt.Sprintf("%s:vm:%s", s.ns, vmID)
}

func (s *Store) idsKey() string {
	return fmt.Sprintf("%s:vms", s.ns)
}

// Put upserts the record and adds its id to the node's id set. The two
// writes are pipelined; atomicity is not required since reconciliation
// self-heals.
func (s *Store) Put(ctx context.Context, vm *types.VMRecord) error {
	vm.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(vm)
	if err != nil {
		return fmt.Errorf("failed to encode vm record: %w", err)
	}

	pipe := s.rdb.Pipeline()
	pipe.Set(ctx, s.key(vm.ID), data, 0)
	pipe.SAdd(ctx, s.idsKey(), vm.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to persist vm %s: %w", vm.ID, err)
	}
	return nil
}

// Get loads a record and reconciles it before returning.
func (s *Store) Get(ctx context.Context, vmID string) (*types.VMRecord, error) {
	data, err := s.rdb.Get(ctx, s.key(vmID)).Bytes()
	if err == redis.Nil {
		return nil, errkit.NotFound(fmt.Sprintf("vm %s", vmID))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load vm %s: %w", vmID, err)
	}

	var vm types.VMRecord
	if err := json.Unmarshal(data, &vm); err != nil {
		return nil, fmt.Errorf("failed to decode vm %s: %w", vmID, err)
	}
	return s.reconcile(ctx, &vm), nil
}

// All loads every record in the id set, reconciling each. Records whose
// key has vanished are skipped.
func (s *Store) All(ctx context.Context) (map[string]*types.VMRecord, error) {
	ids, err := s.rdb.SMembers(ctx, s.idsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list vm ids: %w", err)
	}
	if len(ids) == 0 {
		return map[string]*types.VMRecord{}, nil
	}
	sort.Strings(ids)

	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, s.key(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to load vm records: %w", err)
	}

	out := make(map[string]*types.VMRecord, len(ids))
	for i, id := range ids {
		data, err := cmds[i].Bytes()
		if err != nil {
			continue
		}
		var vm types.VMRecord
		if err := json.Unmarshal(data, &vm); err != nil {
			s.logger.Warn().Err(err).Str("vm_id", id).Msg("Skipping undecodable vm record")
			continue
		}
		out[id] = s.reconcile(ctx, &vm)
	}
	return out, nil
}

// SetStatus persists a state transition.
func (s *Store) SetStatus(ctx context.Context, vm *types.VMRecord, state types.VMState, errorReason string) error {
	vm.State = state
	vm.ErrorReason = errorReason
	return s.Put(ctx, vm)
}

// ReconcileAll resyncs the whole catalog after a crash or restart: every
// id is fetched (and therefore reconciled) with bounded concurrency.
// Returns the number of records visited.
func (s *Store) ReconcileAll(ctx context.Context) int {
	ids, err := s.rdb.SMembers(ctx, s.idsKey()).Result()
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list vm ids for startup reconcile")
		return 0
	}

	var (
		mu    sync.Mutex
		count int
		wg    sync.WaitGroup
	)
	sem := make(chan struct{}, 16)
	for _, id := range ids {
		wg.Add(1)
		go func(vmID string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			if _, err := s.Get(ctx, vmID); err != nil {
				return
			}
			mu.Lock()
			count++
			mu.Unlock()
		}(id)
	}
	wg.Wait()

	s.logger.Info().Int("count", count).Msg("Startup catalog reconcile complete")
	return count
}

// reconcile demotes a running record whose forwarded SSH port no longer
// accepts connections. No other automatic transitions.
func (s *Store) reconcile(ctx context.Context, vm *types.VMRecord) *types.VMRecord {
	if !needsDemotion(vm, s.sshAlive) {
		return vm
	}

	s.logger.Warn().
		Str("vm_id", vm.ID).
		Int("ssh_port", vm.SSHPort).
		Msg("Running VM unreachable, reconciling to stopped")
	metrics.VMReconciledTotal.Inc()

	if err := s.SetStatus(ctx, vm, types.VMStateStopped, reconcileReason); err != nil {
		s.logger.Error().Err(err).Str("vm_id", vm.ID).Msg("Failed to persist reconciled state")
	}
	return vm
}

// needsDemotion holds the reconciliation rule: running + unreachable port.
func needsDemotion(vm *types.VMRecord, alive func(port int) bool) bool {
	return vm.State == types.VMStateRunning && !alive(vm.SSHPort)
}
