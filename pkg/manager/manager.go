// Package manager is the control plane's orchestration boundary: every
// other control-plane package (scheduler, reconciler, API glue) reads
// and writes cluster state through it rather than touching the store.
package manager

import (
	"sync"
	"time"

	"github.com/cuemby/microvmd/pkg/controlstore"
	"github.com/cuemby/microvmd/pkg/log"
	"github.com/cuemby/microvmd/pkg/types"
	"github.com/rs/zerolog"
)

// Manager owns the control-plane state store and the audit sink.
type Manager struct {
	store   *controlstore.Store
	auditor types.Auditor
	logger  zerolog.Logger
	mu      sync.RWMutex
}

// New creates a manager. A nil auditor discards audit events.
func New(store *controlstore.Store, auditor types.Auditor) *Manager {
	if auditor == nil {
		auditor = types.NopAuditor{}
	}
	return &Manager{
		store:   store,
		auditor: auditor,
		logger:  log.WithComponent("manager"),
	}
}

// Audit forwards an event to the configured sink.
func (m *Manager) Audit(event, entityID, message string) {
	m.auditor.Audit(event, entityID, message)
}

// Node operations

func (m *Manager) RegisterNode(node *types.Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if node.CreatedAt.IsZero() {
		node.CreatedAt = time.Now().UTC()
	}
	return m.store.CreateNode(node)
}

func (m *Manager) GetNode(id string) (*types.Node, error) {
	return m.store.GetNode(id)
}

func (m *Manager) ListNodes() ([]*types.Node, error) {
	return m.store.ListNodes()
}

func (m *Manager) UpdateNode(node *types.Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.UpdateNode(node)
}

func (m *Manager) DeleteNode(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.DeleteNode(id)
}

// Heartbeat refreshes a node's liveness timestamp and marks it healthy.
func (m *Manager) Heartbeat(nodeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	node, err := m.store.GetNode(nodeID)
	if err != nil {
		return err
	}
	node.HeartbeatAt = time.Now().UTC()
	node.Healthy = true
	return m.store.UpdateNode(node)
}

// Container operations

func (m *Manager) CreateContainer(container *types.Container) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if container.CreatedAt.IsZero() {
		container.CreatedAt = time.Now().UTC()
	}
	return m.store.CreateContainer(container)
}

func (m *Manager) GetContainer(id string) (*types.Container, error) {
	return m.store.GetContainer(id)
}

func (m *Manager) ListContainers() ([]*types.Container, error) {
	return m.store.ListContainers()
}

func (m *Manager) ListContainersByUser(userID string) ([]*types.Container, error) {
	return m.store.ListContainersByUser(userID)
}

func (m *Manager) ListContainersByNode(nodeID string) ([]*types.Container, error) {
	return m.store.ListContainersByNode(nodeID)
}

func (m *Manager) UpdateContainer(container *types.Container) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.UpdateContainer(container)
}

func (m *Manager) DeleteContainer(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.DeleteContainer(id)
}

// ContainerType operations

func (m *Manager) CreateContainerType(ct *types.ContainerType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.CreateContainerType(ct)
}

func (m *Manager) GetContainerType(name string) (*types.ContainerType, error) {
	return m.store.GetContainerType(name)
}

func (m *Manager) ListContainerTypes() ([]*types.ContainerType, error) {
	return m.store.ListContainerTypes()
}

// TypeCatalog returns the container types keyed by name, the shape the
// quota arithmetic wants.
func (m *Manager) TypeCatalog() (map[string]*types.ContainerType, error) {
	cts, err := m.store.ListContainerTypes()
	if err != nil {
		return nil, err
	}
	catalog := make(map[string]*types.ContainerType, len(cts))
	for _, ct := range cts {
		catalog[ct.Name] = ct
	}
	return catalog, nil
}

// Quota operations

func (m *Manager) SetQuota(q *types.ResourceQuota) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.SetQuota(q)
}

func (m *Manager) GetQuota(userID string) (*types.ResourceQuota, error) {
	return m.store.GetQuota(userID)
}

// CreditsLeft computes a user's remaining credits: quota minus the cost
// of every container they want running.
func (m *Manager) CreditsLeft(userID string) (int, error) {
	quota, err := m.store.GetQuota(userID)
	if err != nil {
		return 0, err
	}
	containers, err := m.store.ListContainersByUser(userID)
	if err != nil {
		return 0, err
	}
	catalog, err := m.TypeCatalog()
	if err != nil {
		return 0, err
	}
	return quota.CreditsLeft(containers, catalog), nil
}

// FreeResources reports a node's capacity minus what its desired-running
// containers claim.
func (m *Manager) FreeResources(node *types.Node) (freeVCPUs int, freeMemMiB int64, running int, err error) {
	containers, err := m.store.ListContainersByNode(node.ID)
	if err != nil {
		return 0, 0, 0, err
	}

	freeVCPUs = node.VCPUs
	freeMemMiB = node.MemoryMiB
	for _, c := range containers {
		if c.DesiredState != types.DesiredStateRunning {
			continue
		}
		freeVCPUs -= c.VCPUs
		freeMemMiB -= c.MemoryMiB
		running++
	}
	return freeVCPUs, freeMemMiB, running, nil
}
