package manager

import (
	"context"
	"strings"
	"time"

	"github.com/cuemby/microvmd/pkg/health"
)

// HealthMonitor probes every registered node's GET /health on an
// interval and keeps the Healthy flag current. Flips to unhealthy only
// after the configured consecutive failures, so one blip does not drain
// a node.
type HealthMonitor struct {
	manager *Manager
	cfg     health.Config

	statuses map[string]*health.Status
	stopCh   chan struct{}
}

// NewHealthMonitor builds a monitor with the default probe config
// (30s interval, 3 retries).
func NewHealthMonitor(mgr *Manager) *HealthMonitor {
	return &HealthMonitor{
		manager:  mgr,
		cfg:      health.DefaultConfig(),
		statuses: make(map[string]*health.Status),
		stopCh:   make(chan struct{}),
	}
}

// Start begins the probe loop.
func (h *HealthMonitor) Start() {
	go h.run()
}

// Stop ends the probe loop.
func (h *HealthMonitor) Stop() {
	close(h.stopCh)
}

func (h *HealthMonitor) run() {
	ticker := time.NewTicker(h.cfg.Interval)
	defer ticker.Stop()

	h.probeAll()
	for {
		select {
		case <-ticker.C:
			h.probeAll()
		case <-h.stopCh:
			return
		}
	}
}

func (h *HealthMonitor) probeAll() {
	nodes, err := h.manager.ListNodes()
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.Timeout)
	defer cancel()

	for _, node := range nodes {
		if !node.Active {
			continue
		}

		status := h.statuses[node.ID]
		if status == nil {
			status = health.NewStatus()
			h.statuses[node.ID] = status
		}

		checker := health.NewHTTPChecker(strings.TrimRight(node.BaseURL, "/") + "/health")
		status.Update(checker.Check(ctx), h.cfg)

		if node.Healthy != status.Healthy {
			node.Healthy = status.Healthy
			if err := h.manager.UpdateNode(node); err != nil {
				h.manager.logger.Error().Err(err).Str("node_id", node.ID).Msg("Failed to persist node health")
			}
		}
	}
}
