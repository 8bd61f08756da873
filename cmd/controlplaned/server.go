package main

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/cuemby/microvmd/pkg/catalog"
	"github.com/cuemby/microvmd/pkg/console"
	"github.com/cuemby/microvmd/pkg/cpclient"
	"github.com/cuemby/microvmd/pkg/editor"
	"github.com/cuemby/microvmd/pkg/errkit"
	"github.com/cuemby/microvmd/pkg/log"
	"github.com/cuemby/microvmd/pkg/manager"
	"github.com/cuemby/microvmd/pkg/metrics"
	"github.com/cuemby/microvmd/pkg/scheduler"
	"github.com/cuemby/microvmd/pkg/types"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// server is the control plane's HTTP/WS glue. Authentication and the
// richer admin surface live outside this module; this is the thin layer
// that exercises the scheduler, reconciler state, console bridge, and
// editor protocol.
type server struct {
	mgr      *manager.Manager
	sched    *scheduler.Scheduler
	revs     *catalog.RevStore
	hub      *editor.Hub
	logger   zerolog.Logger
	upgrader websocket.Upgrader
}

func newServer(mgr *manager.Manager, sched *scheduler.Scheduler, revs *catalog.RevStore) *server {
	return &server{
		mgr:    mgr,
		sched:  sched,
		revs:   revs,
		hub:    editor.NewHub(),
		logger: log.WithComponent("cpapi"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

func (s *server) Router() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"ok": "True"})
	}).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", metrics.HealthHandler()).Methods(http.MethodGet)
	r.HandleFunc("/readyz", metrics.ReadyHandler()).Methods(http.MethodGet)

	r.HandleFunc("/nodes", s.handleRegisterNode).Methods(http.MethodPost)
	r.HandleFunc("/nodes", s.handleListNodes).Methods(http.MethodGet)
	r.HandleFunc("/nodes/{id}/heartbeat", s.handleHeartbeat).Methods(http.MethodPost)

	r.HandleFunc("/containers", s.handleCreateContainer).Methods(http.MethodPost)
	r.HandleFunc("/containers", s.handleListContainers).Methods(http.MethodGet)
	r.HandleFunc("/containers/{id}", s.handleGetContainer).Methods(http.MethodGet)
	r.HandleFunc("/containers/{id}", s.handleDeleteContainer).Methods(http.MethodDelete)
	r.HandleFunc("/containers/{id}/power", s.handlePower).Methods(http.MethodPost)

	r.HandleFunc("/containers/{id}/console", s.handleConsole).Methods(http.MethodGet)
	r.HandleFunc("/containers/{id}/editor", s.handleEditor).Methods(http.MethodGet)

	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	if e, ok := errkit.As(err); ok {
		body := map[string]interface{}{"error": e.Message}
		if e.Detail != "" {
			body["detail"] = e.Detail
		}
		writeJSON(w, errkit.HTTPStatus(e.Kind), body)
		return
	}
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
}

func (s *server) handleRegisterNode(w http.ResponseWriter, r *http.Request) {
	var node types.Node
	if err := json.NewDecoder(r.Body).Decode(&node); err != nil {
		writeError(w, errkit.Validation("invalid request body").WithDetail(err.Error()))
		return
	}
	if node.ID == "" {
		node.ID = uuid.New().String()
	}
	node.HeartbeatAt = time.Now().UTC()
	if err := s.mgr.RegisterNode(&node); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, node)
}

func (s *server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.mgr.ListNodes()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nodes)
}

func (s *server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if err := s.mgr.Heartbeat(mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ok": "True"})
}

func (s *server) handleCreateContainer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID        string `json:"user_id"`
		ContainerType string `json:"container_type"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errkit.Validation("invalid request body").WithDetail(err.Error()))
		return
	}

	placement, err := s.sched.CreateContainer(r.Context(), req.UserID, req.ContainerType)
	if err != nil {
		writeError(w, err)
		return
	}
	if placement.Warning != "" {
		w.Header().Set("X-Warning", placement.Warning)
	}
	writeJSON(w, http.StatusCreated, placement)
}

func (s *server) handleListContainers(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user")

	var (
		containers []*types.Container
		err        error
	)
	if userID != "" {
		containers, err = s.mgr.ListContainersByUser(userID)
	} else {
		containers, err = s.mgr.ListContainers()
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, containers)
}

func (s *server) handleGetContainer(w http.ResponseWriter, r *http.Request) {
	c, err := s.mgr.GetContainer(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *server) handleDeleteContainer(w http.ResponseWriter, r *http.Request) {
	c, err := s.mgr.GetContainer(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}

	if node, nerr := s.mgr.GetNode(c.NodeID); nerr == nil {
		if derr := cpclient.ForNode(node).DeleteVM(r.Context(), c.ID); derr != nil {
			s.logger.Warn().Err(derr).Str("container_id", c.ID).Msg("Could not stop vm, deleting anyway")
		}
	}

	if err := s.mgr.DeleteContainer(c.ID); err != nil {
		writeError(w, err)
		return
	}
	s.mgr.Audit("container.destroy", c.ID, "Requested container deletion")
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

// handlePower flips desired_state; the reconciler converges the fleet on
// its next pass.
func (s *server) handlePower(w http.ResponseWriter, r *http.Request) {
	c, err := s.mgr.GetContainer(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}

	var req struct {
		DesiredState types.DesiredState `json:"desired_state"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errkit.Validation("invalid request body").WithDetail(err.Error()))
		return
	}
	if req.DesiredState != types.DesiredStateRunning && req.DesiredState != types.DesiredStateStopped {
		writeError(w, errkit.Validation("desired_state must be running or stopped"))
		return
	}

	c.DesiredState = req.DesiredState
	if err := s.mgr.UpdateContainer(c); err != nil {
		writeError(w, err)
		return
	}
	s.mgr.Audit("container.power", c.ID, "desired_state set to "+string(req.DesiredState))
	writeJSON(w, http.StatusOK, c)
}

// handleConsole bridges the client WebSocket to the owning node's TTY.
func (s *server) handleConsole(w http.ResponseWriter, r *http.Request) {
	c, err := s.mgr.GetContainer(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	node, err := s.mgr.GetNode(c.NodeID)
	if err != nil {
		writeError(w, err)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	ttyURL, headers := cpclient.ForNode(node).TTYEndpoint(c.ID)
	bridge := console.NewBridge(ws, console.DialNode(ttyURL, headers))
	bridge.Run()
}

// handleEditor serves the file-editor protocol on one WebSocket.
func (s *server) handleEditor(w http.ResponseWriter, r *http.Request) {
	c, err := s.mgr.GetContainer(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	node, err := s.mgr.GetNode(c.NodeID)
	if err != nil {
		writeError(w, err)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()

	var writeMu sync.Mutex
	send := func(v interface{}) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return ws.WriteJSON(v)
	}

	sess := editor.NewSession(c.ID, cpclient.ForNode(node), s.revs, s.hub, send)
	defer sess.Close()

	_ = send(map[string]string{"event": "connected"})

	for {
		var req editor.Request
		if err := ws.ReadJSON(&req); err != nil {
			return
		}
		sess.Handle(r.Context(), req)
	}
}
