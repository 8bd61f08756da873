// Package agentapi is the node agent's HTTP/WebSocket surface: VM
// lifecycle, guest file operations, and the interactive TTY endpoint.
// All non-WS endpoints except /health require the bearer token.
package agentapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/cuemby/microvmd/pkg/catalog"
	"github.com/cuemby/microvmd/pkg/errkit"
	"github.com/cuemby/microvmd/pkg/log"
	"github.com/cuemby/microvmd/pkg/metrics"
	"github.com/cuemby/microvmd/pkg/sshcache"
	"github.com/cuemby/microvmd/pkg/types"
	"github.com/cuemby/microvmd/pkg/vmrunner"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Server wires the catalog, runner, and SSH cache behind the HTTP API.
// The cache and runner are explicit handles injected here, never module
// globals.
type Server struct {
	store     *catalog.Store
	runner    *vmrunner.Runner
	cache     *sshcache.Cache
	authToken string
	logger    zerolog.Logger
	upgrader  websocket.Upgrader
}

// NewServer builds the node-agent API server.
func NewServer(store *catalog.Store, runner *vmrunner.Runner, cache *sshcache.Cache, authToken string) *Server {
	return &Server{
		store:     store,
		runner:    runner,
		cache:     cache,
		authToken: authToken,
		logger:    log.WithComponent("agentapi"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Router builds the HTTP routing table.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	api := r.NewRoute().Subrouter()
	api.Use(s.authMiddleware, s.metricsMiddleware)

	api.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	api.HandleFunc("/healthz", metrics.HealthHandler()).Methods(http.MethodGet)
	api.HandleFunc("/readyz", metrics.ReadyHandler()).Methods(http.MethodGet)

	api.HandleFunc("/vms", s.handleCreateVM).Methods(http.MethodPost)
	api.HandleFunc("/vms", s.handleListVMs).Methods(http.MethodGet)
	api.HandleFunc("/vms/list/{ids}", s.handleGetVMs).Methods(http.MethodGet)
	api.HandleFunc("/vms/{id}", s.handleGetVM).Methods(http.MethodGet)
	api.HandleFunc("/vms/{id}", s.handleDeleteVM).Methods(http.MethodDelete)
	api.HandleFunc("/vms/{id}/actions", s.handleActionVM).Methods(http.MethodPost)

	api.HandleFunc("/vms/{id}/upload-files", s.handleUploadFiles).Methods(http.MethodPost)
	api.HandleFunc("/vms/{id}/list-dirs", s.handleListDirs).Methods(http.MethodPost)
	api.HandleFunc("/vms/{id}/read-file", s.handleReadFile).Methods(http.MethodPost)
	api.HandleFunc("/vms/{id}/create-dir", s.handleCreateDir).Methods(http.MethodPost)
	api.HandleFunc("/vms/{id}/execute-sh", s.handleExecuteSh).Methods(http.MethodPost)
	api.HandleFunc("/vms/{id}/search", s.handleSearch).Methods(http.MethodPost)
	api.HandleFunc("/vms/{id}/download-file", s.handleDownloadFile).Methods(http.MethodGet)
	api.HandleFunc("/vms/{id}/download-folder", s.handleDownloadFolder).Methods(http.MethodGet)

	api.HandleFunc("/vms/{id}/tty", s.handleTTY).Methods(http.MethodGet)

	return r
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if auth != "Bearer "+s.authToken || s.authToken == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid bearer token"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		timer.ObserveDurationVec(metrics.APIRequestDuration, r.Method)
		metrics.APIRequestsTotal.WithLabelValues(r.Method, http.StatusText(rec.status)).Inc()
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status  int
	written bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.written {
		r.status = code
		r.written = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError translates an error kind into a status code and envelope.
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

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"ok": "True"})
}

func (s *Server) handleCreateVM(w http.ResponseWriter, r *http.Request) {
	var req types.VMCreate
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errkit.Validation("invalid request body").WithDetail(err.Error()))
		return
	}
	if req.VCPUs <= 0 || req.MemMiB <= 0 || req.DiskGiB <= 0 {
		writeError(w, errkit.Validation("vcpus, mem_mib, and disk_gib must be positive"))
		return
	}

	vmID := uuid.New().String()
	wd, err := s.runner.Workdir(vmID)
	if err != nil {
		writeError(w, err)
		return
	}

	vm := &types.VMRecord{
		ID:        vmID,
		State:     types.VMStateProvisioning,
		Workdir:   wd,
		VCPUs:     req.VCPUs,
		MemMiB:    req.MemMiB,
		DiskGiB:   req.DiskGiB,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.Put(r.Context(), vm); err != nil {
		writeError(w, err)
		return
	}
	s.runner.Start(r.Context(), vm)

	writeJSON(w, http.StatusCreated, vm)
}

func (s *Server) handleListVMs(w http.ResponseWriter, r *http.Request) {
	all, err := s.store.All(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	vms := make([]*types.VMRecord, 0, len(all))
	for _, vm := range all {
		vms = append(vms, vm)
	}
	sort.Slice(vms, func(i, j int) bool { return vms[i].ID < vms[j].ID })
	writeJSON(w, http.StatusOK, vms)
}

func (s *Server) handleGetVMs(w http.ResponseWriter, r *http.Request) {
	ids := strings.Split(mux.Vars(r)["ids"], ",")
	vms := make([]*types.VMRecord, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		vm, err := s.store.Get(r.Context(), id)
		if err != nil {
			s.logger.Debug().Str("vm_id", id).Msg("Skipping unknown vm in batch get")
			continue
		}
		vms = append(vms, vm)
	}
	writeJSON(w, http.StatusOK, vms)
}

func (s *Server) handleGetVM(w http.ResponseWriter, r *http.Request) {
	vm, err := s.store.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, vm)
}

func (s *Server) handleDeleteVM(w http.ResponseWriter, r *http.Request) {
	vm, err := s.store.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	s.runner.Stop(r.Context(), vm, true)
	writeJSON(w, http.StatusOK, vm)
}

func (s *Server) handleActionVM(w http.ResponseWriter, r *http.Request) {
	vm, err := s.store.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}

	var act types.VMAction
	if err := json.NewDecoder(r.Body).Decode(&act); err != nil {
		writeError(w, errkit.Validation("invalid request body").WithDetail(err.Error()))
		return
	}

	switch act.Action {
	case types.VMActionStart:
		// Start on a running VM is a no-op returning success.
		if vm.State == types.VMStateRunning {
			writeJSON(w, http.StatusOK, vm)
			return
		}
		s.runner.Start(r.Context(), vm)
		if err := s.store.SetStatus(r.Context(), vm, types.VMStateProvisioning, ""); err != nil {
			writeError(w, err)
			return
		}
	case types.VMActionStop:
		// Stop on a stopped VM is likewise a no-op.
		if vm.State == types.VMStateStopped {
			writeJSON(w, http.StatusOK, vm)
			return
		}
		s.runner.Stop(r.Context(), vm, act.CleanupDisks)
	case types.VMActionReboot:
		s.runner.Reboot(r.Context(), vm)
		if err := s.store.SetStatus(r.Context(), vm, types.VMStateProvisioning, ""); err != nil {
			writeError(w, err)
			return
		}
	default:
		writeError(w, errkit.Validation("unsupported action"))
		return
	}

	writeJSON(w, http.StatusOK, vm)
}

// requireRunning loads the VM and checks it is reachable for guest
// operations.
func (s *Server) requireRunning(ctx context.Context, vmID string) (*types.VMRecord, error) {
	vm, err := s.store.Get(ctx, vmID)
	if err != nil {
		return nil, err
	}
	if vm.State != types.VMStateRunning || vm.SSHPort == 0 || vm.SSHUser == "" {
		return nil, errkit.Validation("vm is not running")
	}
	return vm, nil
}
