// Package editor implements the file-editor WebSocket protocol: a
// request/response envelope over one socket per container, server-pushed
// change broadcasts to every socket in the container's group, and
// per-path monotonic revisions for optimistic concurrency.
package editor

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/cuemby/microvmd/pkg/cpclient"
	"github.com/cuemby/microvmd/pkg/errkit"
	"github.com/cuemby/microvmd/pkg/fileops"
	"github.com/cuemby/microvmd/pkg/log"
	"github.com/cuemby/microvmd/pkg/metrics"
	"github.com/cuemby/microvmd/pkg/types"
	"github.com/rs/zerolog"
)

// SafeRoot is the only subtree the editor may touch inside a guest.
const SafeRoot = "/app"

// Request is the client envelope. prev_rev is a pointer so "absent"
// (skip the conflict check) and "zero" stay distinguishable.
type Request struct {
	ReqID   int    `json:"req_id"`
	Action  string `json:"action"`
	Path    string `json:"path,omitempty"`
	Content string `json:"content,omitempty"`
	PrevRev *int64 `json:"prev_rev,omitempty"`
	Src     string `json:"src,omitempty"`
	Dst     string `json:"dst,omitempty"`

	Root         string `json:"root,omitempty"`
	Pattern      string `json:"pattern,omitempty"`
	Case         bool   `json:"case,omitempty"`
	IncludeGlobs string `json:"include_globs,omitempty"`
	ExcludeDirs  string `json:"exclude_dirs,omitempty"`
}

// Reply is the server's response envelope.
type Reply struct {
	Event string      `json:"event"` // "ok" or "error"
	ReqID int         `json:"req_id"`
	Data  interface{} `json:"data,omitempty"`
	Rev   *int64      `json:"rev,omitempty"`
	Error string      `json:"error,omitempty"`
}

// Broadcast is the change notification fanned out to the container
// group, the originating client included (idempotent by rev).
type Broadcast struct {
	Event string                 `json:"event"` // file_changed, path_moved, path_deleted
	Path  string                 `json:"path,omitempty"`
	Src   string                 `json:"src,omitempty"`
	Dst   string                 `json:"dst,omitempty"`
	Rev   int64                  `json:"rev"`
	Meta  map[string]interface{} `json:"meta,omitempty"`
}

// NodeOps is the slice of the node-agent client the editor drives.
// *cpclient.Client satisfies it.
type NodeOps interface {
	ListDirs(ctx context.Context, vmID string, paths []string, depth int) ([]fileops.ListDirItem, error)
	ReadFile(ctx context.Context, vmID, path string) (*fileops.FileContent, error)
	UploadFiles(ctx context.Context, vmID string, req fileops.UploadRequest) (*fileops.UploadResult, error)
	CreateDir(ctx context.Context, vmID, path string) (*types.ElementResponse, error)
	ExecuteSh(ctx context.Context, vmID, command string, timeout int) (*types.VMShResponse, error)
	Search(ctx context.Context, vmID string, req fileops.SearchRequest) ([]fileops.SearchHit, error)
}

var _ NodeOps = (*cpclient.Client)(nil)

// RevOps is the revision counter surface; *catalog.RevStore satisfies it.
type RevOps interface {
	GetRev(ctx context.Context, containerID, path string) (int64, error)
	BumpRev(ctx context.Context, containerID, path string) (int64, error)
}

// CheckPath normalizes a path (collapse //, strip trailing /, resolve
// dot segments) and rejects anything outside the safe root.
func CheckPath(p string) (string, error) {
	if p == "" {
		p = SafeRoot
	}
	p = path.Clean(p)
	if p != SafeRoot && !strings.HasPrefix(p, SafeRoot+"/") {
		return "", errkit.Validation(fmt.Sprintf("path must be under %s", SafeRoot))
	}
	return p, nil
}

// Session is one editor socket bound to a container. send delivers a
// reply to this client; the hub fans broadcasts to the whole group.
type Session struct {
	containerID string
	client      NodeOps
	revs        RevOps
	hub         *Hub
	send        func(v interface{}) error
	logger      zerolog.Logger
}

// NewSession registers a session in the container's group. The caller
// must Close it on disconnect.
func NewSession(containerID string, client NodeOps, revs RevOps, hub *Hub, send func(v interface{}) error) *Session {
	s := &Session{
		containerID: containerID,
		client:      client,
		revs:        revs,
		hub:         hub,
		send:        send,
		logger:      log.WithContainerID(containerID),
	}
	hub.join(containerID, s)
	s.logger.Debug().Msg("Editor session joined")
	return s
}

// Close removes the session from its group.
func (s *Session) Close() {
	s.hub.leave(s.containerID, s)
}

// Handle dispatches one request. Unknown actions and handler panics
// both come back as error replies; the socket stays usable.
func (s *Session) Handle(ctx context.Context, req Request) {
	defer func() {
		if r := recover(); r != nil {
			metrics.EditorActionsTotal.WithLabelValues(req.Action, "error").Inc()
			_ = s.send(Reply{Event: "error", ReqID: req.ReqID, Error: fmt.Sprintf("internal error: %v", r)})
		}
	}()

	var err error
	switch req.Action {
	case "list_dirs":
		err = s.handleListDirs(ctx, req)
	case "read_file":
		err = s.handleReadFile(ctx, req)
	case "write_file":
		err = s.handleWriteFile(ctx, req)
	case "create_dir":
		err = s.handleCreateDir(ctx, req)
	case "move_path":
		err = s.handleMovePath(ctx, req)
	case "delete_path":
		err = s.handleDeletePath(ctx, req)
	case "search":
		err = s.handleSearch(ctx, req)
	default:
		err = errkit.Validation(fmt.Sprintf("unknown action: %s", req.Action))
	}

	if err != nil {
		metrics.EditorActionsTotal.WithLabelValues(req.Action, "error").Inc()
		reply := Reply{Event: "error", ReqID: req.ReqID, Error: errMessage(err)}
		if e, ok := errkit.As(err); ok && e.Kind == errkit.KindConflict {
			rev := e.Rev
			reply.Rev = &rev
		}
		_ = s.send(reply)
		return
	}
	metrics.EditorActionsTotal.WithLabelValues(req.Action, "ok").Inc()
}

func errMessage(err error) string {
	if e, ok := errkit.As(err); ok {
		return e.Message
	}
	return err.Error()
}

func (s *Session) ok(reqID int, data interface{}, rev *int64) error {
	return s.send(Reply{Event: "ok", ReqID: reqID, Data: data, Rev: rev})
}

func (s *Session) handleListDirs(ctx context.Context, req Request) error {
	var paths []string
	for _, p := range strings.Split(req.Path, ",") {
		checked, err := CheckPath(strings.TrimSpace(p))
		if err != nil {
			return err
		}
		paths = append(paths, checked)
	}

	entries, err := s.client.ListDirs(ctx, s.containerID, paths, 1)
	if err != nil {
		return err
	}
	return s.ok(req.ReqID, map[string]interface{}{"entries": entries, "path": paths}, nil)
}

func (s *Session) handleReadFile(ctx context.Context, req Request) error {
	p, err := CheckPath(req.Path)
	if err != nil {
		return err
	}

	fc, err := s.client.ReadFile(ctx, s.containerID, p)
	if err != nil {
		return err
	}
	rev, err := s.revs.GetRev(ctx, s.containerID, p)
	if err != nil {
		return err
	}

	return s.ok(req.ReqID, map[string]interface{}{
		"name":    fc.Name,
		"content": fc.Content,
		"length":  fc.Length,
		"found":   fc.Found,
		"rev":     rev,
	}, nil)
}

func (s *Session) handleWriteFile(ctx context.Context, req Request) error {
	p, err := CheckPath(req.Path)
	if err != nil {
		return err
	}

	// Optimistic concurrency: a stated prev_rev must match the current
	// counter. The bump after a successful write makes concurrent
	// writers with the same prev_rev linearize to exactly one winner.
	cur, err := s.revs.GetRev(ctx, s.containerID, p)
	if err != nil {
		return err
	}
	if req.PrevRev != nil && *req.PrevRev != cur {
		metrics.EditorConflictsTotal.Inc()
		return errkit.Conflict("conflict", cur)
	}

	res, err := s.client.UploadFiles(ctx, s.containerID, fileops.UploadRequest{
		DestPath: "/",
		Clean:    false,
		Files:    []fileops.UploadFile{{Path: p, Text: req.Content}},
	})
	if err != nil {
		return err
	}
	if !res.OK {
		return errkit.Upstream(fmt.Sprintf("write failed: %v", res.Failed))
	}

	rev, err := s.revs.BumpRev(ctx, s.containerID, p)
	if err != nil {
		return err
	}

	s.hub.Broadcast(s.containerID, Broadcast{
		Event: "file_changed",
		Path:  p,
		Rev:   rev,
		Meta:  map[string]interface{}{"op": "write_file", "bytes": len(req.Content)},
	})
	return s.ok(req.ReqID, nil, &rev)
}

func (s *Session) handleCreateDir(ctx context.Context, req Request) error {
	p, err := CheckPath(req.Path)
	if err != nil {
		return err
	}

	res, err := s.client.CreateDir(ctx, s.containerID, p)
	if err != nil {
		return err
	}
	if !res.OK {
		return errkit.Upstream(res.Reason)
	}

	rev, err := s.revs.BumpRev(ctx, s.containerID, p)
	if err != nil {
		return err
	}

	s.hub.Broadcast(s.containerID, Broadcast{
		Event: "file_changed",
		Path:  p,
		Rev:   rev,
		Meta:  map[string]interface{}{"op": "create_dir"},
	})
	return s.ok(req.ReqID, nil, &rev)
}

func (s *Session) handleMovePath(ctx context.Context, req Request) error {
	src, err := CheckPath(req.Src)
	if err != nil {
		return err
	}
	dst, err := CheckPath(req.Dst)
	if err != nil {
		return err
	}

	cmd := fmt.Sprintf("set -e; mv -f %s %s", shellQuote(src), shellQuote(dst))
	res, err := s.client.ExecuteSh(ctx, s.containerID, cmd, 30)
	if err != nil {
		return err
	}
	if !res.OK {
		return errkit.Upstream(res.Reason)
	}

	rev, err := s.revs.BumpRev(ctx, s.containerID, dst)
	if err != nil {
		return err
	}

	s.hub.Broadcast(s.containerID, Broadcast{Event: "path_moved", Src: src, Dst: dst, Rev: rev})
	return s.ok(req.ReqID, nil, &rev)
}

func (s *Session) handleDeletePath(ctx context.Context, req Request) error {
	p, err := CheckPath(req.Path)
	if err != nil {
		return err
	}

	res, err := s.client.ExecuteSh(ctx, s.containerID, "set -e; rm -rf "+shellQuote(p), 30)
	if err != nil {
		return err
	}
	if !res.OK {
		return errkit.Upstream(res.Reason)
	}

	rev, err := s.revs.BumpRev(ctx, s.containerID, p)
	if err != nil {
		return err
	}

	s.hub.Broadcast(s.containerID, Broadcast{Event: "path_deleted", Path: p, Rev: rev})
	return s.ok(req.ReqID, nil, &rev)
}

func (s *Session) handleSearch(ctx context.Context, req Request) error {
	root, err := CheckPath(req.Root)
	if err != nil {
		return err
	}

	hits, err := s.client.Search(ctx, s.containerID, fileops.SearchRequest{
		Root:            root,
		Pattern:         req.Pattern,
		CaseInsensitive: !req.Case,
		IncludeGlobs:    splitNonEmpty(req.IncludeGlobs),
		ExcludeDirs:     withDefaultExcludes(splitNonEmpty(req.ExcludeDirs)),
		MaxResultsTotal: 250,
		TimeoutSeconds:  10,
	})
	if err != nil {
		return err
	}
	return s.ok(req.ReqID, hits, nil)
}

func splitNonEmpty(csv string) []string {
	var out []string
	for _, s := range strings.Split(csv, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// withDefaultExcludes keeps heavyweight directories out of every search.
func withDefaultExcludes(dirs []string) []string {
	defaults := []string{".git", "node_modules", ".cache"}
	have := make(map[string]bool, len(dirs))
	for _, d := range dirs {
		have[d] = true
	}
	for _, d := range defaults {
		if !have[d] {
			dirs = append(dirs, d)
		}
	}
	return dirs
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
