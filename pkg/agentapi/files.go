package agentapi

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/cuemby/microvmd/pkg/errkit"
	"github.com/cuemby/microvmd/pkg/fileops"
	"github.com/cuemby/microvmd/pkg/sshcache"
	"github.com/cuemby/microvmd/pkg/types"
	"github.com/gorilla/mux"
)

// session resolves the VM's cached SSH session after the running check.
func (s *Server) session(r *http.Request) (*types.VMRecord, *sshcache.Session, error) {
	vm, err := s.requireRunning(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		return nil, nil, err
	}
	sess, err := s.cache.Resolve(vm)
	if err != nil {
		return nil, nil, err
	}
	return vm, sess, nil
}

func (s *Server) handleUploadFiles(w http.ResponseWriter, r *http.Request) {
	_, sess, err := s.session(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req fileops.UploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errkit.Validation("invalid request body").WithDetail(err.Error()))
		return
	}

	res := fileops.Upload(fileops.SFTPFS{Client: sess.SFTP()}, sess, req)
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleListDirs(w http.ResponseWriter, r *http.Request) {
	_, sess, err := s.session(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req struct {
		Paths []string `json:"paths"`
		Depth int      `json:"depth"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errkit.Validation("invalid request body").WithDetail(err.Error()))
		return
	}

	items := fileops.ListDirs(sess, req.Paths, req.Depth)
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleReadFile(w http.ResponseWriter, r *http.Request) {
	_, sess, err := s.session(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errkit.Validation("invalid request body").WithDetail(err.Error()))
		return
	}

	fc := fileops.ReadFile(fileops.SFTPFS{Client: sess.SFTP()}, req.Path)
	writeJSON(w, http.StatusOK, fc)
}

func (s *Server) handleCreateDir(w http.ResponseWriter, r *http.Request) {
	_, sess, err := s.session(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errkit.Validation("invalid request body").WithDetail(err.Error()))
		return
	}

	if err := fileops.CreateDir(sess, req.Path); err != nil {
		writeJSON(w, http.StatusOK, types.ElementResponse{OK: false, Reason: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, types.ElementResponse{OK: true})
}

func (s *Server) handleExecuteSh(w http.ResponseWriter, r *http.Request) {
	_, sess, err := s.session(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req types.VMSh
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errkit.Validation("invalid request body").WithDetail(err.Error()))
		return
	}

	timeout := time.Duration(req.Timeout) * time.Second
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	stdout, stderr, _, err := sess.Exec(req.Command, timeout)
	if err != nil {
		writeJSON(w, http.StatusOK, types.VMShResponse{OK: false, Reason: err.Error()})
		return
	}

	resp := types.VMShResponse{OK: true, Stderr: safeUTF8(stderr)}
	if utf8.Valid(stdout) {
		resp.Stdout = string(stdout)
	} else {
		resp.Stdout = base64.StdEncoding.EncodeToString(stdout)
	}
	writeJSON(w, http.StatusOK, resp)
}

func safeUTF8(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	return string([]rune(string(b)))
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	_, sess, err := s.session(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req fileops.SearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errkit.Validation("invalid request body").WithDetail(err.Error()))
		return
	}

	hits, err := fileops.Search(sess, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, hits)
}

func (s *Server) handleDownloadFile(w http.ResponseWriter, r *http.Request) {
	_, sess, err := s.session(r)
	if err != nil {
		writeError(w, err)
		return
	}

	path := r.URL.Query().Get("path")
	if path == "" {
		writeError(w, errkit.Validation("missing path parameter"))
		return
	}

	data, mediaType, name, err := fileops.DownloadFile(fileops.SFTPFS{Client: sess.SFTP()}, path)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", mediaType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleDownloadFolder(w http.ResponseWriter, r *http.Request) {
	_, sess, err := s.session(r)
	if err != nil {
		writeError(w, err)
		return
	}

	root := r.URL.Query().Get("root")
	if root == "" {
		root = "/app"
	}
	preferFmt := r.URL.Query().Get("prefer_fmt")
	if preferFmt == "" {
		preferFmt = "zip"
	}
	if preferFmt != "zip" && preferFmt != "tar.gz" {
		writeError(w, errkit.Validation("prefer_fmt must be zip or tar.gz"))
		return
	}

	data, mediaType, filename, err := fileops.DownloadFolder(fileops.SFTPFS{Client: sess.SFTP()}, sess, root, preferFmt)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", mediaType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
