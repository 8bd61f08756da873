// Package fileops implements file transfer, listing, reading, download,
// and search inside guests, over the SSH/SFTP session the cache hands
// out. Operations take narrow interfaces so the remote side can be
// faked in tests.
package fileops

import (
	"io"
	"os"
	"strings"
	"time"
)

// Execer runs one command on the guest and reports its exit status.
// *sshcache.Session satisfies this.
type Execer interface {
	Exec(command string, timeout time.Duration) (stdout, stderr []byte, exitCode int, err error)
}

// RemoteFS is the slice of SFTP the file operations use.
type RemoteFS interface {
	Normalize(path string) (string, error)
	Stat(path string) (os.FileInfo, error)
	Mkdir(path string) error
	OpenRead(path string) (io.ReadCloser, error)
	OpenWrite(path string) (io.WriteCloser, error)
	Chmod(path string, mode os.FileMode) error
}

// ListDirItem is one entry from a guest directory listing.
type ListDirItem struct {
	Path     string `json:"path"`
	Name     string `json:"name"`
	PathType string `json:"path_type"` // "directory" or "file"
}

// FileContent is the result of reading a guest file.
type FileContent struct {
	Name    string `json:"name"`
	Content string `json:"content"`
	Length  int    `json:"length"`
	Found   bool   `json:"found"`
}

// UploadFile is one file in an upload batch. Text and ContentB64 are
// alternatives; Mode 0 defaults to 0644.
type UploadFile struct {
	Path       string `json:"path"`
	Text       string `json:"text,omitempty"`
	ContentB64 string `json:"content_b64,omitempty"`
	Mode       uint32 `json:"mode,omitempty"`
}

// UploadRequest is a batch of files destined under DestPath.
type UploadRequest struct {
	DestPath string       `json:"dest_path"`
	Clean    bool         `json:"clean"`
	Files    []UploadFile `json:"files"`
}

// FailedFile records one file that could not be written.
type FailedFile struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// UploadResult aggregates per-file outcomes; OK is false when any file
// failed.
type UploadResult struct {
	OK     bool         `json:"ok"`
	Failed []FailedFile `json:"failed,omitempty"`
}

// SearchRequest describes a guest-side grep.
type SearchRequest struct {
	Root            string   `json:"root"`
	Pattern         string   `json:"pattern"`
	CaseInsensitive bool     `json:"case_insensitive,omitempty"`
	IncludeGlobs    []string `json:"include_globs,omitempty"`
	ExcludeDirs     []string `json:"exclude_dirs,omitempty"`
	MaxResultsTotal int      `json:"max_results_total,omitempty"`
	TimeoutSeconds  int      `json:"timeout_seconds,omitempty"`
}

// SearchHit groups the matches found in one file.
type SearchHit struct {
	Path    string   `json:"path"`
	Matches []string `json:"matchs"`
}

// shellQuote single-quotes a string for POSIX sh, escaping embedded
// single quotes.
func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
