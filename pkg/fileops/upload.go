package fileops

import (
	"encoding/base64"
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"github.com/cuemby/microvmd/pkg/errkit"
	"github.com/cuemby/microvmd/pkg/metrics"
)

const execTimeout = 30 * time.Second

// NormJoin joins a relative entry path onto destPath with POSIX-only
// semantics and rejects results that escape destPath.
func NormJoin(destPath, rel string) (string, error) {
	rel = strings.TrimPrefix(rel, "/")
	full := path.Clean(path.Join(destPath, rel))
	root := strings.TrimSuffix(destPath, "/")
	if full != root && !strings.HasPrefix(full, root+"/") {
		return "", errkit.Validation(fmt.Sprintf("insecure path in upload: %q", rel))
	}
	return full, nil
}

// Upload writes a batch of files under req.DestPath. Per-file failures
// are accumulated and the rest of the batch proceeds; files whose
// normalized path escapes the destination are never written.
func Upload(fs RemoteFS, ex Execer, req UploadRequest) UploadResult {
	destPath := req.DestPath
	if destPath == "" {
		destPath = "/app"
	}

	normalized, err := fs.Normalize(destPath)
	if err == nil && normalized != "" {
		destPath = normalized
	}

	if req.Clean {
		if err := cleanDest(ex, destPath); err != nil {
			return UploadResult{OK: false, Failed: []FailedFile{{Path: destPath, Reason: err.Error()}}}
		}
	} else if err := runChecked(ex, "mkdir -p "+shellQuote(destPath)); err != nil {
		return UploadResult{OK: false, Failed: []FailedFile{{Path: destPath, Reason: err.Error()}}}
	}

	var failed []FailedFile
	for _, f := range req.Files {
		if err := saveFile(fs, ex, destPath, f); err != nil {
			failed = append(failed, FailedFile{Path: f.Path, Reason: err.Error()})
			metrics.UploadFilesTotal.WithLabelValues("failed").Inc()
			continue
		}
		metrics.UploadFilesTotal.WithLabelValues("ok").Inc()
	}

	return UploadResult{OK: len(failed) == 0, Failed: failed}
}

// cleanDest recreates destPath and removes its children, dotfiles
// included, in one shell command.
func cleanDest(ex Execer, destPath string) error {
	q := shellQuote(destPath)
	cmd := fmt.Sprintf("mkdir -p %s && rm -rf %s/* %s/.[!.]* %s/..?* || true", q, q, q, q)
	return runChecked(ex, cmd)
}

func saveFile(fs RemoteFS, ex Execer, destPath string, f UploadFile) error {
	full, err := NormJoin(destPath, f.Path)
	if err != nil {
		return err
	}

	data := []byte(f.Text)
	if f.ContentB64 != "" {
		data, err = base64.StdEncoding.DecodeString(f.ContentB64)
		if err != nil {
			return errkit.Validation("invalid base64 content").WithDetail(err.Error())
		}
	}

	if dir := path.Dir(full); dir != "" && dir != "." && dir != "/" {
		if err := mkdirs(fs, dir); err != nil {
			return err
		}
	}

	w, err := fs.OpenWrite(full)
	if err != nil {
		return errkit.Upstream("sftp open failed").WithDetail(err.Error())
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return errkit.Upstream("sftp write failed").WithDetail(err.Error())
	}
	if err := w.Close(); err != nil {
		return errkit.Upstream("sftp close failed").WithDetail(err.Error())
	}

	mode := os.FileMode(f.Mode)
	if mode == 0 {
		mode = 0o644
	}
	if err := fs.Chmod(full, mode); err != nil {
		// SFTP chmod can be unimplemented on minimal servers; fall back
		// to a shell chmod.
		cmd := fmt.Sprintf("chmod %o %s", mode.Perm(), shellQuote(full))
		if err := runChecked(ex, cmd); err != nil {
			return err
		}
	}
	return nil
}

// mkdirs creates the remote directory hierarchy one segment at a time,
// stat-then-mkdir, ignoring segments that already exist.
func mkdirs(fs RemoteFS, dir string) error {
	parts := strings.Split(strings.Trim(dir, "/"), "/")
	cur := "/"
	for _, p := range parts {
		if p == "" {
			continue
		}
		cur = path.Join(cur, p)
		if _, err := fs.Stat(cur); err == nil {
			continue
		}
		if err := fs.Mkdir(cur); err != nil {
			// A concurrent writer may have created it between the stat
			// and the mkdir.
			if _, serr := fs.Stat(cur); serr == nil {
				continue
			}
			return errkit.Upstream(fmt.Sprintf("mkdir %s failed", cur)).WithDetail(err.Error())
		}
	}
	return nil
}

// runChecked runs a command and errors on nonzero exit.
func runChecked(ex Execer, cmd string) error {
	stdout, stderr, exit, err := ex.Exec(cmd, execTimeout)
	if err != nil {
		return err
	}
	if exit != 0 {
		return errkit.Upstream(fmt.Sprintf("command failed (%d): %s", exit, cmd)).
			WithDetail(strings.TrimSpace(string(stderr) + " " + string(stdout)))
	}
	return nil
}

// CreateDir makes a directory (and parents) inside the guest.
func CreateDir(ex Execer, dirPath string) error {
	return runChecked(ex, "mkdir -p "+shellQuote(dirPath))
}

// MovePath renames src to dst inside the guest.
func MovePath(ex Execer, src, dst string) error {
	return runChecked(ex, fmt.Sprintf("set -e; mv -f %s %s", shellQuote(src), shellQuote(dst)))
}

// DeletePath removes a path recursively inside the guest.
func DeletePath(ex Execer, p string) error {
	return runChecked(ex, "set -e; rm -rf "+shellQuote(p))
}
