package fileops

import (
	"fmt"
	"io"
	"mime"
	"path"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cuemby/microvmd/pkg/errkit"
)

// ListDirs runs `find -maxdepth` for each root and parses the
// '%p||%y'-formatted output, deduplicating entries across roots.
func ListDirs(ex Execer, roots []string, depth int) []ListDirItem {
	if depth <= 0 {
		depth = 1
	}

	seen := make(map[string]bool)
	var items []ListDirItem
	for _, root := range roots {
		cmd := fmt.Sprintf("find %s -maxdepth %d -printf '%%p||%%y\\n' 2>/dev/null || true", shellQuote(root), depth)
		stdout, _, _, err := ex.Exec(cmd, execTimeout)
		if err != nil {
			continue
		}
		for _, item := range parseFindOutput(string(stdout)) {
			if seen[item.Path] {
				continue
			}
			seen[item.Path] = true
			items = append(items, item)
		}
	}
	return items
}

func parseFindOutput(out string) []ListDirItem {
	var items []ListDirItem
	for _, ln := range strings.Split(strings.TrimSpace(out), "\n") {
		p, typ, ok := strings.Cut(ln, "||")
		if !ok {
			continue
		}
		base := path.Base(strings.TrimSuffix(p, "/"))
		if base == "" || base == "." {
			base = p
		}
		pathType := "file"
		if typ == "d" {
			pathType = "directory"
		}
		items = append(items, ListDirItem{Path: p, Name: base, PathType: pathType})
	}
	return items
}

// ReadFile reads a guest file over SFTP, decoding as UTF-8 with invalid
// bytes replaced. A missing file reports Found=false, not an error.
func ReadFile(fs RemoteFS, filePath string) FileContent {
	name := path.Base(filePath)

	r, err := fs.OpenRead(filePath)
	if err != nil {
		return FileContent{Name: name, Found: false}
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return FileContent{Name: name, Found: false}
	}

	content := toValidUTF8(data)
	return FileContent{Name: name, Content: content, Length: len(content), Found: true}
}

func toValidUTF8(data []byte) string {
	if utf8.Valid(data) {
		return string(data)
	}
	return strings.ToValidUTF8(string(data), string(utf8.RuneError))
}

// DownloadFile stats the path to confirm a regular file, reads it over
// SFTP, and infers the content type from the extension.
func DownloadFile(fs RemoteFS, filePath string) ([]byte, string, string, error) {
	fi, err := fs.Stat(filePath)
	if err != nil {
		return nil, "", "", errkit.NotFound(fmt.Sprintf("file %s", filePath))
	}
	if fi.IsDir() {
		return nil, "", "", errkit.Validation("path is a directory; use download-folder")
	}

	r, err := fs.OpenRead(filePath)
	if err != nil {
		return nil, "", "", errkit.Upstream(fmt.Sprintf("cannot open %s", filePath)).WithDetail(err.Error())
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, "", "", errkit.Upstream(fmt.Sprintf("cannot read %s", filePath)).WithDetail(err.Error())
	}

	name := path.Base(filePath)
	if name == "" || name == "/" {
		name = "download"
	}
	mediaType := mime.TypeByExtension(path.Ext(name))
	if mediaType == "" {
		mediaType = "application/octet-stream"
	}
	return data, mediaType, name, nil
}

// ZipAvailable checks whether the guest has zip installed.
func ZipAvailable(ex Execer) bool {
	stdout, _, exit, err := ex.Exec("sh -lc 'command -v zip >/dev/null 2>&1 && echo OK || echo NO'", 10*time.Second)
	return err == nil && exit == 0 && strings.TrimSpace(string(stdout)) == "OK"
}

// DownloadFolder archives root on the guest and returns the bytes. zip
// is preferred when available, tar.gz otherwise. A nonzero exit is an
// error regardless of any stdout the command produced.
func DownloadFolder(fs RemoteFS, ex Execer, root, preferFmt string) ([]byte, string, string, error) {
	if _, err := fs.Stat(root); err != nil {
		return nil, "", "", errkit.NotFound(fmt.Sprintf("directory %s", root))
	}

	base := path.Base(strings.TrimSuffix(root, "/"))
	if base == "" || base == "/" {
		base = "archive"
	}

	format := preferFmt
	if format == "" {
		format = "zip"
	}
	if format == "zip" && !ZipAvailable(ex) {
		format = "tar.gz"
	}

	var cmd, mediaType, filename string
	switch format {
	case "zip":
		cmd = fmt.Sprintf("sh -lc 'cd %s && zip -r - .'", shellQuote(root))
		mediaType = "application/zip"
		filename = base + ".zip"
	case "tar.gz":
		cmd = fmt.Sprintf("sh -lc 'tar -C %s -czf - .'", shellQuote(root))
		mediaType = "application/gzip"
		filename = base + ".tar.gz"
	default:
		return nil, "", "", errkit.Validation(fmt.Sprintf("invalid archive format %q", preferFmt))
	}

	stdout, stderr, exit, err := ex.Exec(cmd, 0)
	if err != nil {
		return nil, "", "", err
	}
	if exit != 0 {
		return nil, "", "", errkit.Upstream(fmt.Sprintf("archive command failed (%d)", exit)).
			WithDetail(strings.TrimSpace(string(stderr)))
	}
	return stdout, mediaType, filename, nil
}
