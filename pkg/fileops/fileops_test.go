package fileops

import (
	"bytes"
	"io"
	"os"
	"path"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeExec records commands and returns canned results.
type fakeExec struct {
	commands []string
	stdout   map[string]string
	exit     map[string]int
}

func newFakeExec() *fakeExec {
	return &fakeExec{stdout: map[string]string{}, exit: map[string]int{}}
}

func (f *fakeExec) Exec(cmd string, timeout time.Duration) ([]byte, []byte, int, error) {
	f.commands = append(f.commands, cmd)
	return []byte(f.stdout[cmd]), nil, f.exit[cmd], nil
}

// fakeFS is an in-memory RemoteFS.
type fakeFS struct {
	files map[string][]byte
	dirs  map[string]bool
	modes map[string]os.FileMode

	chmodErr error
}

func newFakeFS() *fakeFS {
	return &fakeFS{
		files: map[string][]byte{},
		dirs:  map[string]bool{"/": true, "/app": true},
		modes: map[string]os.FileMode{},
	}
}

type fakeFileInfo struct {
	name  string
	isDir bool
	size  int64
}

func (f fakeFileInfo) Name() string       { return f.name }
func (f fakeFileInfo) Size() int64        { return f.size }
func (f fakeFileInfo) Mode() os.FileMode  { return 0o644 }
func (f fakeFileInfo) ModTime() time.Time { return time.Time{} }
func (f fakeFileInfo) IsDir() bool        { return f.isDir }
func (f fakeFileInfo) Sys() interface{}   { return nil }

func (f *fakeFS) Normalize(p string) (string, error) { return path.Clean(p), nil }

func (f *fakeFS) Stat(p string) (os.FileInfo, error) {
	if f.dirs[p] {
		return fakeFileInfo{name: path.Base(p), isDir: true}, nil
	}
	if data, ok := f.files[p]; ok {
		return fakeFileInfo{name: path.Base(p), size: int64(len(data))}, nil
	}
	return nil, os.ErrNotExist
}

func (f *fakeFS) Mkdir(p string) error {
	f.dirs[p] = true
	return nil
}

func (f *fakeFS) OpenRead(p string) (io.ReadCloser, error) {
	data, ok := f.files[p]
	if !ok {
		return nil, os.ErrNotExist
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

type fakeWriter struct {
	fs   *fakeFS
	path string
	buf  bytes.Buffer
}

func (w *fakeWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }
func (w *fakeWriter) Close() error {
	w.fs.files[w.path] = w.buf.Bytes()
	return nil
}

func (f *fakeFS) OpenWrite(p string) (io.WriteCloser, error) {
	return &fakeWriter{fs: f, path: p}, nil
}

func (f *fakeFS) Chmod(p string, mode os.FileMode) error {
	if f.chmodErr != nil {
		return f.chmodErr
	}
	f.modes[p] = mode
	return nil
}

func TestNormJoin(t *testing.T) {
	tests := []struct {
		rel     string
		want    string
		wantErr bool
	}{
		{"main.go", "/app/main.go", false},
		{"/leading/slash.txt", "/app/leading/slash.txt", false},
		{"sub/dir/file.txt", "/app/sub/dir/file.txt", false},
		{"../escape.txt", "", true},
		{"sub/../../escape.txt", "", true},
		{"sub/../ok.txt", "/app/ok.txt", false},
	}

	for _, tt := range tests {
		t.Run(tt.rel, func(t *testing.T) {
			got, err := NormJoin("/app", tt.rel)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestUploadWritesFilesAndModes(t *testing.T) {
	fs := newFakeFS()
	ex := newFakeExec()

	res := Upload(fs, ex, UploadRequest{
		DestPath: "/app",
		Files: []UploadFile{
			{Path: "main.go", Text: "package main"},
			{Path: "bin/run.sh", Text: "#!/bin/sh", Mode: 0o755},
		},
	})

	assert.True(t, res.OK)
	assert.Empty(t, res.Failed)
	assert.Equal(t, []byte("package main"), fs.files["/app/main.go"])
	assert.Equal(t, []byte("#!/bin/sh"), fs.files["/app/bin/run.sh"])
	assert.Equal(t, os.FileMode(0o644), fs.modes["/app/main.go"])
	assert.Equal(t, os.FileMode(0o755), fs.modes["/app/bin/run.sh"])
	assert.True(t, fs.dirs["/app/bin"], "parent dir created")
}

func TestUploadRejectsEscapes(t *testing.T) {
	fs := newFakeFS()
	ex := newFakeExec()

	res := Upload(fs, ex, UploadRequest{
		DestPath: "/app",
		Files: []UploadFile{
			{Path: "ok.txt", Text: "fine"},
			{Path: "../../etc/passwd", Text: "pwned"},
		},
	})

	assert.False(t, res.OK)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, "../../etc/passwd", res.Failed[0].Path)
	// The escaping file was never written anywhere
	for p := range fs.files {
		assert.False(t, strings.Contains(p, "passwd"), "escaped path written: %s", p)
	}
	assert.Contains(t, fs.files, "/app/ok.txt")
}

func TestUploadBase64Content(t *testing.T) {
	fs := newFakeFS()
	ex := newFakeExec()

	res := Upload(fs, ex, UploadRequest{
		DestPath: "/app",
		Files:    []UploadFile{{Path: "blob.bin", ContentB64: "aGVsbG8="}},
	})
	assert.True(t, res.OK)
	assert.Equal(t, []byte("hello"), fs.files["/app/blob.bin"])
}

func TestUploadChmodFallsBackToShell(t *testing.T) {
	fs := newFakeFS()
	fs.chmodErr = os.ErrPermission
	ex := newFakeExec()

	res := Upload(fs, ex, UploadRequest{
		DestPath: "/app",
		Files:    []UploadFile{{Path: "x.sh", Text: "echo", Mode: 0o755}},
	})
	assert.True(t, res.OK)

	found := false
	for _, cmd := range ex.commands {
		if strings.HasPrefix(cmd, "chmod 755 ") {
			found = true
		}
	}
	assert.True(t, found, "expected shell chmod fallback, got %v", ex.commands)
}

func TestUploadCleanIssuesSingleCommand(t *testing.T) {
	fs := newFakeFS()
	ex := newFakeExec()

	Upload(fs, ex, UploadRequest{DestPath: "/app", Clean: true})

	require.NotEmpty(t, ex.commands)
	cmd := ex.commands[0]
	assert.Contains(t, cmd, "mkdir -p '/app'")
	assert.Contains(t, cmd, "rm -rf '/app'/*")
	assert.Contains(t, cmd, "'/app'/.[!.]*")
}

func TestParseFindOutput(t *testing.T) {
	out := "/app||d\n/app/main.go||f\n/app/src||d\nnot-a-line\n"
	items := parseFindOutput(out)
	require.Len(t, items, 3)
	assert.Equal(t, ListDirItem{Path: "/app", Name: "app", PathType: "directory"}, items[0])
	assert.Equal(t, ListDirItem{Path: "/app/main.go", Name: "main.go", PathType: "file"}, items[1])
	assert.Equal(t, ListDirItem{Path: "/app/src", Name: "src", PathType: "directory"}, items[2])
}

func TestListDirsDeduplicates(t *testing.T) {
	ex := newFakeExec()
	cmd1 := "find '/app' -maxdepth 1 -printf '%p||%y\\n' 2>/dev/null || true"
	cmd2 := "find '/app/src' -maxdepth 1 -printf '%p||%y\\n' 2>/dev/null || true"
	ex.stdout[cmd1] = "/app||d\n/app/src||d\n"
	ex.stdout[cmd2] = "/app/src||d\n/app/src/a.go||f\n"

	items := ListDirs(ex, []string{"/app", "/app/src"}, 1)
	require.Len(t, items, 3)
}

func TestReadFile(t *testing.T) {
	fs := newFakeFS()
	fs.files["/app/hello.txt"] = []byte("hi there")

	fc := ReadFile(fs, "/app/hello.txt")
	assert.True(t, fc.Found)
	assert.Equal(t, "hello.txt", fc.Name)
	assert.Equal(t, "hi there", fc.Content)
	assert.Equal(t, 8, fc.Length)

	missing := ReadFile(fs, "/app/nope.txt")
	assert.False(t, missing.Found)
	assert.Equal(t, "nope.txt", missing.Name)
	assert.Zero(t, missing.Length)
}

func TestDownloadFileRejectsDirectory(t *testing.T) {
	fs := newFakeFS()
	fs.dirs["/app/src"] = true

	_, _, _, err := DownloadFile(fs, "/app/src")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "directory")
}

func TestDownloadFileInfersContentType(t *testing.T) {
	fs := newFakeFS()
	fs.files["/app/page.html"] = []byte("<html></html>")

	data, mediaType, name, err := DownloadFile(fs, "/app/page.html")
	require.NoError(t, err)
	assert.Equal(t, []byte("<html></html>"), data)
	assert.Contains(t, mediaType, "text/html")
	assert.Equal(t, "page.html", name)
}

func TestDownloadFolderNonzeroExitIsError(t *testing.T) {
	fs := newFakeFS()
	fs.dirs["/app"] = true
	ex := newFakeExec()

	zipCheck := "sh -lc 'command -v zip >/dev/null 2>&1 && echo OK || echo NO'"
	ex.stdout[zipCheck] = "OK"
	archiveCmd := "sh -lc 'cd '/app' && zip -r - .'"
	ex.stdout[archiveCmd] = "PK...partial output..."
	ex.exit[archiveCmd] = 12

	_, _, _, err := DownloadFolder(fs, ex, "/app", "zip")
	assert.Error(t, err, "nonzero exit must be an error even with stdout present")
}

func TestDownloadFolderFallsBackToTar(t *testing.T) {
	fs := newFakeFS()
	fs.dirs["/app"] = true
	ex := newFakeExec()

	zipCheck := "sh -lc 'command -v zip >/dev/null 2>&1 && echo OK || echo NO'"
	ex.stdout[zipCheck] = "NO"
	tarCmd := "sh -lc 'tar -C '/app' -czf - .'"
	ex.stdout[tarCmd] = "tarball-bytes"

	data, mediaType, filename, err := DownloadFolder(fs, ex, "/app", "zip")
	require.NoError(t, err)
	assert.Equal(t, []byte("tarball-bytes"), data)
	assert.Equal(t, "application/gzip", mediaType)
	assert.Equal(t, "app.tar.gz", filename)
}

func TestBuildSearchCommand(t *testing.T) {
	cmd := BuildSearchCommand(SearchRequest{
		Root:            "/app",
		Pattern:         "func main",
		CaseInsensitive: true,
		IncludeGlobs:    []string{"*.go", "*", ""},
		ExcludeDirs:     []string{".git", "node_modules"},
	})

	assert.Contains(t, cmd, "'grep' '-RInI' '-i'")
	assert.Contains(t, cmd, "'--exclude-dir=.git'")
	assert.Contains(t, cmd, "'--exclude-dir=node_modules'")
	assert.Contains(t, cmd, "'--include=*.go'")
	assert.NotContains(t, cmd, "'--include=*'")
	assert.Contains(t, cmd, "'-e' 'func main' '/app'")
}

func TestParseSearchOutput(t *testing.T) {
	out := "/app/main.go:10:func main() {\n/app/main.go:22:// main loop\n/app/util.go:3:package main\nbadline\n"
	hits := ParseSearchOutput(out, 0)
	require.Len(t, hits, 2)
	assert.Equal(t, "/app/main.go", hits[0].Path)
	assert.Equal(t, []string{"L10: func main() {", "L22: // main loop"}, hits[0].Matches)
	assert.Equal(t, "/app/util.go", hits[1].Path)
}

func TestParseSearchOutputRespectsCap(t *testing.T) {
	out := strings.Repeat("/app/a.go:1:x\n", 500)
	hits := ParseSearchOutput(out, 250)
	require.Len(t, hits, 1)
	assert.Len(t, hits[0].Matches, 250)
}

func TestShellQuote(t *testing.T) {
	assert.Equal(t, "'/app'", shellQuote("/app"))
	assert.Equal(t, "''", shellQuote(""))
	assert.Equal(t, `'it'\''s'`, shellQuote("it's"))
}
