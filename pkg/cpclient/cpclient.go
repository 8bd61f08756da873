// Package cpclient is the control plane's HTTP client for node agents:
// bearer-token JSON calls against the surface in pkg/agentapi. Every
// call carries a 30s timeout except downloads, which stream unbounded.
package cpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cuemby/microvmd/pkg/errkit"
	"github.com/cuemby/microvmd/pkg/fileops"
	"github.com/cuemby/microvmd/pkg/types"
)

const defaultTimeout = 30 * time.Second

// Client talks to one node agent.
type Client struct {
	baseURL string
	token   string

	http     *http.Client
	download *http.Client
}

// New builds a client for the node at baseURL using its auth token.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		token:    token,
		http:     &http.Client{Timeout: defaultTimeout},
		download: &http.Client{},
	}
}

// ForNode builds a client from a registered node record.
func ForNode(node *types.Node) *Client {
	return New(node.BaseURL, node.AuthToken)
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errkit.Upstream(fmt.Sprintf("node request %s %s failed", method, path)).WithDetail(err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return errkit.NotFound(fmt.Sprintf("%s %s", method, path))
	}
	if resp.StatusCode >= 400 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return errkit.Upstream(fmt.Sprintf("node returned %d for %s %s", resp.StatusCode, method, path)).
			WithDetail(strings.TrimSpace(string(detail)))
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Health probes GET /health.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

// CreateVM boots a new VM and returns its initial (provisioning) record.
func (c *Client) CreateVM(ctx context.Context, req types.VMCreate) (*types.VMRecord, error) {
	var vm types.VMRecord
	if err := c.do(ctx, http.MethodPost, "/vms", req, &vm); err != nil {
		return nil, err
	}
	return &vm, nil
}

// GetVM fetches one record.
func (c *Client) GetVM(ctx context.Context, vmID string) (*types.VMRecord, error) {
	var vm types.VMRecord
	if err := c.do(ctx, http.MethodGet, "/vms/"+vmID, nil, &vm); err != nil {
		return nil, err
	}
	return &vm, nil
}

// GetVMs fetches a batch of records by id; ids unknown to the node are
// simply absent from the result.
func (c *Client) GetVMs(ctx context.Context, vmIDs []string) ([]*types.VMRecord, error) {
	var vms []*types.VMRecord
	if err := c.do(ctx, http.MethodGet, "/vms/list/"+strings.Join(vmIDs, ","), nil, &vms); err != nil {
		return nil, err
	}
	return vms, nil
}

// ListVMs fetches the node's whole catalog.
func (c *Client) ListVMs(ctx context.Context) ([]*types.VMRecord, error) {
	var vms []*types.VMRecord
	if err := c.do(ctx, http.MethodGet, "/vms", nil, &vms); err != nil {
		return nil, err
	}
	return vms, nil
}

// DeleteVM stops a VM and removes its disks.
func (c *Client) DeleteVM(ctx context.Context, vmID string) error {
	return c.do(ctx, http.MethodDelete, "/vms/"+vmID, nil, nil)
}

// ActionVM sends start/stop/reboot.
func (c *Client) ActionVM(ctx context.Context, vmID string, action types.VMAction) (*types.VMRecord, error) {
	var vm types.VMRecord
	if err := c.do(ctx, http.MethodPost, "/vms/"+vmID+"/actions", action, &vm); err != nil {
		return nil, err
	}
	return &vm, nil
}

// UploadFiles pushes a file batch into the guest.
func (c *Client) UploadFiles(ctx context.Context, vmID string, req fileops.UploadRequest) (*fileops.UploadResult, error) {
	var res fileops.UploadResult
	if err := c.do(ctx, http.MethodPost, "/vms/"+vmID+"/upload-files", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ListDirsRequest is the list-dirs payload.
type ListDirsRequest struct {
	Paths []string `json:"paths"`
	Depth int      `json:"depth,omitempty"`
}

// ListDirs lists guest directories.
func (c *Client) ListDirs(ctx context.Context, vmID string, paths []string, depth int) ([]fileops.ListDirItem, error) {
	var items []fileops.ListDirItem
	req := ListDirsRequest{Paths: paths, Depth: depth}
	if err := c.do(ctx, http.MethodPost, "/vms/"+vmID+"/list-dirs", req, &items); err != nil {
		return nil, err
	}
	return items, nil
}

// PathRequest is the single-path payload used by read-file/create-dir.
type PathRequest struct {
	Path string `json:"path"`
}

// ReadFile reads a guest file.
func (c *Client) ReadFile(ctx context.Context, vmID, path string) (*fileops.FileContent, error) {
	var fc fileops.FileContent
	if err := c.do(ctx, http.MethodPost, "/vms/"+vmID+"/read-file", PathRequest{Path: path}, &fc); err != nil {
		return nil, err
	}
	return &fc, nil
}

// CreateDir makes a guest directory.
func (c *Client) CreateDir(ctx context.Context, vmID, path string) (*types.ElementResponse, error) {
	var res types.ElementResponse
	if err := c.do(ctx, http.MethodPost, "/vms/"+vmID+"/create-dir", PathRequest{Path: path}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ExecuteSh runs a command inside the guest.
func (c *Client) ExecuteSh(ctx context.Context, vmID, command string, timeout int) (*types.VMShResponse, error) {
	var res types.VMShResponse
	req := types.VMSh{Command: command, Timeout: timeout}
	if err := c.do(ctx, http.MethodPost, "/vms/"+vmID+"/execute-sh", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Search greps the guest.
func (c *Client) Search(ctx context.Context, vmID string, req fileops.SearchRequest) ([]fileops.SearchHit, error) {
	var hits []fileops.SearchHit
	if err := c.do(ctx, http.MethodPost, "/vms/"+vmID+"/search", req, &hits); err != nil {
		return nil, err
	}
	return hits, nil
}

// DownloadFile streams one guest file. The caller owns the body.
func (c *Client) DownloadFile(ctx context.Context, vmID, path string) (*http.Response, error) {
	u := fmt.Sprintf("%s/vms/%s/download-file?path=%s", c.baseURL, vmID, url.QueryEscape(path))
	return c.stream(ctx, u)
}

// DownloadFolder streams an archive of a guest directory.
func (c *Client) DownloadFolder(ctx context.Context, vmID, root, preferFmt string) (*http.Response, error) {
	u := fmt.Sprintf("%s/vms/%s/download-folder?root=%s&prefer_fmt=%s",
		c.baseURL, vmID, url.QueryEscape(root), url.QueryEscape(preferFmt))
	return c.stream(ctx, u)
}

func (c *Client) stream(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.download.Do(req)
	if err != nil {
		return nil, errkit.Upstream("node download failed").WithDetail(err.Error())
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, errkit.Upstream(fmt.Sprintf("node returned %d", resp.StatusCode)).
			WithDetail(strings.TrimSpace(string(detail)))
	}
	return resp, nil
}

// TTYEndpoint returns the upstream WebSocket URL and headers for a VM's
// interactive console.
func (c *Client) TTYEndpoint(vmID string) (string, http.Header) {
	wsURL := c.baseURL
	wsURL = strings.Replace(wsURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+c.token)
	return wsURL + "/vms/" + vmID + "/tty", headers
}
