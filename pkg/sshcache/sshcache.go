// Package sshcache amortizes SSH handshakes against local VMs: one cache
// entry per VM id holding an SSH client, an SFTP client, and one
// long-lived interactive shell channel. A cached entry is only returned
// after a liveness probe succeeds; a failed probe rebuilds the entry
// end-to-end. A freshly dialled entry is returned without a probe.
package sshcache

import (
	"bytes"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/cuemby/microvmd/pkg/errkit"
	"github.com/cuemby/microvmd/pkg/log"
	"github.com/cuemby/microvmd/pkg/metrics"
	"github.com/cuemby/microvmd/pkg/types"
	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

// Config holds the connect parameters shared by every VM session.
type Config struct {
	// PrivKeyPath is the private key used for all VM logins; the matching
	// public key is what the seed ISO authorized.
	PrivKeyPath string

	// ConnectTimeout bounds the TCP+handshake dial (default 30s).
	ConnectTimeout time.Duration

	// KeepaliveInterval is the transport keepalive period (default 15s).
	KeepaliveInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 30 * time.Second
	}
	if c.KeepaliveInterval == 0 {
		c.KeepaliveInterval = 15 * time.Second
	}
	return c
}

// Session is one cache entry: the three live handles for a VM.
type Session struct {
	client *ssh.Client
	sftp   *sftp.Client
	shell  *Shell

	closeOnce sync.Once
}

// Client returns the raw SSH client for ad-hoc exec.
func (s *Session) Client() *ssh.Client { return s.client }

// SFTP returns the session's SFTP client.
func (s *Session) SFTP() *sftp.Client { return s.sftp }

// Shell returns the cached long-lived shell channel, kept separate from
// ad-hoc exec so interactive state survives between commands.
func (s *Session) Shell() *Shell { return s.shell }

// Exec runs a command over a fresh exec channel and returns stdout,
// stderr, and the remote exit status. A zero timeout means no deadline.
func (s *Session) Exec(command string, timeout time.Duration) ([]byte, []byte, int, error) {
	sess, err := s.client.NewSession()
	if err != nil {
		return nil, nil, -1, errkit.Upstream("ssh session open failed").WithDetail(err.Error())
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- sess.Run(command) }()

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timeoutCh = t.C
	}

	select {
	case err = <-done:
	case <-timeoutCh:
		sess.Close()
		return stdout.Bytes(), stderr.Bytes(), -1, errkit.Timeout(fmt.Sprintf("command timed out after %s", timeout))
	}

	if err != nil {
		if exitErr, ok := err.(*ssh.ExitError); ok {
			return stdout.Bytes(), stderr.Bytes(), exitErr.ExitStatus(), nil
		}
		return stdout.Bytes(), stderr.Bytes(), -1, errkit.Upstream("remote command failed").WithDetail(err.Error())
	}
	return stdout.Bytes(), stderr.Bytes(), 0, nil
}

// Close tears down every member. Safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		if s.shell != nil {
			s.shell.Close()
		}
		if s.sftp != nil {
			s.sftp.Close()
		}
		if s.client != nil {
			s.client.Close()
		}
	})
}

// Cache is the per-process SSH session cache, keyed by VM id. It is
// owned by the node-agent server object and injected into handlers.
type Cache struct {
	cfg    Config
	logger zerolog.Logger

	mu      sync.Mutex
	entries map[string]*Session

	// dialFn and probeFn are swapped in tests.
	dialFn  func(vm *types.VMRecord) (*Session, error)
	probeFn func(s *Session) error
}

// New creates an empty cache.
func New(cfg Config) *Cache {
	c := &Cache{
		cfg:     cfg.withDefaults(),
		logger:  log.WithComponent("sshcache"),
		entries: make(map[string]*Session),
	}
	c.dialFn = c.dial
	c.probeFn = probe
	return c
}

// Resolve returns a live session for the VM, regenerating the entry
// end-to-end when any member is missing or the liveness probe fails.
// This is the single assignment site for cache entries.
func (c *Cache) Resolve(vm *types.VMRecord) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := c.entries[vm.ID]
	if entry != nil && entry.client != nil && entry.sftp != nil && entry.shell != nil {
		if err := c.probeFn(entry); err == nil {
			metrics.SSHCacheHits.Inc()
			return entry, nil
		}
		c.logger.Debug().Str("vm_id", vm.ID).Msg("Cached session failed probe, regenerating")
		entry.Close()
	}

	metrics.SSHCacheRegenerations.Inc()
	fresh, err := c.dialFn(vm)
	if err != nil {
		delete(c.entries, vm.ID)
		return nil, err
	}
	c.entries[vm.ID] = fresh
	return fresh, nil
}

// Clear evicts and closes one VM's entry.
func (c *Cache) Clear(vmID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.entries[vmID]; ok {
		entry.Close()
		delete(c.entries, vmID)
	}
}

// ClearAll evicts everything (used at shutdown).
func (c *Cache) ClearAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, entry := range c.entries {
		entry.Close()
		delete(c.entries, id)
	}
}

// NewShell opens an additional interactive shell on the VM's cached
// client, independent of the entry's own channel. Each console session
// gets its own.
func (c *Cache) NewShell(vm *types.VMRecord) (*Shell, error) {
	sess, err := c.Resolve(vm)
	if err != nil {
		return nil, err
	}
	return openShell(sess.client)
}

// probe runs the trivial echo the cache requires before any hit.
func probe(s *Session) error {
	_, _, _, err := s.Exec("echo hello", 10*time.Second)
	return err
}

func (c *Cache) dial(vm *types.VMRecord) (*Session, error) {
	if vm.SSHPort == 0 || vm.SSHUser == "" {
		return nil, errkit.Validation(fmt.Sprintf("vm %s has no ssh endpoint", vm.ID))
	}

	timer := metrics.NewTimer()
	client, err := Dial("127.0.0.1", vm.SSHPort, vm.SSHUser, c.cfg)
	if err != nil {
		return nil, err
	}
	timer.ObserveDuration(metrics.SSHConnectDuration)

	sftpCli, err := sftp.NewClient(client)
	if err != nil {
		client.Close()
		return nil, errkit.Upstream("sftp open failed").WithDetail(err.Error())
	}

	shell, err := openShell(client)
	if err != nil {
		sftpCli.Close()
		client.Close()
		return nil, err
	}

	c.logger.Info().Str("vm_id", vm.ID).Int("ssh_port", vm.SSHPort).Msg("SSH session established")
	return &Session{client: client, sftp: sftpCli, shell: shell}, nil
}

// Dial opens an authenticated SSH connection with the cache's connect
// parameters: configured key only, host keys auto-accepted, transport
// keepalive every KeepaliveInterval.
func Dial(host string, port int, user string, cfg Config) (*ssh.Client, error) {
	cfg = cfg.withDefaults()
	signer, err := LoadSigner(cfg.PrivKeyPath)
	if err != nil {
		return nil, err
	}

	clientCfg := &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         cfg.ConnectTimeout,
	}

	addr := net.JoinHostPort(host, fmt.Sprint(port))
	client, err := ssh.Dial("tcp", addr, clientCfg)
	if err != nil {
		return nil, errkit.Upstream(fmt.Sprintf("ssh dial %s failed", addr)).WithDetail(err.Error())
	}

	go keepalive(client, cfg.KeepaliveInterval)
	return client, nil
}

func keepalive(client *ssh.Client, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
			return
		}
	}
}

// LoadSigner parses the private key at path. ssh.ParsePrivateKey accepts
// Ed25519, RSA, and ECDSA material.
func LoadSigner(path string) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key %s: %w", path, err)
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("parse private key %s: %w", path, err)
	}
	return signer, nil
}
