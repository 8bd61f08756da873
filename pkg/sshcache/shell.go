package sshcache

import (
	"io"
	"sync"

	"github.com/cuemby/microvmd/pkg/errkit"
	"golang.org/x/crypto/ssh"
)

const (
	shellCols = 120
	shellRows = 32

	// shellBuffer bounds the output queue so a slow consumer backpressures
	// the SSH read instead of growing without limit.
	shellBuffer = 256
)

// Shell is one long-lived interactive channel on a VM: a PTY-backed
// remote shell with writes going to stdin and reads fanned into a
// bounded channel by a pump goroutine.
type Shell struct {
	sess  *ssh.Session
	stdin io.WriteCloser

	out chan []byte

	mu     sync.Mutex
	closed bool
}

func openShell(client *ssh.Client) (*Shell, error) {
	sess, err := client.NewSession()
	if err != nil {
		return nil, errkit.Upstream("shell session open failed").WithDetail(err.Error())
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := sess.RequestPty("xterm", shellRows, shellCols, modes); err != nil {
		sess.Close()
		return nil, errkit.Upstream("pty request failed").WithDetail(err.Error())
	}

	stdin, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		return nil, errkit.Upstream("shell stdin failed").WithDetail(err.Error())
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		return nil, errkit.Upstream("shell stdout failed").WithDetail(err.Error())
	}
	stderr, err := sess.StderrPipe()
	if err != nil {
		sess.Close()
		return nil, errkit.Upstream("shell stderr failed").WithDetail(err.Error())
	}

	if err := sess.Shell(); err != nil {
		sess.Close()
		return nil, errkit.Upstream("shell start failed").WithDetail(err.Error())
	}

	sh := &Shell{
		sess:  sess,
		stdin: stdin,
		out:   make(chan []byte, shellBuffer),
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go sh.pump(stdout, &wg)
	go sh.pump(stderr, &wg)
	go func() {
		wg.Wait()
		close(sh.out)
	}()
	return sh, nil
}

func (s *Shell) pump(r io.Reader, wg *sync.WaitGroup) {
	defer wg.Done()
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			s.out <- chunk
		}
		if err != nil {
			return
		}
	}
}

// Out is the shell's output stream; closed when the remote side ends.
func (s *Shell) Out() <-chan []byte { return s.out }

// Write sends bytes to the remote shell's stdin.
func (s *Shell) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, errkit.Upstream("shell is closed")
	}
	return s.stdin.Write(p)
}

// Closed reports whether Close has been called.
func (s *Shell) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close ends the remote shell. The pump goroutines exit on the read
// error this produces, which closes Out.
func (s *Shell) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.stdin.Close()
	s.sess.Close()
}
