package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"kelda/api/errs"
)

type sshSession struct {
	client *ssh.Client
	host   string

	mu     sync.Mutex
	closed bool
}

// chunkWriter accumulates command output and forwards each chunk to
// the streaming callback as it arrives. Both stdout and stderr of the
// remote process point at one writer, so callback chunks concatenate
// to exactly the accumulated output.
type chunkWriter struct {
	mu      sync.Mutex
	buf     []byte
	onChunk func([]byte)
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	// Append and callback happen in one critical section so the
	// streamed chunks arrive in the same order they accumulate.
	if w.onChunk != nil {
		chunk := make([]byte, len(p))
		copy(chunk, p)
		w.onChunk(chunk)
	}
	return len(p), nil
}

func (w *chunkWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return string(w.buf)
}

func (s *sshSession) Run(ctx context.Context, cmd string, opts RunOpts) (string, int, error) {
	sess, err := s.client.NewSession()
	if err != nil {
		return "", -1, fmt.Errorf("new session on %s: %w", s.host, err)
	}
	defer sess.Close()

	out := &chunkWriter{onChunk: opts.OnChunk}
	sess.Stdout = out
	sess.Stderr = out

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() { done <- sess.Run(cmd) }()

	select {
	case <-ctx.Done():
		// Closing the session tears the channel down; the remote
		// process may keep running, there is no cooperative cancel.
		sess.Close()
		<-done
		return out.String(), -1, &errs.TimeoutError{Op: "command", Host: s.host}
	case err = <-done:
	}

	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			code := exitErr.ExitStatus()
			if opts.Strict {
				return out.String(), code, &errs.CommandFailed{Command: cmd, ExitCode: code, Output: out.String()}
			}
			return out.String(), code, nil
		}
		return out.String(), -1, fmt.Errorf("run on %s: %w", s.host, err)
	}
	return out.String(), 0, nil
}

// Upload streams data to remotePath through a shell pipe. The parent
// directory is created first so callers can target fresh paths.
func (s *sshSession) Upload(ctx context.Context, data []byte, remotePath string) error {
	dir := path.Dir(remotePath)
	if _, _, err := s.Run(ctx, fmt.Sprintf("mkdir -p %q", dir), RunOpts{Strict: true, Timeout: 30 * time.Second}); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}

	sess, err := s.client.NewSession()
	if err != nil {
		return fmt.Errorf("new session on %s: %w", s.host, err)
	}
	defer sess.Close()

	stdin, err := sess.StdinPipe()
	if err != nil {
		return err
	}

	if err := sess.Start(fmt.Sprintf("cat > %q", remotePath)); err != nil {
		return fmt.Errorf("start upload to %s: %w", remotePath, err)
	}

	if _, err := stdin.Write(data); err != nil {
		return fmt.Errorf("write upload to %s: %w", remotePath, err)
	}
	stdin.Close()

	if err := sess.Wait(); err != nil {
		return fmt.Errorf("upload to %s: %w", remotePath, err)
	}
	return nil
}

// ShellPipes are the handles of an interactive remote shell.
type ShellPipes struct {
	Stdin  io.WriteCloser
	Stdout io.Reader
	sess   *ssh.Session
}

// Close tears down the shell channel. Guarded per handle so one
// failure does not block the rest of the teardown sequence.
func (p *ShellPipes) Close() {
	if p.Stdin != nil {
		p.Stdin.Close()
	}
	if p.sess != nil {
		p.sess.Close()
	}
}

func (s *sshSession) Shell(cols, rows int) (*ShellPipes, error) {
	sess, err := s.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("new session on %s: %w", s.host, err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1, // remote PTY owns echo
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := sess.RequestPty("xterm", rows, cols, modes); err != nil {
		sess.Close()
		return nil, fmt.Errorf("request pty on %s: %w", s.host, err)
	}

	stdin, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		return nil, err
	}
	// With a PTY allocated the remote merges stderr into the stream.
	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		return nil, err
	}

	if err := sess.Shell(); err != nil {
		sess.Close()
		return nil, fmt.Errorf("start shell on %s: %w", s.host, err)
	}

	return &ShellPipes{Stdin: stdin, Stdout: stdout, sess: sess}, nil
}

func (s *sshSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.client.Close()
}
