// Package gateway is the remote-execution layer: authenticated SSH
// sessions to registered servers, command execution with streaming
// output, file upload and privilege escalation. Every orchestrator
// step goes through this package rather than dialing on its own.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"kelda/api/errs"
	"kelda/api/model"
)

const DefaultConnectTimeout = 10 * time.Second

// Target identifies one remote machine and its credentials.
type Target struct {
	Host       string
	Port       int
	Username   string
	Password   string
	PrivateKey string // PEM text, empty when password-only
}

// TargetFor builds a Target from a registered server record.
func TargetFor(s *model.ServerRecord) Target {
	return Target{
		Host:       s.Host,
		Port:       s.Port,
		Username:   s.Username,
		Password:   s.Password,
		PrivateKey: s.PrivateKey,
	}
}

// Dialer opens sessions. The concrete implementation dials SSH; tests
// substitute fakes.
type Dialer interface {
	Dial(ctx context.Context, t Target) (Session, error)
}

// Session is one authenticated connection. Sessions are never pooled:
// each remote operation opens and closes its own.
type Session interface {
	Run(ctx context.Context, cmd string, opts RunOpts) (string, int, error)
	Upload(ctx context.Context, data []byte, remotePath string) error
	Shell(cols, rows int) (*ShellPipes, error)
	Close() error
}

// RunOpts controls one command execution.
type RunOpts struct {
	Timeout time.Duration // 0 means no per-command deadline
	OnChunk func([]byte)  // live output, called before completion
	Strict  bool          // non-zero exit becomes *errs.CommandFailed
}

// SudoPolicy is the escalation decision made by the call site that
// issues a mutating command. The gateway never infers it from the
// command text.
type SudoPolicy struct {
	Nopasswd bool
	Password string
}

// Wrap applies the policy to cmd. With no usable escalation path the
// command runs unprivileged; preflight checks rely on that fallback.
func (p SudoPolicy) Wrap(cmd string) string {
	switch {
	case p.Nopasswd:
		return "sudo " + cmd
	case p.Password != "":
		return fmt.Sprintf("echo %s | sudo -S %s", shellQuote(p.Password), cmd)
	default:
		return cmd
	}
}

// shellQuote single-quotes s for a POSIX shell. Embedded single quotes
// terminate the quoting, emit an escaped quote and reopen.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// SSHDialer is the production Dialer backed by golang.org/x/crypto/ssh.
type SSHDialer struct {
	ConnectTimeout time.Duration
}

func (d *SSHDialer) Dial(ctx context.Context, t Target) (Session, error) {
	timeout := d.ConnectTimeout
	if timeout == 0 {
		timeout = DefaultConnectTimeout
	}

	addr := fmt.Sprintf("%s:%d", t.Host, port(t.Port))

	// Key auth first when a key exists, password fallback after.
	var lastErr error
	for _, auth := range authMethods(t) {
		cfg := &ssh.ClientConfig{
			User:            t.Username,
			Auth:            []ssh.AuthMethod{auth},
			HostKeyCallback: ssh.InsecureIgnoreHostKey(),
			Timeout:         timeout,
		}
		client, err := ssh.Dial("tcp", addr, cfg)
		if err == nil {
			return &sshSession{client: client, host: t.Host}, nil
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, &errs.TimeoutError{Op: "connect", Host: t.Host}
		}
		lastErr = err
	}

	if lastErr == nil {
		return nil, &errs.AuthError{Host: t.Host, Reason: "no credential available"}
	}
	return nil, &errs.AuthError{Host: t.Host, Reason: lastErr.Error()}
}

func authMethods(t Target) []ssh.AuthMethod {
	var methods []ssh.AuthMethod
	if t.PrivateKey != "" {
		if signer, err := ssh.ParsePrivateKey([]byte(t.PrivateKey)); err == nil {
			methods = append(methods, ssh.PublicKeys(signer))
		}
	}
	if t.Password != "" {
		methods = append(methods, ssh.Password(t.Password))
	}
	return methods
}

func port(p int) int {
	if p == 0 {
		return 22
	}
	return p
}
