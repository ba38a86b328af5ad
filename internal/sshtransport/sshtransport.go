// Package sshtransport implements the SSH Transport state machine
// (spec.md §4.C): connect/authenticate/exec/exec_stream/abort/disconnect
// over golang.org/x/crypto/ssh, grounded on the ssh.ClientConfig
// construction and auth-fallback idiom of
// other_examples/jbouey-msp-flake's sshexec executor and the
// exec/exit-code handling of other_examples/purpleidea-mgmt's remote.go.
package sshtransport

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/tianshan-edge/sentryd/internal/coreerr"
	"github.com/tianshan-edge/sentryd/internal/knownhosts"
)

// State is one of the SSH Transport's lifecycle states.
type State int

const (
	Disconnected State = iota
	Connecting
	Authenticating
	Connected
	Error
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Authenticating:
		return "authenticating"
	case Connected:
		return "connected"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// TrustDecision is consulted when the Known-Hosts Store reports not_found
// for a server's host key; returning true accepts and persists it (TOFU).
type TrustDecision func(host string, port int, fingerprint, keyType string) bool

// Config configures one Session. An in-memory private-key buffer takes
// priority over Password. A non-empty PrivateKeyPath is not read: Connect
// fails with InvalidArgument when one is set without PrivateKeyPEM.
type Config struct {
	Host           string
	Port           int
	Username       string
	Password       string
	PrivateKeyPEM  []byte
	PrivateKeyPath string
	ConnectTimeout time.Duration
	MaxOutputBytes int // SPEC_FULL.md §4 buffer-growth ceiling; 0 means DefaultMaxOutputBytes

	KnownHosts *knownhosts.Store
	OnTrust    TrustDecision
}

// DefaultMaxOutputBytes bounds exec's stdout/stderr growth when Config
// doesn't set one explicitly.
const DefaultMaxOutputBytes = 16 << 20 // 16 MiB

const defaultConnectTimeout = 15 * time.Second

// Session is one SSH Transport connection. Each owns one TCP socket, one
// *ssh.Client, copies of its auth configuration, a last-error string and
// an abort flag, per spec.md §4.C.
type Session struct {
	mu        sync.Mutex
	cfg       Config
	state     State
	client    *ssh.Client
	lastError string
	aborted   atomic.Bool
}

// NewSession allocates a Session in the Disconnected state.
func NewSession(cfg Config) *Session {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = DefaultMaxOutputBytes
	}
	return &Session{cfg: cfg, state: Disconnected}
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastError returns the last recorded failure message, if any.
func (s *Session) LastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastError
}

// Abort sets the session's abort flag. Connect checks it before it starts
// and again after the TCP dial; ExecStream's output pumps check it before
// each read. A handshake or a read already in progress is not interrupted.
func (s *Session) Abort() {
	s.aborted.Store(true)
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// fail records st/msg as the session's terminal state and returns a
// Kind-tagged error so callers (and UIs, per spec.md §7) can distinguish
// a trust mismatch or auth failure from a generic connect failure
// instead of collapsing every Connect error to coreerr.Internal.
func (s *Session) fail(kind coreerr.Kind, st State, msg string) error {
	s.mu.Lock()
	s.state = st
	s.lastError = msg
	s.mu.Unlock()
	return coreerr.New(kind, "%s", msg)
}

// Connect performs DNS resolution (falling back to raw-address parsing),
// socket setup with a connect timeout, protocol handshake, then
// authentication.
func (s *Session) Connect(ctx context.Context) error {
	if s.aborted.Load() {
		return coreerr.New(coreerr.Aborted, "connect aborted before start")
	}
	s.setState(Connecting)

	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return s.fail(coreerr.InvalidArgument, Error, fmt.Sprintf("resolve_failed: %v", err))
	}

	authMethods, err := s.buildAuthMethods()
	if err != nil {
		kind, ok := coreerr.KindOf(err)
		if !ok {
			kind = coreerr.AuthFailed
		}
		return s.fail(kind, Error, fmt.Sprintf("auth_failed: %v", err))
	}

	clientConfig := &ssh.ClientConfig{
		User:            s.cfg.Username,
		Auth:            authMethods,
		HostKeyCallback: s.hostKeyCallback(),
		Timeout:         s.cfg.ConnectTimeout,
	}

	dialer := net.Dialer{Timeout: s.cfg.ConnectTimeout}
	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	conn, err := dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return s.fail(coreerr.IOError, Error, fmt.Sprintf("connect_failed: %v", err))
	}
	if s.aborted.Load() {
		conn.Close()
		return s.fail(coreerr.Aborted, Disconnected, "aborted")
	}

	s.setState(Authenticating)
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, clientConfig)
	if err != nil {
		conn.Close()
		switch {
		case isAuthError(err):
			return s.fail(coreerr.AuthFailed, Error, fmt.Sprintf("auth_failed: %v", err))
		case isTrustMismatchError(err):
			return s.fail(coreerr.TrustMismatch, Error, fmt.Sprintf("handshake_failed: %v", err))
		default:
			return s.fail(coreerr.Internal, Error, fmt.Sprintf("handshake_failed: %v", err))
		}
	}

	s.mu.Lock()
	s.client = ssh.NewClient(sshConn, chans, reqs)
	s.state = Connected
	s.mu.Unlock()
	return nil
}

func (s *Session) buildAuthMethods() ([]ssh.AuthMethod, error) {
	switch {
	case len(s.cfg.PrivateKeyPEM) > 0:
		signer, err := ssh.ParsePrivateKey(s.cfg.PrivateKeyPEM)
		if err != nil {
			return nil, coreerr.New(coreerr.Unsupported, "key_type_unsupported: %v", err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	case s.cfg.PrivateKeyPath != "":
		return nil, coreerr.New(coreerr.InvalidArgument, "private key path auth requires caller to load bytes via the Key Store")
	case s.cfg.Password != "":
		return []ssh.AuthMethod{ssh.Password(s.cfg.Password)}, nil
	default:
		return nil, coreerr.New(coreerr.AuthFailed, "no authentication method configured")
	}
}

func isAuthError(err error) bool {
	if err == nil {
		return false
	}
	if _, ok := err.(*ssh.PassphraseMissingError); ok {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "unable to authenticate") || strings.Contains(msg, "no supported methods remain")
}

// isTrustMismatchError reports whether err originated from
// hostKeyCallback's coreerr.TrustMismatch return. x/crypto/ssh's
// handshake transport re-wraps the HostKeyCallback error with fmt.Errorf
// ("%v", not "%w") on its way back out of NewClientConn, which breaks
// errors.Unwrap/coreerr.Is; the Kind tag survives in the flattened
// message instead (kindError.Error() prefixes with the Kind string), so
// checking for that prefix is the one path that works at both call
// sites.
func isTrustMismatchError(err error) bool {
	if err == nil {
		return false
	}
	if _, ok := coreerr.KindOf(err); ok {
		return coreerr.Is(err, coreerr.TrustMismatch)
	}
	return strings.Contains(err.Error(), string(coreerr.TrustMismatch))
}

// hostKeyCallback wires the Known-Hosts Store's TOFU verification into
// ssh.ClientConfig.HostKeyCallback.
func (s *Session) hostKeyCallback() ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		if s.cfg.KnownHosts == nil {
			return nil // no trust store configured; caller accepted the risk
		}
		fp := knownhosts.Fingerprint(key)
		switch s.cfg.KnownHosts.Verify(s.cfg.Host, s.cfg.Port, fp, key.Type()) {
		case knownhosts.OK:
			return nil
		case knownhosts.Mismatch:
			return coreerr.New(coreerr.TrustMismatch, "host key mismatch for %s:%d", s.cfg.Host, s.cfg.Port)
		case knownhosts.NotFound:
			if s.cfg.OnTrust != nil && s.cfg.OnTrust(s.cfg.Host, s.cfg.Port, fp, key.Type()) {
				_ = s.cfg.KnownHosts.Add(context.Background(), s.cfg.Host, s.cfg.Port, fp, key.Type())
				return nil
			}
			return coreerr.New(coreerr.TrustMismatch, "host key for %s:%d not trusted", s.cfg.Host, s.cfg.Port)
		default:
			return coreerr.New(coreerr.Internal, "unreachable trust verdict")
		}
	}
}

// Client returns the underlying *ssh.Client for peer consumers (Shell,
// SFTP Subsystem, Port Forwarder). Only valid while State() == Connected.
func (s *Session) Client() *ssh.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}

// ExecResult is the outcome of Exec.
type ExecResult struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Exec opens a channel, issues the exec request, then alternately drains
// stdout and stderr, growing each buffer geometrically from 4 KiB/1 KiB
// starting sizes until MaxOutputBytes, per spec.md §4.C.
func (s *Session) Exec(ctx context.Context, command string) (ExecResult, error) {
	client := s.Client()
	if client == nil {
		return ExecResult{}, coreerr.New(coreerr.InvalidState, "session not connected")
	}

	session, err := client.NewSession()
	if err != nil {
		return ExecResult{}, coreerr.New(coreerr.Internal, "channel_open_failed: %v", err)
	}
	defer session.Close()

	stdout := newGrowBuffer(4<<10, s.cfg.MaxOutputBytes)
	stderr := newGrowBuffer(1<<10, s.cfg.MaxOutputBytes)
	session.Stdout = stdout
	session.Stderr = stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		return ExecResult{}, coreerr.New(coreerr.Timeout, "exec timed out: %v", ctx.Err())
	case runErr := <-done:
		if stdout.overflowed || stderr.overflowed {
			return ExecResult{}, coreerr.New(coreerr.OutOfMemory, "exec output exceeded %d bytes", s.cfg.MaxOutputBytes)
		}
		exitCode := 0
		if runErr != nil {
			if exitErr, ok := runErr.(*ssh.ExitError); ok {
				exitCode = exitErr.ExitStatus()
			} else {
				return ExecResult{}, coreerr.New(coreerr.Internal, "exec_failed: %v", runErr)
			}
		}
		return ExecResult{Stdout: stdout.Bytes(), Stderr: stderr.Bytes(), ExitCode: exitCode}, nil
	}
}

// StreamChunk is delivered by ExecStream for every block of output.
type StreamChunk struct {
	Stream string // "stdout" or "stderr"
	Data   []byte
}

// ExecStream runs command, delivering output through onChunk as it
// arrives. Each output pump checks the abort flag before its next read
// and stops once it is set; ExecStream returns aborted when the remote
// command has exited and Abort was called.
func (s *Session) ExecStream(ctx context.Context, command string, onChunk func(StreamChunk)) (int, error) {
	client := s.Client()
	if client == nil {
		return 0, coreerr.New(coreerr.InvalidState, "session not connected")
	}

	session, err := client.NewSession()
	if err != nil {
		return 0, coreerr.New(coreerr.Internal, "channel_open_failed: %v", err)
	}
	defer session.Close()

	stdoutPipe, err := session.StdoutPipe()
	if err != nil {
		return 0, coreerr.New(coreerr.Internal, "channel_open_failed: %v", err)
	}
	stderrPipe, err := session.StderrPipe()
	if err != nil {
		return 0, coreerr.New(coreerr.Internal, "channel_open_failed: %v", err)
	}

	if err := session.Start(command); err != nil {
		return 0, coreerr.New(coreerr.Internal, "exec_failed: %v", err)
	}

	var wg sync.WaitGroup
	pump := func(name string, r io.Reader) {
		defer wg.Done()
		buf := make([]byte, 4<<10)
		for {
			if s.aborted.Load() {
				return
			}
			n, rerr := r.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				onChunk(StreamChunk{Stream: name, Data: chunk})
			}
			if rerr != nil {
				return
			}
		}
	}
	wg.Add(2)
	go pump("stdout", stdoutPipe)
	go pump("stderr", stderrPipe)

	waitDone := make(chan error, 1)
	go func() { wg.Wait(); waitDone <- session.Wait() }()

	select {
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		return 0, coreerr.New(coreerr.Timeout, "exec_stream timed out: %v", ctx.Err())
	case runErr := <-waitDone:
		if s.aborted.Load() {
			return 0, coreerr.New(coreerr.Aborted, "exec_stream aborted")
		}
		if runErr != nil {
			if exitErr, ok := runErr.(*ssh.ExitError); ok {
				return exitErr.ExitStatus(), nil
			}
			return 0, coreerr.New(coreerr.Internal, "exec_failed: %v", runErr)
		}
		return 0, nil
	}
}

// Disconnect sends a disconnect, closes the socket, frees protocol state.
// Idempotent: disconnecting an already-disconnected session is a no-op.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	client := s.client
	s.client = nil
	s.state = Disconnected
	s.mu.Unlock()

	if client == nil {
		return nil
	}
	return client.Close()
}

// growBuffer grows geometrically from an initial size, capping at max and
// recording overflow instead of panicking, per spec.md §4.C / SPEC_FULL.md §4.
type growBuffer struct {
	buf        []byte
	max        int
	overflowed bool
}

func newGrowBuffer(initial, max int) *growBuffer {
	return &growBuffer{buf: make([]byte, 0, initial), max: max}
}

func (g *growBuffer) Write(p []byte) (int, error) {
	if g.overflowed {
		return len(p), nil
	}
	if len(g.buf)+len(p) > g.max {
		g.overflowed = true
		return len(p), nil
	}
	g.buf = append(g.buf, p...)
	return len(p), nil
}

func (g *growBuffer) Bytes() []byte { return g.buf }
