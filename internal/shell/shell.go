// Package shell implements the Interactive Shell (spec.md §4.D): PTY
// allocation, bidirectional byte pump, signal injection and resize on top
// of a connected SSH Transport session, grounded on the session/signal
// handling idiom of other_examples/purpleidea-mgmt's remote.go Exec/
// ExecExit methods.
package shell

import (
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/tianshan-edge/sentryd/internal/coreerr"
	"github.com/tianshan-edge/sentryd/internal/sshtransport"
)

// Config describes the PTY to request, per spec.md §4.D.
type Config struct {
	TermType string
	Width    int
	Height   int
}

// DefaultConfig returns the spec's default PTY shape: xterm, 80x24.
func DefaultConfig() Config {
	return Config{TermType: "xterm", Width: 80, Height: 24}
}

// chunk is one block read from the remote shell's combined output stream.
type chunk struct {
	data []byte
	err  error
}

// Shell is a running interactive PTY session.
type Shell struct {
	mu      sync.Mutex
	session *ssh.Session
	stdin   io.WriteCloser
	out     chan chunk
	closed  bool
}

// signalBytes maps the four portable signal names spec.md §4.D names to
// their control-byte equivalent, for maximum terminal compatibility.
var signalBytes = map[string]byte{
	"INT":  0x03,
	"QUIT": 0x1C,
	"TSTP": 0x1A,
	"EOF":  0x04,
}

// Open allocates a channel on sess, requests a PTY, and starts a remote
// shell. Only valid while sess.State() == Connected.
func Open(sess *sshtransport.Session, cfg Config) (*Shell, error) {
	client := sess.Client()
	if client == nil {
		return nil, coreerr.New(coreerr.InvalidState, "session not connected")
	}
	if cfg.TermType == "" {
		cfg.TermType = "xterm"
	}
	if cfg.Width <= 0 {
		cfg.Width = 80
	}
	if cfg.Height <= 0 {
		cfg.Height = 24
	}

	session, err := client.NewSession()
	if err != nil {
		return nil, coreerr.New(coreerr.Internal, "channel_open_failed: %v", err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty(cfg.TermType, cfg.Height, cfg.Width, modes); err != nil {
		session.Close()
		return nil, coreerr.New(coreerr.Internal, "exec_failed: pty request: %v", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, coreerr.New(coreerr.Internal, "exec_failed: stdin pipe: %v", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, coreerr.New(coreerr.Internal, "exec_failed: stdout pipe: %v", err)
	}

	if err := session.Shell(); err != nil {
		session.Close()
		return nil, coreerr.New(coreerr.Internal, "exec_failed: shell: %v", err)
	}

	sh := &Shell{session: session, stdin: stdin, out: make(chan chunk, 64)}
	go sh.pump(stdout)
	return sh, nil
}

func (sh *Shell) pump(r io.Reader) {
	buf := make([]byte, 4<<10)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			b := make([]byte, n)
			copy(b, buf[:n])
			sh.out <- chunk{data: b}
		}
		if err != nil {
			sh.out <- chunk{err: err}
			return
		}
	}
}

// Write sends bytes to the remote shell's stdin.
func (sh *Shell) Write(p []byte) error {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if sh.closed {
		return coreerr.New(coreerr.InvalidState, "shell closed")
	}
	_, err := sh.stdin.Write(p)
	if err != nil {
		return coreerr.New(coreerr.Internal, "exec_failed: write: %v", err)
	}
	return nil
}

// ReadResult tags a Read outcome.
type ReadResult int

const (
	ReadData ReadResult = iota
	ReadTimeout
	ReadEOF
)

// Read waits up to timeout for one chunk of output.
func (sh *Shell) Read(timeout time.Duration) ([]byte, ReadResult) {
	select {
	case c, ok := <-sh.out:
		if !ok {
			return nil, ReadEOF
		}
		if c.err != nil {
			return nil, ReadEOF
		}
		return c.data, ReadData
	case <-time.After(timeout):
		return nil, ReadTimeout
	}
}

// getInputTimeout bounds how long Run waits for input each turn.
const getInputTimeout = 10 * time.Millisecond

// Run drives the cooperative read/write loop: poll getInput for up to one
// chunk, drain output until it would block, then check for EOF. It
// returns when the remote side closes the channel.
func (sh *Shell) Run(onOutput func([]byte), getInput func(time.Duration) ([]byte, bool)) {
	for {
		if in, ok := getInput(getInputTimeout); ok && len(in) > 0 {
			_ = sh.Write(in)
		}

		for {
			select {
			case c, ok := <-sh.out:
				if !ok || c.err != nil {
					return
				}
				onOutput(c.data)
				continue
			default:
			}
			break
		}
	}
}

// Resize injects a PTY-size change request.
func (sh *Shell) Resize(width, height int) error {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if sh.closed {
		return coreerr.New(coreerr.InvalidState, "shell closed")
	}
	if err := sh.session.WindowChange(height, width); err != nil {
		return coreerr.New(coreerr.Internal, "exec_failed: resize: %v", err)
	}
	return nil
}

// Signal delivers one of INT/QUIT/TSTP/EOF as its control byte. Any other
// name reports Unsupported, per spec.md §4.D / SPEC_FULL.md §4.
func (sh *Shell) Signal(name string) error {
	b, ok := signalBytes[name]
	if !ok {
		return coreerr.New(coreerr.Unsupported, "signal %q not supported", name)
	}
	return sh.Write([]byte{b})
}

// Close terminates the shell and releases the underlying channel.
func (sh *Shell) Close() error {
	sh.mu.Lock()
	if sh.closed {
		sh.mu.Unlock()
		return nil
	}
	sh.closed = true
	sh.mu.Unlock()

	_ = sh.stdin.Close()
	return sh.session.Close()
}
