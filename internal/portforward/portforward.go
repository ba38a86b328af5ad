// Package portforward implements the Port Forwarder (spec.md §4.F): a
// local listener that relays each accepted connection to a remote
// endpoint over a direct-tcpip SSH channel, grounded on the accept-loop
// and bidirectional io.Copy pump of other_examples/purpleidea-mgmt's
// Tunnel/forward/TunnelClose methods, adapted from a reverse (ssh -R)
// listener to a local one dialing out through the SSH client.
package portforward

import (
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/tianshan-edge/sentryd/internal/coreerr"
	"github.com/tianshan-edge/sentryd/internal/sshtransport"
)

// Config names the local bind and remote target, per spec.md §4.F.
type Config struct {
	LocalHost  string
	LocalPort  int
	RemoteHost string
	RemotePort int
}

// Stats mirrors the get_stats reply spec.md §4.F defines.
type Stats struct {
	ActiveConnections int64
	TotalConnections  int64
	BytesSent         int64
	BytesReceived     int64
}

// Forwarder owns one local listener and its in-flight connection pumps.
type Forwarder struct {
	cfg  Config
	sess *sshtransport.Session

	mu       sync.Mutex
	listener net.Listener
	eg       *errgroup.Group

	activeConns   int64
	totalConns    int64
	bytesSent     int64
	bytesReceived int64
}

// New creates a Forwarder bound to sess, not yet listening.
func New(sess *sshtransport.Session, cfg Config) *Forwarder {
	return &Forwarder{sess: sess, cfg: cfg}
}

// Start binds the local listener and begins accepting connections.
// Calling Start twice without an intervening Stop is a no-op error.
func (f *Forwarder) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listener != nil {
		return coreerr.New(coreerr.InvalidState, "forwarder already started")
	}

	addr := fmt.Sprintf("%s:%d", f.cfg.LocalHost, f.cfg.LocalPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return coreerr.Wrap(coreerr.IOError, err)
	}
	f.listener = ln
	f.eg = &errgroup.Group{}

	f.eg.Go(func() error {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return nil
			}
			atomic.AddInt64(&f.totalConns, 1)
			f.eg.Go(func() error {
				f.handleConn(conn)
				return nil
			})
		}
	})
	return nil
}

func (f *Forwarder) handleConn(local net.Conn) {
	defer local.Close()

	client := f.sess.Client()
	if client == nil {
		return
	}
	remoteAddr := fmt.Sprintf("%s:%d", f.cfg.RemoteHost, f.cfg.RemotePort)
	remote, err := client.Dial("tcp", remoteAddr)
	if err != nil {
		return
	}
	defer remote.Close()

	atomic.AddInt64(&f.activeConns, 1)
	defer atomic.AddInt64(&f.activeConns, -1)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		n, _ := io.Copy(remote, local)
		atomic.AddInt64(&f.bytesSent, n)
	}()
	go func() {
		defer wg.Done()
		n, _ := io.Copy(local, remote)
		atomic.AddInt64(&f.bytesReceived, n)
	}()
	wg.Wait()
}

// Stop closes the listener and waits for in-flight pumps to drain.
func (f *Forwarder) Stop() error {
	f.mu.Lock()
	ln := f.listener
	eg := f.eg
	f.mu.Unlock()
	if ln == nil {
		return nil
	}
	err := ln.Close()
	if eg != nil {
		eg.Wait()
	}
	f.mu.Lock()
	f.listener = nil
	f.eg = nil
	f.mu.Unlock()
	if err != nil {
		return coreerr.Wrap(coreerr.IOError, err)
	}
	return nil
}

// Destroy stops the forwarder; it is equivalent to Stop.
func (f *Forwarder) Destroy() error {
	return f.Stop()
}

// GetStats returns a snapshot of the forwarder's traffic counters.
func (f *Forwarder) GetStats() Stats {
	return Stats{
		ActiveConnections: atomic.LoadInt64(&f.activeConns),
		TotalConnections:  atomic.LoadInt64(&f.totalConns),
		BytesSent:         atomic.LoadInt64(&f.bytesSent),
		BytesReceived:     atomic.LoadInt64(&f.bytesReceived),
	}
}
