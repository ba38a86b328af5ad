package portforward

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/tianshan-edge/sentryd/internal/sshtransport"
)

// directTCPIPMsg mirrors the RFC 4254 §7.2 payload of a "direct-tcpip"
// channel-open request, the wire shape golang.org/x/crypto/ssh's own
// client-side Dial encodes when asking a server to relay a connection.
type directTCPIPMsg struct {
	Raddr string
	Rport uint32
	Laddr string
	Lport uint32
}

// startRelayServer accepts direct-tcpip channel-open requests and dials
// the requested remote address on behalf of the client, echoing whatever
// it relays back unmodified (pure TCP passthrough) so the test target
// just has to be any TCP listener.
func startRelayServer(t *testing.T) string {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromSigner(priv)
	require.NoError(t, err)

	config := &ssh.ServerConfig{NoClientAuth: true}
	config.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go handleRelayConn(conn, config)
		}
	}()
	return ln.Addr().String()
}

func handleRelayConn(conn net.Conn, config *ssh.ServerConfig) {
	sshConn, chans, reqs, err := ssh.NewServerConn(conn, config)
	if err != nil {
		return
	}
	defer sshConn.Close()
	go ssh.DiscardRequests(reqs)

	for newChan := range chans {
		if newChan.ChannelType() != "direct-tcpip" {
			newChan.Reject(ssh.UnknownChannelType, "unsupported")
			continue
		}
		var msg directTCPIPMsg
		if err := ssh.Unmarshal(newChan.ExtraData(), &msg); err != nil {
			newChan.Reject(ssh.ConnectionFailed, "bad payload")
			continue
		}
		target, err := net.Dial("tcp", net.JoinHostPort(msg.Raddr, strconv.Itoa(int(msg.Rport))))
		if err != nil {
			newChan.Reject(ssh.ConnectionFailed, "dial failed")
			continue
		}
		channel, requests, err := newChan.Accept()
		if err != nil {
			target.Close()
			continue
		}
		go ssh.DiscardRequests(requests)
		go pipe(channel, target)
	}
}

func pipe(channel ssh.Channel, target net.Conn) {
	done := make(chan struct{}, 2)
	go func() {
		ioCopy(target, channel)
		done <- struct{}{}
	}()
	go func() {
		ioCopy(channel, target)
		done <- struct{}{}
	}()
	<-done
	channel.Close()
	target.Close()
}

func ioCopy(dst interface{ Write([]byte) (int, error) }, src interface{ Read([]byte) (int, error) }) {
	buf := make([]byte, 4096)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func startEchoTarget(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 4096)
				for {
					n, err := c.Read(buf)
					if n > 0 {
						c.Write(buf[:n])
					}
					if err != nil {
						return
					}
				}
			}(conn)
		}
	}()
	return ln.Addr().String()
}

func dialSessionForRelay(t *testing.T, addr string) *sshtransport.Session {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	sess := sshtransport.NewSession(sshtransport.Config{Host: host, Port: port, Username: "tester", Password: "unused"})
	require.NoError(t, sess.Connect(context.Background()))
	return sess
}

func TestForwardRelaysTraffic(t *testing.T) {
	relayAddr := startRelayServer(t)
	targetAddr := startEchoTarget(t)
	targetHost, targetPortStr, err := net.SplitHostPort(targetAddr)
	require.NoError(t, err)
	targetPort, err := strconv.Atoi(targetPortStr)
	require.NoError(t, err)

	sess := dialSessionForRelay(t, relayAddr)
	defer sess.Disconnect()

	fwd := New(sess, Config{LocalHost: "127.0.0.1", LocalPort: 0, RemoteHost: targetHost, RemotePort: targetPort})
	fwdLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	localHost, localPortStr, err := net.SplitHostPort(fwdLn.Addr().String())
	require.NoError(t, err)
	localPort, err := strconv.Atoi(localPortStr)
	require.NoError(t, err)
	require.NoError(t, fwdLn.Close())
	fwd.cfg.LocalHost = localHost
	fwd.cfg.LocalPort = localPort

	require.NoError(t, fwd.Start())
	defer fwd.Stop()

	conn, err := net.Dial("tcp", net.JoinHostPort(localHost, localPortStr))
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)

	buf := make([]byte, 4)
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	n, err := conn.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "ping", string(buf[:n]))

	time.Sleep(50 * time.Millisecond)
	stats := fwd.GetStats()
	require.Equal(t, int64(1), stats.TotalConnections)
	require.GreaterOrEqual(t, stats.BytesSent, int64(4))
	require.GreaterOrEqual(t, stats.BytesReceived, int64(4))
}

func TestStartTwiceErrors(t *testing.T) {
	relayAddr := startRelayServer(t)
	sess := dialSessionForRelay(t, relayAddr)
	defer sess.Disconnect()

	fwd := New(sess, Config{LocalHost: "127.0.0.1", LocalPort: 0, RemoteHost: "127.0.0.1", RemotePort: 1})
	require.NoError(t, fwd.Start())
	defer fwd.Stop()
	require.Error(t, fwd.Start())
}

func TestStopWithoutStart(t *testing.T) {
	fwd := New(nil, Config{})
	require.NoError(t, fwd.Stop())
}
