package shell

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

// startEchoServer accepts one session, grants a PTY and shell, and echoes
// every line of stdin back to stdout prefixed with "echo: ".
func startEchoServer(t *testing.T) string {
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
			go handleEchoConn(conn, config)
		}
	}()
	return ln.Addr().String()
}

func handleEchoConn(conn net.Conn, config *ssh.ServerConfig) {
	sshConn, chans, reqs, err := ssh.NewServerConn(conn, config)
	if err != nil {
		return
	}
	defer sshConn.Close()
	go ssh.DiscardRequests(reqs)

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			newChan.Reject(ssh.UnknownChannelType, "unsupported")
			continue
		}
		channel, requests, err := newChan.Accept()
		if err != nil {
			continue
		}
		go func() {
			defer channel.Close()
			for req := range requests {
				switch req.Type {
				case "pty-req", "shell", "window-change":
					if req.WantReply {
						req.Reply(true, nil)
					}
					if req.Type == "shell" {
						go echoLoop(channel)
					}
				default:
					if req.WantReply {
						req.Reply(false, nil)
					}
				}
			}
		}()
	}
}

func echoLoop(channel ssh.Channel) {
	buf := make([]byte, 1)
	var line []byte
	for {
		n, err := channel.Read(buf)
		if n > 0 {
			b := buf[0]
			if b == '\n' || b == 0x03 || b == 0x04 {
				channel.Write(append([]byte("echo: "), line...))
				channel.Write([]byte("\n"))
				line = nil
				if b == 0x04 {
					return
				}
				continue
			}
			line = append(line, b)
		}
		if err != nil {
			return
		}
	}
}

func dialShell(t *testing.T, addr string) *Shell {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	sess := sshtransport.NewSession(sshtransport.Config{Host: host, Port: port, Username: "tester", Password: "unused"})
	require.NoError(t, sess.Connect(context.Background()))

	sh, err := Open(sess, DefaultConfig())
	require.NoError(t, err)
	return sh
}

func TestWriteAndReadEcho(t *testing.T) {
	addr := startEchoServer(t)
	sh := dialShell(t, addr)
	defer sh.Close()

	require.NoError(t, sh.Write([]byte("hello\n")))

	data, res := sh.Read(2 * time.Second)
	require.Equal(t, ReadData, res)
	require.Contains(t, string(data), "echo: hello")
}

func TestSignalUnsupported(t *testing.T) {
	addr := startEchoServer(t)
	sh := dialShell(t, addr)
	defer sh.Close()

	require.NoError(t, sh.Signal("INT"))
	err := sh.Signal("HUP")
	require.Error(t, err)
}

func TestResize(t *testing.T) {
	addr := startEchoServer(t)
	sh := dialShell(t, addr)
	defer sh.Close()

	require.NoError(t, sh.Resize(100, 40))
}

func TestReadTimeout(t *testing.T) {
	addr := startEchoServer(t)
	sh := dialShell(t, addr)
	defer sh.Close()

	_, res := sh.Read(50 * time.Millisecond)
	require.Equal(t, ReadTimeout, res)
}
