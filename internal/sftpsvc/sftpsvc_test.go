package sftpsvc

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/pkg/sftp"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/tianshan-edge/sentryd/internal/sshtransport"
)

// startSFTPServer accepts one session channel, serves the "sftp"
// subsystem with a real filesystem-backed sftp.Server.
func startSFTPServer(t *testing.T) string {
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
			go handleSFTPConn(conn, config)
		}
	}()
	return ln.Addr().String()
}

func handleSFTPConn(conn net.Conn, config *ssh.ServerConfig) {
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
			for req := range requests {
				if req.Type == "subsystem" && string(req.Payload[4:]) == "sftp" {
					req.Reply(true, nil)
					server, err := sftp.NewServer(channel)
					if err == nil {
						server.Serve()
					}
					return
				}
				if req.WantReply {
					req.Reply(false, nil)
				}
			}
		}()
	}
}

func dialSubsystem(t *testing.T, addr string) *Subsystem {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	sess := sshtransport.NewSession(sshtransport.Config{Host: host, Port: port, Username: "tester", Password: "unused"})
	require.NoError(t, sess.Connect(context.Background()))

	sub, err := Open(sess)
	require.NoError(t, err)
	return sub
}

func TestPutGetRoundTrip(t *testing.T) {
	addr := startSFTPServer(t)
	sub := dialSubsystem(t, addr)
	defer sub.Close()

	dir := t.TempDir()
	localSrc := filepath.Join(dir, "src.txt")
	localDst := filepath.Join(dir, "dst.txt")
	remote := filepath.Join(dir, "remote.txt")
	require.NoError(t, os.WriteFile(localSrc, []byte("hello sftp"), 0o644))

	var lastProgress int64
	n, err := sub.Put(localSrc, remote, func(t int64) { lastProgress = t })
	require.NoError(t, err)
	require.Equal(t, int64(len("hello sftp")), n)
	require.Equal(t, n, lastProgress)

	n, err = sub.Get(remote, localDst, nil)
	require.NoError(t, err)
	require.Equal(t, int64(len("hello sftp")), n)

	data, err := os.ReadFile(localDst)
	require.NoError(t, err)
	require.Equal(t, "hello sftp", string(data))
}

func TestStatMkdirRmdir(t *testing.T) {
	addr := startSFTPServer(t)
	sub := dialSubsystem(t, addr)
	defer sub.Close()

	dir := t.TempDir()
	sub0 := filepath.Join(dir, "child")
	require.NoError(t, sub.Mkdir(sub0))

	st, err := sub.Stat(sub0)
	require.NoError(t, err)
	require.True(t, st.IsDir)

	require.NoError(t, sub.Rmdir(sub0))
	_, err = sub.Stat(sub0)
	require.Error(t, err)
}

func TestUnlinkAndRename(t *testing.T) {
	addr := startSFTPServer(t)
	sub := dialSubsystem(t, addr)
	defer sub.Close()

	dir := t.TempDir()
	a := filepath.Join(dir, "a.txt")
	b := filepath.Join(dir, "b.txt")
	require.NoError(t, os.WriteFile(a, []byte("x"), 0o644))

	require.NoError(t, sub.Rename(a, b))
	_, err := sub.Stat(a)
	require.Error(t, err)
	_, err = sub.Stat(b)
	require.NoError(t, err)

	require.NoError(t, sub.Unlink(b))
	_, err = sub.Stat(b)
	require.Error(t, err)
}

func TestDirOpenReadClose(t *testing.T) {
	addr := startSFTPServer(t)
	sub := dialSubsystem(t, addr)
	defer sub.Close()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "one.txt"), []byte("1"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "two.txt"), []byte("2"), 0o644))

	handle, err := sub.DirOpen(dir)
	require.NoError(t, err)
	defer handle.DirClose()

	count := 0
	for {
		_, ok := handle.DirRead()
		if !ok {
			break
		}
		count++
	}
	require.Equal(t, 2, count)
}

func TestGetToBufferSizeExceeded(t *testing.T) {
	addr := startSFTPServer(t)
	sub := dialSubsystem(t, addr)
	defer sub.Close()

	dir := t.TempDir()
	remote := filepath.Join(dir, "big.txt")
	require.NoError(t, os.WriteFile(remote, []byte("0123456789"), 0o644))

	_, err := sub.GetToBuffer(remote, 4)
	require.Error(t, err)

	data, err := sub.GetToBuffer(remote, 100)
	require.NoError(t, err)
	require.Equal(t, "0123456789", string(data))
}

func TestPutFromBuffer(t *testing.T) {
	addr := startSFTPServer(t)
	sub := dialSubsystem(t, addr)
	defer sub.Close()

	dir := t.TempDir()
	remote := filepath.Join(dir, "buf.txt")
	require.NoError(t, sub.PutFromBuffer([]byte("from buffer"), remote))

	data, err := os.ReadFile(remote)
	require.NoError(t, err)
	require.Equal(t, "from buffer", string(data))
}

func TestFileOpenReadWrite(t *testing.T) {
	addr := startSFTPServer(t)
	sub := dialSubsystem(t, addr)
	defer sub.Close()

	dir := t.TempDir()
	path := filepath.Join(dir, "handle.txt")

	f, err := sub.FileOpen(path, Write|Create|Trunc)
	require.NoError(t, err)
	_, err = f.Write([]byte("abc"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	f2, err := sub.FileOpen(path, Read)
	require.NoError(t, err)
	defer f2.Close()
	buf := make([]byte, 3)
	n, err := f2.Read(buf)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Equal(t, "abc", string(buf))
}
