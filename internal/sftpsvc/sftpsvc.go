// Package sftpsvc implements the SFTP Subsystem (spec.md §4.E) on an
// established SSH Transport session, grounded on the sftp.Client/sftp.File
// chunked-copy idiom of other_examples/purpleidea-mgmt's
// Sftp()/SftpCopy()/SftpClean() methods.
package sftpsvc

import (
	"io"
	"os"
	"runtime"

	"github.com/pkg/sftp"

	"github.com/tianshan-edge/sentryd/internal/coreerr"
	"github.com/tianshan-edge/sentryd/internal/sshtransport"
)

// OpenFlag mirrors spec.md §4.E's {READ, WRITE, APPEND, CREATE, TRUNC,
// EXCL} flag set, translated to os.O_* bits for sftp.Client.OpenFile.
type OpenFlag int

const (
	Read OpenFlag = 1 << iota
	Write
	Append
	Create
	Trunc
	Excl
)

func (f OpenFlag) osFlags() int {
	var out int
	switch {
	case f&Read != 0 && f&Write != 0:
		out |= os.O_RDWR
	case f&Write != 0:
		out |= os.O_WRONLY
	default:
		out |= os.O_RDONLY
	}
	if f&Append != 0 {
		out |= os.O_APPEND
	}
	if f&Create != 0 {
		out |= os.O_CREATE
	}
	if f&Trunc != 0 {
		out |= os.O_TRUNC
	}
	if f&Excl != 0 {
		out |= os.O_EXCL
	}
	return out
}

// Stat is the metadata view returned by Subsystem.Stat, per spec.md §3.
type Stat struct {
	Size        int64
	UID         uint32
	GID         uint32
	Permissions os.FileMode
	IsDir       bool
	IsLink      bool
	Atime       int64
	Mtime       int64
}

// Subsystem wraps one sftp.Client bound to a connected Transport session.
type Subsystem struct {
	client *sftp.Client
}

// Open initializes the SFTP subsystem on sess.
func Open(sess *sshtransport.Session) (*Subsystem, error) {
	client := sess.Client()
	if client == nil {
		return nil, coreerr.New(coreerr.InvalidState, "session not connected")
	}
	sc, err := sftp.NewClient(client)
	if err != nil {
		return nil, coreerr.New(coreerr.Internal, "channel_open_failed: %v", err)
	}
	return &Subsystem{client: sc}, nil
}

// Close shuts down the SFTP subsystem.
func (s *Subsystem) Close() error {
	return s.client.Close()
}

// FileOpen opens path with the given flag set. The returned *sftp.File
// satisfies read/write/seek/close directly; callers close it when done.
func (s *Subsystem) FileOpen(path string, flags OpenFlag) (*sftp.File, error) {
	f, err := s.client.OpenFile(path, flags.osFlags())
	if err != nil {
		return nil, coreerr.Wrap(coreerr.IOError, err)
	}
	return f, nil
}

// Stat returns metadata for path.
func (s *Subsystem) Stat(path string) (Stat, error) {
	info, err := s.client.Stat(path)
	if err != nil {
		return Stat{}, coreerr.Wrap(coreerr.IOError, err)
	}
	return toStat(info), nil
}

// Lstat is Stat without following a terminal symlink.
func (s *Subsystem) Lstat(path string) (Stat, error) {
	info, err := s.client.Lstat(path)
	if err != nil {
		return Stat{}, coreerr.Wrap(coreerr.IOError, err)
	}
	return toStat(info), nil
}

func toStat(info os.FileInfo) Stat {
	st := Stat{
		Size:        info.Size(),
		Permissions: info.Mode().Perm(),
		IsDir:       info.IsDir(),
		IsLink:      info.Mode()&os.ModeSymlink != 0,
		Mtime:       info.ModTime().Unix(),
		Atime:       info.ModTime().Unix(),
	}
	if owned, ok := info.Sys().(interface{ Uid() uint32 }); ok {
		st.UID = owned.Uid()
	}
	if owned, ok := info.Sys().(interface{ Gid() uint32 }); ok {
		st.GID = owned.Gid()
	}
	return st
}

// Unlink removes a file.
func (s *Subsystem) Unlink(path string) error {
	if err := s.client.Remove(path); err != nil {
		return coreerr.Wrap(coreerr.IOError, err)
	}
	return nil
}

// Rename moves oldPath to newPath.
func (s *Subsystem) Rename(oldPath, newPath string) error {
	if err := s.client.Rename(oldPath, newPath); err != nil {
		return coreerr.Wrap(coreerr.IOError, err)
	}
	return nil
}

// Mkdir creates a directory.
func (s *Subsystem) Mkdir(path string) error {
	if err := s.client.Mkdir(path); err != nil {
		return coreerr.Wrap(coreerr.IOError, err)
	}
	return nil
}

// Rmdir removes an empty directory.
func (s *Subsystem) Rmdir(path string) error {
	if err := s.client.RemoveDirectory(path); err != nil {
		return coreerr.Wrap(coreerr.IOError, err)
	}
	return nil
}

// DirHandle is an open directory iterator, per spec.md §4.E's
// dir_open/dir_read/dir_close triad.
type DirHandle struct {
	entries []os.FileInfo
	pos     int
}

// DirOpen lists path's entries eagerly (pkg/sftp has no streaming
// directory handle) and returns a cursor DirRead advances over.
func (s *Subsystem) DirOpen(path string) (*DirHandle, error) {
	entries, err := s.client.ReadDir(path)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.IOError, err)
	}
	return &DirHandle{entries: entries}, nil
}

// DirRead returns the next entry, or ok=false at end of directory.
func (d *DirHandle) DirRead() (os.FileInfo, bool) {
	if d.pos >= len(d.entries) {
		return nil, false
	}
	e := d.entries[d.pos]
	d.pos++
	return e, true
}

// DirClose releases the directory cursor.
func (d *DirHandle) DirClose() {
	d.entries = nil
}

const copyChunkSize = 4 << 10

// Progress is called after each chunk of Get/Put with the cumulative byte
// count transferred so far.
type Progress func(transferred int64)

// Get streams remote to local in 4 KiB chunks, yielding the scheduler
// between chunks, per spec.md §4.E.
func (s *Subsystem) Get(remote, local string, progress Progress) (int64, error) {
	src, err := s.client.Open(remote)
	if err != nil {
		return 0, coreerr.Wrap(coreerr.IOError, err)
	}
	defer src.Close()

	dst, err := os.Create(local)
	if err != nil {
		return 0, coreerr.Wrap(coreerr.IOError, err)
	}
	defer dst.Close()

	return copyChunked(dst, src, progress)
}

// Put streams local to remote in 4 KiB chunks.
func (s *Subsystem) Put(local, remote string, progress Progress) (int64, error) {
	src, err := os.Open(local)
	if err != nil {
		return 0, coreerr.Wrap(coreerr.IOError, err)
	}
	defer src.Close()

	dst, err := s.client.Create(remote)
	if err != nil {
		return 0, coreerr.Wrap(coreerr.IOError, err)
	}
	defer dst.Close()

	return copyChunked(dst, src, progress)
}

func copyChunked(dst io.Writer, src io.Reader, progress Progress) (int64, error) {
	buf := make([]byte, copyChunkSize)
	var total int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return total, coreerr.Wrap(coreerr.IOError, werr)
			}
			total += int64(n)
			if progress != nil {
				progress(total)
			}
			runtime.Gosched() // yield the scheduler between chunks
		}
		if rerr == io.EOF {
			return total, nil
		}
		if rerr != nil {
			return total, coreerr.Wrap(coreerr.IOError, rerr)
		}
	}
}

// GetToBuffer reads remote entirely into memory, failing out_of_memory if
// it grows past max.
func (s *Subsystem) GetToBuffer(remote string, max int64) ([]byte, error) {
	src, err := s.client.Open(remote)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.IOError, err)
	}
	defer src.Close()

	limited := io.LimitReader(src, max+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.IOError, err)
	}
	if int64(len(data)) > max {
		return nil, coreerr.New(coreerr.OutOfMemory, "remote file exceeds %d byte ceiling", max)
	}
	return data, nil
}

// PutFromBuffer writes buf to remote in one shot.
func (s *Subsystem) PutFromBuffer(buf []byte, remote string) error {
	dst, err := s.client.Create(remote)
	if err != nil {
		return coreerr.Wrap(coreerr.IOError, err)
	}
	defer dst.Close()
	if _, err := dst.Write(buf); err != nil {
		return coreerr.Wrap(coreerr.IOError, err)
	}
	return nil
}
