package contentsync

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// FS is the file system content files are installed into. Rename must fail
// when newname already exists; the queue never relies on rename replacing
// a file.
type FS interface {
	Stat(name string) (fs.FileInfo, error)
	Open(name string) (io.ReadCloser, error)
	// Create truncates or creates name for writing. Close makes the
	// contents durable.
	Create(name string) (io.WriteCloser, error)
	Remove(name string) error
	Rename(oldname, newname string) error
}

// OSFS is the host file system.
type OSFS struct{}

func (OSFS) Stat(name string) (fs.FileInfo, error) { return os.Stat(name) }

func (OSFS) Open(name string) (io.ReadCloser, error) { return os.Open(name) }

func (OSFS) Create(name string) (io.WriteCloser, error) {
	if err := os.MkdirAll(filepath.Dir(name), 0o755); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(name, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return syncingFile{file}, nil
}

func (OSFS) Remove(name string) error { return os.Remove(name) }

func (OSFS) Rename(oldname, newname string) error { return renameNoReplace(oldname, newname) }

type syncingFile struct{ *os.File }

func (f syncingFile) Close() error {
	syncErr := f.File.Sync()
	closeErr := f.File.Close()
	return errors.Join(syncErr, closeErr)
}

// linkRename gives no-replace semantics where renameat2 is unavailable:
// link fails with EEXIST when newname exists.
func linkRename(oldname, newname string) error {
	if err := os.Link(oldname, newname); err != nil {
		return err
	}
	return os.Remove(oldname)
}
