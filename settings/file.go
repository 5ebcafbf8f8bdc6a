package settings

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	// Deterministic encoding keeps the file byte-identical for identical
	// contents, so unchanged settings never rewrite different bytes.
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("settings: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("settings: CBOR decoder initialization failed: " + err.Error())
	}
}

// FileStore is a Store persisted as one CBOR file. Every mutation rewrites
// the file through a temporary sibling and a rename, so a crash leaves
// either the old or the new contents.
type FileStore struct {
	*store
	path string
}

// OpenFile loads the store at path. A missing file yields an empty store.
func OpenFile(path string) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("settings path required")
	}

	data := make(table)
	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("reading settings %s: %w", path, err)
	default:
		if err := decMode.Unmarshal(raw, &data); err != nil {
			return nil, fmt.Errorf("decoding settings %s: %w", path, err)
		}
		if data == nil {
			data = make(table)
		}
	}

	fileStore := &FileStore{path: path}
	fileStore.store = &store{data: data, persist: fileStore.write}
	return fileStore, nil
}

// Path returns the backing file path.
func (f *FileStore) Path() string { return f.path }

func (f *FileStore) write(data table) error {
	raw, err := encMode.Marshal(data)
	if err != nil {
		return fmt.Errorf("encoding settings: %w", err)
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating settings directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp settings file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing temp settings file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("syncing temp settings file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp settings file: %w", err)
	}
	if err := os.Rename(tmpPath, f.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("installing settings file: %w", err)
	}
	return nil
}
