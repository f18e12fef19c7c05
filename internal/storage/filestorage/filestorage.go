// Package filestorage implements storage.Storage on top of the local
// filesystem, with None/Sparse/Full preallocation strategies.
package filestorage

import (
	"os"
	"path/filepath"

	homedir "github.com/mitchellh/go-homedir"

	"github.com/ccBitTorrent/ccbt-sub002/internal/storage"
)

// FileStorage roots every opened file under dest, creating parent
// directories as needed.
type FileStorage struct {
	dest     string
	prealloc storage.Prealloc
}

// New returns a FileStorage rooted at dest (a "~" prefix is expanded),
// using storage.PreallocNone.
func New(dest string) (*FileStorage, error) {
	return NewWithPrealloc(dest, storage.PreallocNone)
}

// NewWithPrealloc is like New but selects a preallocation strategy.
func NewWithPrealloc(dest string, p storage.Prealloc) (*FileStorage, error) {
	expanded, err := homedir.Expand(dest)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(expanded, 0750); err != nil {
		return nil, storage.Classify(expanded, err)
	}
	return &FileStorage{dest: expanded, prealloc: p}, nil
}

// Dest returns the root directory.
func (s *FileStorage) Dest() string { return s.dest }

// Open implements storage.Storage.
func (s *FileStorage) Open(relPath string, size int64) (storage.File, error) {
	full := filepath.Join(s.dest, filepath.FromSlash(relPath))
	if err := os.MkdirAll(filepath.Dir(full), 0750); err != nil {
		return nil, storage.Classify(full, err)
	}
	existed := true
	if _, err := os.Stat(full); os.IsNotExist(err) {
		existed = false
	}
	f, err := os.OpenFile(full, os.O_RDWR|os.O_CREATE, 0640)
	if err != nil {
		return nil, storage.Classify(full, err)
	}
	if !existed {
		switch s.prealloc {
		case storage.PreallocSparse:
			if err := f.Truncate(size); err != nil {
				f.Close()
				return nil, storage.Classify(full, err)
			}
		case storage.PreallocFull:
			if err := fillZeros(f, size); err != nil {
				f.Close()
				return nil, storage.Classify(full, err)
			}
		}
	}
	return &osFile{f: f, name: full, size: size}, nil
}

func fillZeros(f *os.File, size int64) error {
	const chunk = 1 << 20
	buf := make([]byte, chunk)
	var written int64
	for written < size {
		n := chunk
		if remaining := size - written; remaining < int64(chunk) {
			n = int(remaining)
		}
		if _, err := f.WriteAt(buf[:n], written); err != nil {
			return err
		}
		written += int64(n)
	}
	return nil
}

type osFile struct {
	f    *os.File
	name string
	size int64
}

func (o *osFile) ReadAt(p []byte, off int64) (int, error) {
	n, err := o.f.ReadAt(p, off)
	if err != nil {
		return n, storage.Classify(o.name, err)
	}
	return n, nil
}

func (o *osFile) WriteAt(p []byte, off int64) (int, error) {
	n, err := o.f.WriteAt(p, off)
	if err != nil {
		return n, storage.Classify(o.name, err)
	}
	return n, nil
}

func (o *osFile) Close() error { return o.f.Close() }
func (o *osFile) Name() string { return o.name }
func (o *osFile) Size() int64  { return o.size }
