package transport

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// FileStore keeps archives in a local directory.
type FileStore struct {
	Dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}
	return &FileStore{Dir: abs}, nil
}

func (s *FileStore) path(name string) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	return filepath.Join(s.Dir, name), nil
}

func (s *FileStore) Put(_ context.Context, name, localPath string) (string, error) {
	dst, err := s.path(name)
	if err != nil {
		return "", err
	}
	src, err := os.Open(localPath)
	if err != nil {
		return "", err
	}
	defer src.Close()
	tmp := dst + ".part"
	if err := copyToFile(tmp, src); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("store archive %s: %w", name, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		return "", err
	}
	return "file://" + filepath.ToSlash(dst), nil
}

func (s *FileStore) Fetch(_ context.Context, name, localPath string) error {
	src, err := s.path(name)
	if err != nil {
		return err
	}
	f, err := os.Open(src)
	if os.IsNotExist(err) {
		return fmt.Errorf("%w: %s", ErrArchiveNotFound, name)
	}
	if err != nil {
		return err
	}
	defer f.Close()
	return copyToFile(localPath, f)
}
