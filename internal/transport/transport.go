package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"migratory/internal/config"
)

var (
	ErrArchiveNotFound    = errors.New("archive not found")
	ErrInvalidArchiveName = errors.New("invalid archive name")
)

// ArchiveStore keeps backup archives outside the live store.
type ArchiveStore interface {
	// Put uploads the file at localPath under name and returns its location.
	Put(ctx context.Context, name, localPath string) (string, error)
	// Fetch downloads the archive called name into localPath.
	Fetch(ctx context.Context, name, localPath string) error
}

// ArchiveName is the name a backup job stores its archive under.
func ArchiveName(stack, jobID string) string {
	return fmt.Sprintf("Backup-%s-%s.zip", stack, jobID)
}

// ValidateName rejects names that are empty or would reach outside a flat directory.
func ValidateName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidArchiveName, name)
	}
	return nil
}

// New builds the store selected by cfg.Kind. Relative file directories resolve against workspace.
func New(ctx context.Context, cfg config.ArchiveConfig, workspace string) (ArchiveStore, error) {
	switch cfg.Kind {
	case config.ArchiveFile, "":
		dir := cfg.Dir
		if dir == "" {
			dir = filepath.Join(".migratory", "archives")
		}
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(workspace, dir)
		}
		return NewFileStore(dir)
	case config.ArchiveS3:
		return NewS3Store(ctx, cfg)
	case config.ArchiveGCS:
		return NewGCSStore(ctx, cfg)
	}
	return nil, fmt.Errorf("unknown archive kind %q", cfg.Kind)
}

func objectKey(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return path.Join(prefix, name)
}

// copyToFile writes r into a new file at dst.
func copyToFile(dst string, r io.Reader) error {
	f, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
