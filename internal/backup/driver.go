package backup

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"github.com/juju/collections/set"
	"github.com/juju/naturalsort"

	"migratory/internal/logging"
)

// GenericBackupDriver backs up any flat object type by writing one zip entry per id.
type GenericBackupDriver struct {
	Manager MigratableManager
	// Lister is optional. Without it a nil id set is rejected.
	Lister IDLister
	Logger *log.Logger
}

func NewGenericBackupDriver(m MigratableManager, lister IDLister, logger *log.Logger) GenericBackupDriver {
	return GenericBackupDriver{Manager: m, Lister: lister, Logger: logger}
}

// ResolveIDs returns ids with duplicates removed, or every id the lister knows when ids is nil.
func ResolveIDs(ctx context.Context, lister IDLister, ids []string) ([]string, error) {
	if ids == nil {
		if lister == nil {
			return nil, ErrMigrateAllUnsupported
		}
		all, err := lister.ListMigratableIDs(ctx)
		if err != nil {
			return nil, fmt.Errorf("list ids: %w", err)
		}
		naturalsort.Sort(all)
		ids = all
	}
	seen := set.NewStrings()
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if seen.Contains(id) {
			continue
		}
		seen.Add(id)
		out = append(out, id)
	}
	return out, nil
}

// WriteBackup writes the objects named by ids into a new zip archive at archivePath.
func (d GenericBackupDriver) WriteBackup(ctx context.Context, archivePath string, progress *Progress, ids []string) error {
	logger := logging.OrNop(d.Logger)
	ids, err := ResolveIDs(ctx, d.Lister, ids)
	if err != nil {
		return err
	}
	progress.SetTotal(int64(len(ids)))

	f, err := os.Create(archivePath)
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}
	defer f.Close()
	zw := zip.NewWriter(f)

	for i, id := range ids {
		if err := CheckInterrupt(ctx, progress); err != nil {
			zw.Close()
			return err
		}
		progress.SetMessage(fmt.Sprintf("writing %s (%d of %d)", id, i+1, len(ids)))
		entry, err := zw.Create(id)
		if err != nil {
			zw.Close()
			return fmt.Errorf("create entry %s: %w", id, err)
		}
		if err := d.Manager.WriteBackup(ctx, id, entry); err != nil {
			zw.Close()
			return fmt.Errorf("write %s: %w", id, err)
		}
		progress.Increment(1)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("close archive: %w", err)
	}
	logger.Debug("backup written", "archive", archivePath, "objects", len(ids))
	return f.Sync()
}

// RestoreFromBackup applies every entry of the archive in file order. Any failure aborts the restore.
func (d GenericBackupDriver) RestoreFromBackup(ctx context.Context, archivePath string, progress *Progress) error {
	logger := logging.OrNop(d.Logger)
	info, err := os.Stat(archivePath)
	if err != nil {
		return fmt.Errorf("stat archive: %w", err)
	}
	progress.SetTotal(info.Size())

	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedArchive, err)
	}
	defer zr.Close()

	var restored int
	for _, entry := range zr.File {
		if err := CheckInterrupt(ctx, progress); err != nil {
			return err
		}
		if entry.FileInfo().IsDir() {
			continue
		}
		progress.SetMessage(fmt.Sprintf("restoring %s (%s)", entry.Name, humanize.Bytes(entry.UncompressedSize64)))
		if err := restoreEntry(ctx, d.Manager, entry); err != nil {
			return err
		}
		restored++
		progress.Increment(int64(entry.CompressedSize64))
	}
	logger.Debug("backup restored", "archive", archivePath, "objects", restored)
	return nil
}

func restoreEntry(ctx context.Context, m MigratableManager, entry *zip.File) error {
	rc, err := entry.Open()
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", ErrMalformedArchive, entry.Name, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return fmt.Errorf("%w: read %s: %v", ErrMalformedArchive, entry.Name, err)
	}
	if _, err := m.CreateOrUpdateFromBackup(ctx, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("restore %s: %w", entry.Name, err)
	}
	return nil
}
