package backup

import (
	"context"
	"errors"
	"io"
)

var (
	ErrNotFound              = errors.New("object not found")
	ErrInterrupted           = errors.New("job interrupted")
	ErrDeadlock              = errors.New("storage deadlock")
	ErrMalformedArchive      = errors.New("malformed archive")
	ErrMigrateAllUnsupported = errors.New("type does not support backing up every object")
)

// MigratableManager moves single objects of one type between the live store and a byte stream.
type MigratableManager interface {
	// WriteBackup serializes one object. Returns ErrNotFound if it does not exist.
	WriteBackup(ctx context.Context, id string, w io.Writer) error
	// CreateOrUpdateFromBackup overwrites the object in place or creates it, and returns its id.
	CreateOrUpdateFromBackup(ctx context.Context, r io.Reader) (string, error)
	Deleter
}

type Deleter interface {
	// DeleteByMigratableID removes the object. Absent objects are not an error.
	DeleteByMigratableID(ctx context.Context, id string) error
}

// IDLister enumerates every object of a type. Required to back up a whole type.
type IDLister interface {
	ListMigratableIDs(ctx context.Context) ([]string, error)
}

// Driver writes and reads whole archives for one object type.
type Driver interface {
	WriteBackup(ctx context.Context, archivePath string, progress *Progress, ids []string) error
	RestoreFromBackup(ctx context.Context, archivePath string, progress *Progress) error
}

// CheckInterrupt returns ErrInterrupted when the job was asked to stop or its context is done.
func CheckInterrupt(ctx context.Context, progress *Progress) error {
	if progress.ShouldTerminate() {
		return ErrInterrupted
	}
	if err := ctx.Err(); err != nil {
		return errors.Join(ErrInterrupted, err)
	}
	return nil
}
