package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"migratory/internal/config"
)

type GCSStore struct {
	Client *storage.Client
	Bucket string
	Prefix string
}

func NewGCSStore(ctx context.Context, cfg config.ArchiveConfig) (*GCSStore, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		if _, err := os.Stat(cfg.CredentialsFile); err != nil {
			return nil, fmt.Errorf("credentials file %s: %w", cfg.CredentialsFile, err)
		}
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	return &GCSStore{Client: client, Bucket: cfg.Bucket, Prefix: cfg.Prefix}, nil
}

func (s *GCSStore) Put(ctx context.Context, name, localPath string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", err
	}
	defer f.Close()
	key := objectKey(s.Prefix, name)
	w := s.Client.Bucket(s.Bucket).Object(key).NewWriter(ctx)
	w.ContentType = "application/zip"
	if _, err := io.Copy(w, f); err != nil {
		w.Close()
		return "", fmt.Errorf("upload gs://%s/%s: %w", s.Bucket, key, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("upload gs://%s/%s: %w", s.Bucket, key, err)
	}
	return fmt.Sprintf("gs://%s/%s", s.Bucket, key), nil
}

func (s *GCSStore) Fetch(ctx context.Context, name, localPath string) error {
	key := objectKey(s.Prefix, name)
	r, err := s.Client.Bucket(s.Bucket).Object(key).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("%w: gs://%s/%s", ErrArchiveNotFound, s.Bucket, key)
	}
	if err != nil {
		return fmt.Errorf("download gs://%s/%s: %w", s.Bucket, key, err)
	}
	defer r.Close()
	return copyToFile(localPath, r)
}
