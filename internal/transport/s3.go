package transport

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"migratory/internal/config"
)

// S3API is the subset of the S3 client the store uses.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

type S3Store struct {
	Client S3API
	Bucket string
	Prefix string
}

func NewS3Store(ctx context.Context, cfg config.ArchiveConfig) (*S3Store, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Store{Client: client, Bucket: cfg.Bucket, Prefix: cfg.Prefix}, nil
}

func (s *S3Store) Put(ctx context.Context, name, localPath string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", err
	}
	defer f.Close()
	key := objectKey(s.Prefix, name)
	if _, err := s.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.Bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String("application/zip"),
	}); err != nil {
		return "", fmt.Errorf("upload s3://%s/%s: %w", s.Bucket, key, err)
	}
	return fmt.Sprintf("s3://%s/%s", s.Bucket, key), nil
}

func (s *S3Store) Fetch(ctx context.Context, name, localPath string) error {
	key := objectKey(s.Prefix, name)
	out, err := s.Client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.Bucket), Key: aws.String(key)})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return fmt.Errorf("%w: s3://%s/%s", ErrArchiveNotFound, s.Bucket, key)
		}
		return fmt.Errorf("download s3://%s/%s: %w", s.Bucket, key, err)
	}
	defer out.Body.Close()
	return copyToFile(localPath, out.Body)
}
