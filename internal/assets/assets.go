// Package assets manages uploaded files stored under a per-page prefix in an
// S3-compatible bucket.
package assets

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"
)

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// objectAPI is the subset of the MinIO client used here.
type objectAPI interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	ListObjects(ctx context.Context, bucket string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo
	RemoveObject(ctx context.Context, bucket, object string, opts minio.RemoveObjectOptions) error
}

type MinioStore struct {
	client objectAPI
	bucket string
	logger zerolog.Logger
}

func NewMinioStore(cfg Config, logger zerolog.Logger) (*MinioStore, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, errors.New("assets: endpoint and bucket are required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("assets client: %w", err)
	}
	return newMinioStore(client, cfg.Bucket, logger), nil
}

func newMinioStore(client objectAPI, bucket string, logger zerolog.Logger) *MinioStore {
	return &MinioStore{client: client, bucket: bucket, logger: logger.With().Str("component", "assets").Logger()}
}

// PagePrefix is the key prefix holding every object uploaded to pageID.
func PagePrefix(pageID string) string {
	return "pages/" + strings.TrimSpace(pageID) + "/"
}

// EnsureBucket creates the bucket when it does not exist yet.
func (s *MinioStore) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", s.bucket, err)
	}
	s.logger.Info().Str("bucket", s.bucket).Msg("bucket created")
	return nil
}

// DeletePage removes every object under PagePrefix(pageID).
func (s *MinioStore) DeletePage(ctx context.Context, pageID string) error {
	if strings.TrimSpace(pageID) == "" {
		return errors.New("assets: empty page id")
	}
	n, err := s.DeletePrefix(ctx, PagePrefix(pageID))
	if err != nil {
		return err
	}
	if n > 0 {
		s.logger.Debug().Str("page_id", pageID).Int("objects", n).Msg("page assets removed")
	}
	return nil
}

// DeletePrefix removes every object whose key starts with prefix and returns
// how many were removed.
func (s *MinioStore) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	removed := 0
	for object := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if object.Err != nil {
			return removed, fmt.Errorf("list %s: %w", prefix, object.Err)
		}
		if err := s.client.RemoveObject(ctx, s.bucket, object.Key, minio.RemoveObjectOptions{}); err != nil {
			return removed, fmt.Errorf("remove %s: %w", object.Key, err)
		}
		removed++
	}
	return removed, nil
}
