// Package blob streams track assets from S3-compatible object storage.
package blob

import (
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/perkola/aulos/internal/transcode"
)

// Config locates the object store and the bucket holding audio assets.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Secure    bool
}

// Storage wraps a minio client bound to one bucket.
type Storage struct {
	client *minio.Client
	bucket string
}

// New builds a Storage client. The bucket is not touched until
// [Storage.EnsureBucket] or the first operation.
func New(cfg Config) (*Storage, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
	})
	if err != nil {
		return nil, fmt.Errorf("blob: create client: %w", err)
	}
	return &Storage{client: client, bucket: cfg.Bucket}, nil
}

// EnsureBucket creates the bucket when it does not exist yet.
func (s *Storage) EnsureBucket(ctx context.Context) error {
	err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "BucketAlreadyOwnedByYou" {
			return nil
		}
		return fmt.Errorf("blob: ensure bucket: %w", err)
	}
	return nil
}

// Put stores one object.
func (s *Storage) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("blob: put %q: %w", key, err)
	}
	return nil
}

// Remove deletes one object.
func (s *Storage) Remove(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("blob: remove %q: %w", key, err)
	}
	return nil
}

// Open streams one object. Missing keys fail here rather than on first read;
// the transfer itself stays lazy.
func (s *Storage) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("blob: open %q: %w", key, err)
	}
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		return nil, fmt.Errorf("blob: open %q: %w", key, err)
	}
	return obj, nil
}

// Ping reports object-store reachability for readiness checks.
func (s *Storage) Ping(ctx context.Context) error {
	if _, err := s.client.BucketExists(ctx, s.bucket); err != nil {
		return fmt.Errorf("blob: ping: %w", err)
	}
	return nil
}

// Source adapts a stored object to the transcoder's lazy source seam.
func (s *Storage) Source(key, contentType string) transcode.Source {
	return &objectSource{storage: s, key: key, contentType: contentType}
}

type objectSource struct {
	storage     *Storage
	key         string
	contentType string
}

var _ transcode.Source = (*objectSource)(nil)

func (o *objectSource) Open(ctx context.Context) (io.ReadCloser, error) {
	return o.storage.Open(ctx, o.key)
}

func (o *objectSource) ContentType() string { return o.contentType }
