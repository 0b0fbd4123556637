// Package minio implements BlobStorage on a MinIO/S3 bucket.
package minio

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/vectorpress/internal/common"
	"github.com/ternarybob/vectorpress/internal/interfaces"
)

// BlobStore is a thin wrapper around the minio client used by services.
type BlobStore struct {
	client *minio.Client
	bucket string
	logger arbor.ILogger
}

var _ interfaces.BlobStorage = (*BlobStore)(nil)

// NewBlobStore creates a MinIO blob store and ensures the bucket exists.
func NewBlobStore(cfg common.MinioConfig, logger arbor.ILogger) (*BlobStore, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("minio config missing")
	}
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio new: %w", err)
	}
	s := &BlobStore{client: mc, bucket: cfg.Bucket, logger: logger}

	// ensure bucket exists (idempotent)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := mc.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		exist, xerr := mc.BucketExists(ctx, s.bucket)
		if xerr != nil || !exist {
			return nil, fmt.Errorf("minio bucket ensure: %w", err)
		}
	}
	return s, nil
}

func (s *BlobStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("minio put %s: %w", key, err)
	}
	s.logger.Debug().Str("key", key).Int("size", len(data)).Msg("Stored blob")
	return nil
}

func (s *BlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("minio get %s: %w", key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if resp := minio.ToErrorResponse(err); resp.Code == "NoSuchKey" {
			return nil, interfaces.ErrBlobNotFound
		}
		return nil, fmt.Errorf("minio read %s: %w", key, err)
	}
	return data, nil
}

// Delete removes a blob. Only keys under the final/print prefixes may be
// deleted; everything else is an immutable source.
func (s *BlobStore) Delete(ctx context.Context, key string) error {
	if !interfaces.DeletableBlobKey(key) {
		return interfaces.ErrProtectedKey
	}
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("minio delete %s: %w", key, err)
	}
	s.logger.Debug().Str("key", key).Msg("Deleted blob")
	return nil
}

func (s *BlobStore) PresignedURL(ctx context.Context, key string, expires time.Duration) (string, error) {
	presigned, err := s.client.PresignedGetObject(ctx, s.bucket, key, expires, make(url.Values))
	if err != nil {
		return "", fmt.Errorf("minio presign %s: %w", key, err)
	}
	return presigned.String(), nil
}
