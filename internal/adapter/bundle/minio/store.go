// Package minio provides the bundle store over an S3 compatible MinIO bucket.
package minio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	config "github.com/crabzie/setup-factory/config/utils"
	"github.com/crabzie/setup-factory/internal/core/domain"
	"github.com/crabzie/setup-factory/internal/core/port"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

const contentType = "application/zip"

type store struct {
	client *minio.Client
	bucket string
	log    *zap.Logger
}

// NewStore connects to MinIO and creates the bundle bucket when missing
func NewStore(ctx context.Context, cfg *config.Minio, log *zap.Logger) (port.BundleStore, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("minio endpoint is not configured")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize MinIO client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
		log.Info("Created bundle bucket", zap.String("bucket", cfg.Bucket))
	}

	return &store{client: client, bucket: cfg.Bucket, log: log}, nil
}

// Create buffers the archive; the object is written with a single PutObject on commit,
// so a failed build never leaves a partial object behind
func (s *store) Create(ctx context.Context, name string) (port.BundleWriter, error) {
	if name == "" {
		return nil, fmt.Errorf("empty bundle name: %w", domain.ErrInvalidArgument)
	}
	return &writer{ctx: ctx, s: s, name: name}, nil
}

func (s *store) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, name, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	// GetObject is lazy, Stat surfaces a missing key
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, fmt.Errorf("bundle %s: %w", name, domain.ErrNotFound)
		}
		return nil, err
	}
	return obj, nil
}

type writer struct {
	ctx  context.Context
	s    *store
	name string
	buf  bytes.Buffer
	done bool
}

func (w *writer) Write(p []byte) (int, error) {
	return w.buf.Write(p)
}

func (w *writer) Commit() (*domain.BundleHandle, error) {
	if w.done {
		return nil, errors.New("bundle already finalized")
	}
	w.done = true

	info, err := w.s.client.PutObject(w.ctx, w.s.bucket, w.name, &w.buf, int64(w.buf.Len()),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return nil, fmt.Errorf("upload bundle %s: %w", w.name, err)
	}
	return &domain.BundleHandle{
		Name:      w.name,
		Location:  fmt.Sprintf("s3://%s/%s", info.Bucket, info.Key),
		Size:      info.Size,
		CreatedAt: time.Now().UTC(),
	}, nil
}

func (w *writer) Abort() error {
	w.done = true
	w.buf.Reset()
	return nil
}
