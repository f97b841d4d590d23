// Package blobstore stores export artifacts and reads original images on an
// S3 compatible object store.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path/filepath"

	"github.com/cuongbtq/dataset-export/internal/domain"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Config holds object store connection configuration
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Region    string
}

// NewClient creates a minio client for the configured endpoint
func NewClient(config *Config) (*minio.Client, error) {
	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKey, config.SecretKey, ""),
		Secure: config.UseSSL,
		Region: config.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object store client: %w", err)
	}
	return client, nil
}

// Bucket reads and writes objects of a single bucket
type Bucket struct {
	client *minio.Client
	name   string
	region string
	logger *slog.Logger
}

// NewBucket binds client to the named bucket
func NewBucket(client *minio.Client, name, region string, logger *slog.Logger) *Bucket {
	return &Bucket{
		client: client,
		name:   name,
		region: region,
		logger: logger.With(slog.String("bucket", name)),
	}
}

// EnsureBucket creates the bucket if it does not exist yet
func (b *Bucket) EnsureBucket(ctx context.Context) error {
	exists, err := b.client.BucketExists(ctx, b.name)
	if err != nil {
		b.logger.Error("Failed to check bucket", slog.Any("error", err))
		return domain.Internal(fmt.Errorf("failed to check bucket %s: %w", b.name, err))
	}
	if exists {
		return nil
	}

	if err := b.client.MakeBucket(ctx, b.name, minio.MakeBucketOptions{Region: b.region}); err != nil {
		// Another process may have created it concurrently
		if code := minio.ToErrorResponse(err).Code; code == "BucketAlreadyOwnedByYou" || code == "BucketAlreadyExists" {
			return nil
		}
		b.logger.Error("Failed to create bucket", slog.Any("error", err))
		return domain.Internal(fmt.Errorf("failed to create bucket %s: %w", b.name, err))
	}

	b.logger.Info("Created bucket")
	return nil
}

// Upload stores size bytes read from r under name. A failed upload leaves no object.
func (b *Bucket) Upload(ctx context.Context, name string, r io.Reader, size int64) error {
	_, err := b.client.PutObject(ctx, b.name, name, r, size, minio.PutObjectOptions{
		ContentType: ContentType(name),
	})
	if err != nil {
		b.logger.Error("Failed to upload object",
			slog.String("object", name),
			slog.Any("error", err),
		)
		return domain.Internal(fmt.Errorf("failed to upload %s: %w", name, err))
	}
	return nil
}

// UploadFile stores the local file at path under name
func (b *Bucket) UploadFile(ctx context.Context, name, path string) error {
	info, err := b.client.FPutObject(ctx, b.name, name, path, minio.PutObjectOptions{
		ContentType: ContentType(name),
	})
	if err != nil {
		b.logger.Error("Failed to upload file",
			slog.String("object", name),
			slog.String("path", path),
			slog.Any("error", err),
		)
		return domain.Internal(fmt.Errorf("failed to upload %s: %w", name, err))
	}

	b.logger.Info("Uploaded file",
		slog.String("object", name),
		slog.Int64("size", info.Size),
	)
	return nil
}

// Open streams the object. The caller must close the returned reader.
func (b *Bucket) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	obj, err := b.client.GetObject(ctx, b.name, name, minio.GetObjectOptions{})
	if err != nil {
		return nil, b.readError(name, err)
	}

	// GetObject is lazy; Stat surfaces a missing object before any byte is streamed
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		return nil, b.readError(name, err)
	}
	return obj, nil
}

// GetBytes reads the whole object into memory
func (b *Bucket) GetBytes(ctx context.Context, name string) ([]byte, error) {
	r, err := b.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, b.readError(name, err)
	}
	return data, nil
}

// Exists reports whether an object is stored under name
func (b *Bucket) Exists(ctx context.Context, name string) (bool, error) {
	_, err := b.client.StatObject(ctx, b.name, name, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, b.readError(name, err)
}

func (b *Bucket) readError(name string, err error) error {
	if isNotFound(err) {
		return fmt.Errorf("%w: object %s not found in bucket %s", domain.ErrNotFound, name, b.name)
	}
	b.logger.Error("Failed to read object",
		slog.String("object", name),
		slog.Any("error", err),
	)
	return domain.Internal(fmt.Errorf("failed to read %s: %w", name, err))
}

func isNotFound(err error) bool {
	var resp minio.ErrorResponse
	if errors.As(err, &resp) {
		return resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound
	}
	return false
}

// ContentType returns the MIME type of an export file name
func ContentType(name string) string {
	switch filepath.Ext(name) {
	case ".zip":
		return "application/zip"
	case ".xlsx":
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	if t := mime.TypeByExtension(filepath.Ext(name)); t != "" {
		return t
	}
	return "application/octet-stream"
}
