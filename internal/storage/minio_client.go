package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"
)

// ObjectStore is the object-storage interface used for the snapshot cache.
// Snapshot objects are content-addressed and therefore never overwritten with
// different bytes.
type ObjectStore interface {
	Upload(ctx context.Context, objectKey string, data []byte, contentType string) error
	Download(ctx context.Context, objectKey string) ([]byte, error)
}

// ErrObjectNotFound means no object exists under the requested key.
var ErrObjectNotFound = errors.New("object not found in storage")

// MinioClient implements ObjectStore for MinIO / S3-compatible stores.
type MinioClient struct {
	client     *minio.Client
	bucketName string
	log        zerolog.Logger
}

// MinioConfig holds the MinIO connection parameters.
type MinioConfig struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
	BucketName      string
	Region          string
}

// NewMinioClient creates a MinIO client and ensures the bucket exists.
func NewMinioClient(cfg MinioConfig, log zerolog.Logger) (*MinioClient, error) {
	minioClient, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("initialising MinIO client: %w", err)
	}

	ctx := context.Background()
	exists, err := minioClient.BucketExists(ctx, cfg.BucketName)
	if err != nil {
		return nil, fmt.Errorf("checking bucket %q: %w", cfg.BucketName, err)
	}
	if !exists {
		if err = minioClient.MakeBucket(ctx, cfg.BucketName, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("creating bucket %q: %w", cfg.BucketName, err)
		}
		log.Info().Str("bucket", cfg.BucketName).Msg("created snapshot bucket")
	}

	return &MinioClient{
		client:     minioClient,
		bucketName: cfg.BucketName,
		log:        log.With().Str("component", "object_store").Logger(),
	}, nil
}

// Upload stores an object under objectKey.
func (c *MinioClient) Upload(ctx context.Context, objectKey string, data []byte, contentType string) error {
	opts := minio.PutObjectOptions{ContentType: contentType}
	_, err := c.client.PutObject(ctx, c.bucketName, objectKey, bytes.NewReader(data), int64(len(data)), opts)
	if err != nil {
		return fmt.Errorf("uploading object %q: %w", objectKey, err)
	}
	c.log.Debug().Str("object_key", objectKey).Int("size", len(data)).Msg("uploaded object")
	return nil
}

// Download reads the full object stored under objectKey, returning
// ErrObjectNotFound if it does not exist.
func (c *MinioClient) Download(ctx context.Context, objectKey string) ([]byte, error) {
	object, err := c.client.GetObject(ctx, c.bucketName, objectKey, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("getting object %q: %w", objectKey, err)
	}
	defer func() { _ = object.Close() }()

	data, err := io.ReadAll(object)
	if err != nil {
		// GetObject defers most failures to the first read.
		var minioErr minio.ErrorResponse
		if errors.As(err, &minioErr) && minioErr.Code == "NoSuchKey" {
			return nil, ErrObjectNotFound
		}
		return nil, fmt.Errorf("reading object %q: %w", objectKey, err)
	}
	return data, nil
}
