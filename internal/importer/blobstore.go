package importer

import (
	"bytes"
	"context"
	"fmt"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// BlobConfig locates the bucket that keeps raw import uploads.
type BlobConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// BlobStore archives original uploads in S3-compatible object storage.
type BlobStore struct {
	client *minio.Client
	bucket string
}

// NewBlobStore connects to the object store and creates the bucket if needed.
func NewBlobStore(ctx context.Context, cfg BlobConfig) (*BlobStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
	}
	return &BlobStore{client: client, bucket: cfg.Bucket}, nil
}

// DocumentPrefix holds every upload archived for one document.
func DocumentPrefix(teamID, documentID string) string {
	return path.Join("imports", teamID, documentID) + "/"
}

// ObjectKey is where the upload for a document is stored.
func ObjectKey(teamID, documentID, filename string) string {
	name := path.Base("/" + filename)
	if name == "/" || name == "." {
		name = "upload"
	}
	return DocumentPrefix(teamID, documentID) + name
}

// Archive stores data under key.
func (b *BlobStore) Archive(ctx context.Context, key, contentType string, data []byte) error {
	_, err := b.client.PutObject(ctx, b.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	return nil
}

// RemovePrefix deletes every archived upload under prefix.
func (b *BlobStore) RemovePrefix(ctx context.Context, prefix string) error {
	objects := b.client.ListObjects(ctx, b.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true})
	for object := range objects {
		if object.Err != nil {
			return fmt.Errorf("list objects %s: %w", prefix, object.Err)
		}
		if err := b.client.RemoveObject(ctx, b.bucket, object.Key, minio.RemoveObjectOptions{}); err != nil {
			return fmt.Errorf("remove object %s: %w", object.Key, err)
		}
	}
	return nil
}
