// Package archive copies every committed backup snapshot to S3-compatible
// object storage, giving the backup history a durable offsite copy beyond
// the local git repositories.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Uploader stores snapshot payloads under <bucket>/<documentID>/<backupID>.json.
// A nil *Uploader is safe to call: every method is a no-op, so callers do not
// branch on whether object storage is configured.
type Uploader struct {
	client *minio.Client
	bucket string
}

// New connects to the object store and ensures the bucket exists.
func New(ctx context.Context, endpoint, accessKey, secretKey, bucket string, useSSL bool) (*Uploader, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create object store client: %w", err)
	}

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", bucket, err)
		}
	}
	return &Uploader{client: client, bucket: bucket}, nil
}

// StoreSnapshot uploads one snapshot payload.
func (u *Uploader) StoreSnapshot(ctx context.Context, documentID, backupID string, payload []byte) error {
	if u == nil {
		return nil
	}
	key := objectKey(documentID, backupID)
	_, err := u.client.PutObject(ctx, u.bucket, key, bytes.NewReader(payload), int64(len(payload)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return fmt.Errorf("upload snapshot %s: %w", key, err)
	}
	return nil
}

// FetchSnapshot retrieves an archived snapshot payload.
func (u *Uploader) FetchSnapshot(ctx context.Context, documentID, backupID string) ([]byte, error) {
	if u == nil {
		return nil, fmt.Errorf("object storage not configured")
	}
	key := objectKey(documentID, backupID)
	obj, err := u.client.GetObject(ctx, u.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("fetch snapshot %s: %w", key, err)
	}
	defer obj.Close()
	payload, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("read snapshot %s: %w", key, err)
	}
	return payload, nil
}

func objectKey(documentID, backupID string) string {
	return path.Join(documentID, backupID+".json")
}
