package docstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Snapshots stores compacted document snapshots as objects, one per
// document, keyed <workspaceID>/<docID>.
type Snapshots struct {
	client *minio.Client
	bucket string
}

// NewSnapshots connects to the object store and ensures the bucket exists.
func NewSnapshots(ctx context.Context, endpoint, accessKey, secretKey, bucket string, useSSL bool) (*Snapshots, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket: %w", err)
		}
	}

	return &Snapshots{client: client, bucket: bucket}, nil
}

func snapshotKey(workspaceID, docID string) string {
	return workspaceID + "/" + docID
}

// Get returns the snapshot blob, or nil if none has been written yet.
func (s *Snapshots) Get(ctx context.Context, workspaceID, docID string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, snapshotKey(workspaceID, docID), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get snapshot: %w", err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		var resp minio.ErrorResponse
		if errors.As(err, &resp) && resp.Code == "NoSuchKey" {
			return nil, nil
		}
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	return data, nil
}

// Put overwrites the snapshot blob.
func (s *Snapshots) Put(ctx context.Context, workspaceID, docID string, data []byte) error {
	_, err := s.client.PutObject(ctx, s.bucket, snapshotKey(workspaceID, docID),
		bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return fmt.Errorf("put snapshot: %w", err)
	}
	return nil
}

// Remove deletes the snapshot blob; removing a missing object is not an
// error.
func (s *Snapshots) Remove(ctx context.Context, workspaceID, docID string) error {
	err := s.client.RemoveObject(ctx, s.bucket, snapshotKey(workspaceID, docID), minio.RemoveObjectOptions{})
	if err != nil {
		return fmt.Errorf("remove snapshot: %w", err)
	}
	return nil
}
