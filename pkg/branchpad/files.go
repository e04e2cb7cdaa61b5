package branchpad

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"

	"github.com/branchpad/branchpad/pkg/models"
)

const presignExpiry = 15 * time.Minute

// FileStorage hands out presigned object-storage URLs for file bytes. Sync
// carries only file metadata; the bytes move directly between the client and
// the object store.
type FileStorage struct {
	client *minio.Client
	bucket string
}

func NewFileStorage(client *minio.Client, bucket string) *FileStorage {
	return &FileStorage{client: client, bucket: bucket}
}

// objectKey namespaces file objects by workspace.
func objectKey(workspaceID models.WorkspaceID, fileID models.NodeID) string {
	return workspaceID.String() + "/" + fileID.String()
}

// UploadURL presigns a PUT for the file's object.
func (f *FileStorage) UploadURL(ctx context.Context, workspaceID models.WorkspaceID, fileID models.NodeID) (string, error) {
	u, err := f.client.PresignedPutObject(ctx, f.bucket, objectKey(workspaceID, fileID), presignExpiry)
	if err != nil {
		return "", fmt.Errorf("presign upload: %w", err)
	}
	return u.String(), nil
}

// DownloadURL presigns a GET, with a content-disposition naming the download.
func (f *FileStorage) DownloadURL(ctx context.Context, workspaceID models.WorkspaceID, fileID models.NodeID, name string) (string, error) {
	params := url.Values{}
	if name != "" {
		params.Set("response-content-disposition", fmt.Sprintf("attachment; filename=%q", name))
	}
	u, err := f.client.PresignedGetObject(ctx, f.bucket, objectKey(workspaceID, fileID), presignExpiry, params)
	if err != nil {
		return "", fmt.Errorf("presign download: %w", err)
	}
	return u.String(), nil
}

// EnsureBucket creates the bucket if it does not exist yet.
func (f *FileStorage) EnsureBucket(ctx context.Context) error {
	exists, err := f.client.BucketExists(ctx, f.bucket)
	if err != nil {
		return fmt.Errorf("check bucket: %w", err)
	}
	if exists {
		return nil
	}
	if err := f.client.MakeBucket(ctx, f.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket: %w", err)
	}
	return nil
}
