package media

import (
	"context"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Uploader stores message attachments in an object bucket and hands back
// the identifiers that travel inside a send payload.
type Uploader struct {
	client *minio.Client
	bucket string
}

// NewUploader connects to the object store and ensures the bucket exists.
func NewUploader(endpoint, accessKey, secretKey, bucket string, useSSL bool) (*Uploader, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create media client: %w", err)
	}

	exists, err := client.BucketExists(context.Background(), bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(context.Background(), bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return &Uploader{client: client, bucket: bucket}, nil
}

// Upload writes one attachment and returns its media ID. The ID doubles as
// the object name, so the server can resolve it without a lookup table.
func (u *Uploader) Upload(ctx context.Context, r io.Reader, size int64, contentType string) (string, error) {
	mediaID := uuid.New().String()
	objectName := fmt.Sprintf("attachments/%s", mediaID)
	_, err := u.client.PutObject(ctx, u.bucket, objectName, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload attachment: %w", err)
	}
	return mediaID, nil
}

// URL returns the public address of an uploaded attachment.
func (u *Uploader) URL(mediaID string) string {
	return fmt.Sprintf("%s/%s/attachments/%s", u.client.EndpointURL().String(), u.bucket, mediaID)
}
