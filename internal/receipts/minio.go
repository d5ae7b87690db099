package receipts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/berniyo/condo-qrpay/internal/config"
)

// ObjectPutter is the part of *minio.Client the sink uses.
type ObjectPutter interface {
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// MinioSink uploads receipts to a bucket, keyed by payment id.
type MinioSink struct {
	client ObjectPutter
	bucket string
}

// NewMinioSink uploads into bucket through client.
func NewMinioSink(client ObjectPutter, bucket string) (*MinioSink, error) {
	if client == nil {
		return nil, errors.New("minio client is required")
	}
	if bucket == "" {
		return nil, errors.New("minio bucket is required")
	}
	return &MinioSink{client: client, bucket: bucket}, nil
}

// NewMinioClient connects with static credentials from cfg.
func NewMinioClient(cfg config.Minio) (*minio.Client, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio client: %w", err)
	}
	return client, nil
}

// Save uploads r under pagos/<payment id>/ and returns its s3:// location.
func (m *MinioSink) Save(ctx context.Context, r Receipt) (string, error) {
	if len(r.Data) == 0 {
		return "", errors.New("receipt is empty")
	}
	object := fmt.Sprintf("pagos/%d/%s", r.PaymentID, ObjectName(r))
	contentType := r.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	_, err := m.client.PutObject(ctx, m.bucket, object, bytes.NewReader(r.Data), int64(len(r.Data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("upload receipt to bucket %s: %w", m.bucket, err)
	}
	return fmt.Sprintf("s3://%s/%s", m.bucket, object), nil
}
