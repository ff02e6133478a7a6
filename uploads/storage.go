package uploads

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ObjectStorage stores raw uploaded files in MinIO/S3, keyed per owner.
type ObjectStorage struct {
	client    *minio.Client
	bucket    string
	publicURL string
}

// NewObjectStorageFromEnv initialises ObjectStorage using MINIO_* environment
// variables. Returns (nil, nil) when storage is not configured; uploads then
// skip raw-file retention and only index content.
func NewObjectStorageFromEnv() (*ObjectStorage, error) {
	endpoint := strings.TrimSpace(os.Getenv("MINIO_ENDPOINT"))
	accessKey := strings.TrimSpace(os.Getenv("MINIO_ACCESS_KEY"))
	secretKey := strings.TrimSpace(os.Getenv("MINIO_SECRET_KEY"))
	bucket := strings.TrimSpace(os.Getenv("MINIO_BUCKET"))
	if endpoint == "" || accessKey == "" || secretKey == "" || bucket == "" {
		return nil, nil
	}

	useSSL := strings.EqualFold(strings.TrimSpace(os.Getenv("MINIO_USE_SSL")), "true")
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("uploads: init minio client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("uploads: check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("uploads: create bucket: %w", err)
		}
	}

	publicURL := strings.TrimSpace(os.Getenv("MINIO_PUBLIC_URL"))
	if publicURL == "" {
		scheme := "http"
		if useSSL {
			scheme = "https"
		}
		publicURL = fmt.Sprintf("%s://%s", scheme, endpoint)
	}

	return &ObjectStorage{
		client:    client,
		bucket:    bucket,
		publicURL: strings.TrimSuffix(publicURL, "/"),
	}, nil
}

// Store writes one uploaded file under uploads/<ownerID>/<uuid>-<name> and
// returns the stored object name and its public URL.
func (s *ObjectStorage) Store(ctx context.Context, ownerID, filename, contentType string, data []byte) (string, string, error) {
	if s == nil || s.client == nil {
		return "", "", errors.New("uploads: object storage not configured")
	}
	if strings.TrimSpace(ownerID) == "" {
		return "", "", errors.New("uploads: owner id is required")
	}

	objectName := path.Join("uploads", ownerID, fmt.Sprintf("%s-%s", uuid.NewString(), path.Base(filename)))

	storeCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	_, err := s.client.PutObject(storeCtx, s.bucket, objectName, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", "", fmt.Errorf("uploads: store object: %w", err)
	}
	return objectName, s.publicURL + "/" + s.bucket + "/" + objectName, nil
}
