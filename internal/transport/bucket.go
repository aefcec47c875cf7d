package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"weavebox/internal/logging"
)

// BucketClient is the subset of the minio client used by Bucket.
type BucketClient interface {
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// BucketConfig holds configuration for an S3-compatible bucket.
type BucketConfig struct {
	Endpoint  string // e.g. s3.us-east-005.backblazeb2.com
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string // optional folder prefix for all objects
	Region    string
	Insecure  bool
}

// Bucket implements Transport on an S3-compatible bucket. The transaction id
// is the object name; tags are stored as user metadata.
type Bucket struct {
	client BucketClient
	bucket string
	prefix string
}

// NewBucket creates a bucket transport backed by a minio client.
func NewBucket(cfg BucketConfig) (*Bucket, error) {
	logging.Bucket.Printf("initializing transport (bucket=%s, prefix=%s, endpoint=%s)", cfg.Bucket, cfg.Prefix, cfg.Endpoint)

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: !cfg.Insecure,
		Region: cfg.Region,
	})
	if err != nil {
		logging.Bucket.Printf("failed to create client: %v", err)
		return nil, err
	}

	return NewBucketWithClient(client, cfg.Bucket, cfg.Prefix), nil
}

// NewBucketWithClient creates a bucket transport with a custom client.
func NewBucketWithClient(client BucketClient, bucket, prefix string) *Bucket {
	return &Bucket{client: client, bucket: bucket, prefix: prefix}
}

func (b *Bucket) key(id string) string {
	if b.prefix == "" {
		return id
	}
	return path.Join(b.prefix, id)
}

// EstimateCost always quotes zero; bucket storage is billed out of band.
func (b *Bucket) EstimateCost(ctx context.Context, n int64) (Cost, error) {
	return Cost{Bytes: n, Winc: "0"}, nil
}

func (b *Bucket) UploadFile(ctx context.Context, payload []byte, meta FileMeta, tags []Tag) (string, error) {
	id := uuid.NewString()
	key := b.key(id)

	userMeta := make(map[string]string, len(tags)+1)
	for _, t := range tags {
		userMeta[t.Name] = t.Value
	}
	userMeta["File-Name"] = meta.Name

	logging.Bucket.Printf("uploading %s to %s/%s", meta.Name, b.bucket, key)
	info, err := b.client.PutObject(ctx, b.bucket, key, bytes.NewReader(payload), int64(len(payload)), minio.PutObjectOptions{
		ContentType:  meta.ContentType,
		UserMetadata: userMeta,
	})
	if err != nil {
		errResp := minio.ToErrorResponse(err)
		logging.Bucket.Printf("upload failed for %s: %v (code=%s)", key, err, errResp.Code)
		return "", fmt.Errorf("%w: put %s: %w", ErrTransport, key, err)
	}

	logging.Bucket.Printf("uploaded %s successfully (%d bytes)", key, info.Size)
	return id, nil
}
