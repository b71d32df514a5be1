package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/stowage/stowage/internal/provider"
)

// MinioAPI defines the subset of the MinIO client that the adapter uses.
// This allows mocking in tests.
type MinioAPI interface {
	ListBuckets(ctx context.Context) ([]minio.BucketInfo, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	RemoveBucket(ctx context.Context, bucket string) error
	ListObjectsV2(ctx context.Context, bucket, prefix, delimiter, continuationToken string, maxKeys int) (minio.ListBucketV2Result, error)
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	CopyObject(ctx context.Context, dst minio.CopyDestOptions, src minio.CopySrcOptions) (minio.UploadInfo, error)
	RemoveObject(ctx context.Context, bucket, key string, opts minio.RemoveObjectOptions) error
	RemoveObjects(ctx context.Context, bucket string, objects <-chan minio.ObjectInfo, opts minio.RemoveObjectsOptions) <-chan minio.RemoveObjectError
	PresignedGetObject(ctx context.Context, bucket, key string, expires time.Duration, params url.Values) (*url.URL, error)
}

// realMinioClient wraps minio.Core to satisfy MinioAPI. Core exposes the
// raw ListObjectsV2 call so listings keep the server's continuation token.
type realMinioClient struct {
	*minio.Core
}

func (c realMinioClient) ListObjectsV2(_ context.Context, bucket, prefix, delimiter, continuationToken string, maxKeys int) (minio.ListBucketV2Result, error) {
	return c.Core.ListObjectsV2(bucket, prefix, "", continuationToken, delimiter, maxKeys)
}

func (c realMinioClient) PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	return c.Core.Client.PutObject(ctx, bucket, key, r, size, opts)
}

func (c realMinioClient) CopyObject(ctx context.Context, dst minio.CopyDestOptions, src minio.CopySrcOptions) (minio.UploadInfo, error) {
	return c.Core.Client.CopyObject(ctx, dst, src)
}

// MinIOAdapter serves self-hosted MinIO through the native MinIO SDK.
type MinIOAdapter struct {
	objectOps
	region string
	client MinioAPI
}

// NewMinIOAdapter creates a MinIOAdapter for d.
func NewMinIOAdapter(d *provider.MinIO) (*MinIOAdapter, error) {
	host, secure, err := splitEndpoint(d.Endpoint, d.UseSSL)
	if err != nil {
		return nil, err
	}
	core, err := minio.NewCore(host, &minio.Options{
		Creds:  credentials.NewStaticV4(d.AccessKeyID, d.SecretAccessKey, ""),
		Secure: secure,
		Region: minioRegion,
	})
	if err != nil {
		return nil, fmt.Errorf("creating MinIO client: %w", err)
	}
	return NewMinIOAdapterWithClient(realMinioClient{core}), nil
}

// NewMinIOAdapterWithClient creates a MinIOAdapter around a pre-configured
// client. This is primarily used for testing with mock clients.
func NewMinIOAdapterWithClient(client MinioAPI) *MinIOAdapter {
	a := &MinIOAdapter{region: minioRegion, client: client}
	a.objectOps = objectOps{store: a, kind: provider.KindMinIO}
	return a
}

const minioRegion = "us-east-1"

// splitEndpoint turns "https://host:port" into the host form minio-go wants
// and whether TLS is used. Without a scheme, useSSL decides.
func splitEndpoint(endpoint string, useSSL bool) (string, bool, error) {
	endpoint = strings.TrimRight(strings.TrimSpace(endpoint), "/")
	if endpoint == "" {
		return "", false, fmt.Errorf("%w: minio endpoint is empty", provider.ErrInvalidDescriptor)
	}
	if !strings.Contains(endpoint, "://") {
		return endpoint, useSSL, nil
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", false, fmt.Errorf("%w: parsing minio endpoint: %v", provider.ErrInvalidDescriptor, err)
	}
	if u.Host == "" {
		return "", false, fmt.Errorf("%w: minio endpoint %q has no host", provider.ErrInvalidDescriptor, endpoint)
	}
	return u.Host, u.Scheme == "https", nil
}

// TestConnection lists buckets to prove the credentials work.
func (a *MinIOAdapter) TestConnection(ctx context.Context) ConnectionResult {
	_, err := a.client.ListBuckets(ctx)
	a.observe("test_connection", err)
	if err != nil {
		return ConnectionResult{Error: errorMessage(err)}
	}
	return ConnectionResult{Success: true}
}

// ListBuckets returns all buckets.
func (a *MinIOAdapter) ListBuckets(ctx context.Context) ([]BucketInfo, error) {
	infos, err := a.client.ListBuckets(ctx)
	a.observe("list_buckets", err)
	if err != nil {
		return nil, fmt.Errorf("listing buckets: %w", err)
	}
	buckets := make([]BucketInfo, 0, len(infos))
	for _, b := range infos {
		info := BucketInfo{Name: b.Name}
		if !b.CreationDate.IsZero() {
			created := b.CreationDate
			info.CreationDate = &created
		}
		buckets = append(buckets, info)
	}
	return buckets, nil
}

// CreateBucket creates a bucket.
func (a *MinIOAdapter) CreateBucket(ctx context.Context, name string, opts CreateBucketOptions) error {
	region := opts.Region
	if region == "" {
		region = a.region
	}
	err := a.client.MakeBucket(ctx, name, minio.MakeBucketOptions{Region: region})
	a.observe("create_bucket", err)
	if err != nil {
		return fmt.Errorf("creating bucket %q: %w", name, err)
	}
	return nil
}

// DeleteBucket removes an empty bucket.
func (a *MinIOAdapter) DeleteBucket(ctx context.Context, name string) error {
	err := a.client.RemoveBucket(ctx, name)
	a.observe("delete_bucket", err)
	if err != nil {
		return fmt.Errorf("deleting bucket %q: %w", name, err)
	}
	return nil
}

// GetObjectURL presigns a GET request for key.
func (a *MinIOAdapter) GetObjectURL(ctx context.Context, bucket, key string, expiresIn time.Duration) (*ObjectURL, error) {
	if expiresIn <= 0 {
		expiresIn = DefaultURLExpiry
	}
	u, err := a.client.PresignedGetObject(ctx, bucket, key, expiresIn, nil)
	a.observe("presign", err)
	if err != nil {
		return nil, fmt.Errorf("presigning %s/%s: %w", bucket, key, err)
	}
	return &ObjectURL{URL: u.String(), ExpiresAt: time.Now().Add(expiresIn)}, nil
}

func (a *MinIOAdapter) listPage(ctx context.Context, bucket string, q pageQuery) (*objectPage, error) {
	res, err := a.client.ListObjectsV2(ctx, bucket, q.Prefix, q.Delimiter, q.Cursor, q.MaxKeys)
	if err != nil {
		return nil, err
	}
	page := &objectPage{Truncated: res.IsTruncated, NextCursor: res.NextContinuationToken}
	for _, p := range res.CommonPrefixes {
		page.Prefixes = append(page.Prefixes, p.Prefix)
	}
	for _, obj := range res.Contents {
		page.Objects = append(page.Objects, objectEntry{
			Key:          obj.Key,
			Size:         obj.Size,
			LastModified: obj.LastModified,
			ContentType:  obj.ContentType,
		})
	}
	return page, nil
}

func (a *MinIOAdapter) listKeys(ctx context.Context, bucket, prefix string) ([]string, error) {
	var keys []string
	token := ""
	for {
		res, err := a.client.ListObjectsV2(ctx, bucket, prefix, "", token, maxDeleteBatch)
		if err != nil {
			return nil, fmt.Errorf("listing %s/%s: %w", bucket, prefix, err)
		}
		for _, obj := range res.Contents {
			keys = append(keys, obj.Key)
		}
		if !res.IsTruncated || res.NextContinuationToken == "" {
			return keys, nil
		}
		token = res.NextContinuationToken
	}
}

func (a *MinIOAdapter) putObject(ctx context.Context, bucket, key string, content []byte, contentType string) error {
	_, err := a.client.PutObject(ctx, bucket, key, bytes.NewReader(content), int64(len(content)),
		minio.PutObjectOptions{ContentType: contentType})
	return err
}

func (a *MinIOAdapter) copyObject(ctx context.Context, bucket, srcKey, dstKey string) error {
	_, err := a.client.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: bucket, Object: dstKey},
		minio.CopySrcOptions{Bucket: bucket, Object: srcKey},
	)
	return err
}

func (a *MinIOAdapter) removeObject(ctx context.Context, bucket, key string) error {
	return a.client.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{})
}

func (a *MinIOAdapter) removeBatch(ctx context.Context, bucket string, keys []string) (int, error) {
	objects := make(chan minio.ObjectInfo, len(keys))
	for _, k := range keys {
		objects <- minio.ObjectInfo{Key: k}
	}
	close(objects)

	var failed int
	var first string
	for e := range a.client.RemoveObjects(ctx, bucket, objects, minio.RemoveObjectsOptions{}) {
		if e.Err == nil || minio.ToErrorResponse(e.Err).Code == "NoSuchKey" {
			continue
		}
		if failed == 0 {
			first = fmt.Sprintf("%s: %v", e.ObjectName, e.Err)
		}
		failed++
	}
	if failed > 0 {
		return len(keys) - failed, &batchError{Failed: failed, Message: first}
	}
	return len(keys), nil
}

func (a *MinIOAdapter) emulateFolder(ctx context.Context, bucket, folderKey string) error {
	_, err := a.client.PutObject(ctx, bucket, folderKey, bytes.NewReader(nil), 0,
		minio.PutObjectOptions{ContentType: "application/x-directory"})
	return err
}

var _ Adapter = (*MinIOAdapter)(nil)
