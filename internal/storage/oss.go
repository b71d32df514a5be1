package storage

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aliyun/aliyun-oss-go-sdk/oss"

	"github.com/stowage/stowage/internal/provider"
)

// defaultOSSRegion is used when the descriptor leaves the region empty.
const defaultOSSRegion = "oss-cn-hangzhou"

// OSSAPI defines the Aliyun OSS operations the adapter uses. This allows
// mocking in tests.
type OSSAPI interface {
	ListBuckets(ctx context.Context) ([]BucketInfo, error)
	CreateBucket(ctx context.Context, name, region string) error
	DeleteBucket(ctx context.Context, name string) error
	ListObjects(ctx context.Context, bucket string, q pageQuery) (*objectPage, error)
	PutObject(ctx context.Context, bucket, key string, content []byte, contentType string) error
	CopyObject(ctx context.Context, bucket, srcKey, dstKey string) error
	DeleteObject(ctx context.Context, bucket, key string) error
	// DeleteObjects returns the keys the service reports as deleted.
	DeleteObjects(ctx context.Context, bucket string, keys []string) ([]string, error)
	SignURL(ctx context.Context, bucket, key string, expires time.Duration) (string, error)
}

// realOSSClient wraps the Aliyun OSS SDK to satisfy OSSAPI.
type realOSSClient struct {
	client *oss.Client
	ak, sk string
	region string
}

func ossEndpoint(region string) string {
	return fmt.Sprintf("https://%s.aliyuncs.com", region)
}

func (c *realOSSClient) bucket(name string) (*oss.Bucket, error) {
	return c.client.Bucket(name)
}

func (c *realOSSClient) ListBuckets(ctx context.Context) ([]BucketInfo, error) {
	var buckets []BucketInfo
	marker := ""
	for {
		res, err := c.client.ListBuckets(oss.Marker(marker), oss.WithContext(ctx))
		if err != nil {
			return nil, err
		}
		for _, b := range res.Buckets {
			info := BucketInfo{Name: b.Name, Region: b.Location}
			if !b.CreationDate.IsZero() {
				created := b.CreationDate
				info.CreationDate = &created
			}
			buckets = append(buckets, info)
		}
		if !res.IsTruncated || res.NextMarker == "" {
			return buckets, nil
		}
		marker = res.NextMarker
	}
}

// CreateBucket creates the bucket through the endpoint of the requested
// region, since OSS places a bucket in the region it was created against.
func (c *realOSSClient) CreateBucket(ctx context.Context, name, region string) error {
	client := c.client
	if region != "" && region != c.region {
		var err error
		client, err = oss.New(ossEndpoint(region), c.ak, c.sk)
		if err != nil {
			return err
		}
	}
	return client.CreateBucket(name, oss.WithContext(ctx))
}

func (c *realOSSClient) DeleteBucket(ctx context.Context, name string) error {
	return c.client.DeleteBucket(name, oss.WithContext(ctx))
}

func (c *realOSSClient) ListObjects(ctx context.Context, bucket string, q pageQuery) (*objectPage, error) {
	b, err := c.bucket(bucket)
	if err != nil {
		return nil, err
	}
	opts := []oss.Option{oss.Prefix(q.Prefix), oss.MaxKeys(q.MaxKeys), oss.WithContext(ctx)}
	if q.Delimiter != "" {
		opts = append(opts, oss.Delimiter(q.Delimiter))
	}
	if q.Cursor != "" {
		opts = append(opts, oss.Marker(q.Cursor))
	}
	res, err := b.ListObjects(opts...)
	if err != nil {
		return nil, err
	}
	page := &objectPage{Prefixes: res.CommonPrefixes, Truncated: res.IsTruncated, NextCursor: res.NextMarker}
	for _, obj := range res.Objects {
		page.Objects = append(page.Objects, objectEntry{
			Key:          obj.Key,
			Size:         obj.Size,
			LastModified: obj.LastModified,
		})
	}
	return page, nil
}

func (c *realOSSClient) PutObject(ctx context.Context, bucket, key string, content []byte, contentType string) error {
	b, err := c.bucket(bucket)
	if err != nil {
		return err
	}
	return b.PutObject(key, bytes.NewReader(content), oss.ContentType(contentType), oss.WithContext(ctx))
}

func (c *realOSSClient) CopyObject(ctx context.Context, bucket, srcKey, dstKey string) error {
	b, err := c.bucket(bucket)
	if err != nil {
		return err
	}
	_, err = b.CopyObject(srcKey, dstKey, oss.WithContext(ctx))
	return err
}

func (c *realOSSClient) DeleteObject(ctx context.Context, bucket, key string) error {
	b, err := c.bucket(bucket)
	if err != nil {
		return err
	}
	return b.DeleteObject(key, oss.WithContext(ctx))
}

func (c *realOSSClient) DeleteObjects(ctx context.Context, bucket string, keys []string) ([]string, error) {
	b, err := c.bucket(bucket)
	if err != nil {
		return nil, err
	}
	res, err := b.DeleteObjects(keys, oss.DeleteObjectsQuiet(false), oss.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	return res.DeletedObjects, nil
}

func (c *realOSSClient) SignURL(_ context.Context, bucket, key string, expires time.Duration) (string, error) {
	b, err := c.bucket(bucket)
	if err != nil {
		return "", err
	}
	return b.SignURL(key, oss.HTTPGet, int64(expires.Seconds()))
}

// OSSAdapter serves Alibaba Cloud OSS.
type OSSAdapter struct {
	objectOps
	region string
	client OSSAPI
}

// NewOSSAdapter creates an OSSAdapter for d.
func NewOSSAdapter(d *provider.AliyunOSS) (*OSSAdapter, error) {
	region := d.Region
	if region == "" {
		region = defaultOSSRegion
	}
	endpoint := strings.TrimRight(d.Endpoint, "/")
	if endpoint == "" {
		endpoint = ossEndpoint(region)
	}
	client, err := oss.New(endpoint, d.AccessKeyID, d.AccessKeySecret)
	if err != nil {
		return nil, fmt.Errorf("creating OSS client: %w", err)
	}
	return NewOSSAdapterWithClient(region, &realOSSClient{
		client: client,
		ak:     d.AccessKeyID,
		sk:     d.AccessKeySecret,
		region: region,
	}), nil
}

// NewOSSAdapterWithClient creates an OSSAdapter around a pre-configured
// client. This is primarily used for testing with mock clients.
func NewOSSAdapterWithClient(region string, client OSSAPI) *OSSAdapter {
	a := &OSSAdapter{region: region, client: client}
	a.objectOps = objectOps{store: a, kind: provider.KindAliyunOSS}
	return a
}

// TestConnection lists buckets to prove the credentials work.
func (a *OSSAdapter) TestConnection(ctx context.Context) ConnectionResult {
	_, err := a.client.ListBuckets(ctx)
	a.observe("test_connection", err)
	if err != nil {
		return ConnectionResult{Error: errorMessage(err)}
	}
	return ConnectionResult{Success: true}
}

// ListBuckets returns every bucket, following OSS pagination.
func (a *OSSAdapter) ListBuckets(ctx context.Context) ([]BucketInfo, error) {
	buckets, err := a.client.ListBuckets(ctx)
	a.observe("list_buckets", err)
	if err != nil {
		return nil, fmt.Errorf("listing buckets: %w", err)
	}
	return buckets, nil
}

// CreateBucket creates a bucket in opts.Region or the descriptor's region.
func (a *OSSAdapter) CreateBucket(ctx context.Context, name string, opts CreateBucketOptions) error {
	region := opts.Region
	if region == "" {
		region = a.region
	}
	err := a.client.CreateBucket(ctx, name, region)
	a.observe("create_bucket", err)
	if err != nil {
		return fmt.Errorf("creating bucket %q: %w", name, err)
	}
	return nil
}

// DeleteBucket removes an empty bucket.
func (a *OSSAdapter) DeleteBucket(ctx context.Context, name string) error {
	err := a.client.DeleteBucket(ctx, name)
	a.observe("delete_bucket", err)
	if err != nil {
		return fmt.Errorf("deleting bucket %q: %w", name, err)
	}
	return nil
}

// GetObjectURL signs a GET URL valid for expiresIn, whole seconds.
func (a *OSSAdapter) GetObjectURL(ctx context.Context, bucket, key string, expiresIn time.Duration) (*ObjectURL, error) {
	if expiresIn <= 0 {
		expiresIn = DefaultURLExpiry
	}
	u, err := a.client.SignURL(ctx, bucket, key, expiresIn)
	a.observe("presign", err)
	if err != nil {
		return nil, fmt.Errorf("signing %s/%s: %w", bucket, key, err)
	}
	return &ObjectURL{URL: u, ExpiresAt: time.Now().Add(expiresIn)}, nil
}

func (a *OSSAdapter) listPage(ctx context.Context, bucket string, q pageQuery) (*objectPage, error) {
	return a.client.ListObjects(ctx, bucket, q)
}

func (a *OSSAdapter) listKeys(ctx context.Context, bucket, prefix string) ([]string, error) {
	var keys []string
	marker := ""
	for {
		page, err := a.client.ListObjects(ctx, bucket, pageQuery{Prefix: prefix, Cursor: marker, MaxKeys: maxDeleteBatch})
		if err != nil {
			return nil, fmt.Errorf("listing %s/%s: %w", bucket, prefix, err)
		}
		for _, obj := range page.Objects {
			keys = append(keys, obj.Key)
		}
		if !page.Truncated || page.NextCursor == "" {
			return keys, nil
		}
		marker = page.NextCursor
	}
}

func (a *OSSAdapter) putObject(ctx context.Context, bucket, key string, content []byte, contentType string) error {
	return a.client.PutObject(ctx, bucket, key, content, contentType)
}

func (a *OSSAdapter) copyObject(ctx context.Context, bucket, srcKey, dstKey string) error {
	return a.client.CopyObject(ctx, bucket, srcKey, dstKey)
}

func (a *OSSAdapter) removeObject(ctx context.Context, bucket, key string) error {
	return a.client.DeleteObject(ctx, bucket, key)
}

// removeBatch treats keys OSS did not report as deleted as failures.
func (a *OSSAdapter) removeBatch(ctx context.Context, bucket string, keys []string) (int, error) {
	deleted, err := a.client.DeleteObjects(ctx, bucket, keys)
	if err != nil {
		return 0, fmt.Errorf("batch-deleting %d keys: %w", len(keys), err)
	}
	if missing := len(keys) - len(deleted); missing > 0 {
		return len(deleted), &batchError{Failed: missing, Message: "not reported as deleted by OSS"}
	}
	return len(keys), nil
}

func (a *OSSAdapter) emulateFolder(ctx context.Context, bucket, folderKey string) error {
	return a.client.PutObject(ctx, bucket, folderKey, nil, "application/x-directory")
}

var _ Adapter = (*OSSAdapter)(nil)
