package storage

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	cos "github.com/tencentyun/cos-go-sdk-v5"

	"github.com/stowage/stowage/internal/provider"
)

// defaultCOSRegion is used when the descriptor leaves the region empty.
const defaultCOSRegion = "ap-guangzhou"

// COSAPI defines the Tencent COS operations the adapter uses. This allows
// mocking in tests.
type COSAPI interface {
	ListBuckets(ctx context.Context) ([]BucketInfo, error)
	CreateBucket(ctx context.Context, name, region string) error
	DeleteBucket(ctx context.Context, name string) error
	ListObjects(ctx context.Context, bucket string, q pageQuery) (*objectPage, error)
	PutObject(ctx context.Context, bucket, key string, content []byte, contentType string) error
	// CopyObject copies sourceURL, in COS copy-source form, to dstKey.
	CopyObject(ctx context.Context, bucket, dstKey, sourceURL string) error
	DeleteObject(ctx context.Context, bucket, key string) error
	// DeleteObjects returns the number of keys deleted and the first
	// per-key error reported by the service, if any.
	DeleteObjects(ctx context.Context, bucket string, keys []string) (int, error)
	PresignGet(ctx context.Context, bucket, key string, expires time.Duration) (string, error)
}

// realCOSClient wraps the Tencent COS SDK to satisfy COSAPI. COS clients
// are bound to one bucket URL, so a client is built per call.
type realCOSClient struct {
	secretID, secretKey string
	region              string
	httpClient          *http.Client
}

func newRealCOSClient(secretID, secretKey, region string) *realCOSClient {
	return &realCOSClient{
		secretID:  secretID,
		secretKey: secretKey,
		region:    region,
		httpClient: &http.Client{Transport: &cos.AuthorizationTransport{
			SecretID:  secretID,
			SecretKey: secretKey,
		}},
	}
}

func (c *realCOSClient) service() *cos.Client {
	su, _ := url.Parse("https://service.cos.myqcloud.com")
	return cos.NewClient(&cos.BaseURL{ServiceURL: su}, c.httpClient)
}

func (c *realCOSClient) bucketIn(bucket, region string) (*cos.Client, error) {
	bu, err := cos.NewBucketURL(bucket, region, true)
	if err != nil {
		return nil, err
	}
	return cos.NewClient(&cos.BaseURL{BucketURL: bu}, c.httpClient), nil
}

func (c *realCOSClient) bucket(bucket string) (*cos.Client, error) {
	return c.bucketIn(bucket, c.region)
}

func (c *realCOSClient) ListBuckets(ctx context.Context) ([]BucketInfo, error) {
	res, _, err := c.service().Service.Get(ctx)
	if err != nil {
		return nil, err
	}
	buckets := make([]BucketInfo, 0, len(res.Buckets))
	for _, b := range res.Buckets {
		info := BucketInfo{Name: b.Name, Region: b.Region}
		if t, err := time.Parse(time.RFC3339, b.CreationDate); err == nil {
			info.CreationDate = &t
		}
		buckets = append(buckets, info)
	}
	return buckets, nil
}

func (c *realCOSClient) CreateBucket(ctx context.Context, name, region string) error {
	client, err := c.bucketIn(name, region)
	if err != nil {
		return err
	}
	_, err = client.Bucket.Put(ctx, nil)
	return err
}

func (c *realCOSClient) DeleteBucket(ctx context.Context, name string) error {
	client, err := c.bucket(name)
	if err != nil {
		return err
	}
	_, err = client.Bucket.Delete(ctx)
	return err
}

func (c *realCOSClient) ListObjects(ctx context.Context, bucket string, q pageQuery) (*objectPage, error) {
	client, err := c.bucket(bucket)
	if err != nil {
		return nil, err
	}
	res, _, err := client.Bucket.Get(ctx, &cos.BucketGetOptions{
		Prefix:    q.Prefix,
		Delimiter: q.Delimiter,
		Marker:    q.Cursor,
		MaxKeys:   q.MaxKeys,
	})
	if err != nil {
		return nil, err
	}
	page := &objectPage{Prefixes: res.CommonPrefixes, Truncated: res.IsTruncated, NextCursor: res.NextMarker}
	for _, obj := range res.Contents {
		entry := objectEntry{Key: obj.Key, Size: obj.Size}
		if t, err := time.Parse(time.RFC3339, obj.LastModified); err == nil {
			entry.LastModified = t
		}
		page.Objects = append(page.Objects, entry)
	}
	// COS leaves NextMarker empty when no delimiter is given.
	if page.Truncated && page.NextCursor == "" && len(res.Contents) > 0 {
		page.NextCursor = res.Contents[len(res.Contents)-1].Key
	}
	return page, nil
}

func (c *realCOSClient) PutObject(ctx context.Context, bucket, key string, content []byte, contentType string) error {
	client, err := c.bucket(bucket)
	if err != nil {
		return err
	}
	_, err = client.Object.Put(ctx, key, bytes.NewReader(content), &cos.ObjectPutOptions{
		ObjectPutHeaderOptions: &cos.ObjectPutHeaderOptions{
			ContentType:   contentType,
			ContentLength: int64(len(content)),
		},
	})
	return err
}

func (c *realCOSClient) CopyObject(ctx context.Context, bucket, dstKey, sourceURL string) error {
	client, err := c.bucket(bucket)
	if err != nil {
		return err
	}
	_, _, err = client.Object.Copy(ctx, dstKey, sourceURL, nil)
	return err
}

func (c *realCOSClient) DeleteObject(ctx context.Context, bucket, key string) error {
	client, err := c.bucket(bucket)
	if err != nil {
		return err
	}
	_, err = client.Object.Delete(ctx, key)
	return err
}

func (c *realCOSClient) DeleteObjects(ctx context.Context, bucket string, keys []string) (int, error) {
	client, err := c.bucket(bucket)
	if err != nil {
		return 0, err
	}
	objects := make([]cos.Object, 0, len(keys))
	for _, k := range keys {
		objects = append(objects, cos.Object{Key: k})
	}
	res, _, err := client.Object.DeleteMulti(ctx, &cos.ObjectDeleteMultiOptions{Objects: objects})
	if err != nil {
		return 0, err
	}
	var failed int
	var first string
	for _, e := range res.Errors {
		if e.Code == "NoSuchKey" {
			continue
		}
		if failed == 0 {
			first = fmt.Sprintf("%s: %s", e.Key, e.Message)
		}
		failed++
	}
	if failed > 0 {
		return len(keys) - failed, &batchError{Failed: failed, Message: first}
	}
	return len(keys), nil
}

func (c *realCOSClient) PresignGet(ctx context.Context, bucket, key string, expires time.Duration) (string, error) {
	client, err := c.bucket(bucket)
	if err != nil {
		return "", err
	}
	u, err := client.Object.GetPresignedURL(ctx, http.MethodGet, key, c.secretID, c.secretKey, expires, nil)
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

// COSAdapter serves Tencent Cloud COS.
type COSAdapter struct {
	objectOps
	region string
	client COSAPI
}

// NewCOSAdapter creates a COSAdapter for d.
func NewCOSAdapter(d *provider.TencentCOS) *COSAdapter {
	region := d.Region
	if region == "" {
		region = defaultCOSRegion
	}
	return NewCOSAdapterWithClient(region, newRealCOSClient(d.SecretID, d.SecretKey, region))
}

// NewCOSAdapterWithClient creates a COSAdapter around a pre-configured
// client. This is primarily used for testing with mock clients.
func NewCOSAdapterWithClient(region string, client COSAPI) *COSAdapter {
	a := &COSAdapter{region: region, client: client}
	a.objectOps = objectOps{store: a, kind: provider.KindTencentCOS}
	return a
}

// cosCopySource builds the copy source COS expects: the bucket host
// followed by the fully escaped key.
func cosCopySource(bucket, region, key string) string {
	return fmt.Sprintf("%s.cos.%s.myqcloud.com/%s", bucket, region, url.PathEscape(key))
}

// TestConnection lists buckets to prove the credentials work.
func (a *COSAdapter) TestConnection(ctx context.Context) ConnectionResult {
	_, err := a.client.ListBuckets(ctx)
	a.observe("test_connection", err)
	if err != nil {
		return ConnectionResult{Error: errorMessage(err)}
	}
	return ConnectionResult{Success: true}
}

// ListBuckets returns all buckets across regions.
func (a *COSAdapter) ListBuckets(ctx context.Context) ([]BucketInfo, error) {
	buckets, err := a.client.ListBuckets(ctx)
	a.observe("list_buckets", err)
	if err != nil {
		return nil, fmt.Errorf("listing buckets: %w", err)
	}
	return buckets, nil
}

// CreateBucket creates a bucket. COS bucket names carry the APPID suffix
// ("name-1250000000").
func (a *COSAdapter) CreateBucket(ctx context.Context, name string, opts CreateBucketOptions) error {
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
func (a *COSAdapter) DeleteBucket(ctx context.Context, name string) error {
	err := a.client.DeleteBucket(ctx, name)
	a.observe("delete_bucket", err)
	if err != nil {
		return fmt.Errorf("deleting bucket %q: %w", name, err)
	}
	return nil
}

// GetObjectURL presigns a GET URL.
func (a *COSAdapter) GetObjectURL(ctx context.Context, bucket, key string, expiresIn time.Duration) (*ObjectURL, error) {
	if expiresIn <= 0 {
		expiresIn = DefaultURLExpiry
	}
	u, err := a.client.PresignGet(ctx, bucket, key, expiresIn)
	a.observe("presign", err)
	if err != nil {
		return nil, fmt.Errorf("presigning %s/%s: %w", bucket, key, err)
	}
	return &ObjectURL{URL: u, ExpiresAt: time.Now().Add(expiresIn)}, nil
}

func (a *COSAdapter) listPage(ctx context.Context, bucket string, q pageQuery) (*objectPage, error) {
	return a.client.ListObjects(ctx, bucket, q)
}

func (a *COSAdapter) listKeys(ctx context.Context, bucket, prefix string) ([]string, error) {
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

func (a *COSAdapter) putObject(ctx context.Context, bucket, key string, content []byte, contentType string) error {
	return a.client.PutObject(ctx, bucket, key, content, contentType)
}

func (a *COSAdapter) copyObject(ctx context.Context, bucket, srcKey, dstKey string) error {
	return a.client.CopyObject(ctx, bucket, dstKey, cosCopySource(bucket, a.region, srcKey))
}

func (a *COSAdapter) removeObject(ctx context.Context, bucket, key string) error {
	return a.client.DeleteObject(ctx, bucket, key)
}

func (a *COSAdapter) removeBatch(ctx context.Context, bucket string, keys []string) (int, error) {
	n, err := a.client.DeleteObjects(ctx, bucket, keys)
	if err != nil && n == 0 {
		return 0, fmt.Errorf("batch-deleting %d keys: %w", len(keys), err)
	}
	return n, err
}

// emulateFolder writes a zero-byte marker with the directory content type
// the COS console uses.
func (a *COSAdapter) emulateFolder(ctx context.Context, bucket, folderKey string) error {
	return a.client.PutObject(ctx, bucket, folderKey, nil, "application/x-directory")
}

var _ Adapter = (*COSAdapter)(nil)
