package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/stowage/stowage/internal/provider"
)

// GCSAPI defines the subset of the GCS client that the adapter uses. This
// allows mocking in tests.
type GCSAPI interface {
	// ListBuckets lists the buckets of a project.
	ListBuckets(ctx context.Context, projectID string) ([]BucketInfo, error)
	// CreateBucket creates a bucket in the given location.
	CreateBucket(ctx context.Context, projectID, name, location string) error
	// DeleteBucket deletes an empty bucket.
	DeleteBucket(ctx context.Context, name string) error
	// ListObjects returns one page of objects. With a delimiter, prefixes
	// come back grouped.
	ListObjects(ctx context.Context, bucket string, q pageQuery) (*objectPage, error)
	// NewWriter returns a writer for the given GCS object.
	NewWriter(ctx context.Context, bucket, object, contentType string) GCSWriter
	// Copy copies a GCS object from src to dst within the same bucket.
	Copy(ctx context.Context, bucket, srcObject, dstObject string) error
	// Delete deletes the given GCS object.
	Delete(ctx context.Context, bucket, object string) error
	// SignedURL signs a V4 GET URL.
	SignedURL(bucket, object string, expires time.Duration) (string, error)
}

// GCSWriter is a writer interface for writing to GCS objects.
type GCSWriter interface {
	io.WriteCloser
}

// realGCSClient wraps the official GCS client to satisfy GCSAPI.
type realGCSClient struct {
	client *gcs.Client
}

func (c *realGCSClient) ListBuckets(ctx context.Context, projectID string) ([]BucketInfo, error) {
	it := c.client.Buckets(ctx, projectID)
	var buckets []BucketInfo
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return buckets, nil
		}
		if err != nil {
			return nil, err
		}
		created := attrs.Created
		buckets = append(buckets, BucketInfo{Name: attrs.Name, CreationDate: &created, Region: attrs.Location})
	}
}

func (c *realGCSClient) CreateBucket(ctx context.Context, projectID, name, location string) error {
	var attrs *gcs.BucketAttrs
	if location != "" {
		attrs = &gcs.BucketAttrs{Location: location}
	}
	return c.client.Bucket(name).Create(ctx, projectID, attrs)
}

func (c *realGCSClient) DeleteBucket(ctx context.Context, name string) error {
	return c.client.Bucket(name).Delete(ctx)
}

func (c *realGCSClient) ListObjects(ctx context.Context, bucket string, q pageQuery) (*objectPage, error) {
	it := c.client.Bucket(bucket).Objects(ctx, &gcs.Query{Prefix: q.Prefix, Delimiter: q.Delimiter})
	var attrs []*gcs.ObjectAttrs
	next, err := iterator.NewPager(it, q.MaxKeys, q.Cursor).NextPage(&attrs)
	if err != nil {
		return nil, err
	}
	page := &objectPage{NextCursor: next, Truncated: next != ""}
	for _, a := range attrs {
		if a.Prefix != "" {
			page.Prefixes = append(page.Prefixes, a.Prefix)
			continue
		}
		page.Objects = append(page.Objects, objectEntry{
			Key:          a.Name,
			Size:         a.Size,
			LastModified: a.Updated,
			ContentType:  a.ContentType,
		})
	}
	return page, nil
}

func (c *realGCSClient) NewWriter(ctx context.Context, bucket, object, contentType string) GCSWriter {
	w := c.client.Bucket(bucket).Object(object).NewWriter(ctx)
	w.ContentType = contentType
	return w
}

func (c *realGCSClient) Copy(ctx context.Context, bucket, srcObject, dstObject string) error {
	src := c.client.Bucket(bucket).Object(srcObject)
	dst := c.client.Bucket(bucket).Object(dstObject)
	_, err := dst.CopierFrom(src).Run(ctx)
	return err
}

func (c *realGCSClient) Delete(ctx context.Context, bucket, object string) error {
	return c.client.Bucket(bucket).Object(object).Delete(ctx)
}

func (c *realGCSClient) SignedURL(bucket, object string, expires time.Duration) (string, error) {
	return c.client.Bucket(bucket).SignedURL(object, &gcs.SignedURLOptions{
		Method:  "GET",
		Expires: time.Now().Add(expires),
		Scheme:  gcs.SigningSchemeV4,
	})
}

// GCSAdapter serves Google Cloud Storage. GCS has no batch delete, so
// batches are deleted key by key.
type GCSAdapter struct {
	objectOps
	projectID string
	client    GCSAPI
}

// NewGCSAdapter creates a GCSAdapter for d. Without a service-account key,
// Application Default Credentials are used and URL signing relies on the
// IAM signBlob permission.
func NewGCSAdapter(ctx context.Context, d *provider.GCS) (*GCSAdapter, error) {
	var opts []option.ClientOption
	if d.CredentialsJSON != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(d.CredentialsJSON)))
	}
	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating GCS client: %w", err)
	}
	return NewGCSAdapterWithClient(d.ProjectID, &realGCSClient{client: client}), nil
}

// NewGCSAdapterWithClient creates a GCSAdapter with a pre-configured GCS
// client. This is primarily used for testing with mock clients.
func NewGCSAdapterWithClient(projectID string, client GCSAPI) *GCSAdapter {
	a := &GCSAdapter{projectID: projectID, client: client}
	a.objectOps = objectOps{store: a, kind: provider.KindGCS}
	return a
}

// TestConnection lists the project's buckets.
func (a *GCSAdapter) TestConnection(ctx context.Context) ConnectionResult {
	_, err := a.client.ListBuckets(ctx, a.projectID)
	a.observe("test_connection", err)
	if err != nil {
		return ConnectionResult{Error: errorMessage(err)}
	}
	return ConnectionResult{Success: true}
}

// ListBuckets returns the project's buckets.
func (a *GCSAdapter) ListBuckets(ctx context.Context) ([]BucketInfo, error) {
	buckets, err := a.client.ListBuckets(ctx, a.projectID)
	a.observe("list_buckets", err)
	if err != nil {
		return nil, fmt.Errorf("listing buckets: %w", err)
	}
	return buckets, nil
}

// CreateBucket creates a bucket; opts.Region is used as the GCS location.
func (a *GCSAdapter) CreateBucket(ctx context.Context, name string, opts CreateBucketOptions) error {
	err := a.client.CreateBucket(ctx, a.projectID, name, opts.Region)
	a.observe("create_bucket", err)
	if err != nil {
		return fmt.Errorf("creating bucket %q: %w", name, err)
	}
	return nil
}

// DeleteBucket removes an empty bucket.
func (a *GCSAdapter) DeleteBucket(ctx context.Context, name string) error {
	err := a.client.DeleteBucket(ctx, name)
	a.observe("delete_bucket", err)
	if err != nil {
		return fmt.Errorf("deleting bucket %q: %w", name, err)
	}
	return nil
}

// GetObjectURL signs a V4 GET URL.
func (a *GCSAdapter) GetObjectURL(ctx context.Context, bucket, key string, expiresIn time.Duration) (*ObjectURL, error) {
	if expiresIn <= 0 {
		expiresIn = DefaultURLExpiry
	}
	u, err := a.client.SignedURL(bucket, key, expiresIn)
	a.observe("presign", err)
	if err != nil {
		return nil, fmt.Errorf("signing %s/%s: %w", bucket, key, err)
	}
	return &ObjectURL{URL: u, ExpiresAt: time.Now().Add(expiresIn)}, nil
}

func (a *GCSAdapter) listPage(ctx context.Context, bucket string, q pageQuery) (*objectPage, error) {
	return a.client.ListObjects(ctx, bucket, q)
}

func (a *GCSAdapter) listKeys(ctx context.Context, bucket, prefix string) ([]string, error) {
	var keys []string
	token := ""
	for {
		page, err := a.client.ListObjects(ctx, bucket, pageQuery{Prefix: prefix, Cursor: token, MaxKeys: maxDeleteBatch})
		if err != nil {
			return nil, fmt.Errorf("listing %s/%s: %w", bucket, prefix, err)
		}
		for _, obj := range page.Objects {
			keys = append(keys, obj.Key)
		}
		if !page.Truncated {
			return keys, nil
		}
		token = page.NextCursor
	}
}

func (a *GCSAdapter) putObject(ctx context.Context, bucket, key string, content []byte, contentType string) error {
	w := a.client.NewWriter(ctx, bucket, key, contentType)
	if _, err := w.Write(content); err != nil {
		w.Close()
		return fmt.Errorf("writing to GCS: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalizing GCS upload: %w", err)
	}
	return nil
}

func (a *GCSAdapter) copyObject(ctx context.Context, bucket, srcKey, dstKey string) error {
	err := a.client.Copy(ctx, bucket, srcKey, dstKey)
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return fmt.Errorf("source object not found: %s/%s", bucket, srcKey)
	}
	return err
}

func (a *GCSAdapter) removeObject(ctx context.Context, bucket, key string) error {
	err := a.client.Delete(ctx, bucket, key)
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return nil
	}
	return err
}

func (a *GCSAdapter) removeBatch(ctx context.Context, bucket string, keys []string) (int, error) {
	var deleted, failed int
	var first string
	for _, k := range keys {
		if err := a.removeObject(ctx, bucket, k); err != nil {
			if failed == 0 {
				first = fmt.Sprintf("%s: %v", k, err)
			}
			failed++
			continue
		}
		deleted++
	}
	if failed > 0 {
		return deleted, &batchError{Failed: failed, Message: first}
	}
	return deleted, nil
}

func (a *GCSAdapter) emulateFolder(ctx context.Context, bucket, folderKey string) error {
	return a.putObject(ctx, bucket, folderKey, nil, "application/x-directory")
}

var _ Adapter = (*GCSAdapter)(nil)
