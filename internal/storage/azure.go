package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/stowage/stowage/internal/provider"
)

// AzureBlobAPI defines the subset of the Azure Blob Storage client interface
// that the adapter uses. This allows mocking in tests.
type AzureBlobAPI interface {
	// ListContainers lists every container of the account.
	ListContainers(ctx context.Context) ([]BucketInfo, error)
	// CreateContainer creates a private container.
	CreateContainer(ctx context.Context, name string) error
	// DeleteContainer deletes a container and its blobs.
	DeleteContainer(ctx context.Context, name string) error
	// ListBlobs returns one page of blobs, grouped when q has a delimiter.
	ListBlobs(ctx context.Context, containerName string, q pageQuery) (*objectPage, error)
	// UploadBlob uploads data to a blob, overwriting if it already exists.
	UploadBlob(ctx context.Context, containerName, blobName string, data []byte, contentType string) error
	// CopyBlob copies a blob within a container and waits for completion.
	CopyBlob(ctx context.Context, containerName, srcBlob, dstBlob string) error
	// DeleteBlob deletes a blob. Returns an error if the blob does not exist.
	DeleteBlob(ctx context.Context, containerName, blobName string) error
	// BlobSASURL returns a read-only SAS URL for the blob.
	BlobSASURL(containerName, blobName string, expires time.Duration) (string, error)
}

// AzureAdapter serves Azure Blob Storage; buckets map to containers.
type AzureAdapter struct {
	objectOps
	client AzureBlobAPI
}

// NewAzureAdapter creates an AzureAdapter for d.
func NewAzureAdapter(d *provider.AzureBlob) (*AzureAdapter, error) {
	client, err := newRealAzureClient(azureAccountURL(d), d.AccountName, d.AccountKey)
	if err != nil {
		return nil, err
	}
	return NewAzureAdapterWithClient(client), nil
}

// NewAzureAdapterWithClient creates an AzureAdapter with a pre-configured
// Azure client. This is primarily used for testing with mock clients.
func NewAzureAdapterWithClient(client AzureBlobAPI) *AzureAdapter {
	a := &AzureAdapter{client: client}
	a.objectOps = objectOps{store: a, kind: provider.KindAzureBlob}
	return a
}

// azureAccountURL returns the blob service URL of the account.
func azureAccountURL(d *provider.AzureBlob) string {
	if d.Endpoint != "" {
		return strings.TrimRight(d.Endpoint, "/")
	}
	return fmt.Sprintf("https://%s.blob.core.windows.net", d.AccountName)
}

// TestConnection lists containers to prove the credentials work.
func (a *AzureAdapter) TestConnection(ctx context.Context) ConnectionResult {
	_, err := a.client.ListContainers(ctx)
	a.observe("test_connection", err)
	if err != nil {
		return ConnectionResult{Error: errorMessage(err)}
	}
	return ConnectionResult{Success: true}
}

// ListBuckets returns the account's containers.
func (a *AzureAdapter) ListBuckets(ctx context.Context) ([]BucketInfo, error) {
	buckets, err := a.client.ListContainers(ctx)
	a.observe("list_buckets", err)
	if err != nil {
		return nil, fmt.Errorf("listing containers: %w", err)
	}
	return buckets, nil
}

// CreateBucket creates a container. Containers live in the account's
// region, so opts.Region is ignored.
func (a *AzureAdapter) CreateBucket(ctx context.Context, name string, _ CreateBucketOptions) error {
	err := a.client.CreateContainer(ctx, name)
	a.observe("create_bucket", err)
	if err != nil {
		return fmt.Errorf("creating container %q: %w", name, err)
	}
	return nil
}

// DeleteBucket deletes a container.
func (a *AzureAdapter) DeleteBucket(ctx context.Context, name string) error {
	err := a.client.DeleteContainer(ctx, name)
	a.observe("delete_bucket", err)
	if err != nil {
		return fmt.Errorf("deleting container %q: %w", name, err)
	}
	return nil
}

// GetObjectURL returns a read-only SAS URL. It needs an account key.
func (a *AzureAdapter) GetObjectURL(_ context.Context, bucket, key string, expiresIn time.Duration) (*ObjectURL, error) {
	if expiresIn <= 0 {
		expiresIn = DefaultURLExpiry
	}
	u, err := a.client.BlobSASURL(bucket, key, expiresIn)
	a.observe("presign", err)
	if err != nil {
		return nil, fmt.Errorf("signing %s/%s: %w", bucket, key, err)
	}
	return &ObjectURL{URL: u, ExpiresAt: time.Now().Add(expiresIn)}, nil
}

func (a *AzureAdapter) listPage(ctx context.Context, bucket string, q pageQuery) (*objectPage, error) {
	return a.client.ListBlobs(ctx, bucket, q)
}

func (a *AzureAdapter) listKeys(ctx context.Context, bucket, prefix string) ([]string, error) {
	var keys []string
	marker := ""
	for {
		page, err := a.client.ListBlobs(ctx, bucket, pageQuery{Prefix: prefix, Cursor: marker, MaxKeys: maxDeleteBatch})
		if err != nil {
			return nil, fmt.Errorf("listing %s/%s: %w", bucket, prefix, err)
		}
		for _, obj := range page.Objects {
			keys = append(keys, obj.Key)
		}
		if !page.Truncated {
			return keys, nil
		}
		marker = page.NextCursor
	}
}

func (a *AzureAdapter) putObject(ctx context.Context, bucket, key string, content []byte, contentType string) error {
	if err := a.client.UploadBlob(ctx, bucket, key, content, contentType); err != nil {
		return fmt.Errorf("uploading to Azure Blob: %w", err)
	}
	return nil
}

func (a *AzureAdapter) copyObject(ctx context.Context, bucket, srcKey, dstKey string) error {
	err := a.client.CopyBlob(ctx, bucket, srcKey, dstKey)
	if isAzureNotFound(err) {
		return fmt.Errorf("source object not found: %s/%s", bucket, srcKey)
	}
	return err
}

// removeObject is idempotent: a missing blob is not an error.
func (a *AzureAdapter) removeObject(ctx context.Context, bucket, key string) error {
	err := a.client.DeleteBlob(ctx, bucket, key)
	if err != nil && !isAzureNotFound(err) {
		return fmt.Errorf("deleting object from Azure Blob: %w", err)
	}
	return nil
}

func (a *AzureAdapter) removeBatch(ctx context.Context, bucket string, keys []string) (int, error) {
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

func (a *AzureAdapter) emulateFolder(ctx context.Context, bucket, folderKey string) error {
	return a.putObject(ctx, bucket, folderKey, nil, "application/x-directory")
}

var _ Adapter = (*AzureAdapter)(nil)
