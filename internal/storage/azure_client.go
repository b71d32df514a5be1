package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/sas"
)

// copyPollInterval is how often a pending server-side copy is checked.
const copyPollInterval = 250 * time.Millisecond

// realAzureClient wraps the official Azure SDK client to satisfy AzureBlobAPI.
type realAzureClient struct {
	client *azblob.Client
}

// newRealAzureClient creates a real Azure Blob client. With an account key
// it uses shared-key auth, which is also what SAS signing needs. Otherwise
// it falls back to DefaultAzureCredential.
func newRealAzureClient(accountURL, accountName, accountKey string) (*realAzureClient, error) {
	if accountKey != "" {
		cred, err := azblob.NewSharedKeyCredential(accountName, accountKey)
		if err != nil {
			return nil, fmt.Errorf("creating Azure shared key credential: %w", err)
		}
		client, err := azblob.NewClientWithSharedKeyCredential(accountURL, cred, nil)
		if err != nil {
			return nil, fmt.Errorf("creating Azure Blob client with shared key: %w", err)
		}
		return &realAzureClient{client: client}, nil
	}

	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("creating Azure credential: %w", err)
	}
	client, err := azblob.NewClient(accountURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("creating Azure Blob client: %w", err)
	}
	return &realAzureClient{client: client}, nil
}

func (c *realAzureClient) containerClient(name string) *container.Client {
	return c.client.ServiceClient().NewContainerClient(name)
}

func (c *realAzureClient) ListContainers(ctx context.Context) ([]BucketInfo, error) {
	var buckets []BucketInfo
	pager := c.client.NewListContainersPager(nil)
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, item := range resp.ContainerItems {
			info := BucketInfo{Name: derefString(item.Name)}
			if item.Properties != nil {
				info.CreationDate = item.Properties.LastModified
			}
			buckets = append(buckets, info)
		}
	}
	return buckets, nil
}

func (c *realAzureClient) CreateContainer(ctx context.Context, name string) error {
	_, err := c.client.CreateContainer(ctx, name, nil)
	return err
}

func (c *realAzureClient) DeleteContainer(ctx context.Context, name string) error {
	_, err := c.client.DeleteContainer(ctx, name, nil)
	return err
}

func (c *realAzureClient) ListBlobs(ctx context.Context, containerName string, q pageQuery) (*objectPage, error) {
	var marker *string
	if q.Cursor != "" {
		marker = to.Ptr(q.Cursor)
	}
	page := &objectPage{}
	addItems := func(items []*container.BlobItem) {
		for _, item := range items {
			entry := objectEntry{Key: derefString(item.Name)}
			if p := item.Properties; p != nil {
				if p.ContentLength != nil {
					entry.Size = *p.ContentLength
				}
				if p.LastModified != nil {
					entry.LastModified = *p.LastModified
				}
				entry.ContentType = derefString(p.ContentType)
			}
			page.Objects = append(page.Objects, entry)
		}
	}

	if q.Delimiter == "" {
		pager := c.client.NewListBlobsFlatPager(containerName, &azblob.ListBlobsFlatOptions{
			Prefix:     to.Ptr(q.Prefix),
			Marker:     marker,
			MaxResults: to.Ptr(int32(q.MaxKeys)),
		})
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		addItems(resp.Segment.BlobItems)
		page.NextCursor = derefString(resp.NextMarker)
		page.Truncated = page.NextCursor != ""
		return page, nil
	}

	pager := c.containerClient(containerName).NewListBlobsHierarchyPager(q.Delimiter, &container.ListBlobsHierarchyOptions{
		Prefix:     to.Ptr(q.Prefix),
		Marker:     marker,
		MaxResults: to.Ptr(int32(q.MaxKeys)),
	})
	resp, err := pager.NextPage(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range resp.Segment.BlobPrefixes {
		page.Prefixes = append(page.Prefixes, derefString(p.Name))
	}
	addItems(resp.Segment.BlobItems)
	page.NextCursor = derefString(resp.NextMarker)
	page.Truncated = page.NextCursor != ""
	return page, nil
}

func (c *realAzureClient) UploadBlob(ctx context.Context, containerName, blobName string, data []byte, contentType string) error {
	_, err := c.client.UploadBuffer(ctx, containerName, blobName, data, &azblob.UploadBufferOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: to.Ptr(contentType)},
	})
	return err
}

// CopyBlob starts a server-side copy and waits until it leaves the pending
// state.
func (c *realAzureClient) CopyBlob(ctx context.Context, containerName, srcBlob, dstBlob string) error {
	cc := c.containerClient(containerName)
	dst := cc.NewBlobClient(dstBlob)
	resp, err := dst.StartCopyFromURL(ctx, cc.NewBlobClient(srcBlob).URL(), nil)
	if err != nil {
		return err
	}
	status := resp.CopyStatus
	for status != nil && *status == blob.CopyStatusTypePending {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(copyPollInterval):
		}
		props, err := dst.GetProperties(ctx, nil)
		if err != nil {
			return err
		}
		status = props.CopyStatus
	}
	if status != nil && *status != blob.CopyStatusTypeSuccess {
		return fmt.Errorf("copy of %s ended with status %s", srcBlob, *status)
	}
	return nil
}

func (c *realAzureClient) DeleteBlob(ctx context.Context, containerName, blobName string) error {
	_, err := c.client.DeleteBlob(ctx, containerName, blobName, nil)
	return err
}

func (c *realAzureClient) BlobSASURL(containerName, blobName string, expires time.Duration) (string, error) {
	bc := c.containerClient(containerName).NewBlobClient(blobName)
	return bc.GetSASURL(sas.BlobPermissions{Read: true}, time.Now().Add(expires), nil)
}

// isAzureNotFound reports whether err means the blob or container is gone.
func isAzureNotFound(err error) bool {
	if err == nil {
		return false
	}
	if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "blobnotfound") || strings.Contains(msg, "the specified blob does not exist")
}

func derefString(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
