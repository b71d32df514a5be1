// Package storage defines the capability contract shared by every object
// storage provider and one adapter per provider family.
//
// Adapters present a flat key space as a folder tree: keys ending in "/" are
// folders, listings are grouped one level deep on the "/" delimiter, and the
// first page of a listing is always sorted folders first. Item-level
// operations report failures in their result values; bucket-level, listing
// and URL operations return errors.
package storage

import (
	"context"
	"time"
)

// Adapter is the operation set every provider supports. Implementations are
// safe for concurrent use and hold no per-call state.
type Adapter interface {
	// TestConnection performs a cheap authenticated call and reports whether
	// the credentials work. It never returns an error.
	TestConnection(ctx context.Context) ConnectionResult

	// ListBuckets enumerates the account's buckets.
	ListBuckets(ctx context.Context) ([]BucketInfo, error)

	// CreateBucket creates a bucket, optionally in a specific region.
	CreateBucket(ctx context.Context, name string, opts CreateBucketOptions) error

	// DeleteBucket removes an empty bucket.
	DeleteBucket(ctx context.Context, name string) error

	// ListObjects returns one page of the folder at opts.Prefix.
	ListObjects(ctx context.Context, bucket string, opts ListOptions) (*ListResult, error)

	// UploadFile stores content under key, overwriting any existing object.
	UploadFile(ctx context.Context, bucket, key string, content []byte, meta FileMetadata) UploadResult

	// DeleteObject removes a single object, or when isFolder is set every
	// object under key taken as a prefix.
	DeleteObject(ctx context.Context, bucket, key string, isFolder bool) DeleteResult

	// DeleteObjects removes keys using the provider's batch delete.
	DeleteObjects(ctx context.Context, bucket string, keys []string) DeleteResult

	// RenameObject copies sourceKey to a sibling named newName, then deletes
	// the source.
	RenameObject(ctx context.Context, bucket, sourceKey, newName string) RenameResult

	// MoveObject copies sourceKey into destPrefix, then deletes the source.
	MoveObject(ctx context.Context, bucket, sourceKey, destPrefix string) MoveResult

	// MoveObjects moves keys one at a time, stopping at the first failure.
	MoveObjects(ctx context.Context, bucket string, sourceKeys []string, destPrefix string) MoveResult

	// CreateFolder makes path visible as an empty folder.
	CreateFolder(ctx context.Context, bucket, path string) FolderResult

	// GetObjectURL returns a signed, time-limited GET URL.
	GetObjectURL(ctx context.Context, bucket, key string, expiresIn time.Duration) (*ObjectURL, error)
}

// ConnectionResult reports the outcome of TestConnection.
type ConnectionResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// BucketInfo describes a bucket returned by ListBuckets.
type BucketInfo struct {
	Name         string     `json:"name"`
	CreationDate *time.Time `json:"creationDate,omitempty"`
	Region       string     `json:"region,omitempty"`
}

// CreateBucketOptions tunes bucket creation.
type CreateBucketOptions struct {
	Region string `json:"region,omitempty"`
}

// FileType distinguishes files from folders in a listing.
type FileType string

const (
	TypeFile   FileType = "file"
	TypeFolder FileType = "folder"
)

// FileItem is one entry of a folder listing.
type FileItem struct {
	// Key is the full object key; folders end with "/".
	Key string `json:"key"`
	// Name is the last path segment without the trailing "/".
	Name         string     `json:"name"`
	Type         FileType   `json:"type"`
	Size         int64      `json:"size,omitempty"`
	LastModified *time.Time `json:"lastModified,omitempty"`
	ContentType  string     `json:"contentType,omitempty"`
}

// ListOptions selects a listing page.
type ListOptions struct {
	Prefix string
	// Cursor is the provider-specific continuation value returned as
	// NextCursor by the previous page.
	Cursor  string
	MaxKeys int
}

// ListResult is one listing page.
type ListResult struct {
	Files      []FileItem `json:"files"`
	Prefix     string     `json:"prefix"`
	NextCursor string     `json:"nextCursor,omitempty"`
	HasMore    bool       `json:"hasMore"`
}

// FileMetadata accompanies an upload.
type FileMetadata struct {
	ContentType string
}

// UploadResult reports the outcome of UploadFile.
type UploadResult struct {
	Success bool   `json:"success"`
	Key     string `json:"key,omitempty"`
	Error   string `json:"error,omitempty"`
}

// DeleteResult reports the outcome of a delete.
type DeleteResult struct {
	Success      bool   `json:"success"`
	DeletedCount int    `json:"deletedCount"`
	Error        string `json:"error,omitempty"`
}

// RenameResult reports the outcome of RenameObject.
type RenameResult struct {
	Success bool   `json:"success"`
	NewKey  string `json:"newKey,omitempty"`
	Error   string `json:"error,omitempty"`
}

// MoveResult reports the outcome of MoveObject and MoveObjects. For
// MoveObjects, NewKey is the destination of the last key moved.
type MoveResult struct {
	Success bool   `json:"success"`
	NewKey  string `json:"newKey,omitempty"`
	Moved   int    `json:"moved"`
	Error   string `json:"error,omitempty"`
}

// FolderResult reports the outcome of CreateFolder.
type FolderResult struct {
	Success bool   `json:"success"`
	Key     string `json:"key,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ObjectURL is a signed URL and its expiry.
type ObjectURL struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// DefaultURLExpiry is used when GetObjectURL is called with a zero duration.
const DefaultURLExpiry = time.Hour

// DefaultMaxKeys is the page size used when ListOptions.MaxKeys is unset.
const DefaultMaxKeys = 100

// maxDeleteBatch is the largest key count sent in one batch delete request.
const maxDeleteBatch = 1000
