// Package metadata persists the application's local state: provider
// descriptors, per-bucket settings such as custom domains, the upload
// history and a small key/value settings table.
package metadata

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/stowage/stowage/internal/provider"
)

// ErrNotFound is returned when a record addressed by id does not exist.
var ErrNotFound = errors.New("record not found")

// UploadStatus is the persisted state of an upload history row.
type UploadStatus string

const (
	StatusCompressing UploadStatus = "compressing"
	StatusUploading   UploadStatus = "uploading"
	StatusCompleted   UploadStatus = "completed"
	StatusError       UploadStatus = "error"
)

// Terminal reports whether s is a settled state.
func (s UploadStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// UploadSource records how a file entered the app.
type UploadSource string

const (
	SourceApp      UploadSource = "app"
	SourceDragDrop UploadSource = "drag-drop"
	SourcePaste    UploadSource = "paste"
	SourceAPI      UploadSource = "api"
)

// BucketRecord holds app-level settings for a provider bucket. Buckets are
// only materialized here once the user configures something for them.
type BucketRecord struct {
	ID           string    `json:"id"`
	ProviderID   string    `json:"providerId"`
	Name         string    `json:"name"`
	CustomDomain string    `json:"customDomain,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// UploadRecord is one row of the upload history.
type UploadRecord struct {
	ID           string       `json:"id"`
	ProviderID   string       `json:"providerId"`
	Bucket       string       `json:"bucket"`
	Key          string       `json:"key"`
	Name         string       `json:"name"`
	Type         string       `json:"type"`
	Size         int64        `json:"size"`
	MimeType     string       `json:"mimeType,omitempty"`
	UploadedAt   time.Time    `json:"uploadedAt"`
	Source       UploadSource `json:"source"`
	IsCompressed bool         `json:"isCompressed"`
	OriginalSize int64        `json:"originalSize,omitempty"`
	PresetID     string       `json:"presetId,omitempty"`
	Status       UploadStatus `json:"status"`
	ErrorMessage string       `json:"errorMessage,omitempty"`
}

// StatusUpdate changes the state of an upload row. Size replaces the stored
// size when set.
type StatusUpdate struct {
	Status       UploadStatus
	ErrorMessage string
	Size         *int64
}

// Sort keys accepted by UploadFilter.SortBy.
const (
	SortUploadedAt = "uploadedAt"
	SortName       = "name"
	SortSize       = "size"
)

// Page size bounds for ListUploads.
const (
	DefaultPageSize = 50
	MaxPageSize     = 100
)

// UploadFilter selects and orders a page of upload history.
type UploadFilter struct {
	ProviderID string
	Bucket     string
	// Query matches a substring of the file name, case-insensitively.
	Query string
	From  *time.Time
	To    *time.Time
	// MimeTypes holds type families such as "image" or "video"; a record
	// matches when its MIME type starts with any of them.
	MimeTypes []string
	SortBy    string
	Ascending bool
	Page      int
	PageSize  int
}

// Normalize clamps paging and falls back to newest-first ordering.
func (f *UploadFilter) Normalize() {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize <= 0 {
		f.PageSize = DefaultPageSize
	}
	if f.PageSize > MaxPageSize {
		f.PageSize = MaxPageSize
	}
	switch f.SortBy {
	case SortUploadedAt, SortName, SortSize:
	default:
		f.SortBy = SortUploadedAt
		f.Ascending = false
	}
}

// UploadPage is one page of ListUploads.
type UploadPage struct {
	Records    []UploadRecord `json:"records"`
	Total      int            `json:"total"`
	Page       int            `json:"page"`
	PageSize   int            `json:"pageSize"`
	TotalPages int            `json:"totalPages"`
}

func newUploadPage(records []UploadRecord, total int, f UploadFilter) *UploadPage {
	if records == nil {
		records = []UploadRecord{}
	}
	return &UploadPage{
		Records:    records,
		Total:      total,
		Page:       f.Page,
		PageSize:   f.PageSize,
		TotalPages: (total + f.PageSize - 1) / f.PageSize,
	}
}

// UploadStats aggregates the upload history.
type UploadStats struct {
	Total      int   `json:"total"`
	Completed  int   `json:"completed"`
	Failed     int   `json:"failed"`
	InProgress int   `json:"inProgress"`
	TotalBytes int64 `json:"totalBytes"`
	Compressed int   `json:"compressed"`
	BytesSaved int64 `json:"bytesSaved"`
}

// ProviderStore persists provider descriptors.
type ProviderStore interface {
	// ListProviders returns every provider, most recently used first.
	ListProviders(ctx context.Context) ([]provider.Descriptor, error)
	GetProvider(ctx context.Context, id string) (provider.Descriptor, error)
	// PutProvider inserts or replaces d. A missing id is generated and the
	// timestamps are maintained by the store.
	PutProvider(ctx context.Context, d provider.Descriptor) error
	// DeleteProvider removes the provider with its bucket and history rows.
	DeleteProvider(ctx context.Context, id string) error
	// TouchProvider records a successful operation at time at.
	TouchProvider(ctx context.Context, id string, at time.Time) error
}

// BucketStore persists bucket settings.
type BucketStore interface {
	// FindBucket returns nil and no error when no record exists.
	FindBucket(ctx context.Context, providerID, name string) (*BucketRecord, error)
	UpsertBucket(ctx context.Context, providerID, name, customDomain string) (*BucketRecord, error)
	DeleteBucketRecord(ctx context.Context, providerID, name string) error
	ListBucketRecords(ctx context.Context, providerID string) ([]BucketRecord, error)
}

// HistoryStore persists upload history.
type HistoryStore interface {
	// CreateUpload stores rec, filling in ID and UploadedAt when unset.
	CreateUpload(ctx context.Context, rec *UploadRecord) error
	UpdateUploadStatus(ctx context.Context, id string, u StatusUpdate) error
	DeleteUploadsByKey(ctx context.Context, providerID, bucket, key string) (int, error)
	DeleteUploadsByKeys(ctx context.Context, providerID, bucket string, keys []string) (int, error)
	DeleteUploadsByPrefix(ctx context.Context, providerID, bucket, prefix string) (int, error)
	DeleteUpload(ctx context.Context, id string) error
	ListUploads(ctx context.Context, f UploadFilter) (*UploadPage, error)
	// UploadStats aggregates rows, optionally scoped to a provider and bucket.
	UploadStats(ctx context.Context, providerID, bucket string) (*UploadStats, error)
}

// SettingsStore is a string key/value table. GetSetting returns "" and
// false for unset keys.
type SettingsStore interface {
	GetSetting(ctx context.Context, key string) (string, bool, error)
	PutSetting(ctx context.Context, key, value string) error
}

// Store is the complete metadata repository. Implementations must be safe
// for concurrent use.
type Store interface {
	io.Closer
	ProviderStore
	BucketStore
	HistoryStore
	SettingsStore

	// Ping checks that the store is reachable.
	Ping(ctx context.Context) error
}

var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
