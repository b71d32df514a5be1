// Package service is the facade the API layer uses for storage work. It
// resolves a provider descriptor to an adapter on every call and adds the
// side effects the adapters know nothing about: upload history, the
// provider's last-operation time, custom domains and local downloads.
//
// Side effects are best-effort. Once the storage operation has succeeded,
// a failed metadata write is logged and the storage result is returned
// unchanged.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/stowage/stowage/internal/metadata"
	"github.com/stowage/stowage/internal/provider"
	"github.com/stowage/stowage/internal/storage"
)

// ErrInvalidInput marks caller mistakes such as a malformed custom domain.
var ErrInvalidInput = errors.New("invalid input")

// Service wraps adapter calls with history and bookkeeping.
type Service struct {
	store      metadata.Store
	newAdapter storage.Factory
	httpClient *http.Client
	now        func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithAdapterFactory replaces storage.New, mainly for tests.
func WithAdapterFactory(f storage.Factory) Option {
	return func(s *Service) { s.newAdapter = f }
}

// WithHTTPClient sets the client used by DownloadToFile.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Service) { s.httpClient = c }
}

// New creates a Service over store.
func New(store metadata.Store, opts ...Option) *Service {
	s := &Service{
		store:      store,
		newAdapter: storage.New,
		httpClient: http.DefaultClient,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Store returns the metadata store the service writes to.
func (s *Service) Store() metadata.Store {
	return s.store
}

// Adapter resolves the adapter for p.
func (s *Service) Adapter(ctx context.Context, p provider.Descriptor) (storage.Adapter, error) {
	return s.newAdapter(ctx, p)
}

// touch records a successful mutating operation on p in the store. p itself
// is left unchanged; concurrent uploads share one descriptor.
func (s *Service) touch(ctx context.Context, p provider.Descriptor) {
	id := p.Info().ID
	if id == "" {
		return
	}
	at := s.now()
	if err := s.store.TouchProvider(ctx, id, at); err != nil {
		slog.Warn("Recording provider activity failed", "provider", id, "error", err)
	}
}

// TestConnection checks p's credentials. Failures, including an unusable
// descriptor, are reported in the result.
func (s *Service) TestConnection(ctx context.Context, p provider.Descriptor) storage.ConnectionResult {
	a, err := s.Adapter(ctx, p)
	if err != nil {
		return storage.ConnectionResult{Error: err.Error()}
	}
	return a.TestConnection(ctx)
}

// ProviderStats summarizes a provider for the dashboard.
type ProviderStats struct {
	Buckets     []storage.BucketInfo `json:"buckets"`
	BucketCount int                  `json:"bucketCount"`
}

// ProviderStats lists p's buckets and counts them.
func (s *Service) ProviderStats(ctx context.Context, p provider.Descriptor) (*ProviderStats, error) {
	buckets, err := s.ListBuckets(ctx, p)
	if err != nil {
		return nil, err
	}
	if buckets == nil {
		buckets = []storage.BucketInfo{}
	}
	return &ProviderStats{Buckets: buckets, BucketCount: len(buckets)}, nil
}

// ListBuckets lists p's buckets.
func (s *Service) ListBuckets(ctx context.Context, p provider.Descriptor) ([]storage.BucketInfo, error) {
	a, err := s.Adapter(ctx, p)
	if err != nil {
		return nil, err
	}
	return a.ListBuckets(ctx)
}

// BucketResult reports the outcome of CreateBucket and DeleteBucket.
type BucketResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

func bucketResult(err error) BucketResult {
	if err != nil {
		return BucketResult{Error: err.Error()}
	}
	return BucketResult{Success: true}
}

// CreateBucket creates a bucket and reports the outcome.
func (s *Service) CreateBucket(ctx context.Context, p provider.Descriptor, name string, opts storage.CreateBucketOptions) BucketResult {
	a, err := s.Adapter(ctx, p)
	if err != nil {
		return bucketResult(err)
	}
	if err := a.CreateBucket(ctx, name, opts); err != nil {
		return bucketResult(err)
	}
	s.touch(ctx, p)
	return bucketResult(nil)
}

// DeleteBucket deletes a bucket and drops its local settings.
func (s *Service) DeleteBucket(ctx context.Context, p provider.Descriptor, name string) BucketResult {
	a, err := s.Adapter(ctx, p)
	if err != nil {
		return bucketResult(err)
	}
	if err := a.DeleteBucket(ctx, name); err != nil {
		return bucketResult(err)
	}
	if err := s.store.DeleteBucketRecord(ctx, p.Info().ID, name); err != nil {
		slog.Warn("Deleting bucket settings failed", "provider", p.Info().ID, "bucket", name, "error", err)
	}
	s.touch(ctx, p)
	return bucketResult(nil)
}

// ListObjects returns one listing page.
func (s *Service) ListObjects(ctx context.Context, p provider.Descriptor, bucket string, opts storage.ListOptions) (*storage.ListResult, error) {
	a, err := s.Adapter(ctx, p)
	if err != nil {
		return nil, err
	}
	return a.ListObjects(ctx, bucket, opts)
}

// UploadFile stores one object. Upload history for orchestrated uploads is
// written by the upload package, not here.
func (s *Service) UploadFile(ctx context.Context, p provider.Descriptor, bucket, key string, content []byte, meta storage.FileMetadata) storage.UploadResult {
	a, err := s.Adapter(ctx, p)
	if err != nil {
		return storage.UploadResult{Key: key, Error: err.Error()}
	}
	res := a.UploadFile(ctx, bucket, key, content, meta)
	if res.Success {
		s.touch(ctx, p)
	}
	return res
}

// CreateFolder creates a folder and records it in the history.
func (s *Service) CreateFolder(ctx context.Context, p provider.Descriptor, bucket, folder string) storage.FolderResult {
	a, err := s.Adapter(ctx, p)
	if err != nil {
		return storage.FolderResult{Error: err.Error()}
	}
	res := a.CreateFolder(ctx, bucket, folder)
	if !res.Success {
		return res
	}
	name := path.Base(strings.TrimSuffix(res.Key, "/"))
	rec := &metadata.UploadRecord{
		ProviderID: p.Info().ID,
		Bucket:     bucket,
		Key:        res.Key,
		Name:       name,
		Type:       string(storage.TypeFolder),
		Source:     metadata.SourceApp,
		Status:     metadata.StatusCompleted,
	}
	if err := s.store.CreateUpload(ctx, rec); err != nil {
		slog.Warn("Recording folder failed", "provider", rec.ProviderID, "bucket", bucket, "key", res.Key, "error", err)
	}
	s.touch(ctx, p)
	return res
}

// DeleteObject deletes an object or a folder and the history rows that
// refer to what was deleted.
func (s *Service) DeleteObject(ctx context.Context, p provider.Descriptor, bucket, key string, isFolder bool) storage.DeleteResult {
	a, err := s.Adapter(ctx, p)
	if err != nil {
		return storage.DeleteResult{Error: err.Error()}
	}
	res := a.DeleteObject(ctx, bucket, key, isFolder)
	if !res.Success {
		return res
	}
	id := p.Info().ID
	if isFolder {
		prefix := strings.TrimSuffix(key, "/") + "/"
		_, err = s.store.DeleteUploadsByPrefix(ctx, id, bucket, prefix)
	} else {
		_, err = s.store.DeleteUploadsByKey(ctx, id, bucket, key)
	}
	if err != nil {
		slog.Warn("Deleting history failed", "provider", id, "bucket", bucket, "key", key, "error", err)
	}
	s.touch(ctx, p)
	return res
}

// DeleteObjects deletes keys in batches and their history rows.
func (s *Service) DeleteObjects(ctx context.Context, p provider.Descriptor, bucket string, keys []string) storage.DeleteResult {
	a, err := s.Adapter(ctx, p)
	if err != nil {
		return storage.DeleteResult{Error: err.Error()}
	}
	res := a.DeleteObjects(ctx, bucket, keys)
	if !res.Success {
		return res
	}
	if _, err := s.store.DeleteUploadsByKeys(ctx, p.Info().ID, bucket, keys); err != nil {
		slog.Warn("Deleting history failed", "provider", p.Info().ID, "bucket", bucket, "keys", len(keys), "error", err)
	}
	s.touch(ctx, p)
	return res
}

// RenameObject renames an object within its folder.
func (s *Service) RenameObject(ctx context.Context, p provider.Descriptor, bucket, sourceKey, newName string) storage.RenameResult {
	a, err := s.Adapter(ctx, p)
	if err != nil {
		return storage.RenameResult{Error: err.Error()}
	}
	res := a.RenameObject(ctx, bucket, sourceKey, newName)
	if res.Success {
		s.touch(ctx, p)
	}
	return res
}

// MoveObject moves an object into destPrefix.
func (s *Service) MoveObject(ctx context.Context, p provider.Descriptor, bucket, sourceKey, destPrefix string) storage.MoveResult {
	a, err := s.Adapter(ctx, p)
	if err != nil {
		return storage.MoveResult{Error: err.Error()}
	}
	res := a.MoveObject(ctx, bucket, sourceKey, destPrefix)
	if res.Success {
		s.touch(ctx, p)
	}
	return res
}

// MoveObjects moves keys into destPrefix, stopping at the first failure.
func (s *Service) MoveObjects(ctx context.Context, p provider.Descriptor, bucket string, sourceKeys []string, destPrefix string) storage.MoveResult {
	a, err := s.Adapter(ctx, p)
	if err != nil {
		return storage.MoveResult{Error: err.Error()}
	}
	res := a.MoveObjects(ctx, bucket, sourceKeys, destPrefix)
	if res.Moved > 0 {
		s.touch(ctx, p)
	}
	return res
}

// GetObjectURL issues a signed GET URL.
func (s *Service) GetObjectURL(ctx context.Context, p provider.Descriptor, bucket, key string, expiresIn time.Duration) (*storage.ObjectURL, error) {
	a, err := s.Adapter(ctx, p)
	if err != nil {
		return nil, err
	}
	return a.GetObjectURL(ctx, bucket, key, expiresIn)
}

// PublicObjectURL returns the bucket's custom-domain URL for key when one
// is configured, and the plain provider URL otherwise.
func (s *Service) PublicObjectURL(ctx context.Context, p provider.Descriptor, bucket, key string) (string, error) {
	rec, err := s.store.FindBucket(ctx, p.Info().ID, bucket)
	if err != nil {
		return "", err
	}
	if rec != nil && rec.CustomDomain != "" {
		return customDomainURL(rec.CustomDomain, key), nil
	}
	return PlainObjectURL(p, bucket, key), nil
}

// SetBucketDomain stores or clears the custom domain of a bucket.
func (s *Service) SetBucketDomain(ctx context.Context, p provider.Descriptor, bucket, domain string) (*metadata.BucketRecord, error) {
	domain, err := normalizeDomain(domain)
	if err != nil {
		return nil, err
	}
	rec, err := s.store.UpsertBucket(ctx, p.Info().ID, bucket, domain)
	if err != nil {
		return nil, fmt.Errorf("saving custom domain for %s: %w", bucket, err)
	}
	return rec, nil
}

// GetBucketRecord returns the stored settings of a bucket, or nil.
func (s *Service) GetBucketRecord(ctx context.Context, p provider.Descriptor, bucket string) (*metadata.BucketRecord, error) {
	return s.store.FindBucket(ctx, p.Info().ID, bucket)
}

// ListBucketRecords returns every stored bucket setting of p.
func (s *Service) ListBucketRecords(ctx context.Context, p provider.Descriptor) ([]metadata.BucketRecord, error) {
	return s.store.ListBucketRecords(ctx, p.Info().ID)
}
