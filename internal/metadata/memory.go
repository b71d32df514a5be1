package metadata

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/stowage/stowage/internal/provider"
	"github.com/stowage/stowage/internal/uid"
)

// MemoryStore is an in-process Store. It backs tests and ephemeral runs
// and orders results the same way SQLiteStore does.
type MemoryStore struct {
	mu        sync.RWMutex
	providers map[string]provider.Spec
	buckets   map[string]*BucketRecord // providerID + "\x00" + name
	uploads   map[string]*UploadRecord
	settings  map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		providers: make(map[string]provider.Spec),
		buckets:   make(map[string]*BucketRecord),
		uploads:   make(map[string]*UploadRecord),
		settings:  make(map[string]string),
	}
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func bucketKey(providerID, name string) string {
	return providerID + "\x00" + name
}

// lastUsed is the ordering key of ListProviders.
func lastUsed(spec provider.Spec) time.Time {
	if spec.LastOperationAt != nil {
		return *spec.LastOperationAt
	}
	return spec.CreatedAt
}

func (s *MemoryStore) ListProviders(ctx context.Context) ([]provider.Descriptor, error) {
	s.mu.RLock()
	specs := make([]provider.Spec, 0, len(s.providers))
	for _, spec := range s.providers {
		specs = append(specs, spec)
	}
	s.mu.RUnlock()

	sort.Slice(specs, func(i, j int) bool {
		ti, tj := lastUsed(specs[i]), lastUsed(specs[j])
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return specs[i].Name < specs[j].Name
	})
	out := make([]provider.Descriptor, 0, len(specs))
	for _, spec := range specs {
		d, err := spec.Build()
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func (s *MemoryStore) GetProvider(ctx context.Context, id string) (provider.Descriptor, error) {
	s.mu.RLock()
	spec, ok := s.providers[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("provider %s: %w", id, ErrNotFound)
	}
	return spec.Build()
}

func (s *MemoryStore) PutProvider(ctx context.Context, d provider.Descriptor) error {
	spec := provider.Flatten(d)
	if err := spec.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	b := d.Info()
	ts := now()
	if b.ID == "" {
		b.ID = uid.New()
	}
	if prev, ok := s.providers[b.ID]; ok {
		if prev.Type != d.Kind() {
			return fmt.Errorf("%w: provider %s cannot change type to %s", provider.ErrInvalidDescriptor, b.ID, d.Kind())
		}
		b.CreatedAt = prev.CreatedAt
		if b.LastOperationAt == nil {
			b.LastOperationAt = prev.LastOperationAt
		}
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = ts
	}
	b.UpdatedAt = ts
	s.providers[b.ID] = provider.Flatten(d)
	return nil
}

func (s *MemoryStore) DeleteProvider(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.providers[id]; !ok {
		return fmt.Errorf("provider %s: %w", id, ErrNotFound)
	}
	delete(s.providers, id)
	for k, rec := range s.buckets {
		if rec.ProviderID == id {
			delete(s.buckets, k)
		}
	}
	for k, rec := range s.uploads {
		if rec.ProviderID == id {
			delete(s.uploads, k)
		}
	}
	return nil
}

func (s *MemoryStore) TouchProvider(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	spec, ok := s.providers[id]
	if !ok {
		return fmt.Errorf("provider %s: %w", id, ErrNotFound)
	}
	at = at.UTC().Truncate(time.Millisecond)
	spec.LastOperationAt = &at
	s.providers[id] = spec
	return nil
}

func (s *MemoryStore) FindBucket(ctx context.Context, providerID, name string) (*BucketRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.buckets[bucketKey(providerID, name)]
	if !ok {
		return nil, nil
	}
	recCopy := *rec
	return &recCopy, nil
}

func (s *MemoryStore) UpsertBucket(ctx context.Context, providerID, name, customDomain string) (*BucketRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.providers[providerID]; !ok {
		return nil, fmt.Errorf("provider %s: %w", providerID, ErrNotFound)
	}
	ts := now()
	k := bucketKey(providerID, name)
	rec, ok := s.buckets[k]
	if !ok {
		rec = &BucketRecord{ID: uid.New(), ProviderID: providerID, Name: name, CreatedAt: ts}
		s.buckets[k] = rec
	}
	rec.CustomDomain = customDomain
	rec.UpdatedAt = ts
	recCopy := *rec
	return &recCopy, nil
}

func (s *MemoryStore) DeleteBucketRecord(ctx context.Context, providerID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.buckets, bucketKey(providerID, name))
	return nil
}

func (s *MemoryStore) ListBucketRecords(ctx context.Context, providerID string) ([]BucketRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []BucketRecord
	for _, rec := range s.buckets {
		if rec.ProviderID == providerID {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) CreateUpload(ctx context.Context, rec *UploadRecord) error {
	fillUploadDefaults(rec)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.uploads[rec.ID]; exists {
		return fmt.Errorf("creating upload record %s: duplicate id %s", rec.Key, rec.ID)
	}
	recCopy := *rec
	recCopy.UploadedAt = recCopy.UploadedAt.UTC().Truncate(time.Millisecond)
	s.uploads[rec.ID] = &recCopy
	return nil
}

func (s *MemoryStore) UpdateUploadStatus(ctx context.Context, id string, u StatusUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.uploads[id]
	if !ok {
		return fmt.Errorf("upload record %s: %w", id, ErrNotFound)
	}
	rec.Status = u.Status
	rec.ErrorMessage = u.ErrorMessage
	if u.Size != nil {
		rec.Size = *u.Size
	}
	return nil
}

// deleteUploadsWhere removes the rows match selects.
func (s *MemoryStore) deleteUploadsWhere(match func(*UploadRecord) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, rec := range s.uploads {
		if match(rec) {
			delete(s.uploads, id)
			n++
		}
	}
	return n
}

func (s *MemoryStore) DeleteUploadsByKey(ctx context.Context, providerID, bucket, key string) (int, error) {
	return s.deleteUploadsWhere(func(r *UploadRecord) bool {
		return r.ProviderID == providerID && r.Bucket == bucket && r.Key == key
	}), nil
}

func (s *MemoryStore) DeleteUploadsByKeys(ctx context.Context, providerID, bucket string, keys []string) (int, error) {
	set := make(map[string]bool, len(keys))
	for _, k := range keys {
		set[k] = true
	}
	return s.deleteUploadsWhere(func(r *UploadRecord) bool {
		return r.ProviderID == providerID && r.Bucket == bucket && set[r.Key]
	}), nil
}

func (s *MemoryStore) DeleteUploadsByPrefix(ctx context.Context, providerID, bucket, prefix string) (int, error) {
	return s.deleteUploadsWhere(func(r *UploadRecord) bool {
		return r.ProviderID == providerID && r.Bucket == bucket && strings.HasPrefix(r.Key, prefix)
	}), nil
}

func (s *MemoryStore) DeleteUpload(ctx context.Context, id string) error {
	if s.deleteUploadsWhere(func(r *UploadRecord) bool { return r.ID == id }) == 0 {
		return fmt.Errorf("upload record %s: %w", id, ErrNotFound)
	}
	return nil
}

// matches applies the filter conditions of f to rec.
func (f *UploadFilter) matches(rec *UploadRecord) bool {
	if f.ProviderID != "" && rec.ProviderID != f.ProviderID {
		return false
	}
	if f.Bucket != "" && rec.Bucket != f.Bucket {
		return false
	}
	if f.Query != "" && !strings.Contains(strings.ToLower(rec.Name), strings.ToLower(f.Query)) {
		return false
	}
	if f.From != nil && rec.UploadedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && rec.UploadedAt.After(*f.To) {
		return false
	}
	if len(f.MimeTypes) > 0 {
		ok := false
		mime := strings.ToLower(rec.MimeType)
		for _, m := range f.MimeTypes {
			if strings.HasPrefix(mime, mimeFamily(m)+"/") {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

func (s *MemoryStore) ListUploads(ctx context.Context, f UploadFilter) (*UploadPage, error) {
	f.Normalize()
	s.mu.RLock()
	var matched []UploadRecord
	for _, rec := range s.uploads {
		if f.matches(rec) {
			matched = append(matched, *rec)
		}
	}
	s.mu.RUnlock()

	less := func(a, b UploadRecord) int {
		switch f.SortBy {
		case SortName:
			return strings.Compare(strings.ToLower(a.Name), strings.ToLower(b.Name))
		case SortSize:
			return compareInt64(a.Size, b.Size)
		}
		return a.UploadedAt.Compare(b.UploadedAt)
	}
	sort.Slice(matched, func(i, j int) bool {
		c := less(matched[i], matched[j])
		if c == 0 {
			c = strings.Compare(matched[i].ID, matched[j].ID)
		}
		if f.Ascending {
			return c < 0
		}
		return c > 0
	})

	total := len(matched)
	start := min((f.Page-1)*f.PageSize, total)
	end := min(start+f.PageSize, total)
	return newUploadPage(matched[start:end], total, f), nil
}

func compareInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func (s *MemoryStore) UploadStats(ctx context.Context, providerID, bucket string) (*UploadStats, error) {
	f := UploadFilter{ProviderID: providerID, Bucket: bucket}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var st UploadStats
	for _, rec := range s.uploads {
		if !f.matches(rec) {
			continue
		}
		st.Total++
		switch rec.Status {
		case StatusCompleted:
			st.Completed++
			st.TotalBytes += rec.Size
			if rec.IsCompressed {
				st.Compressed++
				if rec.OriginalSize > rec.Size {
					st.BytesSaved += rec.OriginalSize - rec.Size
				}
			}
		case StatusError:
			st.Failed++
		case StatusUploading, StatusCompressing:
			st.InProgress++
		}
	}
	return &st, nil
}

func (s *MemoryStore) GetSetting(ctx context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.settings[key]
	return v, ok, nil
}

func (s *MemoryStore) PutSetting(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[key] = value
	return nil
}
