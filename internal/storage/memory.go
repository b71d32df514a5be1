package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/stowage/stowage/internal/provider"
)

// memObject holds the raw data and content type of an in-memory object.
type memObject struct {
	Data        []byte
	ContentType string
	Modified    time.Time
}

// MemoryAdapter is an Adapter backed by in-process maps. It is used by tests
// and by the local sandbox provider.
type MemoryAdapter struct {
	objectOps

	mu      sync.RWMutex
	buckets map[string]map[string]memObject
	created map[string]time.Time
	calls   map[string]int

	// Fault, when set, is consulted before every primitive; a non-nil return
	// fails that call. op is one of list, put, copy, delete, batch, folder.
	Fault func(op, bucket, key string) error
	// Now supplies modification times.
	Now func() time.Time
}

// NewMemoryAdapter creates an empty MemoryAdapter reporting itself as kind.
func NewMemoryAdapter(kind provider.Kind) *MemoryAdapter {
	a := &MemoryAdapter{
		buckets: make(map[string]map[string]memObject),
		created: make(map[string]time.Time),
		calls:   make(map[string]int),
		Now:     time.Now,
	}
	a.objectOps = objectOps{store: a, kind: kind}
	return a
}

// Calls returns how many times the primitive op was invoked.
func (a *MemoryAdapter) Calls(op string) int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.calls[op]
}

// Object returns a stored object's data and content type.
func (a *MemoryAdapter) Object(bucket, key string) ([]byte, string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	obj, ok := a.buckets[bucket][key]
	return obj.Data, obj.ContentType, ok
}

// Keys returns the sorted keys of bucket.
func (a *MemoryAdapter) Keys(bucket string) []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.sortedKeys(bucket)
}

// Put stores an object directly, bypassing faults and counters.
func (a *MemoryAdapter) Put(bucket, key string, data []byte, modified time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ensureBucket(bucket)
	a.buckets[bucket][key] = memObject{Data: data, ContentType: MimeType(key), Modified: modified}
}

func (a *MemoryAdapter) ensureBucket(bucket string) {
	if _, ok := a.buckets[bucket]; !ok {
		a.buckets[bucket] = make(map[string]memObject)
		a.created[bucket] = a.Now()
	}
}

func (a *MemoryAdapter) sortedKeys(bucket string) []string {
	keys := make([]string, 0, len(a.buckets[bucket]))
	for k := range a.buckets[bucket] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// enter records a call and applies the fault hook. Callers hold a.mu.
func (a *MemoryAdapter) enter(op, bucket, key string) error {
	a.calls[op]++
	if a.Fault != nil {
		if err := a.Fault(op, bucket, key); err != nil {
			return err
		}
	}
	if op != "create_bucket" {
		if _, ok := a.buckets[bucket]; !ok {
			return fmt.Errorf("bucket not found: %s", bucket)
		}
	}
	return nil
}

// TestConnection always succeeds unless a fault is injected.
func (a *MemoryAdapter) TestConnection(ctx context.Context) ConnectionResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls["test"]++
	if a.Fault != nil {
		if err := a.Fault("test", "", ""); err != nil {
			return ConnectionResult{Error: errorMessage(err)}
		}
	}
	return ConnectionResult{Success: true}
}

// ListBuckets returns buckets sorted by name.
func (a *MemoryAdapter) ListBuckets(ctx context.Context) ([]BucketInfo, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	buckets := make([]BucketInfo, 0, len(a.buckets))
	for name := range a.buckets {
		created := a.created[name]
		buckets = append(buckets, BucketInfo{Name: name, CreationDate: &created})
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i].Name < buckets[j].Name })
	return buckets, nil
}

// CreateBucket creates an empty bucket.
func (a *MemoryAdapter) CreateBucket(ctx context.Context, name string, _ CreateBucketOptions) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.enter("create_bucket", name, ""); err != nil {
		return err
	}
	if _, ok := a.buckets[name]; ok {
		return fmt.Errorf("bucket already exists: %s", name)
	}
	a.ensureBucket(name)
	return nil
}

// DeleteBucket removes an empty bucket.
func (a *MemoryAdapter) DeleteBucket(ctx context.Context, name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.enter("delete_bucket", name, ""); err != nil {
		return err
	}
	if len(a.buckets[name]) > 0 {
		return fmt.Errorf("bucket not empty: %s", name)
	}
	delete(a.buckets, name)
	delete(a.created, name)
	return nil
}

// GetObjectURL returns a fake signed URL.
func (a *MemoryAdapter) GetObjectURL(ctx context.Context, bucket, key string, expiresIn time.Duration) (*ObjectURL, error) {
	if expiresIn <= 0 {
		expiresIn = DefaultURLExpiry
	}
	expires := a.Now().Add(expiresIn)
	return &ObjectURL{
		URL:       fmt.Sprintf("memory://%s/%s?expires=%d", bucket, EncodeKey(key), expires.Unix()),
		ExpiresAt: expires,
	}, nil
}

// listPage uses marker semantics: Cursor is the last key or prefix of the
// previous page.
func (a *MemoryAdapter) listPage(ctx context.Context, bucket string, q pageQuery) (*objectPage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.enter("list", bucket, q.Prefix); err != nil {
		return nil, err
	}

	page := &objectPage{}
	seen := make(map[string]bool)
	count := 0
	last := ""
	for _, k := range a.sortedKeys(bucket) {
		if !strings.HasPrefix(k, q.Prefix) {
			continue
		}
		entry := k
		isPrefix := false
		if q.Delimiter != "" {
			if i := strings.Index(k[len(q.Prefix):], q.Delimiter); i >= 0 {
				entry = k[:len(q.Prefix)+i+len(q.Delimiter)]
				isPrefix = true
			}
		}
		if q.Cursor != "" && entry <= q.Cursor {
			continue
		}
		if isPrefix && seen[entry] {
			continue
		}
		if count == q.MaxKeys {
			page.Truncated = true
			page.NextCursor = last
			break
		}
		if isPrefix {
			seen[entry] = true
			page.Prefixes = append(page.Prefixes, entry)
		} else {
			obj := a.buckets[bucket][k]
			page.Objects = append(page.Objects, objectEntry{
				Key:          k,
				Size:         int64(len(obj.Data)),
				LastModified: obj.Modified,
				ContentType:  obj.ContentType,
			})
		}
		count++
		last = entry
	}
	return page, nil
}

func (a *MemoryAdapter) listKeys(ctx context.Context, bucket, prefix string) ([]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.enter("list", bucket, prefix); err != nil {
		return nil, err
	}
	var keys []string
	for _, k := range a.sortedKeys(bucket) {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (a *MemoryAdapter) putObject(ctx context.Context, bucket, key string, content []byte, contentType string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.enter("put", bucket, key); err != nil {
		return err
	}
	data := make([]byte, len(content))
	copy(data, content)
	a.buckets[bucket][key] = memObject{Data: data, ContentType: contentType, Modified: a.Now()}
	return nil
}

func (a *MemoryAdapter) copyObject(ctx context.Context, bucket, srcKey, dstKey string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.enter("copy", bucket, srcKey); err != nil {
		return err
	}
	obj, ok := a.buckets[bucket][srcKey]
	if !ok {
		return fmt.Errorf("source object not found: %s/%s", bucket, srcKey)
	}
	obj.Modified = a.Now()
	a.buckets[bucket][dstKey] = obj
	return nil
}

func (a *MemoryAdapter) removeObject(ctx context.Context, bucket, key string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.enter("delete", bucket, key); err != nil {
		return err
	}
	delete(a.buckets[bucket], key)
	return nil
}

func (a *MemoryAdapter) removeBatch(ctx context.Context, bucket string, keys []string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.enter("batch", bucket, ""); err != nil {
		return 0, err
	}
	for _, k := range keys {
		delete(a.buckets[bucket], k)
	}
	return len(keys), nil
}

func (a *MemoryAdapter) emulateFolder(ctx context.Context, bucket, folderKey string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.enter("folder", bucket, folderKey); err != nil {
		return err
	}
	a.buckets[bucket][folderKey] = memObject{ContentType: "application/x-directory", Modified: a.Now()}
	return nil
}

var _ Adapter = (*MemoryAdapter)(nil)
