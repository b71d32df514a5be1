package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/stowage/stowage/internal/metrics"
	"github.com/stowage/stowage/internal/provider"
)

// objectEntry is a single object as reported by a provider listing.
type objectEntry struct {
	Key          string
	Size         int64
	LastModified time.Time
	ContentType  string
}

// objectPage is a provider listing page. Prefixes holds the grouped
// sub-folders when the query used a delimiter.
type objectPage struct {
	Prefixes   []string
	Objects    []objectEntry
	NextCursor string
	Truncated  bool
}

// pageQuery selects one provider listing page.
type pageQuery struct {
	Prefix    string
	Delimiter string
	Cursor    string
	MaxKeys   int
}

// objectStore is the set of provider primitives each adapter implements.
// The shared item-level behaviour in objectOps is written against it.
type objectStore interface {
	// listPage returns one page of a delimiter-grouped listing.
	listPage(ctx context.Context, bucket string, q pageQuery) (*objectPage, error)
	// listKeys returns every key under prefix, following all pages.
	listKeys(ctx context.Context, bucket, prefix string) ([]string, error)
	putObject(ctx context.Context, bucket, key string, content []byte, contentType string) error
	copyObject(ctx context.Context, bucket, srcKey, dstKey string) error
	removeObject(ctx context.Context, bucket, key string) error
	// removeBatch deletes at most maxDeleteBatch keys in one request. A
	// non-nil error with deleted > 0 means some keys failed individually.
	removeBatch(ctx context.Context, bucket string, keys []string) (deleted int, err error)
	// emulateFolder makes folderKey (ending in "/") appear in listings.
	emulateFolder(ctx context.Context, bucket, folderKey string) error
}

// objectOps implements the item-level Adapter operations on top of an
// objectStore. Adapters embed it.
type objectOps struct {
	store objectStore
	kind  provider.Kind
}

// ListObjects implements Adapter.
func (o objectOps) ListObjects(ctx context.Context, bucket string, opts ListOptions) (*ListResult, error) {
	maxKeys := opts.MaxKeys
	if maxKeys <= 0 {
		maxKeys = DefaultMaxKeys
	}
	prefix := folderKey(opts.Prefix)
	page, err := o.store.listPage(ctx, bucket, pageQuery{
		Prefix:    prefix,
		Delimiter: "/",
		Cursor:    opts.Cursor,
		MaxKeys:   maxKeys,
	})
	o.observe("list_objects", err)
	if err != nil {
		return nil, fmt.Errorf("listing %s/%s: %w", bucket, prefix, err)
	}

	files := materialize(prefix, page)
	sortFiles(files)

	result := &ListResult{Files: files, Prefix: prefix, HasMore: page.Truncated}
	if page.Truncated {
		result.NextCursor = page.NextCursor
	}
	return result, nil
}

// UploadFile implements Adapter.
func (o objectOps) UploadFile(ctx context.Context, bucket, key string, content []byte, meta FileMetadata) UploadResult {
	contentType := meta.ContentType
	if contentType == "" {
		contentType = MimeType(key)
	}
	err := o.store.putObject(ctx, bucket, key, content, contentType)
	o.observe("upload", err)
	if err != nil {
		slog.Warn("Upload failed", "provider", o.kind, "bucket", bucket, "key", key, "error", err)
		return UploadResult{Error: errorMessage(err)}
	}
	return UploadResult{Success: true, Key: key}
}

// DeleteObject implements Adapter.
func (o objectOps) DeleteObject(ctx context.Context, bucket, key string, isFolder bool) DeleteResult {
	if !isFolder {
		err := o.store.removeObject(ctx, bucket, key)
		o.observe("delete", err)
		if err != nil {
			return DeleteResult{Error: errorMessage(err)}
		}
		return DeleteResult{Success: true, DeletedCount: 1}
	}

	prefix := folderKey(key)
	if prefix == "" {
		return DeleteResult{Error: "refusing to delete the bucket root"}
	}
	keys, err := o.store.listKeys(ctx, bucket, prefix)
	if err != nil {
		o.observe("delete", err)
		return DeleteResult{Error: errorMessage(err)}
	}
	if len(keys) == 0 {
		return DeleteResult{Success: true}
	}
	return o.deleteKeys(ctx, bucket, keys)
}

// DeleteObjects implements Adapter.
func (o objectOps) DeleteObjects(ctx context.Context, bucket string, keys []string) DeleteResult {
	if len(keys) == 0 {
		return DeleteResult{Success: true}
	}
	return o.deleteKeys(ctx, bucket, keys)
}

// deleteKeys sends keys in batches of maxDeleteBatch. A failing batch does
// not stop the remaining ones; the result aggregates all of them.
func (o objectOps) deleteKeys(ctx context.Context, bucket string, keys []string) DeleteResult {
	result := DeleteResult{Success: true}
	for _, batch := range chunk(keys, maxDeleteBatch) {
		n, err := o.store.removeBatch(ctx, bucket, batch)
		o.observe("delete_batch", err)
		result.DeletedCount += n
		if err != nil {
			slog.Warn("Batch delete failed", "provider", o.kind, "bucket", bucket,
				"batch_size", len(batch), "deleted", n, "error", err)
			if result.Success {
				result.Error = errorMessage(err)
			}
			result.Success = false
		}
	}
	return result
}

// RenameObject implements Adapter.
func (o objectOps) RenameObject(ctx context.Context, bucket, sourceKey, newName string) RenameResult {
	newKey, err := renameKey(sourceKey, newName)
	if err != nil {
		return RenameResult{Error: err.Error()}
	}
	if newKey == sourceKey {
		return RenameResult{Success: true, NewKey: newKey}
	}
	if err := o.relocate(ctx, bucket, sourceKey, newKey, "rename"); err != nil {
		return RenameResult{Error: errorMessage(err)}
	}
	return RenameResult{Success: true, NewKey: newKey}
}

// MoveObject implements Adapter.
func (o objectOps) MoveObject(ctx context.Context, bucket, sourceKey, destPrefix string) MoveResult {
	newKey, err := moveKey(sourceKey, destPrefix)
	if err != nil {
		return MoveResult{Error: err.Error()}
	}
	if newKey == sourceKey {
		return MoveResult{Success: true, NewKey: newKey, Moved: 1}
	}
	if err := o.relocate(ctx, bucket, sourceKey, newKey, "move"); err != nil {
		return MoveResult{Error: errorMessage(err)}
	}
	return MoveResult{Success: true, NewKey: newKey, Moved: 1}
}

// MoveObjects implements Adapter.
func (o objectOps) MoveObjects(ctx context.Context, bucket string, sourceKeys []string, destPrefix string) MoveResult {
	result := MoveResult{Success: true}
	for _, key := range sourceKeys {
		r := o.MoveObject(ctx, bucket, key, destPrefix)
		if !r.Success {
			r.Moved = result.Moved
			return r
		}
		result.Moved++
		result.NewKey = r.NewKey
	}
	return result
}

// relocate copies src to dst and deletes src. The source is only deleted
// after the copy succeeded; a failed delete leaves both keys in place.
func (o objectOps) relocate(ctx context.Context, bucket, src, dst, op string) error {
	if err := o.store.copyObject(ctx, bucket, src, dst); err != nil {
		o.observe(op, err)
		return fmt.Errorf("copying %s to %s: %w", src, dst, err)
	}
	if err := o.store.removeObject(ctx, bucket, src); err != nil {
		o.observe(op, err)
		slog.Warn("Source left behind after copy", "provider", o.kind, "bucket", bucket,
			"source", src, "destination", dst, "error", err)
		return fmt.Errorf("deleting %s after copy: %w", src, err)
	}
	o.observe(op, nil)
	return nil
}

// CreateFolder implements Adapter.
func (o objectOps) CreateFolder(ctx context.Context, bucket, p string) FolderResult {
	key := folderKey(p)
	if key == "" {
		return FolderResult{Error: "folder path is empty"}
	}
	err := o.store.emulateFolder(ctx, bucket, key)
	o.observe("create_folder", err)
	if err != nil {
		return FolderResult{Error: errorMessage(err)}
	}
	return FolderResult{Success: true, Key: key}
}

func (o objectOps) observe(op string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.ProviderOperationsTotal.WithLabelValues(string(o.kind), op, status).Inc()
}

// materialize turns a provider page into listing items relative to prefix.
// Entries whose name would be empty, such as the folder's own marker, are
// skipped.
func materialize(prefix string, page *objectPage) []FileItem {
	files := make([]FileItem, 0, len(page.Prefixes)+len(page.Objects))
	for _, p := range page.Prefixes {
		name := strings.TrimSuffix(strings.TrimPrefix(p, prefix), "/")
		if name == "" {
			continue
		}
		files = append(files, FileItem{Key: p, Name: name, Type: TypeFolder})
	}
	for _, obj := range page.Objects {
		rel := strings.TrimPrefix(obj.Key, prefix)
		if rel == "" {
			continue
		}
		if strings.HasSuffix(rel, "/") {
			name := strings.TrimSuffix(rel, "/")
			if name == "" || strings.Contains(name, "/") {
				continue
			}
			files = append(files, FileItem{Key: obj.Key, Name: name, Type: TypeFolder})
			continue
		}
		item := FileItem{
			Key:         obj.Key,
			Name:        rel,
			Type:        TypeFile,
			Size:        obj.Size,
			ContentType: obj.ContentType,
		}
		if !obj.LastModified.IsZero() {
			modified := obj.LastModified
			item.LastModified = &modified
		}
		files = append(files, item)
	}
	return dedupeFolders(files)
}

// dedupeFolders drops a folder that was reported both as a grouped prefix
// and as a marker object.
func dedupeFolders(files []FileItem) []FileItem {
	seen := make(map[string]bool)
	out := files[:0]
	for _, f := range files {
		if f.Type == TypeFolder {
			if seen[f.Key] {
				continue
			}
			seen[f.Key] = true
		}
		out = append(out, f)
	}
	return out
}

// sortFiles orders folders first by name, then files newest first. Files
// without a modification time go last, ordered by name.
func sortFiles(files []FileItem) {
	sort.SliceStable(files, func(i, j int) bool {
		a, b := files[i], files[j]
		if a.Type != b.Type {
			return a.Type == TypeFolder
		}
		if a.Type == TypeFolder {
			return lessName(a.Name, b.Name)
		}
		switch {
		case a.LastModified == nil && b.LastModified == nil:
			return lessName(a.Name, b.Name)
		case a.LastModified == nil:
			return false
		case b.LastModified == nil:
			return true
		case !a.LastModified.Equal(*b.LastModified):
			return a.LastModified.After(*b.LastModified)
		}
		return lessName(a.Name, b.Name)
	})
}

func lessName(a, b string) bool {
	la, lb := strings.ToLower(a), strings.ToLower(b)
	if la != lb {
		return la < lb
	}
	return a < b
}

// folderKey normalizes a folder path to "a/b/" form. The root yields "".
func folderKey(p string) string {
	p = strings.Trim(p, "/")
	if p == "" {
		return ""
	}
	return p + "/"
}

// normalizePrefix is folderKey for destination prefixes.
func normalizePrefix(p string) string {
	return folderKey(p)
}

// baseName returns the last segment of key.
func baseName(key string) string {
	return path.Base("/" + strings.TrimSuffix(key, "/"))
}

// renameKey replaces the last segment of sourceKey with newName.
func renameKey(sourceKey, newName string) (string, error) {
	if strings.HasSuffix(sourceKey, "/") {
		return "", errors.New("folders cannot be renamed")
	}
	if newName == "" || strings.Contains(newName, "/") {
		return "", fmt.Errorf("invalid name %q", newName)
	}
	if i := strings.LastIndex(sourceKey, "/"); i >= 0 {
		return sourceKey[:i+1] + newName, nil
	}
	return newName, nil
}

// moveKey places the last segment of sourceKey under destPrefix.
func moveKey(sourceKey, destPrefix string) (string, error) {
	if strings.HasSuffix(sourceKey, "/") {
		return "", errors.New("folders cannot be moved")
	}
	name := baseName(sourceKey)
	if name == "" || name == "/" {
		return "", fmt.Errorf("invalid source key %q", sourceKey)
	}
	return normalizePrefix(destPrefix) + name, nil
}

// chunk splits keys into slices of at most size elements.
func chunk(keys []string, size int) [][]string {
	var out [][]string
	for len(keys) > size {
		out = append(out, keys[:size])
		keys = keys[size:]
	}
	if len(keys) > 0 {
		out = append(out, keys)
	}
	return out
}

// errorMessage renders err for a result value.
func errorMessage(err error) string {
	if err == nil {
		return ""
	}
	if msg := err.Error(); msg != "" {
		return msg
	}
	return "Unknown error"
}

// batchError reports keys that a provider refused individually during a
// batch delete.
type batchError struct {
	Failed  int
	Message string
}

func (e *batchError) Error() string {
	return fmt.Sprintf("%d keys not deleted: %s", e.Failed, e.Message)
}

// EncodeKey percent-encodes each segment of key, keeping the "/" separators.
func EncodeKey(key string) string {
	segments := strings.Split(key, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return strings.Join(segments, "/")
}
