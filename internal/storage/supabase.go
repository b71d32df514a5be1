package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/stowage/stowage/internal/provider"
)

// supabaseKeepFile is the placeholder that makes an empty folder visible;
// Supabase storage has no zero-byte folder markers.
const supabaseKeepFile = ".keep"

// SupabaseObject is one entry of a Supabase storage listing. Folders have no
// ID.
type SupabaseObject struct {
	Name      string    `json:"name"`
	ID        *string   `json:"id"`
	UpdatedAt time.Time `json:"updated_at"`
	Metadata  *struct {
		Size     int64  `json:"size"`
		MimeType string `json:"mimetype"`
	} `json:"metadata"`
}

// SupabaseBucket is a Supabase storage bucket.
type SupabaseBucket struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Public    bool      `json:"public"`
	CreatedAt time.Time `json:"created_at"`
}

// SupabaseAPI defines the Supabase storage endpoints the adapter uses. This
// allows mocking in tests.
type SupabaseAPI interface {
	ListBuckets(ctx context.Context) ([]SupabaseBucket, error)
	CreateBucket(ctx context.Context, name string) error
	DeleteBucket(ctx context.Context, name string) error
	// List returns one page of the folder at dir ("" for the root, no
	// trailing slash).
	List(ctx context.Context, bucket, dir string, limit, offset int) ([]SupabaseObject, error)
	Upload(ctx context.Context, bucket, key string, content []byte, contentType string) error
	Copy(ctx context.Context, bucket, srcKey, dstKey string) error
	// Remove deletes keys and returns the objects the service removed.
	Remove(ctx context.Context, bucket string, keys []string) ([]SupabaseObject, error)
	// Sign returns an absolute signed download URL.
	Sign(ctx context.Context, bucket, key string, expires time.Duration) (string, error)
}

// supabaseClient talks to the Supabase storage REST API.
type supabaseClient struct {
	baseURL string
	key     string
	http    *http.Client
}

func newSupabaseClient(projectURL, apiKey string) *supabaseClient {
	return &supabaseClient{
		baseURL: strings.TrimRight(projectURL, "/") + "/storage/v1",
		key:     apiKey,
		http:    &http.Client{Timeout: 5 * time.Minute},
	}
}

// supabaseError is the error body returned by the storage API.
type supabaseError struct {
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (c *supabaseClient) do(ctx context.Context, method, path string, body io.Reader, header http.Header, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	for k, v := range header {
		req.Header[k] = v
	}
	req.Header.Set("Authorization", "Bearer "+c.key)
	req.Header.Set("apikey", c.key)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading supabase response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var e supabaseError
		if json.Unmarshal(data, &e) == nil && e.Message != "" {
			return fmt.Errorf("supabase %s %s: %s", method, path, e.Message)
		}
		return fmt.Errorf("supabase %s %s: HTTP %d", method, path, resp.StatusCode)
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decoding supabase response: %w", err)
		}
	}
	return nil
}

func (c *supabaseClient) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	return c.do(ctx, method, path, body, http.Header{"Content-Type": {"application/json"}}, out)
}

func (c *supabaseClient) ListBuckets(ctx context.Context) ([]SupabaseBucket, error) {
	var buckets []SupabaseBucket
	err := c.doJSON(ctx, http.MethodGet, "/bucket", nil, &buckets)
	return buckets, err
}

func (c *supabaseClient) CreateBucket(ctx context.Context, name string) error {
	return c.doJSON(ctx, http.MethodPost, "/bucket", map[string]any{"id": name, "name": name, "public": false}, nil)
}

func (c *supabaseClient) DeleteBucket(ctx context.Context, name string) error {
	return c.doJSON(ctx, http.MethodDelete, "/bucket/"+EncodeKey(name), nil, nil)
}

func (c *supabaseClient) List(ctx context.Context, bucket, dir string, limit, offset int) ([]SupabaseObject, error) {
	var objects []SupabaseObject
	err := c.doJSON(ctx, http.MethodPost, "/object/list/"+EncodeKey(bucket), map[string]any{
		"prefix": dir,
		"limit":  limit,
		"offset": offset,
		"sortBy": map[string]string{"column": "name", "order": "asc"},
	}, &objects)
	return objects, err
}

func (c *supabaseClient) Upload(ctx context.Context, bucket, key string, content []byte, contentType string) error {
	if contentType == "" {
		contentType = defaultContentType
	}
	header := http.Header{
		"Content-Type": {contentType},
		"X-Upsert":     {"true"},
	}
	return c.do(ctx, http.MethodPost, "/object/"+EncodeKey(bucket)+"/"+EncodeKey(key), bytes.NewReader(content), header, nil)
}

func (c *supabaseClient) Copy(ctx context.Context, bucket, srcKey, dstKey string) error {
	return c.doJSON(ctx, http.MethodPost, "/object/copy", map[string]string{
		"bucketId":       bucket,
		"sourceKey":      srcKey,
		"destinationKey": dstKey,
	}, nil)
}

func (c *supabaseClient) Remove(ctx context.Context, bucket string, keys []string) ([]SupabaseObject, error) {
	var removed []SupabaseObject
	err := c.doJSON(ctx, http.MethodDelete, "/object/"+EncodeKey(bucket), map[string]any{"prefixes": keys}, &removed)
	return removed, err
}

func (c *supabaseClient) Sign(ctx context.Context, bucket, key string, expires time.Duration) (string, error) {
	var out struct {
		SignedURL string `json:"signedURL"`
	}
	err := c.doJSON(ctx, http.MethodPost, "/object/sign/"+EncodeKey(bucket)+"/"+EncodeKey(key),
		map[string]int64{"expiresIn": int64(expires.Seconds())}, &out)
	if err != nil {
		return "", err
	}
	if out.SignedURL == "" {
		return "", fmt.Errorf("supabase returned no signed URL for %s/%s", bucket, key)
	}
	return c.baseURL + out.SignedURL, nil
}

// SupabaseAdapter serves Supabase storage. Listing cursors are numeric
// offsets and folders are made visible with a ".keep" placeholder.
type SupabaseAdapter struct {
	objectOps
	client SupabaseAPI
}

// NewSupabaseAdapter creates a SupabaseAdapter for d.
func NewSupabaseAdapter(d *provider.Supabase) *SupabaseAdapter {
	return NewSupabaseAdapterWithClient(newSupabaseClient(d.ProjectURL, d.APIKey()))
}

// NewSupabaseAdapterWithClient creates a SupabaseAdapter around a
// pre-configured client. This is primarily used for testing with mock
// clients.
func NewSupabaseAdapterWithClient(client SupabaseAPI) *SupabaseAdapter {
	a := &SupabaseAdapter{client: client}
	a.objectOps = objectOps{store: a, kind: provider.KindSupabase}
	return a
}

// TestConnection lists buckets to prove the key works.
func (a *SupabaseAdapter) TestConnection(ctx context.Context) ConnectionResult {
	_, err := a.client.ListBuckets(ctx)
	a.observe("test_connection", err)
	if err != nil {
		return ConnectionResult{Error: errorMessage(err)}
	}
	return ConnectionResult{Success: true}
}

// ListBuckets returns the project's buckets.
func (a *SupabaseAdapter) ListBuckets(ctx context.Context) ([]BucketInfo, error) {
	raw, err := a.client.ListBuckets(ctx)
	a.observe("list_buckets", err)
	if err != nil {
		return nil, fmt.Errorf("listing buckets: %w", err)
	}
	buckets := make([]BucketInfo, 0, len(raw))
	for _, b := range raw {
		info := BucketInfo{Name: b.Name}
		if !b.CreatedAt.IsZero() {
			created := b.CreatedAt
			info.CreationDate = &created
		}
		buckets = append(buckets, info)
	}
	return buckets, nil
}

// CreateBucket creates a private bucket. Supabase has no bucket regions.
func (a *SupabaseAdapter) CreateBucket(ctx context.Context, name string, _ CreateBucketOptions) error {
	err := a.client.CreateBucket(ctx, name)
	a.observe("create_bucket", err)
	if err != nil {
		return fmt.Errorf("creating bucket %q: %w", name, err)
	}
	return nil
}

// DeleteBucket removes an empty bucket.
func (a *SupabaseAdapter) DeleteBucket(ctx context.Context, name string) error {
	err := a.client.DeleteBucket(ctx, name)
	a.observe("delete_bucket", err)
	if err != nil {
		return fmt.Errorf("deleting bucket %q: %w", name, err)
	}
	return nil
}

// GetObjectURL creates a signed download URL.
func (a *SupabaseAdapter) GetObjectURL(ctx context.Context, bucket, key string, expiresIn time.Duration) (*ObjectURL, error) {
	if expiresIn <= 0 {
		expiresIn = DefaultURLExpiry
	}
	u, err := a.client.Sign(ctx, bucket, key, expiresIn)
	a.observe("presign", err)
	if err != nil {
		return nil, fmt.Errorf("signing %s/%s: %w", bucket, key, err)
	}
	return &ObjectURL{URL: u, ExpiresAt: time.Now().Add(expiresIn)}, nil
}

// listPage maps an offset page of the one-level Supabase listing. A full
// page means more may follow.
func (a *SupabaseAdapter) listPage(ctx context.Context, bucket string, q pageQuery) (*objectPage, error) {
	offset := 0
	if q.Cursor != "" {
		n, err := strconv.Atoi(q.Cursor)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid cursor %q", q.Cursor)
		}
		offset = n
	}
	items, err := a.client.List(ctx, bucket, strings.TrimSuffix(q.Prefix, "/"), q.MaxKeys, offset)
	if err != nil {
		return nil, err
	}

	page := &objectPage{}
	for _, item := range items {
		if item.ID == nil {
			page.Prefixes = append(page.Prefixes, q.Prefix+item.Name+"/")
			continue
		}
		entry := objectEntry{Key: q.Prefix + item.Name, LastModified: item.UpdatedAt}
		if item.Metadata != nil {
			entry.Size = item.Metadata.Size
			entry.ContentType = item.Metadata.MimeType
		}
		page.Objects = append(page.Objects, entry)
	}
	if len(items) == q.MaxKeys {
		page.Truncated = true
		page.NextCursor = strconv.Itoa(offset + len(items))
	}
	return page, nil
}

// listKeys walks the folder tree below prefix, since Supabase only lists one
// level at a time.
func (a *SupabaseAdapter) listKeys(ctx context.Context, bucket, prefix string) ([]string, error) {
	var keys []string
	pending := []string{prefix}
	for len(pending) > 0 {
		dir := pending[0]
		pending = pending[1:]
		for offset := 0; ; offset += maxDeleteBatch {
			items, err := a.client.List(ctx, bucket, strings.TrimSuffix(dir, "/"), maxDeleteBatch, offset)
			if err != nil {
				return nil, fmt.Errorf("listing %s/%s: %w", bucket, dir, err)
			}
			for _, item := range items {
				if item.ID == nil {
					pending = append(pending, dir+item.Name+"/")
					continue
				}
				keys = append(keys, dir+item.Name)
			}
			if len(items) < maxDeleteBatch {
				break
			}
		}
	}
	return keys, nil
}

func (a *SupabaseAdapter) putObject(ctx context.Context, bucket, key string, content []byte, contentType string) error {
	return a.client.Upload(ctx, bucket, key, content, contentType)
}

func (a *SupabaseAdapter) copyObject(ctx context.Context, bucket, srcKey, dstKey string) error {
	return a.client.Copy(ctx, bucket, srcKey, dstKey)
}

func (a *SupabaseAdapter) removeObject(ctx context.Context, bucket, key string) error {
	_, err := a.client.Remove(ctx, bucket, []string{key})
	return err
}

// removeBatch counts keys Supabase did not return as removed as missing,
// which is not a failure.
func (a *SupabaseAdapter) removeBatch(ctx context.Context, bucket string, keys []string) (int, error) {
	if _, err := a.client.Remove(ctx, bucket, keys); err != nil {
		return 0, fmt.Errorf("batch-deleting %d keys: %w", len(keys), err)
	}
	return len(keys), nil
}

func (a *SupabaseAdapter) emulateFolder(ctx context.Context, bucket, folderKey string) error {
	return a.client.Upload(ctx, bucket, folderKey+supabaseKeepFile, nil, "text/plain")
}

var _ Adapter = (*SupabaseAdapter)(nil)
