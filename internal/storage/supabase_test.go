package storage

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stowage/stowage/internal/provider"
)

// fakeSupabase is a minimal Supabase storage server over a flat key map.
type fakeSupabase struct {
	mu      sync.Mutex
	objects map[string]string // key -> content type
	headers []http.Header
	removed [][]string
}

func newFakeSupabase(t *testing.T) (*fakeSupabase, *httptest.Server) {
	t.Helper()
	f := &fakeSupabase{objects: make(map[string]string)}
	srv := httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeSupabase) serve(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.headers = append(f.headers, r.Header.Clone())
	if r.Header.Get("Authorization") != "Bearer service-key" {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]string{"error": "Unauthorized", "message": "invalid signature"})
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/storage/v1")
	switch {
	case r.Method == http.MethodGet && path == "/bucket":
		json.NewEncoder(w).Encode([]map[string]any{{"id": "media", "name": "media", "created_at": "2024-03-01T10:00:00Z"}})
	case r.Method == http.MethodPost && strings.HasPrefix(path, "/object/list/"):
		var body struct {
			Prefix string `json:"prefix"`
			Limit  int    `json:"limit"`
			Offset int    `json:"offset"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		json.NewEncoder(w).Encode(f.list(body.Prefix, body.Limit, body.Offset))
	case r.Method == http.MethodPost && path == "/object/copy":
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		ct, ok := f.objects[body["sourceKey"]]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]string{"error": "not_found", "message": "Object not found"})
			return
		}
		f.objects[body["destinationKey"]] = ct
		w.Write([]byte(`{"Key":"x"}`))
	case r.Method == http.MethodPost && strings.HasPrefix(path, "/object/sign/"):
		w.Write([]byte(`{"signedURL":"/object/sign/media/a.png?token=t"}`))
	case r.Method == http.MethodPost && strings.HasPrefix(path, "/object/"):
		key := strings.TrimPrefix(path, "/object/media/")
		io.ReadAll(r.Body)
		f.objects[key] = r.Header.Get("Content-Type")
		w.Write([]byte(`{"Key":"media/` + key + `"}`))
	case r.Method == http.MethodDelete && strings.HasPrefix(path, "/object/"):
		var body struct {
			Prefixes []string `json:"prefixes"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		f.removed = append(f.removed, body.Prefixes)
		for _, k := range body.Prefixes {
			delete(f.objects, k)
		}
		w.Write([]byte(`[]`))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// list returns one level below dir, folders without an id.
func (f *fakeSupabase) list(dir string, limit, offset int) []map[string]any {
	prefix := ""
	if dir != "" {
		prefix = dir + "/"
	}
	seen := map[string]bool{}
	var out []map[string]any
	for _, k := range sortedContentKeys(f.objects) {
		rest, ok := strings.CutPrefix(k, prefix)
		if !ok {
			continue
		}
		name, _, isDir := strings.Cut(rest, "/")
		if seen[name] {
			continue
		}
		seen[name] = true
		if isDir {
			out = append(out, map[string]any{"name": name, "id": nil})
		} else {
			out = append(out, map[string]any{
				"name":       name,
				"id":         "id-" + k,
				"updated_at": "2024-03-01T10:00:00Z",
				"metadata":   map[string]any{"size": 3, "mimetype": f.objects[k]},
			})
		}
	}
	if offset >= len(out) {
		return []map[string]any{}
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func sortedContentKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func newTestSupabaseAdapter(t *testing.T) (*SupabaseAdapter, *fakeSupabase) {
	t.Helper()
	f, srv := newFakeSupabase(t)
	return NewSupabaseAdapter(&provider.Supabase{ProjectURL: srv.URL + "/", ServiceRoleKey: "service-key"}), f
}

func TestSupabaseAuthHeaders(t *testing.T) {
	adapter, f := newTestSupabaseAdapter(t)
	if res := adapter.TestConnection(context.Background()); !res.Success {
		t.Fatalf("got %+v", res)
	}
	if got := f.headers[0].Get("apikey"); got != "service-key" {
		t.Errorf("apikey header = %q", got)
	}

	bad := NewSupabaseAdapter(&provider.Supabase{ProjectURL: strings.TrimSuffix(adapter.client.(*supabaseClient).baseURL, "/storage/v1"), ServiceRoleKey: "wrong"})
	res := bad.TestConnection(context.Background())
	if res.Success || !strings.Contains(res.Error, "invalid signature") {
		t.Errorf("got %+v", res)
	}
}

func TestSupabaseUploadUpserts(t *testing.T) {
	adapter, f := newTestSupabaseAdapter(t)
	res := adapter.UploadFile(context.Background(), "media", "img/a.png", []byte("png"), FileMetadata{})
	if !res.Success {
		t.Fatalf("got %+v", res)
	}
	last := f.headers[len(f.headers)-1]
	if last.Get("X-Upsert") != "true" || last.Get("Content-Type") != "image/png" {
		t.Errorf("headers = %v", last)
	}
}

func TestSupabaseListOffsetCursor(t *testing.T) {
	adapter, f := newTestSupabaseAdapter(t)
	for _, k := range []string{"a.txt", "b.txt", "c.txt", "dir/x.txt"} {
		f.objects[k] = "text/plain"
	}
	ctx := context.Background()

	first, err := adapter.ListObjects(ctx, "media", ListOptions{MaxKeys: 2})
	if err != nil {
		t.Fatal(err)
	}
	if !first.HasMore || first.NextCursor != "2" {
		t.Fatalf("first page: %+v", first)
	}
	second, err := adapter.ListObjects(ctx, "media", ListOptions{MaxKeys: 2, Cursor: first.NextCursor})
	if err != nil {
		t.Fatal(err)
	}
	// A full final page still reports more; the next call comes back empty.
	if len(second.Files) != 2 || second.Files[0].Type != TypeFolder || second.Files[0].Key != "dir/" {
		t.Fatalf("second page: %+v", second.Files)
	}
	if _, err := adapter.ListObjects(ctx, "media", ListOptions{Cursor: "abc"}); err == nil {
		t.Error("non-numeric cursor should fail")
	}
}

func TestSupabaseListPrefixWithoutSlash(t *testing.T) {
	adapter, f := newTestSupabaseAdapter(t)
	f.objects["photos/a.jpg"] = "image/jpeg"

	res, err := adapter.ListObjects(context.Background(), "media", ListOptions{Prefix: "photos"})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Files) != 1 || res.Files[0].Key != "photos/a.jpg" || res.Files[0].Name != "a.jpg" {
		t.Fatalf("listing = %+v", res.Files)
	}
	if moved := adapter.RenameObject(context.Background(), "media", res.Files[0].Key, "b.jpg"); !moved.Success {
		t.Errorf("rename of listed key = %+v", moved)
	}
}

func TestSupabaseCreateFolderUsesKeepFile(t *testing.T) {
	adapter, f := newTestSupabaseAdapter(t)
	res := adapter.CreateFolder(context.Background(), "media", "albums/2024")
	if !res.Success || res.Key != "albums/2024/" {
		t.Fatalf("got %+v", res)
	}
	if ct, ok := f.objects["albums/2024/.keep"]; !ok || ct != "text/plain" {
		t.Errorf("keep file = %q, %v", ct, ok)
	}
}

func TestSupabaseDeleteFolderWalksTree(t *testing.T) {
	adapter, f := newTestSupabaseAdapter(t)
	for _, k := range []string{"p/.keep", "p/a.txt", "p/q/b.txt", "p/q/r/c.txt", "other.txt"} {
		f.objects[k] = "text/plain"
	}
	res := adapter.DeleteObject(context.Background(), "media", "p", true)
	if !res.Success || res.DeletedCount != 4 {
		t.Fatalf("got %+v", res)
	}
	if len(f.objects) != 1 {
		t.Errorf("objects left: %v", f.objects)
	}
	if len(f.removed) != 1 {
		t.Errorf("expected one batch remove, got %d", len(f.removed))
	}
}

func TestSupabaseRenameAndSign(t *testing.T) {
	adapter, f := newTestSupabaseAdapter(t)
	f.objects["a.png"] = "image/png"
	ctx := context.Background()

	if res := adapter.RenameObject(ctx, "media", "a.png", "b.png"); !res.Success {
		t.Fatalf("rename: %+v", res)
	}
	if _, ok := f.objects["a.png"]; ok {
		t.Error("source left behind")
	}
	if res := adapter.RenameObject(ctx, "media", "missing.png", "c.png"); res.Success || !strings.Contains(res.Error, "Object not found") {
		t.Errorf("missing source: %+v", res)
	}

	u, err := adapter.GetObjectURL(ctx, "media", "b.png", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(u.URL, "/storage/v1/object/sign/media/a.png?token=t") {
		t.Errorf("URL = %q", u.URL)
	}
}
