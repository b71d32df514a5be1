package storage

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

// mockCOSClient implements COSAPI for unit testing.
type mockCOSClient struct {
	objects      map[string][]byte
	contentTypes map[string]string
	copySources  []string
	createRegion string
	deleteCalls  int
}

func newMockCOSClient() *mockCOSClient {
	return &mockCOSClient{objects: make(map[string][]byte), contentTypes: make(map[string]string)}
}

func (m *mockCOSClient) ListBuckets(ctx context.Context) ([]BucketInfo, error) {
	return []BucketInfo{{Name: "media-1250000000", Region: "ap-guangzhou"}}, nil
}

func (m *mockCOSClient) CreateBucket(ctx context.Context, name, region string) error {
	m.createRegion = region
	return nil
}

func (m *mockCOSClient) DeleteBucket(ctx context.Context, name string) error {
	return nil
}

func (m *mockCOSClient) ListObjects(ctx context.Context, bucket string, q pageQuery) (*objectPage, error) {
	return fakePage(m.objects, q), nil
}

func (m *mockCOSClient) PutObject(ctx context.Context, bucket, key string, content []byte, contentType string) error {
	m.objects[key] = content
	m.contentTypes[key] = contentType
	return nil
}

func (m *mockCOSClient) CopyObject(ctx context.Context, bucket, dstKey, sourceURL string) error {
	m.copySources = append(m.copySources, sourceURL)
	i := strings.Index(sourceURL, ".myqcloud.com/")
	if i < 0 {
		return errors.New("malformed copy source")
	}
	for k, v := range m.objects {
		if strings.HasSuffix(sourceURL, "/"+escapeAll(k)) {
			m.objects[dstKey] = v
			return nil
		}
	}
	return errors.New("NoSuchKey")
}

func (m *mockCOSClient) DeleteObject(ctx context.Context, bucket, key string) error {
	m.deleteCalls++
	delete(m.objects, key)
	return nil
}

func (m *mockCOSClient) DeleteObjects(ctx context.Context, bucket string, keys []string) (int, error) {
	for _, k := range keys {
		delete(m.objects, k)
	}
	return len(keys), nil
}

func (m *mockCOSClient) PresignGet(ctx context.Context, bucket, key string, expires time.Duration) (string, error) {
	return "https://" + bucket + ".cos.ap-guangzhou.myqcloud.com/" + EncodeKey(key) + "?q-sign-algorithm=sha1", nil
}

// escapeAll mirrors the escaping of cosCopySource.
func escapeAll(key string) string {
	return strings.TrimPrefix(cosCopySource("b", "r", key), "b.cos.r.myqcloud.com/")
}

func TestCOSCopySource(t *testing.T) {
	got := cosCopySource("media-1250000000", "ap-shanghai", "photos/a b.png")
	want := "media-1250000000.cos.ap-shanghai.myqcloud.com/photos%2Fa%20b.png"
	if got != want {
		t.Errorf("cosCopySource = %q, want %q", got, want)
	}
}

func TestCOSRenameUsesVirtualHostSource(t *testing.T) {
	mock := newMockCOSClient()
	adapter := NewCOSAdapterWithClient("ap-guangzhou", mock)
	mock.objects["docs/old.pdf"] = []byte("pdf")

	res := adapter.RenameObject(context.Background(), "media-1250000000", "docs/old.pdf", "new.pdf")
	if !res.Success {
		t.Fatalf("got %+v", res)
	}
	if len(mock.copySources) != 1 || !strings.HasPrefix(mock.copySources[0], "media-1250000000.cos.ap-guangzhou.myqcloud.com/") {
		t.Errorf("copy sources = %v", mock.copySources)
	}
	if _, ok := mock.objects["docs/new.pdf"]; !ok {
		t.Error("destination missing")
	}
	if mock.deleteCalls != 1 {
		t.Errorf("delete calls = %d", mock.deleteCalls)
	}
}

func TestCOSCreateBucketRegion(t *testing.T) {
	mock := newMockCOSClient()
	adapter := NewCOSAdapterWithClient("ap-guangzhou", mock)
	ctx := context.Background()

	adapter.CreateBucket(ctx, "a-125", CreateBucketOptions{})
	if mock.createRegion != "ap-guangzhou" {
		t.Errorf("default region = %q", mock.createRegion)
	}
	adapter.CreateBucket(ctx, "b-125", CreateBucketOptions{Region: "ap-beijing"})
	if mock.createRegion != "ap-beijing" {
		t.Errorf("explicit region = %q", mock.createRegion)
	}
}

func TestCOSCreateFolderMarker(t *testing.T) {
	mock := newMockCOSClient()
	adapter := NewCOSAdapterWithClient("ap-guangzhou", mock)
	if res := adapter.CreateFolder(context.Background(), "b", "x"); !res.Success {
		t.Fatalf("got %+v", res)
	}
	if mock.contentTypes["x/"] != "application/x-directory" {
		t.Errorf("marker content type = %q", mock.contentTypes["x/"])
	}
}
