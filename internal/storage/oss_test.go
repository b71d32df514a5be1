package storage

import (
	"context"
	"fmt"
	"testing"
	"time"
)

// mockOSSClient implements OSSAPI for unit testing.
type mockOSSClient struct {
	objects map[string][]byte
	// unreported keys are deleted but left out of the DeleteObjects result.
	unreported map[string]bool
	signed     time.Duration
}

func newMockOSSClient() *mockOSSClient {
	return &mockOSSClient{objects: make(map[string][]byte), unreported: make(map[string]bool)}
}

func (m *mockOSSClient) ListBuckets(ctx context.Context) ([]BucketInfo, error) {
	return []BucketInfo{{Name: "assets", Region: "oss-cn-hangzhou"}}, nil
}

func (m *mockOSSClient) CreateBucket(ctx context.Context, name, region string) error { return nil }

func (m *mockOSSClient) DeleteBucket(ctx context.Context, name string) error { return nil }

func (m *mockOSSClient) ListObjects(ctx context.Context, bucket string, q pageQuery) (*objectPage, error) {
	return fakePage(m.objects, q), nil
}

func (m *mockOSSClient) PutObject(ctx context.Context, bucket, key string, content []byte, contentType string) error {
	m.objects[key] = content
	return nil
}

func (m *mockOSSClient) CopyObject(ctx context.Context, bucket, srcKey, dstKey string) error {
	m.objects[dstKey] = m.objects[srcKey]
	return nil
}

func (m *mockOSSClient) DeleteObject(ctx context.Context, bucket, key string) error {
	delete(m.objects, key)
	return nil
}

func (m *mockOSSClient) DeleteObjects(ctx context.Context, bucket string, keys []string) ([]string, error) {
	var deleted []string
	for _, k := range keys {
		delete(m.objects, k)
		if !m.unreported[k] {
			deleted = append(deleted, k)
		}
	}
	return deleted, nil
}

func (m *mockOSSClient) SignURL(ctx context.Context, bucket, key string, expires time.Duration) (string, error) {
	m.signed = expires
	return "https://" + bucket + ".oss-cn-hangzhou.aliyuncs.com/" + EncodeKey(key) + "?Signature=x", nil
}

func TestOSSDeleteFolderPaginatesBeforeDeleting(t *testing.T) {
	mock := newMockOSSClient()
	adapter := NewOSSAdapterWithClient("oss-cn-hangzhou", mock)
	for i := 0; i < 1500; i++ {
		mock.objects[fmt.Sprintf("logs/%02d/%04d.log", i%7, i)] = nil
	}

	res := adapter.DeleteObject(context.Background(), "assets", "logs/", true)
	if !res.Success || res.DeletedCount != 1500 {
		t.Fatalf("got %+v", res)
	}
	if len(mock.objects) != 0 {
		t.Errorf("%d objects left", len(mock.objects))
	}
}

func TestOSSUnreportedKeysFail(t *testing.T) {
	mock := newMockOSSClient()
	adapter := NewOSSAdapterWithClient("oss-cn-hangzhou", mock)
	mock.unreported["b"] = true

	res := adapter.DeleteObjects(context.Background(), "assets", []string{"a", "b"})
	if res.Success || res.DeletedCount != 1 {
		t.Fatalf("got %+v", res)
	}
}

func TestOSSGetObjectURLDefaultExpiry(t *testing.T) {
	mock := newMockOSSClient()
	adapter := NewOSSAdapterWithClient("oss-cn-hangzhou", mock)
	if _, err := adapter.GetObjectURL(context.Background(), "assets", "a.png", 0); err != nil {
		t.Fatal(err)
	}
	if mock.signed != DefaultURLExpiry {
		t.Errorf("signed for %v", mock.signed)
	}
}

func TestOSSEndpoint(t *testing.T) {
	if got := ossEndpoint("oss-cn-beijing"); got != "https://oss-cn-beijing.aliyuncs.com" {
		t.Errorf("ossEndpoint = %q", got)
	}
}
