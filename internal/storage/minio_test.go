package storage

import (
	"context"
	"errors"
	"io"
	"net/url"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
)

// mockMinioClient implements MinioAPI for unit testing.
type mockMinioClient struct {
	objects map[string][]byte
	// removeErrs are emitted by RemoveObjects, keyed by object name.
	removeErrs map[string]error
	// lastCopy records the most recent copy source and destination.
	lastCopySrc, lastCopyDst string
	// lastMakeRegion is the region of the most recent MakeBucket.
	lastMakeRegion string
}

func newMockMinioClient() *mockMinioClient {
	return &mockMinioClient{objects: make(map[string][]byte), removeErrs: make(map[string]error)}
}

func (m *mockMinioClient) ListBuckets(ctx context.Context) ([]minio.BucketInfo, error) {
	return []minio.BucketInfo{{Name: "local", CreationDate: time.Date(2024, 2, 2, 0, 0, 0, 0, time.UTC)}, {Name: "undated"}}, nil
}

func (m *mockMinioClient) MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error {
	m.lastMakeRegion = opts.Region
	return nil
}

func (m *mockMinioClient) RemoveBucket(ctx context.Context, bucket string) error {
	return nil
}

func (m *mockMinioClient) ListObjectsV2(ctx context.Context, bucket, prefix, delimiter, continuationToken string, maxKeys int) (minio.ListBucketV2Result, error) {
	page := fakePage(m.objects, pageQuery{Prefix: prefix, Delimiter: delimiter, Cursor: continuationToken, MaxKeys: maxKeys})
	res := minio.ListBucketV2Result{IsTruncated: page.Truncated, NextContinuationToken: page.NextCursor}
	for _, p := range page.Prefixes {
		res.CommonPrefixes = append(res.CommonPrefixes, minio.CommonPrefix{Prefix: p})
	}
	for _, o := range page.Objects {
		res.Contents = append(res.Contents, minio.ObjectInfo{Key: o.Key, Size: o.Size})
	}
	return res, nil
}

func (m *mockMinioClient) PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return minio.UploadInfo{}, err
	}
	m.objects[key] = data
	return minio.UploadInfo{Bucket: bucket, Key: key, Size: size}, nil
}

func (m *mockMinioClient) CopyObject(ctx context.Context, dst minio.CopyDestOptions, src minio.CopySrcOptions) (minio.UploadInfo, error) {
	m.lastCopySrc, m.lastCopyDst = src.Object, dst.Object
	data, ok := m.objects[src.Object]
	if !ok {
		return minio.UploadInfo{}, minio.ErrorResponse{Code: "NoSuchKey", Message: "The specified key does not exist."}
	}
	m.objects[dst.Object] = data
	return minio.UploadInfo{Bucket: dst.Bucket, Key: dst.Object}, nil
}

func (m *mockMinioClient) RemoveObject(ctx context.Context, bucket, key string, opts minio.RemoveObjectOptions) error {
	delete(m.objects, key)
	return nil
}

func (m *mockMinioClient) RemoveObjects(ctx context.Context, bucket string, objects <-chan minio.ObjectInfo, opts minio.RemoveObjectsOptions) <-chan minio.RemoveObjectError {
	out := make(chan minio.RemoveObjectError)
	go func() {
		defer close(out)
		for obj := range objects {
			if err := m.removeErrs[obj.Key]; err != nil {
				out <- minio.RemoveObjectError{ObjectName: obj.Key, Err: err}
				continue
			}
			delete(m.objects, obj.Key)
		}
	}()
	return out
}

func (m *mockMinioClient) PresignedGetObject(ctx context.Context, bucket, key string, expires time.Duration, params url.Values) (*url.URL, error) {
	return url.Parse("http://localhost:9000/" + bucket + "/" + EncodeKey(key) + "?X-Amz-Signature=sig")
}

func TestSplitEndpoint(t *testing.T) {
	tests := []struct {
		endpoint   string
		useSSL     bool
		wantHost   string
		wantSecure bool
		wantErr    bool
	}{
		{"http://localhost:9000", true, "localhost:9000", false, false},
		{"https://minio.example.com/", false, "minio.example.com", true, false},
		{"minio.local:9000", true, "minio.local:9000", true, false},
		{"", false, "", false, true},
		{"http://", false, "", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.endpoint, func(t *testing.T) {
			host, secure, err := splitEndpoint(tt.endpoint, tt.useSSL)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if host != tt.wantHost || secure != tt.wantSecure {
				t.Errorf("got (%q, %v), want (%q, %v)", host, secure, tt.wantHost, tt.wantSecure)
			}
		})
	}
}

func TestMinIOListBuckets(t *testing.T) {
	adapter := NewMinIOAdapterWithClient(newMockMinioClient())
	buckets, err := adapter.ListBuckets(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if buckets[0].CreationDate == nil || buckets[1].CreationDate != nil {
		t.Errorf("creation dates = %+v", buckets)
	}
}

func TestMinIOCreateBucketDefaultRegion(t *testing.T) {
	mock := newMockMinioClient()
	adapter := NewMinIOAdapterWithClient(mock)
	if err := adapter.CreateBucket(context.Background(), "x", CreateBucketOptions{}); err != nil {
		t.Fatal(err)
	}
	if mock.lastMakeRegion != "us-east-1" {
		t.Errorf("region = %q", mock.lastMakeRegion)
	}
}

func TestMinIOBatchDelete(t *testing.T) {
	mock := newMockMinioClient()
	adapter := NewMinIOAdapterWithClient(mock)
	for _, k := range []string{"a", "b", "c", "d"} {
		mock.objects[k] = nil
	}
	mock.removeErrs["b"] = minio.ErrorResponse{Code: "NoSuchKey"}
	mock.removeErrs["c"] = errors.New("access denied")

	res := adapter.DeleteObjects(context.Background(), "bucket", []string{"a", "b", "c", "d"})
	if res.Success {
		t.Fatal("expected failure for c")
	}
	if res.DeletedCount != 3 {
		t.Errorf("DeletedCount = %d, want 3", res.DeletedCount)
	}
}

func TestMinIORenameAndList(t *testing.T) {
	mock := newMockMinioClient()
	adapter := NewMinIOAdapterWithClient(mock)
	ctx := context.Background()
	mock.objects["a/b/old.png"] = []byte("png")

	res := adapter.RenameObject(ctx, "bucket", "a/b/old.png", "new.png")
	if !res.Success || res.NewKey != "a/b/new.png" {
		t.Fatalf("got %+v", res)
	}
	if mock.lastCopySrc != "a/b/old.png" || mock.lastCopyDst != "a/b/new.png" {
		t.Errorf("copy %s -> %s", mock.lastCopySrc, mock.lastCopyDst)
	}

	list, err := adapter.ListObjects(ctx, "bucket", ListOptions{Prefix: "a/"})
	if err != nil {
		t.Fatal(err)
	}
	if len(list.Files) != 1 || list.Files[0].Key != "a/b/" {
		t.Errorf("listing = %+v", list.Files)
	}
}

func TestMinIOGetObjectURL(t *testing.T) {
	adapter := NewMinIOAdapterWithClient(newMockMinioClient())
	u, err := adapter.GetObjectURL(context.Background(), "bucket", "x y.txt", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if u.URL != "http://localhost:9000/bucket/x%20y.txt?X-Amz-Signature=sig" {
		t.Errorf("URL = %q", u.URL)
	}
}
