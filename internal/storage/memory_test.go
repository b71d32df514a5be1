package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stowage/stowage/internal/provider"
)

func newTestMemoryAdapter(t *testing.T) *MemoryAdapter {
	t.Helper()
	a := NewMemoryAdapter(provider.KindMinIO)
	if err := a.CreateBucket(context.Background(), "b", CreateBucketOptions{}); err != nil {
		t.Fatalf("CreateBucket: %v", err)
	}
	return a
}

func TestMemoryListPagesWithGroupedPrefixes(t *testing.T) {
	a := newTestMemoryAdapter(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	a.Put("b", "a/1.txt", nil, base)
	a.Put("b", "a/2.txt", nil, base)
	a.Put("b", "b.txt", nil, base)
	a.Put("b", "c/3.txt", nil, base)
	a.Put("b", "d.txt", nil, base)

	var all []string
	cursor := ""
	for pages := 0; ; pages++ {
		if pages > 5 {
			t.Fatal("pagination does not terminate")
		}
		res, err := a.ListObjects(context.Background(), "b", ListOptions{Cursor: cursor, MaxKeys: 2})
		if err != nil {
			t.Fatal(err)
		}
		for _, f := range res.Files {
			all = append(all, f.Key)
		}
		if !res.HasMore {
			break
		}
		cursor = res.NextCursor
	}

	want := map[string]bool{"a/": true, "b.txt": true, "c/": true, "d.txt": true}
	if len(all) != len(want) {
		t.Fatalf("listed %v", all)
	}
	for _, k := range all {
		if !want[k] {
			t.Errorf("unexpected key %q", k)
		}
	}
}

func TestMemoryFaultInjection(t *testing.T) {
	a := newTestMemoryAdapter(t)
	a.Fault = func(op, bucket, key string) error {
		if op == "put" && key == "bad.txt" {
			return errors.New("disk full")
		}
		return nil
	}
	ctx := context.Background()

	if res := a.UploadFile(ctx, "b", "bad.txt", []byte("x"), FileMetadata{}); res.Success || res.Error == "" {
		t.Errorf("expected failure, got %+v", res)
	}
	if res := a.UploadFile(ctx, "b", "good.txt", []byte("x"), FileMetadata{}); !res.Success {
		t.Errorf("expected success, got %+v", res)
	}
	if a.Calls("put") != 2 {
		t.Errorf("put calls = %d", a.Calls("put"))
	}
}

func TestMemoryMissingBucket(t *testing.T) {
	a := NewMemoryAdapter(provider.KindAWSS3)
	if _, err := a.ListObjects(context.Background(), "nope", ListOptions{}); err == nil {
		t.Error("listing a missing bucket should fail")
	}
	if res := a.UploadFile(context.Background(), "nope", "k", nil, FileMetadata{}); res.Success {
		t.Error("upload to a missing bucket should fail")
	}
}

func TestMemoryDeleteBucketMustBeEmpty(t *testing.T) {
	a := newTestMemoryAdapter(t)
	a.Put("b", "x", nil, time.Now())
	if err := a.DeleteBucket(context.Background(), "b"); err == nil {
		t.Fatal("expected error for non-empty bucket")
	}
	a.DeleteObject(context.Background(), "b", "x", false)
	if err := a.DeleteBucket(context.Background(), "b"); err != nil {
		t.Fatalf("DeleteBucket: %v", err)
	}
}

func TestMemoryMoveObjectsKeepsData(t *testing.T) {
	a := newTestMemoryAdapter(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		a.UploadFile(ctx, "b", fmt.Sprintf("in/%d.png", i), []byte{byte(i)}, FileMetadata{})
	}
	res := a.MoveObjects(ctx, "b", []string{"in/0.png", "in/1.png", "in/2.png"}, "out/")
	if !res.Success || res.Moved != 3 {
		t.Fatalf("got %+v", res)
	}
	data, ct, ok := a.Object("b", "out/2.png")
	if !ok || len(data) != 1 || data[0] != 2 || ct != "image/png" {
		t.Errorf("moved object = %v %q %v", data, ct, ok)
	}
	if keys := a.Keys("b"); len(keys) != 3 {
		t.Errorf("keys = %v", keys)
	}
}
