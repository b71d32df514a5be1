package metadata

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stowage/stowage/internal/provider"
)

// storeFactories runs a test body against every Store implementation.
var storeFactories = map[string]func(t *testing.T) Store{
	"sqlite": func(t *testing.T) Store { return newTestStore(t) },
	"memory": func(t *testing.T) Store { return NewMemoryStore() },
}

func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	for name, factory := range storeFactories {
		t.Run(name, func(t *testing.T) {
			fn(t, factory(t))
		})
	}
}

func seedProvider(t *testing.T, s Store, name string) *provider.MinIO {
	t.Helper()
	d := &provider.MinIO{
		Base:            provider.Base{Name: name},
		Endpoint:        "http://localhost:9000",
		AccessKeyID:     "minio",
		SecretAccessKey: "minio-secret",
	}
	if err := s.PutProvider(context.Background(), d); err != nil {
		t.Fatalf("PutProvider(%q): %v", name, err)
	}
	return d
}

func TestProviderCRUD(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		d := seedProvider(t, s, "local minio")
		if d.ID == "" || d.CreatedAt.IsZero() || d.UpdatedAt.IsZero() {
			t.Fatalf("PutProvider did not fill bookkeeping fields: %+v", d.Base)
		}

		got, err := s.GetProvider(ctx, d.ID)
		if err != nil {
			t.Fatalf("GetProvider: %v", err)
		}
		m, ok := got.(*provider.MinIO)
		if !ok {
			t.Fatalf("GetProvider returned %T", got)
		}
		if m.Name != "local minio" || m.Endpoint != "http://localhost:9000" || m.SecretAccessKey != "minio-secret" {
			t.Errorf("round trip lost fields: %+v", m)
		}

		m.Name = "renamed"
		m.Bucket = "photos"
		if err := s.PutProvider(ctx, m); err != nil {
			t.Fatalf("PutProvider(update): %v", err)
		}
		got, _ = s.GetProvider(ctx, d.ID)
		if got.Info().Name != "renamed" || provider.DefaultBucket(got) != "photos" {
			t.Errorf("update not applied: %+v", got)
		}

		if err := s.DeleteProvider(ctx, d.ID); err != nil {
			t.Fatalf("DeleteProvider: %v", err)
		}
		if _, err := s.GetProvider(ctx, d.ID); !errors.Is(err, ErrNotFound) {
			t.Errorf("GetProvider after delete: %v", err)
		}
		if err := s.DeleteProvider(ctx, d.ID); !errors.Is(err, ErrNotFound) {
			t.Errorf("second DeleteProvider: %v", err)
		}
	})
}

func TestProviderKindIsImmutable(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		d := seedProvider(t, s, "m")
		other := &provider.AWSS3{Base: provider.Base{ID: d.ID}, AccessKeyID: "a", SecretAccessKey: "b"}
		err := s.PutProvider(context.Background(), other)
		if !errors.Is(err, provider.ErrInvalidDescriptor) {
			t.Fatalf("expected ErrInvalidDescriptor, got %v", err)
		}
		got, _ := s.GetProvider(context.Background(), d.ID)
		if got.Kind() != provider.KindMinIO {
			t.Errorf("kind changed to %s", got.Kind())
		}
	})
}

func TestPutProviderRejectsInvalidDescriptor(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		err := s.PutProvider(context.Background(), &provider.Supabase{ProjectURL: "https://x.supabase.co"})
		if !errors.Is(err, provider.ErrInvalidDescriptor) {
			t.Errorf("expected ErrInvalidDescriptor, got %v", err)
		}
	})
}

func TestListProvidersMostRecentlyUsedFirst(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		a := seedProvider(t, s, "a")
		time.Sleep(2 * time.Millisecond)
		seedProvider(t, s, "b")
		time.Sleep(2 * time.Millisecond)
		seedProvider(t, s, "c")

		if err := s.TouchProvider(ctx, a.ID, time.Now().Add(time.Minute)); err != nil {
			t.Fatalf("TouchProvider: %v", err)
		}
		list, err := s.ListProviders(ctx)
		if err != nil {
			t.Fatalf("ListProviders: %v", err)
		}
		var names []string
		for _, d := range list {
			names = append(names, d.Info().Name)
		}
		want := []string{"a", "c", "b"}
		if fmt.Sprint(names) != fmt.Sprint(want) {
			t.Errorf("order = %v, want %v", names, want)
		}
		if list[0].Info().LastOperationAt == nil {
			t.Error("LastOperationAt not loaded")
		}

		if err := s.TouchProvider(ctx, "missing", time.Now()); !errors.Is(err, ErrNotFound) {
			t.Errorf("TouchProvider(missing): %v", err)
		}
	})
}

func TestBucketRecords(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		p := seedProvider(t, s, "p")

		rec, err := s.FindBucket(ctx, p.ID, "media")
		if err != nil || rec != nil {
			t.Fatalf("FindBucket before upsert = %v, %v", rec, err)
		}

		rec, err = s.UpsertBucket(ctx, p.ID, "media", "https://cdn.example.com")
		if err != nil {
			t.Fatalf("UpsertBucket: %v", err)
		}
		if rec.ID == "" || rec.CustomDomain != "https://cdn.example.com" {
			t.Errorf("UpsertBucket = %+v", rec)
		}
		firstID := rec.ID

		rec, err = s.UpsertBucket(ctx, p.ID, "media", "")
		if err != nil {
			t.Fatalf("UpsertBucket(clear): %v", err)
		}
		if rec.ID != firstID || rec.CustomDomain != "" {
			t.Errorf("second upsert = %+v, want same id and cleared domain", rec)
		}

		s.UpsertBucket(ctx, p.ID, "archive", "")
		list, err := s.ListBucketRecords(ctx, p.ID)
		if err != nil {
			t.Fatalf("ListBucketRecords: %v", err)
		}
		if len(list) != 2 || list[0].Name != "archive" || list[1].Name != "media" {
			t.Errorf("ListBucketRecords = %+v", list)
		}

		if err := s.DeleteBucketRecord(ctx, p.ID, "archive"); err != nil {
			t.Fatalf("DeleteBucketRecord: %v", err)
		}
		if rec, _ := s.FindBucket(ctx, p.ID, "archive"); rec != nil {
			t.Errorf("record survived delete: %+v", rec)
		}
	})
}

func TestDeleteProviderCascades(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		p := seedProvider(t, s, "p")
		keep := seedProvider(t, s, "keep")
		s.UpsertBucket(ctx, p.ID, "media", "https://cdn.example.com")
		s.CreateUpload(ctx, &UploadRecord{ProviderID: p.ID, Bucket: "media", Key: "a.png", Name: "a.png"})
		s.CreateUpload(ctx, &UploadRecord{ProviderID: keep.ID, Bucket: "media", Key: "b.png", Name: "b.png"})

		if err := s.DeleteProvider(ctx, p.ID); err != nil {
			t.Fatalf("DeleteProvider: %v", err)
		}
		if list, _ := s.ListBucketRecords(ctx, p.ID); len(list) != 0 {
			t.Errorf("bucket records survived: %+v", list)
		}
		page, _ := s.ListUploads(ctx, UploadFilter{})
		if page.Total != 1 || page.Records[0].ProviderID != keep.ID {
			t.Errorf("history after cascade = %+v", page.Records)
		}
	})
}

func TestUploadLifecycle(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		rec := &UploadRecord{
			ProviderID: "p", Bucket: "b", Key: "img/a.webp", Name: "a.webp",
			Size: 10, MimeType: "image/webp", IsCompressed: true, OriginalSize: 40,
			PresetID: "content", Status: StatusCompressing,
		}
		if err := s.CreateUpload(ctx, rec); err != nil {
			t.Fatalf("CreateUpload: %v", err)
		}
		if rec.ID == "" || rec.UploadedAt.IsZero() || rec.Source != SourceApp || rec.Type != "file" {
			t.Fatalf("defaults not filled: %+v", rec)
		}

		size := int64(12)
		if err := s.UpdateUploadStatus(ctx, rec.ID, StatusUpdate{Status: StatusCompleted, Size: &size}); err != nil {
			t.Fatalf("UpdateUploadStatus: %v", err)
		}
		page, err := s.ListUploads(ctx, UploadFilter{})
		if err != nil {
			t.Fatalf("ListUploads: %v", err)
		}
		got := page.Records[0]
		if got.Status != StatusCompleted || got.Size != 12 || !got.IsCompressed || got.PresetID != "content" {
			t.Errorf("record = %+v", got)
		}

		if err := s.UpdateUploadStatus(ctx, rec.ID, StatusUpdate{Status: StatusError, ErrorMessage: "boom"}); err != nil {
			t.Fatalf("UpdateUploadStatus: %v", err)
		}
		page, _ = s.ListUploads(ctx, UploadFilter{})
		if got := page.Records[0]; got.Status != StatusError || got.ErrorMessage != "boom" || got.Size != 12 {
			t.Errorf("record = %+v", got)
		}

		if err := s.UpdateUploadStatus(ctx, "missing", StatusUpdate{Status: StatusError}); !errors.Is(err, ErrNotFound) {
			t.Errorf("update missing: %v", err)
		}
		if err := s.DeleteUpload(ctx, rec.ID); err != nil {
			t.Fatalf("DeleteUpload: %v", err)
		}
		if err := s.DeleteUpload(ctx, rec.ID); !errors.Is(err, ErrNotFound) {
			t.Errorf("second DeleteUpload: %v", err)
		}
	})
}

func TestDeleteUploadsByKeyAndPrefix(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for _, k := range []string{"a.png", "a.png", "dir/x.png", "dir/sub/y.png", "dir2/z.png", "d_r/w.png"} {
			s.CreateUpload(ctx, &UploadRecord{ProviderID: "p", Bucket: "b", Key: k, Name: k})
		}
		s.CreateUpload(ctx, &UploadRecord{ProviderID: "p", Bucket: "other", Key: "dir/x.png", Name: "x.png"})

		if n, err := s.DeleteUploadsByKey(ctx, "p", "b", "a.png"); err != nil || n != 2 {
			t.Errorf("DeleteUploadsByKey = %d, %v", n, err)
		}
		// "_" is literal, so "d_r/" must not match "dir/".
		if n, err := s.DeleteUploadsByPrefix(ctx, "p", "b", "d_r/"); err != nil || n != 1 {
			t.Errorf("DeleteUploadsByPrefix(d_r/) = %d, %v", n, err)
		}
		if n, err := s.DeleteUploadsByPrefix(ctx, "p", "b", "dir/"); err != nil || n != 2 {
			t.Errorf("DeleteUploadsByPrefix(dir/) = %d, %v", n, err)
		}
		page, _ := s.ListUploads(ctx, UploadFilter{})
		if page.Total != 2 {
			t.Errorf("remaining = %+v", page.Records)
		}
	})
}

func TestDeleteUploadsByKeysChunks(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		keys := make([]string, 0, 1200)
		for i := 0; i < 1200; i++ {
			k := fmt.Sprintf("k/%04d", i)
			keys = append(keys, k)
			s.CreateUpload(ctx, &UploadRecord{ProviderID: "p", Bucket: "b", Key: k, Name: k})
		}
		n, err := s.DeleteUploadsByKeys(ctx, "p", "b", append(keys, "never-uploaded"))
		if err != nil || n != 1200 {
			t.Errorf("DeleteUploadsByKeys = %d, %v", n, err)
		}
	})
}

func seedHistory(t *testing.T, s Store) time.Time {
	t.Helper()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	rows := []UploadRecord{
		{ProviderID: "p1", Bucket: "b", Key: "Beach.jpg", Name: "Beach.jpg", Size: 300, MimeType: "image/jpeg", Status: StatusCompleted},
		{ProviderID: "p1", Bucket: "b", Key: "clip.mp4", Name: "clip.mp4", Size: 900, MimeType: "video/mp4", Status: StatusCompleted},
		{ProviderID: "p1", Bucket: "b", Key: "notes.txt", Name: "notes.txt", Size: 10, MimeType: "text/plain", Status: StatusError},
		{ProviderID: "p1", Bucket: "c", Key: "beach_small.webp", Name: "beach_small.webp", Size: 50, MimeType: "image/webp",
			Status: StatusCompleted, IsCompressed: true, OriginalSize: 300},
		{ProviderID: "p2", Bucket: "b", Key: "logo.png", Name: "logo.png", Size: 70, MimeType: "image/png", Status: StatusUploading},
	}
	for i := range rows {
		rows[i].UploadedAt = base.Add(time.Duration(i) * time.Hour)
		if err := s.CreateUpload(context.Background(), &rows[i]); err != nil {
			t.Fatalf("CreateUpload: %v", err)
		}
	}
	return base
}

func recordNames(page *UploadPage) []string {
	out := make([]string, len(page.Records))
	for i, r := range page.Records {
		out[i] = r.Name
	}
	return out
}

func TestListUploadsFiltersAndSorts(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		base := seedHistory(t, s)
		from := base.Add(time.Hour)
		to := base.Add(3 * time.Hour)

		tests := []struct {
			name   string
			filter UploadFilter
			want   []string
		}{
			{"newest first by default", UploadFilter{},
				[]string{"logo.png", "beach_small.webp", "notes.txt", "clip.mp4", "Beach.jpg"}},
			{"provider and bucket", UploadFilter{ProviderID: "p1", Bucket: "b"},
				[]string{"notes.txt", "clip.mp4", "Beach.jpg"}},
			{"case-insensitive query", UploadFilter{Query: "BEACH"},
				[]string{"beach_small.webp", "Beach.jpg"}},
			{"wildcards are literal", UploadFilter{Query: "_small"},
				[]string{"beach_small.webp"}},
			{"date range", UploadFilter{From: &from, To: &to},
				[]string{"beach_small.webp", "notes.txt", "clip.mp4"}},
			{"mime families", UploadFilter{MimeTypes: []string{"video", "image/*"}, ProviderID: "p1"},
				[]string{"beach_small.webp", "clip.mp4", "Beach.jpg"}},
			{"name ascending", UploadFilter{ProviderID: "p1", SortBy: SortName, Ascending: true},
				[]string{"Beach.jpg", "beach_small.webp", "clip.mp4", "notes.txt"}},
			{"size descending", UploadFilter{SortBy: SortSize},
				[]string{"clip.mp4", "Beach.jpg", "logo.png", "beach_small.webp", "notes.txt"}},
			{"unknown sort falls back", UploadFilter{SortBy: "bogus", Ascending: true},
				[]string{"logo.png", "beach_small.webp", "notes.txt", "clip.mp4", "Beach.jpg"}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				page, err := s.ListUploads(ctx, tt.filter)
				if err != nil {
					t.Fatalf("ListUploads: %v", err)
				}
				if got := recordNames(page); fmt.Sprint(got) != fmt.Sprint(tt.want) {
					t.Errorf("got %v, want %v", got, tt.want)
				}
				if page.Total != len(tt.want) {
					t.Errorf("Total = %d, want %d", page.Total, len(tt.want))
				}
			})
		}
	})
}

func TestListUploadsPaging(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedHistory(t, s)

		page, err := s.ListUploads(ctx, UploadFilter{Page: 2, PageSize: 2})
		if err != nil {
			t.Fatalf("ListUploads: %v", err)
		}
		if page.Total != 5 || page.TotalPages != 3 || page.Page != 2 || page.PageSize != 2 {
			t.Errorf("page meta = %+v", page)
		}
		if got := recordNames(page); fmt.Sprint(got) != "[notes.txt clip.mp4]" {
			t.Errorf("page 2 = %v", got)
		}

		page, _ = s.ListUploads(ctx, UploadFilter{Page: 10, PageSize: 2})
		if len(page.Records) != 0 || page.Records == nil {
			t.Errorf("past the end = %#v", page.Records)
		}

		page, _ = s.ListUploads(ctx, UploadFilter{Page: -1, PageSize: 1000})
		if page.Page != 1 || page.PageSize != MaxPageSize {
			t.Errorf("clamped meta = %+v", page)
		}
	})
}

func TestUploadStats(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedHistory(t, s)

		st, err := s.UploadStats(ctx, "", "")
		if err != nil {
			t.Fatalf("UploadStats: %v", err)
		}
		want := UploadStats{Total: 5, Completed: 3, Failed: 1, InProgress: 1, TotalBytes: 1250, Compressed: 1, BytesSaved: 250}
		if *st != want {
			t.Errorf("stats = %+v, want %+v", *st, want)
		}

		st, _ = s.UploadStats(ctx, "p1", "b")
		want = UploadStats{Total: 3, Completed: 2, Failed: 1, TotalBytes: 1200}
		if *st != want {
			t.Errorf("scoped stats = %+v, want %+v", *st, want)
		}
	})
}

func TestSettings(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		if _, ok, err := s.GetSetting(ctx, "upload.last_target"); ok || err != nil {
			t.Fatalf("unset key: ok=%v err=%v", ok, err)
		}
		s.PutSetting(ctx, "upload.last_target", `{"bucket":"a"}`)
		s.PutSetting(ctx, "upload.last_target", `{"bucket":"b"}`)
		v, ok, err := s.GetSetting(ctx, "upload.last_target")
		if err != nil || !ok || v != `{"bucket":"b"}` {
			t.Errorf("GetSetting = %q, %v, %v", v, ok, err)
		}
	})
}

func TestNormalizeFilter(t *testing.T) {
	tests := []struct {
		in   UploadFilter
		want UploadFilter
	}{
		{UploadFilter{}, UploadFilter{Page: 1, PageSize: DefaultPageSize, SortBy: SortUploadedAt}},
		{UploadFilter{Page: 3, PageSize: 101, SortBy: SortName, Ascending: true},
			UploadFilter{Page: 3, PageSize: MaxPageSize, SortBy: SortName, Ascending: true}},
		{UploadFilter{PageSize: 1, SortBy: "x", Ascending: true},
			UploadFilter{Page: 1, PageSize: 1, SortBy: SortUploadedAt}},
	}
	for _, tt := range tests {
		got := tt.in
		got.Normalize()
		if fmt.Sprint(got) != fmt.Sprint(tt.want) {
			t.Errorf("Normalize(%+v) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}
