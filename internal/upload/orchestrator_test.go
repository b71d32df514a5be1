package upload

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stowage/stowage/internal/imaging"
	"github.com/stowage/stowage/internal/metadata"
	"github.com/stowage/stowage/internal/provider"
	"github.com/stowage/stowage/internal/storage"
)

type fakeUploader struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
	fail    map[string]string

	delay    time.Duration
	inFlight atomic.Int64
	peak     atomic.Int64

	// waitForCancel makes every upload block until its context is done.
	waitForCancel bool
	started       chan struct{}
	startOnce     sync.Once
}

func newFakeUploader() *fakeUploader {
	return &fakeUploader{
		objects: make(map[string][]byte),
		types:   make(map[string]string),
		fail:    make(map[string]string),
		started: make(chan struct{}),
	}
}

func (u *fakeUploader) UploadFile(ctx context.Context, p provider.Descriptor, bucket, key string, content []byte, meta storage.FileMetadata) storage.UploadResult {
	n := u.inFlight.Add(1)
	defer u.inFlight.Add(-1)
	for {
		peak := u.peak.Load()
		if n <= peak || u.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	u.startOnce.Do(func() { close(u.started) })

	if u.waitForCancel {
		<-ctx.Done()
		return storage.UploadResult{Key: key, Error: ctx.Err().Error()}
	}
	if u.delay > 0 {
		time.Sleep(u.delay)
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	if msg, ok := u.fail[key]; ok {
		return storage.UploadResult{Key: key, Error: msg}
	}
	u.objects[key] = content
	u.types[key] = meta.ContentType
	return storage.UploadResult{Success: true, Key: key}
}

func (u *fakeUploader) keys() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	keys := make([]string, 0, len(u.objects))
	for k := range u.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type fakeImages struct {
	catalog     *imaging.Catalog
	compressErr error
	blurErr     error
}

func newFakeImages(t *testing.T) *fakeImages {
	t.Helper()
	c, err := imaging.NewCatalog()
	if err != nil {
		t.Fatal(err)
	}
	return &fakeImages{catalog: c}
}

func (f *fakeImages) Compress(content []byte, presetID string) (*imaging.Result, error) {
	if f.compressErr != nil {
		return nil, f.compressErr
	}
	out := []byte("compressed:" + presetID)
	return &imaging.Result{Content: out, Width: 1200, Height: 900, Format: "webp",
		OriginalSize: int64(len(content)), CompressedSize: int64(len(out))}, nil
}

func (f *fakeImages) Blur(content []byte) (*imaging.Result, error) {
	if f.blurErr != nil {
		return nil, f.blurErr
	}
	return &imaging.Result{Content: []byte("blur"), Width: 32, Height: 24, Format: "webp"}, nil
}

func (f *fakeImages) Dimensions(content []byte) (int, int, error) {
	return 1600, 1200, nil
}

func (f *fakeImages) Catalog() *imaging.Catalog {
	return f.catalog
}

type harness struct {
	orch     *Orchestrator
	uploader *fakeUploader
	images   *fakeImages
	store    *metadata.MemoryStore
	p        *provider.MinIO
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		uploader: newFakeUploader(),
		images:   newFakeImages(t),
		store:    metadata.NewMemoryStore(),
		p:        &provider.MinIO{Base: provider.Base{ID: "p1", Name: "minio"}, Endpoint: "http://localhost:9000"},
	}
	h.orch = New(h.uploader, h.store, h.images, cfg)
	return h
}

func (h *harness) history(t *testing.T) []metadata.UploadRecord {
	t.Helper()
	page, err := h.store.ListUploads(context.Background(), metadata.UploadFilter{SortBy: metadata.SortName, Ascending: true})
	if err != nil {
		t.Fatal(err)
	}
	return page.Records
}

// statusLog records the status sequence of every task.
type statusLog struct {
	mu  sync.Mutex
	seq map[string][]Status
}

func watch(r *Registry) *statusLog {
	l := &statusLog{seq: make(map[string][]Status)}
	r.Subscribe(func(t Task) {
		l.mu.Lock()
		defer l.mu.Unlock()
		s := l.seq[t.ID]
		if len(s) == 0 || s[len(s)-1] != t.Status {
			l.seq[t.ID] = append(s, t.Status)
		}
	})
	return l
}

func (l *statusLog) of(id string) []Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Status(nil), l.seq[id]...)
}

func equalStatuses(a, b []Status) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func photo() File {
	return File{Name: "photo.jpg", Content: []byte("jpeg-bytes"), ContentType: "image/jpeg", Preset: "content"}
}

func TestPresetOnlyUpload(t *testing.T) {
	h := newHarness(t, Config{})
	log := watch(h.orch.Registry())

	sum, err := h.orch.Run(context.Background(), Request{
		Provider: h.p, Bucket: "media", Prefix: "photos", Files: []File{photo()},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(sum.Tasks) != 1 || sum.Completed != 1 || sum.Failed != 0 {
		t.Fatalf("summary = %+v", sum)
	}
	task := sum.Tasks[0]
	if task.Kind != KindPreset || task.OutputKey != "photos/photo_content_1200x900.webp" {
		t.Errorf("task = %+v", task)
	}
	want := []Status{StatusPending, StatusCompressing, StatusUploading, StatusCompleted}
	if got := log.of(task.ID); !equalStatuses(got, want) {
		t.Errorf("status sequence = %v, want %v", got, want)
	}
	if keys := h.uploader.keys(); len(keys) != 1 || keys[0] != "photos/photo_content_1200x900.webp" {
		t.Errorf("uploaded = %v", keys)
	}
	if ct := h.uploader.types["photos/photo_content_1200x900.webp"]; ct != "image/webp" {
		t.Errorf("content type = %q", ct)
	}

	hist := h.history(t)
	if len(hist) != 1 {
		t.Fatalf("history = %+v", hist)
	}
	rec := hist[0]
	if rec.Status != metadata.StatusCompleted || !rec.IsCompressed || rec.PresetID != "content" ||
		rec.MimeType != "image/webp" || rec.OriginalSize != int64(len("jpeg-bytes")) || rec.ID != task.HistoryID {
		t.Errorf("record = %+v", rec)
	}
}

func TestKeepOriginalUploadsBoth(t *testing.T) {
	h := newHarness(t, Config{})
	sum, err := h.orch.Run(context.Background(), Request{
		Provider: h.p, Bucket: "media", Prefix: "photos/", Files: []File{photo()}, KeepOriginal: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(sum.Tasks) != 2 || sum.Completed != 2 {
		t.Fatalf("summary = %+v", sum)
	}
	want := []string{"photos/photo_content_1200x900.webp", "photos/photo_original_1600x1200.jpg"}
	keys := h.uploader.keys()
	if len(keys) != 2 || keys[0] != want[0] || keys[1] != want[1] {
		t.Errorf("uploaded = %v, want %v", keys, want)
	}
	if got := h.uploader.objects[want[1]]; string(got) != "jpeg-bytes" {
		t.Errorf("original content = %q", got)
	}
	hist := h.history(t)
	if len(hist) != 2 {
		t.Fatalf("history = %+v", hist)
	}
	for _, rec := range hist {
		if rec.Status != metadata.StatusCompleted {
			t.Errorf("record %s status = %s", rec.Key, rec.Status)
		}
	}
}

func TestBlurPlaceholder(t *testing.T) {
	h := newHarness(t, Config{})
	log := watch(h.orch.Registry())
	f := photo()
	f.Preset = ""
	sum, err := h.orch.Run(context.Background(), Request{
		Provider: h.p, Bucket: "media", Files: []File{f}, GenerateBlurHash: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(sum.Tasks) != 2 || sum.Completed != 2 {
		t.Fatalf("summary = %+v", sum)
	}
	orig, blur := sum.Tasks[0], sum.Tasks[1]
	if orig.OutputKey != "photo.jpg" || blur.OutputKey != "photo_blurhash.webp" {
		t.Errorf("keys = %q, %q", orig.OutputKey, blur.OutputKey)
	}
	want := []Status{StatusPending, StatusCompressing, StatusUploading, StatusCompleted}
	if got := log.of(blur.ID); !equalStatuses(got, want) {
		t.Errorf("blur sequence = %v", got)
	}
	for _, rec := range h.history(t) {
		if rec.Key == "photo_blurhash.webp" && (rec.Size != 4 || rec.PresetID != "blurhash") {
			t.Errorf("blur record = %+v", rec)
		}
	}
}

func TestNonImageIgnoresImageOptions(t *testing.T) {
	h := newHarness(t, Config{})
	sum, err := h.orch.Run(context.Background(), Request{
		Provider: h.p, Bucket: "media",
		Files:            []File{{Name: "notes.txt", Content: []byte("hello"), Preset: "content"}},
		KeepOriginal:     true,
		GenerateBlurHash: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(sum.Tasks) != 1 || sum.Tasks[0].OutputKey != "notes.txt" || sum.Tasks[0].PresetID != "" {
		t.Fatalf("summary = %+v", sum)
	}
	if ct := h.uploader.types["notes.txt"]; ct != "text/plain" {
		t.Errorf("content type = %q", ct)
	}
}

func TestCompressionFailureOnlyFailsItsTask(t *testing.T) {
	h := newHarness(t, Config{})
	h.images.compressErr = errors.New("corrupt image")
	sum, err := h.orch.Run(context.Background(), Request{
		Provider: h.p, Bucket: "media", Files: []File{photo()}, KeepOriginal: true, GenerateBlurHash: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(sum.Tasks) != 3 || sum.Completed != 2 || sum.Failed != 1 {
		t.Fatalf("summary = %+v", sum)
	}
	preset := sum.Tasks[0]
	if preset.Kind != KindPreset || preset.Status != StatusError || preset.Error == "" {
		t.Errorf("preset task = %+v", preset)
	}
	hist := h.history(t)
	if len(hist) != 2 {
		t.Fatalf("history = %+v", hist)
	}
	for _, rec := range hist {
		if rec.Status != metadata.StatusCompleted {
			t.Errorf("record %s = %s", rec.Key, rec.Status)
		}
	}
}

func TestUploadFailureIsRecorded(t *testing.T) {
	h := newHarness(t, Config{})
	h.uploader.fail["b.txt"] = "AccessDenied: bucket policy"
	sum, err := h.orch.Run(context.Background(), Request{
		Provider: h.p, Bucket: "media",
		Files: []File{{Name: "a.txt", Content: []byte("a")}, {Name: "b.txt", Content: []byte("b")}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if sum.Completed != 1 || sum.Failed != 1 {
		t.Fatalf("summary = %+v", sum)
	}
	for _, rec := range h.history(t) {
		switch rec.Key {
		case "a.txt":
			if rec.Status != metadata.StatusCompleted {
				t.Errorf("a.txt = %+v", rec)
			}
		case "b.txt":
			if rec.Status != metadata.StatusError || rec.ErrorMessage != "AccessDenied: bucket policy" {
				t.Errorf("b.txt = %+v", rec)
			}
		}
	}
}

func TestRunBoundsConcurrentPlans(t *testing.T) {
	h := newHarness(t, Config{Concurrency: 3})
	h.uploader.delay = 2 * time.Millisecond
	files := make([]File, 20)
	for i := range files {
		files[i] = File{Name: string(rune('a'+i)) + ".txt", Content: []byte("x")}
	}
	sum, err := h.orch.Run(context.Background(), Request{Provider: h.p, Bucket: "media", Files: files})
	if err != nil {
		t.Fatal(err)
	}
	if sum.Completed != 20 {
		t.Fatalf("completed = %d", sum.Completed)
	}
	if p := h.uploader.peak.Load(); p > 3 {
		t.Errorf("peak concurrent uploads = %d, limit 3", p)
	}

	h2 := newHarness(t, Config{Concurrency: 10})
	h2.uploader.delay = 2 * time.Millisecond
	if _, err := h2.orch.Run(context.Background(), Request{Provider: h2.p, Bucket: "media", Files: files, Concurrency: 1}); err != nil {
		t.Fatal(err)
	}
	if p := h2.uploader.peak.Load(); p != 1 {
		t.Errorf("per-request concurrency ignored, peak = %d", p)
	}
}

func TestCancelReconcilesHistory(t *testing.T) {
	h := newHarness(t, Config{Concurrency: 1})
	h.uploader.waitForCancel = true
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, done, err := h.orch.Submit(ctx, Request{
		Provider: h.p, Bucket: "media",
		Files: []File{{Name: "a.txt", Content: []byte("a")}, {Name: "b.txt", Content: []byte("b")}, {Name: "c.txt", Content: []byte("c")}},
	})
	if err != nil {
		t.Fatal(err)
	}
	<-h.uploader.started
	cancel()

	sum := <-done
	if sum.Failed != 3 || sum.Completed != 0 {
		t.Fatalf("summary = %+v", sum)
	}
	for _, task := range sum.Tasks {
		if task.Status != StatusError {
			t.Errorf("task %s = %s", task.FileName, task.Status)
		}
	}
	hist := h.history(t)
	if len(hist) != 1 {
		t.Fatalf("history = %+v", hist)
	}
	if hist[0].Status != metadata.StatusError {
		t.Errorf("in-flight record left as %s", hist[0].Status)
	}
}

func TestLastTarget(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{RememberLastTarget: true})
	if lt, err := h.orch.LastTarget(ctx); err != nil || lt != nil {
		t.Fatalf("LastTarget before any run = %+v, %v", lt, err)
	}
	if _, err := h.orch.Run(ctx, Request{Provider: h.p, Bucket: "media", Prefix: "/a/b", Files: []File{{Name: "x", Content: []byte("x")}}}); err != nil {
		t.Fatal(err)
	}
	lt, err := h.orch.LastTarget(ctx)
	if err != nil || lt == nil || lt.ProviderID != "p1" || lt.Bucket != "media" || lt.Prefix != "a/b/" {
		t.Errorf("LastTarget = %+v, %v", lt, err)
	}

	off := newHarness(t, Config{})
	off.orch.Run(ctx, Request{Provider: off.p, Bucket: "media", Files: []File{{Name: "x", Content: []byte("x")}}})
	if lt, _ := off.orch.LastTarget(ctx); lt != nil {
		t.Errorf("target remembered while disabled: %+v", lt)
	}
}

func TestInvalidRequests(t *testing.T) {
	h := newHarness(t, Config{})
	ok := File{Name: "a", Content: []byte("a")}
	tests := map[string]Request{
		"no provider":    {Bucket: "b", Files: []File{ok}},
		"no bucket":      {Provider: h.p, Files: []File{ok}},
		"no files":       {Provider: h.p, Bucket: "b"},
		"no name":        {Provider: h.p, Bucket: "b", Files: []File{{Content: []byte("a")}}},
		"no content":     {Provider: h.p, Bucket: "b", Files: []File{{Name: "a"}}},
		"unknown preset": {Provider: h.p, Bucket: "b", Files: []File{{Name: "a.png", Content: []byte("a"), Preset: "huge"}}},
	}
	for name, req := range tests {
		if _, err := h.orch.Run(context.Background(), req); !errors.Is(err, ErrInvalidRequest) {
			t.Errorf("%s: err = %v", name, err)
		}
	}
	if n := len(h.orch.Registry().List()); n != 0 {
		t.Errorf("rejected requests registered %d tasks", n)
	}
}

func TestFileFromPath(t *testing.T) {
	h := newHarness(t, Config{})
	path := filepath.Join(t.TempDir(), "report.pdf")
	if err := os.WriteFile(path, []byte("%PDF-1.4 body"), 0o644); err != nil {
		t.Fatal(err)
	}
	var completed Summary
	sum, err := h.orch.Run(context.Background(), Request{
		Provider: h.p, Bucket: "media",
		Files:      []File{{Name: "report.pdf", Path: path}, {Name: "gone.txt", Path: filepath.Join(t.TempDir(), "missing")}},
		OnComplete: func(s Summary) { completed = s },
	})
	if err != nil {
		t.Fatal(err)
	}
	if completed.RunID != sum.RunID || completed.Completed != 1 || completed.Failed != 1 {
		t.Errorf("OnComplete summary = %+v", completed)
	}
	if got := h.uploader.objects["report.pdf"]; string(got) != "%PDF-1.4 body" {
		t.Errorf("uploaded = %q", got)
	}
	if h.uploader.types["report.pdf"] != "application/pdf" {
		t.Errorf("content type = %q", h.uploader.types["report.pdf"])
	}
	if sum.Tasks[0].FileSize != int64(len("%PDF-1.4 body")) {
		t.Errorf("file size = %d", sum.Tasks[0].FileSize)
	}
}

func TestRunWithImageProcessor(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 1600, 1200))
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatal(err)
	}
	c, err := imaging.NewCatalog()
	if err != nil {
		t.Fatal(err)
	}
	uploader := newFakeUploader()
	orch := New(uploader, metadata.NewMemoryStore(), imaging.NewProcessor(c), Config{})
	p := &provider.MinIO{Base: provider.Base{ID: "p1"}}

	sum, err := orch.Run(context.Background(), Request{
		Provider: p, Bucket: "media", Prefix: "blog",
		Files:        []File{{Name: "photo.jpg", Content: buf.Bytes(), Preset: "content"}},
		KeepOriginal: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if sum.Completed != 2 {
		t.Fatalf("summary = %+v", sum)
	}
	keys := uploader.keys()
	want := []string{"blog/photo_content_1200x900.webp", "blog/photo_original_1600x1200.jpg"}
	if len(keys) != 2 || keys[0] != want[0] || keys[1] != want[1] {
		t.Errorf("uploaded = %v, want %v", keys, want)
	}
}
