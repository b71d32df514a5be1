package upload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/stowage/stowage/internal/imaging"
	"github.com/stowage/stowage/internal/metadata"
	"github.com/stowage/stowage/internal/metrics"
	"github.com/stowage/stowage/internal/provider"
	"github.com/stowage/stowage/internal/storage"
	"github.com/stowage/stowage/internal/uid"
)

// ErrInvalidRequest is returned by Submit and Run for requests that cannot
// start.
var ErrInvalidRequest = errors.New("invalid upload request")

// lastTargetKey is the settings key holding the last upload target.
const lastTargetKey = "upload.last_target"

// blurPresetID marks placeholder rows in the upload history.
const blurPresetID = "blurhash"

// Uploader stores one object. *service.Service implements it.
type Uploader interface {
	UploadFile(ctx context.Context, p provider.Descriptor, bucket, key string, content []byte, meta storage.FileMetadata) storage.UploadResult
}

// Images compresses images and renders placeholders. *imaging.Processor
// implements it.
type Images interface {
	Compress(content []byte, presetID string) (*imaging.Result, error)
	Blur(content []byte) (*imaging.Result, error)
	Dimensions(content []byte) (int, int, error)
	Catalog() *imaging.Catalog
}

// Store is the part of the metadata repository the orchestrator writes.
type Store interface {
	CreateUpload(ctx context.Context, rec *metadata.UploadRecord) error
	UpdateUploadStatus(ctx context.Context, id string, u metadata.StatusUpdate) error
	GetSetting(ctx context.Context, key string) (string, bool, error)
	PutSetting(ctx context.Context, key, value string) error
}

// Config holds orchestrator defaults.
type Config struct {
	// Concurrency is the default number of files processed at once.
	Concurrency int
	// RememberLastTarget persists the target of every run in settings.
	RememberLastTarget bool
}

// File is one input of a run. Exactly one of Content and Path is needed;
// a Path is read once, inside the file's concurrency slot.
type File struct {
	Name        string `json:"name"`
	Path        string `json:"path,omitempty"`
	Content     []byte `json:"content,omitempty"`
	ContentType string `json:"contentType,omitempty"`
	// Preset selects a compression preset for images.
	Preset string `json:"preset,omitempty"`
	// Cropped replaces Content as the compression input when set.
	Cropped []byte `json:"cropped,omitempty"`
}

// Request describes one upload run.
type Request struct {
	Provider         provider.Descriptor
	Bucket           string
	Prefix           string
	Files            []File
	KeepOriginal     bool
	GenerateBlurHash bool
	// Concurrency overrides Config.Concurrency when non-zero.
	Concurrency int
	Source      metadata.UploadSource
	// OnComplete is called once every plan has settled.
	OnComplete func(Summary)
}

// Summary reports a finished run.
type Summary struct {
	RunID     string `json:"runId"`
	Tasks     []Task `json:"tasks"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
}

// LastTarget is the destination of the most recent run.
type LastTarget struct {
	ProviderID string `json:"providerId"`
	Bucket     string `json:"bucket"`
	Prefix     string `json:"prefix"`
}

// Orchestrator runs upload requests.
type Orchestrator struct {
	uploader Uploader
	store    Store
	images   Images
	registry *Registry
	cfg      Config
}

// New creates an Orchestrator with its own task registry.
func New(uploader Uploader, store Store, images Images, cfg Config) *Orchestrator {
	cfg.Concurrency = ClampConcurrency(cfg.Concurrency)
	return &Orchestrator{
		uploader: uploader,
		store:    store,
		images:   images,
		registry: NewRegistry(),
		cfg:      cfg,
	}
}

// Registry returns the task registry runs publish to.
func (o *Orchestrator) Registry() *Registry {
	return o.registry
}

// Presets returns the compression presets files may select.
func (o *Orchestrator) Presets() []imaging.Preset {
	return o.images.Catalog().All()
}

// plan is the resolved work for one file.
type plan struct {
	file        File
	contentType string
	isImage     bool
	presetID    string
	presetName  string
	presetTask  string
	origTask    string
	blurTask    string
}

func (p *plan) taskIDs() []string {
	var ids []string
	for _, id := range []string{p.presetTask, p.origTask, p.blurTask} {
		if id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// run is a submitted request.
type run struct {
	id     string
	req    Request
	prefix string
	source metadata.UploadSource
	plans  []*plan
}

// Run submits req and waits for it to finish.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Summary, error) {
	_, done, err := o.Submit(ctx, req)
	if err != nil {
		return nil, err
	}
	sum := <-done
	return &sum, nil
}

// Submit validates req, registers its tasks as pending and starts it in
// the background. The channel receives the summary once every plan has
// settled. Cancelling ctx stops queued files from starting; tasks already
// running fail and their history rows are marked as failed.
func (o *Orchestrator) Submit(ctx context.Context, req Request) (string, <-chan Summary, error) {
	r, err := o.prepare(req)
	if err != nil {
		return "", nil, err
	}
	done := make(chan Summary, 1)
	go func() {
		done <- o.execute(ctx, r)
		close(done)
	}()
	return r.id, done, nil
}

func (o *Orchestrator) prepare(req Request) (*run, error) {
	switch {
	case req.Provider == nil:
		return nil, fmt.Errorf("%w: provider is required", ErrInvalidRequest)
	case req.Bucket == "":
		return nil, fmt.Errorf("%w: bucket is required", ErrInvalidRequest)
	case len(req.Files) == 0:
		return nil, fmt.Errorf("%w: no files", ErrInvalidRequest)
	}

	r := &run{id: uid.New(), req: req, prefix: NormalizePrefix(req.Prefix), source: req.Source}
	if r.source == "" {
		r.source = metadata.SourceApp
	}
	for i, f := range req.Files {
		if f.Name == "" {
			return nil, fmt.Errorf("%w: file %d has no name", ErrInvalidRequest, i)
		}
		if f.Content == nil && f.Path == "" {
			return nil, fmt.Errorf("%w: %s has neither content nor path", ErrInvalidRequest, f.Name)
		}
		p := &plan{file: f, contentType: f.ContentType}
		if p.contentType == "" {
			p.contentType = storage.DetectContentType(f.Name, f.Content)
		}
		p.isImage = storage.IsImage(p.contentType)
		if p.isImage && f.Preset != "" {
			preset, ok := o.images.Catalog().Lookup(f.Preset)
			if !ok {
				return nil, fmt.Errorf("%w: %s: unknown preset %q", ErrInvalidRequest, f.Name, f.Preset)
			}
			p.presetID, p.presetName = preset.ID, preset.Name
		}
		r.plans = append(r.plans, p)
	}

	for _, p := range r.plans {
		o.registerTasks(r, p)
	}
	return r, nil
}

// registerTasks decides which artifacts a file produces and adds a pending
// task for each.
func (o *Orchestrator) registerTasks(r *run, p *plan) {
	size := int64(len(p.file.Content))
	if p.file.Content == nil {
		if st, err := os.Stat(p.file.Path); err == nil {
			size = st.Size()
		}
	}
	base := Task{
		RunID:        r.id,
		FileName:     p.file.Name,
		FileSize:     size,
		ProviderID:   r.req.Provider.Info().ID,
		Bucket:       r.req.Bucket,
		Prefix:       r.prefix,
		Status:       StatusPending,
		OriginalSize: size,
	}

	compress := p.presetID != ""
	if compress {
		t := base
		t.Kind, t.PresetID, t.Compressed = KindPreset, p.presetID, true
		p.presetTask = o.registry.add(t)
	}
	if !compress || r.req.KeepOriginal {
		t := base
		t.Kind = KindOriginal
		if p.isImage {
			t.PresetID = "original"
		}
		p.origTask = o.registry.add(t)
	}
	if r.req.GenerateBlurHash && p.isImage {
		t := base
		t.Kind, t.PresetID, t.Compressed = KindBlurHash, blurPresetID, true
		t.FileName = p.file.Name + " (blurhash)"
		p.blurTask = o.registry.add(t)
	}
}

func (o *Orchestrator) execute(ctx context.Context, r *run) Summary {
	concurrency := o.cfg.Concurrency
	if r.req.Concurrency != 0 {
		concurrency = ClampConcurrency(r.req.Concurrency)
	}
	limiter := NewLimiter(concurrency)

	fns := make([]func(context.Context) error, len(r.plans))
	for i, p := range r.plans {
		fns[i] = func(ctx context.Context) error {
			metrics.UploadPlansRunning.Inc()
			defer metrics.UploadPlansRunning.Dec()
			return o.runPlan(ctx, r, p)
		}
	}
	errs := RunAll(ctx, limiter, fns)
	for i, err := range errs {
		if err != nil {
			o.failPending(r.plans[i].taskIDs(), err)
		}
	}

	sum := o.summarize(r)
	if o.cfg.RememberLastTarget {
		o.saveLastTarget(context.WithoutCancel(ctx), r)
	}
	slog.Info("Upload run finished", "run", r.id, "provider", r.req.Provider.Info().ID,
		"bucket", r.req.Bucket, "files", len(r.plans), "completed", sum.Completed, "failed", sum.Failed)
	if r.req.OnComplete != nil {
		r.req.OnComplete(sum)
	}
	return sum
}

// failPending settles every task of ids that has not finished yet.
func (o *Orchestrator) failPending(ids []string, cause error) {
	for _, id := range ids {
		t, ok := o.registry.Get(id)
		if !ok || t.Status.Finished() {
			continue
		}
		o.registry.update(id, func(t *Task) {
			t.Status = StatusError
			t.Error = cause.Error()
		})
		metrics.UploadTasksTotal.WithLabelValues(string(StatusError)).Inc()
	}
}

func (o *Orchestrator) summarize(r *run) Summary {
	sum := Summary{RunID: r.id}
	for _, p := range r.plans {
		for _, id := range p.taskIDs() {
			t, ok := o.registry.Get(id)
			if !ok {
				continue
			}
			sum.Tasks = append(sum.Tasks, t)
			switch t.Status {
			case StatusCompleted:
				sum.Completed++
			case StatusError:
				sum.Failed++
			}
		}
	}
	return sum
}

// runPlan processes one file's artifacts in order: preset, original,
// placeholder. The file is read once and shared by all three.
func (o *Orchestrator) runPlan(ctx context.Context, r *run, p *plan) error {
	content := p.file.Content
	if content == nil {
		data, err := os.ReadFile(p.file.Path)
		if err != nil {
			return fmt.Errorf("reading %s: %w", p.file.Name, err)
		}
		content = data
		size := int64(len(data))
		for _, id := range p.taskIDs() {
			o.registry.update(id, func(t *Task) { t.FileSize, t.OriginalSize = size, size })
		}
		if p.file.ContentType == "" {
			p.contentType = storage.DetectContentType(p.file.Name, content)
		}
	}

	var width, height int
	if p.isImage {
		if w, h, err := o.images.Dimensions(content); err == nil {
			width, height = w, h
		}
	}

	if p.presetTask != "" {
		o.runPreset(ctx, r, p, content)
	}
	if p.origTask != "" {
		o.runOriginal(ctx, r, p, content, width, height)
	}
	if p.blurTask != "" {
		o.runBlur(ctx, r, p, content)
	}
	return nil
}

func (o *Orchestrator) runPreset(ctx context.Context, r *run, p *plan, content []byte) {
	id := p.presetTask
	if err := ctx.Err(); err != nil {
		o.settle(ctx, id, "", "", 0, err)
		return
	}
	o.registry.update(id, func(t *Task) { t.Status = StatusCompressing })

	input := content
	if len(p.file.Cropped) > 0 {
		input = p.file.Cropped
	}
	res, err := o.images.Compress(input, p.presetID)
	if err != nil {
		o.settle(ctx, id, "", "", 0, fmt.Errorf("compression failed: %w", err))
		return
	}

	name := presetFileName(p.file.Name, p.presetName, res.Width, res.Height, res.Format)
	key := r.prefix + name
	size := int64(len(res.Content))
	histID := o.record(ctx, &metadata.UploadRecord{
		ProviderID:   r.req.Provider.Info().ID,
		Bucket:       r.req.Bucket,
		Key:          key,
		Name:         name,
		Size:         size,
		MimeType:     "image/" + res.Format,
		Source:       r.source,
		IsCompressed: true,
		OriginalSize: int64(len(content)),
		PresetID:     p.presetID,
	})
	o.registry.update(id, func(t *Task) {
		t.Status = StatusUploading
		t.HistoryID = histID
		t.CompressedSize = size
		t.Width, t.Height = res.Width, res.Height
		t.Format = res.Format
	})
	err = o.put(ctx, r, key, res.Content, "image/"+res.Format)
	o.settle(ctx, id, histID, key, size, err)
}

func (o *Orchestrator) runOriginal(ctx context.Context, r *run, p *plan, content []byte, width, height int) {
	id := p.origTask
	if err := ctx.Err(); err != nil {
		o.settle(ctx, id, "", "", 0, err)
		return
	}
	name := p.file.Name
	if p.presetTask != "" {
		name = originalFileName(p.file.Name, width, height)
	}
	key := r.prefix + name
	size := int64(len(content))
	histID := o.record(ctx, &metadata.UploadRecord{
		ProviderID:   r.req.Provider.Info().ID,
		Bucket:       r.req.Bucket,
		Key:          key,
		Name:         name,
		Size:         size,
		MimeType:     p.contentType,
		Source:       r.source,
		OriginalSize: size,
	})
	o.registry.update(id, func(t *Task) {
		t.Status = StatusUploading
		t.HistoryID = histID
		t.Width, t.Height = width, height
	})
	err := o.put(ctx, r, key, content, p.contentType)
	o.settle(ctx, id, histID, key, size, err)
}

func (o *Orchestrator) runBlur(ctx context.Context, r *run, p *plan, content []byte) {
	id := p.blurTask
	if err := ctx.Err(); err != nil {
		o.settle(ctx, id, "", "", 0, err)
		return
	}
	name := blurFileName(p.file.Name)
	key := r.prefix + name
	histID := o.record(ctx, &metadata.UploadRecord{
		ProviderID:   r.req.Provider.Info().ID,
		Bucket:       r.req.Bucket,
		Key:          key,
		Name:         name,
		MimeType:     "image/webp",
		Source:       r.source,
		IsCompressed: true,
		OriginalSize: int64(len(content)),
		PresetID:     blurPresetID,
	})
	o.registry.update(id, func(t *Task) {
		t.Status = StatusCompressing
		t.HistoryID = histID
	})

	res, err := o.images.Blur(content)
	if err != nil {
		o.settle(ctx, id, histID, "", 0, fmt.Errorf("placeholder failed: %w", err))
		return
	}
	size := int64(len(res.Content))
	o.registry.update(id, func(t *Task) {
		t.Status = StatusUploading
		t.CompressedSize = size
		t.Width, t.Height = res.Width, res.Height
		t.Format = res.Format
	})
	err = o.put(ctx, r, key, res.Content, "image/webp")
	o.settle(ctx, id, histID, key, size, err)
}

func (o *Orchestrator) put(ctx context.Context, r *run, key string, content []byte, contentType string) error {
	res := o.uploader.UploadFile(ctx, r.req.Provider, r.req.Bucket, key, content, storage.FileMetadata{ContentType: contentType})
	if res.Success {
		return nil
	}
	if res.Error != "" {
		return errors.New(res.Error)
	}
	return errors.New("upload failed")
}

// record creates the history row of an artifact before it is uploaded.
// It returns "" when the row could not be written.
func (o *Orchestrator) record(ctx context.Context, rec *metadata.UploadRecord) string {
	rec.Type = string(storage.TypeFile)
	rec.Status = metadata.StatusUploading
	if err := o.store.CreateUpload(ctx, rec); err != nil {
		slog.Warn("Recording upload failed", "provider", rec.ProviderID, "bucket", rec.Bucket, "key", rec.Key, "error", err)
		return ""
	}
	return rec.ID
}

// settle finishes a task and its history row. The row is updated with a
// context that survives cancellation of the run.
func (o *Orchestrator) settle(ctx context.Context, taskID, histID, key string, size int64, err error) {
	status := StatusCompleted
	update := metadata.StatusUpdate{Status: metadata.StatusCompleted}
	if err != nil {
		status = StatusError
		update = metadata.StatusUpdate{Status: metadata.StatusError, ErrorMessage: err.Error()}
	} else {
		update.Size = &size
	}

	o.registry.update(taskID, func(t *Task) {
		t.Status = status
		if err != nil {
			t.Error = err.Error()
			return
		}
		t.Progress = 100
		t.OutputKey = key
	})
	metrics.UploadTasksTotal.WithLabelValues(string(status)).Inc()
	if err == nil {
		metrics.UploadBytesTotal.Add(float64(size))
		metrics.UploadSize.Observe(float64(size))
	}

	if histID == "" {
		return
	}
	if uerr := o.store.UpdateUploadStatus(context.WithoutCancel(ctx), histID, update); uerr != nil {
		slog.Warn("Updating upload status failed", "record", histID, "status", update.Status, "error", uerr)
	}
}

func (o *Orchestrator) saveLastTarget(ctx context.Context, r *run) {
	data, err := json.Marshal(LastTarget{
		ProviderID: r.req.Provider.Info().ID,
		Bucket:     r.req.Bucket,
		Prefix:     r.prefix,
	})
	if err != nil {
		return
	}
	if err := o.store.PutSetting(ctx, lastTargetKey, string(data)); err != nil {
		slog.Warn("Saving last upload target failed", "error", err)
	}
}

// LastTarget returns the destination of the most recent run, or nil when
// none was saved.
func (o *Orchestrator) LastTarget(ctx context.Context) (*LastTarget, error) {
	v, ok, err := o.store.GetSetting(ctx, lastTargetKey)
	if err != nil || !ok {
		return nil, err
	}
	var t LastTarget
	if err := json.Unmarshal([]byte(v), &t); err != nil {
		return nil, fmt.Errorf("decoding last upload target: %w", err)
	}
	return &t, nil
}
