package upload

import (
	"sync"
	"time"

	"github.com/stowage/stowage/internal/uid"
)

// Status is the state of one upload task.
type Status string

const (
	StatusPending     Status = "pending"
	StatusCompressing Status = "compressing"
	StatusUploading   Status = "uploading"
	StatusCompleted   Status = "completed"
	StatusError       Status = "error"
	// StatusPaused is reserved; no transition leads to it yet.
	StatusPaused Status = "paused"
)

// Finished reports whether s is terminal.
func (s Status) Finished() bool {
	return s == StatusCompleted || s == StatusError
}

// TaskKind identifies which artifact of a file a task produces.
type TaskKind string

const (
	KindPreset   TaskKind = "preset"
	KindOriginal TaskKind = "original"
	KindBlurHash TaskKind = "blurhash"
)

// Task is the observable state of one artifact upload.
type Task struct {
	ID             string    `json:"id"`
	RunID          string    `json:"runId"`
	Kind           TaskKind  `json:"kind"`
	FileName       string    `json:"fileName"`
	FileSize       int64     `json:"fileSize"`
	ProviderID     string    `json:"providerId"`
	Bucket         string    `json:"bucket"`
	Prefix         string    `json:"prefix,omitempty"`
	Status         Status    `json:"status"`
	Progress       int       `json:"progress"`
	PresetID       string    `json:"presetId,omitempty"`
	Compressed     bool      `json:"compressed"`
	OriginalSize   int64     `json:"originalSize"`
	CompressedSize int64     `json:"compressedSize,omitempty"`
	Width          int       `json:"width,omitempty"`
	Height         int       `json:"height,omitempty"`
	Format         string    `json:"format,omitempty"`
	OutputKey      string    `json:"outputKey,omitempty"`
	Error          string    `json:"error,omitempty"`
	HistoryID      string    `json:"historyId,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Registry holds the tasks of every run since it was created or cleared.
// Observers registered with Subscribe receive a copy of each task after
// every change. Nothing is persisted.
type Registry struct {
	mu     sync.Mutex
	tasks  map[string]*Task
	order  []string
	subs   map[int]func(Task)
	nextID int
	now    func() time.Time
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		tasks: make(map[string]*Task),
		subs:  make(map[int]func(Task)),
		now:   time.Now,
	}
}

// Subscribe registers fn for task changes and returns a function that
// removes it. fn is called outside the registry lock, from the goroutine
// that made the change.
func (r *Registry) Subscribe(fn func(Task)) (unsubscribe func()) {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.subs[id] = fn
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.subs, id)
		r.mu.Unlock()
	}
}

func (r *Registry) add(t Task) string {
	if t.ID == "" {
		t.ID = uid.New()
	}
	r.mu.Lock()
	t.CreatedAt = r.now()
	t.UpdatedAt = t.CreatedAt
	stored := t
	r.tasks[t.ID] = &stored
	r.order = append(r.order, t.ID)
	subs := r.subscribers()
	r.mu.Unlock()

	notify(subs, t)
	return t.ID
}

func (r *Registry) update(id string, fn func(*Task)) {
	r.mu.Lock()
	t, ok := r.tasks[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	fn(t)
	t.UpdatedAt = r.now()
	snapshot := *t
	subs := r.subscribers()
	r.mu.Unlock()

	notify(subs, snapshot)
}

// subscribers must be called with r.mu held.
func (r *Registry) subscribers() []func(Task) {
	subs := make([]func(Task), 0, len(r.subs))
	for _, fn := range r.subs {
		subs = append(subs, fn)
	}
	return subs
}

func notify(subs []func(Task), t Task) {
	for _, fn := range subs {
		fn(t)
	}
}

// Get returns a copy of the task with the given id.
func (r *Registry) Get(id string) (Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

// List returns copies of all tasks in creation order.
func (r *Registry) List() []Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Task, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.tasks[id])
	}
	return out
}

// ClearFinished drops completed and failed tasks and returns how many were
// removed.
func (r *Registry) ClearFinished() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.order[:0]
	removed := 0
	for _, id := range r.order {
		if r.tasks[id].Status.Finished() {
			delete(r.tasks, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	r.order = kept
	return removed
}

// Clear drops every task.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = make(map[string]*Task)
	r.order = nil
}
