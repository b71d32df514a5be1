package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/stowage/stowage/internal/imaging"
	"github.com/stowage/stowage/internal/metadata"
	"github.com/stowage/stowage/internal/upload"
)

// UploadRunBody describes an upload run.
type UploadRunBody struct {
	ProviderID       string        `json:"providerId" minLength:"1"`
	Bucket           string        `json:"bucket" minLength:"1"`
	Prefix           string        `json:"prefix,omitempty" doc:"Destination folder"`
	Files            []upload.File `json:"files" minItems:"1"`
	KeepOriginal     bool          `json:"keepOriginal,omitempty" doc:"Also upload the unmodified image"`
	GenerateBlurHash *bool         `json:"generateBlurHash,omitempty" doc:"Upload a blurred placeholder; the configured default when unset"`
	Concurrency      int           `json:"concurrency,omitempty" minimum:"0" maximum:"20" doc:"Files processed at once"`
	Source           string        `json:"source,omitempty" enum:"app,drag-drop,paste,api" doc:"How the files entered the app"`
}

// UploadRunInput starts an upload run.
type UploadRunInput struct {
	Body UploadRunBody
}

// UploadRunOutputBody identifies a started run.
type UploadRunOutputBody struct {
	RunID string        `json:"runId"`
	Tasks []upload.Task `json:"tasks"`
}

// UploadRunOutput identifies a started run.
type UploadRunOutput struct {
	Body UploadRunOutputBody
}

// TaskListInput filters the task list.
type TaskListInput struct {
	RunID string `query:"runId" doc:"Only tasks of this run"`
}

// TaskListOutput lists upload tasks.
type TaskListOutput struct {
	Body []upload.Task
}

// ClearTasksInput selects which tasks to clear.
type ClearTasksInput struct {
	All bool `query:"all" doc:"Also clear tasks that have not finished"`
}

// ClearTasksOutputBody reports how many tasks were cleared.
type ClearTasksOutputBody struct {
	Removed int `json:"removed"`
}

// ClearTasksOutput reports how many tasks were cleared.
type ClearTasksOutput struct {
	Body ClearTasksOutputBody
}

// LastTargetOutputBody wraps the last upload target, null when none.
type LastTargetOutputBody struct {
	Target *upload.LastTarget `json:"target"`
}

// LastTargetOutput returns the last upload target.
type LastTargetOutput struct {
	Body LastTargetOutputBody
}

// HistoryInput selects a page of upload history.
type HistoryInput struct {
	ProviderID string `query:"providerId"`
	Bucket     string `query:"bucket"`
	Query      string `query:"q" doc:"File name substring"`
	From       string `query:"from" doc:"RFC 3339 lower bound of the upload time"`
	To         string `query:"to" doc:"RFC 3339 upper bound of the upload time"`
	MimeTypes  string `query:"mimeType" doc:"Comma-separated type families such as image,video"`
	SortBy     string `query:"sortBy" enum:"uploadedAt,name,size" default:"uploadedAt"`
	Order      string `query:"order" enum:"asc,desc" default:"desc"`
	Page       int    `query:"page" minimum:"0" default:"1"`
	PageSize   int    `query:"pageSize" minimum:"0" maximum:"100" default:"50"`
}

// HistoryOutput is one page of upload history.
type HistoryOutput struct {
	Body *metadata.UploadPage
}

// HistoryStatsInput scopes history statistics.
type HistoryStatsInput struct {
	ProviderID string `query:"providerId"`
	Bucket     string `query:"bucket"`
}

// HistoryStatsOutput aggregates upload history.
type HistoryStatsOutput struct {
	Body *metadata.UploadStats
}

// HistoryPath addresses one history record.
type HistoryPath struct {
	ID string `path:"id" doc:"History record id"`
}

// PresetListOutput lists compression presets.
type PresetListOutput struct {
	Body []imaging.Preset
}

func (s *Server) registerUploadRoutes() {
	tags := []string{"Uploads"}

	huma.Register(s.api, huma.Operation{
		OperationID:   "start-upload",
		Method:        http.MethodPost,
		Path:          "/api/uploads",
		Summary:       "Start upload run",
		Description:   "Registers one pending task per artifact and processes the files in the background.",
		Tags:          tags,
		DefaultStatus: http.StatusAccepted,
	}, func(ctx context.Context, input *UploadRunInput) (*UploadRunOutput, error) {
		body := input.Body
		d, err := s.provider(ctx, body.ProviderID)
		if err != nil {
			return nil, err
		}
		blur := s.cfg.Uploads.GenerateBlurHash
		if body.GenerateBlurHash != nil {
			blur = *body.GenerateBlurHash
		}
		source := metadata.UploadSource(body.Source)
		if source == "" {
			source = metadata.SourceAPI
		}
		runID, done, err := s.uploads.Submit(s.runs, upload.Request{
			Provider:         d,
			Bucket:           body.Bucket,
			Prefix:           body.Prefix,
			Files:            body.Files,
			KeepOriginal:     body.KeepOriginal,
			GenerateBlurHash: blur,
			Concurrency:      body.Concurrency,
			Source:           source,
		})
		if err != nil {
			return nil, huma.Error400BadRequest(err.Error())
		}
		s.running.Add(1)
		go func() {
			defer s.running.Done()
			<-done
		}()
		return &UploadRunOutput{Body: UploadRunOutputBody{RunID: runID, Tasks: s.runTasks(runID)}}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "list-upload-tasks",
		Method:      http.MethodGet,
		Path:        "/api/uploads/tasks",
		Summary:     "List upload tasks",
		Tags:        tags,
	}, func(ctx context.Context, input *TaskListInput) (*TaskListOutput, error) {
		if input.RunID != "" {
			return &TaskListOutput{Body: s.runTasks(input.RunID)}, nil
		}
		tasks := s.uploads.Registry().List()
		if tasks == nil {
			tasks = []upload.Task{}
		}
		return &TaskListOutput{Body: tasks}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "clear-upload-tasks",
		Method:      http.MethodDelete,
		Path:        "/api/uploads/tasks",
		Summary:     "Clear upload tasks",
		Description: "Removes finished tasks, or every task when all is set.",
		Tags:        tags,
	}, func(ctx context.Context, input *ClearTasksInput) (*ClearTasksOutput, error) {
		reg := s.uploads.Registry()
		if input.All {
			n := len(reg.List())
			reg.Clear()
			return &ClearTasksOutput{Body: ClearTasksOutputBody{Removed: n}}, nil
		}
		return &ClearTasksOutput{Body: ClearTasksOutputBody{Removed: reg.ClearFinished()}}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "get-last-target",
		Method:      http.MethodGet,
		Path:        "/api/uploads/last-target",
		Summary:     "Last upload target",
		Tags:        tags,
	}, func(ctx context.Context, input *struct{}) (*LastTargetOutput, error) {
		t, err := s.uploads.LastTarget(ctx)
		if err != nil {
			return nil, storeError(err)
		}
		return &LastTargetOutput{Body: LastTargetOutputBody{Target: t}}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "list-presets",
		Method:      http.MethodGet,
		Path:        "/api/presets",
		Summary:     "List compression presets",
		Tags:        tags,
	}, func(ctx context.Context, input *struct{}) (*PresetListOutput, error) {
		return &PresetListOutput{Body: s.uploads.Presets()}, nil
	})
}

// runTasks returns the registered tasks of one run.
func (s *Server) runTasks(runID string) []upload.Task {
	tasks := []upload.Task{}
	for _, t := range s.uploads.Registry().List() {
		if t.RunID == runID {
			tasks = append(tasks, t)
		}
	}
	return tasks
}

func (s *Server) registerHistoryRoutes() {
	tags := []string{"History"}

	huma.Register(s.api, huma.Operation{
		OperationID: "list-history",
		Method:      http.MethodGet,
		Path:        "/api/history",
		Summary:     "List upload history",
		Tags:        tags,
	}, func(ctx context.Context, input *HistoryInput) (*HistoryOutput, error) {
		f, err := input.filter()
		if err != nil {
			return nil, huma.Error400BadRequest(err.Error())
		}
		page, err := s.store.ListUploads(ctx, f)
		if err != nil {
			return nil, storeError(err)
		}
		return &HistoryOutput{Body: page}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "get-history-stats",
		Method:      http.MethodGet,
		Path:        "/api/history/stats",
		Summary:     "Upload history statistics",
		Tags:        tags,
	}, func(ctx context.Context, input *HistoryStatsInput) (*HistoryStatsOutput, error) {
		stats, err := s.store.UploadStats(ctx, input.ProviderID, input.Bucket)
		if err != nil {
			return nil, storeError(err)
		}
		return &HistoryStatsOutput{Body: stats}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID:   "delete-history-record",
		Method:        http.MethodDelete,
		Path:          "/api/history/{id}",
		Summary:       "Delete history record",
		Description:   "Removes a record from the history. The stored object is left in place.",
		Tags:          tags,
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, input *HistoryPath) (*struct{}, error) {
		if err := s.store.DeleteUpload(ctx, input.ID); err != nil {
			return nil, storeError(err)
		}
		return nil, nil
	})
}

func (in *HistoryInput) filter() (metadata.UploadFilter, error) {
	f := metadata.UploadFilter{
		ProviderID: in.ProviderID,
		Bucket:     in.Bucket,
		Query:      in.Query,
		SortBy:     in.SortBy,
		Ascending:  in.Order == "asc",
		Page:       in.Page,
		PageSize:   in.PageSize,
	}
	for _, m := range strings.Split(in.MimeTypes, ",") {
		if m = strings.TrimSpace(m); m != "" {
			f.MimeTypes = append(f.MimeTypes, m)
		}
	}
	var err error
	if f.From, err = parseTime("from", in.From); err != nil {
		return f, err
	}
	if f.To, err = parseTime("to", in.To); err != nil {
		return f, err
	}
	f.Normalize()
	return f, nil
}

func parseTime(name, v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return &t, nil
}
