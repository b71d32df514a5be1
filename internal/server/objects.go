package server

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/stowage/stowage/internal/metadata"
	"github.com/stowage/stowage/internal/service"
	"github.com/stowage/stowage/internal/storage"
)

// BucketPath addresses one bucket of a provider.
type BucketPath struct {
	ID     string `path:"id" doc:"Provider id"`
	Bucket string `path:"bucket" doc:"Bucket name"`
}

// BucketListOutput lists a provider's buckets.
type BucketListOutput struct {
	Body []storage.BucketInfo
}

// CreateBucketInput creates a bucket.
type CreateBucketInput struct {
	ID   string `path:"id" doc:"Provider id"`
	Body struct {
		Name   string `json:"name" minLength:"1" doc:"Bucket name"`
		Region string `json:"region,omitempty" doc:"Region, where the provider supports one"`
	}
}

// BucketResultOutput reports a bucket creation or deletion.
type BucketResultOutput struct {
	Body service.BucketResult
}

// BucketDomainBody holds a bucket's custom domain.
type BucketDomainBody struct {
	CustomDomain string `json:"customDomain" doc:"Public base URL; empty clears it"`
}

// BucketDomainInput sets a bucket's custom domain.
type BucketDomainInput struct {
	ID     string `path:"id" doc:"Provider id"`
	Bucket string `path:"bucket" doc:"Bucket name"`
	Body   BucketDomainBody
}

// BucketDomainOutput returns a bucket's custom domain.
type BucketDomainOutput struct {
	Body BucketDomainBody
}

// ListObjectsInput selects a listing page.
type ListObjectsInput struct {
	ID      string `path:"id" doc:"Provider id"`
	Bucket  string `path:"bucket" doc:"Bucket name"`
	Prefix  string `query:"prefix" doc:"Folder prefix"`
	Cursor  string `query:"cursor" doc:"Continuation cursor from the previous page"`
	MaxKeys int    `query:"maxKeys" minimum:"0" maximum:"1000" doc:"Page size"`
}

// ListObjectsOutput is one listing page.
type ListObjectsOutput struct {
	Body *storage.ListResult
}

// UploadObjectInput stores one object.
type UploadObjectInput struct {
	ID     string `path:"id" doc:"Provider id"`
	Bucket string `path:"bucket" doc:"Bucket name"`
	Body   struct {
		Key         string `json:"key" minLength:"1" doc:"Object key"`
		Content     []byte `json:"content" doc:"Object content, base64 encoded"`
		ContentType string `json:"contentType,omitempty" doc:"MIME type; derived from the key when empty"`
	}
}

// UploadObjectOutput reports an upload.
type UploadObjectOutput struct {
	Body storage.UploadResult
}

// DeleteObjectsInput deletes a single key, a folder or a batch of keys.
type DeleteObjectsInput struct {
	ID     string `path:"id" doc:"Provider id"`
	Bucket string `path:"bucket" doc:"Bucket name"`
	Body   struct {
		Key      string   `json:"key,omitempty" doc:"Single key or folder prefix"`
		IsFolder bool     `json:"isFolder,omitempty" doc:"Delete everything under key"`
		Keys     []string `json:"keys,omitempty" doc:"Batch of keys"`
	}
}

// DeleteObjectsOutput reports a delete.
type DeleteObjectsOutput struct {
	Body storage.DeleteResult
}

// RenameObjectInput renames an object within its folder.
type RenameObjectInput struct {
	ID     string `path:"id" doc:"Provider id"`
	Bucket string `path:"bucket" doc:"Bucket name"`
	Body   struct {
		Key     string `json:"key" minLength:"1"`
		NewName string `json:"newName" minLength:"1"`
	}
}

// RenameObjectOutput reports a rename.
type RenameObjectOutput struct {
	Body storage.RenameResult
}

// MoveObjectsInput moves keys under a destination prefix.
type MoveObjectsInput struct {
	ID     string `path:"id" doc:"Provider id"`
	Bucket string `path:"bucket" doc:"Bucket name"`
	Body   struct {
		Keys       []string `json:"keys" minItems:"1"`
		DestPrefix string   `json:"destPrefix" doc:"Destination folder; empty is the bucket root"`
	}
}

// MoveObjectsOutput reports a move.
type MoveObjectsOutput struct {
	Body storage.MoveResult
}

// CreateFolderInput creates an empty folder.
type CreateFolderInput struct {
	ID     string `path:"id" doc:"Provider id"`
	Bucket string `path:"bucket" doc:"Bucket name"`
	Body   struct {
		Path string `json:"path" minLength:"1" doc:"Folder path"`
	}
}

// CreateFolderOutput reports a folder creation.
type CreateFolderOutput struct {
	Body storage.FolderResult
}

// ObjectKeyInput addresses one object.
type ObjectKeyInput struct {
	ID     string `path:"id" doc:"Provider id"`
	Bucket string `path:"bucket" doc:"Bucket name"`
	Key    string `query:"key" required:"true" doc:"Object key"`
}

// SignedURLInput requests a signed URL.
type SignedURLInput struct {
	ID        string `path:"id" doc:"Provider id"`
	Bucket    string `path:"bucket" doc:"Bucket name"`
	Key       string `query:"key" required:"true" doc:"Object key"`
	ExpiresIn int    `query:"expiresIn" minimum:"0" maximum:"604800" doc:"Lifetime in seconds; the configured default when 0"`
}

// SignedURLOutput returns a signed URL.
type SignedURLOutput struct {
	Body *storage.ObjectURL
}

// URLBody holds an unsigned URL.
type URLBody struct {
	URL string `json:"url"`
}

// URLOutput returns an unsigned URL.
type URLOutput struct {
	Body URLBody
}

// DownloadInput downloads an object to a local path.
type DownloadInput struct {
	ID     string `path:"id" doc:"Provider id"`
	Bucket string `path:"bucket" doc:"Bucket name"`
	Body   struct {
		Key      string `json:"key" minLength:"1"`
		SavePath string `json:"savePath" minLength:"1" doc:"Destination file on the server's filesystem"`
	}
}

// DownloadOutput reports a download.
type DownloadOutput struct {
	Body service.DownloadResult
}

func (s *Server) registerBucketRoutes() {
	tags := []string{"Buckets"}

	huma.Register(s.api, huma.Operation{
		OperationID: "list-buckets",
		Method:      http.MethodGet,
		Path:        "/api/providers/{id}/buckets",
		Summary:     "List buckets",
		Tags:        tags,
	}, func(ctx context.Context, input *ProviderPath) (*BucketListOutput, error) {
		d, err := s.provider(ctx, input.ID)
		if err != nil {
			return nil, err
		}
		buckets, err := s.svc.ListBuckets(ctx, d)
		if err != nil {
			return nil, providerError(err)
		}
		if buckets == nil {
			buckets = []storage.BucketInfo{}
		}
		return &BucketListOutput{Body: buckets}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "create-bucket",
		Method:      http.MethodPost,
		Path:        "/api/providers/{id}/buckets",
		Summary:     "Create bucket",
		Tags:        tags,
	}, func(ctx context.Context, input *CreateBucketInput) (*BucketResultOutput, error) {
		d, err := s.provider(ctx, input.ID)
		if err != nil {
			return nil, err
		}
		res := s.svc.CreateBucket(ctx, d, input.Body.Name, storage.CreateBucketOptions{Region: input.Body.Region})
		return &BucketResultOutput{Body: res}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "delete-bucket",
		Method:      http.MethodDelete,
		Path:        "/api/providers/{id}/buckets/{bucket}",
		Summary:     "Delete bucket",
		Description: "Deletes an empty bucket and its stored settings.",
		Tags:        tags,
	}, func(ctx context.Context, input *BucketPath) (*BucketResultOutput, error) {
		d, err := s.provider(ctx, input.ID)
		if err != nil {
			return nil, err
		}
		return &BucketResultOutput{Body: s.svc.DeleteBucket(ctx, d, input.Bucket)}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "get-bucket-domain",
		Method:      http.MethodGet,
		Path:        "/api/providers/{id}/buckets/{bucket}/domain",
		Summary:     "Get custom domain",
		Tags:        tags,
	}, func(ctx context.Context, input *BucketPath) (*BucketDomainOutput, error) {
		d, err := s.provider(ctx, input.ID)
		if err != nil {
			return nil, err
		}
		rec, err := s.svc.GetBucketRecord(ctx, d, input.Bucket)
		if err != nil {
			return nil, storeError(err)
		}
		return &BucketDomainOutput{Body: BucketDomainBody{CustomDomain: domainOf(rec)}}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "put-bucket-domain",
		Method:      http.MethodPut,
		Path:        "/api/providers/{id}/buckets/{bucket}/domain",
		Summary:     "Set custom domain",
		Tags:        tags,
	}, func(ctx context.Context, input *BucketDomainInput) (*BucketDomainOutput, error) {
		d, err := s.provider(ctx, input.ID)
		if err != nil {
			return nil, err
		}
		rec, err := s.svc.SetBucketDomain(ctx, d, input.Bucket, input.Body.CustomDomain)
		if err != nil {
			return nil, storeError(err)
		}
		return &BucketDomainOutput{Body: BucketDomainBody{CustomDomain: domainOf(rec)}}, nil
	})
}

func domainOf(rec *metadata.BucketRecord) string {
	if rec == nil {
		return ""
	}
	return rec.CustomDomain
}

func (s *Server) registerObjectRoutes() {
	tags := []string{"Objects"}
	const base = "/api/providers/{id}/buckets/{bucket}"

	huma.Register(s.api, huma.Operation{
		OperationID: "list-objects",
		Method:      http.MethodGet,
		Path:        base + "/objects",
		Summary:     "List folder",
		Description: "Lists the files and folders directly under prefix, one page at a time.",
		Tags:        tags,
	}, func(ctx context.Context, input *ListObjectsInput) (*ListObjectsOutput, error) {
		d, err := s.provider(ctx, input.ID)
		if err != nil {
			return nil, err
		}
		res, err := s.svc.ListObjects(ctx, d, input.Bucket, storage.ListOptions{
			Prefix:  input.Prefix,
			Cursor:  input.Cursor,
			MaxKeys: input.MaxKeys,
		})
		if err != nil {
			return nil, providerError(err)
		}
		return &ListObjectsOutput{Body: res}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "upload-object",
		Method:      http.MethodPost,
		Path:        base + "/objects",
		Summary:     "Upload object",
		Tags:        tags,
	}, func(ctx context.Context, input *UploadObjectInput) (*UploadObjectOutput, error) {
		d, err := s.provider(ctx, input.ID)
		if err != nil {
			return nil, err
		}
		contentType := input.Body.ContentType
		if contentType == "" {
			contentType = storage.DetectContentType(input.Body.Key, input.Body.Content)
		}
		res := s.svc.UploadFile(ctx, d, input.Bucket, input.Body.Key, input.Body.Content, storage.FileMetadata{ContentType: contentType})
		return &UploadObjectOutput{Body: res}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "delete-objects",
		Method:      http.MethodPost,
		Path:        base + "/objects/delete",
		Summary:     "Delete objects",
		Description: "Deletes key (with everything under it when isFolder is set) or the batch in keys.",
		Tags:        tags,
	}, func(ctx context.Context, input *DeleteObjectsInput) (*DeleteObjectsOutput, error) {
		body := input.Body
		if body.Key == "" && len(body.Keys) == 0 {
			return nil, huma.Error400BadRequest("key or keys is required")
		}
		d, err := s.provider(ctx, input.ID)
		if err != nil {
			return nil, err
		}
		if body.Key != "" {
			return &DeleteObjectsOutput{Body: s.svc.DeleteObject(ctx, d, input.Bucket, body.Key, body.IsFolder)}, nil
		}
		return &DeleteObjectsOutput{Body: s.svc.DeleteObjects(ctx, d, input.Bucket, body.Keys)}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "rename-object",
		Method:      http.MethodPost,
		Path:        base + "/objects/rename",
		Summary:     "Rename object",
		Tags:        tags,
	}, func(ctx context.Context, input *RenameObjectInput) (*RenameObjectOutput, error) {
		d, err := s.provider(ctx, input.ID)
		if err != nil {
			return nil, err
		}
		return &RenameObjectOutput{Body: s.svc.RenameObject(ctx, d, input.Bucket, input.Body.Key, input.Body.NewName)}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "move-objects",
		Method:      http.MethodPost,
		Path:        base + "/objects/move",
		Summary:     "Move objects",
		Tags:        tags,
	}, func(ctx context.Context, input *MoveObjectsInput) (*MoveObjectsOutput, error) {
		d, err := s.provider(ctx, input.ID)
		if err != nil {
			return nil, err
		}
		keys := input.Body.Keys
		if len(keys) == 1 {
			return &MoveObjectsOutput{Body: s.svc.MoveObject(ctx, d, input.Bucket, keys[0], input.Body.DestPrefix)}, nil
		}
		return &MoveObjectsOutput{Body: s.svc.MoveObjects(ctx, d, input.Bucket, keys, input.Body.DestPrefix)}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "create-folder",
		Method:      http.MethodPost,
		Path:        base + "/folders",
		Summary:     "Create folder",
		Tags:        tags,
	}, func(ctx context.Context, input *CreateFolderInput) (*CreateFolderOutput, error) {
		d, err := s.provider(ctx, input.ID)
		if err != nil {
			return nil, err
		}
		return &CreateFolderOutput{Body: s.svc.CreateFolder(ctx, d, input.Bucket, input.Body.Path)}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "get-signed-url",
		Method:      http.MethodGet,
		Path:        base + "/url",
		Summary:     "Signed URL",
		Tags:        tags,
	}, func(ctx context.Context, input *SignedURLInput) (*SignedURLOutput, error) {
		d, err := s.provider(ctx, input.ID)
		if err != nil {
			return nil, err
		}
		expiry := input.ExpiresIn
		if expiry == 0 {
			expiry = s.cfg.Uploads.URLExpiry
		}
		u, err := s.svc.GetObjectURL(ctx, d, input.Bucket, input.Key, time.Duration(expiry)*time.Second)
		if err != nil {
			return nil, providerError(err)
		}
		return &SignedURLOutput{Body: u}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "get-plain-url",
		Method:      http.MethodGet,
		Path:        base + "/plain-url",
		Summary:     "Plain URL",
		Description: "Returns the unsigned provider URL of an object.",
		Tags:        tags,
	}, func(ctx context.Context, input *ObjectKeyInput) (*URLOutput, error) {
		d, err := s.provider(ctx, input.ID)
		if err != nil {
			return nil, err
		}
		return &URLOutput{Body: URLBody{URL: service.PlainObjectURL(d, input.Bucket, input.Key)}}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "get-public-url",
		Method:      http.MethodGet,
		Path:        base + "/public-url",
		Summary:     "Public URL",
		Description: "Returns the custom-domain URL of an object, or its plain URL when the bucket has no custom domain.",
		Tags:        tags,
	}, func(ctx context.Context, input *ObjectKeyInput) (*URLOutput, error) {
		d, err := s.provider(ctx, input.ID)
		if err != nil {
			return nil, err
		}
		u, err := s.svc.PublicObjectURL(ctx, d, input.Bucket, input.Key)
		if err != nil {
			return nil, storeError(err)
		}
		return &URLOutput{Body: URLBody{URL: u}}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "download-object",
		Method:      http.MethodPost,
		Path:        base + "/download",
		Summary:     "Download object to a local file",
		Tags:        tags,
	}, func(ctx context.Context, input *DownloadInput) (*DownloadOutput, error) {
		d, err := s.provider(ctx, input.ID)
		if err != nil {
			return nil, err
		}
		return &DownloadOutput{Body: s.svc.DownloadToFile(ctx, d, input.Bucket, input.Body.Key, input.Body.SavePath)}, nil
	})
}
