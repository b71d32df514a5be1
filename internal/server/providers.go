package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/stowage/stowage/internal/provider"
	"github.com/stowage/stowage/internal/service"
	"github.com/stowage/stowage/internal/storage"
)

// ProviderBody is the request body for creating or replacing a provider.
// Only the connection fields of Type may be set. On replace, secrets left
// empty keep their stored values.
type ProviderBody struct {
	Type            provider.Kind `json:"type" enum:"aws-s3,cloudflare-r2,minio,aliyun-oss,tencent-cos,supabase,gcs,azure-blob" doc:"Provider kind"`
	Name            string        `json:"name" minLength:"1" maxLength:"100" doc:"Display name"`
	AccessKeyID     string        `json:"accessKeyId,omitempty"`
	SecretAccessKey string        `json:"secretAccessKey,omitempty"`
	AccessKeySecret string        `json:"accessKeySecret,omitempty"`
	SecretID        string        `json:"secretId,omitempty"`
	SecretKey       string        `json:"secretKey,omitempty"`
	AccountID       string        `json:"accountId,omitempty"`
	AccountName     string        `json:"accountName,omitempty"`
	AccountKey      string        `json:"accountKey,omitempty"`
	ProjectID       string        `json:"projectId,omitempty"`
	CredentialsJSON string        `json:"credentialsJson,omitempty"`
	ProjectURL      string        `json:"projectUrl,omitempty"`
	AnonKey         string        `json:"anonKey,omitempty"`
	ServiceRoleKey  string        `json:"serviceRoleKey,omitempty"`
	Region          string        `json:"region,omitempty"`
	Endpoint        string        `json:"endpoint,omitempty"`
	Bucket          string        `json:"bucket,omitempty" doc:"Default bucket"`
	UseSSL          bool          `json:"useSSL,omitempty"`
}

func (b *ProviderBody) spec(id string) provider.Spec {
	return provider.Spec{
		Type:            b.Type,
		ID:              id,
		Name:            b.Name,
		AccessKeyID:     b.AccessKeyID,
		SecretAccessKey: b.SecretAccessKey,
		AccessKeySecret: b.AccessKeySecret,
		SecretID:        b.SecretID,
		SecretKey:       b.SecretKey,
		AccountID:       b.AccountID,
		AccountName:     b.AccountName,
		AccountKey:      b.AccountKey,
		ProjectID:       b.ProjectID,
		CredentialsJSON: b.CredentialsJSON,
		ProjectURL:      b.ProjectURL,
		AnonKey:         b.AnonKey,
		ServiceRoleKey:  b.ServiceRoleKey,
		Region:          b.Region,
		Endpoint:        b.Endpoint,
		Bucket:          b.Bucket,
		UseSSL:          b.UseSSL,
	}
}

// keepSecrets copies the stored secrets of prev into the blank secret
// fields of next when both describe the same kind.
func keepSecrets(next *provider.Spec, prev provider.Spec) {
	if next.Type != prev.Type {
		return
	}
	fill := func(dst *string, src string) {
		if *dst == "" {
			*dst = src
		}
	}
	fill(&next.SecretAccessKey, prev.SecretAccessKey)
	fill(&next.AccessKeySecret, prev.AccessKeySecret)
	fill(&next.SecretKey, prev.SecretKey)
	fill(&next.AccountKey, prev.AccountKey)
	fill(&next.CredentialsJSON, prev.CredentialsJSON)
	fill(&next.AnonKey, prev.AnonKey)
	fill(&next.ServiceRoleKey, prev.ServiceRoleKey)
}

// ProviderPath addresses one provider.
type ProviderPath struct {
	ID string `path:"id" doc:"Provider id"`
}

// ProviderInput carries a provider body.
type ProviderInput struct {
	Body ProviderBody
}

// ProviderUpdateInput addresses a provider and carries its new body.
type ProviderUpdateInput struct {
	ID   string `path:"id" doc:"Provider id"`
	Body ProviderBody
}

// ProviderOutput returns one provider with its secrets blanked.
type ProviderOutput struct {
	Body provider.Spec
}

// ProviderListOutput returns every provider with secrets blanked.
type ProviderListOutput struct {
	Body []provider.Spec
}

// ConnectionOutput reports a connection test.
type ConnectionOutput struct {
	Body storage.ConnectionResult
}

// ProviderStatsOutput reports provider statistics.
type ProviderStatsOutput struct {
	Body *service.ProviderStats
}

func redacted(d provider.Descriptor) provider.Spec {
	return provider.Flatten(d).Redact()
}

// provider loads the descriptor addressed by id.
func (s *Server) provider(ctx context.Context, id string) (provider.Descriptor, error) {
	d, err := s.store.GetProvider(ctx, id)
	if err != nil {
		return nil, storeError(err)
	}
	return d, nil
}

func (s *Server) registerProviderRoutes() {
	tags := []string{"Providers"}

	huma.Register(s.api, huma.Operation{
		OperationID: "list-providers",
		Method:      http.MethodGet,
		Path:        "/api/providers",
		Summary:     "List providers",
		Description: "Lists providers, most recently used first.",
		Tags:        tags,
	}, func(ctx context.Context, input *struct{}) (*ProviderListOutput, error) {
		list, err := s.store.ListProviders(ctx)
		if err != nil {
			return nil, storeError(err)
		}
		out := make([]provider.Spec, 0, len(list))
		for _, d := range list {
			out = append(out, redacted(d))
		}
		return &ProviderListOutput{Body: out}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID:   "create-provider",
		Method:        http.MethodPost,
		Path:          "/api/providers",
		Summary:       "Create provider",
		Tags:          tags,
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *ProviderInput) (*ProviderOutput, error) {
		spec := input.Body.spec("")
		d, err := spec.Build()
		if err != nil {
			return nil, huma.Error400BadRequest(err.Error())
		}
		if err := s.store.PutProvider(ctx, d); err != nil {
			return nil, storeError(err)
		}
		return &ProviderOutput{Body: redacted(d)}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "get-provider",
		Method:      http.MethodGet,
		Path:        "/api/providers/{id}",
		Summary:     "Get provider",
		Tags:        tags,
	}, func(ctx context.Context, input *ProviderPath) (*ProviderOutput, error) {
		d, err := s.provider(ctx, input.ID)
		if err != nil {
			return nil, err
		}
		return &ProviderOutput{Body: redacted(d)}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "update-provider",
		Method:      http.MethodPut,
		Path:        "/api/providers/{id}",
		Summary:     "Replace provider",
		Description: "Replaces the connection fields of a provider. The kind cannot change; blank secrets keep their stored values.",
		Tags:        tags,
	}, func(ctx context.Context, input *ProviderUpdateInput) (*ProviderOutput, error) {
		prev, err := s.provider(ctx, input.ID)
		if err != nil {
			return nil, err
		}
		spec := input.Body.spec(input.ID)
		keepSecrets(&spec, provider.Flatten(prev))
		spec.CreatedAt = prev.Info().CreatedAt
		spec.LastOperationAt = prev.Info().LastOperationAt
		d, err := spec.Build()
		if err != nil {
			return nil, huma.Error400BadRequest(err.Error())
		}
		if err := s.store.PutProvider(ctx, d); err != nil {
			return nil, storeError(err)
		}
		return &ProviderOutput{Body: redacted(d)}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID:   "delete-provider",
		Method:        http.MethodDelete,
		Path:          "/api/providers/{id}",
		Summary:       "Delete provider",
		Description:   "Deletes a provider with its bucket settings and upload history.",
		Tags:          tags,
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, input *ProviderPath) (*struct{}, error) {
		if err := s.store.DeleteProvider(ctx, input.ID); err != nil {
			return nil, storeError(err)
		}
		return nil, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "test-provider",
		Method:      http.MethodPost,
		Path:        "/api/providers/{id}/test",
		Summary:     "Test provider connection",
		Tags:        tags,
	}, func(ctx context.Context, input *ProviderPath) (*ConnectionOutput, error) {
		d, err := s.provider(ctx, input.ID)
		if err != nil {
			return nil, err
		}
		return &ConnectionOutput{Body: s.svc.TestConnection(ctx, d)}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "get-provider-stats",
		Method:      http.MethodGet,
		Path:        "/api/providers/{id}/stats",
		Summary:     "Provider statistics",
		Tags:        tags,
	}, func(ctx context.Context, input *ProviderPath) (*ProviderStatsOutput, error) {
		d, err := s.provider(ctx, input.ID)
		if err != nil {
			return nil, err
		}
		stats, err := s.svc.ProviderStats(ctx, d)
		if err != nil {
			return nil, providerError(err)
		}
		return &ProviderStatsOutput{Body: stats}, nil
	})
}
