package storage

import (
	"context"
	"fmt"

	"github.com/stowage/stowage/internal/provider"
)

// UnsupportedProviderError is returned by New for a descriptor whose kind
// has no adapter.
type UnsupportedProviderError struct {
	Kind provider.Kind
}

func (e *UnsupportedProviderError) Error() string {
	return fmt.Sprintf("unsupported provider type: %s", e.Kind)
}

// Factory builds an Adapter for a descriptor.
type Factory func(ctx context.Context, d provider.Descriptor) (Adapter, error)

// New builds the adapter for d's kind. The adapter holds the descriptor's
// connection settings and nothing else.
func New(ctx context.Context, d provider.Descriptor) (Adapter, error) {
	switch p := d.(type) {
	case *provider.AWSS3:
		region := p.Region
		if region == "" {
			region = defaultS3Region
		}
		return adapt(NewS3Adapter(ctx, S3Settings{
			Kind:            provider.KindAWSS3,
			Region:          region,
			Endpoint:        s3Endpoint(p.Endpoint),
			AccessKeyID:     p.AccessKeyID,
			SecretAccessKey: p.SecretAccessKey,
			UsePathStyle:    p.Endpoint != "",
		}))
	case *provider.CloudflareR2:
		endpoint := s3Endpoint(p.Endpoint)
		if endpoint == "" {
			endpoint = r2Endpoint(p.AccountID)
		}
		return adapt(NewS3Adapter(ctx, S3Settings{
			Kind:            provider.KindCloudflareR2,
			Region:          "auto",
			Endpoint:        endpoint,
			AccessKeyID:     p.AccessKeyID,
			SecretAccessKey: p.SecretAccessKey,
			UsePathStyle:    true,
		}))
	case *provider.MinIO:
		return adapt(NewMinIOAdapter(p))
	case *provider.AliyunOSS:
		return adapt(NewOSSAdapter(p))
	case *provider.TencentCOS:
		return NewCOSAdapter(p), nil
	case *provider.Supabase:
		return NewSupabaseAdapter(p), nil
	case *provider.GCS:
		return adapt(NewGCSAdapter(ctx, p))
	case *provider.AzureBlob:
		return adapt(NewAzureAdapter(p))
	case nil:
		return nil, &UnsupportedProviderError{}
	}
	return nil, &UnsupportedProviderError{Kind: d.Kind()}
}

// adapt converts a constructor result so a failed constructor yields a nil
// interface rather than a typed nil.
func adapt[T Adapter](a T, err error) (Adapter, error) {
	if err != nil {
		return nil, err
	}
	return a, nil
}
