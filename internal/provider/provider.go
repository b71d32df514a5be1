// Package provider defines the descriptors for every supported object-storage
// provider. A descriptor is a tagged union: the Kind selects exactly one
// variant, and each variant carries only the connection fields that provider
// needs.
package provider

import (
	"errors"
	"time"
)

// Kind is the discriminant of a provider descriptor.
type Kind string

// Supported provider kinds.
const (
	KindAWSS3        Kind = "aws-s3"
	KindCloudflareR2 Kind = "cloudflare-r2"
	KindMinIO        Kind = "minio"
	KindAliyunOSS    Kind = "aliyun-oss"
	KindTencentCOS   Kind = "tencent-cos"
	KindSupabase     Kind = "supabase"
	KindGCS          Kind = "gcs"
	KindAzureBlob    Kind = "azure-blob"
)

// Kinds lists every kind in display order.
var Kinds = []Kind{
	KindAWSS3, KindCloudflareR2, KindMinIO, KindAliyunOSS,
	KindTencentCOS, KindSupabase, KindGCS, KindAzureBlob,
}

// ErrInvalidDescriptor is returned when a descriptor is missing required
// fields or carries fields that belong to another variant.
var ErrInvalidDescriptor = errors.New("invalid provider descriptor")

// ErrUnsupportedKind is returned when a descriptor names an unknown kind.
var ErrUnsupportedKind = errors.New("unsupported provider kind")

// Descriptor is implemented by every provider variant. Variants are always
// used by pointer.
type Descriptor interface {
	// Kind returns the variant discriminant.
	Kind() Kind
	// Info returns the common bookkeeping fields.
	Info() *Base
}

// Base holds the fields shared by every variant.
type Base struct {
	ID              string
	Name            string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	LastOperationAt *time.Time
}

// Info returns b itself so that variants embedding Base satisfy Descriptor.
func (b *Base) Info() *Base { return b }

// AWSS3 describes an Amazon S3 account. Endpoint is optional and switches the
// client to path-style addressing against an S3-compatible service.
type AWSS3 struct {
	Base
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	Endpoint        string
	Bucket          string
}

// CloudflareR2 describes a Cloudflare R2 account.
type CloudflareR2 struct {
	Base
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	// Endpoint overrides https://{AccountID}.r2.cloudflarestorage.com.
	Endpoint string
}

// MinIO describes a self-hosted MinIO deployment.
type MinIO struct {
	Base
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	// UseSSL forces TLS when Endpoint carries no scheme.
	UseSSL bool
}

// AliyunOSS describes an Alibaba Cloud OSS account.
type AliyunOSS struct {
	Base
	AccessKeyID     string
	AccessKeySecret string
	Region          string
	Bucket          string
	Endpoint        string
}

// TencentCOS describes a Tencent Cloud COS account.
type TencentCOS struct {
	Base
	SecretID  string
	SecretKey string
	Region    string
	Bucket    string
	// Endpoint is a custom or CDN domain bound to the bucket. It only
	// affects public URLs; API calls always use the regional endpoint.
	Endpoint string
}

// Supabase describes a Supabase project's storage API. At least one of the
// keys is set; the service role key wins when both are.
type Supabase struct {
	Base
	ProjectURL     string
	AnonKey        string
	ServiceRoleKey string
	Bucket         string
}

// APIKey returns the key used to call the storage API.
func (s *Supabase) APIKey() string {
	if s.ServiceRoleKey != "" {
		return s.ServiceRoleKey
	}
	return s.AnonKey
}

// GCS describes a Google Cloud Storage project. CredentialsJSON is a service
// account key; it is needed to sign URLs.
type GCS struct {
	Base
	ProjectID       string
	CredentialsJSON string
	Bucket          string
}

// AzureBlob describes an Azure storage account. Buckets map to containers.
type AzureBlob struct {
	Base
	AccountName string
	AccountKey  string
	Endpoint    string
	Bucket      string
}

func (*AWSS3) Kind() Kind        { return KindAWSS3 }
func (*CloudflareR2) Kind() Kind { return KindCloudflareR2 }
func (*MinIO) Kind() Kind        { return KindMinIO }
func (*AliyunOSS) Kind() Kind    { return KindAliyunOSS }
func (*TencentCOS) Kind() Kind   { return KindTencentCOS }
func (*Supabase) Kind() Kind     { return KindSupabase }
func (*GCS) Kind() Kind          { return KindGCS }
func (*AzureBlob) Kind() Kind    { return KindAzureBlob }

// DefaultBucket returns the descriptor's default bucket, if any.
func DefaultBucket(d Descriptor) string {
	return Flatten(d).Bucket
}

// Display returns a label for logs: the name, or the kind when unnamed.
func Display(d Descriptor) string {
	if n := d.Info().Name; n != "" {
		return n
	}
	return string(d.Kind())
}

// ValidKind reports whether k names a supported kind.
func ValidKind(k Kind) bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}
