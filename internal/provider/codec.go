package provider

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Spec is the flat wire and persistence form of a descriptor. Only the
// fields belonging to Type may be set.
type Spec struct {
	Type            Kind       `json:"type"`
	ID              string     `json:"id,omitempty"`
	Name            string     `json:"name"`
	CreatedAt       time.Time  `json:"createdAt,omitzero"`
	UpdatedAt       time.Time  `json:"updatedAt,omitzero"`
	LastOperationAt *time.Time `json:"lastOperationAt,omitempty"`

	AccessKeyID     string `json:"accessKeyId,omitempty"`
	SecretAccessKey string `json:"secretAccessKey,omitempty"`
	AccessKeySecret string `json:"accessKeySecret,omitempty"`
	SecretID        string `json:"secretId,omitempty"`
	SecretKey       string `json:"secretKey,omitempty"`
	AccountID       string `json:"accountId,omitempty"`
	AccountName     string `json:"accountName,omitempty"`
	AccountKey      string `json:"accountKey,omitempty"`
	ProjectID       string `json:"projectId,omitempty"`
	CredentialsJSON string `json:"credentialsJson,omitempty"`
	ProjectURL      string `json:"projectUrl,omitempty"`
	AnonKey         string `json:"anonKey,omitempty"`
	ServiceRoleKey  string `json:"serviceRoleKey,omitempty"`
	Region          string `json:"region,omitempty"`
	Endpoint        string `json:"endpoint,omitempty"`
	Bucket          string `json:"bucket,omitempty"`
	UseSSL          bool   `json:"useSSL,omitempty"`
}

type fieldRule struct {
	required []string
	optional []string
}

var rules = map[Kind]fieldRule{
	KindAWSS3:        {required: []string{"accessKeyId", "secretAccessKey"}, optional: []string{"region", "endpoint", "bucket"}},
	KindCloudflareR2: {required: []string{"accessKeyId", "secretAccessKey"}, optional: []string{"accountId", "endpoint", "bucket"}},
	KindMinIO:        {required: []string{"endpoint", "accessKeyId", "secretAccessKey"}, optional: []string{"bucket", "useSSL"}},
	KindAliyunOSS:    {required: []string{"accessKeyId", "accessKeySecret"}, optional: []string{"region", "endpoint", "bucket"}},
	KindTencentCOS:   {required: []string{"secretId", "secretKey"}, optional: []string{"region", "endpoint", "bucket"}},
	KindSupabase:     {required: []string{"projectUrl"}, optional: []string{"anonKey", "serviceRoleKey", "bucket"}},
	KindGCS:          {required: []string{"projectId"}, optional: []string{"credentialsJson", "bucket"}},
	KindAzureBlob:    {required: []string{"accountName"}, optional: []string{"accountKey", "endpoint", "bucket"}},
}

// setFields returns the connection fields of s that carry a value.
func (s *Spec) setFields() map[string]bool {
	values := map[string]string{
		"accessKeyId":     s.AccessKeyID,
		"secretAccessKey": s.SecretAccessKey,
		"accessKeySecret": s.AccessKeySecret,
		"secretId":        s.SecretID,
		"secretKey":       s.SecretKey,
		"accountId":       s.AccountID,
		"accountName":     s.AccountName,
		"accountKey":      s.AccountKey,
		"projectId":       s.ProjectID,
		"credentialsJson": s.CredentialsJSON,
		"projectUrl":      s.ProjectURL,
		"anonKey":         s.AnonKey,
		"serviceRoleKey":  s.ServiceRoleKey,
		"region":          s.Region,
		"endpoint":        s.Endpoint,
		"bucket":          s.Bucket,
	}
	set := make(map[string]bool)
	for name, v := range values {
		if strings.TrimSpace(v) != "" {
			set[name] = true
		}
	}
	if s.UseSSL {
		set["useSSL"] = true
	}
	return set
}

// Validate checks that exactly the fields of s.Type's variant are populated.
func (s *Spec) Validate() error {
	rule, ok := rules[s.Type]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnsupportedKind, s.Type)
	}
	set := s.setFields()

	var missing []string
	if s.Type == KindSupabase && !set["anonKey"] && !set["serviceRoleKey"] {
		missing = append(missing, "serviceRoleKey or anonKey")
	}
	for _, f := range rule.required {
		if !set[f] {
			missing = append(missing, f)
		}
		delete(set, f)
	}
	for _, f := range rule.optional {
		delete(set, f)
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s requires %s", ErrInvalidDescriptor, s.Type, strings.Join(missing, ", "))
	}
	if len(set) > 0 {
		foreign := make([]string, 0, len(set))
		for f := range set {
			foreign = append(foreign, f)
		}
		sort.Strings(foreign)
		return fmt.Errorf("%w: %s does not accept %s", ErrInvalidDescriptor, s.Type, strings.Join(foreign, ", "))
	}
	return nil
}

// Build validates s and returns the typed variant it describes.
func (s *Spec) Build() (Descriptor, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	base := Base{
		ID:              s.ID,
		Name:            s.Name,
		CreatedAt:       s.CreatedAt,
		UpdatedAt:       s.UpdatedAt,
		LastOperationAt: s.LastOperationAt,
	}
	switch s.Type {
	case KindAWSS3:
		return &AWSS3{Base: base, AccessKeyID: s.AccessKeyID, SecretAccessKey: s.SecretAccessKey,
			Region: s.Region, Endpoint: s.Endpoint, Bucket: s.Bucket}, nil
	case KindCloudflareR2:
		return &CloudflareR2{Base: base, AccountID: s.AccountID, AccessKeyID: s.AccessKeyID,
			SecretAccessKey: s.SecretAccessKey, Bucket: s.Bucket, Endpoint: s.Endpoint}, nil
	case KindMinIO:
		return &MinIO{Base: base, Endpoint: s.Endpoint, AccessKeyID: s.AccessKeyID,
			SecretAccessKey: s.SecretAccessKey, Bucket: s.Bucket, UseSSL: s.UseSSL}, nil
	case KindAliyunOSS:
		return &AliyunOSS{Base: base, AccessKeyID: s.AccessKeyID, AccessKeySecret: s.AccessKeySecret,
			Region: s.Region, Bucket: s.Bucket, Endpoint: s.Endpoint}, nil
	case KindTencentCOS:
		return &TencentCOS{Base: base, SecretID: s.SecretID, SecretKey: s.SecretKey,
			Region: s.Region, Bucket: s.Bucket, Endpoint: s.Endpoint}, nil
	case KindSupabase:
		return &Supabase{Base: base, ProjectURL: s.ProjectURL, AnonKey: s.AnonKey,
			ServiceRoleKey: s.ServiceRoleKey, Bucket: s.Bucket}, nil
	case KindGCS:
		return &GCS{Base: base, ProjectID: s.ProjectID, CredentialsJSON: s.CredentialsJSON,
			Bucket: s.Bucket}, nil
	case KindAzureBlob:
		return &AzureBlob{Base: base, AccountName: s.AccountName, AccountKey: s.AccountKey,
			Endpoint: s.Endpoint, Bucket: s.Bucket}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedKind, s.Type)
}

// Flatten converts a descriptor into its flat form.
func Flatten(d Descriptor) Spec {
	b := d.Info()
	s := Spec{
		Type:            d.Kind(),
		ID:              b.ID,
		Name:            b.Name,
		CreatedAt:       b.CreatedAt,
		UpdatedAt:       b.UpdatedAt,
		LastOperationAt: b.LastOperationAt,
	}
	switch v := d.(type) {
	case *AWSS3:
		s.AccessKeyID, s.SecretAccessKey, s.Region, s.Endpoint, s.Bucket =
			v.AccessKeyID, v.SecretAccessKey, v.Region, v.Endpoint, v.Bucket
	case *CloudflareR2:
		s.AccountID, s.AccessKeyID, s.SecretAccessKey, s.Bucket, s.Endpoint =
			v.AccountID, v.AccessKeyID, v.SecretAccessKey, v.Bucket, v.Endpoint
	case *MinIO:
		s.Endpoint, s.AccessKeyID, s.SecretAccessKey, s.Bucket, s.UseSSL =
			v.Endpoint, v.AccessKeyID, v.SecretAccessKey, v.Bucket, v.UseSSL
	case *AliyunOSS:
		s.AccessKeyID, s.AccessKeySecret, s.Region, s.Bucket, s.Endpoint =
			v.AccessKeyID, v.AccessKeySecret, v.Region, v.Bucket, v.Endpoint
	case *TencentCOS:
		s.SecretID, s.SecretKey, s.Region, s.Bucket, s.Endpoint = v.SecretID, v.SecretKey, v.Region, v.Bucket, v.Endpoint
	case *Supabase:
		s.ProjectURL, s.AnonKey, s.ServiceRoleKey, s.Bucket = v.ProjectURL, v.AnonKey, v.ServiceRoleKey, v.Bucket
	case *GCS:
		s.ProjectID, s.CredentialsJSON, s.Bucket = v.ProjectID, v.CredentialsJSON, v.Bucket
	case *AzureBlob:
		s.AccountName, s.AccountKey, s.Endpoint, s.Bucket = v.AccountName, v.AccountKey, v.Endpoint, v.Bucket
	}
	return s
}

// Redact returns a copy of s with every secret blanked.
func (s Spec) Redact() Spec {
	s.SecretAccessKey = ""
	s.AccessKeySecret = ""
	s.SecretKey = ""
	s.AccountKey = ""
	s.CredentialsJSON = ""
	s.AnonKey = ""
	s.ServiceRoleKey = ""
	return s
}

// Marshal encodes d as a JSON object discriminated by "type".
func Marshal(d Descriptor) ([]byte, error) {
	return json.Marshal(Flatten(d))
}

// Unmarshal decodes a JSON descriptor produced by Marshal.
func Unmarshal(data []byte) (Descriptor, error) {
	var s Spec
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decoding provider descriptor: %w", err)
	}
	return s.Build()
}
