package service

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/stowage/stowage/internal/provider"
)

// componentEscaper restores the characters a URI component leaves intact
// that url.QueryEscape encodes.
var componentEscaper = strings.NewReplacer("+", "%20", "%21", "!", "%27", "'", "%28", "(", "%29", ")", "%2A", "*")

// escapeSegment percent-encodes one path segment the way a browser's
// encodeURIComponent does.
func escapeSegment(s string) string {
	return componentEscaper.Replace(url.QueryEscape(s))
}

// encodeKeyPath encodes every segment of key and keeps "/" as separator.
func encodeKeyPath(key string) string {
	segments := strings.Split(key, "/")
	for i, seg := range segments {
		segments[i] = escapeSegment(seg)
	}
	return strings.Join(segments, "/")
}

// PlainObjectURL builds the unsigned public URL of an object from provider
// settings alone. It performs no I/O; the URL only resolves when the bucket
// is publicly readable.
func PlainObjectURL(d provider.Descriptor, bucket, key string) string {
	k := encodeKeyPath(key)
	switch p := d.(type) {
	case *provider.AWSS3:
		if p.Endpoint != "" {
			return fmt.Sprintf("%s/%s/%s", trimSlash(p.Endpoint), bucket, k)
		}
		return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", bucket, orDefault(p.Region, "us-east-1"), k)
	case *provider.CloudflareR2:
		switch {
		case p.Endpoint != "":
			return fmt.Sprintf("%s/%s/%s", trimSlash(p.Endpoint), bucket, k)
		case p.AccountID != "":
			return fmt.Sprintf("https://%s.r2.cloudflarestorage.com/%s/%s", p.AccountID, bucket, k)
		}
		return fmt.Sprintf("https://r2.cloudflarestorage.com/%s/%s", bucket, k)
	case *provider.MinIO:
		return fmt.Sprintf("%s/%s/%s", trimSlash(orDefault(p.Endpoint, "http://localhost:9000")), bucket, k)
	case *provider.AliyunOSS:
		if p.Endpoint != "" {
			endpoint := trimSlash(p.Endpoint)
			if strings.Contains(endpoint, bucket) {
				return fmt.Sprintf("%s/%s", endpoint, k)
			}
			return fmt.Sprintf("%s/%s/%s", endpoint, bucket, k)
		}
		return fmt.Sprintf("https://%s.%s.aliyuncs.com/%s", bucket, orDefault(p.Region, "oss-cn-hangzhou"), k)
	case *provider.TencentCOS:
		if p.Endpoint != "" {
			return fmt.Sprintf("%s/%s", trimSlash(p.Endpoint), k)
		}
		return fmt.Sprintf("https://%s.cos.%s.myqcloud.com/%s", bucket, orDefault(p.Region, "ap-guangzhou"), k)
	case *provider.Supabase:
		return fmt.Sprintf("%s/storage/v1/object/public/%s/%s", trimSlash(p.ProjectURL), bucket, k)
	case *provider.GCS:
		return fmt.Sprintf("https://storage.googleapis.com/%s/%s", bucket, k)
	case *provider.AzureBlob:
		if p.Endpoint != "" {
			return fmt.Sprintf("%s/%s/%s", trimSlash(p.Endpoint), bucket, k)
		}
		return fmt.Sprintf("https://%s.blob.core.windows.net/%s/%s", p.AccountName, bucket, k)
	}
	return ""
}

// customDomainURL joins a bucket's custom domain and an object key.
func customDomainURL(domain, key string) string {
	return trimSlash(domain) + "/" + encodeKeyPath(key)
}

// normalizeDomain validates a custom domain. An empty domain is allowed
// and clears the setting.
func normalizeDomain(domain string) (string, error) {
	domain = strings.TrimSpace(domain)
	if domain == "" {
		return "", nil
	}
	u, err := url.Parse(domain)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("%w: custom domain must be an http(s) URL: %q", ErrInvalidInput, domain)
	}
	return trimSlash(domain), nil
}

func trimSlash(s string) string {
	return strings.TrimRight(s, "/")
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
