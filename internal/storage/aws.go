package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/stowage/stowage/internal/provider"
)

// S3API defines the subset of the AWS S3 client interface that the adapter
// uses. This allows mocking in tests.
type S3API interface {
	ListBuckets(ctx context.Context, params *s3.ListBucketsInput, optFns ...func(*s3.Options)) (*s3.ListBucketsOutput, error)
	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
	DeleteBucket(ctx context.Context, params *s3.DeleteBucketInput, optFns ...func(*s3.Options)) (*s3.DeleteBucketOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

// S3Presigner signs GET requests. *s3.PresignClient satisfies it.
type S3Presigner interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// defaultS3Region is used when an AWS descriptor leaves the region empty.
const defaultS3Region = "us-east-1"

// S3Settings configures an S3Adapter.
type S3Settings struct {
	Kind            provider.Kind
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	// UsePathStyle addresses buckets as {endpoint}/{bucket}.
	UsePathStyle bool
}

// S3Adapter serves Amazon S3 and S3-compatible services (Cloudflare R2)
// through the AWS SDK for Go v2.
type S3Adapter struct {
	objectOps
	region    string
	client    S3API
	presigner S3Presigner
}

// NewS3Adapter creates an S3Adapter with static credentials.
func NewS3Adapter(ctx context.Context, s S3Settings) (*S3Adapter, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(s.Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(s.AccessKeyID, s.SecretAccessKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if s.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(s.Endpoint)
		})
	}
	if s.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	client := s3.NewFromConfig(cfg, s3Opts...)
	return NewS3AdapterWithClient(s.Kind, s.Region, client, s3.NewPresignClient(client)), nil
}

// NewS3AdapterWithClient creates an S3Adapter around pre-configured clients.
// This is primarily used for testing with mock clients.
func NewS3AdapterWithClient(kind provider.Kind, region string, client S3API, presigner S3Presigner) *S3Adapter {
	a := &S3Adapter{region: region, client: client, presigner: presigner}
	a.objectOps = objectOps{store: a, kind: kind}
	return a
}

// r2Endpoint is the account endpoint of Cloudflare R2.
func r2Endpoint(accountID string) string {
	if accountID == "" {
		return "https://r2.cloudflarestorage.com"
	}
	return fmt.Sprintf("https://%s.r2.cloudflarestorage.com", accountID)
}

// TestConnection lists buckets to prove the credentials work.
func (a *S3Adapter) TestConnection(ctx context.Context) ConnectionResult {
	_, err := a.client.ListBuckets(ctx, &s3.ListBucketsInput{})
	a.observe("test_connection", err)
	if err != nil {
		return ConnectionResult{Error: errorMessage(err)}
	}
	return ConnectionResult{Success: true}
}

// ListBuckets returns all buckets visible to the credentials.
func (a *S3Adapter) ListBuckets(ctx context.Context) ([]BucketInfo, error) {
	out, err := a.client.ListBuckets(ctx, &s3.ListBucketsInput{})
	a.observe("list_buckets", err)
	if err != nil {
		return nil, fmt.Errorf("listing buckets: %w", err)
	}
	buckets := make([]BucketInfo, 0, len(out.Buckets))
	for _, b := range out.Buckets {
		buckets = append(buckets, BucketInfo{Name: aws.ToString(b.Name), CreationDate: b.CreationDate})
	}
	return buckets, nil
}

// CreateBucket creates a bucket. Outside us-east-1 the region is sent as the
// location constraint.
func (a *S3Adapter) CreateBucket(ctx context.Context, name string, opts CreateBucketOptions) error {
	in := &s3.CreateBucketInput{Bucket: aws.String(name)}
	region := opts.Region
	if region == "" {
		region = a.region
	}
	if a.kind == provider.KindAWSS3 && region != "" && region != "us-east-1" {
		in.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(region),
		}
	}
	_, err := a.client.CreateBucket(ctx, in)
	a.observe("create_bucket", err)
	if err != nil {
		return fmt.Errorf("creating bucket %q: %w", name, err)
	}
	slog.Info("Bucket created", "provider", a.kind, "bucket", name, "region", region)
	return nil
}

// DeleteBucket removes an empty bucket.
func (a *S3Adapter) DeleteBucket(ctx context.Context, name string) error {
	_, err := a.client.DeleteBucket(ctx, &s3.DeleteBucketInput{Bucket: aws.String(name)})
	a.observe("delete_bucket", err)
	if err != nil {
		return fmt.Errorf("deleting bucket %q: %w", name, err)
	}
	return nil
}

// GetObjectURL presigns a GET request for key.
func (a *S3Adapter) GetObjectURL(ctx context.Context, bucket, key string, expiresIn time.Duration) (*ObjectURL, error) {
	if expiresIn <= 0 {
		expiresIn = DefaultURLExpiry
	}
	req, err := a.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(expiresIn))
	a.observe("presign", err)
	if err != nil {
		return nil, fmt.Errorf("presigning %s/%s: %w", bucket, key, err)
	}
	return &ObjectURL{URL: req.URL, ExpiresAt: time.Now().Add(expiresIn)}, nil
}

func (a *S3Adapter) listPage(ctx context.Context, bucket string, q pageQuery) (*objectPage, error) {
	in := &s3.ListObjectsV2Input{
		Bucket:  aws.String(bucket),
		MaxKeys: aws.Int32(int32(q.MaxKeys)),
	}
	if q.Prefix != "" {
		in.Prefix = aws.String(q.Prefix)
	}
	if q.Delimiter != "" {
		in.Delimiter = aws.String(q.Delimiter)
	}
	if q.Cursor != "" {
		in.ContinuationToken = aws.String(q.Cursor)
	}

	out, err := a.client.ListObjectsV2(ctx, in)
	if err != nil {
		return nil, err
	}

	page := &objectPage{
		Truncated:  aws.ToBool(out.IsTruncated),
		NextCursor: aws.ToString(out.NextContinuationToken),
	}
	for _, p := range out.CommonPrefixes {
		page.Prefixes = append(page.Prefixes, aws.ToString(p.Prefix))
	}
	for _, obj := range out.Contents {
		page.Objects = append(page.Objects, objectEntry{
			Key:          aws.ToString(obj.Key),
			Size:         aws.ToInt64(obj.Size),
			LastModified: aws.ToTime(obj.LastModified),
		})
	}
	return page, nil
}

func (a *S3Adapter) listKeys(ctx context.Context, bucket, prefix string) ([]string, error) {
	paginator := s3.NewListObjectsV2Paginator(a.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	})
	var keys []string
	for paginator.HasMorePages() {
		out, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing %s/%s: %w", bucket, prefix, err)
		}
		for _, obj := range out.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}

func (a *S3Adapter) putObject(ctx context.Context, bucket, key string, content []byte, contentType string) error {
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(content),
		ContentLength: aws.Int64(int64(len(content))),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("uploading to S3: %w", err)
	}
	return nil
}

func (a *S3Adapter) copyObject(ctx context.Context, bucket, srcKey, dstKey string) error {
	_, err := a.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(bucket),
		Key:        aws.String(dstKey),
		CopySource: aws.String(bucket + "/" + EncodeKey(srcKey)),
	})
	if err != nil {
		if isAWSNotFound(err) {
			return fmt.Errorf("source object not found: %s/%s", bucket, srcKey)
		}
		return err
	}
	return nil
}

func (a *S3Adapter) removeObject(ctx context.Context, bucket, key string) error {
	_, err := a.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("deleting object from S3: %w", err)
	}
	return nil
}

func (a *S3Adapter) removeBatch(ctx context.Context, bucket string, keys []string) (int, error) {
	objects := make([]types.ObjectIdentifier, 0, len(keys))
	for _, k := range keys {
		objects = append(objects, types.ObjectIdentifier{Key: aws.String(k)})
	}
	out, err := a.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
		Bucket: aws.String(bucket),
		Delete: &types.Delete{Objects: objects, Quiet: aws.Bool(true)},
	})
	if err != nil {
		return 0, fmt.Errorf("batch-deleting %d keys: %w", len(keys), err)
	}

	var failed int
	var first string
	for _, e := range out.Errors {
		if aws.ToString(e.Code) == "NoSuchKey" {
			continue
		}
		if failed == 0 {
			first = fmt.Sprintf("%s: %s", aws.ToString(e.Key), aws.ToString(e.Message))
		}
		failed++
	}
	if failed > 0 {
		return len(keys) - failed, &batchError{Failed: failed, Message: first}
	}
	return len(keys), nil
}

// emulateFolder writes a zero-byte marker object, which S3 consoles also use.
func (a *S3Adapter) emulateFolder(ctx context.Context, bucket, folderKey string) error {
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(folderKey),
		Body:          bytes.NewReader(nil),
		ContentLength: aws.Int64(0),
		ContentType:   aws.String("application/x-directory"),
	})
	return err
}

// isAWSNotFound checks if an AWS error is a 404/NoSuchKey/NotFound error.
func isAWSNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		if code == "NoSuchKey" || code == "NotFound" || code == "404" || code == "NoSuchBucket" {
			return true
		}
	}
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var respErr interface{ HTTPStatusCode() int }
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode() == 404
	}
	return false
}

// s3Endpoint trims a trailing slash from user-entered endpoints.
func s3Endpoint(endpoint string) string {
	return strings.TrimRight(endpoint, "/")
}

var _ Adapter = (*S3Adapter)(nil)
