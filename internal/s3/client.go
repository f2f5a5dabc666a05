package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/kenneth/document-vault/internal/config"
)

var (
	// ErrObjectNotFound is returned when the requested key does not exist.
	ErrObjectNotFound = errors.New("object not found")
	// ErrObjectExists is returned by a write-once put when the key is already taken.
	ErrObjectExists = errors.New("object already exists")
)

// Metadata keys reported by HeadObject alongside user metadata.
const (
	MetaContentLength = "Content-Length"
	MetaContentType   = "Content-Type"
	MetaETag          = "ETag"
	MetaLastModified  = "Last-Modified"
)

// Client is the object store interface used by the document services.
type Client interface {
	// PutObject stores body under key. With opts.IfNoneMatch set the write fails with
	// ErrObjectExists when the key is already present.
	PutObject(ctx context.Context, bucket, key string, body []byte, metadata map[string]string, opts PutOptions) error
	GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, map[string]string, error)
	HeadObject(ctx context.Context, bucket, key string) (map[string]string, error)
	// DeleteObject removes key. Deleting a missing key is not an error.
	DeleteObject(ctx context.Context, bucket, key string) error
	ListObjects(ctx context.Context, bucket, prefix string, opts ListOptions) (*ListResult, error)
	// HeadBucket checks that the bucket is reachable.
	HeadBucket(ctx context.Context, bucket string) error
}

// PutOptions controls conditional writes.
type PutOptions struct {
	ContentType string
	IfNoneMatch bool
}

// ListOptions holds options for listing objects.
type ListOptions struct {
	Delimiter string
	Marker    string
	MaxKeys   int32
}

// ListResult is a single page of a listing.
type ListResult struct {
	Objects     []ObjectInfo
	NextMarker  string
	IsTruncated bool
}

// ObjectInfo holds information about an S3 object.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
	ETag         string
}

// ListAll walks every page of a listing under prefix. A positive pageTimeout bounds
// each ListObjects call separately.
func ListAll(ctx context.Context, c Client, bucket, prefix string, pageSize int32, pageTimeout time.Duration) ([]ObjectInfo, error) {
	var (
		all    []ObjectInfo
		marker string
	)
	for {
		page, err := listPage(ctx, c, bucket, prefix, ListOptions{Marker: marker, MaxKeys: pageSize}, pageTimeout)
		if err != nil {
			return nil, err
		}
		all = append(all, page.Objects...)
		if !page.IsTruncated || page.NextMarker == "" {
			return all, nil
		}
		marker = page.NextMarker
	}
}

func listPage(ctx context.Context, c Client, bucket, prefix string, opts ListOptions, timeout time.Duration) (*ListResult, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return c.ListObjects(ctx, bucket, prefix, opts)
}

// s3Client implements the Client interface using AWS SDK v2.
type s3Client struct {
	client *s3.Client
	config *config.BackendConfig
}

// NewClient creates a new S3 backend client.
func NewClient(ctx context.Context, cfg *config.BackendConfig) (Client, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	// Configure endpoint for non-AWS providers
	s3Options := []func(*s3.Options){}
	if cfg.Endpoint != "" && cfg.Provider != "aws" {
		s3Options = append(s3Options, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	if cfg.UsePathStyle {
		s3Options = append(s3Options, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	return &s3Client{
		client: s3.NewFromConfig(awsCfg, s3Options...),
		config: cfg,
	}, nil
}

// PutObject uploads an object to S3.
func (c *s3Client) PutObject(ctx context.Context, bucket, key string, body []byte, metadata map[string]string, opts PutOptions) error {
	input := &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		Metadata:      metadata,
	}
	if opts.ContentType != "" {
		input.ContentType = aws.String(opts.ContentType)
	}
	if opts.IfNoneMatch {
		input.IfNoneMatch = aws.String("*")
	}

	if _, err := c.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("failed to put object %s/%s: %w", bucket, key, translateError(err))
	}
	return nil
}

// GetObject retrieves an object from S3.
func (c *s3Client) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, map[string]string, error) {
	result, err := c.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get object %s/%s: %w", bucket, key, translateError(err))
	}
	return result.Body, extractMetadata(result.Metadata), nil
}

// DeleteObject deletes an object from S3.
func (c *s3Client) DeleteObject(ctx context.Context, bucket, key string) error {
	_, err := c.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		err = translateError(err)
		if errors.Is(err, ErrObjectNotFound) {
			return nil
		}
		return fmt.Errorf("failed to delete object %s/%s: %w", bucket, key, err)
	}
	return nil
}

// HeadObject retrieves object metadata without the body.
func (c *s3Client) HeadObject(ctx context.Context, bucket, key string) (map[string]string, error) {
	result, err := c.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to head object %s/%s: %w", bucket, key, translateError(err))
	}

	metadata := extractMetadata(result.Metadata)
	if result.ContentLength != nil {
		metadata[MetaContentLength] = strconv.FormatInt(*result.ContentLength, 10)
	}
	if result.ContentType != nil {
		metadata[MetaContentType] = *result.ContentType
	}
	if result.ETag != nil {
		metadata[MetaETag] = *result.ETag
	}
	if result.LastModified != nil {
		metadata[MetaLastModified] = result.LastModified.UTC().Format(time.RFC3339Nano)
	}
	return metadata, nil
}

// ListObjects lists one page of objects under prefix.
func (c *s3Client) ListObjects(ctx context.Context, bucket, prefix string, opts ListOptions) (*ListResult, error) {
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	}
	if opts.Delimiter != "" {
		input.Delimiter = aws.String(opts.Delimiter)
	}
	if opts.Marker != "" {
		input.ContinuationToken = aws.String(opts.Marker)
	}
	if opts.MaxKeys > 0 {
		input.MaxKeys = aws.Int32(opts.MaxKeys)
	}

	result, err := c.client.ListObjectsV2(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to list objects in bucket %s: %w", bucket, translateError(err))
	}

	objects := make([]ObjectInfo, 0, len(result.Contents))
	for _, obj := range result.Contents {
		objects = append(objects, ObjectInfo{
			Key:          aws.ToString(obj.Key),
			Size:         aws.ToInt64(obj.Size),
			LastModified: aws.ToTime(obj.LastModified),
			ETag:         aws.ToString(obj.ETag),
		})
	}

	return &ListResult{
		Objects:     objects,
		NextMarker:  aws.ToString(result.NextContinuationToken),
		IsTruncated: aws.ToBool(result.IsTruncated),
	}, nil
}

// HeadBucket checks bucket reachability.
func (c *s3Client) HeadBucket(ctx context.Context, bucket string) error {
	if _, err := c.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)}); err != nil {
		return fmt.Errorf("failed to head bucket %s: %w", bucket, translateError(err))
	}
	return nil
}

// extractMetadata extracts metadata from S3 response.
func extractMetadata(metadata map[string]string) map[string]string {
	out := make(map[string]string, len(metadata)+4)
	for k, v := range metadata {
		out[k] = v
	}
	return out
}

// translateError maps S3 error codes onto the package sentinels, keeping the original cause.
func translateError(err error) error {
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return fmt.Errorf("%w: %v", ErrObjectNotFound, err)
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return fmt.Errorf("%w: %v", ErrObjectNotFound, err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return fmt.Errorf("%w: %v", ErrObjectNotFound, err)
		case "PreconditionFailed", "ConditionalRequestConflict":
			return fmt.Errorf("%w: %v", ErrObjectExists, err)
		}
	}
	return err
}
