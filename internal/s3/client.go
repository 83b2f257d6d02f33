package s3

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/kenneth/sealdrop/internal/config"
	"github.com/kenneth/sealdrop/internal/metrics"
)

// Client is the S3 backend client interface. Data never flows through it:
// object bytes go straight between the uploader and the presigned URLs it
// hands out.
type Client interface {
	// Presigned URLs
	PresignPutObject(ctx context.Context, key, contentType string) (string, error)
	PresignUploadPart(ctx context.Context, key, uploadID string, partNumber int32) (string, error)
	PresignGetObject(ctx context.Context, key, fileName string) (string, error)

	// Multipart upload operations
	CreateMultipartUpload(ctx context.Context, key, contentType string) (string, error)
	CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []CompletedPart) (string, error)
	AbortMultipartUpload(ctx context.Context, key, uploadID string) error

	DeleteObject(ctx context.Context, key string) error
	Bucket() string
}

// CompletedPart represents a completed part in a multipart upload.
type CompletedPart struct {
	PartNumber int32
	ETag       string
}

// s3Client implements the Client interface using AWS SDK v2.
type s3Client struct {
	client  *s3.Client
	presign *s3.PresignClient
	bucket  string
	metrics *metrics.Metrics
}

// NewClient creates a new S3 backend client. Presigned URLs stay valid for
// expiry.
func NewClient(cfg *config.BackendConfig, expiry time.Duration, m *metrics.Metrics) (Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKey,
			cfg.SecretKey,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	// Configure endpoint for non-AWS providers
	s3Options := []func(*s3.Options){
		func(o *s3.Options) {
			o.UsePathStyle = cfg.UsePathStyle
		},
	}
	if cfg.Endpoint != "" {
		s3Options = append(s3Options, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}

	client := s3.NewFromConfig(awsCfg, s3Options...)

	return &s3Client{
		client:  client,
		presign: s3.NewPresignClient(client, s3.WithPresignExpires(expiry)),
		bucket:  cfg.Bucket,
		metrics: m,
	}, nil
}

func (c *s3Client) Bucket() string {
	return c.bucket
}

// observe records the outcome of one backend call.
func (c *s3Client) observe(op string, start time.Time, err error) {
	if c.metrics == nil {
		return
	}
	c.metrics.RecordS3Operation(op, c.bucket, time.Since(start))
	if err != nil {
		c.metrics.RecordS3Error(op, c.bucket, ErrorCode(err))
	}
}

// ErrorCode returns the S3 error code carried by err, or "unknown".
func ErrorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return "unknown"
}

// PresignPutObject returns a URL for a single PUT of the whole object.
func (c *s3Client) PresignPutObject(ctx context.Context, key, contentType string) (url string, err error) {
	defer func(start time.Time) { c.observe("PresignPutObject", start, err) }(time.Now())

	req, err := c.presign.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("failed to presign put for %s: %w", key, err)
	}
	return req.URL, nil
}

// PresignUploadPart returns a URL for uploading one part.
func (c *s3Client) PresignUploadPart(ctx context.Context, key, uploadID string, partNumber int32) (url string, err error) {
	defer func(start time.Time) { c.observe("PresignUploadPart", start, err) }(time.Now())

	req, err := c.presign.PresignUploadPart(ctx, &s3.UploadPartInput{
		Bucket:     aws.String(c.bucket),
		Key:        aws.String(key),
		UploadId:   aws.String(uploadID),
		PartNumber: aws.Int32(partNumber),
	})
	if err != nil {
		return "", fmt.Errorf("failed to presign part %d of %s: %w", partNumber, key, err)
	}
	return req.URL, nil
}

// PresignGetObject returns a download URL that suggests fileName to the
// client.
func (c *s3Client) PresignGetObject(ctx context.Context, key, fileName string) (url string, err error) {
	defer func(start time.Time) { c.observe("PresignGetObject", start, err) }(time.Now())

	input := &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	}
	if fileName != "" {
		input.ResponseContentDisposition = aws.String(mime.FormatMediaType("attachment", map[string]string{"filename": fileName}))
	}
	req, err := c.presign.PresignGetObject(ctx, input)
	if err != nil {
		return "", fmt.Errorf("failed to presign get for %s: %w", key, err)
	}
	return req.URL, nil
}

// CreateMultipartUpload initiates a multipart upload.
func (c *s3Client) CreateMultipartUpload(ctx context.Context, key, contentType string) (uploadID string, err error) {
	defer func(start time.Time) { c.observe("CreateMultipartUpload", start, err) }(time.Now())

	input := &s3.CreateMultipartUploadInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	result, err := c.client.CreateMultipartUpload(ctx, input)
	if err != nil {
		return "", fmt.Errorf("failed to create multipart upload: %w", err)
	}
	if result.UploadId == nil {
		return "", fmt.Errorf("create multipart upload returned no upload id")
	}
	return aws.ToString(result.UploadId), nil
}

// CompleteMultipartUpload completes a multipart upload and returns the
// object location.
func (c *s3Client) CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []CompletedPart) (location string, err error) {
	defer func(start time.Time) { c.observe("CompleteMultipartUpload", start, err) }(time.Now())

	completed := make([]types.CompletedPart, len(parts))
	for i, p := range parts {
		completed[i] = types.CompletedPart{
			PartNumber: aws.Int32(p.PartNumber),
			ETag:       aws.String(quoteETag(p.ETag)),
		}
	}

	result, err := c.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(c.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{
			Parts: completed,
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to complete multipart upload: %w", err)
	}

	if result.Location != nil {
		return aws.ToString(result.Location), nil
	}
	return key, nil
}

// AbortMultipartUpload aborts a multipart upload.
func (c *s3Client) AbortMultipartUpload(ctx context.Context, key, uploadID string) (err error) {
	defer func(start time.Time) { c.observe("AbortMultipartUpload", start, err) }(time.Now())

	_, err = c.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(c.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	if err != nil {
		return fmt.Errorf("failed to abort multipart upload: %w", err)
	}
	return nil
}

// DeleteObject deletes an object.
func (c *s3Client) DeleteObject(ctx context.Context, key string) (err error) {
	defer func(start time.Time) { c.observe("DeleteObject", start, err) }(time.Now())

	_, err = c.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete object: %w", err)
	}
	return nil
}

// quoteETag restores the quotes S3 expects around part ETags.
func quoteETag(etag string) string {
	if len(etag) >= 2 && etag[0] == '"' && etag[len(etag)-1] == '"' {
		return etag
	}
	return `"` + etag + `"`
}
