package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/chunkstream/chunkstream/internal/logger"
)

// S3Config holds configuration for the S3 store.
type S3Config struct {
	// Bucket is the S3 bucket name.
	Bucket string

	// Region is the AWS region (optional, uses SDK default if empty).
	Region string

	// Endpoint is the S3 endpoint URL (optional, for S3-compatible
	// services).
	Endpoint string

	// KeyPrefix is prepended to all dataset file names. Should end
	// with "/" if non-empty.
	KeyPrefix string

	// MaxRetries is the maximum number of retry attempts for
	// transient errors. Zero means the default of 3.
	MaxRetries int

	// ForcePathStyle forces path-style addressing (required for
	// Localstack/MinIO).
	ForcePathStyle bool

	// AccessKey and SecretKey are static credentials. When empty the
	// SDK's default credential chain is used.
	AccessKey string
	SecretKey string
}

// S3 is a Store backed by an S3 bucket.
type S3 struct {
	client     *s3.Client
	bucket     string
	keyPrefix  string
	maxRetries int
}

const (
	s3InitialBackoff    = 100 * time.Millisecond
	s3MaxBackoff        = 5 * time.Second
	s3BackoffMultiplier = 2.0
)

// NewS3 creates an S3 store with an existing client.
func NewS3(client *s3.Client, config S3Config) *S3 {
	retries := config.MaxRetries
	if retries <= 0 {
		retries = 3
	}
	return &S3{
		client:     client,
		bucket:     config.Bucket,
		keyPrefix:  config.KeyPrefix,
		maxRetries: retries,
	}
}

// NewS3FromConfig creates an S3 store by building an S3 client from
// config. This is the preferred constructor when you don't have an
// existing client.
func NewS3FromConfig(ctx context.Context, config S3Config) (*S3, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if config.Region != "" {
		opts = append(opts, awsconfig.WithRegion(config.Region))
	}
	if config.AccessKey != "" && config.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(config.AccessKey, config.SecretKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if config.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(config.Endpoint)
		})
	}
	if config.ForcePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	return NewS3(s3.NewFromConfig(awsCfg, s3Opts...), config), nil
}

// NewS3FromURI creates an S3 store from an s3://bucket/prefix URI.
func NewS3FromURI(ctx context.Context, uri string) (*S3, error) {
	bucket, prefix, err := ParseS3URI(uri)
	if err != nil {
		return nil, err
	}
	return NewS3FromConfig(ctx, S3Config{Bucket: bucket, KeyPrefix: prefix})
}

// ParseS3URI splits an s3://bucket/prefix URI into bucket and key
// prefix. The returned prefix ends with "/" when non-empty.
func ParseS3URI(uri string) (bucket, prefix string, err error) {
	rest, ok := strings.CutPrefix(uri, "s3://")
	if !ok {
		return "", "", fmt.Errorf("not an s3 URI: %q", uri)
	}
	bucket, prefix, _ = strings.Cut(rest, "/")
	if bucket == "" {
		return "", "", fmt.Errorf("s3 URI %q has no bucket", uri)
	}
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return bucket, prefix, nil
}

func (s *S3) fullKey(name string) string {
	return s.keyPrefix + name
}

// Fetch downloads a dataset file.
//
// Transient errors (network issues, throttling, 5xx) are retried with
// exponential backoff. Not found errors map to ErrNotFound and are not
// retried.
func (s *S3) Fetch(ctx context.Context, name string) ([]byte, error) {
	key := s.fullKey(name)

	var result *s3.GetObjectOutput
	var lastErr error

	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			if err := s.backoff(ctx, attempt-1, "Fetch", key); err != nil {
				return nil, err
			}
		}

		result, lastErr = s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if lastErr == nil {
			break
		}

		if isNotFoundError(lastErr) {
			return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
		}
		if !isRetryableError(lastErr) {
			break
		}
		logger.Debug("Fetch: transient error",
			"attempt", attempt+1, logger.KeyPath, key, logger.KeyError, lastErr)
	}
	if lastErr != nil {
		return nil, fmt.Errorf("failed to get object from S3 after %d attempts: %w", s.maxRetries+1, lastErr)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("read s3 object body: %w", err)
	}
	return data, nil
}

// Exists checks file presence with a HEAD request. Not found returns
// (false, nil).
func (s *S3) Exists(ctx context.Context, name string) (bool, error) {
	key := s.fullKey(name)

	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			if err := s.backoff(ctx, attempt-1, "Exists", key); err != nil {
				return false, err
			}
		}

		_, lastErr = s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if lastErr == nil {
			return true, nil
		}
		if isNotFoundError(lastErr) {
			return false, nil
		}
		if !isRetryableError(lastErr) {
			break
		}
	}
	return false, fmt.Errorf("failed to check object existence after %d attempts: %w", s.maxRetries+1, lastErr)
}

// Publish uploads a dataset file, retrying transient failures.
func (s *S3) Publish(ctx context.Context, name string, data []byte) error {
	key := s.fullKey(name)

	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			if err := s.backoff(ctx, attempt-1, "Publish", key); err != nil {
				return err
			}
		}

		_, lastErr = s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
			Body:   bytes.NewReader(data),
		})
		if lastErr == nil {
			return nil
		}
		if !isRetryableError(lastErr) {
			break
		}
		logger.Debug("Publish: transient error",
			"attempt", attempt+1, logger.KeyPath, key, logger.KeyError, lastErr)
	}
	return fmt.Errorf("failed to put object to S3 after %d attempts: %w", s.maxRetries+1, lastErr)
}

// Delete removes a dataset file. Deleting a missing object is not an
// error in S3.
func (s *S3) Delete(ctx context.Context, name string) error {
	key := s.fullKey(name)
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("s3 delete object: %w", err)
	}
	return nil
}

// backoff sleeps for the exponential backoff of the given attempt,
// honoring context cancellation.
func (s *S3) backoff(ctx context.Context, attempt int, op, key string) error {
	backoff := float64(s3InitialBackoff)
	for i := 0; i < attempt; i++ {
		backoff *= s3BackoffMultiplier
	}
	if backoff > float64(s3MaxBackoff) {
		backoff = float64(s3MaxBackoff)
	}
	d := time.Duration(backoff)

	logger.Debug(op+": retrying", "backoff", d, "attempt", attempt+1, logger.KeyPath, key)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// isRetryableError returns true if the error is transient and the
// operation should be retried.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	// Context errors are not retryable
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	// Network errors are retryable
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()

		// Throttling errors - retryable
		if code == "Throttling" || code == "ThrottlingException" ||
			code == "RequestThrottled" || code == "SlowDown" {
			return true
		}

		// Server errors (5xx) - retryable
		if code == "InternalError" || code == "ServiceUnavailable" {
			return true
		}

		// Not found, access denied, invalid request - not retryable
		if code == "NoSuchKey" || code == "NotFound" ||
			code == "AccessDenied" || code == "Forbidden" ||
			code == "InvalidRequest" {
			return false
		}
	}

	errStr := err.Error()
	if strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "i/o timeout") ||
		strings.Contains(errStr, "temporary failure") ||
		strings.Contains(errStr, "503") ||
		strings.Contains(errStr, "500") {
		return true
	}

	return false
}

// isNotFoundError returns true if the error indicates the object
// doesn't exist.
func isNotFoundError(err error) bool {
	if err == nil {
		return false
	}

	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return true
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		if code == "NoSuchKey" || code == "NotFound" || code == "404" {
			return true
		}
	}

	errStr := err.Error()
	return strings.Contains(errStr, "StatusCode: 404") ||
		strings.Contains(errStr, "NotFound") ||
		strings.Contains(errStr, "NoSuchKey")
}

var _ Store = (*S3)(nil)
