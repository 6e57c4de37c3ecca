// Package s3blob stores order diagnostics and ledger exports in S3 or an
// S3-compatible provider (MinIO, R2, iDrive e2) using AWS SDK v2.
package s3blob

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// defaultRegion is used for custom endpoints that ignore the region.
const defaultRegion = "us-east-1"

// ClientConfig holds the object store connection parameters.
type ClientConfig struct {
	// Endpoint is an S3-compatible endpoint, e.g. "https://e2.idy.idrivee2.com".
	// Empty means AWS S3.
	Endpoint string
	Region   string
	Bucket   string

	AccessKey string
	SecretKey string

	// UseSSL picks the scheme when Endpoint has none.
	UseSSL bool
	// ForcePathStyle puts the bucket in the path instead of the host name.
	ForcePathStyle bool

	// Prefix namespaces every object key, e.g. "polywallet/prod".
	Prefix string
	// ServerSideEncryption requests SSE-S3 (AES256) on every upload.
	ServerSideEncryption bool
}

// Client wraps the SDK client with the bucket and key layout.
type Client struct {
	s3     *s3.Client
	bucket string
	prefix string
	sse    bool
}

// New creates a Client. Static credentials are used when an access key is
// set; otherwise the SDK's default chain (env, shared config, IAM role)
// applies.
func New(ctx context.Context, cfg ClientConfig) (*Client, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3blob: bucket name is required")
	}
	region := cfg.Region
	if region == "" {
		if cfg.Endpoint == "" {
			return nil, fmt.Errorf("s3blob: region is required for AWS S3")
		}
		region = defaultRegion
	}

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("s3blob: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(normaliseEndpoint(cfg.Endpoint, cfg.UseSSL))
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})

	return &Client{
		s3:     client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		sse:    cfg.ServerSideEncryption,
	}, nil
}

// Health issues a HeadBucket to verify connectivity and permissions.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.s3.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(c.bucket),
	})
	if err != nil {
		return fmt.Errorf("s3blob: head bucket %s: %w", c.bucket, err)
	}
	return nil
}

// Close is a no-op; the SDK's HTTP client needs no teardown.
func (c *Client) Close() error {
	return nil
}

// Key maps a logical blob path to its object key under the prefix.
func (c *Client) Key(p string) string {
	return objectKey(c.prefix, p)
}

func objectKey(prefix, p string) string {
	p = strings.TrimLeft(p, "/")
	if prefix == "" {
		return p
	}
	return path.Join(prefix, p)
}

// normaliseEndpoint adds a scheme to endpoints given as host[:port].
func normaliseEndpoint(endpoint string, useSSL bool) string {
	parsed, err := url.Parse(endpoint)
	if err == nil && parsed.Scheme != "" && parsed.Host != "" {
		return endpoint
	}
	scheme := "http"
	if useSSL {
		scheme = "https"
	}
	return scheme + "://" + endpoint
}
