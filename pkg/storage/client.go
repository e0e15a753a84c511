// Package storage fetches firmware objects from S3-compatible object storage.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/toyotech/ota-client/pkg/errors"
)

// Client provides S3 storage operations
type Client struct {
	s3Client *s3.Client
	bucket   string
}

// Options tunes the S3 client.
type Options struct {
	// Endpoint overrides the S3 endpoint (path-style addressing), for
	// S3-compatible stores.
	Endpoint string
}

// NewClient creates a new S3 client for anonymous access. bucket is the
// default bucket used by ListObjects.
func NewClient(ctx context.Context, bucket, region string, opts Options) (*Client, error) {
	slog.Info("s3_client_init", "bucket", bucket, "region", region, "endpoint", opts.Endpoint)

	// Firmware objects are public; integrity comes from the metadata digest.
	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
		config.WithCredentialsProvider(aws.AnonymousCredentials{}),
	)
	if err != nil {
		slog.Error("aws_config_load_failed", "error", err)
		return nil, errors.Wrap(err, "failed to load AWS config")
	}

	s3Client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})

	slog.Info("s3_client_created", "bucket", bucket)

	return &Client{
		s3Client: s3Client,
		bucket:   bucket,
	}, nil
}

// DownloadResult contains download metadata
type DownloadResult struct {
	Bucket string
	Key    string
	SHA256 string
	Size   int64
}

// Object is one listed firmware object.
type Object struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// Download streams an object into w and computes its SHA256. wrap, when not
// nil, wraps the object body before copying (for progress reporting); it
// receives the advertised content length, or -1.
func (c *Client) Download(ctx context.Context, bucket, key string, w io.Writer, wrap func(io.Reader, int64) io.Reader) (*DownloadResult, error) {
	if bucket == "" {
		bucket = c.bucket
	}
	slog.Info("s3_download_start", "bucket", bucket, "s3_key", key)

	result, err := c.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		slog.Error("s3_get_object_failed", "s3_key", key, "error", err)
		return nil, errors.Wrap(err, "failed to get object from S3")
	}
	defer result.Body.Close()

	var body io.Reader = result.Body
	if wrap != nil {
		length := int64(-1)
		if result.ContentLength != nil {
			length = *result.ContentLength
		}
		body = wrap(body, length)
	}

	hash := sha256.New()
	size, err := io.Copy(io.MultiWriter(w, hash), body)
	if err != nil {
		slog.Error("s3_download_failed", "s3_key", key, "error", err)
		return nil, errors.Wrap(err, "failed to download object")
	}

	checksum := hex.EncodeToString(hash.Sum(nil))

	slog.Info("s3_download_complete",
		"s3_key", key,
		"size_kb", size/1024,
		"sha256", checksum[:16]+"...",
	)

	return &DownloadResult{
		Bucket: bucket,
		Key:    key,
		SHA256: checksum,
		Size:   size,
	}, nil
}

// ListObjects lists all objects in the default bucket with a given prefix
func (c *Client) ListObjects(ctx context.Context, prefix string) ([]Object, error) {
	slog.Info("s3_list_start", "bucket", c.bucket, "prefix", prefix)

	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(prefix),
	}

	var objects []Object
	paginator := s3.NewListObjectsV2Paginator(c.s3Client, input)

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			slog.Error("s3_list_failed", "prefix", prefix, "error", err)
			return nil, errors.Wrap(err, "failed to list objects")
		}

		for _, obj := range page.Contents {
			if obj.Key == nil {
				continue
			}
			o := Object{Key: *obj.Key}
			if obj.Size != nil {
				o.Size = *obj.Size
			}
			if obj.LastModified != nil {
				o.LastModified = *obj.LastModified
			}
			objects = append(objects, o)
		}
	}

	slog.Info("s3_list_complete", "prefix", prefix, "object_count", len(objects))

	return objects, nil
}
