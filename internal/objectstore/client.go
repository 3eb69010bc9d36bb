package objectstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	appconfig "github.com/Forestrat-Inc/duckdb-notebooks/internal/config"
)

// FileInfo describes a source blob without downloading it.
type FileInfo struct {
	Path      string
	SizeBytes int64
}

// Client reads the vendor's daily trade files from S3. One file per
// (exchange, date); gzip-compressed CSV with a header row.
type Client struct {
	s3c     *s3.Client
	bucket  string
	vendor  string
	product string
	timeout time.Duration
}

func NewClient(ctx context.Context, cfg *appconfig.Config) (*Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.S3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &Client{
		s3c:     s3.NewFromConfig(awsCfg),
		bucket:  cfg.S3Bucket,
		vendor:  cfg.Vendor,
		product: cfg.Product,
		timeout: cfg.RequestTimeout,
	}, nil
}

// Key renders the vendor path layout for a daily data file. The layout is
// fixed by the upstream delivery pipeline; do not normalise it.
func (c *Client) Key(exchange string, date time.Time) string {
	ex := strings.ToUpper(exchange)
	day := date.Format("2006-01-02")
	return fmt.Sprintf("%s/%s/%s/ingestion/%s/data/merged/%s-%s-NORMALIZEDMP-Data-1-of-1.csv.gz",
		c.vendor, c.product, ex, day, ex, day)
}

// URI renders the full s3:// address for progress bookkeeping and logs.
func (c *Client) URI(exchange string, date time.Time) string {
	return "s3://" + c.bucket + "/" + c.Key(exchange, date)
}

// Head resolves path and size for the blob, or ErrNotFound.
func (c *Client) Head(ctx context.Context, exchange string, date time.Time) (FileInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	key := c.Key(exchange, date)
	out, err := c.s3c.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return FileInfo{}, classify(err, c.URI(exchange, date))
	}

	info := FileInfo{Path: c.URI(exchange, date)}
	if out.ContentLength != nil {
		info.SizeBytes = *out.ContentLength
	}
	return info, nil
}

// Open returns a streaming record reader over the decompressed CSV. The
// caller owns the stream and must Close it. Decompression is incremental so
// multi-GB files never materialise in memory.
func (c *Client) Open(ctx context.Context, exchange string, date time.Time) (*RecordStream, error) {
	key := c.Key(exchange, date)
	out, err := c.s3c.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, classify(err, c.URI(exchange, date))
	}
	stream, err := NewRecordStream(out.Body)
	if err != nil {
		out.Body.Close()
		return nil, fmt.Errorf("%w: open %s: %v", ErrTransient, c.URI(exchange, date), err)
	}
	return stream, nil
}

// classify maps SDK errors onto the two kinds the worker distinguishes.
func classify(err error, uri string) error {
	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &notFound) || errors.As(err, &noSuchKey) {
		return fmt.Errorf("%w: %s", ErrNotFound, uri)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey", "404":
			return fmt.Errorf("%w: %s", ErrNotFound, uri)
		}
	}
	return fmt.Errorf("%w: %s: %v", ErrTransient, uri, err)
}
