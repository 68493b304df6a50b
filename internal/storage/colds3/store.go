// Package colds3 implements the cold tier on S3-compatible object
// storage. Day files are written once; the store itself is dumb about
// keys, layout lives in storage.ColdKey.
package colds3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/pointlake/pointlake/internal/config"
	"github.com/pointlake/pointlake/internal/errs"
	"github.com/pointlake/pointlake/internal/storage"
)

// Store is the S3 cold store. It implements storage.ColdStore.
type Store struct {
	client  *s3.Client
	bucket  string
	timeout time.Duration
}

// Open builds the client. Static credentials from config win; otherwise
// the default AWS chain (env, shared config, IMDS) applies. A custom
// endpoint plus path-style addressing covers MinIO and friends.
func Open(ctx context.Context, cfg config.ColdConfig) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, errs.New(errs.Validation, "colds3.open", "bucket is required")
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})

	timeout := cfg.OpTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Store{client: client, bucket: cfg.Bucket, timeout: timeout}, nil
}

// Put uploads one object. Callers retry; this is a single attempt.
func (s *Store) Put(ctx context.Context, key string, body io.ReadSeeker, size int64) error {
	const op = "colds3.put"
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if _, err := body.Seek(0, io.SeekStart); err != nil {
		return errs.Wrap(errs.Internal, op, err)
	}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String("application/octet-stream"),
	})
	if err != nil {
		return classify(op, err)
	}
	return nil
}

// Head stats one object without the body. storage.ErrNotFound when absent.
func (s *Store) Head(ctx context.Context, key string) (storage.ObjectInfo, error) {
	const op = "colds3.head"
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return storage.ObjectInfo{}, fmt.Errorf("%s %s: %w", op, key, storage.ErrNotFound)
		}
		return storage.ObjectInfo{}, classify(op, err)
	}
	return storage.ObjectInfo{Key: key, Size: aws.ToInt64(out.ContentLength)}, nil
}

// Get downloads a whole object, refusing anything over maxBytes. The
// advertised length is checked before the body is read, and the read is
// capped anyway in case the length header lies.
func (s *Store) Get(ctx context.Context, key string, maxBytes int64) ([]byte, error) {
	const op = "colds3.get"
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%s %s: %w", op, key, storage.ErrNotFound)
		}
		return nil, classify(op, err)
	}
	defer out.Body.Close()

	if size := aws.ToInt64(out.ContentLength); maxBytes > 0 && size > maxBytes {
		return nil, fmt.Errorf("object %s is %d bytes, over the %d byte limit", key, size, maxBytes)
	}
	reader := io.Reader(out.Body)
	if maxBytes > 0 {
		reader = io.LimitReader(out.Body, maxBytes+1)
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, classify(op, err)
	}
	if maxBytes > 0 && int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("object %s exceeds the %d byte limit", key, maxBytes)
	}
	return data, nil
}

// List enumerates objects under a prefix, paginating internally.
func (s *Store) List(ctx context.Context, prefix string) ([]storage.ObjectInfo, error) {
	const op = "colds3.list"
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var out []storage.ObjectInfo
	pag := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for pag.HasMorePages() {
		page, err := pag.NextPage(ctx)
		if err != nil {
			return nil, classify(op, err)
		}
		for _, obj := range page.Contents {
			out = append(out, storage.ObjectInfo{
				Key:  aws.ToString(obj.Key),
				Size: aws.ToInt64(obj.Size),
			})
		}
	}
	return out, nil
}

// Ping verifies the bucket is reachable and we may touch it.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err != nil {
		return classify("colds3.ping", err)
	}
	return nil
}

func isNotFound(err error) bool {
	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	return errors.As(err, &notFound) || errors.As(err, &noSuchKey)
}

func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errs.Wrap(errs.Timeout, op, err)
	}
	return errs.Wrap(errs.ColdStore, op, err)
}
