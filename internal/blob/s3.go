package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3 stores blobs in an S3-compatible bucket.
type S3 struct {
	bucket   string
	client   *s3.Client
	logger   *slog.Logger
	disabled bool
}

// NewS3 builds an S3 store. Missing bucket or credentials leave the store
// disabled: every call then returns ErrDisabled.
func NewS3(ctx context.Context, opts Options) (*S3, error) {
	logger := slog.Default().With("component", "blob-s3")
	store := &S3{bucket: strings.TrimSpace(opts.S3Bucket), logger: logger}

	accessKey := strings.TrimSpace(opts.S3AccessKeyID)
	secretKey := strings.TrimSpace(opts.S3SecretKey)
	if store.bucket == "" || accessKey == "" || secretKey == "" {
		logger.Warn("blob.s3_bucket or credentials are not set; image storage disabled")
		store.disabled = true
		return store, nil
	}

	region := opts.S3Region
	if region == "" {
		region = "us-east-1"
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	store.client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if opts.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.S3Endpoint)
		}
		o.UsePathStyle = opts.S3UsePathStyle
	})
	return store, nil
}

func (s *S3) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if s.disabled {
		return "", ErrDisabled
	}
	k, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	if contentType == "" {
		contentType = contentTypeFor(k)
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(k),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("uploading %s: %w", k, err)
	}
	s.logger.Debug("stored blob", "key", k, "bytes", len(data))
	return k, nil
}

func (s *S3) Get(ctx context.Context, ref string) ([]byte, string, error) {
	if s.disabled {
		return nil, "", ErrDisabled
	}
	k, err := cleanKey(ref)
	if err != nil {
		return nil, "", err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(k),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, "", fmt.Errorf("%w: %s", ErrNotFound, k)
		}
		return nil, "", fmt.Errorf("downloading %s: %w", k, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, "", fmt.Errorf("reading %s: %w", k, err)
	}
	mime := aws.ToString(out.ContentType)
	if mime == "" {
		mime = contentTypeFor(k)
	}
	return data, mime, nil
}

// Health performs a HeadBucket request.
func (s *S3) Health(ctx context.Context) error {
	if s.disabled {
		return nil
	}
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	return err
}
