package s3

import (
	"context"
	"fmt"
	"io"
	"path"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"go.uber.org/zap"
)

type Option func(*Repository)

func WithRegion(region string) Option {
	return func(r *Repository) {
		r.Region = region
	}
}

func WithBucket(bucket string) Option {
	return func(r *Repository) {
		r.Bucket = bucket
	}
}

func WithPrefix(prefix string) Option {
	return func(r *Repository) {
		r.Prefix = prefix
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(r *Repository) {
		r.logger = l
	}
}

// WithForcePathStyle is needed by MinIO and most S3 compatible stores.
func WithForcePathStyle(forcePathStyle bool) Option {
	return func(r *Repository) {
		r.ForcePathStyle = forcePathStyle
	}
}

func WithEndpoint(endpoint string) Option {
	return func(r *Repository) {
		r.Endpoint = endpoint
	}
}

func WithContentType(contentType string) Option {
	return func(r *Repository) {
		r.ContentType = contentType
	}
}

type uploader interface {
	UploadWithContext(ctx aws.Context, input *s3manager.UploadInput, opts ...func(*s3manager.Uploader)) (*s3manager.UploadOutput, error)
}

// Repository archives payloads as objects of one bucket.
type Repository struct {
	logger   *zap.Logger
	uploader uploader

	Endpoint       string
	Region         string
	Bucket         string
	Prefix         string
	ContentType    string
	ForcePathStyle bool
}

func New(opts ...Option) (*Repository, error) {
	r := &Repository{
		logger: zap.NewNop(),
	}

	for _, o := range opts {
		o(r)
	}
	if r.Bucket == "" {
		return nil, fmt.Errorf("s3 archive requires a bucket")
	}

	awsConfig := &aws.Config{
		Region:           aws.String(r.Region),
		S3ForcePathStyle: aws.Bool(r.ForcePathStyle),
	}
	if r.Endpoint != "" {
		awsConfig.Endpoint = aws.String(r.Endpoint)
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, fmt.Errorf("aws session: %w", err)
	}
	r.uploader = s3manager.NewUploader(sess)

	return r, nil
}

func (r *Repository) Key(key string) string {
	return path.Join(r.Prefix, key)
}

func (r *Repository) Write(ctx context.Context, key string, reader io.Reader) error {
	objKey := r.Key(key)

	r.logger.Debug("uploading object",
		zap.String("bucket", r.Bucket),
		zap.String("key", objKey),
	)

	input := &s3manager.UploadInput{
		Bucket: aws.String(r.Bucket),
		Key:    aws.String(objKey),
		Body:   reader,
	}
	if r.ContentType != "" {
		input.ContentType = aws.String(r.ContentType)
	}
	_, err := r.uploader.UploadWithContext(ctx, input)
	if err != nil {
		return fmt.Errorf("upload s3://%s/%s: %w", r.Bucket, objKey, err)
	}
	return nil
}
