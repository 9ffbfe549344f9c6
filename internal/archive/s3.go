package archive

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/org/phivault/pkg/models"
)

// S3Uploader is the slice of the S3 client the sink needs.
type S3Uploader interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Sink archives to an S3 bucket.
type S3Sink struct {
	client S3Uploader
	bucket string
	prefix string
}

// NewS3Sink builds a sink using the default AWS credential chain.
func NewS3Sink(ctx context.Context, bucket, prefix string) (*S3Sink, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return &S3Sink{
		client: s3.NewFromConfig(cfg),
		bucket: bucket,
		prefix: prefix,
	}, nil
}

// NewS3SinkWithClient builds a sink over an existing client.
func NewS3SinkWithClient(client S3Uploader, bucket, prefix string) *S3Sink {
	return &S3Sink{client: client, bucket: bucket, prefix: prefix}
}

// Archive buffers the compressed event set and uploads it in one
// PutObject, so the object either exists whole or not at all.
func (s *S3Sink) Archive(ctx context.Context, name string, events []*models.AuditEvent) error {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if err := encodeEvents(gz, events); err != nil {
		return err
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("finalizing archive: %w", err)
	}

	key := path.Join(s.prefix, name)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/gzip"),
	})
	if err != nil {
		return fmt.Errorf("uploading archive %s: %w", key, err)
	}
	return nil
}
