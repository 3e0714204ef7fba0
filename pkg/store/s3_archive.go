package store

import (
	"bytes"
	"context"
	"errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Options locate the bucket. Endpoint is set for S3-compatible stores
// such as MinIO and forces path-style addressing.
type S3Options struct {
	Bucket   string
	Region   string
	Endpoint string
}

// S3Sink writes bundles to an S3 bucket with SHA-256 checksums.
type S3Sink struct {
	api    *s3.Client
	bucket string
}

// NewS3Sink loads credentials from the default AWS chain.
func NewS3Sink(ctx context.Context, opts S3Options) (*S3Sink, error) {
	if opts.Bucket == "" {
		return nil, errors.New("store: s3 bucket is required")
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(opts.Region))
	if err != nil {
		return nil, err
	}
	api := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint == "" {
			return
		}
		o.BaseEndpoint = aws.String(opts.Endpoint)
		o.UsePathStyle = true
	})
	return &S3Sink{api: api, bucket: opts.Bucket}, nil
}

func (s *S3Sink) Put(ctx context.Context, obj Object) error {
	_, err := s.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:            &s.bucket,
		Key:               aws.String(obj.Key),
		Body:              bytes.NewReader(obj.Body),
		ContentType:       aws.String(obj.ContentType),
		Metadata:          obj.Metadata,
		ChecksumAlgorithm: types.ChecksumAlgorithmSha256,
	})
	return err
}
