package ledger

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3EvidenceStore keeps evidence blobs in an S3 bucket, keyed by
// content hash under an optional prefix.
type S3EvidenceStore struct {
	client *s3.Client
	bucket string
	prefix string
}

// S3Config holds S3 evidence store settings. Endpoint is for
// S3-compatible backends (MinIO, LocalStack).
type S3Config struct {
	Bucket   string
	Region   string
	Endpoint string
	Prefix   string
}

// NewS3EvidenceStore builds a store from the ambient AWS credential
// chain.
func NewS3EvidenceStore(ctx context.Context, cfg S3Config) (*S3EvidenceStore, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3EvidenceStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// Put uploads data under its content hash. Existing objects are left
// alone; identical content is identical by construction.
func (s *S3EvidenceStore) Put(ctx context.Context, data []byte) (string, error) {
	ref := evidenceKey(data)
	key := s.prefix + ref + ".blob"

	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return ref, nil
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("s3 put evidence: %w", err)
	}
	return ref, nil
}

// Get downloads an evidence blob by ref.
func (s *S3EvidenceStore) Get(ctx context.Context, ref string) ([]byte, error) {
	key := s.prefix + ref + ".blob"
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("s3 get evidence %s: %w", ref, err)
	}
	defer func() { _ = out.Body.Close() }()
	return io.ReadAll(out.Body)
}
