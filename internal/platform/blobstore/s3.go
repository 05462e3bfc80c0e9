package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"
)

const (
	metaFileName  = "file-name"
	metaRequestID = "test-request-id"
	metaHash      = "sha256"
)

// S3Config selects the bucket reports are written to. Endpoint and
// PathStyle allow S3-compatible backends such as MinIO. Static
// credentials are optional; the default AWS chain is used otherwise.
type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	PathStyle       bool
	AccessKeyID     string
	SecretAccessKey string
}

// S3Store keeps reports as objects keyed by their file handle.
type S3Store struct {
	client *s3.Client
	bucket string
}

// NewS3Store builds an S3Store from cfg.
func NewS3Store(ctx context.Context, cfg S3Config, optFns ...func(*s3.Options)) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		for _, fn := range optFns {
			fn(o)
		}
	})
	return &S3Store{client: client, bucket: cfg.Bucket}, nil
}

func (s *S3Store) Put(ctx context.Context, requestID uuid.UUID, up Upload) (*Metadata, error) {
	if err := up.Validate(); err != nil {
		return nil, err
	}
	handle := NewHandle(requestID)
	meta := newMetadata(handle, requestID, up)

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(handle),
		Body:          bytes.NewReader(up.Content),
		ContentType:   aws.String(up.ContentType),
		ContentLength: aws.Int64(meta.Size),
		Metadata: map[string]string{
			metaFileName:  up.FileName,
			metaRequestID: meta.TestRequestID,
			metaHash:      meta.Hash,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("putting report %s: %w", handle, err)
	}
	return &meta, nil
}

func (s *S3Store) Get(ctx context.Context, handle string) ([]byte, *Metadata, error) {
	if _, err := ParseHandle(handle); err != nil {
		return nil, nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(handle),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, nil, ErrBlobNotFound
		}
		return nil, nil, fmt.Errorf("getting report %s: %w", handle, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("reading report %s: %w", handle, err)
	}
	meta := &Metadata{
		Handle:        handle,
		TestRequestID: out.Metadata[metaRequestID],
		FileName:      out.Metadata[metaFileName],
		ContentType:   aws.ToString(out.ContentType),
		Size:          int64(len(data)),
		Hash:          out.Metadata[metaHash],
		CreatedAt:     aws.ToTime(out.LastModified),
	}
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = time.Now().UTC()
	}
	if n := aws.ToInt64(out.ContentLength); n > 0 && n != meta.Size {
		return nil, nil, fmt.Errorf("report %s truncated: got %d of %d bytes", handle, meta.Size, n)
	}
	return data, meta, nil
}
