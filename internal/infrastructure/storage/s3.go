package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/caat/taskwatch/internal/config"
	"github.com/caat/taskwatch/internal/core/ports"
	"github.com/caat/taskwatch/internal/infrastructure/logger"
)

// S3Store keeps artifacts as objects under a key prefix. Locations are bare names; the
// prefix is applied on every call so it can change without rewriting task rows.
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string
	logger *logger.Logger
}

var _ ports.ArtifactStore = (*S3Store)(nil)

func NewS3Store(cfg config.S3Config, log *logger.Logger) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("artifact: s3 bucket is required")
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var client *s3.Client
	if cfg.Endpoint != "" {
		// MinIO and other S3-compatible services need path-style addressing.
		client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	} else {
		client = s3.NewFromConfig(awsCfg)
	}

	if log == nil {
		log = logger.NewNop()
	}
	return &S3Store{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix, logger: log}, nil
}

func (s *S3Store) key(name string) string {
	return strings.TrimLeft(path.Join(s.prefix, name), "/")
}

func (s *S3Store) Save(ctx context.Context, name string, r io.Reader) (string, int64, error) {
	name, err := cleanName(name)
	if err != nil {
		return "", 0, err
	}
	// Buffered so the SDK can sign the payload and send a content length.
	body, err := io.ReadAll(r)
	if err != nil {
		return "", 0, fmt.Errorf("failed to read artifact: %w", err)
	}

	contentType := mime.TypeByExtension(path.Ext(name))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.key(name)),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return "", 0, fmt.Errorf("failed to upload to S3: %w", err)
	}

	s.logger.Infow("artifact_saved", "bucket", s.bucket, "key", s.key(name), "bytes", len(body))
	return name, int64(len(body)), nil
}

func (s *S3Store) Open(ctx context.Context, location string) (io.ReadCloser, error) {
	name, err := cleanName(location)
	if err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(name)),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, ports.ErrArtifactNotFound
		}
		return nil, fmt.Errorf("failed to get object from S3: %w", err)
	}
	return out.Body, nil
}

// Delete relies on S3 treating a missing key as a successful delete.
func (s *S3Store) Delete(ctx context.Context, location string) error {
	name, err := cleanName(location)
	if err != nil {
		return err
	}
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(name)),
	})
	if err != nil {
		return fmt.Errorf("failed to delete object from S3: %w", err)
	}
	s.logger.Infow("artifact_deleted", "bucket", s.bucket, "key", s.key(name))
	return nil
}
