// Package s3 provides the S3-compatible (and MinIO-compatible)
// implementation of the Remote Storage Port.
package s3

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/fruitsalade/compote/internal/remotestore"
)

// Config holds S3 connection settings.
type Config struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
}

// Store implements remotestore.Store against an S3-or-compatible bucket.
type Store struct {
	client *s3.Client
	bucket string
	logger *zap.Logger
}

// New creates a Store and checks that the target bucket exists, trying to
// create it if it does not. A failed check or creation is logged and does
// not make New return an error.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	resolver := aws.EndpointResolverWithOptionsFunc(
		func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			return aws.Endpoint{
				URL:               cfg.Endpoint,
				HostnameImmutable: true,
			}, nil
		},
	)

	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithEndpointResolverWithOptions(resolver),
		config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("s3: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = true // required for MinIO
	})

	st := &Store{client: client, bucket: cfg.Bucket, logger: logger}

	if err := st.ensureBucket(ctx); err != nil {
		logger.Error("bucket check failed", zap.Error(err))
	}

	return st, nil
}

func (s *Store) ensureBucket(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err == nil {
		return nil
	}

	_, createErr := s.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(s.bucket)})
	if createErr != nil {
		return fmt.Errorf("s3: bucket %s does not exist and cannot create: %w", s.bucket, createErr)
	}
	s.logger.Info("created bucket", zap.String("bucket", s.bucket))
	return nil
}

// UploadFileDirect uploads stream to remotePath.
func (s *Store) UploadFileDirect(ctx context.Context, remotePath string, stream io.Reader) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(remotePath),
		Body:   stream,
	})
	if err != nil {
		return fmt.Errorf("s3: put %s: %w", remotePath, err)
	}
	return nil
}

// DownloadFileDirect writes the content of remotePath to sink.
func (s *Store) DownloadFileDirect(ctx context.Context, remotePath string, sink io.Writer) error {
	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(remotePath),
	})
	if err != nil {
		return fmt.Errorf("s3: get %s: %w", remotePath, err)
	}
	defer result.Body.Close()

	if _, err := io.Copy(sink, result.Body); err != nil {
		return fmt.Errorf("s3: read body %s: %w", remotePath, err)
	}
	return nil
}

// DeleteFileDirect removes remotePath. S3 DeleteObject already succeeds
// against an absent key, satisfying the port's idempotence requirement.
func (s *Store) DeleteFileDirect(ctx context.Context, remotePath string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(remotePath),
	})
	if err != nil {
		return fmt.Errorf("s3: delete %s: %w", remotePath, err)
	}
	return nil
}

// EnumerateFiles lists objects under prefix.
func (s *Store) EnumerateFiles(ctx context.Context, prefix string, recursive bool) ([]remotestore.Item, error) {
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	}
	if !recursive {
		input.Delimiter = aws.String("/")
	}

	var items []remotestore.Item
	paginator := s3.NewListObjectsV2Paginator(s.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3: list %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if !recursive && strings.Contains(strings.TrimPrefix(key, prefix), "/") {
				continue
			}
			size := int64(0)
			if obj.Size != nil {
				size = *obj.Size
			}
			items = append(items, remotestore.Item{Path: key, Size: size})
		}
	}
	return items, nil
}
