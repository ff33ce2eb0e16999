package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"github.com/hyperjump/chishiki/internal/apperr"
	"github.com/hyperjump/chishiki/internal/config"
	"github.com/hyperjump/chishiki/pkg/utils"
)

// S3Store talks to S3 or an S3-compatible endpoint such as MinIO.
type S3Store struct {
	client        *s3.Client
	uploader      *manager.Uploader
	region        string
	timeout       time.Duration
	uploadTimeout time.Duration
	logger        *zap.Logger
}

// NewS3Store builds a client from cfg. Static credentials are used when both keys are
// set, otherwise the default AWS credential chain applies.
func NewS3Store(ctx context.Context, cfg config.ObjectStoreConfig, logger *zap.Logger) (*S3Store, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	timeout, uploadTimeout := cfg.Timeout, cfg.UploadTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if uploadTimeout <= 0 {
		uploadTimeout = 2 * time.Minute
	}
	return &S3Store{
		client:        client,
		uploader:      manager.NewUploader(client),
		region:        cfg.Region,
		timeout:       timeout,
		uploadTimeout: uploadTimeout,
		logger:        utils.OrNop(logger),
	}, nil
}

// EnsureBucket creates the bucket unless it already exists.
func (s *S3Store) EnsureBucket(ctx context.Context, bucket string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if _, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)}); err == nil {
		return nil
	}
	input := &s3.CreateBucketInput{Bucket: aws.String(bucket)}
	if s.region != "" && s.region != "us-east-1" {
		input.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(s.region),
		}
	}
	_, err := s.client.CreateBucket(ctx, input)
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			switch apiErr.ErrorCode() {
			case "BucketAlreadyOwnedByYou", "BucketAlreadyExists":
				return nil
			}
		}
		return classify("create bucket "+bucket, err)
	}
	s.logger.Info("bucket created", zap.String("bucket", bucket))
	return nil
}

// Put uploads data in one request through the transfer manager.
func (s *S3Store) Put(ctx context.Context, bucket, key string, data []byte, contentType string) error {
	ctx, cancel := context.WithTimeout(ctx, s.uploadTimeout)
	defer cancel()

	input := &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if _, err := s.uploader.Upload(ctx, input); err != nil {
		return classify("put "+key, err)
	}
	return nil
}

// CreateMultipart starts a multipart upload and returns its upload id.
func (s *S3Store) CreateMultipart(ctx context.Context, bucket, key, contentType string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	input := &s3.CreateMultipartUploadInput{Bucket: aws.String(bucket), Key: aws.String(key)}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	out, err := s.client.CreateMultipartUpload(ctx, input)
	if err != nil {
		return "", classify("create multipart "+key, err)
	}
	return aws.ToString(out.UploadId), nil
}

// UploadPart uploads one part and returns its ETag.
func (s *S3Store) UploadPart(ctx context.Context, bucket, key, uploadID string, partNumber int, data []byte) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.uploadTimeout)
	defer cancel()

	out, err := s.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		UploadId:      aws.String(uploadID),
		PartNumber:    aws.Int32(int32(partNumber)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return "", classify(fmt.Sprintf("upload part %d of %s", partNumber, key), err)
	}
	return aws.ToString(out.ETag), nil
}

// CompleteMultipart assembles the parts, which must be sorted by part number.
func (s *S3Store) CompleteMultipart(ctx context.Context, bucket, key, uploadID string, parts []CompletedPart) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	completed := make([]types.CompletedPart, len(parts))
	for i, p := range parts {
		completed[i] = types.CompletedPart{PartNumber: aws.Int32(int32(p.PartNumber)), ETag: aws.String(p.ETag)}
	}
	_, err := s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(bucket),
		Key:             aws.String(key),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		return classify("complete multipart "+key, err)
	}
	return nil
}

// AbortMultipart discards an unfinished upload.
func (s *S3Store) AbortMultipart(ctx context.Context, bucket, key, uploadID string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	if err != nil {
		return classify("abort multipart "+key, err)
	}
	return nil
}

// Get downloads a whole object.
func (s *S3Store) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.uploadTimeout)
	defer cancel()

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		return nil, classify("get "+key, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, apperr.Transient("read "+key, err)
	}
	return data, nil
}

// Delete removes an object. Deleting a missing object succeeds.
func (s *S3Store) Delete(ctx context.Context, bucket, key string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)}); err != nil {
		return classify("delete "+key, err)
	}
	return nil
}

// classify maps S3 API error codes onto the error taxonomy.
func classify(op string, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NoSuchUpload", "NotFound", "NoSuchBucket":
			return fmt.Errorf("%s: %w", op, apperr.NotFound("%s", apiErr.ErrorMessage()))
		case "InvalidPart", "InvalidPartOrder", "EntityTooSmall":
			return fmt.Errorf("%s: %w", op, apperr.InvalidState("%s", apiErr.ErrorMessage()))
		}
	}
	return apperr.Transient(op, err)
}
