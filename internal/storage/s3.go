package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/jmylchreest/vidtap/internal/config"
)

// S3Store serves s3:// locations. Any S3-compatible endpoint works,
// including MinIO and GCS interoperability mode.
type S3Store struct {
	client      *s3.Client
	partSize    int64
	concurrency int
	logger      *slog.Logger
}

// NewS3Store builds an S3 client from the configuration. Credentials fall back
// to the default AWS chain when no static keys are set.
func NewS3Store(ctx context.Context, cfg config.S3Config, logger *slog.Logger) (*S3Store, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			// Third-party endpoints reject the newer default checksums.
			o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
			o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
		}
		o.UsePathStyle = cfg.PathStyle
	})

	return &S3Store{
		client:      client,
		partSize:    cfg.PartSize.Bytes(),
		concurrency: cfg.Concurrency,
		logger:      logger,
	}, nil
}

func mapS3Error(op string, loc Location, err error) error {
	var noKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noKey) || errors.As(err, &notFound) {
		return fmt.Errorf("%s %s: %w", op, loc, ErrNotFound)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchBucket", "NotFound":
			return fmt.Errorf("%s %s: %w: %s", op, loc, ErrNotFound, apiErr.ErrorCode())
		case "AccessDenied", "Forbidden", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return fmt.Errorf("%s %s: %w: %s", op, loc, ErrUnauthorized, apiErr.ErrorCode())
		case "QuotaExceeded", "EntityTooLarge":
			return fmt.Errorf("%s %s: %w: %s", op, loc, ErrQuotaExceeded, apiErr.ErrorCode())
		}
	}

	var statusErr interface{ HTTPStatusCode() int }
	if errors.As(err, &statusErr) {
		switch statusErr.HTTPStatusCode() {
		case http.StatusNotFound:
			return fmt.Errorf("%s %s: %w", op, loc, ErrNotFound)
		case http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("%s %s: %w", op, loc, ErrUnauthorized)
		}
	}
	return fmt.Errorf("%s %s: %w", op, loc, err)
}

// Open implements SourceProvider.
func (s *S3Store) Open(ctx context.Context, loc Location) (*Source, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(loc.Bucket),
		Key:    aws.String(loc.Key),
	})
	if err != nil {
		return nil, mapS3Error("get", loc, err)
	}

	info := ObjectInfo{
		URI:         loc.String(),
		Name:        loc.Name(),
		Parent:      loc.Parent(),
		Size:        aws.ToInt64(out.ContentLength),
		ContentType: aws.ToString(out.ContentType),
		ETag:        aws.ToString(out.ETag),
		Metadata:    copyMetadata(out.Metadata),
	}
	if out.LastModified != nil {
		info.LastModified = out.LastModified.UTC()
	}
	return &Source{Body: out.Body, Info: info}, nil
}

// Exists implements Sink.
func (s *S3Store) Exists(ctx context.Context, loc Location) (bool, error) {
	_, err := s.Stat(ctx, loc)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Stat implements Sink.
func (s *S3Store) Stat(ctx context.Context, loc Location) (*ObjectInfo, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(loc.Bucket),
		Key:    aws.String(loc.Key),
	})
	if err != nil {
		return nil, mapS3Error("head", loc, err)
	}

	info := &ObjectInfo{
		URI:         loc.String(),
		Name:        loc.Name(),
		Parent:      loc.Parent(),
		Size:        aws.ToInt64(out.ContentLength),
		ContentType: aws.ToString(out.ContentType),
		ETag:        aws.ToString(out.ETag),
		Metadata:    copyMetadata(out.Metadata),
	}
	if out.LastModified != nil {
		info.LastModified = out.LastModified.UTC()
	}
	return info, nil
}

// OpenWriter implements Sink. Bytes are streamed to a multipart upload that
// only completes on Close; Abort fails the upload so no object appears.
func (s *S3Store) OpenWriter(ctx context.Context, loc Location, opts WriteOptions) (ObjectWriter, error) {
	uploader := manager.NewUploader(s.client, func(u *manager.Uploader) {
		if s.partSize > 0 {
			u.PartSize = s.partSize
		}
		if s.concurrency > 0 {
			u.Concurrency = s.concurrency
		}
	})

	input := &s3.PutObjectInput{
		Bucket:   aws.String(loc.Bucket),
		Key:      aws.String(loc.Key),
		Metadata: copyMetadata(opts.Metadata),
	}
	if opts.ContentType != "" {
		input.ContentType = aws.String(opts.ContentType)
	}

	return newPipeWriter(func(body io.Reader) error {
		input.Body = body
		_, err := uploader.Upload(ctx, input)
		if err != nil {
			return mapS3Error("upload", loc, err)
		}
		s.logger.Debug("s3 upload complete", slog.String("uri", loc.String()))
		return nil
	}), nil
}
