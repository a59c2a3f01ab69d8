package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/pagemill/pagemill/internal/config"
	"github.com/pagemill/pagemill/internal/domain"
	"github.com/pagemill/pagemill/internal/fileio"
	"github.com/pagemill/pagemill/internal/observability"
)

// S3 stores artifacts in an S3 or S3-compatible bucket.
type S3 struct {
	client     *s3.Client
	uploader   *manager.Uploader
	downloader *manager.Downloader
	bucket     string
	region     string
	log        *observability.Logger
}

// NewS3 creates an S3 provider. Credentials fall back to the default AWS
// chain when not set explicitly.
func NewS3(ctx context.Context, cfg config.AWSConfig, log *observability.Logger) (*S3, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, domain.ConfigError("load AWS configuration", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3{
		client:     client,
		uploader:   manager.NewUploader(client),
		downloader: manager.NewDownloader(client),
		bucket:     cfg.BucketName,
		region:     cfg.Region,
		log:        log.WithComponent("storage.s3"),
	}, nil
}

func (s *S3) Put(ctx context.Context, sourcePath, key string) (string, error) {
	key = cleanKey(key)

	f, err := os.Open(sourcePath)
	if err != nil {
		return "", domain.InputError(fmt.Sprintf("open source %s", sourcePath), err)
	}
	defer f.Close()

	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String(contentTypeFor(key)),
	})
	if err != nil {
		return "", domain.BackendError(fmt.Sprintf("upload %s to s3://%s/%s", sourcePath, s.bucket, key), err)
	}

	s.log.Debug().Str("bucket", s.bucket).Str("key", key).Msg("Uploaded artifact")
	return s.URLFor(key), nil
}

// Get downloads the object into a scoped temporary file. The cleanup
// function removes it with retry; a failed delete is logged and swallowed.
func (s *S3) Get(ctx context.Context, key string) (string, func(), error) {
	key = cleanKey(key)

	tmp, err := os.CreateTemp("", "pagemill-s3-*"+path.Ext(key))
	if err != nil {
		return "", nil, domain.BackendError("create temp file for download", err)
	}

	_, err = s.downloader.Download(ctx, tmp, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		fileio.RemoveQuiet(context.Background(), s.log, tmp.Name())
		return "", nil, domain.BackendError(fmt.Sprintf("download s3://%s/%s", s.bucket, key), err)
	}

	name := tmp.Name()
	cleanup := func() {
		fileio.RemoveQuiet(context.Background(), s.log, name)
	}
	return name, cleanup, nil
}

func (s *S3) Delete(ctx context.Context, key string) error {
	key = cleanKey(key)
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return domain.BackendError(fmt.Sprintf("delete s3://%s/%s", s.bucket, key), err)
	}
	return nil
}

func (s *S3) Exists(ctx context.Context, key string) (bool, error) {
	key = cleanKey(key)
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, domain.BackendError(fmt.Sprintf("head s3://%s/%s", s.bucket, key), err)
	}
	return true, nil
}

func (s *S3) URLFor(key string) string {
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.bucket, s.region, cleanKey(key))
}

func contentTypeFor(key string) string {
	switch path.Ext(key) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".tif", ".tiff":
		return "image/tiff"
	case ".pdf":
		return "application/pdf"
	default:
		return "application/octet-stream"
	}
}
