package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"
)

// Options configures the S3 client. Empty fields fall back to the default
// AWS configuration chain.
type Options struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
}

// S3Client wraps the AWS S3 client with the transfer manager.
type S3Client struct {
	client     *s3.Client
	bucketName string
	uploader   *manager.Uploader
	downloader *manager.Downloader
}

// Object identifies a stored object.
type Object struct {
	Bucket string
	Key    string
}

func (o Object) String() string { return "s3://" + o.Bucket + "/" + o.Key }

// NewS3Client creates a new S3 client
func NewS3Client(ctx context.Context, opts Options) (*S3Client, error) {
	var loadOpts []func(*awscfg.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awscfg.WithRegion(opts.Region))
	}
	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awscfg.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	}
	cfg, err := awscfg.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	cli := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.UsePathStyle
	})

	return &S3Client{
		client:     cli,
		bucketName: opts.Bucket,
		uploader:   manager.NewUploader(cli),
		downloader: manager.NewDownloader(cli),
	}, nil
}

// Bucket returns the default bucket.
func (s *S3Client) Bucket() string { return s.bucketName }

// Ping checks that the default bucket is reachable.
func (s *S3Client) Ping(ctx context.Context) error {
	if s.bucketName == "" {
		return fmt.Errorf("bucket not configured")
	}
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucketName)})
	return err
}

// Download writes the object to w and returns the number of bytes written.
func (s *S3Client) Download(ctx context.Context, obj Object, w io.WriterAt) (int64, error) {
	n, err := s.downloader.Download(ctx, w, &s3.GetObjectInput{
		Bucket: aws.String(obj.Bucket),
		Key:    aws.String(obj.Key),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to download %s: %w", obj, err)
	}
	log.Debug().Str("object", obj.String()).Int64("size", n).Msg("downloaded object from S3")
	return n, nil
}

// Upload stores the content of r as obj.
func (s *S3Client) Upload(ctx context.Context, obj Object, r io.Reader, contentType string, metadata map[string]string) error {
	input := &s3.PutObjectInput{
		Bucket:   aws.String(obj.Bucket),
		Key:      aws.String(obj.Key),
		Body:     r,
		Metadata: metadata,
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	out, err := s.uploader.Upload(ctx, input)
	if err != nil {
		log.Error().Err(err).Str("object", obj.String()).Msg("upload failed")
		return fmt.Errorf("failed to upload %s: %w", obj, err)
	}
	log.Info().Str("object", obj.String()).Str("location", out.Location).Msg("uploaded object to S3")
	return nil
}

// ParseURL splits an s3://bucket/key reference. An empty bucket selects
// defaultBucket.
func ParseURL(ref, defaultBucket string) (Object, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return Object{}, fmt.Errorf("invalid s3 reference %q: %w", ref, err)
	}
	if u.Scheme != "s3" {
		return Object{}, fmt.Errorf("invalid s3 reference %q: scheme %q", ref, u.Scheme)
	}
	obj := Object{Bucket: u.Host, Key: strings.TrimPrefix(u.Path, "/")}
	if obj.Bucket == "" {
		obj.Bucket = defaultBucket
	}
	if obj.Bucket == "" || obj.Key == "" {
		return Object{}, fmt.Errorf("invalid s3 reference %q: bucket and key required", ref)
	}
	return obj, nil
}
