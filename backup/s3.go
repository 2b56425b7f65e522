package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/rs/zerolog/log"
)

// S3Config locates a backup inside an S3-compatible bucket.
type S3Config struct {
	Endpoint     string
	Region       string
	AccessKey    string
	SecretKey    string
	SessionToken string
	Bucket       string
	Prefix       string
	UseSSL       bool
}

// S3 reads a backup stored under a key prefix of an S3 bucket.
type S3 struct {
	client s3iface.S3API
	bucket string
	prefix string
}

// NewS3 creates an S3 reader from configuration.
func NewS3(config S3Config) (*S3, error) {
	if config.Bucket == "" {
		return nil, fmt.Errorf("s3 backup requires a bucket")
	}

	awsConfig := aws.NewConfig().
		WithRegion(config.Region).
		WithS3ForcePathStyle(true).
		WithDisableSSL(!config.UseSSL)
	if config.Endpoint != "" {
		awsConfig = awsConfig.WithEndpoint(config.Endpoint)
	}
	if config.AccessKey != "" {
		awsConfig = awsConfig.WithCredentials(
			credentials.NewStaticCredentials(config.AccessKey, config.SecretKey, config.SessionToken))
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create s3 session: %w", err)
	}

	log.Info().
		Str("bucket", config.Bucket).
		Str("prefix", config.Prefix).
		Str("endpoint", config.Endpoint).
		Msg("Reading backup from S3")

	return NewS3WithClient(s3.New(sess), config.Bucket, config.Prefix), nil
}

// NewS3WithClient wraps an existing S3 client.
func NewS3WithClient(client s3iface.S3API, bucket, prefix string) *S3 {
	return &S3{client: client, bucket: bucket, prefix: Clean(prefix)}
}

func (s *S3) key(p string) string {
	p = Clean(p)
	if s.prefix == "" {
		return p
	}
	if p == "" {
		return s.prefix
	}
	return s.prefix + "/" + p
}

func (s *S3) dirKey(dir string) string {
	k := s.key(dir)
	if k == "" {
		return ""
	}
	return k + "/"
}

func (s *S3) FileExists(ctx context.Context, p string) (bool, error) {
	_, err := s.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(p)),
	})
	if err == nil {
		return true, nil
	}
	if isS3NotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("failed to stat s3 object %s: %w", p, err)
}

func (s *S3) HasFiles(ctx context.Context, prefix string) (bool, error) {
	out, err := s.client.ListObjectsV2WithContext(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(s.bucket),
		Prefix:  aws.String(s.dirKey(prefix)),
		MaxKeys: aws.Int64(1),
	})
	if err != nil {
		return false, fmt.Errorf("failed to list s3 prefix %s: %w", prefix, err)
	}
	return len(out.Contents) > 0, nil
}

func (s *S3) ListFiles(ctx context.Context, dir string, recursive bool) ([]string, error) {
	base := s.dirKey(dir)
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(base),
	}
	if !recursive {
		input.Delimiter = aws.String("/")
	}

	var names []string
	err := s.client.ListObjectsV2PagesWithContext(ctx, input, func(page *s3.ListObjectsV2Output, _ bool) bool {
		for _, obj := range page.Contents {
			name := strings.TrimPrefix(aws.StringValue(obj.Key), base)
			if name != "" {
				names = append(names, name)
			}
		}
		for _, cp := range page.CommonPrefixes {
			name := strings.TrimSuffix(strings.TrimPrefix(aws.StringValue(cp.Prefix), base), "/")
			if name != "" {
				names = append(names, name)
			}
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list s3 directory %s: %w", dir, err)
	}
	return names, nil
}

func (s *S3) ReadFile(ctx context.Context, p string) (io.ReadCloser, error) {
	out, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(p)),
	})
	if isS3NotFound(err) {
		return nil, fmt.Errorf("%w: %s", ErrFileNotFound, p)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read s3 object %s: %w", p, err)
	}
	return out.Body, nil
}

func (s *S3) TotalSize(ctx context.Context, prefix string) (int64, error) {
	var total int64
	err := s.client.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.dirKey(prefix)),
	}, func(page *s3.ListObjectsV2Output, _ bool) bool {
		for _, obj := range page.Contents {
			total += aws.Int64Value(obj.Size)
		}
		return true
	})
	return total, err
}

func isS3NotFound(err error) bool {
	var reqErr awserr.RequestFailure
	if errors.As(err, &reqErr) && reqErr.StatusCode() == http.StatusNotFound {
		return true
	}
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchKey, "NotFound":
			return true
		}
	}
	return false
}
