// Package artifacts uploads publish screenshots to S3-compatible object
// storage so log entries can point at a durable URL.
package artifacts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/h2non/filetype"
	"github.com/h2non/filetype/types"
	gonanoid "github.com/matoous/go-nanoid/v2"

	"autopub/internal/config"
)

// Uploader stores a local file and returns where it can be found.
type Uploader interface {
	Upload(ctx context.Context, scheduleID int64, localPath string) (string, error)
}

type putter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type S3 struct {
	client        putter
	bucket        string
	prefix        string
	publicBaseURL string
	now           func() time.Time
}

// New builds an S3 uploader. Static keys are used when configured, else
// the default AWS credential chain.
func New(ctx context.Context, cfg config.ArtifactsConfig) (*S3, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("artifacts: bucket is required")
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "auto"
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("artifacts: load aws config: %w", err)
	}
	endpoint := strings.TrimSpace(cfg.Endpoint)
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})
	return newS3(client, cfg), nil
}

func newS3(client putter, cfg config.ArtifactsConfig) *S3 {
	return &S3{
		client:        client,
		bucket:        cfg.Bucket,
		prefix:        strings.Trim(cfg.Prefix, "/"),
		publicBaseURL: strings.TrimRight(cfg.PublicBaseURL, "/"),
		now:           time.Now,
	}
}

func (u *S3) Upload(ctx context.Context, scheduleID int64, localPath string) (string, error) {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return "", fmt.Errorf("read artifact: %w", err)
	}
	contentType := "application/octet-stream"
	ext := strings.TrimPrefix(filepath.Ext(localPath), ".")
	if kind, err := filetype.Match(data); err == nil && kind != types.Unknown {
		contentType = kind.MIME.Value
		ext = kind.Extension
	}
	key := u.key(scheduleID, ext)
	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put %s: %w", key, err)
	}
	return u.url(key), nil
}

// key lays objects out as <prefix>/<yyyy>/<mm>/<dd>/schedule-<id>-<rand>.<ext>.
func (u *S3) key(scheduleID int64, ext string) string {
	suffix, err := gonanoid.New(10)
	if err != nil {
		suffix = fmt.Sprintf("%d", u.now().UnixNano())
	}
	name := fmt.Sprintf("schedule-%d-%s", scheduleID, suffix)
	if ext != "" {
		name += "." + ext
	}
	return path.Join(u.prefix, u.now().Format("2006/01/02"), name)
}

func (u *S3) url(key string) string {
	if u.publicBaseURL != "" {
		return u.publicBaseURL + "/" + key
	}
	return "s3://" + u.bucket + "/" + key
}
