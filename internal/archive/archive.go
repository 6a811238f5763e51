// Package archive copies generated reports to an S3 bucket so evidence
// outlives the database it was collected into.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/qualys/dbcompliance/internal/reports"
)

var ErrNoBucket = errors.New("archive bucket not configured")

type Config struct {
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

// ObjectPutter is the part of *s3.Client the archiver uses.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type Archiver struct {
	client ObjectPutter
	bucket string
	prefix string
	logger *zap.SugaredLogger
}

// New builds an S3-backed archiver. Static keys win over the default
// credential chain, and a custom endpoint switches to path-style
// addressing for S3-compatible stores.
func New(ctx context.Context, cfg Config, logger *zap.SugaredLogger) (*Archiver, error) {
	if cfg.Bucket == "" {
		return nil, ErrNoBucket
	}

	opts := []func(*config.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return NewWithClient(client, cfg, logger), nil
}

func NewWithClient(client ObjectPutter, cfg Config, logger *zap.SugaredLogger) *Archiver {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Archiver{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		logger: logger,
	}
}

// Key is the object key a report is stored under.
func (a *Archiver) Key(r *reports.Report) string {
	day := r.GeneratedAt.UTC().Format("2006/01/02")
	return path.Join(strings.TrimSuffix(a.prefix, "/"), day, r.Filename)
}

// Upload stores the report and returns its s3:// location.
func (a *Archiver) Upload(ctx context.Context, r *reports.Report) (string, error) {
	key := a.Key(r)

	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(r.Data),
		ContentType: aws.String(r.MimeType),
		Metadata: map[string]string{
			"report-id":   r.ID,
			"report-type": string(r.Type),
		},
	})
	if err != nil {
		return "", fmt.Errorf("uploading %s: %w", key, err)
	}

	location := fmt.Sprintf("s3://%s/%s", a.bucket, key)
	a.logger.Infow("report archived",
		"location", location,
		"bytes", len(r.Data))
	return location, nil
}
