package source

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"revline/internal/rules"
)

type S3Config struct {
	Bucket   string
	Key      string
	Region   string
	Endpoint string // MinIO, LocalStack
}

// S3 reads a rule document from an object. The format follows the key extension.
type S3 struct {
	client *s3.Client
	bucket string
	key    string
}

func NewS3(ctx context.Context, cfg S3Config) (*S3, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3{client: client, bucket: cfg.Bucket, key: cfg.Key}, nil
}

func (s *S3) Fetch(ctx context.Context) (rules.Document, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
	})
	if err != nil {
		return rules.Document{}, fmt.Errorf("s3 get s3://%s/%s: %w", s.bucket, s.key, err)
	}
	defer func() { _ = out.Body.Close() }()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return rules.Document{}, err
	}
	return rules.Document{
		Data:   data,
		Format: rules.FormatFromPath(s.key),
		Origin: fmt.Sprintf("s3://%s/%s", s.bucket, s.key),
	}, nil
}
