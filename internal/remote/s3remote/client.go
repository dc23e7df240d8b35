package s3remote

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/bamsammich/stratus/internal/uperr"
)

// Options selects the bucket and credentials for NewS3API.
type Options struct {
	Region string
	// Endpoint overrides the AWS endpoint for S3-compatible stores.
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	PathStyle       bool
}

var loadDefaultConfig = config.LoadDefaultConfig

// NewS3API builds an S3 client from the default credential chain, or from
// static credentials when both keys are given.
func NewS3API(ctx context.Context, o Options) (*s3.Client, error) {
	if o.Region == "" {
		return nil, fmt.Errorf("s3 region must not be empty: %w", uperr.ErrInvalidConfiguration)
	}
	opts := []func(*config.LoadOptions) error{config.WithRegion(o.Region)}
	if o.AccessKeyID != "" && o.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(o.AccessKeyID, o.SecretAccessKey, "")))
	}

	cfg, err := loadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(cfg, func(so *s3.Options) {
		if o.Endpoint != "" {
			so.BaseEndpoint = aws.String(o.Endpoint)
		}
		so.UsePathStyle = o.PathStyle
	}), nil
}
