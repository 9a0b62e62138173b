package storage

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/vnznznz/browsertrix-cloud/internal/logger"
)

// verifyObjectKey is the probe object written to confirm credentials and
// write access before a storage is handed to crawlers
const verifyObjectKey = ".btrix-upload-verify"

// NewS3Client builds an S3 client for one named storage
func NewS3Client(ctx context.Context, st S3Storage) (*s3.Client, error) {
	region := st.Region
	if region == "" {
		region = "us-east-1"
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}
	if st.AccessKey != "" && st.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(st.AccessKey, st.SecretKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config for storage %q: %w", st.Name, err)
	}

	endpoint := st.Endpoint
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = &endpoint
		o.UsePathStyle = true
	}), nil
}

// Verify tests credentials and endpoint by uploading an empty probe object
func Verify(ctx context.Context, client *s3.Client, st S3Storage) error {
	l := logger.FromContext(ctx)

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, err := client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(st.Bucket),
		Key:    aws.String(verifyObjectKey),
		Body:   bytes.NewReader(nil),
	})
	if err != nil {
		return fmt.Errorf("could not verify storage %q: %w", st.Name, err)
	}

	l.Info().
		Str("storage", st.Name).
		Str("bucket", st.Bucket).
		Msg("verified storage upload access")
	return nil
}

// VerifyAll verifies every storage in the registry. Called once at startup
// so misconfigured storages fail fast rather than on first crawl.
func VerifyAll(ctx context.Context, registry *Registry) error {
	for _, name := range registry.Names() {
		st, err := registry.Resolve(name)
		if err != nil {
			return err
		}
		client, err := NewS3Client(ctx, st)
		if err != nil {
			return err
		}
		if err := Verify(ctx, client, st); err != nil {
			return err
		}
	}
	return nil
}
