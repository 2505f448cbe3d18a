package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/cloo-solutions/unic/internal/domain"
	"github.com/cloo-solutions/unic/internal/fragments"
	"github.com/cloo-solutions/unic/internal/retry"
)

// FragmentSourceName is the source recorded for fragments without one
const FragmentSourceName = "s3"

// S3ClientConfig holds configuration for S3FragmentSource
type S3ClientConfig struct {
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	Prefix          string
	UsePathStyle    bool
}

// S3API is the subset of the S3 client the fragment source calls
type S3API interface {
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
}

// S3FragmentSource reads JSONL fragment dumps from an S3-compatible bucket (e.g., RustFS)
type S3FragmentSource struct {
	client S3API
	bucket string
	prefix string
	policy retry.Policy
}

// NewS3FragmentSource creates a source with the given configuration
func NewS3FragmentSource(ctx context.Context, cfg S3ClientConfig, policy retry.Policy) (*S3FragmentSource, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	// Path-style addressing for S3-compatible services
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return NewS3FragmentSourceWithAPI(client, cfg.Bucket, cfg.Prefix, policy), nil
}

// NewS3FragmentSourceWithAPI creates a source around an arbitrary S3API.
func NewS3FragmentSourceWithAPI(client S3API, bucket, prefix string, policy retry.Policy) *S3FragmentSource {
	policy.Retryable = retryableS3Error
	return &S3FragmentSource{client: client, bucket: bucket, prefix: prefix, policy: policy}
}

// Fetch lists every .jsonl object under the prefix and decodes its fragments.
// Each fragment records the object key in its metadata.
func (s *S3FragmentSource) Fetch(ctx context.Context) ([]domain.Fragment, error) {
	keys, err := s.listKeys(ctx)
	if err != nil {
		return nil, err
	}

	var out []domain.Fragment
	for _, key := range keys {
		frags, err := s.fetchObject(ctx, key)
		if err != nil {
			return nil, err
		}
		for i := range frags {
			if frags[i].Metadata == nil {
				frags[i].Metadata = map[string]string{}
			}
			frags[i].Metadata["s3_key"] = key
		}
		out = append(out, frags...)
	}

	log.Printf("s3: fetched %d fragments from %d objects in %s/%s", len(out), len(keys), s.bucket, s.prefix)
	return out, nil
}

func (s *S3FragmentSource) listKeys(ctx context.Context) ([]string, error) {
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.prefix),
	}, func(o *s3.ListObjectsV2PaginatorOptions) {
		o.StopOnDuplicateToken = true
	})

	var keys []string
	for paginator.HasMorePages() {
		// A failed NextPage leaves the paginator on the same page
		page, err := retry.DoValue(ctx, s.policy, "s3 list", func(ctx context.Context) (*s3.ListObjectsV2Output, error) {
			return paginator.NextPage(ctx)
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list objects: %w", err)
		}

		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if strings.HasSuffix(key, ".jsonl") {
				keys = append(keys, key)
			}
		}
	}
	return keys, nil
}

func (s *S3FragmentSource) fetchObject(ctx context.Context, key string) ([]domain.Fragment, error) {
	return retry.DoValue(ctx, s.policy, "s3 get "+key, func(ctx context.Context) ([]domain.Fragment, error) {
		output, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to get object %s: %w", key, err)
		}
		defer output.Body.Close()

		frags, err := fragments.DecodeJSONL(output.Body, FragmentSourceName)
		if err != nil {
			return nil, &malformedObjectError{key: key, err: err}
		}
		return frags, nil
	})
}

// PutObject uploads body under key
func (s *S3FragmentSource) PutObject(ctx context.Context, key string, body io.Reader) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return fmt.Errorf("failed to put object: %w", err)
	}
	return nil
}

// EnsureBucket creates the bucket if it doesn't exist
func (s *S3FragmentSource) EnsureBucket(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.bucket),
	})
	if err == nil {
		return nil
	}

	_, err = s.client.CreateBucket(ctx, &s3.CreateBucketInput{
		Bucket: aws.String(s.bucket),
	})
	if err != nil {
		return fmt.Errorf("failed to create bucket: %w", err)
	}

	return nil
}

type malformedObjectError struct {
	key string
	err error
}

func (e *malformedObjectError) Error() string {
	return fmt.Sprintf("object %s: %v", e.key, e.err)
}

func (e *malformedObjectError) Unwrap() error { return e.err }

// retryableS3Error treats missing buckets, missing keys and bad payloads as final.
func retryableS3Error(err error) bool {
	var noBucket *types.NoSuchBucket
	var noKey *types.NoSuchKey
	var malformed *malformedObjectError
	return !errors.As(err, &noBucket) && !errors.As(err, &noKey) && !errors.As(err, &malformed)
}
