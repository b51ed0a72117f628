package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

// S3API is the subset of the S3 client the archiver uses.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Config configures the S3 client built by NewS3Client.
type S3Config struct {
	Bucket string
	Prefix string
	Region string

	// Endpoint overrides the service endpoint, e.g. for MinIO. Setting it
	// switches the client to path-style addressing.
	Endpoint string

	AccessKeyID     string
	SecretAccessKey string
}

// Enabled reports whether a bucket is configured.
func (c S3Config) Enabled() bool {
	return c.Bucket != ""
}

// NewS3Client builds an S3 client from static configuration. Without
// access keys requests are sent unsigned.
func NewS3Client(cfg S3Config) (*s3.Client, error) {
	if cfg.Region == "" {
		return nil, errors.New("archive: s3 region is required")
	}

	var creds aws.CredentialsProvider = aws.AnonymousCredentials{}
	if cfg.AccessKeyID != "" || cfg.SecretAccessKey != "" {
		keyID, secret := cfg.AccessKeyID, cfg.SecretAccessKey
		creds = aws.NewCredentialsCache(aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
			return aws.Credentials{
				AccessKeyID:     keyID,
				SecretAccessKey: secret,
				Source:          "liveballot",
			}, nil
		}))
	}

	opts := s3.Options{
		Region:      cfg.Region,
		Credentials: creds,
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
		opts.UsePathStyle = true
	}
	return s3.New(opts), nil
}

// S3Archiver stores each record as a JSON object.
type S3Archiver struct {
	client S3API
	bucket string
	prefix string

	newID func() string
}

// NewS3Archiver creates an archiver writing to bucket under prefix.
func NewS3Archiver(client S3API, bucket, prefix string) *S3Archiver {
	return &S3Archiver{
		client: client,
		bucket: bucket,
		prefix: prefix,
		newID:  uuid.NewString,
	}
}

// Key returns the object key for rec.
func (a *S3Archiver) Key(rec Record) string {
	return fmt.Sprintf("%s%s-%s.json", a.prefix, rec.ClosedAt.UTC().Format("20060102T150405Z"), a.newID())
}

// Archive uploads rec.
func (a *S3Archiver) Archive(ctx context.Context, rec Record) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("archive: encode record: %w", err)
	}

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(a.Key(rec)),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			"voters":      strconv.Itoa(rec.Voters),
			"archived-at": time.Now().UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		return fmt.Errorf("archive: s3 upload failed: %w", err)
	}
	return nil
}
