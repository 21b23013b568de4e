package sink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
)

type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string // empty for AWS
	AccessKeyID     string
	SecretAccessKey string
	PathStyle       bool
	MaxRetries      int
	Timeout         time.Duration
}

// S3 uploads through PutObject; works against AWS and S3-compatible stores.
type S3 struct {
	client  *s3.S3
	bucket  string
	timeout time.Duration
}

func NewS3(cfg S3Config) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("missing s3 bucket")
	}

	awsCfg := &aws.Config{
		Region:           aws.String(cfg.Region),
		S3ForcePathStyle: aws.Bool(cfg.PathStyle),
		MaxRetries:       aws.Int(cfg.MaxRetries),
	}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
	}
	if cfg.AccessKeyID != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(cfg.AccessKeyID, cfg.SecretAccessKey, "")
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("aws session: %w", err)
	}

	return &S3{client: s3.New(sess), bucket: cfg.Bucket, timeout: cfg.Timeout}, nil
}

func (s *S3) Put(ctx context.Context, o Object, r io.ReadSeeker) error {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return err
	}

	_, err := s.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(o.Key),
		Body:          r,
		ContentLength: aws.Int64(o.Size),
		ContentType:   aws.String("application/octet-stream"),
		Metadata: map[string]*string{
			"sha256": aws.String(o.SHA256),
		},
	})
	if err != nil {
		return classifyS3(err)
	}
	return nil
}

func classifyS3(err error) error {
	var rf awserr.RequestFailure
	if errors.As(err, &rf) && permanentStatus(rf.StatusCode()) {
		return fmt.Errorf("%w: %w", ErrRejected, err)
	}
	return err
}
