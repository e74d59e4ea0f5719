package main

import (
	"bytes"
	"context"
	"net/url"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/pkg/errors"
)

// Mirror receives a copy of every checkpoint artifact after it is written.
type Mirror interface {
	Upload(ctx context.Context, name string, data []byte) error
}

// S3Mirror uploads artifacts under s3://bucket/prefix/name. Uploads are
// synchronous: a failed upload fails the checkpoint write that caused it.
type S3Mirror struct {
	svc    *s3.S3
	bucket string
	prefix string
}

// NewS3Mirror creates a mirror for an s3://bucket/prefix URL. region may
// be empty, in which case the SDK resolves it from the environment.
func NewS3Mirror(rawURL, region string) (*S3Mirror, error) {
	bucket, prefix, err := parseS3URL(rawURL)
	if err != nil {
		return nil, err
	}

	cfg := &aws.Config{}
	if region != "" {
		cfg.Region = aws.String(region)
	}
	sess, err := session.NewSession(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create session")
	}

	return &S3Mirror{
		svc:    s3.New(sess),
		bucket: bucket,
		prefix: prefix,
	}, nil
}

// Upload puts data at the mirror's prefix joined with name.
func (m *S3Mirror) Upload(ctx context.Context, name string, data []byte) error {
	key := path.Join(m.prefix, name)
	_, err := m.svc.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return errors.Wrapf(err, "uploading s3://%s/%s", m.bucket, key)
	}
	return nil
}

// parseS3URL splits s3://bucket/prefix into its parts.
func parseS3URL(raw string) (bucket, prefix string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", errors.Wrapf(err, "parsing %q", raw)
	}
	if u.Scheme != "s3" || u.Host == "" {
		return "", "", errors.Errorf("%q is not an s3://bucket/prefix URL", raw)
	}
	return u.Host, strings.Trim(u.Path, "/"), nil
}
