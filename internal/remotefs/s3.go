// Package remotefs reads report files dropped into an S3-compatible bucket.
package remotefs

import (
	"context"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/aaronromeo/dmarcpat/internal/errs"
)

var tracer = otel.Tracer("github.com/aaronromeo/dmarcpat/internal/remotefs")

// Config describes a bucket location. Endpoint and PathStyle serve
// S3-compatible stores such as MinIO or R2.
type Config struct {
	Bucket    string
	Prefix    string
	Region    string
	Endpoint  string
	PathStyle bool
	AccessKey string
	SecretKey string
}

// Object is a file in the bucket.
type Object struct {
	Key  string
	Name string
	Size int64
}

type S3 struct {
	client s3iface.S3API
	bucket string
	prefix string
}

// NewS3 opens an AWS session for cfg. Static credentials are used when both
// keys are set; otherwise the default credential chain applies.
func NewS3(cfg Config) (*S3, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errs.Config("remote filesystem bucket is required")
	}
	awsCfg := &aws.Config{}
	if cfg.Region != "" {
		awsCfg.Region = aws.String(cfg.Region)
	}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
	}
	if cfg.PathStyle {
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, "")
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, errs.Transport("s3 session", err)
	}
	return NewS3WithClient(s3.New(sess), cfg.Bucket, cfg.Prefix), nil
}

func NewS3WithClient(client s3iface.S3API, bucket, prefix string) *S3 {
	prefix = strings.Trim(prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return &S3{client: client, bucket: bucket, prefix: prefix}
}

// Location names the bucket and prefix for logs.
func (s *S3) Location() string {
	return "s3://" + s.bucket + "/" + s.prefix
}

// List returns the files directly under the prefix sorted by key. Nested
// objects are skipped.
func (s *S3) List(ctx context.Context) ([]Object, error) {
	ctx, span := tracer.Start(ctx, "remotefs.List", trace.WithAttributes(attribute.String("bucket", s.bucket)))
	defer span.End()

	input := &s3.ListObjectsV2Input{
		Bucket:    aws.String(s.bucket),
		Prefix:    aws.String(s.prefix),
		Delimiter: aws.String("/"),
	}
	var objects []Object
	err := s.client.ListObjectsV2PagesWithContext(ctx, input, func(page *s3.ListObjectsV2Output, _ bool) bool {
		for _, obj := range page.Contents {
			key := aws.StringValue(obj.Key)
			name := strings.TrimPrefix(key, s.prefix)
			if name == "" || strings.Contains(name, "/") {
				continue
			}
			objects = append(objects, Object{Key: key, Name: name, Size: aws.Int64Value(obj.Size)})
		}
		return true
	})
	if err != nil {
		span.RecordError(err)
		return nil, errs.Transport("s3 list", err)
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	return objects, nil
}

// Open streams the object's content. The caller closes the reader.
func (s *S3) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	ctx, span := tracer.Start(ctx, "remotefs.Open", trace.WithAttributes(attribute.String("key", key)))
	defer span.End()

	out, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		span.RecordError(err)
		return nil, errs.SoftWrap(err, "failed to open report stream")
	}
	return out.Body, nil
}

// Move copies the object into the subdirectory dir next to it and removes the
// original.
func (s *S3) Move(ctx context.Context, key, dir string) (string, error) {
	ctx, span := tracer.Start(ctx, "remotefs.Move", trace.WithAttributes(attribute.String("key", key)))
	defer span.End()

	if strings.TrimSpace(dir) == "" || strings.ContainsAny(dir, `/\`) {
		return "", errs.Configf("invalid destination folder %q", dir)
	}
	dest := s.prefix + dir + "/" + path.Base(key)
	_, err := s.client.CopyObjectWithContext(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(s.bucket),
		CopySource: aws.String(s.bucket + "/" + key),
		Key:        aws.String(dest),
	})
	if err != nil {
		span.RecordError(err)
		return "", errs.Transport("s3 copy", err)
	}
	if err := s.Delete(ctx, key); err != nil {
		return "", errors.Wrapf(err, "removing %s after copy", key)
	}
	return dest, nil
}

func (s *S3) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return errs.Transport("s3 delete", err)
	}
	return nil
}
