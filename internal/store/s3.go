package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go/middleware"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/artifactmirror/artifactmirror/internal/errs"
	"github.com/artifactmirror/artifactmirror/internal/idgen"
)

// S3Store is an alternate Artifact Store backend for operators who want the
// cache tier centralized rather than local to each proxy instance. Object
// keys mirror the artifact path exactly; a JSON sidecar at "<key>.meta.json"
// carries the Info this interface needs (S3 object metadata headers are
// awkward to read back reliably across providers).
type S3Store struct {
	client        *s3.Client
	presignClient *s3.PresignClient
	bucket        string
}

// NewS3Store creates an S3-backed Store. Credentials, region and endpoint
// are resolved via the AWS SDK's default credential chain.
func NewS3Store(ctx context.Context, bucket string) (*S3Store, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, errs.Wrap(err, "loading AWS config")
	}
	client := s3.NewFromConfig(cfg)
	return &S3Store{
		client:        client,
		presignClient: s3.NewPresignClient(client),
		bucket:        bucket,
	}, nil
}

func (s *S3Store) metaKey(path string) string { return path + ".meta.json" }

// Ping verifies the configured bucket is reachable, for the /healthz check.
func (s *S3Store) Ping(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err != nil {
		return errs.Wrap(err, "s3 bucket unreachable")
	}
	return nil
}

func (s *S3Store) readMeta(ctx context.Context, path string) (Info, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.metaKey(path)),
	})
	if err != nil {
		return Info{}, err
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return Info{}, err
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return Info{}, err
	}
	return info, nil
}

// Find reports whether path's meta sidecar exists in the bucket.
func (s *S3Store) Find(ctx context.Context, path string) (Info, bool) {
	info, err := s.readMeta(ctx, path)
	if err != nil {
		return Info{}, false
	}
	return info, true
}

// RedirectURL implements store.Redirector via a short-lived presigned GET.
func (s *S3Store) RedirectURL(ctx context.Context, path string) (string, Info, error) {
	info, err := s.readMeta(ctx, path)
	if err != nil {
		return "", Info{}, err
	}
	presigned, err := s.presignClient.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(path),
	}, s3.WithPresignExpires(15*time.Minute))
	if err != nil {
		return "", Info{}, errs.Wrap(err, "presigning GetObject")
	}
	return presigned.URL, info, nil
}

// Open streams path's object body from S3.
func (s *S3Store) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(path),
	})
	if err != nil {
		return nil, errs.Wrap(err, "getting object from s3")
	}
	return out.Body, nil
}

// PublishFile uploads srcPath's contents to path, then its JSON meta
// sidecar, using a conditional PUT (IfNoneMatch: "*") so a losing race
// against a concurrent publish of the same path is treated as success
// rather than an error — the bytes are identical either way.
func (s *S3Store) PublishFile(ctx context.Context, path, srcPath string, lastModified time.Time) (Info, error) {
	src, err := os.Open(srcPath)
	if err != nil {
		return Info{}, errs.Wrapf(errs.ErrStorage, "opening publish source: %v", err)
	}
	defer src.Close()

	st, err := src.Stat()
	if err != nil {
		return Info{}, errs.Wrapf(errs.ErrStorage, "stat publish source: %v", err)
	}

	info, err := s.publish(ctx, path, src, st.Size(), lastModified)
	if err != nil {
		return Info{}, err
	}
	os.Remove(srcPath)
	return info, nil
}

// PublishBuffer is PublishFile's in-memory variant.
func (s *S3Store) PublishBuffer(ctx context.Context, path string, data []byte, lastModified time.Time) (Info, error) {
	return s.publish(ctx, path, bytes.NewReader(data), int64(len(data)), lastModified)
}

func (s *S3Store) publish(ctx context.Context, path string, body io.Reader, size int64, lastModified time.Time) (Info, error) {
	mtime := lastModified.Truncate(time.Second)
	if mtime.IsZero() {
		mtime = idgen.Now()
	}

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(path),
		Body:          body,
		ContentLength: aws.Int64(size),
		IfNoneMatch:   aws.String("*"),
	},
		s3.WithAPIOptions(func(stack *middleware.Stack) error {
			return v4.SwapComputePayloadSHA256ForUnsignedPayloadMiddleware(stack)
		}),
	)
	if err != nil && !isConditionalPutConflict(err) {
		return Info{}, errs.Wrapf(errs.ErrStorage, "putting object to s3: %v", err)
	}
	if err != nil {
		slog.Debug("artifact already cached, skipping duplicate upload", "path", path)
	}

	info := Info{Size: size, ModTime: mtime}
	metaJSON, err := json.Marshal(info)
	if err != nil {
		return Info{}, errs.Wrapf(errs.ErrStorage, "marshalling meta sidecar: %v", err)
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.metaKey(path)),
		Body:        bytes.NewReader(metaJSON),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return Info{}, errs.Wrapf(errs.ErrStorage, "putting meta sidecar to s3: %v", err)
	}
	return info, nil
}

// isConditionalPutConflict reports whether err is the "object already
// exists" response to our IfNoneMatch: "*" publish.
func isConditionalPutConflict(err error) bool {
	var re *smithyhttp.ResponseError
	if errors.As(err, &re) {
		return re.HTTPStatusCode() == http.StatusPreconditionFailed ||
			re.HTTPStatusCode() == http.StatusConflict
	}
	return false
}
