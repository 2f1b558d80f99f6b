package store

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/artifactmirror/artifactmirror/internal/errs"
	"github.com/artifactmirror/artifactmirror/internal/idgen"
)

// MinioStore is a third Artifact Store backend, for operators running a
// self-hosted S3-compatible object store instead of AWS S3. Key layout
// mirrors S3Store: one object per artifact path, one "<path>.meta.json"
// sidecar carrying Info.
type MinioStore struct {
	client *minio.Client
	bucket string
}

// NewMinioStore creates a MinIO-backed Store, creating bucket if it does
// not already exist.
func NewMinioStore(ctx context.Context, endpoint, accessKey, secretKey, bucket string) (*MinioStore, error) {
	secure := true
	endpoint = strings.TrimPrefix(endpoint, "https://")
	if e, ok := strings.CutPrefix(endpoint, "http://"); ok {
		endpoint = e
		secure = false
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: secure,
	})
	if err != nil {
		return nil, errs.Wrap(err, "creating minio client")
	}

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, errs.Wrap(err, "checking minio bucket")
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, errs.Wrap(err, "creating minio bucket")
		}
	}

	return &MinioStore{client: client, bucket: bucket}, nil
}

func (m *MinioStore) metaKey(path string) string { return path + ".meta.json" }

// Ping verifies the configured bucket is reachable, for the /healthz check.
func (m *MinioStore) Ping(ctx context.Context) error {
	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return errs.Wrap(err, "minio bucket unreachable")
	}
	if !exists {
		return errs.Wrapf(errs.ErrStorage, "minio bucket %q not found", m.bucket)
	}
	return nil
}

func (m *MinioStore) readMeta(ctx context.Context, path string) (Info, error) {
	obj, err := m.client.GetObject(ctx, m.bucket, m.metaKey(path), minio.GetObjectOptions{})
	if err != nil {
		return Info{}, err
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
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
func (m *MinioStore) Find(ctx context.Context, path string) (Info, bool) {
	info, err := m.readMeta(ctx, path)
	if err != nil {
		return Info{}, false
	}
	return info, true
}

// Open streams path's object body from the bucket.
func (m *MinioStore) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	obj, err := m.client.GetObject(ctx, m.bucket, path, minio.GetObjectOptions{})
	if err != nil {
		return nil, errs.Wrap(err, "getting object from minio")
	}
	return obj, nil
}

// PublishFile uploads srcPath's contents to path, then its meta sidecar.
func (m *MinioStore) PublishFile(ctx context.Context, path, srcPath string, lastModified time.Time) (Info, error) {
	return m.publishFromPath(ctx, path, srcPath, lastModified)
}

// PublishBuffer is PublishFile's in-memory variant.
func (m *MinioStore) PublishBuffer(ctx context.Context, path string, data []byte, lastModified time.Time) (Info, error) {
	return m.publish(ctx, path, bytes.NewReader(data), int64(len(data)), lastModified)
}

func (m *MinioStore) publishFromPath(ctx context.Context, path, srcPath string, lastModified time.Time) (Info, error) {
	f, err := os.Open(srcPath)
	if err != nil {
		return Info{}, errs.Wrapf(errs.ErrStorage, "opening publish source: %v", err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return Info{}, errs.Wrapf(errs.ErrStorage, "stat publish source: %v", err)
	}

	info, err := m.publish(ctx, path, f, st.Size(), lastModified)
	if err != nil {
		return Info{}, err
	}
	os.Remove(srcPath)
	return info, nil
}

func (m *MinioStore) publish(ctx context.Context, path string, body io.Reader, size int64, lastModified time.Time) (Info, error) {
	mtime := lastModified.Truncate(time.Second)
	if mtime.IsZero() {
		mtime = idgen.Now()
	}

	_, err := m.client.PutObject(ctx, m.bucket, path, body, size, minio.PutObjectOptions{})
	if err != nil {
		return Info{}, errs.Wrapf(errs.ErrStorage, "putting object to minio: %v", err)
	}

	info := Info{Size: size, ModTime: mtime}
	metaJSON, err := json.Marshal(info)
	if err != nil {
		return Info{}, errs.Wrapf(errs.ErrStorage, "marshalling meta sidecar: %v", err)
	}
	_, err = m.client.PutObject(ctx, m.bucket, m.metaKey(path), bytes.NewReader(metaJSON), int64(len(metaJSON)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return Info{}, errs.Wrapf(errs.ErrStorage, "putting meta sidecar to minio: %v", err)
	}
	return info, nil
}
