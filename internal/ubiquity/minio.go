package ubiquity

import (
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioConfig configures an S3-compatible mirror.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	// Prefix namespaces objects inside the bucket, e.g. "shelf/".
	Prefix string
	UseSSL bool
}

// MinioMirror stores documents in an S3-compatible bucket.
type MinioMirror struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewMinioMirror connects to the endpoint and creates the bucket if it does
// not exist.
func NewMinioMirror(ctx context.Context, cfg MinioConfig) (*MinioMirror, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("minio mirror requires endpoint and bucket")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	ok, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket %s: %w", cfg.Bucket, err)
	}
	if !ok {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket %s: %w", cfg.Bucket, err)
		}
	}

	prefix := strings.TrimPrefix(cfg.Prefix, "/")
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &MinioMirror{client: client, bucket: cfg.Bucket, prefix: prefix}, nil
}

func (m *MinioMirror) key(name string) string {
	return m.prefix + name
}

func isNoSuchKey(err error) bool {
	return minio.ToErrorResponse(err).Code == "NoSuchKey"
}

func minioInfo(name string, oi minio.ObjectInfo) ObjectInfo {
	return ObjectInfo{Name: name, Size: oi.Size, ModTime: oi.LastModified, Version: oi.ETag}
}

// List returns all objects under the prefix sorted by name.
func (m *MinioMirror) List(ctx context.Context) ([]ObjectInfo, error) {
	var out []ObjectInfo
	for oi := range m.client.ListObjects(ctx, m.bucket, minio.ListObjectsOptions{Prefix: m.prefix}) {
		if oi.Err != nil {
			return nil, fmt.Errorf("failed to list bucket %s: %w", m.bucket, oi.Err)
		}
		name := strings.TrimPrefix(oi.Key, m.prefix)
		if name == "" || strings.Contains(name, "/") || strings.HasPrefix(path.Base(name), ".") {
			continue
		}
		out = append(out, minioInfo(name, oi))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Stat returns the object's info.
func (m *MinioMirror) Stat(ctx context.Context, name string) (ObjectInfo, error) {
	oi, err := m.client.StatObject(ctx, m.bucket, m.key(name), minio.StatObjectOptions{})
	if err != nil {
		if isNoSuchKey(err) {
			return ObjectInfo{}, ErrObjectNotFound
		}
		return ObjectInfo{}, fmt.Errorf("failed to stat %s: %w", name, err)
	}
	return minioInfo(name, oi), nil
}

// Get opens the object for reading.
func (m *MinioMirror) Get(ctx context.Context, name string) (io.ReadCloser, ObjectInfo, error) {
	obj, err := m.client.GetObject(ctx, m.bucket, m.key(name), minio.GetObjectOptions{})
	if err != nil {
		return nil, ObjectInfo{}, fmt.Errorf("failed to get %s: %w", name, err)
	}
	oi, err := obj.Stat()
	if err != nil {
		_ = obj.Close()
		if isNoSuchKey(err) {
			return nil, ObjectInfo{}, ErrObjectNotFound
		}
		return nil, ObjectInfo{}, fmt.Errorf("failed to stat %s: %w", name, err)
	}
	return obj, minioInfo(name, oi), nil
}

// Put uploads the object.
func (m *MinioMirror) Put(ctx context.Context, name string, r io.Reader, size int64) (ObjectInfo, error) {
	info, err := m.client.PutObject(ctx, m.bucket, m.key(name), r, size, minio.PutObjectOptions{
		ContentType: "application/cbor",
	})
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("failed to put %s: %w", name, err)
	}
	return ObjectInfo{Name: name, Size: info.Size, ModTime: info.LastModified, Version: info.ETag}, nil
}

// Rename copies the object to its new key and removes the old one.
func (m *MinioMirror) Rename(ctx context.Context, oldName, newName string) error {
	_, err := m.client.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: m.bucket, Object: m.key(newName)},
		minio.CopySrcOptions{Bucket: m.bucket, Object: m.key(oldName)})
	if err != nil {
		if isNoSuchKey(err) {
			return ErrObjectNotFound
		}
		return fmt.Errorf("failed to copy %s: %w", oldName, err)
	}
	return m.Remove(ctx, oldName)
}

// Remove deletes the object. Missing objects are not an error.
func (m *MinioMirror) Remove(ctx context.Context, name string) error {
	if err := m.client.RemoveObject(ctx, m.bucket, m.key(name), minio.RemoveObjectOptions{}); err != nil && !isNoSuchKey(err) {
		return fmt.Errorf("failed to remove %s: %w", name, err)
	}
	return nil
}
