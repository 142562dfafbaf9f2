package remote

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type S3Config struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
	UseSSL    bool
	// MarkerFile must match the local store's completion marker.
	MarkerFile string
}

// S3Mirror stores working directories as objects under
// {Prefix}/{stage}/{identity}/{file} in an S3-compatible bucket.
type S3Mirror struct {
	client     *minio.Client
	bucketName string
	region     string
	prefix     string
	marker     string

	mu    sync.Mutex
	ready bool
}

func NewS3Mirror(cfg S3Config) (*S3Mirror, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("s3 endpoint is required")
	}
	access := strings.TrimSpace(cfg.AccessKey)
	secret := strings.TrimSpace(cfg.SecretKey)
	if access == "" || secret == "" {
		return nil, fmt.Errorf("s3 access key and secret key are required")
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}
	marker := strings.TrimSpace(cfg.MarkerFile)
	if marker == "" {
		marker = "done"
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(access, secret, ""),
		Secure: cfg.UseSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("init s3 client: %w", err)
	}

	return &S3Mirror{
		client:     client,
		bucketName: bucket,
		region:     region,
		prefix:     strings.Trim(strings.TrimSpace(cfg.Prefix), "/"),
		marker:     marker,
	}, nil
}

// ensureBucket checks the bucket once per process. A failed check is not
// remembered, so the next call tries again.
func (s *S3Mirror) ensureBucket(ctx context.Context) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("mirror is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ready {
		return nil
	}
	exists, err := s.client.BucketExists(ctx, s.bucketName)
	if err != nil {
		return err
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucketName, minio.MakeBucketOptions{Region: s.region}); err != nil {
			return err
		}
	}
	s.ready = true
	return nil
}

func (s *S3Mirror) Push(ctx context.Context, stage, id, dir string) error {
	if err := s.ensureBucket(ctx); err != nil {
		return fmt.Errorf("ensure bucket: %w", err)
	}
	files, err := listFiles(dir)
	if err != nil {
		return fmt.Errorf("list %s: %w", dir, err)
	}
	sortMarkerLast(files, s.marker)
	for _, name := range files {
		key := s.objectKey(stage, id, name)
		path := filepath.Join(dir, filepath.FromSlash(name))
		if _, err := s.client.FPutObject(ctx, s.bucketName, key, path, minio.PutObjectOptions{
			ContentType: "application/octet-stream",
		}); err != nil {
			return fmt.Errorf("upload %s: %w", key, err)
		}
	}
	return nil
}

func (s *S3Mirror) Pull(ctx context.Context, stage, id, dir string) (bool, error) {
	if err := s.ensureBucket(ctx); err != nil {
		return false, fmt.Errorf("ensure bucket: %w", err)
	}
	prefix := s.objectKey(stage, id, "")
	names, err := s.list(ctx, prefix)
	if err != nil {
		return false, err
	}
	hasMarker := false
	for _, n := range names {
		if n == s.marker {
			hasMarker = true
			break
		}
	}
	if !hasMarker {
		return false, nil
	}
	sortMarkerLast(names, s.marker)
	for _, name := range names {
		path, err := entryPath(dir, name)
		if err != nil {
			return false, err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return false, err
		}
		if err := s.client.FGetObject(ctx, s.bucketName, prefix+name, path, minio.GetObjectOptions{}); err != nil {
			errResp := minio.ToErrorResponse(err)
			if errResp.Code == "NoSuchKey" {
				return false, nil
			}
			return false, fmt.Errorf("download %s: %w", prefix+name, err)
		}
	}
	return true, nil
}

// list returns the object names below prefix, relative to it. The listing is
// cancelled on return so an early error does not leave the lister running.
func (s *S3Mirror) list(ctx context.Context, prefix string) ([]string, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var names []string
	for obj := range s.client.ListObjects(ctx, s.bucketName, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, obj.Err)
		}
		if obj.Key == "" {
			continue
		}
		names = append(names, strings.TrimPrefix(obj.Key, prefix))
	}
	return names, nil
}

func (s *S3Mirror) objectKey(stage, id, name string) string {
	parts := []string{stage, id, strings.TrimLeft(name, "/")}
	if s.prefix != "" {
		parts = append([]string{s.prefix}, parts...)
	}
	return strings.Join(parts, "/")
}
