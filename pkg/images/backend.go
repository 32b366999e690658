package images

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"grimoire/pkg/circuitbreaker"
	"grimoire/pkg/config"
)

// UploadsPath is the URL prefix disk-stored images are served under.
const UploadsPath = "/uploads"

// Backend stores finished artifacts by name and deletes them by the URL Put
// returned.
type Backend interface {
	Put(ctx context.Context, name string, data []byte) (string, error)
	Delete(ctx context.Context, url string) error
}

// NewBackend builds the backend selected by cfg.Backend.
func NewBackend(ctx context.Context, cfg config.Images) (Backend, error) {
	if cfg.Backend != config.BackendS3 {
		return NewDiskBackend(cfg.UploadDir, cfg.PublicBaseURL)
	}

	client, err := NewS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewS3Backend(client, cfg.S3Bucket, s3PublicURL(cfg), circuitbreaker.New(5, 30*time.Second)), nil
}

// s3PublicURL is where stored objects can be fetched from by clients.
func s3PublicURL(cfg config.Images) string {
	switch {
	case cfg.S3PublicURL != "":
		return cfg.S3PublicURL
	case cfg.S3Endpoint != "":
		return strings.TrimRight(cfg.S3Endpoint, "/") + "/" + cfg.S3Bucket
	default:
		return fmt.Sprintf("https://%s.s3.%s.amazonaws.com", cfg.S3Bucket, cfg.S3Region)
	}
}

type DiskBackend struct {
	dir     string
	baseURL string
}

func NewDiskBackend(dir, publicBaseURL string) (*DiskBackend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	return &DiskBackend{dir: dir, baseURL: strings.TrimRight(publicBaseURL, "/")}, nil
}

// Put writes to a temporary file first so readers never see a partial image.
func (d *DiskBackend) Put(_ context.Context, name string, data []byte) (string, error) {
	tmp, err := os.CreateTemp(d.dir, ".upload-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write image: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close image: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return "", fmt.Errorf("chmod image: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(d.dir, name)); err != nil {
		return "", fmt.Errorf("store image: %w", err)
	}
	return d.baseURL + UploadsPath + "/" + name, nil
}

// Delete removes the file named by the last element of url. A file that is
// already gone counts as deleted.
func (d *DiskBackend) Delete(_ context.Context, url string) error {
	name := path.Base(url)
	if name == "." || name == "/" {
		return fmt.Errorf("no file name in %q", url)
	}
	err := os.Remove(filepath.Join(d.dir, name))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

type objectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Backend keeps images in an S3-compatible bucket. Calls go through a
// circuit breaker so an unreachable bucket fails fast.
type S3Backend struct {
	client    objectAPI
	bucket    string
	publicURL string
	breaker   *circuitbreaker.Breaker
}

const objectPrefix = "covers/"

func NewS3Backend(client objectAPI, bucket, publicURL string, breaker *circuitbreaker.Breaker) *S3Backend {
	return &S3Backend{
		client:    client,
		bucket:    bucket,
		publicURL: strings.TrimRight(publicURL, "/"),
		breaker:   breaker,
	}
}

// NewS3Client builds a client for cfg using static credentials and, when set,
// a custom endpoint such as a MinIO server.
func NewS3Client(ctx context.Context, cfg config.Images) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.S3Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.S3AccessKey,
			cfg.S3SecretKey,
			"",
		)))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

func (b *S3Backend) Put(ctx context.Context, name string, data []byte) (string, error) {
	key := objectPrefix + name
	err := b.breaker.Do(func() error {
		_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(b.bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(data),
			ContentType: aws.String("image/jpeg"),
		})
		return err
	})
	if err != nil {
		return "", fmt.Errorf("put object %s: %w", key, err)
	}
	return b.publicURL + "/" + key, nil
}

func (b *S3Backend) Delete(ctx context.Context, url string) error {
	key := objectPrefix + path.Base(url)
	err := b.breaker.Do(func() error {
		_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(b.bucket),
			Key:    aws.String(key),
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("delete object %s: %w", key, err)
	}
	return nil
}
