package assets

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"path"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ObjectStore — хранилище тел артефактов.
type ObjectStore interface {
	// Put загружает объект и возвращает URL для чтения.
	Put(ctx context.Context, key, contentType string, r io.Reader, size int64) (string, error)
}

// MinIOConfig — настройки MinIO.
type MinIOConfig struct {
	Endpoint  string        `yaml:"endpoint"`
	AccessKey string        `yaml:"access_key"`
	SecretKey string        `yaml:"secret_key"`
	Bucket    string        `yaml:"bucket"`
	UseSSL    bool          `yaml:"use_ssl"`
	URLExpiry time.Duration `yaml:"url_expiry"`
}

// Enabled возвращает true, если MinIO настроен.
func (c MinIOConfig) Enabled() bool {
	return c.Endpoint != "" && c.Bucket != ""
}

// MinIOStore — ObjectStore поверх MinIO (S3-совместимое хранилище).
type MinIOStore struct {
	client *minio.Client
	bucket string
	expiry time.Duration
}

// NewMinIOStore подключается к MinIO и создаёт bucket, если его нет.
func NewMinIOStore(ctx context.Context, cfg MinIOConfig) (*MinIOStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket: %w", err)
		}
	}

	expiry := cfg.URLExpiry
	if expiry <= 0 {
		expiry = 72 * time.Hour
	}

	return &MinIOStore{client: client, bucket: cfg.Bucket, expiry: expiry}, nil
}

// Put загружает объект и возвращает presigned URL.
func (s *MinIOStore) Put(ctx context.Context, key, contentType string, r io.Reader, size int64) (string, error) {
	_, err := s.client.PutObject(ctx, s.bucket, key, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("put object %s: %w", key, err)
	}

	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, s.expiry, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	return u.String(), nil
}

// contentTypeFor определяет Content-Type по расширению ключа.
func contentTypeFor(key string) string {
	switch path.Ext(key) {
	case ".json":
		return "application/json"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".webp":
		return "image/webp"
	case ".mp4":
		return "video/mp4"
	default:
		return "application/octet-stream"
	}
}

// Open создаёт Recorder по конфигурации хранилища.
// Без MinIO тела не сохраняются, Asset хранит URL провайдера.
func Open(ctx context.Context, cfg MinIOConfig, mirror bool, store Store, logger *slog.Logger) (*Recorder, error) {
	rc := Config{Store: store, Logger: logger}

	if cfg.Enabled() {
		objects, err := NewMinIOStore(ctx, cfg)
		if err != nil {
			return nil, err
		}
		rc.Objects = objects
		rc.MirrorMedia = mirror
	} else if logger != nil {
		logger.Info("MinIO not configured, assets keep provider URLs")
	}

	return NewRecorder(rc), nil
}
