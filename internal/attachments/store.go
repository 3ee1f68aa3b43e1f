package attachments

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"
)

var ErrInvalidName = errors.New("attachments: invalid file name")

type Options struct {
	Endpoint   string
	AccessKey  string
	SecretKey  string
	Bucket     string
	Secure     bool
	Region     string
	PresignTTL time.Duration
}

// Store keeps comment attachments in one MinIO bucket under
// {subject}/{comment}/{name}.
type Store struct {
	client     *minio.Client
	bucket     string
	region     string
	presignTTL time.Duration
	logger     zerolog.Logger
}

func New(opts Options, logger zerolog.Logger) (*Store, error) {
	if strings.TrimSpace(opts.Bucket) == "" {
		return nil, errors.New("attachments: bucket is required")
	}
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.Secure,
		Region: opts.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	ttl := opts.PresignTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Store{client: client, bucket: opts.Bucket, region: opts.Region, presignTTL: ttl, logger: logger}, nil
}

// EnsureBucket creates the bucket when it does not exist yet.
func (s *Store) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
		return fmt.Errorf("make bucket %s: %w", s.bucket, err)
	}
	s.logger.Info().Str("bucket", s.bucket).Msg("attachments: bucket created")
	return nil
}

// Put uploads one file and returns its object key.
func (s *Store) Put(ctx context.Context, subjectID, commentID, name, mediaType string, body io.Reader, size int64) (string, error) {
	key, err := ObjectKey(subjectID, commentID, name)
	if err != nil {
		return "", err
	}
	if mediaType == "" {
		mediaType = "application/octet-stream"
	}
	if _, err := s.client.PutObject(ctx, s.bucket, key, body, size, minio.PutObjectOptions{ContentType: mediaType}); err != nil {
		return "", fmt.Errorf("put object %s: %w", key, err)
	}
	return key, nil
}

func (s *Store) Remove(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove object %s: %w", key, err)
	}
	return nil
}

// PresignedURL returns a time-limited download link for key.
func (s *Store) PresignedURL(ctx context.Context, key, downloadName string) (string, error) {
	params := url.Values{}
	if downloadName != "" {
		params.Set("response-content-disposition", fmt.Sprintf("attachment; filename=%q", downloadName))
	}
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, s.presignTTL, params)
	if err != nil {
		return "", fmt.Errorf("presign object %s: %w", key, err)
	}
	return u.String(), nil
}

// ObjectKey builds the bucket key for an attachment. Names containing path
// separators or dot segments are rejected.
func ObjectKey(subjectID, commentID, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, "/\\\x00") || len(name) > 255 {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if strings.TrimSpace(subjectID) == "" || strings.TrimSpace(commentID) == "" {
		return "", fmt.Errorf("%w: missing subject or comment", ErrInvalidName)
	}
	return path.Join(url.PathEscape(subjectID), url.PathEscape(commentID), name), nil
}
