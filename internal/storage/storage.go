package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"
	"go.uber.org/fx"

	"github.com/emergent-company/tabgraph/internal/config"
	"github.com/emergent-company/tabgraph/pkg/apperror"
	"github.com/emergent-company/tabgraph/pkg/logger"
	"github.com/emergent-company/tabgraph/pkg/scope"
)

var Module = fx.Module("storage",
	fx.Provide(NewService),
)

var (
	unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9._-]`)
	underscores = regexp.MustCompile(`_{2,}`)
)

// Service archives uploaded row sets in an S3-compatible bucket.
type Service struct {
	client *s3.Client
	bucket string
	log    *slog.Logger
}

// UploadResult describes an archived object.
type UploadResult struct {
	Key         string `json:"key"`
	Bucket      string `json:"bucket"`
	ETag        string `json:"etag"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type,omitempty"`
}

// NewService creates the storage service. Without endpoint and credentials
// the service is returned disabled and every call fails with
// apperror.ErrStorageDisabled.
func NewService(cfg *config.Config, log *slog.Logger) (*Service, error) {
	log = log.With(logger.Scope("storage"))
	sc := cfg.Storage
	if !sc.Enabled() {
		log.Warn("storage disabled, uploads will not be archived")
		return &Service{bucket: sc.Bucket, log: log}, nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(sc.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(sc.AccessKey, sc.SecretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	// path-style addressing for MinIO
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(sc.Endpoint)
		o.UsePathStyle = true
	})

	log.Info("storage initialized",
		slog.String("endpoint", sc.Endpoint),
		slog.String("bucket", sc.Bucket),
	)
	return &Service{client: client, bucket: sc.Bucket, log: log}, nil
}

// Enabled reports whether an S3 client is configured.
func (s *Service) Enabled() bool {
	return s.client != nil
}

// Upload stores data under key.
func (s *Service) Upload(ctx context.Context, key string, data io.Reader, size int64, contentType string) (*UploadResult, error) {
	if !s.Enabled() {
		return nil, apperror.ErrStorageDisabled
	}

	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          data,
		ContentLength: aws.Int64(size),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	out, err := s.client.PutObject(ctx, input)
	if err != nil {
		s.log.Error("upload failed", slog.String("key", key), logger.Error(err))
		return nil, fmt.Errorf("upload %s: %w", key, err)
	}

	etag := ""
	if out.ETag != nil {
		etag = strings.Trim(*out.ETag, `"`)
	}
	s.log.Debug("object uploaded", slog.String("key", key), slog.Int64("size", size))
	return &UploadResult{Key: key, Bucket: s.bucket, ETag: etag, Size: size, ContentType: contentType}, nil
}

// Download opens the object at key. Callers close the returned reader.
// A missing object maps to a not-found error.
func (s *Service) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	if !s.Enabled() {
		return nil, apperror.ErrStorageDisabled
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, apperror.NewNotFound("object", key)
		}
		s.log.Error("download failed", slog.String("key", key), logger.Error(err))
		return nil, fmt.Errorf("download %s: %w", key, err)
	}
	return out.Body, nil
}

// Exists reports whether an object is stored under key.
func (s *Service) Exists(ctx context.Context, key string) (bool, error) {
	if !s.Enabled() {
		return false, apperror.ErrStorageDisabled
	}

	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("head %s: %w", key, err)
	}
	return true, nil
}

func isNotFound(err error) bool {
	var nk *types.NoSuchKey
	var nf *types.NotFound
	if errors.As(err, &nk) || errors.As(err, &nf) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "NotFound") || strings.Contains(msg, "StatusCode: 404")
}

// ImportKey builds the archive key for an uploaded file:
// imports/{tenant}/{store}/{yyyy}/{mm}/{dd}/{uuid}-{filename}.
// Tenant-wide uploads use "_" for the store segment.
func ImportKey(s scope.Scope, filename string, now time.Time) string {
	store := s.StoreID
	if store == "" {
		store = "_"
	}
	return fmt.Sprintf("imports/%s/%s/%s/%s-%s",
		s.TenantID, store, now.UTC().Format("2006/01/02"), uuid.NewString(), SanitizeFilename(filename))
}

// OwnedBy reports whether key lies in the tenant's import prefix.
func OwnedBy(key, tenantID string) bool {
	return tenantID != "" && strings.HasPrefix(key, "imports/"+tenantID+"/") && !strings.Contains(key, "..")
}

// SanitizeFilename lowercases filename and replaces anything outside
// [a-z0-9._-] with single underscores.
func SanitizeFilename(filename string) string {
	sanitized := unsafeChars.ReplaceAllString(filename, "_")
	sanitized = underscores.ReplaceAllString(sanitized, "_")
	sanitized = strings.ToLower(strings.Trim(sanitized, "_"))
	if len(sanitized) > 200 {
		sanitized = sanitized[:200]
	}
	if sanitized == "" {
		return "unnamed"
	}
	return sanitized
}
