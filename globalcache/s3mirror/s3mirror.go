// Package s3mirror keeps an optional, best-effort secondary copy of
// global cache entries in an S3-compatible bucket (AWS S3, Cloudflare
// R2). It is a warm-start convenience for sharing a global cache
// across machines, wired through globalcache.Cache rather than
// replacing it: local misses consult the bucket, local writes
// best-effort upload to it.
package s3mirror

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
)

// Config controls connection and transfer behavior for the mirror
// bucket. Endpoint is left to the caller so this package works against
// R2, S3, or any S3-compatible provider.
type Config struct {
	Endpoint  string // e.g. https://<account>.r2.cloudflarestorage.com
	Region    string // "auto" for R2
	AccessKey string
	SecretKey string
	Bucket    string
	KeyPrefix string

	UploadPartSize      int64
	UploadConcurrency   int
	DownloadPartSize    int64
	DownloadConcurrency int
}

// Mirror is a best-effort secondary copy of global cache entries.
type Mirror struct {
	cfg    Config
	client *s3.Client
	upldr  *manager.Uploader
	dl     *manager.Downloader
}

func New(ctx context.Context, cfg Config) (*Mirror, error) {
	if cfg.Region == "" {
		cfg.Region = "auto"
	}
	if cfg.Bucket == "" || cfg.Endpoint == "" || cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, errors.New("s3mirror: missing required config fields")
	}

	awsCfg, err := config.LoadDefaultConfig(
		ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("s3mirror: load aws config: %w", err)
	}

	s3c := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(cfg.Endpoint)
		o.UsePathStyle = true
	})

	upPart := cfg.UploadPartSize
	if upPart <= 0 {
		upPart = 8 << 20
	}
	upConc := cfg.UploadConcurrency
	if upConc <= 0 {
		upConc = 4
	}
	downPart := cfg.DownloadPartSize
	if downPart <= 0 {
		downPart = 8 << 20
	}
	downConc := cfg.DownloadConcurrency
	if downConc <= 0 {
		downConc = 4
	}

	upldr := manager.NewUploader(s3c, func(u *manager.Uploader) {
		u.PartSize = upPart
		u.Concurrency = upConc
	})
	dl := manager.NewDownloader(s3c, func(d *manager.Downloader) {
		d.PartSize = downPart
		d.Concurrency = downConc
	})

	return &Mirror{cfg: cfg, client: s3c, upldr: upldr, dl: dl}, nil
}

// Key maps a cache-relative path (the string GlobalCache stores
// content under, relative to its root) to a bucket key.
func (m *Mirror) Key(relPath string) string {
	if m.cfg.KeyPrefix == "" {
		return relPath
	}
	return m.cfg.KeyPrefix + "/" + relPath
}

// UploadContent pushes content bytes to the mirror, idempotently: a
// second upload for the same key is a no-op, so concurrent writers
// racing on the same entry don't clobber each other's object
// metadata.
func (m *Mirror) UploadContent(ctx context.Context, relPath string, content []byte) error {
	key := m.Key(relPath)
	exists, err := m.exists(ctx, key)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	_, err = m.upldr.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(m.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(content),
		IfNoneMatch: aws.String("*"),
	})
	if isPreconditionFailed(err) {
		return nil
	}
	return err
}

// DownloadContent pulls content bytes for relPath, or reports a miss
// via the bool return.
func (m *Mirror) DownloadContent(ctx context.Context, relPath string) ([]byte, bool, error) {
	key := m.Key(relPath)
	buf := manager.NewWriteAtBuffer(nil)
	_, err := m.dl.Download(ctx, buf, &s3.GetObjectInput{
		Bucket: aws.String(m.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if notFound(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("s3mirror: download key=%s: %w", key, err)
	}
	return buf.Bytes(), true, nil
}

// headerKey derives the bucket key the response header map is stored
// under for relPath, mirroring the ".metadata.json" sidecar naming the
// on-disk cache uses for the same purpose.
func headerKey(relPath string) string {
	return relPath + ".headers.json"
}

// UploadHeaders pushes headers as JSON under relPath's header key,
// idempotently like UploadContent.
func (m *Mirror) UploadHeaders(ctx context.Context, relPath string, headers map[string]string) error {
	b, err := json.Marshal(headers)
	if err != nil {
		return fmt.Errorf("s3mirror: marshal headers for %s: %w", relPath, err)
	}
	return m.UploadContent(ctx, headerKey(relPath), b)
}

// DownloadHeaders fetches and decodes the header map for relPath, or
// reports a miss via the bool return.
func (m *Mirror) DownloadHeaders(ctx context.Context, relPath string) (map[string]string, bool, error) {
	b, ok, err := m.DownloadContent(ctx, headerKey(relPath))
	if err != nil || !ok {
		return nil, ok, err
	}
	var headers map[string]string
	if err := json.Unmarshal(b, &headers); err != nil {
		return nil, false, fmt.Errorf("s3mirror: unmarshal headers for %s: %w", relPath, err)
	}
	return headers, true, nil
}

func (m *Mirror) exists(ctx context.Context, key string) (bool, error) {
	_, err := m.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(m.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if notFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("s3mirror: head key=%s: %w", key, err)
	}
	return true, nil
}

func notFound(err error) bool {
	var re *smithyhttp.ResponseError
	if errors.As(err, &re) && re.Response.StatusCode == http.StatusNotFound {
		return true
	}
	var api smithy.APIError
	if errors.As(err, &api) && api.ErrorCode() == "NoSuchKey" {
		return true
	}
	return false
}

func isPreconditionFailed(err error) bool {
	var re *smithyhttp.ResponseError
	if errors.As(err, &re) && re.HTTPStatusCode() == http.StatusPreconditionFailed {
		return true
	}
	return false
}
