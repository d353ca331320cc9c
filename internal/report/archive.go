package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"stagegate/internal/common"
	"stagegate/internal/observability"
	"stagegate/pkg/errors"
	"stagegate/pkg/models"
)

// Archiver stores a report document and returns where it went.
type Archiver interface {
	Archive(ctx context.Context, doc Document) (string, error)
}

// objectName is "<yyyy>/<mm>/<dd>/<run or validate>-<timestamp>.json".
func objectName(doc Document) string {
	ts := doc.Summary.GeneratedAt
	id := doc.Summary.RunID
	if id == "" {
		id = "validate"
	}
	return fmt.Sprintf("%s/%s-%s.json", ts.Format("2006/01/02"), id, ts.Format("20060102T150405Z"))
}

// FileArchiver writes documents under a local directory.
type FileArchiver struct {
	Dir string
}

func (f FileArchiver) Archive(_ context.Context, doc Document) (string, error) {
	dest := filepath.Join(f.Dir, filepath.FromSlash(objectName(doc)))
	if err := os.MkdirAll(filepath.Dir(dest), common.DirPermissionNormal); err != nil {
		return "", errors.Wrap(err, errors.ErrCodeInternal, "failed to create report directory")
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(dest, data, common.FilePermissionNormal); err != nil {
		return "", errors.Wrap(err, errors.ErrCodeInternal, "failed to write report").WithContext("path", dest)
	}
	return dest, nil
}

// objectPutter is the part of *minio.Client the archiver uses.
type objectPutter interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucket, object string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// MinioArchiver uploads documents to S3-compatible object storage.
type MinioArchiver struct {
	client objectPutter
	bucket string
	prefix string
	ready  bool
}

// NewMinioArchiver builds an archiver from config. No request is made until Archive.
func NewMinioArchiver(cfg models.ArchiveConfig) (*MinioArchiver, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, errors.ConfigError("archive endpoint and bucket are required", "report.archive")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfigInvalid, "failed to create archive client").
			WithContext("field", "report.archive.endpoint")
	}
	return &MinioArchiver{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (m *MinioArchiver) Archive(ctx context.Context, doc Document) (string, error) {
	if !m.ready {
		exists, err := m.client.BucketExists(ctx, m.bucket)
		if err != nil {
			return "", errors.InfraError("archive storage unavailable", err).WithContext("bucket", m.bucket)
		}
		if !exists {
			if err := m.client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{}); err != nil {
				return "", errors.InfraError("failed to create archive bucket", err).WithContext("bucket", m.bucket)
			}
		}
		m.ready = true
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	key := path.Join(m.prefix, objectName(doc))
	_, err = m.client.PutObject(ctx, m.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return "", errors.InfraError("failed to upload report", err).WithContext("object", key)
	}
	return m.bucket + "/" + key, nil
}

// ArchiveAll hands doc to every archiver. Failures are logged and skipped.
func ArchiveAll(ctx context.Context, doc Document, logger *observability.Logger, archivers ...Archiver) []string {
	var stored []string
	for _, a := range archivers {
		loc, err := a.Archive(ctx, doc)
		if err != nil {
			logger.Warn("report archive failed", observability.Err(err))
			continue
		}
		logger.Info("report archived", observability.String("location", loc))
		stored = append(stored, loc)
	}
	return stored
}
