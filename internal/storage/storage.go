// Package storage archives finished sweep reports and their command logs to
// S3-compatible object storage.
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/therealutkarshpriyadarshi/ratesweep/internal/config"
	"github.com/therealutkarshpriyadarshi/ratesweep/internal/logging"
	"github.com/therealutkarshpriyadarshi/ratesweep/internal/metrics"
	"github.com/therealutkarshpriyadarshi/ratesweep/pkg/models"
)

const reportsPrefix = "reports"

// Storage provides object storage operations
type Storage struct {
	client     *minio.Client
	bucketName string
	logger     *logging.Logger
}

// New creates a new storage client and makes sure the bucket exists
func New(ctx context.Context, cfg config.StorageConfig, logger *logging.Logger) (*Storage, error) {
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.BucketName)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket existence: %w", err)
	}

	if !exists {
		err = client.MakeBucket(ctx, cfg.BucketName, minio.MakeBucketOptions{
			Region: cfg.Region,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return &Storage{
		client:     client,
		bucketName: cfg.BucketName,
		logger:     logger.WithComponent("storage"),
	}, nil
}

// ReportKey is the object name of a job's report.
func ReportKey(jobID string) string {
	return path.Join(reportsPrefix, jobID, "report.json")
}

// ArtifactKey is the object name of a file from a job's work directory.
func ArtifactKey(jobID, name string) string {
	return path.Join(reportsPrefix, jobID, "logs", filepath.Base(name))
}

// ExportReport uploads the report as JSON
func (s *Storage) ExportReport(ctx context.Context, report *models.Report) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	key := ReportKey(report.JobID)
	start := time.Now()
	_, err = s.client.PutObject(ctx, s.bucketName, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: getContentType(key),
		UserMetadata: map[string]string{
			"job-id":         report.JobID,
			"parameter-mode": string(report.ParameterMode),
		},
	})
	metrics.RecordStorageOperation("upload", int64(len(data)), err)
	s.logger.LogStorageOperation("upload", s.bucketName, key, int64(len(data)), time.Since(start), err)
	if err != nil {
		return fmt.Errorf("failed to upload report: %w", err)
	}

	return nil
}

// ExportArtifacts uploads the command and metric logs found in workDir.
// Encoded bitstreams are left behind. It returns the number of files uploaded.
func (s *Storage) ExportArtifacts(ctx context.Context, jobID, workDir string) (int, error) {
	files, err := artifactFiles(workDir)
	if err != nil {
		return 0, err
	}

	uploaded := 0
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return uploaded, err
		}
		if err := s.UploadFile(ctx, ArtifactKey(jobID, file), file); err != nil {
			return uploaded, err
		}
		uploaded++
	}
	return uploaded, nil
}

func artifactFiles(workDir string) ([]string, error) {
	entries, err := os.ReadDir(workDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read work directory: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".log", ".json", ".csv":
			files = append(files, filepath.Join(workDir, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

// UploadFile uploads a file from local filesystem
func (s *Storage) UploadFile(ctx context.Context, objectName, filePath string) error {
	start := time.Now()
	info, err := s.client.FPutObject(ctx, s.bucketName, objectName, filePath, minio.PutObjectOptions{
		ContentType: getContentType(filePath),
	})
	metrics.RecordStorageOperation("upload", info.Size, err)
	s.logger.LogStorageOperation("upload", s.bucketName, objectName, info.Size, time.Since(start), err)
	if err != nil {
		return fmt.Errorf("failed to upload file: %w", err)
	}

	return nil
}

// GetURL returns a presigned URL for a job's report
func (s *Storage) GetURL(ctx context.Context, jobID string, expiry time.Duration) (string, error) {
	url, err := s.client.PresignedGetObject(ctx, s.bucketName, ReportKey(jobID), expiry, nil)
	if err != nil {
		return "", fmt.Errorf("failed to generate URL: %w", err)
	}

	return url.String(), nil
}

// List lists exported object names for a job
func (s *Storage) List(ctx context.Context, jobID string) ([]string, error) {
	var objects []string

	for object := range s.client.ListObjects(ctx, s.bucketName, minio.ListObjectsOptions{
		Prefix:    path.Join(reportsPrefix, jobID) + "/",
		Recursive: true,
	}) {
		if object.Err != nil {
			return nil, fmt.Errorf("failed to list objects: %w", object.Err)
		}
		objects = append(objects, object.Key)
	}

	return objects, nil
}

// getContentType returns the content type based on file extension
func getContentType(filePath string) string {
	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".json":
		return "application/json"
	case ".log":
		return "text/plain; charset=utf-8"
	case ".csv":
		return "text/csv"
	case ".mp4":
		return "video/mp4"
	case ".mkv":
		return "video/x-matroska"
	case ".h264":
		return "video/h264"
	case ".h265", ".hevc":
		return "video/h265"
	default:
		return "application/octet-stream"
	}
}
