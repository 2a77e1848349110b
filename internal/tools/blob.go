package tools

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"github.com/mcsuite/mcs-orchestrator/internal/domain"
)

// BlobStore persists attachment bytes and serves them by URL to the LLM.
type BlobStore interface {
	// Upload stores the bytes and returns a result carrying the public URL.
	Upload(ctx context.Context, data []byte, filename, contentType, sha256Hex string) *domain.FileUploadResult
	// Save writes bytes under baseDir/subDir, resolving name collisions with
	// a timestamp suffix. Returns the relative path subDir/filename.
	Save(data []byte, baseDir, subDir, filename string) (string, error)
	// Read returns the bytes at baseDir/relPath.
	Read(baseDir, relPath string) ([]byte, error)
}

// SHA256Hex returns the lowercase hex SHA-256 of data.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// timestampSuffix disambiguates colliding filenames deterministically by
// wall clock: name.pdf becomes name_20260826_153000.pdf.
func timestampSuffix(filename string, now time.Time) string {
	ext := filepath.Ext(filename)
	stem := strings.TrimSuffix(filename, ext)
	return fmt.Sprintf("%s_%s%s", stem, now.Format("20060102_150405"), ext)
}

// LocalBlobStore keeps blobs on the local filesystem and serves them from a
// public base URL.
type LocalBlobStore struct {
	baseDir       string
	publicBaseURL string
}

// NewLocalBlobStore creates a disk-backed blob store.
func NewLocalBlobStore(baseDir, publicBaseURL string) *LocalBlobStore {
	return &LocalBlobStore{
		baseDir:       baseDir,
		publicBaseURL: strings.TrimRight(publicBaseURL, "/"),
	}
}

// Upload writes data under a fresh file id directory and returns its URL.
func (s *LocalBlobStore) Upload(_ context.Context, data []byte, filename, _ string, sha256Hex string) *domain.FileUploadResult {
	if sha256Hex == "" {
		sha256Hex = SHA256Hex(data)
	}
	fileID := uuid.New().String()
	relPath, err := s.Save(data, s.baseDir, fileID, filename)
	if err != nil {
		return &domain.FileUploadResult{
			OK: false,
			Errors: []domain.ErrorInfo{{
				Code:    domain.CodeFileUploadFailed,
				Reason:  fmt.Sprintf("File upload failed: %v", err),
				Details: map[string]any{"filename": filename},
			}},
		}
	}
	return &domain.FileUploadResult{
		OK:      true,
		FileURL: s.publicBaseURL + "/" + relPath,
		FileID:  fileID,
		SHA256:  sha256Hex,
	}
}

// Save writes data to baseDir/subDir/filename.
func (s *LocalBlobStore) Save(data []byte, baseDir, subDir, filename string) (string, error) {
	targetDir := filepath.Join(baseDir, subDir)
	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return "", fmt.Errorf("blob: create dir %s: %w", targetDir, err)
	}

	path := filepath.Join(targetDir, filename)
	if _, err := os.Stat(path); err == nil {
		filename = timestampSuffix(filename, time.Now())
		path = filepath.Join(targetDir, filename)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("blob: write %s: %w", path, err)
	}
	return subDir + "/" + filename, nil
}

// Read returns the bytes at baseDir/relPath.
func (s *LocalBlobStore) Read(baseDir, relPath string) ([]byte, error) {
	path := filepath.Join(baseDir, relPath)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("blob: not found: %s", relPath)
		}
		return nil, fmt.Errorf("blob: read %s: %w", path, err)
	}
	return data, nil
}

// S3BlobStore stores blobs in an S3 bucket. Save and Read still operate on
// the local spool directory: listener sweeps persist raw attachments to
// disk while uploads destined for the LLM go to the bucket.
type S3BlobStore struct {
	client        *s3.Client
	bucket        string
	prefix        string
	publicBaseURL string
	local         *LocalBlobStore
}

// NewS3BlobStore creates an S3-backed blob store using the default AWS
// credential chain.
func NewS3BlobStore(ctx context.Context, bucket, prefix, region, publicBaseURL, spoolDir string) (*S3BlobStore, error) {
	if region == "" {
		region = os.Getenv("AWS_REGION")
		if region == "" {
			region = "us-east-1"
		}
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("blob: load AWS config: %w", err)
	}
	return &S3BlobStore{
		client:        s3.NewFromConfig(awsCfg),
		bucket:        bucket,
		prefix:        strings.Trim(prefix, "/"),
		publicBaseURL: strings.TrimRight(publicBaseURL, "/"),
		local:         NewLocalBlobStore(spoolDir, publicBaseURL),
	}, nil
}

// Upload puts the object under prefix/fileID/filename.
func (s *S3BlobStore) Upload(ctx context.Context, data []byte, filename, contentType, sha256Hex string) *domain.FileUploadResult {
	if sha256Hex == "" {
		sha256Hex = SHA256Hex(data)
	}
	fileID := uuid.New().String()
	key := fileID + "/" + filename
	if s.prefix != "" {
		key = s.prefix + "/" + key
	}

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return &domain.FileUploadResult{
			OK: false,
			Errors: []domain.ErrorInfo{{
				Code:    domain.CodeFileUploadFailed,
				Reason:  fmt.Sprintf("File upload failed: %v", err),
				Details: map[string]any{"filename": filename, "bucket": s.bucket},
			}},
		}
	}

	url := s.publicBaseURL + "/" + key
	if s.publicBaseURL == "" {
		url = fmt.Sprintf("https://%s.s3.amazonaws.com/%s", s.bucket, key)
	}
	return &domain.FileUploadResult{
		OK:      true,
		FileURL: url,
		FileID:  fileID,
		SHA256:  sha256Hex,
	}
}

// Save spools bytes to the local directory.
func (s *S3BlobStore) Save(data []byte, baseDir, subDir, filename string) (string, error) {
	return s.local.Save(data, baseDir, subDir, filename)
}

// Read reads bytes from the local spool.
func (s *S3BlobStore) Read(baseDir, relPath string) ([]byte, error) {
	return s.local.Read(baseDir, relPath)
}
