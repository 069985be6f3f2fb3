package services

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"

	"convertd/config"
)

// CompletedPart is one confirmed part of a multipart upload.
type CompletedPart struct {
	PartNumber int
	ETag       string
}

// S3Service wraps the object store used for client uploads and worker
// transfers. Works against AWS S3 and S3-compatible stores (MinIO, R2,
// Hetzner) via the endpoint and path-style settings.
type S3Service struct {
	client        *s3.S3
	bucket        string
	downloader    *s3manager.Downloader
	uploader      *s3manager.Uploader
	presignExpiry time.Duration
}

func NewS3Service(cfg *config.Config) *S3Service {
	awsCfg := &aws.Config{
		Region: aws.String(cfg.S3Region),
		Credentials: credentials.NewStaticCredentials(
			cfg.S3AccessKey,
			cfg.S3SecretKey,
			"",
		),
	}

	if cfg.S3Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.S3Endpoint)
	}

	if cfg.S3UsePathStyle {
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}

	sess := session.Must(session.NewSession(awsCfg))

	return &S3Service{
		client:        s3.New(sess),
		bucket:        cfg.S3Bucket,
		downloader:    s3manager.NewDownloader(sess),
		uploader:      s3manager.NewUploader(sess),
		presignExpiry: cfg.PresignExpiry,
	}
}

// CreateMultipartUpload starts a multipart upload and returns its id.
func (s *S3Service) CreateMultipartUpload(ctx context.Context, key string) (string, error) {
	out, err := s.client.CreateMultipartUploadWithContext(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		ACL:    aws.String("private"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to create multipart upload for %s: %w", key, err)
	}
	return aws.StringValue(out.UploadId), nil
}

// UploadPartURL returns a presigned PUT URL for one part.
func (s *S3Service) UploadPartURL(key, uploadID string, partNumber int) (string, error) {
	req, _ := s.client.UploadPartRequest(&s3.UploadPartInput{
		Bucket:     aws.String(s.bucket),
		Key:        aws.String(key),
		UploadId:   aws.String(uploadID),
		PartNumber: aws.Int64(int64(partNumber)),
	})
	url, err := req.Presign(s.presignExpiry)
	if err != nil {
		return "", fmt.Errorf("failed to presign part %d of %s: %w", partNumber, key, err)
	}
	return url, nil
}

// CompleteMultipartUpload assembles the uploaded parts into the final
// object. Parts are sorted by number as the store requires.
func (s *S3Service) CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []CompletedPart) error {
	sorted := make([]CompletedPart, len(parts))
	copy(sorted, parts)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].PartNumber < sorted[j].PartNumber })

	s3Parts := make([]*s3.CompletedPart, len(sorted))
	for i, p := range sorted {
		s3Parts[i] = &s3.CompletedPart{
			PartNumber: aws.Int64(int64(p.PartNumber)),
			ETag:       aws.String(p.ETag),
		}
	}
	_, err := s.client.CompleteMultipartUploadWithContext(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(key),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &s3.CompletedMultipartUpload{Parts: s3Parts},
	})
	if err != nil {
		return fmt.Errorf("failed to complete multipart upload %s: %w", uploadID, err)
	}
	return nil
}

// AbortMultipartUpload discards an in-progress upload and its parts.
// Aborting an already-completed or already-aborted upload id is reported
// by the store as NoSuchUpload; that is treated as success so abort stays
// idempotent against finalize races.
func (s *S3Service) AbortMultipartUpload(ctx context.Context, key, uploadID string) error {
	_, err := s.client.AbortMultipartUploadWithContext(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	if err != nil {
		if aerr, ok := err.(awserr.Error); ok && aerr.Code() == s3.ErrCodeNoSuchUpload {
			return nil
		}
		return fmt.Errorf("failed to abort multipart upload %s: %w", uploadID, err)
	}
	return nil
}

// HeadObject returns the size of an object, or an error if it is missing.
func (s *S3Service) HeadObject(ctx context.Context, key string) (int64, error) {
	out, err := s.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to head object %s: %w", key, err)
	}
	return aws.Int64Value(out.ContentLength), nil
}

// PresignedGetURL returns a time-limited download URL for an object.
func (s *S3Service) PresignedGetURL(key string, expires time.Duration) (string, error) {
	req, _ := s.client.GetObjectRequest(&s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	url, err := req.Presign(expires)
	if err != nil {
		return "", fmt.Errorf("failed to presign download for %s: %w", key, err)
	}
	return url, nil
}

// Download fetches an object into a local temp file and returns its path.
func (s *S3Service) Download(ctx context.Context, key string, jobID string, filename string) (string, error) {
	tempDir := filepath.Join(os.TempDir(), "conversions")
	os.MkdirAll(tempDir, 0755)

	localPath := filepath.Join(tempDir, fmt.Sprintf("%s-%s", jobID, filepath.Base(filename)))

	file, err := os.Create(localPath)
	if err != nil {
		return "", fmt.Errorf("failed to create local file: %w", err)
	}
	defer file.Close()

	_, err = s.downloader.DownloadWithContext(ctx, file, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})

	if err != nil {
		return "", fmt.Errorf("failed to download from S3: %w", err)
	}

	return localPath, nil
}

// Upload stores a local file under the given key.
func (s *S3Service) Upload(ctx context.Context, localPath string, key string) error {
	file, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	_, err = s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   file,
	})

	if err != nil {
		return fmt.Errorf("failed to upload to S3: %w", err)
	}

	return nil
}

func (s *S3Service) Cleanup(path string) error {
	if path == "" {
		return nil
	}
	return os.Remove(path)
}
