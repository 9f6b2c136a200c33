package bucket

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"kalpana.dev/common"
	"kalpana.dev/containers"
	"kalpana.dev/db"
)

// Object service errors.
var (
	ErrObjectNotFound = errors.New("object not found")
	ErrInvalidKey     = errors.New("invalid object key")
	ErrBucketFull     = errors.New("bucket size limit exceeded")
	ErrBucketOffline  = errors.New("bucket has no running server")
)

const defaultPresignExpiry = 15 * time.Minute

// ObjectInfo summarizes one stored object.
type ObjectInfo struct {
	Key         string `json:"key"`
	Size        int64  `json:"size"`
	ContentType string `json:"contentType,omitempty"`
	ETag        string `json:"etag,omitempty"`
}

// Service is the object service in front of managed MinIO containers. Every
// mutation updates the object index rows and the bucket's aggregates.
type Service struct {
	store *db.Store

	// newClient builds an S3 client for a bucket endpoint. Overridable in
	// tests.
	newClient func(endpoint, region, accessKey, secretKey string) (S3Client, Presigner, Uploader, error)

	log *logrus.Entry
}

// NewService wires the object service.
func NewService(store *db.Store, logger *logrus.Logger) *Service {
	if logger == nil {
		logger = common.Logger
	}
	return &Service{
		store:     store,
		newClient: NewS3Client,
		log:       common.ServiceLogger(logger, "bucket"),
	}
}

// Upload stores an object and records it in the object index. The body is
// buffered to enforce the bucket's size limit before anything is written.
func (s *Service) Upload(ctx context.Context, bucketID, key, contentType string, body io.Reader) (*db.BucketObject, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}

	row, client, _, _, err := s.clientFor(ctx, bucketID)
	if err != nil {
		return nil, err
	}

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("failed to read upload body: %w", err)
	}
	size := int64(len(data))
	if row.MaxSizeBytes != nil && row.TotalSizeBytes+size > *row.MaxSizeBytes {
		return nil, ErrBucketFull
	}

	name := bucketName(row)
	if err := s.ensureBucket(ctx, client, name); err != nil {
		return nil, err
	}

	input := &s3.PutObjectInput{
		Bucket: aws.String(name),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if row.Encryption {
		input.ServerSideEncryption = types.ServerSideEncryptionAes256
	}

	out, err := client.PutObject(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to upload object: %w", err)
	}

	obj := &db.BucketObject{
		ID:          uuid.NewString(),
		BucketID:    bucketID,
		Key:         key,
		Size:        size,
		ContentType: contentType,
		IsPublic:    row.PublicAccess,
	}
	if out.ETag != nil {
		obj.ETag = strings.Trim(*out.ETag, `"`)
	}
	if row.Versioning && out.VersionId != nil {
		obj.VersionID = *out.VersionId
	}
	if err := s.store.UpsertBucketObject(ctx, obj); err != nil {
		return nil, fmt.Errorf("failed to index object: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"bucket": bucketID,
		"key":    key,
		"size":   humanize.Bytes(uint64(size)),
	}).Info("object uploaded")
	return obj, nil
}

// UploadStream stores an object without buffering it, using multipart
// upload for large bodies. Size limits cannot be checked up front; the
// final size comes from a HeadObject after the upload completes.
func (s *Service) UploadStream(ctx context.Context, bucketID, key, contentType string, body io.Reader) (*db.BucketObject, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}

	row, client, _, uploader, err := s.clientFor(ctx, bucketID)
	if err != nil {
		return nil, err
	}

	name := bucketName(row)
	if err := s.ensureBucket(ctx, client, name); err != nil {
		return nil, err
	}

	input := &s3.PutObjectInput{
		Bucket: aws.String(name),
		Key:    aws.String(key),
		Body:   body,
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if row.Encryption {
		input.ServerSideEncryption = types.ServerSideEncryptionAes256
	}

	out, err := uploader.Upload(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to upload object: %w", err)
	}

	obj := &db.BucketObject{
		ID:          uuid.NewString(),
		BucketID:    bucketID,
		Key:         key,
		ContentType: contentType,
		IsPublic:    row.PublicAccess,
	}
	if out.ETag != nil {
		obj.ETag = strings.Trim(*out.ETag, `"`)
	}
	if row.Versioning && out.VersionID != nil {
		obj.VersionID = *out.VersionID
	}

	head, err := client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(name),
		Key:    aws.String(key),
	})
	if err == nil && head.ContentLength != nil {
		obj.Size = *head.ContentLength
	}

	if err := s.store.UpsertBucketObject(ctx, obj); err != nil {
		return nil, fmt.Errorf("failed to index object: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"bucket": bucketID,
		"key":    key,
		"size":   humanize.Bytes(uint64(obj.Size)),
	}).Info("object uploaded")
	return obj, nil
}

// Download returns an object's body and summary. The caller must close the
// reader.
func (s *Service) Download(ctx context.Context, bucketID, key, versionID string) (io.ReadCloser, *ObjectInfo, error) {
	if err := validateKey(key); err != nil {
		return nil, nil, err
	}

	row, client, _, _, err := s.clientFor(ctx, bucketID)
	if err != nil {
		return nil, nil, err
	}

	input := &s3.GetObjectInput{
		Bucket: aws.String(bucketName(row)),
		Key:    aws.String(key),
	}
	if versionID != "" {
		input.VersionId = aws.String(versionID)
	}

	out, err := client.GetObject(ctx, input)
	if err != nil {
		return nil, nil, mapNotFound(err, key)
	}

	info := &ObjectInfo{Key: key}
	if out.ContentLength != nil {
		info.Size = *out.ContentLength
	}
	if out.ContentType != nil {
		info.ContentType = *out.ContentType
	}
	if out.ETag != nil {
		info.ETag = strings.Trim(*out.ETag, `"`)
	}
	return out.Body, info, nil
}

// Delete removes an object from the server and the index. Deleting a
// missing object is not an error.
func (s *Service) Delete(ctx context.Context, bucketID, key, versionID string) error {
	if err := validateKey(key); err != nil {
		return err
	}

	row, client, _, _, err := s.clientFor(ctx, bucketID)
	if err != nil {
		return err
	}

	input := &s3.DeleteObjectInput{
		Bucket: aws.String(bucketName(row)),
		Key:    aws.String(key),
	}
	if versionID != "" {
		input.VersionId = aws.String(versionID)
	}
	if _, err := client.DeleteObject(ctx, input); err != nil {
		return fmt.Errorf("failed to delete object: %w", err)
	}

	if err := s.store.DeleteBucketObject(ctx, bucketID, key, versionID); err != nil {
		return fmt.Errorf("failed to remove object index: %w", err)
	}
	return nil
}

// List returns the objects under a prefix, straight from the server.
func (s *Service) List(ctx context.Context, bucketID, prefix string) ([]ObjectInfo, error) {
	row, client, _, _, err := s.clientFor(ctx, bucketID)
	if err != nil {
		return nil, err
	}

	input := &s3.ListObjectsV2Input{Bucket: aws.String(bucketName(row))}
	if prefix != "" {
		input.Prefix = aws.String(prefix)
	}

	out, err := client.ListObjectsV2(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to list objects: %w", err)
	}

	infos := make([]ObjectInfo, 0, len(out.Contents))
	for _, item := range out.Contents {
		info := ObjectInfo{}
		if item.Key != nil {
			info.Key = *item.Key
		}
		if item.Size != nil {
			info.Size = *item.Size
		}
		if item.ETag != nil {
			info.ETag = strings.Trim(*item.ETag, `"`)
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// Stat returns an object's metadata without its body.
func (s *Service) Stat(ctx context.Context, bucketID, key string) (*ObjectInfo, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}

	row, client, _, _, err := s.clientFor(ctx, bucketID)
	if err != nil {
		return nil, err
	}

	out, err := client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucketName(row)),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, mapNotFound(err, key)
	}

	info := &ObjectInfo{Key: key}
	if out.ContentLength != nil {
		info.Size = *out.ContentLength
	}
	if out.ContentType != nil {
		info.ContentType = *out.ContentType
	}
	if out.ETag != nil {
		info.ETag = strings.Trim(*out.ETag, `"`)
	}
	return info, nil
}

// PresignDownload returns a time-limited URL for a direct download.
func (s *Service) PresignDownload(ctx context.Context, bucketID, key string, expires time.Duration) (string, error) {
	if err := validateKey(key); err != nil {
		return "", err
	}
	if expires <= 0 {
		expires = defaultPresignExpiry
	}

	row, _, presigner, _, err := s.clientFor(ctx, bucketID)
	if err != nil {
		return "", err
	}

	req, err := presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucketName(row)),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(expires))
	if err != nil {
		return "", fmt.Errorf("failed to presign download: %w", err)
	}
	return req.URL, nil
}

// PresignUpload returns a time-limited URL for a direct upload.
func (s *Service) PresignUpload(ctx context.Context, bucketID, key string, expires time.Duration) (string, error) {
	if err := validateKey(key); err != nil {
		return "", err
	}
	if expires <= 0 {
		expires = defaultPresignExpiry
	}

	row, _, presigner, _, err := s.clientFor(ctx, bucketID)
	if err != nil {
		return "", err
	}

	req, err := presigner.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucketName(row)),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(expires))
	if err != nil {
		return "", fmt.Errorf("failed to presign upload: %w", err)
	}
	return req.URL, nil
}

// clientFor loads the bucket row and builds a client for its endpoint.
func (s *Service) clientFor(ctx context.Context, bucketID string) (*db.Bucket, S3Client, Presigner, Uploader, error) {
	row, err := db.FindByID[db.Bucket](ctx, s.store, bucketID)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	if row.APIPort == nil {
		return nil, nil, nil, nil, ErrBucketOffline
	}

	endpoint := fmt.Sprintf("http://localhost:%d", *row.APIPort)
	client, presigner, uploader, err := s.newClient(endpoint, row.Region, row.AccessKey, row.SecretKey)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to build s3 client: %w", err)
	}
	return row, client, presigner, uploader, nil
}

// ensureBucket creates the backing bucket on first use.
func (s *Service) ensureBucket(ctx context.Context, client S3Client, name string) error {
	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(name)}); err == nil {
		return nil
	}
	if _, err := client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(name)}); err != nil {
		return fmt.Errorf("failed to create bucket: %w", err)
	}
	return nil
}

// bucketName derives the server-side bucket name from the resource name.
func bucketName(row *db.Bucket) string {
	return containers.SanitizeName(row.Name)
}

// validateKey rejects empty, traversing, or absolute object keys.
func validateKey(key string) error {
	if key == "" || len(key) > 1024 {
		return ErrInvalidKey
	}
	if strings.HasPrefix(key, "/") {
		return ErrInvalidKey
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." || part == "" {
			return ErrInvalidKey
		}
	}
	return nil
}

// mapNotFound translates the SDK's missing-key errors.
func mapNotFound(err error, key string) error {
	var noKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noKey) || errors.As(err, &notFound) {
		return fmt.Errorf("%w: %s", ErrObjectNotFound, key)
	}
	return err
}
