package bucket

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// MockS3Client is a mock implementation of S3Client for testing
type MockS3Client struct {
	// Objects stores mock objects with their content and metadata
	Objects map[string]*MockS3Object
	// Buckets stores the list of buckets
	Buckets map[string]bool
	// Error to return from operations
	Err error
	// NextVersionID is returned by PutObject when set
	NextVersionID string
	// Track function calls
	HeadBucketCalled    bool
	CreateBucketCalled  bool
	PutObjectCalled     bool
	GetObjectCalled     bool
	DeleteObjectCalled  bool
	ListObjectsV2Called bool
	HeadObjectCalled    bool
	// Store last call parameters
	LastBucket    string
	LastObjectKey string
	LastMetadata  map[string]string
}

// MockS3Object represents a mock object with content and metadata
type MockS3Object struct {
	Key         string
	Content     string
	ContentType string
	Metadata    map[string]string
	Size        int64
	ETag        string
	VersionID   string
}

// NewMockS3Client creates a new mock S3 client
func NewMockS3Client() *MockS3Client {
	return &MockS3Client{
		Objects: make(map[string]*MockS3Object),
		Buckets: make(map[string]bool),
	}
}

// HeadBucket mocks checking bucket existence
func (m *MockS3Client) HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	m.HeadBucketCalled = true
	if params.Bucket != nil {
		m.LastBucket = *params.Bucket
	}
	if m.Err != nil {
		return nil, m.Err
	}
	if params.Bucket != nil && m.Buckets[*params.Bucket] {
		return &s3.HeadBucketOutput{}, nil
	}
	return nil, &types.NoSuchBucket{}
}

// CreateBucket mocks creating a bucket
func (m *MockS3Client) CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error) {
	m.CreateBucketCalled = true
	if params.Bucket != nil {
		m.LastBucket = *params.Bucket
	}
	if m.Err != nil {
		return nil, m.Err
	}
	if params.Bucket != nil {
		m.Buckets[*params.Bucket] = true
	}
	return &s3.CreateBucketOutput{}, nil
}

// PutObject mocks uploading an object
func (m *MockS3Client) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	m.PutObjectCalled = true
	if params.Bucket != nil {
		m.LastBucket = *params.Bucket
	}
	if params.Key != nil {
		m.LastObjectKey = *params.Key
	}
	if params.Metadata != nil {
		m.LastMetadata = params.Metadata
	}
	if m.Err != nil {
		return nil, m.Err
	}

	content := ""
	if params.Body != nil {
		data, err := io.ReadAll(params.Body)
		if err == nil {
			content = string(data)
		}
	}

	contentType := ""
	if params.ContentType != nil {
		contentType = *params.ContentType
	}

	etag := fmt.Sprintf("\"mock-etag-%d\"", len(content))
	if params.Key != nil {
		m.Objects[*params.Key] = &MockS3Object{
			Key:         *params.Key,
			Content:     content,
			ContentType: contentType,
			Metadata:    params.Metadata,
			Size:        int64(len(content)),
			ETag:        etag,
			VersionID:   m.NextVersionID,
		}
	}

	out := &s3.PutObjectOutput{ETag: aws.String(etag)}
	if m.NextVersionID != "" {
		out.VersionId = aws.String(m.NextVersionID)
	}
	return out, nil
}

// GetObject mocks retrieving an object
func (m *MockS3Client) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.GetObjectCalled = true
	if params.Bucket != nil {
		m.LastBucket = *params.Bucket
	}
	if params.Key != nil {
		m.LastObjectKey = *params.Key
	}
	if m.Err != nil {
		return nil, m.Err
	}

	if params.Key != nil {
		if obj, exists := m.Objects[*params.Key]; exists {
			return &s3.GetObjectOutput{
				Body:          io.NopCloser(strings.NewReader(obj.Content)),
				ContentLength: aws.Int64(obj.Size),
				ContentType:   aws.String(obj.ContentType),
				ETag:          aws.String(obj.ETag),
				Metadata:      obj.Metadata,
			}, nil
		}
	}
	return nil, &types.NoSuchKey{}
}

// DeleteObject mocks removing an object
func (m *MockS3Client) DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	m.DeleteObjectCalled = true
	if params.Bucket != nil {
		m.LastBucket = *params.Bucket
	}
	if params.Key != nil {
		m.LastObjectKey = *params.Key
	}
	if m.Err != nil {
		return nil, m.Err
	}
	if params.Key != nil {
		delete(m.Objects, *params.Key)
	}
	return &s3.DeleteObjectOutput{}, nil
}

// ListObjectsV2 mocks listing objects
func (m *MockS3Client) ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	m.ListObjectsV2Called = true
	if params.Bucket != nil {
		m.LastBucket = *params.Bucket
	}
	if m.Err != nil {
		return nil, m.Err
	}

	prefix := ""
	if params.Prefix != nil {
		prefix = *params.Prefix
	}

	var contents []types.Object
	for key, obj := range m.Objects {
		if prefix == "" || strings.HasPrefix(key, prefix) {
			contents = append(contents, types.Object{
				Key:  aws.String(obj.Key),
				Size: aws.Int64(obj.Size),
				ETag: aws.String(obj.ETag),
			})
		}
	}
	return &s3.ListObjectsV2Output{Contents: contents}, nil
}

// HeadObject mocks retrieving object metadata
func (m *MockS3Client) HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	m.HeadObjectCalled = true
	if params.Bucket != nil {
		m.LastBucket = *params.Bucket
	}
	if params.Key != nil {
		m.LastObjectKey = *params.Key
	}
	if m.Err != nil {
		return nil, m.Err
	}

	if params.Key != nil {
		if obj, exists := m.Objects[*params.Key]; exists {
			return &s3.HeadObjectOutput{
				ContentLength: aws.Int64(obj.Size),
				ContentType:   aws.String(obj.ContentType),
				ETag:          aws.String(obj.ETag),
				Metadata:      obj.Metadata,
			}, nil
		}
	}
	return nil, &types.NoSuchKey{}
}

// Upload mocks a multipart upload by delegating to PutObject
func (m *MockS3Client) Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error) {
	out, err := m.PutObject(ctx, input)
	if err != nil {
		return nil, err
	}
	upload := &manager.UploadOutput{ETag: out.ETag}
	if out.VersionId != nil {
		upload.VersionID = out.VersionId
	}
	return upload, nil
}

// PresignGetObject mocks a download URL
func (m *MockS3Client) PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	return &v4.PresignedHTTPRequest{
		URL:    fmt.Sprintf("http://mock-s3/%s/%s?X-Amz-Signature=mock", *params.Bucket, *params.Key),
		Method: "GET",
	}, nil
}

// PresignPutObject mocks an upload URL
func (m *MockS3Client) PresignPutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	return &v4.PresignedHTTPRequest{
		URL:    fmt.Sprintf("http://mock-s3/%s/%s?X-Amz-Signature=mock", *params.Bucket, *params.Key),
		Method: "PUT",
	}, nil
}
