package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// mockS3Client implements S3API for unit testing.
type mockS3Client struct {
	mu      sync.Mutex
	objects map[string][]byte
	// pageSize limits ListObjectsV2 pages so pagination gets exercised.
	pageSize int
	// copyObjectCalls tracks the number of CopyObject calls.
	copyObjectCalls int
	// listCalls tracks the number of ListObjectsV2 calls.
	listCalls int
}

func newMockS3Client() *mockS3Client {
	return &mockS3Client{objects: make(map[string][]byte), pageSize: 1000}
}

func (m *mockS3Client) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[aws.ToString(params.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (m *mockS3Client) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[aws.ToString(params.Key)]
	if !ok {
		return nil, &mockAPIError{code: "NoSuchKey", message: "The specified key does not exist.", httpStatus: 404}
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(data)),
		ContentLength: aws.Int64(int64(len(data))),
	}, nil
}

func (m *mockS3Client) HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[aws.ToString(params.Key)]
	if !ok {
		return nil, &mockAPIError{code: "NotFound", message: "Not Found", httpStatus: 404}
	}
	return &s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(data)))}, nil
}

func (m *mockS3Client) CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.copyObjectCalls++
	// CopySource format: "bucket/key"
	parts := strings.SplitN(aws.ToString(params.CopySource), "/", 2)
	if len(parts) < 2 {
		return nil, &mockAPIError{code: "NoSuchKey", message: "Invalid copy source", httpStatus: 404}
	}
	data, ok := m.objects[parts[1]]
	if !ok {
		return nil, &mockAPIError{code: "NoSuchKey", message: "The specified key does not exist.", httpStatus: 404}
	}
	m.objects[aws.ToString(params.Key)] = append([]byte(nil), data...)
	return &s3.CopyObjectOutput{}, nil
}

func (m *mockS3Client) DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, obj := range params.Delete.Objects {
		delete(m.objects, aws.ToString(obj.Key))
	}
	return &s3.DeleteObjectsOutput{}, nil
}

func (m *mockS3Client) HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	return &s3.HeadBucketOutput{}, nil
}

func (m *mockS3Client) ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listCalls++

	prefix := aws.ToString(params.Prefix)
	after := aws.ToString(params.StartAfter)
	if tok := aws.ToString(params.ContinuationToken); tok != "" {
		after = tok
	}
	var keys []string
	for key := range m.objects {
		if strings.HasPrefix(key, prefix) && key > after {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	if len(keys) > m.pageSize {
		keys = keys[:m.pageSize]
		out.IsTruncated = aws.Bool(true)
		out.NextContinuationToken = aws.String(keys[len(keys)-1])
	}
	for _, key := range keys {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(key)})
	}
	return out, nil
}

// mockAPIError implements smithy.APIError for the mock client.
type mockAPIError struct {
	code       string
	message    string
	httpStatus int
}

func (e *mockAPIError) Error() string {
	return fmt.Sprintf("%s: %s", e.code, e.message)
}

func (e *mockAPIError) ErrorCode() string {
	return e.code
}

func (e *mockAPIError) ErrorMessage() string {
	return e.message
}

func (e *mockAPIError) ErrorFault() smithy.ErrorFault {
	if e.httpStatus >= 500 {
		return smithy.FaultServer
	}
	return smithy.FaultClient
}

var _ smithy.APIError = (*mockAPIError)(nil)

func TestAWSChunkNames(t *testing.T) {
	mock := newMockS3Client()
	b := NewAWSChunkStoreWithClient("upstream", "us-east-1", "cv/", mock)
	ctx := context.Background()

	if err := b.PutChunk(ctx, 0xab, 3, []byte("x")); err != nil {
		t.Fatalf("PutChunk: %v", err)
	}
	want := "cv/00000000000000ab/00000003"
	if _, ok := mock.objects[want]; !ok {
		t.Errorf("objects = %v, want key %q", mock.objects, want)
	}
}

func TestAWSDeleteChunksPaginates(t *testing.T) {
	mock := newMockS3Client()
	mock.pageSize = 2
	b := NewAWSChunkStoreWithClient("upstream", "us-east-1", "", mock)
	ctx := context.Background()

	for idx := uint32(0); idx < 7; idx++ {
		if err := b.PutChunk(ctx, 1, idx, []byte{byte(idx)}); err != nil {
			t.Fatalf("PutChunk(%d): %v", idx, err)
		}
	}
	if err := b.DeleteChunks(ctx, 1, 2); err != nil {
		t.Fatalf("DeleteChunks: %v", err)
	}
	if len(mock.objects) != 2 {
		t.Errorf("remaining objects = %d, want 2", len(mock.objects))
	}
	if mock.listCalls < 3 {
		t.Errorf("listCalls = %d, want paginated listing", mock.listCalls)
	}
}

func TestAWSCopyIsServerSide(t *testing.T) {
	mock := newMockS3Client()
	b := NewAWSChunkStoreWithClient("upstream", "us-east-1", "", mock)
	ctx := context.Background()

	for idx := uint32(0); idx < 3; idx++ {
		b.PutChunk(ctx, 1, idx, []byte("chunk"))
	}
	if err := b.CopyChunks(ctx, 1, 2, 3); err != nil {
		t.Fatalf("CopyChunks: %v", err)
	}
	if mock.copyObjectCalls != 3 {
		t.Errorf("copyObjectCalls = %d, want 3", mock.copyObjectCalls)
	}
}

func TestIsAWSNotFound(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{&mockAPIError{code: "NoSuchKey"}, true},
		{&mockAPIError{code: "NotFound"}, true},
		{&mockAPIError{code: "AccessDenied", httpStatus: 403}, false},
		{fmt.Errorf("wrapped: %w", &mockAPIError{code: "NoSuchKey"}), true},
		{fmt.Errorf("plain"), false},
	}
	for _, tt := range tests {
		if got := isAWSNotFound(tt.err); got != tt.want {
			t.Errorf("isAWSNotFound(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
