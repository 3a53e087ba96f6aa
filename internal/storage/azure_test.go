package storage

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
)

var errMockBlobNotFound = errors.New("BlobNotFound: the specified blob does not exist")

// mockAzureClient implements AzureBlobAPI for unit testing.
type mockAzureClient struct {
	mu        sync.Mutex
	blobs     map[string][]byte
	copyURLs  []string
	container string
}

func newMockAzureClient(container string) *mockAzureClient {
	return &mockAzureClient{blobs: make(map[string][]byte), container: container}
}

func (m *mockAzureClient) UploadBlob(ctx context.Context, containerName, blobName string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[blobName] = append([]byte(nil), data...)
	return nil
}

func (m *mockAzureClient) DownloadBlob(ctx context.Context, containerName, blobName string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.blobs[blobName]
	if !ok {
		return nil, errMockBlobNotFound
	}
	return data, nil
}

func (m *mockAzureClient) DeleteBlob(ctx context.Context, containerName, blobName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blobs[blobName]; !ok {
		return errMockBlobNotFound
	}
	delete(m.blobs, blobName)
	return nil
}

func (m *mockAzureClient) BlobExists(ctx context.Context, containerName, blobName string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.blobs[blobName]
	return ok, nil
}

func (m *mockAzureClient) GetBlobProperties(ctx context.Context, containerName, blobName string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.blobs[blobName]
	if !ok {
		return 0, errMockBlobNotFound
	}
	return int64(len(data)), nil
}

// StartCopyFromURL resolves sourceURL against the mock's container.
func (m *mockAzureClient) StartCopyFromURL(ctx context.Context, containerName, blobName, sourceURL string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.copyURLs = append(m.copyURLs, sourceURL)
	marker := "/" + m.container + "/"
	i := strings.Index(sourceURL, marker)
	if i < 0 {
		return errMockBlobNotFound
	}
	data, ok := m.blobs[sourceURL[i+len(marker):]]
	if !ok {
		return errMockBlobNotFound
	}
	m.blobs[blobName] = append([]byte(nil), data...)
	return nil
}

func (m *mockAzureClient) ListBlobs(ctx context.Context, containerName, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var names []string
	for name := range m.blobs {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func TestAzureCopyUsesBlobURL(t *testing.T) {
	mock := newMockAzureClient("chunks")
	b := NewAzureChunkStoreWithClient("chunks", "https://acct.blob.core.windows.net/", "", mock)
	ctx := context.Background()

	b.PutChunk(ctx, 1, 0, []byte("zero"))
	if err := b.CopyChunks(ctx, 1, 2, 1); err != nil {
		t.Fatalf("CopyChunks: %v", err)
	}
	want := "https://acct.blob.core.windows.net/chunks/0000000000000001/00000000"
	if len(mock.copyURLs) != 1 || mock.copyURLs[0] != want {
		t.Errorf("copyURLs = %v, want [%s]", mock.copyURLs, want)
	}
}

func TestIsAzureNotFound(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errMockBlobNotFound, true},
		{errors.New("RESPONSE 404: ContainerNotFound"), true},
		{errors.New("AuthorizationFailure"), false},
	}
	for _, tt := range tests {
		if got := isAzureNotFound(tt.err); got != tt.want {
			t.Errorf("isAzureNotFound(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
