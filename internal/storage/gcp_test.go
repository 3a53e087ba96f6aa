package storage

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"

	gcs "cloud.google.com/go/storage"
)

// mockGCSClient implements GCSAPI for unit testing.
type mockGCSClient struct {
	mu      sync.Mutex
	objects map[string][]byte
	copies  int
}

func newMockGCSClient() *mockGCSClient {
	return &mockGCSClient{objects: make(map[string][]byte)}
}

type mockGCSWriter struct {
	buf    bytes.Buffer
	client *mockGCSClient
	object string
}

func (w *mockGCSWriter) Write(p []byte) (int, error) {
	return w.buf.Write(p)
}

func (w *mockGCSWriter) Close() error {
	w.client.mu.Lock()
	defer w.client.mu.Unlock()
	w.client.objects[w.object] = w.buf.Bytes()
	return nil
}

func (m *mockGCSClient) NewWriter(ctx context.Context, bucket, object string) io.WriteCloser {
	return &mockGCSWriter{client: m, object: object}
}

func (m *mockGCSClient) NewReader(ctx context.Context, bucket, object string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[object]
	if !ok {
		return nil, gcs.ErrObjectNotExist
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *mockGCSClient) Delete(ctx context.Context, bucket, object string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[object]; !ok {
		return gcs.ErrObjectNotExist
	}
	delete(m.objects, object)
	return nil
}

func (m *mockGCSClient) Size(ctx context.Context, bucket, object string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[object]
	if !ok {
		return 0, gcs.ErrObjectNotExist
	}
	return int64(len(data)), nil
}

func (m *mockGCSClient) Copy(ctx context.Context, bucket, srcObject, dstObject string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[srcObject]
	if !ok {
		return gcs.ErrObjectNotExist
	}
	m.copies++
	m.objects[dstObject] = append([]byte(nil), data...)
	return nil
}

func (m *mockGCSClient) ListObjects(ctx context.Context, bucket, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var names []string
	for name := range m.objects {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func TestGCPCopyIsServerSide(t *testing.T) {
	mock := newMockGCSClient()
	b := NewGCPChunkStoreWithClient("bkt", "proj", "p/", mock)
	ctx := context.Background()

	b.PutChunk(ctx, 9, 0, []byte("a"))
	b.PutChunk(ctx, 9, 1, []byte("b"))
	if err := b.CopyChunks(ctx, 9, 10, 2); err != nil {
		t.Fatalf("CopyChunks: %v", err)
	}
	if mock.copies != 2 {
		t.Errorf("copies = %d, want 2", mock.copies)
	}
	if _, ok := mock.objects["p/000000000000000a/00000001"]; !ok {
		t.Errorf("copied chunk missing, objects = %v", mock.objects)
	}
}

func TestIsGCSNotFound(t *testing.T) {
	if !isGCSNotFound(gcs.ErrObjectNotExist) {
		t.Error("isGCSNotFound(ErrObjectNotExist) = false, want true")
	}
	if isGCSNotFound(nil) {
		t.Error("isGCSNotFound(nil) = true, want false")
	}
	if isGCSNotFound(io.ErrUnexpectedEOF) {
		t.Error("isGCSNotFound(ErrUnexpectedEOF) = true, want false")
	}
}
