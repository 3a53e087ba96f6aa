package storage

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bleepstore/chunkvault/internal/config"
)

// AzureBlobAPI is the subset of the Azure Blob Storage client used by
// AzureChunkStore. Tests substitute a mock.
type AzureBlobAPI interface {
	// UploadBlob uploads data to a blob, overwriting if it already exists.
	UploadBlob(ctx context.Context, containerName, blobName string, data []byte) error
	// DownloadBlob downloads a blob's contents.
	DownloadBlob(ctx context.Context, containerName, blobName string) ([]byte, error)
	// DeleteBlob deletes a blob. Returns an error if the blob does not exist.
	DeleteBlob(ctx context.Context, containerName, blobName string) error
	// BlobExists checks if a blob exists.
	BlobExists(ctx context.Context, containerName, blobName string) (bool, error)
	// GetBlobProperties retrieves the size of a blob.
	GetBlobProperties(ctx context.Context, containerName, blobName string) (int64, error)
	// StartCopyFromURL copies a blob from a source URL.
	StartCopyFromURL(ctx context.Context, containerName, blobName, sourceURL string) error
	// ListBlobs lists blob names under prefix.
	ListBlobs(ctx context.Context, containerName, prefix string) ([]string, error)
}

// AzureChunkStore implements ChunkStore on a single Azure Blob container.
type AzureChunkStore struct {
	// Container is the upstream Azure Blob container name.
	Container string
	// AccountURL is the storage account URL (e.g. https://account.blob.core.windows.net).
	AccountURL string
	// Prefix is the blob name prefix for all chunks.
	Prefix string
	client AzureBlobAPI
}

// NewAzureChunkStore creates an AzureChunkStore. Credentials come from the
// connection string, a managed identity, or DefaultAzureCredential, in that
// order of preference.
func NewAzureChunkStore(ctx context.Context, cfg *config.AzureConfig) (*AzureChunkStore, error) {
	accountURL := cfg.AccountURL
	if accountURL == "" && cfg.Account != "" {
		accountURL = fmt.Sprintf("https://%s.blob.core.windows.net", cfg.Account)
	}
	client, err := newRealAzureClient(accountURL, cfg.ConnectionString, cfg.UseManagedIdentity)
	if err != nil {
		return nil, fmt.Errorf("creating Azure client: %w", err)
	}

	b := NewAzureChunkStoreWithClient(cfg.Container, accountURL, cfg.Prefix, client)
	if err := b.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("cannot access upstream Azure container %q: %w", cfg.Container, err)
	}

	slog.Info("Azure chunk store initialized", "container", cfg.Container, "account", accountURL, "prefix", cfg.Prefix)
	return b, nil
}

// NewAzureChunkStoreWithClient wraps a pre-configured Azure client.
func NewAzureChunkStoreWithClient(container, accountURL, prefix string, client AzureBlobAPI) *AzureChunkStore {
	return &AzureChunkStore{
		Container:  container,
		AccountURL: accountURL,
		Prefix:     prefix,
		client:     client,
	}
}

// blobURL returns the full URL of a blob for server-side copies.
func (b *AzureChunkStore) blobURL(name string) string {
	return strings.TrimRight(b.AccountURL, "/") + "/" + b.Container + "/" + name
}

func (b *AzureChunkStore) PutChunk(ctx context.Context, id uint64, idx uint32, data []byte) error {
	if err := b.client.UploadBlob(ctx, b.Container, chunkName(b.Prefix, id, idx), data); err != nil {
		return fmt.Errorf("uploading chunk to Azure Blob: %w", err)
	}
	return nil
}

func (b *AzureChunkStore) GetChunk(ctx context.Context, id uint64, idx uint32) ([]byte, error) {
	data, err := b.client.DownloadBlob(ctx, b.Container, chunkName(b.Prefix, id, idx))
	if err != nil {
		if isAzureNotFound(err) {
			return nil, ErrChunkNotFound
		}
		return nil, fmt.Errorf("downloading chunk from Azure Blob: %w", err)
	}
	return data, nil
}

func (b *AzureChunkStore) ChunkSize(ctx context.Context, id uint64, idx uint32) (int64, error) {
	size, err := b.client.GetBlobProperties(ctx, b.Container, chunkName(b.Prefix, id, idx))
	if err != nil {
		if isAzureNotFound(err) {
			return 0, ErrChunkNotFound
		}
		return 0, fmt.Errorf("getting chunk properties from Azure Blob: %w", err)
	}
	return size, nil
}

func (b *AzureChunkStore) DeleteChunks(ctx context.Context, id uint64, from uint32) error {
	dir := chunkDir(b.Prefix, id)
	names, err := b.client.ListBlobs(ctx, b.Container, dir)
	if err != nil {
		return fmt.Errorf("listing chunks of %d: %w", id, err)
	}
	for _, name := range names {
		idx, ok := parseChunkIndex(dir, name)
		if !ok || idx < from {
			continue
		}
		if err := b.client.DeleteBlob(ctx, b.Container, name); err != nil && !isAzureNotFound(err) {
			return fmt.Errorf("deleting chunk %s: %w", name, err)
		}
	}
	return nil
}

// CopyChunks uses server-side StartCopyFromURL. Copies within one storage
// account complete synchronously.
func (b *AzureChunkStore) CopyChunks(ctx context.Context, src, dst uint64, count uint32) error {
	for idx := uint32(0); idx < count; idx++ {
		srcName := chunkName(b.Prefix, src, idx)
		err := b.client.StartCopyFromURL(ctx, b.Container, chunkName(b.Prefix, dst, idx), b.blobURL(srcName))
		if err != nil {
			if isAzureNotFound(err) {
				return fmt.Errorf("chunk %d of %d: %w", idx, src, ErrChunkNotFound)
			}
			return fmt.Errorf("copying chunk in Azure Blob: %w", err)
		}
	}
	return nil
}

// HealthCheck verifies that the upstream Azure Blob container is accessible.
func (b *AzureChunkStore) HealthCheck(ctx context.Context) error {
	_, err := b.client.BlobExists(ctx, b.Container, "\x00nonexistent\x00")
	return err
}

// isAzureNotFound checks if an Azure error is a not-found error.
func isAzureNotFound(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "not found") || strings.Contains(msg, "404") ||
		strings.Contains(msg, "blobnotfound") || strings.Contains(msg, "containernotfound") ||
		strings.Contains(msg, "the specified blob does not exist") ||
		strings.Contains(msg, "the specified container does not exist") {
		return true
	}
	return false
}

var _ ChunkStore = (*AzureChunkStore)(nil)
