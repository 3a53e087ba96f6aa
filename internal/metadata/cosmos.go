package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/azcosmos"
	"github.com/bleepstore/chunkvault/internal/config"
)

// cosmosPartition is the single logical partition holding every key.
const cosmosPartition = "kv"

// CosmosStore implements KVStore on an Azure Cosmos DB container
// partitioned by "/pk". Item ids cannot contain '/', so the id is the
// encoded key and the raw key lives in "k".
type CosmosStore struct {
	client    *azcosmos.ContainerClient
	database  string
	container string
}

type cosmosItem struct {
	ID        string `json:"id"`
	Partition string `json:"pk"`
	Key       string `json:"k"`
	Value     []byte `json:"v"`
}

// NewCosmosStore creates a store from cfg.
func NewCosmosStore(ctx context.Context, cfg *config.CosmosConfig) (*CosmosStore, error) {
	if cfg == nil {
		return nil, fmt.Errorf("cosmos config is required")
	}
	if cfg.Endpoint == "" && cfg.MasterKey == "" {
		return nil, fmt.Errorf("cosmos endpoint or master key is required")
	}
	if cfg.Database == "" {
		return nil, fmt.Errorf("cosmos database name is required")
	}
	if cfg.Container == "" {
		return nil, fmt.Errorf("cosmos container name is required")
	}

	var cred azcosmos.KeyCredential
	if cfg.MasterKey != "" {
		var err error
		cred, err = azcosmos.NewKeyCredential(cfg.MasterKey)
		if err != nil {
			return nil, fmt.Errorf("creating cosmos key credential: %w", err)
		}
	}

	client, err := azcosmos.NewClientWithKey(cfg.Endpoint, cred, &azcosmos.ClientOptions{
		ClientOptions: policy.ClientOptions{},
	})
	if err != nil {
		return nil, fmt.Errorf("creating cosmos client: %w", err)
	}

	dbClient, err := client.NewDatabase(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("getting database client: %w", err)
	}

	containerClient, err := dbClient.NewContainer(cfg.Container)
	if err != nil {
		return nil, fmt.Errorf("getting container client: %w", err)
	}

	return &CosmosStore{
		client:    containerClient,
		database:  cfg.Database,
		container: cfg.Container,
	}, nil
}

func (s *CosmosStore) Ping(ctx context.Context) error {
	_, err := s.client.Read(ctx, nil)
	return err
}

func (s *CosmosStore) Close() error {
	return nil
}

func isCosmosNotFound(err error) bool {
	return strings.Contains(err.Error(), "NotFound") || strings.Contains(err.Error(), "404")
}

func (s *CosmosStore) Get(ctx context.Context, key string) ([]byte, error) {
	resp, err := s.client.ReadItem(ctx, azcosmos.NewPartitionKeyString(cosmosPartition), encodeKey(key), nil)
	if err != nil {
		if isCosmosNotFound(err) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("getting key %q: %w", key, err)
	}
	var item cosmosItem
	if err := json.Unmarshal(resp.Value, &item); err != nil {
		return nil, fmt.Errorf("decoding key %q: %w", key, err)
	}
	return item.Value, nil
}

func (s *CosmosStore) Put(ctx context.Context, key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	data, err := json.Marshal(cosmosItem{
		ID:        encodeKey(key),
		Partition: cosmosPartition,
		Key:       key,
		Value:     value,
	})
	if err != nil {
		return err
	}
	_, err = s.client.UpsertItem(ctx, azcosmos.NewPartitionKeyString(cosmosPartition), data, nil)
	if err != nil {
		return fmt.Errorf("putting key %q: %w", key, err)
	}
	return nil
}

func (s *CosmosStore) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteItem(ctx, azcosmos.NewPartitionKeyString(cosmosPartition), encodeKey(key), nil)
	if err != nil && !isCosmosNotFound(err) {
		return fmt.Errorf("deleting key %q: %w", key, err)
	}
	return nil
}

func (s *CosmosStore) Scan(ctx context.Context, start, end string, fn ScanFunc) error {
	query := "SELECT * FROM c WHERE c.k >= @lo"
	params := []azcosmos.QueryParameter{
		{Name: "@lo", Value: start},
	}
	if end != "" {
		query += " AND c.k < @hi"
		params = append(params, azcosmos.QueryParameter{Name: "@hi", Value: end})
	}
	query += " ORDER BY c.k"

	pager := s.client.NewQueryItemsPager(query, azcosmos.NewPartitionKeyString(cosmosPartition), &azcosmos.QueryOptions{
		QueryParameters: params,
	})

	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("scanning keys: %w", err)
		}
		for _, raw := range resp.Items {
			var item cosmosItem
			if err := json.Unmarshal(raw, &item); err != nil {
				continue
			}
			if !fn(item.Key, item.Value) {
				return nil
			}
		}
	}
	return nil
}
