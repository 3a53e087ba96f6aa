package metadata

import (
	"context"
	"encoding/base64"
	"fmt"

	"cloud.google.com/go/firestore"
	"github.com/bleepstore/chunkvault/internal/config"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// firestorePageSize is the number of documents fetched per scan query.
const firestorePageSize = 500

// FirestoreStore implements KVStore on a Firestore collection. Each key is
// one document whose id is the URL-safe base64 of the key; the raw key is
// stored in field "k" so queries can order by it.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
}

func encodeKey(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key))
}

// NewFirestoreStore creates a store from cfg.
func NewFirestoreStore(ctx context.Context, cfg *config.FirestoreConfig) (*FirestoreStore, error) {
	if cfg == nil {
		return nil, fmt.Errorf("firestore config is required")
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := firestore.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating firestore client: %w", err)
	}

	collection := cfg.Collection
	if collection == "" {
		collection = "chunkvault"
	}

	return &FirestoreStore{
		client:     client,
		collection: collection,
	}, nil
}

func (s *FirestoreStore) collectionRef() *firestore.CollectionRef {
	return s.client.Collection(s.collection)
}

func (s *FirestoreStore) Ping(ctx context.Context) error {
	_, err := s.collectionRef().Limit(1).Documents(ctx).Next()
	if err != nil && err != iterator.Done {
		return err
	}
	return nil
}

func (s *FirestoreStore) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

func (s *FirestoreStore) Get(ctx context.Context, key string) ([]byte, error) {
	doc, err := s.collectionRef().Doc(encodeKey(key)).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("getting key %q: %w", key, err)
	}
	if !doc.Exists() {
		return nil, ErrKeyNotFound
	}
	v, _ := doc.Data()["v"].([]byte)
	return v, nil
}

func (s *FirestoreStore) Put(ctx context.Context, key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	_, err := s.collectionRef().Doc(encodeKey(key)).Set(ctx, map[string]interface{}{
		"k": key,
		"v": value,
	})
	if err != nil {
		return fmt.Errorf("putting key %q: %w", key, err)
	}
	return nil
}

func (s *FirestoreStore) Delete(ctx context.Context, key string) error {
	_, err := s.collectionRef().Doc(encodeKey(key)).Delete(ctx)
	if err != nil && status.Code(err) != codes.NotFound {
		return fmt.Errorf("deleting key %q: %w", key, err)
	}
	return nil
}

// Scan pages through documents ordered by "k". Firestore orders strings by
// their UTF-8 bytes, matching the KVStore contract.
func (s *FirestoreStore) Scan(ctx context.Context, start, end string, fn ScanFunc) error {
	var after string
	first := true
	for {
		query := s.collectionRef().Where("k", ">=", start)
		if end != "" {
			query = query.Where("k", "<", end)
		}
		query = query.OrderBy("k", firestore.Asc).Limit(firestorePageSize)
		if !first {
			query = query.StartAfter(after)
		}

		docs, err := query.Documents(ctx).GetAll()
		if err != nil {
			return fmt.Errorf("scanning keys: %w", err)
		}
		for _, doc := range docs {
			data := doc.Data()
			k, _ := data["k"].(string)
			v, _ := data["v"].([]byte)
			if !fn(k, v) {
				return nil
			}
			after = k
		}
		if len(docs) < firestorePageSize {
			return nil
		}
		first = false
	}
}
