package metadata

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/bleepstore/chunkvault/internal/config"
)

// dynamoPartition is the single partition key value. All keys share it so
// that a Query over the sort key returns them in byte order.
const dynamoPartition = "kv"

// DynamoDBAPI is the subset of the DynamoDB client used by DynamoDBStore.
// Tests substitute an in-memory implementation.
type DynamoDBAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// DynamoDBStore implements KVStore on a DynamoDB table with string
// partition key "pk", string sort key "sk" and a binary value "v".
type DynamoDBStore struct {
	client    DynamoDBAPI
	tableName string
}

// NewDynamoDBStore creates a store from cfg using the default AWS
// credential chain.
func NewDynamoDBStore(ctx context.Context, cfg *config.DynamoDBConfig) (*DynamoDBStore, error) {
	if cfg == nil {
		return nil, fmt.Errorf("dynamodb config is required")
	}
	if cfg.Table == "" {
		return nil, fmt.Errorf("dynamodb table name is required")
	}

	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	if cfg.EndpointURL != "" {
		awsCfg.BaseEndpoint = aws.String(cfg.EndpointURL)
	}

	return NewDynamoDBStoreWithClient(dynamodb.NewFromConfig(awsCfg), cfg.Table), nil
}

// NewDynamoDBStoreWithClient wraps an existing client.
func NewDynamoDBStoreWithClient(client DynamoDBAPI, table string) *DynamoDBStore {
	return &DynamoDBStore{client: client, tableName: table}
}

func (s *DynamoDBStore) Ping(ctx context.Context) error {
	_, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(s.tableName),
	})
	return err
}

func (s *DynamoDBStore) Close() error {
	return nil
}

func dynamoKey(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"pk": &types.AttributeValueMemberS{Value: dynamoPartition},
		"sk": &types.AttributeValueMemberS{Value: key},
	}
}

func (s *DynamoDBStore) Get(ctx context.Context, key string) ([]byte, error) {
	resp, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            dynamoKey(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("getting key %q: %w", key, err)
	}
	if resp.Item == nil {
		return nil, ErrKeyNotFound
	}
	return getBinary(resp.Item, "v"), nil
}

func (s *DynamoDBStore) Put(ctx context.Context, key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	item := dynamoKey(key)
	item["v"] = &types.AttributeValueMemberB{Value: value}
	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("putting key %q: %w", key, err)
	}
	return nil
}

func (s *DynamoDBStore) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key:       dynamoKey(key),
	})
	if err != nil {
		return fmt.Errorf("deleting key %q: %w", key, err)
	}
	return nil
}

// Scan queries the single partition page by page. BETWEEN is inclusive so
// the exclusive end key is filtered client-side.
func (s *DynamoDBStore) Scan(ctx context.Context, start, end string, fn ScanFunc) error {
	values := map[string]types.AttributeValue{
		":pk": &types.AttributeValueMemberS{Value: dynamoPartition},
	}
	cond := "pk = :pk"
	if start != "" && end != "" {
		cond += " AND sk BETWEEN :lo AND :hi"
		values[":lo"] = &types.AttributeValueMemberS{Value: start}
		values[":hi"] = &types.AttributeValueMemberS{Value: end}
	} else if start != "" {
		cond += " AND sk >= :lo"
		values[":lo"] = &types.AttributeValueMemberS{Value: start}
	} else if end != "" {
		cond += " AND sk < :hi"
		values[":hi"] = &types.AttributeValueMemberS{Value: end}
	}

	var exclusiveStartKey map[string]types.AttributeValue
	for {
		input := &dynamodb.QueryInput{
			TableName:                 aws.String(s.tableName),
			KeyConditionExpression:    aws.String(cond),
			ExpressionAttributeValues: values,
			ConsistentRead:            aws.Bool(true),
		}
		if exclusiveStartKey != nil {
			input.ExclusiveStartKey = exclusiveStartKey
		}

		resp, err := s.client.Query(ctx, input)
		if err != nil {
			return fmt.Errorf("querying keys: %w", err)
		}

		for _, item := range resp.Items {
			k := getString(item, "sk")
			if !inRange(k, start, end) {
				continue
			}
			if !fn(k, getBinary(item, "v")) {
				return nil
			}
		}

		if resp.LastEvaluatedKey == nil {
			return nil
		}
		exclusiveStartKey = resp.LastEvaluatedKey
	}
}

func getString(item map[string]types.AttributeValue, key string) string {
	if v, ok := item[key].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

func getBinary(item map[string]types.AttributeValue, key string) []byte {
	if v, ok := item[key].(*types.AttributeValueMemberB); ok {
		return v.Value
	}
	return nil
}
