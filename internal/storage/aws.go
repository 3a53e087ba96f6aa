package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3API is the subset of the AWS S3 client used by AWSChunkStore. Tests
// substitute a mock.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// AWSChunkStore implements ChunkStore on an Amazon S3 bucket. Chunks are
// stored as objects named {prefix}{id:016x}/{idx:08x}.
type AWSChunkStore struct {
	// Bucket is the upstream S3 bucket name.
	Bucket string
	// Region is the AWS region of the upstream bucket.
	Region string
	// Prefix is the key prefix for all chunks in the bucket.
	Prefix string
	client S3API
}

// NewAWSChunkStore creates an AWSChunkStore using the default credential
// chain, with optional overrides for a custom endpoint, path-style
// addressing and static credentials.
func NewAWSChunkStore(ctx context.Context, bucket, region, prefix, endpointURL string, usePathStyle bool, accessKeyID, secretAccessKey string) (*AWSChunkStore, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	loadOpts = append(loadOpts, awsconfig.WithRegion(region))

	if accessKeyID != "" && secretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if endpointURL != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpointURL)
		})
	}
	if usePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	client := s3.NewFromConfig(cfg, s3Opts...)

	_, err = client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(bucket),
	})
	if err != nil {
		return nil, fmt.Errorf("cannot access upstream S3 bucket %q: %w", bucket, err)
	}

	slog.Info("AWS chunk store initialized", "bucket", bucket, "region", region, "prefix", prefix)
	return NewAWSChunkStoreWithClient(bucket, region, prefix, client), nil
}

// NewAWSChunkStoreWithClient wraps a pre-configured S3 client.
func NewAWSChunkStoreWithClient(bucket, region, prefix string, client S3API) *AWSChunkStore {
	return &AWSChunkStore{
		Bucket: bucket,
		Region: region,
		Prefix: prefix,
		client: client,
	}
}

func (b *AWSChunkStore) PutChunk(ctx context.Context, id uint64, idx uint32, data []byte) error {
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.Bucket),
		Key:           aws.String(chunkName(b.Prefix, id, idx)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return fmt.Errorf("uploading chunk to S3: %w", err)
	}
	return nil
}

func (b *AWSChunkStore) GetChunk(ctx context.Context, id uint64, idx uint32) ([]byte, error) {
	resp, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.Bucket),
		Key:    aws.String(chunkName(b.Prefix, id, idx)),
	})
	if err != nil {
		if isAWSNotFound(err) {
			return nil, ErrChunkNotFound
		}
		return nil, fmt.Errorf("getting chunk from S3: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading chunk body: %w", err)
	}
	return data, nil
}

func (b *AWSChunkStore) ChunkSize(ctx context.Context, id uint64, idx uint32) (int64, error) {
	resp, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.Bucket),
		Key:    aws.String(chunkName(b.Prefix, id, idx)),
	})
	if err != nil {
		if isAWSNotFound(err) {
			return 0, ErrChunkNotFound
		}
		return 0, fmt.Errorf("heading chunk in S3: %w", err)
	}
	return aws.ToInt64(resp.ContentLength), nil
}

// DeleteChunks lists the object's chunks and batch-deletes those at or
// after from.
func (b *AWSChunkStore) DeleteChunks(ctx context.Context, id uint64, from uint32) error {
	dir := chunkDir(b.Prefix, id)
	var startAfter, token *string
	if from > 0 {
		startAfter = aws.String(chunkName(b.Prefix, id, from-1))
	}
	for {
		listResp, err := b.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(b.Bucket),
			Prefix:            aws.String(dir),
			StartAfter:        startAfter,
			ContinuationToken: token,
		})
		if err != nil {
			return fmt.Errorf("listing chunks of %d: %w", id, err)
		}

		var objects []types.ObjectIdentifier
		for _, obj := range listResp.Contents {
			idx, ok := parseChunkIndex(dir, aws.ToString(obj.Key))
			if !ok || idx < from {
				continue
			}
			objects = append(objects, types.ObjectIdentifier{Key: obj.Key})
		}

		if len(objects) > 0 {
			_, err = b.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
				Bucket: aws.String(b.Bucket),
				Delete: &types.Delete{
					Objects: objects,
					Quiet:   aws.Bool(true),
				},
			})
			if err != nil {
				return fmt.Errorf("batch-deleting chunks of %d: %w", id, err)
			}
		}

		if !aws.ToBool(listResp.IsTruncated) {
			return nil
		}
		token = listResp.NextContinuationToken
	}
}

// CopyChunks uses S3 server-side copy.
func (b *AWSChunkStore) CopyChunks(ctx context.Context, src, dst uint64, count uint32) error {
	for idx := uint32(0); idx < count; idx++ {
		_, err := b.client.CopyObject(ctx, &s3.CopyObjectInput{
			Bucket:     aws.String(b.Bucket),
			Key:        aws.String(chunkName(b.Prefix, dst, idx)),
			CopySource: aws.String(b.Bucket + "/" + chunkName(b.Prefix, src, idx)),
		})
		if err != nil {
			if isAWSNotFound(err) {
				return fmt.Errorf("chunk %d of %d: %w", idx, src, ErrChunkNotFound)
			}
			return fmt.Errorf("copying chunk in S3: %w", err)
		}
	}
	return nil
}

// HealthCheck verifies that the upstream S3 bucket is accessible.
func (b *AWSChunkStore) HealthCheck(ctx context.Context) error {
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(b.Bucket),
	})
	return err
}

// isAWSNotFound checks if an AWS error is a 404/NoSuchKey/NotFound error.
func isAWSNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		if code == "NoSuchKey" || code == "NotFound" || code == "404" || code == "NoSuchBucket" {
			return true
		}
	}
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var respErr interface{ HTTPStatusCode() int }
	if errors.As(err, &respErr) {
		if respErr.HTTPStatusCode() == 404 {
			return true
		}
	}
	return false
}

var _ ChunkStore = (*AWSChunkStore)(nil)
