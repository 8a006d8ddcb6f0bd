package writer

import (
	"bytes"
	"context"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// objectPutter is the subset of *s3.Client used for uploads.
type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Backend uploads one parquet object per batch.
type S3Backend struct {
	client      objectPutter
	bucket      string
	prefix      string
	compression string
}

func NewS3Backend(client objectPutter, bucket, prefix, compression string) *S3Backend {
	return &S3Backend{client: client, bucket: bucket, prefix: prefix, compression: compression}
}

func (b *S3Backend) Name() string { return "s3" }

func (b *S3Backend) Write(ctx context.Context, batch Batch) (int64, error) {
	if b.bucket == "" {
		return 0, fmt.Errorf("s3 bucket not configured")
	}

	data, err := encodeParquet(batch, b.compression)
	if err != nil {
		return 0, err
	}

	key := objectKey(batch)
	if b.prefix != "" {
		key = path.Join(b.prefix, key)
	}

	_, err = b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("application/vnd.apache.parquet"),
	})
	if err != nil {
		return 0, fmt.Errorf("put s3://%s/%s: %w", b.bucket, key, err)
	}
	return int64(len(data)), nil
}

func (b *S3Backend) Close() error { return nil }
