package writer

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	kafka "github.com/segmentio/kafka-go"

	appconfig "github.com/alisitki/quantlab/config"
)

// Backend persists one flushed batch and reports the bytes written.
type Backend interface {
	Name() string
	Write(ctx context.Context, batch Batch) (int64, error)
	Close() error
}

// NewBackend builds the backend selected by storage.backend.
func NewBackend(ctx context.Context, cfg *appconfig.Config) (Backend, error) {
	switch cfg.Storage.Backend {
	case appconfig.StorageLocal, "":
		return NewLocalBackend(cfg.Storage.Local.DataDir, cfg.Writer.Compression), nil
	case appconfig.StorageS3:
		client, err := newS3Client(ctx, cfg.Storage.S3)
		if err != nil {
			return nil, err
		}
		return NewS3Backend(client, cfg.Storage.S3.Bucket, cfg.Storage.S3.Prefix, cfg.Writer.Compression), nil
	case appconfig.StorageKafka:
		kw := &kafka.Writer{
			Addr:         kafka.TCP(cfg.Storage.Kafka.Brokers...),
			Topic:        cfg.Storage.Kafka.Topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
		}
		return NewKafkaBackend(kw), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

func newS3Client(ctx context.Context, cfg appconfig.S3Config) (*s3.Client, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	}), nil
}

// objectKey lays files out as
// exchange=<x>/stream=<y>/symbol=<z>/date=<yyyy-mm-dd>/<hhmmss>_<id>.parquet
// using the batch's newest event time.
func objectKey(batch Batch) string {
	ts := batch.Timestamp.UTC()
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	id := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return path.Join(
		"exchange="+strings.ToLower(batch.Exchange),
		"stream="+string(batch.Stream),
		"symbol="+strings.ToUpper(batch.Symbol),
		"date="+ts.Format("2006-01-02"),
		fmt.Sprintf("%s_%s.parquet", ts.Format("150405"), id),
	)
}
