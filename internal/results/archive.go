package results

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"
)

// Archive uploads finalized result payloads to object storage so the hot
// database only keeps the most recent outputs. A nil *Archive is a no-op sink.
type Archive struct {
	client *s3.Client
	bucket string
	prefix string
	log    *zap.Logger
}

// NewArchive builds an S3-backed archive. Returns nil when no bucket is
// configured, which callers treat as "archiving disabled".
func NewArchive(ctx context.Context, bucket, prefix, region string, log *zap.Logger) (*Archive, error) {
	if bucket == "" {
		return nil, nil
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &Archive{
		client: s3.NewFromConfig(cfg),
		bucket: bucket,
		prefix: prefix,
		log:    log,
	}, nil
}

// Store uploads one compressed result blob keyed by record id. Archive
// failures are logged, never fatal: the database copy remains authoritative.
func (a *Archive) Store(ctx context.Context, recordID string, blob []byte) {
	if a == nil || len(blob) == 0 {
		return
	}
	key := a.prefix + recordID + ".zst"
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(blob),
	})
	if err != nil {
		a.log.Warn("result archive upload failed", zap.String("record_id", recordID), zap.Error(err))
		return
	}
	a.log.Debug("result archived", zap.String("record_id", recordID), zap.String("key", key))
}
