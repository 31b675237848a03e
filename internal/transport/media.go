package transport

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/roach88/takedown/internal/outbox"
	"github.com/roach88/takedown/internal/store"
	"github.com/roach88/takedown/internal/wire"
)

// ObjectPutter is the subset of the S3 client used for chunk uploads.
type ObjectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// BlobSource returns the local copy of a media chunk.
type BlobSource interface {
	GetRecord(ctx context.Context, id string) (store.Record, error)
}

// S3Config locates the bucket media chunks are uploaded to. Endpoint is
// optional and selects an S3-compatible service such as R2 or MinIO.
type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

// NewS3Client builds an S3 client from cfg. Static credentials are used
// when both keys are set; otherwise the default credential chain applies.
func NewS3Client(ctx context.Context, cfg S3Config) (*s3.Client, error) {
	region := cfg.Region
	if region == "" {
		region = "auto"
	}
	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load s3 config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// MediaSender uploads a chunk blob to object storage and then posts the
// chunk receipt to the backend.
type MediaSender struct {
	Bucket   string
	Objects  ObjectPutter
	Blobs    BlobSource
	Receipts *HTTPSender
}

// Send uploads the chunk named by op.RecordID and forwards op itself as the
// receipt. Re-uploading the same key is harmless, so a retry after a lost
// receipt repeats both steps.
func (m *MediaSender) Send(ctx context.Context, op store.Operation) (outbox.Receipt, error) {
	var chunk wire.MediaChunk
	if err := json.Unmarshal(op.Payload, &chunk); err != nil {
		return outbox.Receipt{}, &DeliveryError{OpID: op.ID, Err: fmt.Errorf("decode media chunk: %w", err)}
	}
	rec, err := m.Blobs.GetRecord(ctx, op.RecordID)
	if err != nil {
		return outbox.Receipt{}, &DeliveryError{OpID: op.ID, Err: err}
	}

	sum := sha256.Sum256(rec.Data)
	if chunk.SHA256 != "" && chunk.SHA256 != hex.EncodeToString(sum[:]) {
		return outbox.Receipt{}, &DeliveryError{OpID: op.ID, Err: fmt.Errorf("chunk %s: checksum mismatch", chunk.ObjectKey)}
	}

	_, err = m.Objects.PutObject(ctx, &s3.PutObjectInput{
		Bucket:         aws.String(m.Bucket),
		Key:            aws.String(chunk.ObjectKey),
		Body:           bytes.NewReader(rec.Data),
		ContentLength:  aws.Int64(int64(len(rec.Data))),
		ContentType:    aws.String(chunk.ContentType),
		ChecksumSHA256: aws.String(base64.StdEncoding.EncodeToString(sum[:])),
	})
	if err != nil {
		return outbox.Receipt{}, &DeliveryError{OpID: op.ID, Err: fmt.Errorf("upload %s: %w", chunk.ObjectKey, err)}
	}

	return m.Receipts.Send(ctx, op)
}
