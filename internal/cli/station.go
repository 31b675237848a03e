package cli

import (
	"context"

	"github.com/roach88/takedown/internal/bridge"
	"github.com/roach88/takedown/internal/config"
	"github.com/roach88/takedown/internal/outbox"
	"github.com/roach88/takedown/internal/session"
	"github.com/roach88/takedown/internal/transport"
	"github.com/roach88/takedown/internal/wire"
)

// queueConfig maps agent settings onto the sync queue policy.
func queueConfig(cfg *config.Config) outbox.Config {
	return outbox.Config{
		MaxRetries:     cfg.Agent.MaxRetries,
		BaseBackoff:    cfg.Agent.RetryBackoff,
		MaxBackoff:     cfg.Agent.MaxBackoff,
		KeepOperations: cfg.Agent.KeepOperations,
		KeepRecords:    cfg.Agent.KeepRecords,
	}
}

func sessionConfig(cfg *config.Config) session.Config {
	return session.Config{
		TickInterval:  cfg.Agent.TickInterval,
		DrainInterval: cfg.Agent.DrainInterval,
		ProbeInterval: cfg.Agent.ProbeInterval,
		PruneInterval: cfg.Agent.PruneInterval,
		Queue:         queueConfig(cfg),
		Media: bridge.MediaConfig{
			Threshold:     cfg.Media.ChunkThreshold,
			ChunkDuration: cfg.Media.ChunkDuration,
		},
	}
}

// newSender returns the backend sender. When a media bucket is configured,
// chunk uploads go to object storage before their receipt is posted.
func newSender(ctx context.Context, cfg *config.Config, blobs transport.BlobSource) (outbox.Sender, error) {
	receipts := transport.NewHTTPSender(cfg.Agent.BackendURL, cfg.Agent.RequestTimeout)
	if cfg.Media.Bucket == "" {
		return receipts, nil
	}
	client, err := transport.NewS3Client(ctx, transport.S3Config{
		Bucket:          cfg.Media.Bucket,
		Region:          cfg.Media.Region,
		Endpoint:        cfg.Media.Endpoint,
		AccessKeyID:     cfg.Media.AccessKeyID,
		SecretAccessKey: cfg.Media.SecretAccessKey,
	})
	if err != nil {
		return nil, err
	}
	return &transport.Dispatcher{
		Default: receipts,
		ByKind: map[string]outbox.Sender{
			wire.KindMediaUpload: &transport.MediaSender{
				Bucket:   cfg.Media.Bucket,
				Objects:  client,
				Blobs:    blobs,
				Receipts: receipts,
			},
		},
	}, nil
}
