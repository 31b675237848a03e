package bridge

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/roach88/takedown/internal/match"
	"github.com/roach88/takedown/internal/media"
	"github.com/roach88/takedown/internal/outbox"
	"github.com/roach88/takedown/internal/store"
	"github.com/roach88/takedown/internal/wire"
)

// MediaConfig controls how recordings are chunked.
type MediaConfig struct {
	// Threshold is the size in bytes above which a recording is split.
	Threshold     int
	ChunkDuration time.Duration
}

// DefaultMediaConfig returns the default chunking policy.
func DefaultMediaConfig() MediaConfig {
	return MediaConfig{Threshold: media.DefaultThreshold, ChunkDuration: media.DefaultChunkDuration}
}

// MediaSubmission is the result of SubmitMedia.
type MediaSubmission struct {
	MediaID    string   `json:"media_id"`
	Chunks     int      `json:"chunks"`
	Operations []string `json:"operations"`
}

// SubmitMedia stores a recording of m locally and queues one upload per
// chunk. The chunks are delivered after every earlier operation of the
// same match, so the backend always knows the match first.
func (b *Bridge) SubmitMedia(ctx context.Context, m match.Match, data []byte, duration time.Duration, contentType string) (MediaSubmission, error) {
	if m.ID == "" {
		return MediaSubmission{}, fmt.Errorf("submit media: match id is required")
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	chunks, err := media.Split(data, duration, b.media.Threshold, b.media.ChunkDuration)
	if err != nil {
		return MediaSubmission{}, fmt.Errorf("submit media: %w", err)
	}

	sub := MediaSubmission{MediaID: b.ids.Generate(), Chunks: len(chunks)}
	for _, c := range chunks {
		recordID := fmt.Sprintf("%s-%d", sub.MediaID, c.Index)
		version, err := b.store.PutRecord(ctx, store.Record{
			ID:          recordID,
			Kind:        store.RecordMedia,
			MatchID:     m.ID,
			Data:        c.Data,
			ContentType: contentType,
		})
		if err != nil {
			return sub, err
		}

		payload, err := wire.Marshal(wire.MediaChunk{
			MediaID:     sub.MediaID,
			MatchID:     m.ID,
			Index:       c.Index,
			Final:       c.Final,
			StartMs:     c.Start.Milliseconds(),
			DurationMs:  c.Duration.Milliseconds(),
			Size:        len(c.Data),
			ContentType: contentType,
			ObjectKey:   media.ObjectKey(m.ID, m.A.Name, m.B.Name, c.Index),
			SHA256:      c.SHA256(),
		})
		if err != nil {
			return sub, err
		}
		op, err := b.queue.Enqueue(ctx, outbox.Request{
			Kind:          wire.KindMediaUpload,
			Endpoint:      wire.MediaPath(m.ID),
			Method:        http.MethodPost,
			Payload:       payload,
			MatchID:       m.ID,
			RecordID:      recordID,
			RecordVersion: version,
		})
		if err != nil {
			return sub, err
		}
		sub.Operations = append(sub.Operations, op.ID)
	}

	b.logger.Info("media queued", "match_id", m.ID, "media_id", sub.MediaID, "chunks", sub.Chunks, "bytes", len(data))
	b.deliver(ctx, m.ID)
	return sub, nil
}
