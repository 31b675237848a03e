package backend

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DefaultFinalizeInterval is how often complete recordings are collected.
const DefaultFinalizeInterval = time.Minute

// Finalizer turns recordings whose chunks 0..final have all arrived into
// media sets.
type Finalizer struct {
	db     *gorm.DB
	logger *slog.Logger
	clock  clockwork.Clock
	sched  gocron.Scheduler
}

// NewFinalizer creates a finalizer. Start schedules it.
func NewFinalizer(db *gorm.DB, clock clockwork.Clock, logger *slog.Logger) *Finalizer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Finalizer{db: db, clock: clock, logger: logger}
}

// Start runs FinalizePending every interval until Stop.
func (f *Finalizer) Start(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultFinalizeInterval
	}
	sched, err := gocron.NewScheduler(
		gocron.WithClock(f.clock),
		gocron.WithLogger(gocronLogger{f.logger}),
	)
	if err != nil {
		return fmt.Errorf("media finalizer: %w", err)
	}
	_, err = sched.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			n, err := f.FinalizePending(ctx)
			if err != nil {
				f.logger.Error("finalize media", "error", err)
				return
			}
			if n > 0 {
				f.logger.Info("media finalized", "sets", n)
			}
		}),
		gocron.WithName("media-finalizer"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("media finalizer: %w", err)
	}
	sched.Start()
	f.sched = sched
	return nil
}

// Stop waits for a running pass and stops scheduling.
func (f *Finalizer) Stop() error {
	if f.sched == nil {
		return nil
	}
	return f.sched.Shutdown()
}

type finalCandidate struct {
	MediaID    string
	MatchID    string
	ChunkIndex int
}

// FinalizePending creates a media set for every complete recording that
// has none yet. It returns the number created.
func (f *Finalizer) FinalizePending(ctx context.Context) (int, error) {
	db := f.db.WithContext(ctx)

	var finals []finalCandidate
	err := db.Model(&MediaChunk{}).
		Select("media_id, match_id, chunk_index").
		Where("final = ?", true).
		Where("media_id NOT IN (?)", db.Model(&MediaSet{}).Select("media_id")).
		Scan(&finals).Error
	if err != nil {
		return 0, fmt.Errorf("find final chunks: %w", err)
	}

	created := 0
	for _, c := range finals {
		var agg struct {
			Chunks     int
			DurationMs int64
			Size       int64
		}
		err := db.Model(&MediaChunk{}).
			Select("COUNT(*) AS chunks, COALESCE(SUM(duration_ms), 0) AS duration_ms, COALESCE(SUM(size), 0) AS size").
			Where("media_id = ? AND chunk_index <= ?", c.MediaID, c.ChunkIndex).
			Scan(&agg).Error
		if err != nil {
			return created, fmt.Errorf("count chunks of %s: %w", c.MediaID, err)
		}
		if agg.Chunks != c.ChunkIndex+1 {
			continue
		}

		set := MediaSet{
			MediaID:     c.MediaID,
			MatchID:     c.MatchID,
			Chunks:      agg.Chunks,
			DurationMs:  agg.DurationMs,
			Size:        agg.Size,
			FinalizedAt: f.clock.Now().UTC(),
		}
		res := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&set)
		if res.Error != nil {
			return created, fmt.Errorf("finalize %s: %w", c.MediaID, res.Error)
		}
		created += int(res.RowsAffected)
	}
	return created, nil
}

// gocronLogger adapts slog to the gocron logger interface.
type gocronLogger struct {
	l *slog.Logger
}

func (g gocronLogger) Debug(msg string, args ...any) { g.l.Debug(msg, args...) }
func (g gocronLogger) Error(msg string, args ...any) { g.l.Error(msg, args...) }
func (g gocronLogger) Info(msg string, args ...any)  { g.l.Info(msg, args...) }
func (g gocronLogger) Warn(msg string, args ...any)  { g.l.Warn(msg, args...) }
