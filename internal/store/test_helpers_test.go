package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

var testEpoch = time.Date(2026, 3, 7, 18, 0, 0, 0, time.UTC)

type fakeClock interface {
	clockwork.Clock
	Advance(d time.Duration)
}

// createTestStore creates a new store in a temp dir backed by a fake clock.
func createTestStore(t *testing.T) (*Store, fakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(testEpoch)
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, WithClock(clock))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, clock
}

// enqueueTest enqueues a minimal operation.
func enqueueTest(t *testing.T, s *Store, id, kind, matchID, endpoint string) Operation {
	t.Helper()
	op, err := s.EnqueueOperation(context.Background(), Operation{
		ID:       id,
		Kind:     kind,
		Endpoint: endpoint,
		Method:   "POST",
		Payload:  []byte(`{"match_id":"` + matchID + `"}`),
		MatchID:  matchID,
	})
	require.NoError(t, err)
	return op
}
