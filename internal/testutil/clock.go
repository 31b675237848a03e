// Package testutil holds shared test fixtures: a virtual clock pinned to a
// fixed epoch and an in-memory fake backend.
package testutil

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
)

// Epoch is the instant every test clock starts at.
var Epoch = time.Date(2026, 3, 7, 18, 0, 0, 0, time.UTC)

// FakeClock is the part of clockwork's fake clock tests drive.
type FakeClock interface {
	clockwork.Clock
	Advance(d time.Duration)
	BlockUntilContext(ctx context.Context, n int) error
}

// NewClock returns a fake clock at Epoch.
func NewClock() FakeClock {
	return clockwork.NewFakeClockAt(Epoch)
}
