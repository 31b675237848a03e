package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/roach88/takedown/internal/ids"
	"github.com/roach88/takedown/internal/outbox"
	"github.com/roach88/takedown/internal/store"
	"github.com/roach88/takedown/internal/testutil"
	"github.com/roach88/takedown/internal/transport"
	"github.com/roach88/takedown/internal/wire"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := OpenDB(SQLitePrefix + filepath.Join(t.TempDir(), "backend.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

func newTestServer(t *testing.T) (*Server, *gorm.DB) {
	t.Helper()
	db := openTestDB(t)
	seq := ids.NewSequenceGenerator("srv")
	return NewServer(db, WithIDs(seq.Generate)), db
}

func call(t *testing.T, s *Server, method, path string, body any, digest bool) (*http.Response, []byte) {
	t.Helper()
	var data []byte
	if body != nil {
		var err error
		data, err = json.Marshal(body)
		require.NoError(t, err)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	if digest {
		req.Header.Set(wire.DigestHeader, wire.PayloadDigest(data))
	}
	resp, err := s.App().Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, out
}

func create(t *testing.T, s *Server, clientID string) string {
	t.Helper()
	resp, body := call(t, s, http.MethodPost, wire.MatchesPath, wire.MatchCreate{
		ClientID: clientID,
		A:        wire.Competitor{Name: "Lee"},
		B:        wire.Competitor{Name: "Ramirez"},
		Period:   "1",
		Status:   "setup",
	}, true)
	require.Less(t, resp.StatusCode, 300, string(body))
	var out wire.CreateResponse
	require.NoError(t, json.Unmarshal(body, &out))
	return out.ID
}

func TestCreate_IdempotentOnClientID(t *testing.T) {
	s, db := newTestServer(t)
	first := create(t, s, "local-1")
	second := create(t, s, "local-1")
	assert.Equal(t, first, second)

	var n int64
	require.NoError(t, db.Model(&Match{}).Count(&n).Error)
	assert.Equal(t, int64(1), n)

	other := create(t, s, "local-2")
	assert.NotEqual(t, first, other)
}

func TestCreate_Validation(t *testing.T) {
	s, _ := newTestServer(t)
	resp, _ := call(t, s, http.MethodPost, wire.MatchesPath, wire.MatchCreate{}, false)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	req := httptest.NewRequest(http.MethodPost, wire.MatchesPath, bytes.NewReader([]byte(`{"client_id":"x"}`)))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(wire.DigestHeader, "bogus")
	r, err := s.App().Test(req, -1)
	require.NoError(t, err)
	r.Body.Close()
	assert.Equal(t, http.StatusBadRequest, r.StatusCode)
}

func TestUpdate_ReplacesState(t *testing.T) {
	s, _ := newTestServer(t)
	id := create(t, s, "local-1")

	update := wire.MatchUpdate{
		A:              wire.Competitor{Name: "Lee", Score: 7, Takedowns: 2},
		B:              wire.Competitor{Name: "Ramirez", Score: 1, Escapes: 1},
		Period:         "2",
		ElapsedSeconds: 150,
		Status:         "paused",
	}
	for i := 0; i < 2; i++ {
		resp, body := call(t, s, http.MethodPut, wire.MatchPath(id), update, true)
		require.Equal(t, http.StatusNoContent, resp.StatusCode, string(body))
	}

	resp, body := call(t, s, http.MethodGet, wire.MatchPath(id), nil, false)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got MatchDetail
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, "local-1", got.ClientID)
	assert.Equal(t, 7, got.A.Score)
	assert.Equal(t, 2, got.A.Takedowns)
	assert.Equal(t, 1, got.B.Escapes)
	assert.Equal(t, "2", got.Period)
	assert.Equal(t, "paused", got.Status)
	assert.Empty(t, got.Media)

	resp, _ = call(t, s, http.MethodPut, wire.MatchPath("missing"), update, false)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEvents_AppendOncePerOpID(t *testing.T) {
	s, _ := newTestServer(t)
	id := create(t, s, "local-1")

	evs := []wire.MatchEvent{
		{OpID: "op-1", Type: "takedown", Actor: "a", AwardedTo: "a", Points: 2},
		{OpID: "op-2", Type: "escape", Actor: "b", AwardedTo: "b", Points: 1},
		{OpID: "op-1", Type: "takedown", Actor: "a", AwardedTo: "a", Points: 2},
	}
	for _, ev := range evs {
		resp, body := call(t, s, http.MethodPost, wire.EventsPath(id), ev, true)
		require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	}

	resp, body := call(t, s, http.MethodGet, wire.EventsPath(id), nil, false)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got []Event
	require.NoError(t, json.Unmarshal(body, &got))
	require.Len(t, got, 2)
	assert.Equal(t, "op-1", got[0].OpID)
	assert.Equal(t, "escape", got[1].Type)

	resp, _ = call(t, s, http.MethodPost, wire.EventsPath("missing"), wire.MatchEvent{OpID: "op-3"}, false)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = call(t, s, http.MethodPost, wire.EventsPath(id), wire.MatchEvent{Type: "takedown"}, false)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMedia_ChunksAndFinalize(t *testing.T) {
	s, db := newTestServer(t)
	id := create(t, s, "local-1")

	post := func(index int, final bool) {
		t.Helper()
		resp, body := call(t, s, http.MethodPost, wire.MediaPath(id), wire.MediaChunk{
			MediaID: "rec-1", Index: index, Final: final, DurationMs: 10000, Size: 100,
			ObjectKey: fmt.Sprintf("matches/%s/lee-vs-ramirez/chunk-%05d.bin", id, index),
		}, true)
		require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	}

	clock := testutil.NewClock()
	f := NewFinalizer(db, clock, nil)
	ctx := context.Background()

	post(0, false)
	post(2, true)
	post(2, true)
	n, err := f.FinalizePending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "chunk 1 is missing")

	post(1, false)
	n, err = f.FinalizePending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = f.FinalizePending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "already finalized")

	resp, body := call(t, s, http.MethodGet, wire.MatchPath(id), nil, false)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got MatchDetail
	require.NoError(t, json.Unmarshal(body, &got))
	require.Len(t, got.Media, 1)
	assert.Equal(t, 3, got.Media[0].Chunks)
	assert.Equal(t, int64(30000), got.Media[0].DurationMs)
	assert.Equal(t, clock.Now().UTC(), got.Media[0].FinalizedAt.UTC())

	resp, body = call(t, s, http.MethodGet, wire.MediaPath(id), nil, false)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var chunks []MediaChunk
	require.NoError(t, json.Unmarshal(body, &chunks))
	assert.Len(t, chunks, 3)
}

func TestFinalizer_Scheduled(t *testing.T) {
	s, db := newTestServer(t)
	id := create(t, s, "local-1")
	resp, _ := call(t, s, http.MethodPost, wire.MediaPath(id), wire.MediaChunk{MediaID: "rec-1", Index: 0, Final: true}, false)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	clock := testutil.NewClock()
	f := NewFinalizer(db, clock, nil)
	require.NoError(t, f.Start(context.Background(), time.Minute))
	defer f.Stop()

	require.Eventually(t, func() bool {
		clock.Advance(time.Minute)
		var n int64
		db.Model(&MediaSet{}).Count(&n)
		return n == 1
	}, 5*time.Second, 20*time.Millisecond)
}

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(t)
	resp, _ := call(t, s, http.MethodGet, "/healthz", nil, false)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

// TestQueueDeliversToBackend drives the station sync queue against a live
// backend listener.
func TestQueueDeliversToBackend(t *testing.T) {
	s, _ := newTestServer(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- s.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		<-served
	})
	baseURL := "http://" + ln.Addr().String()

	clock := testutil.NewClock()
	st, err := store.Open(filepath.Join(t.TempDir(), "station.db"), store.WithClock(clock))
	require.NoError(t, err)
	defer st.Close()

	q := outbox.New(st, transport.NewHTTPSender(baseURL, 5*time.Second),
		outbox.WithClock(clock),
		outbox.WithIDs(ids.NewSequenceGenerator("op")),
	)

	createBody, err := wire.Marshal(wire.MatchCreate{ClientID: "local-1", A: wire.Competitor{Name: "Lee"}, B: wire.Competitor{Name: "Ramirez"}, Period: "1", Status: "setup"})
	require.NoError(t, err)
	event, err := wire.Marshal(wire.MatchEvent{OpID: "ev-1", MatchID: "local-1", Type: "takedown", Actor: "a", AwardedTo: "a", Points: 2, Period: "1"})
	require.NoError(t, err)

	_, err = q.Enqueue(ctx, outbox.Request{Kind: wire.KindMatchCreate, Endpoint: wire.MatchesPath, Method: http.MethodPost, Payload: createBody, MatchID: "local-1"})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, outbox.Request{ID: "ev-1", Kind: wire.KindMatchEvent, Endpoint: wire.EventsPath("local-1"), Method: http.MethodPost, Payload: event, MatchID: "local-1"})
	require.NoError(t, err)

	rep, err := q.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Delivered)
	assert.Equal(t, 1, rep.Remapped)

	serverID, mapped, err := st.ResolveMatchID(ctx, "local-1")
	require.NoError(t, err)
	assert.True(t, mapped)
	assert.Equal(t, "srv-1", serverID)

	resp, err := http.Get(baseURL + wire.EventsPath(serverID))
	require.NoError(t, err)
	defer resp.Body.Close()
	var got []Event
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	require.Len(t, got, 1)
	assert.Equal(t, "ev-1", got[0].OpID)
}
