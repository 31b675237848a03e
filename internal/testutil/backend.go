package testutil

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"

	"github.com/roach88/takedown/internal/wire"
)

// Request is one request seen by FakeBackend.
type Request struct {
	Method         string
	Path           string
	IdempotencyKey string
	Body           []byte
	// Status is what the fake answered.
	Status int
}

// FakeBackend is an in-memory backend speaking the match API. It applies
// each idempotency key at most once and can be told to fail.
type FakeBackend struct {
	Server *httptest.Server

	mu       sync.Mutex
	down     bool
	failNext int
	nextID   int
	requests []Request
	seen     map[string]bool
	byClient map[string]string
	matches  map[string]wire.MatchUpdate
	events   map[string][]wire.MatchEvent
	media    map[string][]wire.MediaChunk
}

// NewFakeBackend starts a fake backend. It is closed when the test ends.
func NewFakeBackend(t interface{ Cleanup(func()) }) *FakeBackend {
	b := &FakeBackend{
		seen:     map[string]bool{},
		byClient: map[string]string{},
		matches:  map[string]wire.MatchUpdate{},
		events:   map[string][]wire.MatchEvent{},
		media:    map[string][]wire.MediaChunk{},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", b.health)
	mux.HandleFunc("POST /api/matches", b.create)
	mux.HandleFunc("PUT /api/matches/{id}", b.update)
	mux.HandleFunc("POST /api/matches/{id}/events", b.appendEvent)
	mux.HandleFunc("POST /api/matches/{id}/media", b.appendMedia)
	b.Server = httptest.NewServer(b.gate(mux))
	t.Cleanup(b.Server.Close)
	return b
}

// URL is the base URL of the fake.
func (b *FakeBackend) URL() string {
	return b.Server.URL
}

// SetDown makes every request, health checks included, answer 503.
func (b *FakeBackend) SetDown(down bool) {
	b.mu.Lock()
	b.down = down
	b.mu.Unlock()
}

// FailNext makes the next n API requests answer 503.
func (b *FakeBackend) FailNext(n int) {
	b.mu.Lock()
	b.failNext = n
	b.mu.Unlock()
}

// Requests returns every request received, in order.
func (b *FakeBackend) Requests() []Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Request(nil), b.requests...)
}

// Match returns the stored state of a match.
func (b *FakeBackend) Match(id string) (wire.MatchUpdate, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.matches[id]
	return m, ok
}

// Events returns the events of a match in arrival order.
func (b *FakeBackend) Events(id string) []wire.MatchEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]wire.MatchEvent(nil), b.events[id]...)
}

// Media returns the media chunk receipts of a match.
func (b *FakeBackend) Media(id string) []wire.MediaChunk {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]wire.MediaChunk(nil), b.media[id]...)
}

// MatchCount returns the number of created matches.
func (b *FakeBackend) MatchCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.matches)
}

// rw records the status written by a handler.
type rw struct {
	http.ResponseWriter
	status int
}

func (w *rw) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (b *FakeBackend) gate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		r.Body = io.NopCloser(bytes.NewReader(body))
		rec := Request{Method: r.Method, Path: r.URL.Path, IdempotencyKey: r.Header.Get("Idempotency-Key"), Body: body}

		b.mu.Lock()
		fail := b.down || (r.URL.Path != "/healthz" && b.failNext > 0)
		if fail && !b.down {
			b.failNext--
		}
		b.mu.Unlock()

		if fail {
			rec.Status = http.StatusServiceUnavailable
			b.record(rec)
			writeJSON(w, http.StatusServiceUnavailable, wire.ErrorResponse{Error: "unavailable"})
			return
		}
		if d := r.Header.Get(wire.DigestHeader); d != "" && d != wire.PayloadDigest(body) {
			rec.Status = http.StatusBadRequest
			b.record(rec)
			writeJSON(w, http.StatusBadRequest, wire.ErrorResponse{Error: "payload digest mismatch"})
			return
		}

		w2 := &rw{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(w2, r)
		rec.Status = w2.status
		b.record(rec)
	})
}

func (b *FakeBackend) record(r Request) {
	b.mu.Lock()
	b.requests = append(b.requests, r)
	b.mu.Unlock()
}

func (b *FakeBackend) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (b *FakeBackend) create(w http.ResponseWriter, r *http.Request) {
	var in wire.MatchCreate
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.ClientID == "" {
		writeJSON(w, http.StatusBadRequest, wire.ErrorResponse{Error: "invalid match"})
		return
	}
	b.mu.Lock()
	id, ok := b.byClient[in.ClientID]
	if !ok {
		b.nextID++
		id = fmt.Sprintf("srv-%d", b.nextID)
		b.byClient[in.ClientID] = id
		b.matches[id] = wire.MatchUpdate{MatchID: id, A: in.A, B: in.B, Period: in.Period,
			RemainingSeconds: in.RemainingSeconds, Status: in.Status}
	}
	b.mu.Unlock()
	writeJSON(w, http.StatusCreated, wire.CreateResponse{ID: id})
}

func (b *FakeBackend) update(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var in wire.MatchUpdate
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, wire.ErrorResponse{Error: "invalid update"})
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.matches[id]; !ok {
		writeJSON(w, http.StatusNotFound, wire.ErrorResponse{Error: "match not found"})
		return
	}
	in.MatchID = id
	b.matches[id] = in
	w.WriteHeader(http.StatusNoContent)
}

func (b *FakeBackend) appendEvent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var in wire.MatchEvent
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.OpID == "" {
		writeJSON(w, http.StatusBadRequest, wire.ErrorResponse{Error: "invalid event"})
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.matches[id]; !ok {
		writeJSON(w, http.StatusNotFound, wire.ErrorResponse{Error: "match not found"})
		return
	}
	if !b.seen[in.OpID] {
		b.seen[in.OpID] = true
		b.events[id] = append(b.events[id], in)
	}
	w.WriteHeader(http.StatusCreated)
}

func (b *FakeBackend) appendMedia(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var in wire.MediaChunk
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, wire.ErrorResponse{Error: "invalid chunk"})
		return
	}
	key := fmt.Sprintf("%s/%d", in.MediaID, in.Index)
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.seen[key] {
		b.seen[key] = true
		b.media[id] = append(b.media[id], in)
	}
	w.WriteHeader(http.StatusCreated)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
