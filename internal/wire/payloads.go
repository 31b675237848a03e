// Package wire defines the request payloads exchanged between the scoring
// client and the backend, and their canonical encoding.
package wire

import "net/url"

// Operation kinds carried by queued operations.
const (
	KindMatchCreate = "match_create"
	KindMatchUpdate = "match_update"
	KindMatchEvent  = "match_event"
	KindMediaUpload = "media_upload"
)

// MatchesPath is the collection endpoint for match creation.
const MatchesPath = "/api/matches"

// MatchPath returns the endpoint of a single match.
func MatchPath(id string) string {
	return MatchesPath + "/" + url.PathEscape(id)
}

// EventsPath returns the endpoint scoring events are appended to.
func EventsPath(id string) string {
	return MatchPath(id) + "/events"
}

// MediaPath returns the endpoint media chunk receipts are posted to.
func MediaPath(id string) string {
	return MatchPath(id) + "/media"
}

// Competitor is one wrestler's statistics block.
type Competitor struct {
	Name          string `json:"name"`
	Team          string `json:"team"`
	Score         int    `json:"score"`
	Takedowns     int    `json:"takedowns"`
	Escapes       int    `json:"escapes"`
	Reversals     int    `json:"reversals"`
	NearFalls     int    `json:"near_falls"`
	Penalties     int    `json:"penalties"`
	Cautions      int    `json:"cautions"`
	Stalls        int    `json:"stalls"`
	RidingSeconds int    `json:"riding_seconds"`
}

// MatchCreate creates a match. ClientID is the temporary id the client used
// while the match was unacknowledged; the backend treats it as the
// idempotency key for creation.
type MatchCreate struct {
	ClientID         string     `json:"client_id"`
	Ruleset          string     `json:"ruleset"`
	A                Competitor `json:"a"`
	B                Competitor `json:"b"`
	Period           string     `json:"period"`
	RemainingSeconds int        `json:"remaining_seconds"`
	Status           string     `json:"status"`
}

// MatchUpdate replaces the full match state. Replacing the whole record
// makes the update idempotent.
type MatchUpdate struct {
	MatchID          string     `json:"match_id"`
	A                Competitor `json:"a"`
	B                Competitor `json:"b"`
	Period           string     `json:"period"`
	RemainingSeconds int        `json:"remaining_seconds"`
	ElapsedSeconds   int        `json:"elapsed_seconds"`
	Status           string     `json:"status"`
	Position         string     `json:"position"`
	Winner           string     `json:"winner"`
	WinType          string     `json:"win_type"`
	EndedAtSeconds   int        `json:"ended_at_seconds"`
}

// MatchEvent is one scoring event appended to a match. OpID is the
// idempotency key: the backend keeps exactly one event per OpID.
type MatchEvent struct {
	OpID           string `json:"op_id"`
	MatchID        string `json:"match_id"`
	Type           string `json:"type"`
	Label          string `json:"label"`
	Actor          string `json:"actor"`
	ActorName      string `json:"actor_name"`
	AwardedTo      string `json:"awarded_to"`
	Points         int    `json:"points"`
	Period         string `json:"period"`
	ElapsedSeconds int    `json:"elapsed_seconds"`
}

// MediaChunk is the receipt posted after a media chunk reaches object
// storage. (MatchID, Index) is unique per media id on the backend.
type MediaChunk struct {
	MediaID     string `json:"media_id"`
	MatchID     string `json:"match_id"`
	Index       int    `json:"index"`
	Final       bool   `json:"final"`
	StartMs     int64  `json:"start_ms"`
	DurationMs  int64  `json:"duration_ms"`
	Size        int    `json:"size"`
	ContentType string `json:"content_type"`
	ObjectKey   string `json:"object_key"`
	SHA256      string `json:"sha256"`
}

// CreateResponse is the backend's answer to a MatchCreate.
type CreateResponse struct {
	ID string `json:"id"`
}

// ErrorResponse is the body of a non-2xx backend answer.
type ErrorResponse struct {
	Error string `json:"error"`
}
