package backend

import (
	"time"

	"gorm.io/datatypes"

	"github.com/roach88/takedown/internal/wire"
)

// Match is the server copy of a match. ClientID is the temporary id the
// station used before creation was acknowledged.
type Match struct {
	ID               string                              `gorm:"primaryKey;size:64" json:"id"`
	ClientID         string                              `gorm:"uniqueIndex;size:128;not null" json:"client_id"`
	Ruleset          string                              `json:"ruleset"`
	A                datatypes.JSONType[wire.Competitor] `json:"a"`
	B                datatypes.JSONType[wire.Competitor] `json:"b"`
	Period           string                              `gorm:"size:8" json:"period"`
	RemainingSeconds int                                 `json:"remaining_seconds"`
	ElapsedSeconds   int                                 `json:"elapsed_seconds"`
	Status           string                              `gorm:"size:32;index" json:"status"`
	Position         string                              `gorm:"size:16" json:"position"`
	Winner           string                              `gorm:"size:8" json:"winner"`
	WinType          string                              `gorm:"size:32" json:"win_type"`
	EndedAtSeconds   int                                 `json:"ended_at_seconds"`
	CreatedAt        time.Time                           `json:"created_at"`
	UpdatedAt        time.Time                           `json:"updated_at"`
}

// Event is one appended scoring event. OpID is unique.
type Event struct {
	ID             int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	OpID           string         `gorm:"uniqueIndex;size:128;not null" json:"op_id"`
	MatchID        string         `gorm:"index;size:64;not null" json:"match_id"`
	Type           string         `gorm:"size:32" json:"type"`
	Label          string         `json:"label"`
	Actor          string         `gorm:"size:8" json:"actor"`
	ActorName      string         `json:"actor_name"`
	AwardedTo      string         `gorm:"size:8" json:"awarded_to"`
	Points         int            `json:"points"`
	Period         string         `gorm:"size:8" json:"period"`
	ElapsedSeconds int            `json:"elapsed_seconds"`
	Payload        datatypes.JSON `json:"-"`
	CreatedAt      time.Time      `json:"created_at"`
}

// MediaChunk is the receipt of one uploaded chunk. (MediaID, Index) is
// unique.
type MediaChunk struct {
	ID          int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	MatchID     string    `gorm:"index;size:64;not null" json:"match_id"`
	MediaID     string    `gorm:"uniqueIndex:idx_media_chunk;size:128;not null" json:"media_id"`
	Index       int       `gorm:"column:chunk_index;uniqueIndex:idx_media_chunk" json:"index"`
	Final       bool      `json:"final"`
	StartMs     int64     `json:"start_ms"`
	DurationMs  int64     `json:"duration_ms"`
	Size        int       `json:"size"`
	ContentType string    `json:"content_type"`
	ObjectKey   string    `json:"object_key"`
	SHA256      string    `gorm:"column:sha256;size:64" json:"sha256"`
	CreatedAt   time.Time `json:"created_at"`
}

// MediaSet is a recording whose chunks have all arrived.
type MediaSet struct {
	MediaID     string    `gorm:"primaryKey;size:128" json:"media_id"`
	MatchID     string    `gorm:"index;size:64;not null" json:"match_id"`
	Chunks      int       `json:"chunks"`
	DurationMs  int64     `json:"duration_ms"`
	Size        int64     `json:"size"`
	FinalizedAt time.Time `json:"finalized_at"`
}

func (m *Match) apply(u wire.MatchUpdate) {
	m.A = datatypes.NewJSONType(u.A)
	m.B = datatypes.NewJSONType(u.B)
	m.Period = u.Period
	m.RemainingSeconds = u.RemainingSeconds
	m.ElapsedSeconds = u.ElapsedSeconds
	m.Status = u.Status
	m.Position = u.Position
	m.Winner = u.Winner
	m.WinType = u.WinType
	m.EndedAtSeconds = u.EndedAtSeconds
}

// Wire returns the match in its wire form.
func (m Match) Wire() wire.MatchUpdate {
	return wire.MatchUpdate{
		MatchID:          m.ID,
		A:                m.A.Data(),
		B:                m.B.Data(),
		Period:           m.Period,
		RemainingSeconds: m.RemainingSeconds,
		ElapsedSeconds:   m.ElapsedSeconds,
		Status:           m.Status,
		Position:         m.Position,
		Winner:           m.Winner,
		WinType:          m.WinType,
		EndedAtSeconds:   m.EndedAtSeconds,
	}
}

func eventFrom(matchID string, e wire.MatchEvent, raw []byte) Event {
	return Event{
		OpID:           e.OpID,
		MatchID:        matchID,
		Type:           e.Type,
		Label:          e.Label,
		Actor:          e.Actor,
		ActorName:      e.ActorName,
		AwardedTo:      e.AwardedTo,
		Points:         e.Points,
		Period:         e.Period,
		ElapsedSeconds: e.ElapsedSeconds,
		Payload:        datatypes.JSON(raw),
	}
}

func chunkFrom(matchID string, c wire.MediaChunk) MediaChunk {
	return MediaChunk{
		MatchID:     matchID,
		MediaID:     c.MediaID,
		Index:       c.Index,
		Final:       c.Final,
		StartMs:     c.StartMs,
		DurationMs:  c.DurationMs,
		Size:        c.Size,
		ContentType: c.ContentType,
		ObjectKey:   c.ObjectKey,
		SHA256:      c.SHA256,
	}
}
