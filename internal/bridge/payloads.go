package bridge

import (
	"github.com/roach88/takedown/internal/match"
	"github.com/roach88/takedown/internal/wire"
)

func competitor(c match.Competitor) wire.Competitor {
	return wire.Competitor{
		Name:          c.Name,
		Team:          c.Team,
		Score:         c.Score,
		Takedowns:     c.Takedowns,
		Escapes:       c.Escapes,
		Reversals:     c.Reversals,
		NearFalls:     c.NearFalls,
		Penalties:     c.Penalties,
		Cautions:      c.Cautions,
		Stalls:        c.Stalls,
		RidingSeconds: c.RidingSeconds,
	}
}

// CreatePayload builds the create request for m. The local id doubles as
// the creation idempotency key.
func CreatePayload(m match.Match) wire.MatchCreate {
	return wire.MatchCreate{
		ClientID:         m.ID,
		Ruleset:          m.Ruleset,
		A:                competitor(m.A),
		B:                competitor(m.B),
		Period:           string(m.Period),
		RemainingSeconds: m.RemainingSeconds,
		Status:           string(m.Status),
	}
}

// UpdatePayload builds the full-replace update for m.
func UpdatePayload(m match.Match) wire.MatchUpdate {
	return wire.MatchUpdate{
		MatchID:          m.ID,
		A:                competitor(m.A),
		B:                competitor(m.B),
		Period:           string(m.Period),
		RemainingSeconds: m.RemainingSeconds,
		ElapsedSeconds:   m.ElapsedSeconds,
		Status:           string(m.Status),
		Position:         string(m.Position),
		Winner:           string(m.Winner),
		WinType:          string(m.WinType),
		EndedAtSeconds:   m.EndedAtSeconds,
	}
}

// EventPayload builds the event append for tr. opID is also the id of the
// queued operation carrying it.
func EventPayload(opID string, tr match.Transition) wire.MatchEvent {
	ev := tr.Event
	out := wire.MatchEvent{
		OpID:           opID,
		MatchID:        tr.After.ID,
		Type:           ev.Type,
		Label:          tr.Label,
		Actor:          string(ev.Actor),
		AwardedTo:      string(ev.AwardedTo),
		Points:         ev.Points,
		Period:         string(ev.Period),
		ElapsedSeconds: ev.ElapsedSeconds,
	}
	m := tr.After
	if c := m.Competitor(ev.Actor); c != nil {
		out.ActorName = c.Name
	}
	return out
}
