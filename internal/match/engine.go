// Package match implements the scoring state machine for one live match.
//
// The Engine holds at most one active match. Every accepted operation
// produces a Transition delivered to subscribers; scoring operations also
// push a ScoringAction holding the previous snapshot so they can be undone
// and redone exactly.
package match

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/roach88/takedown/internal/rules"
)

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the clock used to timestamp history entries.
func WithClock(c clockwork.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

type subscriber struct {
	id int
	fn func(Transition)
}

// Engine is the match scoring state machine.
//
// Thread-safety: all methods are safe for concurrent use. Subscribers are
// notified in operation order, outside the state lock, and may read the
// engine (View, Current) but must not mutate it.
type Engine struct {
	rules  *rules.Ruleset
	clock  clockwork.Clock
	logger *slog.Logger

	mu    sync.Mutex
	match *Match
	undo  []ScoringAction
	redo  []ScoringAction

	notifyMu sync.Mutex

	subMu   sync.Mutex
	subs    []subscriber
	nextSub int
}

// New creates an engine judging matches by rs.
func New(rs *rules.Ruleset, opts ...Option) *Engine {
	e := &Engine{
		rules:  rs,
		clock:  clockwork.NewRealClock(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Rules returns the ruleset in force.
func (e *Engine) Rules() *rules.Ruleset {
	return e.rules
}

// Subscribe registers fn for every transition and returns a function that
// removes it.
func (e *Engine) Subscribe(fn func(Transition)) (cancel func()) {
	e.subMu.Lock()
	defer e.subMu.Unlock()

	e.nextSub++
	id := e.nextSub
	e.subs = append(e.subs, subscriber{id: id, fn: fn})

	return func() {
		e.subMu.Lock()
		defer e.subMu.Unlock()
		for i, s := range e.subs {
			if s.id == id {
				e.subs = append(e.subs[:i], e.subs[i+1:]...)
				return
			}
		}
	}
}

// Current returns a snapshot of the active match.
func (e *Engine) Current() (Match, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.match == nil {
		return Match{}, false
	}
	return *e.match, true
}

// View returns the read model of the active match.
func (e *Engine) View() (View, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.match == nil {
		return View{}, false
	}
	return e.viewLocked(), true
}

func (e *Engine) viewLocked() View {
	v := View{Match: *e.match, CanUndo: len(e.undo) > 0, CanRedo: len(e.redo) > 0}
	if v.CanUndo {
		v.UndoLabel = e.undo[len(e.undo)-1].Label
	}
	if v.CanRedo {
		v.RedoLabel = e.redo[len(e.redo)-1].Label
	}
	return v
}

// History returns a copy of the undo stack, oldest first.
func (e *Engine) History() []ScoringAction {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]ScoringAction(nil), e.undo...)
}

// Start begins a new match. It fails while another match is still live.
func (e *Engine) Start(id, ruleset string, a, b Entrant) error {
	if strings.TrimSpace(id) == "" {
		return invalidInput("match id is required")
	}
	if strings.TrimSpace(a.Name) == "" || strings.TrimSpace(b.Name) == "" {
		return invalidInput("both competitors need a name")
	}
	if ruleset == "" {
		ruleset = e.rules.Name
	}

	e.mu.Lock()
	if e.match != nil && !e.match.Ended() {
		status := e.match.Status
		e.mu.Unlock()
		return invalidTransition("start", status)
	}

	m := Match{
		ID:               id,
		Ruleset:          ruleset,
		A:                Competitor{Name: a.Name, Team: a.Team},
		B:                Competitor{Name: b.Name, Team: b.Team},
		Period:           rules.Period1,
		RemainingSeconds: e.rules.PeriodDuration(rules.Period1),
		Status:           StatusSetup,
		Position:         Neutral,
		LastAction:       fmt.Sprintf("%s vs %s", a.Name, b.Name),
	}
	e.match = &m
	e.undo = nil
	e.redo = nil

	e.logger.Info("match started", "match_id", id, "a", a.Name, "b", b.Name)
	e.publish(Transition{Kind: ActionStart, Label: m.LastAction, After: m})
	return nil
}

// Restore installs a previously persisted snapshot as the active match.
// History is not restored.
func (e *Engine) Restore(m Match) error {
	if m.ID == "" {
		return invalidInput("snapshot has no match id")
	}
	e.mu.Lock()
	e.match = &m
	e.undo = nil
	e.redo = nil
	e.publish(Transition{Kind: ActionRestore, Label: "restored", After: m})
	return nil
}

// mutation is one state change applied to a copy of the match. apply
// returns the scoring event to log, if any, and sets LastAction for
// recorded changes.
type mutation struct {
	kind   ActionKind
	record bool
	apply  func(m *Match) (*Event, error)
}

func (e *Engine) do(mut mutation) error {
	e.mu.Lock()
	if e.match == nil {
		e.mu.Unlock()
		return errNoActiveMatch
	}

	before := *e.match
	next := before
	ev, err := mut.apply(&next)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	if next == before && ev == nil {
		e.mu.Unlock()
		return nil
	}
	if ev != nil {
		ev.Period = next.Period
		ev.ElapsedSeconds = next.ElapsedSeconds
	}

	if mut.record {
		e.undo = append(e.undo, ScoringAction{
			Kind:     mut.kind,
			Label:    next.LastAction,
			At:       e.clock.Now(),
			Previous: before,
		})
		e.redo = nil
	}
	*e.match = next

	e.publish(Transition{
		Kind:     mut.kind,
		Label:    next.LastAction,
		Before:   before,
		After:    next,
		Event:    ev,
		Recorded: mut.record,
	})
	return nil
}

// publish delivers tr to subscribers. Must be called with e.mu held; it
// releases e.mu before invoking callbacks.
func (e *Engine) publish(tr Transition) {
	tr.View = e.viewLocked()

	e.subMu.Lock()
	subs := append([]subscriber(nil), e.subs...)
	e.subMu.Unlock()

	e.notifyMu.Lock()
	e.mu.Unlock()
	defer e.notifyMu.Unlock()

	for _, s := range subs {
		s.fn(tr)
	}
}

// requireLive rejects operations on an ended match or one awaiting a tech
// fall decision.
func requireLive(op string, m *Match) error {
	switch m.Status {
	case StatusEnded:
		return terminalState(op)
	case StatusTechFallPending:
		return invalidTransition(op, m.Status)
	}
	return nil
}

func requireSlot(s Slot) error {
	if !s.Valid() {
		return invalidInput("unknown competitor %q", s)
	}
	return nil
}

func endMatch(m *Match, winner Slot, wt WinType, at int) {
	m.Running = false
	m.Status = StatusEnded
	m.Winner = winner
	m.WinType = wt
	m.EndedAtSeconds = at
}

// checkAutoEnd moves the match to StatusTechFallPending once the margin
// reaches the tech fall threshold.
func (e *Engine) checkAutoEnd(m *Match) bool {
	if m.Status == StatusEnded || m.Status == StatusTechFallPending {
		return false
	}
	if m.Margin() < e.rules.TechFallMargin {
		return false
	}
	m.Running = false
	m.Status = StatusTechFallPending
	return true
}

// Score awards points for a scoring move.
func (e *Engine) Score(slot Slot, move rules.Move, points int) error {
	if err := requireSlot(slot); err != nil {
		return err
	}
	if err := e.rules.ValidateMove(move, points); err != nil {
		return invalidInput("%s", err.Error())
	}
	return e.do(mutation{kind: ActionScore, record: true, apply: func(m *Match) (*Event, error) {
		if err := requireLive("score", m); err != nil {
			return nil, err
		}
		c := m.Competitor(slot)
		c.Score += points
		switch move {
		case rules.Takedown:
			c.Takedowns++
		case rules.Escape:
			c.Escapes++
		case rules.Reversal:
			c.Reversals++
		case rules.NearFall:
			c.NearFalls++
			switch points {
			case 2:
				c.NearFall2++
			case 3:
				c.NearFall3++
			case 4:
				c.NearFall4++
			}
		}
		m.LastAction = fmt.Sprintf("%s: %s +%d", c.Name, moveLabel(move), points)
		e.checkAutoEnd(m)
		return &Event{Type: string(move), Actor: slot, AwardedTo: slot, Points: points}, nil
	}})
}

func moveLabel(m rules.Move) string {
	return strings.ReplaceAll(string(m), "_", " ")
}

// RecordStall calls stalling on slot. Awards follow the ruleset's stall
// progression; once it is exhausted the offender is disqualified.
func (e *Engine) RecordStall(slot Slot) error {
	if err := requireSlot(slot); err != nil {
		return err
	}
	return e.do(mutation{kind: ActionStall, record: true, apply: func(m *Match) (*Event, error) {
		if err := requireLive("stall", m); err != nil {
			return nil, err
		}
		c := m.Competitor(slot)
		opp := m.Competitor(slot.Opponent())
		c.Stalls++

		points, dq := e.rules.StallAward(c.Stalls)
		ev := &Event{Type: "stall", Actor: slot, AwardedTo: slot.Opponent(), Points: points}
		if dq {
			endMatch(m, slot.Opponent(), WinDisqualification, m.ElapsedSeconds)
			m.LastAction = fmt.Sprintf("%s: disqualified for stalling", c.Name)
			return ev, nil
		}

		opp.Score += points
		if points == 0 {
			m.LastAction = fmt.Sprintf("%s: stalling warning", c.Name)
		} else {
			m.LastAction = fmt.Sprintf("%s: stalling, +%d %s", c.Name, points, opp.Name)
		}
		e.checkAutoEnd(m)
		return ev, nil
	}})
}

// RecordPenalty awards points to the opponent of slot. It does not touch
// the stalling counter.
func (e *Engine) RecordPenalty(slot Slot, points int) error {
	if err := requireSlot(slot); err != nil {
		return err
	}
	if err := e.rules.ValidatePenalty(points); err != nil {
		return invalidInput("%s", err.Error())
	}
	return e.do(mutation{kind: ActionPenalty, record: true, apply: func(m *Match) (*Event, error) {
		if err := requireLive("penalty", m); err != nil {
			return nil, err
		}
		c := m.Competitor(slot)
		opp := m.Competitor(slot.Opponent())
		c.Penalties++
		opp.Score += points
		m.LastAction = fmt.Sprintf("%s: penalty, +%d %s", c.Name, points, opp.Name)
		e.checkAutoEnd(m)
		return &Event{Type: "penalty", Actor: slot, AwardedTo: slot.Opponent(), Points: points}, nil
	}})
}

// RecordCaution cautions slot. Awards follow the caution progression.
func (e *Engine) RecordCaution(slot Slot) error {
	if err := requireSlot(slot); err != nil {
		return err
	}
	return e.do(mutation{kind: ActionCaution, record: true, apply: func(m *Match) (*Event, error) {
		if err := requireLive("caution", m); err != nil {
			return nil, err
		}
		c := m.Competitor(slot)
		opp := m.Competitor(slot.Opponent())
		c.Cautions++
		points := e.rules.CautionAward(c.Cautions)
		opp.Score += points
		if points == 0 {
			m.LastAction = fmt.Sprintf("%s: caution", c.Name)
		} else {
			m.LastAction = fmt.Sprintf("%s: caution, +%d %s", c.Name, points, opp.Name)
		}
		e.checkAutoEnd(m)
		return &Event{Type: "caution", Actor: slot, AwardedTo: slot.Opponent(), Points: points}, nil
	}})
}

// SetPosition changes the mat position and with it the riding-time holder.
func (e *Engine) SetPosition(p Position) error {
	if !p.Valid() {
		return invalidInput("unknown position %q", p)
	}
	return e.do(mutation{kind: ActionPosition, record: true, apply: func(m *Match) (*Event, error) {
		if err := requireLive("position", m); err != nil {
			return nil, err
		}
		if m.Position == p {
			return nil, nil
		}
		m.Position = p
		m.Riding = p.Rider()
		m.LastAction = "Position: " + string(p)
		return nil, nil
	}})
}

// DeclareFall ends the match by pin. at is the elapsed-time marker in
// seconds; a negative value uses the current elapsed time.
func (e *Engine) DeclareFall(slot Slot, at int) error {
	if err := requireSlot(slot); err != nil {
		return err
	}
	return e.do(mutation{kind: ActionFall, record: true, apply: func(m *Match) (*Event, error) {
		if m.Ended() {
			return nil, terminalState("fall")
		}
		when := at
		if when < 0 {
			when = m.ElapsedSeconds
		}
		c := m.Competitor(slot)
		endMatch(m, slot, WinPin, when)
		m.LastAction = fmt.Sprintf("%s: fall", c.Name)
		return &Event{Type: "fall", Actor: slot, AwardedTo: slot}, nil
	}})
}

// AdvancePeriod moves to the next period and resets its clock.
func (e *Engine) AdvancePeriod() error {
	return e.do(mutation{kind: ActionPeriod, record: true, apply: func(m *Match) (*Event, error) {
		if err := requireLive("advance_period", m); err != nil {
			return nil, err
		}
		next, ok := m.Period.Next()
		if !ok {
			return nil, &Error{
				Code:    ErrCodeInvalidTransition,
				Message: fmt.Sprintf("no period follows %s", m.Period),
			}
		}
		e.resetPeriod(m, next)
		return nil, nil
	}})
}

// SelectPeriod jumps to p and resets its clock.
func (e *Engine) SelectPeriod(p rules.Period) error {
	if !p.Valid() {
		return invalidInput("unknown period %q", p)
	}
	return e.do(mutation{kind: ActionPeriod, record: true, apply: func(m *Match) (*Event, error) {
		if err := requireLive("select_period", m); err != nil {
			return nil, err
		}
		e.resetPeriod(m, p)
		return nil, nil
	}})
}

func (e *Engine) resetPeriod(m *Match, p rules.Period) {
	m.Period = p
	m.RemainingSeconds = e.rules.PeriodDuration(p)
	m.Running = false
	m.Status = StatusPaused
	m.Position = Neutral
	m.Riding = SlotNone
	m.BloodTime = false
	m.InjuryTime = false
	m.LastAction = "Period " + string(p)
}

// CheckAutoEnd re-evaluates the tech fall threshold. It reports whether the
// match is awaiting tech fall confirmation afterwards.
func (e *Engine) CheckAutoEnd() (bool, error) {
	err := e.do(mutation{kind: ActionAutoEnd, apply: func(m *Match) (*Event, error) {
		if e.checkAutoEnd(m) {
			m.LastAction = "Technical fall pending confirmation"
		}
		return nil, nil
	}})
	if err != nil {
		return false, err
	}
	m, _ := e.Current()
	return m.Status == StatusTechFallPending, nil
}

// ConfirmTechFall ends a pending tech fall in favor of the leader.
func (e *Engine) ConfirmTechFall() error {
	return e.do(mutation{kind: ActionTechFall, record: true, apply: func(m *Match) (*Event, error) {
		if m.Ended() {
			return nil, terminalState("confirm_tech_fall")
		}
		if m.Status != StatusTechFallPending {
			return nil, invalidTransition("confirm_tech_fall", m.Status)
		}
		winner := m.Leader()
		endMatch(m, winner, WinTechFall, m.ElapsedSeconds)
		m.LastAction = fmt.Sprintf("%s: technical fall", m.Competitor(winner).Name)
		return &Event{Type: "tech_fall", Actor: winner, AwardedTo: winner}, nil
	}})
}

// DismissTechFall returns a pending tech fall to a paused match.
func (e *Engine) DismissTechFall() error {
	return e.do(mutation{kind: ActionTechFall, record: true, apply: func(m *Match) (*Event, error) {
		if m.Ended() {
			return nil, terminalState("dismiss_tech_fall")
		}
		if m.Status != StatusTechFallPending {
			return nil, invalidTransition("dismiss_tech_fall", m.Status)
		}
		m.Status = StatusPaused
		m.LastAction = "Technical fall dismissed"
		return nil, nil
	}})
}

// DeclareDecision ends the match on points. The riding-time point is
// applied first; a tied score cannot be decided.
func (e *Engine) DeclareDecision() error {
	return e.do(mutation{kind: ActionDecision, record: true, apply: func(m *Match) (*Event, error) {
		if err := requireLive("decision", m); err != nil {
			return nil, err
		}
		e.applyRidingPoint(m)

		winner := m.Leader()
		if winner == SlotNone {
			return nil, &Error{
				Code:    ErrCodeInvalidTransition,
				Message: fmt.Sprintf("decision requires a leader, score is %d-%d", m.A.Score, m.B.Score),
			}
		}
		wt := WinDecision
		switch margin := m.Margin(); {
		case margin >= e.rules.TechFallMargin:
			wt = WinTechFall
		case margin >= e.rules.MajorMargin:
			wt = WinMajorDecision
		}
		endMatch(m, winner, wt, m.ElapsedSeconds)
		m.LastAction = fmt.Sprintf("%s: %s", m.Competitor(winner).Name, strings.ReplaceAll(string(wt), "_", " "))
		return &Event{Type: "decision", Actor: winner, AwardedTo: winner}, nil
	}})
}

func (e *Engine) applyRidingPoint(m *Match) {
	if e.rules.RidingTimeThreshold <= 0 || e.rules.RidingTimePoint <= 0 || m.RidingPointTo != SlotNone {
		return
	}
	net := m.A.RidingSeconds - m.B.RidingSeconds
	switch {
	case net >= e.rules.RidingTimeThreshold:
		m.A.Score += e.rules.RidingTimePoint
		m.RidingPointTo = SlotA
	case -net >= e.rules.RidingTimeThreshold:
		m.B.Score += e.rules.RidingTimePoint
		m.RidingPointTo = SlotB
	}
}

// Forfeit ends the match with slot forfeiting to the opponent.
func (e *Engine) Forfeit(slot Slot) error {
	return e.endBy(ActionForfeit, "forfeit", slot, WinForfeit)
}

// Disqualify ends the match with slot disqualified.
func (e *Engine) Disqualify(slot Slot) error {
	return e.endBy(ActionDisqualify, "disqualify", slot, WinDisqualification)
}

func (e *Engine) endBy(kind ActionKind, op string, loser Slot, wt WinType) error {
	if err := requireSlot(loser); err != nil {
		return err
	}
	return e.do(mutation{kind: kind, record: true, apply: func(m *Match) (*Event, error) {
		if m.Ended() {
			return nil, terminalState(op)
		}
		winner := loser.Opponent()
		endMatch(m, winner, wt, m.ElapsedSeconds)
		m.LastAction = fmt.Sprintf("%s: %s", m.Competitor(loser).Name, op)
		return &Event{Type: op, Actor: loser, AwardedTo: winner}, nil
	}})
}

// StartClock runs the period clock.
func (e *Engine) StartClock() error {
	return e.do(mutation{kind: ActionClock, apply: func(m *Match) (*Event, error) {
		if err := requireLive("start_clock", m); err != nil {
			return nil, err
		}
		if m.Running {
			return nil, nil
		}
		if m.BloodTime || m.InjuryTime {
			return nil, &Error{
				Code:    ErrCodeInvalidTransition,
				Message: "clock is suspended during blood or injury time",
			}
		}
		if m.RemainingSeconds <= 0 {
			return nil, &Error{
				Code:    ErrCodeInvalidTransition,
				Message: fmt.Sprintf("period %s has expired", m.Period),
			}
		}
		m.Running = true
		m.Status = StatusRunning
		return nil, nil
	}})
}

// StopClock pauses the period clock.
func (e *Engine) StopClock() error {
	return e.do(mutation{kind: ActionClock, apply: func(m *Match) (*Event, error) {
		if !m.Running {
			return nil, nil
		}
		m.Running = false
		m.Status = StatusPaused
		return nil, nil
	}})
}

// Tick advances the running clock by the whole seconds in d. Riding time
// accrues to the single competitor in control. Ticks are ignored when no
// match is live, the clock is stopped, or blood or injury time is on.
func (e *Engine) Tick(d time.Duration) error {
	secs := int(d / time.Second)
	if secs <= 0 {
		return nil
	}
	err := e.do(mutation{kind: ActionTick, apply: func(m *Match) (*Event, error) {
		if !m.Running || m.BloodTime || m.InjuryTime {
			return nil, nil
		}
		step := min(secs, m.RemainingSeconds)
		m.RemainingSeconds -= step
		m.ElapsedSeconds += step
		if c := m.Competitor(m.Riding); c != nil {
			c.RidingSeconds += step
		}
		if m.RemainingSeconds == 0 {
			m.Running = false
			m.Status = StatusPeriodEnded
			m.LastAction = "End of period " + string(m.Period)
		}
		return nil, nil
	}})
	if IsNoActiveMatchError(err) {
		return nil
	}
	return err
}

// SetBloodTime toggles blood time. Turning it on stops the clock.
func (e *Engine) SetBloodTime(on bool) error {
	return e.setTimeout(ActionBloodTime, on, func(m *Match) *bool { return &m.BloodTime })
}

// SetInjuryTime toggles injury time. Turning it on stops the clock.
func (e *Engine) SetInjuryTime(on bool) error {
	return e.setTimeout(ActionInjuryTime, on, func(m *Match) *bool { return &m.InjuryTime })
}

func (e *Engine) setTimeout(kind ActionKind, on bool, flag func(m *Match) *bool) error {
	return e.do(mutation{kind: kind, apply: func(m *Match) (*Event, error) {
		if m.Ended() {
			return nil, terminalState(string(kind))
		}
		*flag(m) = on
		if on && m.Running {
			m.Running = false
			m.Status = StatusPaused
		}
		return nil, nil
	}})
}

// Undo restores the snapshot taken before the most recent recorded action.
// It is a no-op when history is empty, and stays available after the match
// has ended so an erroneous terminal call can be reverted.
func (e *Engine) Undo() error {
	return e.step(&e.undo, &e.redo, ActionUndo, "Undo")
}

// Redo re-applies the most recently undone action.
func (e *Engine) Redo() error {
	return e.step(&e.redo, &e.undo, ActionRedo, "Redo")
}

func (e *Engine) step(from, to *[]ScoringAction, kind ActionKind, verb string) error {
	e.mu.Lock()
	if e.match == nil {
		e.mu.Unlock()
		return errNoActiveMatch
	}
	if len(*from) == 0 {
		e.mu.Unlock()
		return nil
	}

	a := (*from)[len(*from)-1]
	*from = (*from)[:len(*from)-1]

	before := *e.match
	*to = append(*to, ScoringAction{
		Kind:     a.Kind,
		Label:    a.Label,
		At:       e.clock.Now(),
		Previous: before,
	})
	*e.match = a.Previous

	label := verb + ": " + a.Label
	e.publish(Transition{
		Kind:   kind,
		Label:  label,
		Before: before,
		After:  a.Previous,
		Event: &Event{
			Type:           string(kind),
			Period:         a.Previous.Period,
			ElapsedSeconds: a.Previous.ElapsedSeconds,
		},
	})
	return nil
}
