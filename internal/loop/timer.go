// Package loop implements the round timer that drives the debate game.
//
// A round lasts RoundMinutes simulated minutes and moves through the
// sensing, debating, trading and reviewing phases. The state machine is a
// pure value type; Runner owns the single mutable instance.
package loop

import (
	"agent_consensus/internal/domain"
)

const (
	SecondsPerMinute = 60
	RoundMinutes     = 40
	RoundSeconds     = RoundMinutes * SecondsPerMinute
)

type phaseWindow struct {
	phase domain.LoopPhase
	start int
	end   int
}

// windows are half-open [start, end) minute ranges. Reviewing has zero
// duration and is open ended so every minute >= RoundMinutes lands there.
var windows = []phaseWindow{
	{phase: domain.LoopPhaseSensing, start: 0, end: 2},
	{phase: domain.LoopPhaseDebating, start: 2, end: 10},
	{phase: domain.LoopPhaseTrading, start: 10, end: 40},
	{phase: domain.LoopPhaseReviewing, start: 40, end: 40},
}

// TimerState is the only mutable loop state: seconds into the current round
// and the round counter.
type TimerState struct {
	ElapsedSeconds int `json:"elapsed_seconds"`
	Round          int `json:"round"`
}

func NewTimerState() TimerState {
	return TimerState{ElapsedSeconds: 0, Round: 1}
}

func (s TimerState) CurrentMinute() int {
	if s.ElapsedSeconds <= 0 {
		return 0
	}
	return s.ElapsedSeconds / SecondsPerMinute
}

func (s TimerState) Phase() domain.LoopPhase {
	return Classify(s.CurrentMinute())
}

// Classify maps a minute within the round to its phase.
func Classify(minute int) domain.LoopPhase {
	for _, w := range windows[:len(windows)-1] {
		if minute < w.end {
			return w.phase
		}
	}
	return domain.LoopPhaseReviewing
}

// PhaseBounds returns the [start, end) minute window of a phase.
func PhaseBounds(phase domain.LoopPhase) (start, end int, ok bool) {
	for _, w := range windows {
		if w.phase == phase {
			return w.start, w.end, true
		}
	}
	return 0, 0, false
}

// Tick advances the state by one simulated second. A state already in the
// reviewing phase is rolled over instead, so the rollover consumes the tick
// that observes it.
func Tick(s TimerState) (TimerState, domain.Transition) {
	if next, rolled := Rollover(s); rolled {
		return next, domain.Transition{
			From:           domain.LoopPhaseReviewing,
			To:             next.Phase(),
			Round:          next.Round,
			RoundStarted:   true,
			RoundCompleted: true,
			CompletedRound: s.Round,
		}
	}

	from := s.Phase()
	next := TimerState{ElapsedSeconds: s.ElapsedSeconds + 1, Round: s.Round}
	to := next.Phase()
	if from == to {
		return next, domain.Transition{}
	}
	return next, domain.Transition{From: from, To: to, Round: next.Round}
}

// Rollover starts the next round when the state has reached reviewing.
func Rollover(s TimerState) (TimerState, bool) {
	if s.Phase() != domain.LoopPhaseReviewing {
		return s, false
	}
	return TimerState{ElapsedSeconds: 0, Round: s.Round + 1}, true
}

func PhaseProgressPercent(s TimerState) float64 {
	minute := s.CurrentMinute()
	start, end, _ := PhaseBounds(Classify(minute))
	if end <= start {
		return 0
	}
	return clampPercent(float64(minute-start) / float64(end-start) * 100)
}

func TotalProgressPercent(s TimerState) float64 {
	return clampPercent(float64(s.CurrentMinute()) / RoundMinutes * 100)
}

func RemainingSeconds(s TimerState) int {
	minute := s.CurrentMinute()
	elapsed := s.ElapsedSeconds
	if elapsed < 0 {
		elapsed = 0
	}
	remaining := (RoundMinutes-minute)*SecondsPerMinute - elapsed%SecondsPerMinute
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Project builds the display snapshot for a state.
func Project(s TimerState) domain.Snapshot {
	return domain.Snapshot{
		Phase:                s.Phase(),
		Round:                s.Round,
		ElapsedSeconds:       s.ElapsedSeconds,
		CurrentMinute:        s.CurrentMinute(),
		TotalMinutes:         RoundMinutes,
		PhaseProgressPercent: PhaseProgressPercent(s),
		TotalProgressPercent: TotalProgressPercent(s),
		RemainingSeconds:     RemainingSeconds(s),
	}
}

func clampPercent(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
