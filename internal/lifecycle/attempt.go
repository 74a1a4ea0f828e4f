package lifecycle

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"pafer-trading-engine/internal/execution"
	"pafer-trading-engine/internal/signal"
)

var (
	// ErrConcurrentTradeAttempt is returned when a new attempt is started
	// while another one is still in a non-terminal phase.
	ErrConcurrentTradeAttempt = errors.New("another trade attempt is in flight")

	// ErrInvalidTransition is returned for a phase change the lifecycle
	// does not permit.
	ErrInvalidTransition = errors.New("invalid phase transition")
)

// Phase is one stage of a trade attempt's lifecycle.
type Phase string

const (
	// PhasePrediction: a signal qualified and risk checks are running.
	PhasePrediction Phase = "prediction"
	// PhaseAct: the entry order is being placed.
	PhaseAct Phase = "act"
	// PhaseFeel: the position is open and being supervised.
	PhaseFeel Phase = "feel"
	// PhaseEndIncome: terminal, the position closed at its target.
	PhaseEndIncome Phase = "end_income"
	// PhaseRollback: terminal, the position was unwound for any other
	// reason and the account is flat again.
	PhaseRollback Phase = "rollback"
)

// Terminal reports whether the phase ends the attempt.
func (p Phase) Terminal() bool {
	return p == PhaseEndIncome || p == PhaseRollback
}

var allowedTransitions = map[Phase][]Phase{
	PhasePrediction: {PhaseAct, PhaseRollback},
	PhaseAct:        {PhaseFeel, PhaseRollback},
	PhaseFeel:       {PhaseEndIncome, PhaseRollback},
}

// Transition is one audited phase change.
type Transition struct {
	From   Phase     `json:"from"`
	To     Phase     `json:"to"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason"`
}

// TradeAttempt is one pass through the lifecycle, from qualified signal to a
// terminal phase. Every phase change is recorded on the attempt itself.
type TradeAttempt struct {
	ID     string        `json:"id"`
	Symbol string        `json:"symbol"`
	Signal signal.Signal `json:"signal"`
	// ParamsID is the parameter set the attempt was evaluated under; it
	// stays fixed even if a new set is promoted mid-trade.
	ParamsID string `json:"params_id"`

	Phase       Phase        `json:"phase"`
	Transitions []Transition `json:"transitions"`

	Quantity float64 `json:"quantity"`
	Leverage float64 `json:"leverage"`

	EntryFill *execution.Fill `json:"entry_fill,omitempty"`
	ExitFill  *execution.Fill `json:"exit_fill,omitempty"`

	StartedAt   time.Time `json:"started_at"`
	ClosedAt    time.Time `json:"closed_at,omitempty"`
	RealizedPnL float64   `json:"realized_pnl"`
	Fees        float64   `json:"fees"`
	CloseReason string    `json:"close_reason,omitempty"`
}

// newAttempt starts an attempt in the prediction phase.
func newAttempt(symbol string, sig signal.Signal, now time.Time) *TradeAttempt {
	return &TradeAttempt{
		ID:        uuid.New().String(),
		Symbol:    symbol,
		Signal:    sig,
		ParamsID:  sig.ParamsID,
		Phase:     PhasePrediction,
		StartedAt: now,
	}
}

// transition moves the attempt to the next phase, appending to the audit
// trail. Disallowed moves leave the attempt untouched.
func (a *TradeAttempt) transition(to Phase, reason string, now time.Time) (Transition, error) {
	for _, next := range allowedTransitions[a.Phase] {
		if next == to {
			tr := Transition{From: a.Phase, To: to, At: now, Reason: reason}
			a.Phase = to
			a.Transitions = append(a.Transitions, tr)
			if to.Terminal() {
				a.ClosedAt = now
				a.CloseReason = reason
			}
			return tr, nil
		}
	}
	return Transition{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, a.Phase, to)
}

// Duration is the time from start to close, or to now for live attempts.
func (a *TradeAttempt) Duration(now time.Time) time.Duration {
	if a.Phase.Terminal() {
		return a.ClosedAt.Sub(a.StartedAt)
	}
	return now.Sub(a.StartedAt)
}
