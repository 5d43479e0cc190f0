package domain

import "fmt"

// AdmissionError is raised by the relay when an order fails the orderbook's
// admission rule (spec.md §4.2, §7). Admission errors are never retried: the
// order is dropped with a warning.
type AdmissionError struct {
	OrderID OrderID
	Reason  string
}

func (e *AdmissionError) Error() string {
	return fmt.Sprintf("admission rejected order %s: %s", e.OrderID, e.Reason)
}

// MatchError marks a match-level rejection discovered at verify time
// (spec.md §4.9 step 6, §7). Match errors are implicitly retried on a later
// block once conditions change; they are never surfaced to the supervisor.
type MatchError struct {
	MatchID string
	Reason  string
}

func (e *MatchError) Error() string {
	return fmt.Sprintf("match %s rejected: %s", e.MatchID, e.Reason)
}

// SimulationError is a transient, this-block-only rejection raised by the
// execution simulator (spec.md §4.4, §7). IsTransient is always true: the
// same match may become valid in a later block once other participants act.
type SimulationError struct {
	Reason      string
	IsTransient bool
}

func (e *SimulationError) Error() string {
	return e.Reason
}

// NewSimulationError builds a SimulationError with IsTransient always true,
// matching spec.md §4.4's invariant that every simulator rejection is
// transient.
func NewSimulationError(reason string) *SimulationError {
	return &SimulationError{Reason: reason, IsTransient: true}
}

// Named simulation rejection reasons (spec.md §4.4, §8 scenario S3/S4).
const (
	ReasonInsufficientErc721Balance   = "InsufficientErc721Balance"
	ReasonInsufficientWethBalance     = "InsufficientWethBalance"
	ReasonInsufficientWethAllowance   = "InsufficientWethAllowance"
	ReasonInsufficientEthBalance      = "InsufficientEthBalance"
	ReasonOrderExecuted               = "OrderExecuted"
	ReasonNonceExecuted               = "NonceExecuted"
)

// BalanceLossError marks the whole-block rejection raised when a composed
// transaction's aggregate effect on the intermediary's wealth is negative
// (spec.md §4.9 step 9, §7). It is non-transient after the configured number
// of quarantine-and-retry attempts.
type BalanceLossError struct {
	Attempt    int
	MaxAttempts int
}

func (e *BalanceLossError) Error() string {
	return fmt.Sprintf("balance-loss: intermediary wealth would decrease (attempt %d/%d)", e.Attempt, e.MaxAttempts)
}
