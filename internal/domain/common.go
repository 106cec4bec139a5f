package domain

// CycleState is a step of a single decision cycle.
type CycleState string

const (
	StateIdle         CycleState = "idle"
	StateFetching     CycleState = "fetching"
	StateEvaluating   CycleState = "evaluating"
	StateSubmitting   CycleState = "submitting"
	StateAwaitingFill CycleState = "awaiting_fill"
	StateSettled      CycleState = "settled"
	StateRejected     CycleState = "rejected"
)

// CycleOutcome describes how a decision cycle ended.
type CycleOutcome string

const (
	OutcomeNothingToSell CycleOutcome = "nothing_to_sell" // No lot met the required margin
	OutcomeSettled       CycleOutcome = "settled"         // Order filled, ledger mutated
	OutcomeRejected      CycleOutcome = "rejected"        // Exchange refused the order, ledger untouched
	OutcomeFailed        CycleOutcome = "failed"          // Fill not confirmed within the max wait
	OutcomeAborted       CycleOutcome = "aborted"         // Tick skipped before evaluation (feed, sample, stale quote)
)
