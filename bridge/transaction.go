package bridge

import (
	"time"
)

// Direction of a bridge transaction.
type Direction string

const (
	// DirectionInbound locks native asset and mints the wrapped
	// representation.
	DirectionInbound Direction = "inbound"

	// DirectionOutbound burns wrapped balance and releases native asset.
	DirectionOutbound Direction = "outbound"
)

// Status of a bridge transaction.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
)

// validTransitions is the full state machine. Failed->Pending is the retry
// edge, permitted only for recoverable failure kinds; that extra condition
// is enforced by the adapter, not here.
var validTransitions = map[Status][]Status{
	StatusPending:   {StatusConfirmed, StatusFailed, StatusTimedOut},
	StatusConfirmed: {StatusCompleted, StatusFailed},
	StatusFailed:    {StatusPending},
	StatusCompleted: {},
	StatusTimedOut:  {},
}

// CanTransitionTo reports whether the edge s -> next exists.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no edges leave this status.
func (s Status) Terminal() bool {
	return len(validTransitions[s]) == 0
}

// Transaction is the persisted record of one cross-boundary transfer.
type Transaction struct {
	ID        string    `json:"id"`
	Direction Direction `json:"direction"`

	// Account is the wrapped-balance account this transfer credits
	// (inbound) or debited (outbound).
	Account string `json:"account"`

	Amount uint64 `json:"amount"`
	Fee    uint64 `json:"fee"`

	// ExternalRef is the external-chain transaction hash.
	ExternalRef string `json:"external_ref"`

	Status                Status `json:"status"`
	Confirmations         int    `json:"confirmations"`
	RequiredConfirmations int    `json:"required_confirmations"`

	Attempts      int    `json:"attempts"`
	FailureKind   string `json:"failure_kind,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`

	// Retryable is set from the failure kind when the transaction fails;
	// only retryable failures may re-enter Pending.
	Retryable bool `json:"retryable,omitempty"`

	CreatedAt time.Time `json:"created_at"`

	// SubmittedAt is when the transaction last entered Pending; the
	// timeout deadline is measured from here so retries get a fresh clock.
	SubmittedAt time.Time `json:"submitted_at"`

	UpdatedAt   time.Time `json:"updated_at"`
	NextRetryAt time.Time `json:"next_retry_at,omitzero"`
}
