package stream

import (
	"time"

	"github.com/bitflowhq/bitflow-core/pkg/streammath"
)

// Stream status values, stable strings for persistence and list filters.
const (
	StatusActive    = "active"
	StatusPaused    = "paused"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
)

// Record is the persisted state of one payment stream.
type Record struct {
	ID            string    `json:"id"`
	Sender        string    `json:"sender"`
	Recipient     string    `json:"recipient"`
	TotalAmount   uint64    `json:"total_amount"`
	RatePerSecond uint64    `json:"rate_per_second"`
	StartTime     time.Time `json:"start_time"`
	EndTime       time.Time `json:"end_time"`

	WithdrawnAmount uint64 `json:"withdrawn_amount"`

	// BonusCredit is withdrawable value credited by yield distribution. It
	// is tracked apart from TotalAmount so yield never pushes
	// WithdrawnAmount past the committed total.
	BonusCredit uint64 `json:"bonus_credit"`

	Status   string    `json:"status"`
	IsActive bool      `json:"is_active"`
	IsPaused bool      `json:"is_paused"`
	PausedAt time.Time `json:"paused_at,omitzero"`

	YieldEnabled bool `json:"yield_enabled"`

	CreatedAt   time.Time `json:"created_at"`
	LastPayment time.Time `json:"last_payment,omitzero"`
}

// availableAt returns the withdrawable balance at the given instant:
// min(rate*elapsed, total) - withdrawn + bonus. Accrual stops at the pause
// timestamp while paused and at EndTime always.
func (r *Record) availableAt(now time.Time) uint64 {
	accrualEnd := now
	if r.IsPaused && r.PausedAt.Before(accrualEnd) {
		accrualEnd = r.PausedAt
	}
	if r.EndTime.Before(accrualEnd) {
		accrualEnd = r.EndTime
	}

	streamed := streammath.StreamedAmount(r.RatePerSecond,
		streammath.Elapsed(accrualEnd, r.StartTime), r.TotalAmount)

	var available uint64
	if streamed > r.WithdrawnAmount {
		available = streamed - r.WithdrawnAmount
	}
	return available + r.BonusCredit
}

// fullyWithdrawn reports whether every committed satoshi and every bonus
// credit has been paid out.
func (r *Record) fullyWithdrawn() bool {
	return r.WithdrawnAmount == r.TotalAmount && r.BonusCredit == 0
}
