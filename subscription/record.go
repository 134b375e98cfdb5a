package subscription

import "time"

// Subscription status values, stable strings for persistence and filters.
const (
	StatusActive    = "active"
	StatusCancelled = "cancelled"
	StatusExpired   = "expired"
)

// Plan is a provider's published recurring offer: Price streams from the
// subscriber to the provider once per Interval.
type Plan struct {
	ID          string        `json:"id"`
	Provider    string        `json:"provider"`
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Price       uint64        `json:"price"`
	Interval    time.Duration `json:"interval"`

	// MaxSubscribers caps concurrent active subscriptions; zero means
	// unlimited.
	MaxSubscribers int `json:"max_subscribers"`

	CreatedAt time.Time `json:"created_at"`
}

// Record is the persisted state of one subscription.
type Record struct {
	ID         string    `json:"id"`
	PlanID     string    `json:"plan_id"`
	Subscriber string    `json:"subscriber"`
	Provider   string    `json:"provider"`
	StreamID   string    `json:"stream_id"`
	StartTime  time.Time `json:"start_time"`
	EndTime    time.Time `json:"end_time"`
	AutoRenew  bool      `json:"auto_renew"`
	Status     string    `json:"status"`
}

// statusAt resolves lazy expiry: an active subscription past its end time
// reads as expired.
func (r Record) statusAt(now time.Time) string {
	if r.Status == StatusActive && now.After(r.EndTime) {
		return StatusExpired
	}
	return r.Status
}
