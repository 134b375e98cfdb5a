package recovery

import (
	"time"

	"github.com/bitflowhq/bitflow-core/errors"
)

// Record is the immutable audit entry created for every reported failure.
// Records are read-only after creation.
type Record struct {
	ID        string            `json:"id"`
	Kind      errors.Kind       `json:"-"`
	KindCode  string            `json:"kind"`
	Severity  string            `json:"severity"`
	Timestamp time.Time         `json:"timestamp"`
	Origin    string            `json:"origin"`
	Data      map[string]string `json:"data,omitempty"`
}
