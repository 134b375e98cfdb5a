package validation

import (
	"fmt"
	"time"

	"github.com/bitflowhq/bitflow-core/errors"
	"github.com/bitflowhq/bitflow-core/pkg/streammath"
)

// Address length bounds cover base58 and bech32 encodings.
const (
	minAddressLen = 26
	maxAddressLen = 90
)

// Address checks that addr looks like a plausible settlement address.
// The core does not verify checksums; that belongs to the wallet layer.
func Address(component, op, addr string) error {
	if addr == "" {
		return errors.E(errors.KindInvalidAddress, component, op, "address is empty")
	}
	if len(addr) < minAddressLen || len(addr) > maxAddressLen {
		return errors.E(errors.KindInvalidAddress, component, op,
			fmt.Sprintf("address length %d outside [%d, %d]", len(addr), minAddressLen, maxAddressLen))
	}
	for _, r := range addr {
		if (r < '0' || r > '9') && (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') {
			return errors.E(errors.KindInvalidAddress, component, op,
				"address contains non-alphanumeric characters")
		}
	}
	return nil
}

// Amount checks that amount is positive.
func Amount(component, op string, amount uint64) error {
	if amount == 0 {
		return errors.E(errors.KindZeroAmount, component, op, "amount must be positive")
	}
	return nil
}

// Rate checks that the per-second streaming rate is positive.
func Rate(component, op string, rate uint64) error {
	if rate == 0 {
		return errors.E(errors.KindInvalidRate, component, op, "rate must be positive")
	}
	return nil
}

// Duration checks that a stream duration is positive.
func Duration(component, op string, d time.Duration) error {
	if d <= 0 {
		return errors.E(errors.KindInvalidDuration, component, op, "duration must be positive")
	}
	return nil
}

// TimeRange checks that start strictly precedes end.
func TimeRange(component, op string, start, end time.Time) error {
	if !start.Before(end) {
		return errors.E(errors.KindInvalidTimeRange, component, op,
			fmt.Sprintf("start %s is not before end %s", start.Format(time.RFC3339), end.Format(time.RFC3339)))
	}
	return nil
}

// StreamTerms checks that rate*duration does not exceed amount. Any excess
// is rejected: streamed value beyond the committed amount would never be
// reachable, so accepting it only misleads the sender.
func StreamTerms(component, op string, amount, ratePerSecond uint64, duration time.Duration) error {
	if err := Amount(component, op, amount); err != nil {
		return err
	}
	if err := Rate(component, op, ratePerSecond); err != nil {
		return err
	}
	if err := Duration(component, op, duration); err != nil {
		return err
	}

	secs := streammath.WholeSeconds(duration)
	product, err := streammath.SafeMul(ratePerSecond, secs)
	if err != nil {
		return errors.E(errors.KindInvalidParameters, component, op,
			"rate and duration overflow")
	}
	if product > amount {
		return errors.E(errors.KindInvalidParameters, component, op,
			fmt.Sprintf("rate*duration (%d) exceeds committed amount (%d)", product, amount))
	}
	return nil
}

// SufficientFunds checks that balance covers the requested debit.
func SufficientFunds(component, op string, balance, amount uint64) error {
	if amount > balance {
		return errors.E(errors.KindInsufficientBalance, component, op,
			fmt.Sprintf("balance %d cannot cover %d", balance, amount))
	}
	return nil
}
