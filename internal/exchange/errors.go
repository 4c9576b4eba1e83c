package exchange

import (
	"errors"
	"fmt"
)

// TransientError marks a failure that the polling loop may recover from by
// skipping the cycle: network trouble, rate limiting, exchange 5xx. Anything
// else (bad credentials, unknown symbol, malformed request) is fatal and is
// returned as a plain error.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// ErrInsufficientFunds is returned when the exchange refuses an order for
// lack of balance. It is fatal for the cycle but not for the process.
var ErrInsufficientFunds = errors.New("insufficient funds")

func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

func transient(op string, err error) error {
	return &TransientError{Op: op, Err: err}
}
