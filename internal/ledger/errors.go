package ledger

import (
	"errors"

	"github.com/vnmchuo/token-ledger/internal/costmodel"
)

var (
	// ErrInsufficientBalance means the mutation would drive a balance below
	// zero. Nothing was written; the caller may prompt a top-up.
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")

	// ErrUnknownActionType means the action is missing from the cost model.
	ErrUnknownActionType = costmodel.ErrUnknownActionType

	// ErrConflict is a transient write conflict that survived the internal retry.
	ErrConflict = errors.New("ledger: persistence conflict")

	ErrNotFound            = errors.New("ledger: not found")
	ErrAlreadyRefunded     = errors.New("ledger: payment already refunded")
	ErrDuplicateSettlement = errors.New("ledger: settlement reference already recorded")
	ErrInvalidInput        = errors.New("ledger: invalid input")
)

// IsRetryable returns true if the operation may succeed when repeated as is.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsUserActionable returns true if the end user can resolve the error
// themselves, e.g. by topping up.
func IsUserActionable(err error) bool {
	return errors.Is(err, ErrInsufficientBalance)
}
