package contracts

import "errors"

// Error kinds shared across components. Validation failures surface
// synchronously and cause no state change; asynchronous failures are
// recorded as terminal state plus an opened refund, never raised.
var (
	// ErrPermissionDenied is returned when the caller lacks the required role.
	ErrPermissionDenied = errors.New("contracts: permission denied")
	// ErrInvalidInput is returned for empty, malformed, or out-of-range input.
	ErrInvalidInput = errors.New("contracts: invalid input")
	// ErrUnknownRequest is returned when no disclosure request has the given id.
	ErrUnknownRequest = errors.New("contracts: unknown disclosure request")
	// ErrAlreadyTerminal is returned when a request already reached a terminal state.
	ErrAlreadyTerminal = errors.New("contracts: request already terminal")
	// ErrNotYetTimedOut is returned when a timeout is claimed inside the window.
	ErrNotYetTimedOut = errors.New("contracts: request not yet timed out")
	// ErrBudgetExceeded is returned when a charge would pass the daily cap.
	ErrBudgetExceeded = errors.New("contracts: resource budget exceeded")
	// ErrNotBeneficiary is returned when a refund claim comes from anyone else.
	ErrNotBeneficiary = errors.New("contracts: caller is not the beneficiary")
	// ErrAlreadyClaimed is returned on a second claim of the same refund.
	ErrAlreadyClaimed = errors.New("contracts: refund already claimed")
	// ErrInvalidAmount is returned for unrepresentable refund amounts.
	ErrInvalidAmount = errors.New("contracts: invalid refund amount")
	// ErrInvalidBeneficiary is returned when the beneficiary is the null identity.
	ErrInvalidBeneficiary = errors.New("contracts: invalid beneficiary")
	// ErrValueOverflow is returned for values outside the representable range.
	ErrValueOverflow = errors.New("contracts: value overflow")
	// ErrSystemNotActive is returned while the global pause switch is engaged.
	ErrSystemNotActive = errors.New("contracts: system not active")
)
