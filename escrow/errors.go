package escrow

import "errors"

var (
	// ErrUnknownPayment is returned when no payment exists for the supplied
	// identifier.
	ErrUnknownPayment = errors.New("escrow: unknown payment")
	// ErrAlreadyInProcess is returned when creating a payment whose derived
	// identifier is already bound to an in-flight record.
	ErrAlreadyInProcess = errors.New("escrow: payment already in process")
	// ErrInvalidState is returned when the requested transition is not legal
	// from the payment's current state.
	ErrInvalidState = errors.New("escrow: operation not allowed in current state")
	// ErrCallerMismatch is returned when the caller is not the sender,
	// beneficiary or resolver the operation expects.
	ErrCallerMismatch = errors.New("escrow: caller mismatch")
	// ErrArithmeticOverflow covers fee or split parameters outside their
	// representable range.
	ErrArithmeticOverflow = errors.New("escrow: arithmetic overflow")
	// ErrArithmeticUnderflow is returned when a computed net amount would be
	// negative.
	ErrArithmeticUnderflow = errors.New("escrow: arithmetic underflow")
	// ErrLedgerOperation wraps hold/release/transfer rejections from the
	// ledger adapter.
	ErrLedgerOperation = errors.New("escrow: ledger operation failed")
	// ErrSchedulerOperation wraps failures registering a deferred action.
	ErrSchedulerOperation = errors.New("escrow: scheduler operation failed")
	// ErrIDUnavailable is returned once the identifier space for a
	// sender/beneficiary pair is exhausted.
	ErrIDUnavailable = errors.New("escrow: payment id space exhausted")
	// ErrRemarkTooLong is returned when the attached remark exceeds the
	// configured byte limit.
	ErrRemarkTooLong = errors.New("escrow: remark exceeds configured length")
	// ErrTooManyFees is returned when a fee engine produces more entries per
	// side than the configuration allows.
	ErrTooManyFees = errors.New("escrow: fee schedule exceeds configured length")
)
