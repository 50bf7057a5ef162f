package ledger

import "errors"

var (
	ErrAccountNotFound      = errors.New("account not found")
	ErrAccountExists        = errors.New("account already exists")
	ErrUnknownProgram       = errors.New("unknown program")
	ErrUnauthorized         = errors.New("unauthorized")
	ErrMissingSignature     = errors.New("missing required signature")
	ErrInvalidSignature     = errors.New("invalid signature")
	ErrInvalidAmount        = errors.New("amount must be > 0")
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrMathOverflow         = errors.New("arithmetic overflow")
	ErrInvalidInstruction   = errors.New("invalid instruction data")
	ErrInvalidAccountData   = errors.New("invalid account data")
	ErrAccountMismatch      = errors.New("account does not match expected address")
	ErrDuplicateTransaction = errors.New("transaction already processed")
	ErrNonEmptyAccount      = errors.New("account balance must be zero to close")
)
