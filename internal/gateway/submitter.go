package gateway

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gagliardetto/solana-go"
	"github.com/voltgrid/energy/backend/internal/ledger"
)

// Submitter submits mint requests against the ledger.
type Submitter interface {
	MintEnergy(ctx context.Context, wallet solana.PublicKey, amount uint64) (solana.Signature, error)
}

// RetryingSubmitter retries transient submission failures with exponential
// backoff. Ledger rule violations are deterministic and never retried.
type RetryingSubmitter struct {
	inner     Submitter
	maxTries  uint
	baseDelay time.Duration
	maxDelay  time.Duration
	logger    *slog.Logger
}

func NewRetryingSubmitter(inner Submitter, maxTries int, baseDelay, maxDelay time.Duration, logger *slog.Logger) *RetryingSubmitter {
	if maxTries < 1 {
		maxTries = 1
	}
	return &RetryingSubmitter{
		inner:     inner,
		maxTries:  uint(maxTries),
		baseDelay: baseDelay,
		maxDelay:  maxDelay,
		logger:    logger,
	}
}

var permanentSubmitErrors = []error{
	ledger.ErrUnauthorized,
	ledger.ErrMissingSignature,
	ledger.ErrInvalidSignature,
	ledger.ErrInvalidAmount,
	ledger.ErrInsufficientFunds,
	ledger.ErrMathOverflow,
	ledger.ErrInvalidInstruction,
	ledger.ErrInvalidAccountData,
	ledger.ErrAccountMismatch,
	ledger.ErrDuplicateTransaction,
	ledger.ErrUnknownProgram,
}

func (r *RetryingSubmitter) MintEnergy(ctx context.Context, wallet solana.PublicKey, amount uint64) (solana.Signature, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.baseDelay
	policy.MaxInterval = r.maxDelay

	operation := func() (solana.Signature, error) {
		sig, err := r.inner.MintEnergy(ctx, wallet, amount)
		if err == nil {
			return sig, nil
		}
		for _, sentinel := range permanentSubmitErrors {
			if errors.Is(err, sentinel) {
				return solana.Signature{}, backoff.Permanent(err)
			}
		}
		return solana.Signature{}, err
	}

	notify := func(err error, delay time.Duration) {
		r.logger.Warn("mint submission retry", "wallet", wallet, "amount", amount, "err", err, "backoff", delay.String())
	}

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(r.maxTries),
		backoff.WithNotify(notify))
}
