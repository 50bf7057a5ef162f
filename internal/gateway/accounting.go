package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
)

var (
	ErrMissingWallet = errors.New("wallet is required")
	ErrStaleReport   = errors.New("stale or replayed report")
	ErrSubmitFailed  = errors.New("mint submission failed")
)

var secondsPerHour = decimal.NewFromInt(3600)

// InstantReport is one instantaneous net-power sample. Credit is computed
// from the configured reporting window, so a skipped window is energy lost.
type InstantReport struct {
	DeviceID  string
	Wallet    solana.PublicKey
	SurplusKW decimal.Decimal
	Nonce     uint64
	UnixTS    int64
}

// CumulativeReport carries the meter's lifetime kWh counters. Credit is the
// surplus growth since the previous report, so missed reports lose nothing.
type CumulativeReport struct {
	DeviceID     string
	Wallet       solana.PublicKey
	GenTotalKWh  decimal.Decimal
	ConsTotalKWh decimal.Decimal
	Nonce        uint64
	UnixTS       int64
}

type MintResult struct {
	DeviceID     string
	Wallet       solana.PublicKey
	TokensMinted uint64
	Signature    solana.Signature
	// Baselined marks a cumulative report that only recorded counter
	// baselines: the first one from a device, or one after a meter reset.
	Baselined bool
}

// Accountant turns meter reports into mint submissions. Device state is
// persisted only after the ledger confirmed the mint, so a failed submission
// leaves the counters untouched and the next report re-credits the energy.
type Accountant struct {
	store         MeterStore
	submit        Submitter
	windowSeconds uint64
	logger        *slog.Logger

	mu          sync.Mutex
	deviceLocks map[string]*sync.Mutex
}

func NewAccountant(store MeterStore, submit Submitter, windowSeconds uint64, logger *slog.Logger) *Accountant {
	return &Accountant{
		store:         store,
		submit:        submit,
		windowSeconds: windowSeconds,
		logger:        logger,
		deviceLocks:   make(map[string]*sync.Mutex),
	}
}

// Accounting state is keyed by the (device, wallet) pair: a meter re-pointed
// at a new wallet starts from fresh baselines instead of inheriting the old
// wallet's counters.
func accountKey(deviceID string, wallet solana.PublicKey) string {
	return deviceID + "|" + wallet.String()
}

func (a *Accountant) lockAccount(key string) func() {
	a.mu.Lock()
	lock, ok := a.deviceLocks[key]
	if !ok {
		lock = &sync.Mutex{}
		a.deviceLocks[key] = lock
	}
	a.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}

// ProcessInstant credits floor(surplus_kW * window / 3600) tokens for one
// reporting window. Sub-token remainders are not carried: the instantaneous
// report has no counters to reconcile against, so rounding loss is accepted.
func (a *Accountant) ProcessInstant(ctx context.Context, report InstantReport) (MintResult, error) {
	if report.Wallet.IsZero() {
		return MintResult{}, ErrMissingWallet
	}
	unlock := a.lockAccount(accountKey(report.DeviceID, report.Wallet))
	defer unlock()

	state, exists, err := a.store.DeviceState(ctx, report.DeviceID, report.Wallet.String())
	if err != nil {
		return MintResult{}, err
	}
	if exists {
		if err := checkFreshness(state, report.Nonce, report.UnixTS); err != nil {
			return MintResult{}, err
		}
	} else {
		state = DeviceState{DeviceID: report.DeviceID}
	}

	tokens := uint64(0)
	if report.SurplusKW.IsPositive() {
		energyKWh := report.SurplusKW.Mul(decimal.NewFromInt(int64(a.windowSeconds))).Div(secondsPerHour)
		tokens = uint64(energyKWh.IntPart())
	}

	result := MintResult{DeviceID: report.DeviceID, Wallet: report.Wallet, TokensMinted: tokens}
	if tokens > 0 {
		sig, err := a.submit.MintEnergy(ctx, report.Wallet, tokens)
		if err != nil {
			return MintResult{}, fmt.Errorf("%w: %w", ErrSubmitFailed, err)
		}
		result.Signature = sig
	}

	state.Wallet = report.Wallet.String()
	state.LastNonce = report.Nonce
	state.LastUnixTS = report.UnixTS
	state.TotalMinted += tokens
	state.UpdatedAt = time.Now().UTC()
	if err := a.store.UpsertDeviceState(ctx, state); err != nil {
		return MintResult{}, err
	}
	return result, nil
}

// ProcessCumulative credits the growth in surplus since the last report:
// (gen_total - last_gen_total) - (cons_total - last_cons_total). Whole
// tokens are minted; the fractional remainder carries to the next report.
func (a *Accountant) ProcessCumulative(ctx context.Context, report CumulativeReport) (MintResult, error) {
	if report.Wallet.IsZero() {
		return MintResult{}, ErrMissingWallet
	}
	unlock := a.lockAccount(accountKey(report.DeviceID, report.Wallet))
	defer unlock()

	state, exists, err := a.store.DeviceState(ctx, report.DeviceID, report.Wallet.String())
	if err != nil {
		return MintResult{}, err
	}
	if !exists {
		state = DeviceState{DeviceID: report.DeviceID}
		return a.baseline(ctx, state, report)
	}
	if err := checkFreshness(state, report.Nonce, report.UnixTS); err != nil {
		return MintResult{}, err
	}
	if !state.HasBaseline {
		// The row was created by the instantaneous path and carries no
		// counter baselines; treat this as the device's first totals.
		return a.baseline(ctx, state, report)
	}

	deltaGen := report.GenTotalKWh.Sub(state.LastGenTotal)
	deltaCons := report.ConsTotalKWh.Sub(state.LastConsTotal)
	if deltaGen.IsNegative() || deltaCons.IsNegative() {
		// Counter went backwards: meter replaced or reset. Start over from
		// the reported totals rather than crediting a bogus delta.
		a.logger.Warn("meter counter regression, re-baselining",
			"device_id", report.DeviceID,
			"delta_gen", deltaGen.String(),
			"delta_cons", deltaCons.String(),
		)
		return a.baseline(ctx, state, report)
	}

	total := state.CreditFraction
	if surplus := deltaGen.Sub(deltaCons); surplus.IsPositive() {
		total = total.Add(surplus)
	}
	tokens := uint64(total.IntPart())
	fraction := total.Sub(decimal.NewFromInt(total.IntPart()))

	result := MintResult{DeviceID: report.DeviceID, Wallet: report.Wallet, TokensMinted: tokens}
	if tokens > 0 {
		sig, err := a.submit.MintEnergy(ctx, report.Wallet, tokens)
		if err != nil {
			return MintResult{}, fmt.Errorf("%w: %w", ErrSubmitFailed, err)
		}
		result.Signature = sig
	}

	state.Wallet = report.Wallet.String()
	state.LastGenTotal = report.GenTotalKWh
	state.LastConsTotal = report.ConsTotalKWh
	state.CreditFraction = fraction
	state.LastNonce = report.Nonce
	state.LastUnixTS = report.UnixTS
	state.TotalMinted += tokens
	state.UpdatedAt = time.Now().UTC()
	if err := a.store.UpsertDeviceState(ctx, state); err != nil {
		return MintResult{}, err
	}
	return result, nil
}

func (a *Accountant) baseline(ctx context.Context, state DeviceState, report CumulativeReport) (MintResult, error) {
	state.Wallet = report.Wallet.String()
	state.LastGenTotal = report.GenTotalKWh
	state.LastConsTotal = report.ConsTotalKWh
	state.HasBaseline = true
	state.LastNonce = report.Nonce
	state.LastUnixTS = report.UnixTS
	state.UpdatedAt = time.Now().UTC()
	if err := a.store.UpsertDeviceState(ctx, state); err != nil {
		return MintResult{}, err
	}
	return MintResult{DeviceID: report.DeviceID, Wallet: report.Wallet, Baselined: true}, nil
}

// checkFreshness rejects replays. A nonce must strictly grow and a timestamp
// may never move backwards; zero values opt out for meters that send neither.
func checkFreshness(state DeviceState, nonce uint64, unixTS int64) error {
	if nonce != 0 && nonce <= state.LastNonce {
		return fmt.Errorf("nonce %d <= %d: %w", nonce, state.LastNonce, ErrStaleReport)
	}
	if unixTS != 0 && unixTS < state.LastUnixTS {
		return fmt.Errorf("timestamp %d < %d: %w", unixTS, state.LastUnixTS, ErrStaleReport)
	}
	return nil
}
