package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type mintCall struct {
	wallet solana.PublicKey
	amount uint64
}

type fakeSubmitter struct {
	mu       sync.Mutex
	calls    []mintCall
	failWith error
}

func (f *fakeSubmitter) MintEnergy(_ context.Context, wallet solana.PublicKey, amount uint64) (solana.Signature, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return solana.Signature{}, f.failWith
	}
	f.calls = append(f.calls, mintCall{wallet: wallet, amount: amount})
	var sig solana.Signature
	sig[0] = byte(len(f.calls))
	return sig, nil
}

func (f *fakeSubmitter) total() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	var sum uint64
	for _, call := range f.calls {
		sum += call.amount
	}
	return sum
}

func dec(t *testing.T, raw string) decimal.Decimal {
	t.Helper()
	value, err := decimal.NewFromString(raw)
	require.NoError(t, err)
	return value
}

func testWallet(t *testing.T) solana.PublicKey {
	t.Helper()
	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	return key.PublicKey()
}

func newTestAccountant(windowSeconds uint64) (*Accountant, *fakeSubmitter, *MemoryStore) {
	store := NewMemoryStore()
	submit := &fakeSubmitter{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewAccountant(store, submit, windowSeconds, logger), submit, store
}

func cumulative(t *testing.T, wallet solana.PublicKey, gen, cons string, nonce uint64, ts int64) CumulativeReport {
	t.Helper()
	return CumulativeReport{
		DeviceID:     "meter-001",
		Wallet:       wallet,
		GenTotalKWh:  dec(t, gen),
		ConsTotalKWh: dec(t, cons),
		Nonce:        nonce,
		UnixTS:       ts,
	}
}

func TestCumulativeFirstReportOnlyBaselines(t *testing.T) {
	acct, submit, store := newTestAccountant(10)
	wallet := testWallet(t)
	ctx := context.Background()

	result, err := acct.ProcessCumulative(ctx, cumulative(t, wallet, "120.5", "40.2", 1, 1000))
	require.NoError(t, err)
	require.True(t, result.Baselined)
	require.Zero(t, result.TokensMinted)
	require.Empty(t, submit.calls)

	state, exists, err := store.DeviceState(ctx, "meter-001", wallet.String())
	require.NoError(t, err)
	require.True(t, exists)
	require.True(t, state.HasBaseline)
	require.True(t, state.LastGenTotal.Equal(dec(t, "120.5")))
	require.True(t, state.LastConsTotal.Equal(dec(t, "40.2")))
}

func TestCumulativeCreditsDeltaAndCarriesFraction(t *testing.T) {
	acct, submit, store := newTestAccountant(10)
	wallet := testWallet(t)
	ctx := context.Background()

	_, err := acct.ProcessCumulative(ctx, cumulative(t, wallet, "0", "0", 1, 1000))
	require.NoError(t, err)

	// Surplus grew by 1.3 kWh: one token minted, 0.3 carried.
	result, err := acct.ProcessCumulative(ctx, cumulative(t, wallet, "1.5", "0.2", 2, 1010))
	require.NoError(t, err)
	require.Equal(t, uint64(1), result.TokensMinted)
	require.False(t, result.Signature.IsZero())

	// Another 1.0 kWh surplus plus the 0.3 carry: one token, 0.3 remains.
	result, err = acct.ProcessCumulative(ctx, cumulative(t, wallet, "2.5", "0.2", 3, 1020))
	require.NoError(t, err)
	require.Equal(t, uint64(1), result.TokensMinted)

	// 0.7 surplus + 0.3 carry lands exactly on a whole token.
	result, err = acct.ProcessCumulative(ctx, cumulative(t, wallet, "3.2", "0.2", 4, 1030))
	require.NoError(t, err)
	require.Equal(t, uint64(1), result.TokensMinted)

	state, _, err := store.DeviceState(ctx, "meter-001", wallet.String())
	require.NoError(t, err)
	require.True(t, state.CreditFraction.IsZero())
	require.Equal(t, uint64(3), state.TotalMinted)
	require.Equal(t, uint64(3), submit.total())
}

func TestCumulativeConsumptionOffsetsGeneration(t *testing.T) {
	acct, submit, _ := newTestAccountant(10)
	wallet := testWallet(t)
	ctx := context.Background()

	_, err := acct.ProcessCumulative(ctx, cumulative(t, wallet, "10", "5", 1, 1000))
	require.NoError(t, err)

	// Consumption grew faster than generation: nothing to credit.
	result, err := acct.ProcessCumulative(ctx, cumulative(t, wallet, "11", "8", 2, 1010))
	require.NoError(t, err)
	require.Zero(t, result.TokensMinted)
	require.Empty(t, submit.calls)

	// Baselines advanced regardless, so the deficit is not carried either.
	result, err = acct.ProcessCumulative(ctx, cumulative(t, wallet, "13.5", "8", 3, 1020))
	require.NoError(t, err)
	require.Equal(t, uint64(2), result.TokensMinted)
}

func TestCumulativeRejectsReplay(t *testing.T) {
	acct, submit, _ := newTestAccountant(10)
	wallet := testWallet(t)
	ctx := context.Background()

	_, err := acct.ProcessCumulative(ctx, cumulative(t, wallet, "1", "0", 5, 1000))
	require.NoError(t, err)

	_, err = acct.ProcessCumulative(ctx, cumulative(t, wallet, "2", "0", 5, 1010))
	require.ErrorIs(t, err, ErrStaleReport)

	_, err = acct.ProcessCumulative(ctx, cumulative(t, wallet, "2", "0", 4, 1010))
	require.ErrorIs(t, err, ErrStaleReport)

	_, err = acct.ProcessCumulative(ctx, cumulative(t, wallet, "2", "0", 6, 900))
	require.ErrorIs(t, err, ErrStaleReport)

	require.Empty(t, submit.calls)
}

func TestCumulativeCounterResetRebaselines(t *testing.T) {
	acct, submit, store := newTestAccountant(10)
	wallet := testWallet(t)
	ctx := context.Background()

	_, err := acct.ProcessCumulative(ctx, cumulative(t, wallet, "100", "30", 1, 1000))
	require.NoError(t, err)

	// Meter was replaced: counters dropped. No credit, new baselines.
	result, err := acct.ProcessCumulative(ctx, cumulative(t, wallet, "2", "1", 2, 1010))
	require.NoError(t, err)
	require.True(t, result.Baselined)
	require.Zero(t, result.TokensMinted)
	require.Empty(t, submit.calls)

	state, _, err := store.DeviceState(ctx, "meter-001", wallet.String())
	require.NoError(t, err)
	require.True(t, state.LastGenTotal.Equal(dec(t, "2")))

	// Accounting resumes from the new baselines.
	result, err = acct.ProcessCumulative(ctx, cumulative(t, wallet, "5", "1", 3, 1020))
	require.NoError(t, err)
	require.Equal(t, uint64(3), result.TokensMinted)
}

func TestCumulativeSubmitFailureLeavesStateUntouched(t *testing.T) {
	acct, submit, store := newTestAccountant(10)
	wallet := testWallet(t)
	ctx := context.Background()

	_, err := acct.ProcessCumulative(ctx, cumulative(t, wallet, "0", "0", 1, 1000))
	require.NoError(t, err)

	submit.failWith = errors.New("ledger unavailable")
	_, err = acct.ProcessCumulative(ctx, cumulative(t, wallet, "4", "0", 2, 1010))
	require.ErrorIs(t, err, ErrSubmitFailed)

	// Baselines did not advance, so the retry credits the full surplus.
	state, _, err := store.DeviceState(ctx, "meter-001", wallet.String())
	require.NoError(t, err)
	require.True(t, state.LastGenTotal.IsZero())
	require.Zero(t, state.TotalMinted)

	submit.failWith = nil
	result, err := acct.ProcessCumulative(ctx, cumulative(t, wallet, "4", "0", 2, 1010))
	require.NoError(t, err)
	require.Equal(t, uint64(4), result.TokensMinted)
}

func TestInstantWindowCredit(t *testing.T) {
	wallet := testWallet(t)
	ctx := context.Background()

	t.Run("hour window credits surplus directly", func(t *testing.T) {
		acct, submit, _ := newTestAccountant(3600)
		result, err := acct.ProcessInstant(ctx, InstantReport{
			DeviceID:  "meter-001",
			Wallet:    wallet,
			SurplusKW: dec(t, "4"),
			Nonce:     1,
			UnixTS:    1000,
		})
		require.NoError(t, err)
		require.Equal(t, uint64(4), result.TokensMinted)
		require.Equal(t, uint64(4), submit.total())
	})

	t.Run("sub-token window mints nothing", func(t *testing.T) {
		acct, submit, _ := newTestAccountant(10)
		result, err := acct.ProcessInstant(ctx, InstantReport{
			DeviceID:  "meter-001",
			Wallet:    wallet,
			SurplusKW: dec(t, "3.6"),
			Nonce:     1,
			UnixTS:    1000,
		})
		require.NoError(t, err)
		require.Zero(t, result.TokensMinted)
		require.Empty(t, submit.calls)
	})

	t.Run("net consumer mints nothing", func(t *testing.T) {
		acct, submit, _ := newTestAccountant(3600)
		result, err := acct.ProcessInstant(ctx, InstantReport{
			DeviceID:  "meter-001",
			Wallet:    wallet,
			SurplusKW: dec(t, "-2"),
			Nonce:     1,
			UnixTS:    1000,
		})
		require.NoError(t, err)
		require.Zero(t, result.TokensMinted)
		require.Empty(t, submit.calls)
	})
}

func TestInstantRejectsReplay(t *testing.T) {
	acct, _, _ := newTestAccountant(3600)
	wallet := testWallet(t)
	ctx := context.Background()

	report := InstantReport{
		DeviceID:  "meter-001",
		Wallet:    wallet,
		SurplusKW: dec(t, "2"),
		Nonce:     3,
		UnixTS:    1000,
	}
	_, err := acct.ProcessInstant(ctx, report)
	require.NoError(t, err)

	_, err = acct.ProcessInstant(ctx, report)
	require.ErrorIs(t, err, ErrStaleReport)
}

func TestInstantThenFirstCumulativeBaselines(t *testing.T) {
	acct, submit, store := newTestAccountant(3600)
	wallet := testWallet(t)
	ctx := context.Background()

	// The instantaneous path creates a row without counter baselines.
	_, err := acct.ProcessInstant(ctx, InstantReport{
		DeviceID:  "meter-001",
		Wallet:    wallet,
		SurplusKW: dec(t, "2"),
		Nonce:     1,
		UnixTS:    1000,
	})
	require.NoError(t, err)
	require.Equal(t, uint64(2), submit.total())

	// The first cumulative report afterwards must baseline, not credit the
	// meter's lifetime counters as fresh surplus.
	result, err := acct.ProcessCumulative(ctx, cumulative(t, wallet, "5000", "1000", 2, 1010))
	require.NoError(t, err)
	require.True(t, result.Baselined)
	require.Zero(t, result.TokensMinted)
	require.Equal(t, uint64(2), submit.total())

	state, _, err := store.DeviceState(ctx, "meter-001", wallet.String())
	require.NoError(t, err)
	require.True(t, state.HasBaseline)
	require.True(t, state.LastGenTotal.Equal(dec(t, "5000")))

	// Delta accounting picks up from the recorded baselines.
	result, err = acct.ProcessCumulative(ctx, cumulative(t, wallet, "5003", "1000", 3, 1020))
	require.NoError(t, err)
	require.Equal(t, uint64(3), result.TokensMinted)
}

func TestDeviceWalletsAccountIndependently(t *testing.T) {
	acct, submit, _ := newTestAccountant(10)
	first := testWallet(t)
	second := testWallet(t)
	ctx := context.Background()

	_, err := acct.ProcessCumulative(ctx, cumulative(t, first, "100", "20", 1, 1000))
	require.NoError(t, err)

	// Re-pointing the meter at a new wallet starts a fresh baseline: the
	// old wallet's counters and nonce watermark must not carry over.
	result, err := acct.ProcessCumulative(ctx, CumulativeReport{
		DeviceID:     "meter-001",
		Wallet:       second,
		GenTotalKWh:  dec(t, "104"),
		ConsTotalKWh: dec(t, "20"),
		Nonce:        1,
		UnixTS:       1000,
	})
	require.NoError(t, err)
	require.True(t, result.Baselined)
	require.Zero(t, result.TokensMinted)
	require.Empty(t, submit.calls)

	// Each pair accrues against its own baselines.
	result, err = acct.ProcessCumulative(ctx, cumulative(t, first, "102", "20", 2, 1010))
	require.NoError(t, err)
	require.Equal(t, uint64(2), result.TokensMinted)

	result, err = acct.ProcessCumulative(ctx, CumulativeReport{
		DeviceID:     "meter-001",
		Wallet:       second,
		GenTotalKWh:  dec(t, "105"),
		ConsTotalKWh: dec(t, "20"),
		Nonce:        2,
		UnixTS:       1010,
	})
	require.NoError(t, err)
	require.Equal(t, uint64(1), result.TokensMinted)
	require.Equal(t, uint64(3), submit.total())
}

func TestMissingWalletRejected(t *testing.T) {
	acct, _, _ := newTestAccountant(10)
	ctx := context.Background()

	_, err := acct.ProcessInstant(ctx, InstantReport{DeviceID: "meter-001"})
	require.ErrorIs(t, err, ErrMissingWallet)

	_, err = acct.ProcessCumulative(ctx, CumulativeReport{DeviceID: "meter-001"})
	require.ErrorIs(t, err, ErrMissingWallet)
}
