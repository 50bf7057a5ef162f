package energytoken

import (
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"
	"github.com/voltgrid/energy/backend/internal/ledger"
)

type fixture struct {
	ledger    *ledger.Ledger
	authority solana.PrivateKey
	oracle    solana.PrivateKey
	mint      solana.PublicKey
}

func newKey(t *testing.T) solana.PrivateKey {
	t.Helper()
	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	return key
}

func setup(t *testing.T) *fixture {
	t.Helper()
	l := ledger.New()
	l.RegisterProgram(ProgramID, Program{})

	authority := newKey(t)
	oracle := newKey(t)
	mint := newKey(t)
	l.Fund(authority.PublicKey(), 100_000_000_000)
	l.Fund(oracle.PublicKey(), 100_000_000_000)

	ix, err := NewInitializeInstruction(ProgramID, mint.PublicKey(), authority.PublicKey(), oracle.PublicKey())
	require.NoError(t, err)
	tx := ledger.NewTransaction(authority.PublicKey(), ix)
	require.NoError(t, tx.Sign(authority, mint))
	_, err = l.Execute(tx)
	require.NoError(t, err)

	return &fixture{ledger: l, authority: authority, oracle: oracle, mint: mint.PublicKey()}
}

func (f *fixture) mintEnergy(t *testing.T, signer solana.PrivateKey, oracle, recipient solana.PublicKey, amount uint64) error {
	t.Helper()
	ix, err := NewMintEnergyInstruction(ProgramID, f.mint, oracle, recipient, amount)
	require.NoError(t, err)
	tx := ledger.NewTransaction(signer.PublicKey(), ix)
	require.NoError(t, tx.Sign(signer))
	_, err = f.ledger.Execute(tx)
	return err
}

func (f *fixture) balance(t *testing.T, wallet solana.PublicKey) uint64 {
	t.Helper()
	ata, _, err := solana.FindAssociatedTokenAddress(wallet, f.mint)
	require.NoError(t, err)
	return f.ledger.TokenBalance(ata)
}

func TestInitializeRecordsState(t *testing.T) {
	f := setup(t)

	state, err := StateFromLedger(f.ledger, ProgramID)
	require.NoError(t, err)
	require.Equal(t, f.mint, state.Mint)
	require.Equal(t, f.oracle.PublicKey(), state.Oracle)

	supply, err := f.ledger.MintSupply(f.mint)
	require.NoError(t, err)
	require.Zero(t, supply)
}

func TestInitializeIsOneTime(t *testing.T) {
	f := setup(t)

	otherMint := newKey(t)
	ix, err := NewInitializeInstruction(ProgramID, otherMint.PublicKey(), f.authority.PublicKey(), f.oracle.PublicKey())
	require.NoError(t, err)
	tx := ledger.NewTransaction(f.authority.PublicKey(), ix)
	require.NoError(t, tx.Sign(f.authority, otherMint))

	_, err = f.ledger.Execute(tx)
	require.ErrorIs(t, err, ledger.ErrAccountExists)

	// Original state survives.
	state, err := StateFromLedger(f.ledger, ProgramID)
	require.NoError(t, err)
	require.Equal(t, f.mint, state.Mint)
}

func TestOracleMintsToWallet(t *testing.T) {
	f := setup(t)
	wallet := newKey(t).PublicKey()

	require.NoError(t, f.mintEnergy(t, f.oracle, f.oracle.PublicKey(), wallet, 5))
	require.Equal(t, uint64(5), f.balance(t, wallet))

	supply, err := f.ledger.MintSupply(f.mint)
	require.NoError(t, err)
	require.Equal(t, uint64(5), supply)

	// A second mint reuses the existing token account.
	require.NoError(t, f.mintEnergy(t, f.oracle, f.oracle.PublicKey(), wallet, 3))
	require.Equal(t, uint64(8), f.balance(t, wallet))
}

func TestMintRejectsNonOracle(t *testing.T) {
	f := setup(t)
	wallet := newKey(t).PublicKey()

	impostor := newKey(t)
	f.ledger.Fund(impostor.PublicKey(), 100_000_000_000)

	err := f.mintEnergy(t, impostor, impostor.PublicKey(), wallet, 5)
	require.ErrorIs(t, err, ledger.ErrUnauthorized)
	require.Zero(t, f.balance(t, wallet))

	supply, err := f.ledger.MintSupply(f.mint)
	require.NoError(t, err)
	require.Zero(t, supply)
}

func TestMintRejectsOracleFlagWithoutSignature(t *testing.T) {
	f := setup(t)
	wallet := newKey(t).PublicKey()

	// The instruction names the real oracle, but the transaction is signed
	// by someone else entirely.
	impostor := newKey(t)
	f.ledger.Fund(impostor.PublicKey(), 100_000_000_000)

	err := f.mintEnergy(t, impostor, f.oracle.PublicKey(), wallet, 5)
	require.ErrorIs(t, err, ledger.ErrMissingSignature)
	require.Zero(t, f.balance(t, wallet))
}

func TestMintRejectsZeroAmount(t *testing.T) {
	f := setup(t)
	wallet := newKey(t).PublicKey()

	err := f.mintEnergy(t, f.oracle, f.oracle.PublicKey(), wallet, 0)
	require.ErrorIs(t, err, ledger.ErrInvalidAmount)
}

func TestBurnDestroysTokens(t *testing.T) {
	f := setup(t)
	user := newKey(t)
	f.ledger.Fund(user.PublicKey(), 100_000_000_000)
	require.NoError(t, f.mintEnergy(t, f.oracle, f.oracle.PublicKey(), user.PublicKey(), 5))

	ix, err := NewBurnEnergyInstruction(ProgramID, f.mint, user.PublicKey(), 2)
	require.NoError(t, err)
	tx := ledger.NewTransaction(user.PublicKey(), ix)
	require.NoError(t, tx.Sign(user))
	_, err = f.ledger.Execute(tx)
	require.NoError(t, err)

	require.Equal(t, uint64(3), f.balance(t, user.PublicKey()))
	supply, err := f.ledger.MintSupply(f.mint)
	require.NoError(t, err)
	require.Equal(t, uint64(3), supply)
}

func TestBurnRejectsForgedOwner(t *testing.T) {
	f := setup(t)
	victim := newKey(t)
	f.ledger.Fund(victim.PublicKey(), 100_000_000_000)
	require.NoError(t, f.mintEnergy(t, f.oracle, f.oracle.PublicKey(), victim.PublicKey(), 5))

	// Attacker flags the victim as signer but cannot produce the signature.
	attacker := newKey(t)
	f.ledger.Fund(attacker.PublicKey(), 100_000_000_000)

	ix, err := NewBurnEnergyInstruction(ProgramID, f.mint, victim.PublicKey(), 5)
	require.NoError(t, err)
	tx := ledger.NewTransaction(attacker.PublicKey(), ix)
	require.NoError(t, tx.Sign(attacker))
	_, err = f.ledger.Execute(tx)
	require.ErrorIs(t, err, ledger.ErrMissingSignature)

	require.Equal(t, uint64(5), f.balance(t, victim.PublicKey()))
}

func TestBurnRejectsOverdraw(t *testing.T) {
	f := setup(t)
	user := newKey(t)
	f.ledger.Fund(user.PublicKey(), 100_000_000_000)
	require.NoError(t, f.mintEnergy(t, f.oracle, f.oracle.PublicKey(), user.PublicKey(), 2))

	ix, err := NewBurnEnergyInstruction(ProgramID, f.mint, user.PublicKey(), 5)
	require.NoError(t, err)
	tx := ledger.NewTransaction(user.PublicKey(), ix)
	require.NoError(t, tx.Sign(user))
	_, err = f.ledger.Execute(tx)
	require.ErrorIs(t, err, ledger.ErrInsufficientFunds)
	require.Equal(t, uint64(2), f.balance(t, user.PublicKey()))
}
