package market

import (
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"
	"github.com/voltgrid/energy/backend/internal/energytoken"
	"github.com/voltgrid/energy/backend/internal/ledger"
)

type fixture struct {
	ledger *ledger.Ledger
	oracle solana.PrivateKey
	mint   solana.PublicKey
	seller solana.PrivateKey
	buyer  solana.PrivateKey
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
	l.RegisterProgram(energytoken.ProgramID, energytoken.Program{})
	l.RegisterProgram(ProgramID, Program{})

	authority := newKey(t)
	oracle := newKey(t)
	mint := newKey(t)
	seller := newKey(t)
	buyer := newKey(t)
	l.Fund(authority.PublicKey(), 100_000_000_000)
	l.Fund(oracle.PublicKey(), 100_000_000_000)
	l.Fund(seller.PublicKey(), 10_000_000_000)
	l.Fund(buyer.PublicKey(), 10_000_000_000)

	initIx, err := energytoken.NewInitializeInstruction(energytoken.ProgramID, mint.PublicKey(), authority.PublicKey(), oracle.PublicKey())
	require.NoError(t, err)
	tx := ledger.NewTransaction(authority.PublicKey(), initIx)
	require.NoError(t, tx.Sign(authority, mint))
	_, err = l.Execute(tx)
	require.NoError(t, err)

	return &fixture{ledger: l, oracle: oracle, mint: mint.PublicKey(), seller: seller, buyer: buyer}
}

func (f *fixture) mintTo(t *testing.T, wallet solana.PublicKey, amount uint64) {
	t.Helper()
	ix, err := energytoken.NewMintEnergyInstruction(energytoken.ProgramID, f.mint, f.oracle.PublicKey(), wallet, amount)
	require.NoError(t, err)
	tx := ledger.NewTransaction(f.oracle.PublicKey(), ix)
	require.NoError(t, tx.Sign(f.oracle))
	_, err = f.ledger.Execute(tx)
	require.NoError(t, err)
}

func (f *fixture) createOrder(t *testing.T, amount, price, nonce uint64) (solana.PublicKey, error) {
	t.Helper()
	ix, err := NewCreateSellOrderInstruction(ProgramID, f.seller.PublicKey(), f.mint, amount, price, nonce)
	require.NoError(t, err)
	tx := ledger.NewTransaction(f.seller.PublicKey(), ix)
	require.NoError(t, tx.Sign(f.seller))
	_, execErr := f.ledger.Execute(tx)

	order, _, err := DeriveOrderPDA(ProgramID, f.seller.PublicKey(), f.mint, nonce)
	require.NoError(t, err)
	return order, execErr
}

func (f *fixture) fill(t *testing.T, order solana.PublicKey, quantity uint64) error {
	t.Helper()
	ix, err := NewFillSellOrderInstruction(ProgramID, order, f.seller.PublicKey(), f.mint, f.buyer.PublicKey(), quantity)
	require.NoError(t, err)
	tx := ledger.NewTransaction(f.buyer.PublicKey(), ix)
	require.NoError(t, tx.Sign(f.buyer))
	_, err = f.ledger.Execute(tx)
	return err
}

func (f *fixture) cancel(t *testing.T, signer solana.PrivateKey, order solana.PublicKey) error {
	t.Helper()
	ix, err := NewCancelSellOrderInstruction(ProgramID, order, f.mint, signer.PublicKey())
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

func TestCreateOrderEscrowsTokens(t *testing.T) {
	f := setup(t)
	f.mintTo(t, f.seller.PublicKey(), 5)

	order, err := f.createOrder(t, 5, 2, 7)
	require.NoError(t, err)

	require.Zero(t, f.balance(t, f.seller.PublicKey()))

	vault, err := DeriveVault(ProgramID, order, f.mint)
	require.NoError(t, err)
	require.Equal(t, uint64(5), f.ledger.TokenBalance(vault))

	state, err := OrderFromLedger(f.ledger, order)
	require.NoError(t, err)
	require.Equal(t, f.seller.PublicKey(), state.Seller)
	require.Equal(t, uint64(2), state.PriceLamportsPerToken)
	require.Equal(t, uint64(5), state.AmountRemaining)
	require.Equal(t, uint64(7), state.OrderNonce)
	require.True(t, state.Active)
}

func TestCreateOrderValidation(t *testing.T) {
	f := setup(t)
	f.mintTo(t, f.seller.PublicKey(), 5)

	_, err := f.createOrder(t, 0, 2, 1)
	require.ErrorIs(t, err, ledger.ErrInvalidAmount)

	_, err = f.createOrder(t, 5, 0, 2)
	require.ErrorIs(t, err, ledger.ErrInvalidAmount)

	// Escrowing more than the seller holds rolls back entirely.
	_, err = f.createOrder(t, 9, 2, 3)
	require.ErrorIs(t, err, ledger.ErrInsufficientFunds)
	require.Equal(t, uint64(5), f.balance(t, f.seller.PublicKey()))

	// Reusing a nonce collides with the existing order account.
	_, err = f.createOrder(t, 2, 2, 4)
	require.NoError(t, err)
	_, err = f.createOrder(t, 2, 2, 4)
	require.ErrorIs(t, err, ledger.ErrAccountExists)
}

func TestPartialFillPaysSellerAndDeliversTokens(t *testing.T) {
	f := setup(t)
	f.mintTo(t, f.seller.PublicKey(), 5)

	order, err := f.createOrder(t, 5, 2, 7)
	require.NoError(t, err)

	sellerLamportsBefore := f.ledger.Lamports(f.seller.PublicKey())

	require.NoError(t, f.fill(t, order, 4))

	require.Equal(t, uint64(4), f.balance(t, f.buyer.PublicKey()))
	require.Equal(t, sellerLamportsBefore+8, f.ledger.Lamports(f.seller.PublicKey()))

	state, err := OrderFromLedger(f.ledger, order)
	require.NoError(t, err)
	require.Equal(t, uint64(1), state.AmountRemaining)
	require.True(t, state.Active)

	vault, err := DeriveVault(ProgramID, order, f.mint)
	require.NoError(t, err)
	require.Equal(t, uint64(1), f.ledger.TokenBalance(vault))
}

func TestFillValidation(t *testing.T) {
	f := setup(t)
	f.mintTo(t, f.seller.PublicKey(), 5)

	order, err := f.createOrder(t, 5, 2, 7)
	require.NoError(t, err)

	require.ErrorIs(t, f.fill(t, order, 0), ledger.ErrInvalidAmount)
	require.ErrorIs(t, f.fill(t, order, 6), ledger.ErrInsufficientFunds)

	state, err := OrderFromLedger(f.ledger, order)
	require.NoError(t, err)
	require.Equal(t, uint64(5), state.AmountRemaining)
}

func TestFullFillDeactivatesOrder(t *testing.T) {
	f := setup(t)
	f.mintTo(t, f.seller.PublicKey(), 5)

	order, err := f.createOrder(t, 5, 2, 7)
	require.NoError(t, err)

	require.NoError(t, f.fill(t, order, 5))

	state, err := OrderFromLedger(f.ledger, order)
	require.NoError(t, err)
	require.Zero(t, state.AmountRemaining)
	require.False(t, state.Active)

	// Filled out means no further fills.
	require.ErrorIs(t, f.fill(t, order, 1), ledger.ErrInvalidAccountData)
}

func TestCancelRefundsSellerAndReclaimsAccounts(t *testing.T) {
	f := setup(t)
	f.mintTo(t, f.seller.PublicKey(), 5)

	order, err := f.createOrder(t, 5, 2, 7)
	require.NoError(t, err)
	require.NoError(t, f.fill(t, order, 4))

	lamportsBefore := f.ledger.Lamports(f.seller.PublicKey())
	require.NoError(t, f.cancel(t, f.seller, order))

	// Unsold token returned, rent for order and vault refunded.
	require.Equal(t, uint64(1), f.balance(t, f.seller.PublicKey()))
	require.Greater(t, f.ledger.Lamports(f.seller.PublicKey()), lamportsBefore)

	_, exists := f.ledger.AccountInfo(order)
	require.False(t, exists)
	vault, err := DeriveVault(ProgramID, order, f.mint)
	require.NoError(t, err)
	_, exists = f.ledger.AccountInfo(vault)
	require.False(t, exists)
}

func TestCancelRejectsNonSeller(t *testing.T) {
	f := setup(t)
	f.mintTo(t, f.seller.PublicKey(), 5)

	order, err := f.createOrder(t, 5, 2, 7)
	require.NoError(t, err)

	require.ErrorIs(t, f.cancel(t, f.buyer, order), ledger.ErrUnauthorized)

	state, err := OrderFromLedger(f.ledger, order)
	require.NoError(t, err)
	require.True(t, state.Active)
}

// End to end: mint five, list five at two lamports each, fill four, cancel.
func TestMarketplaceScenario(t *testing.T) {
	f := setup(t)
	f.mintTo(t, f.seller.PublicKey(), 5)

	order, err := f.createOrder(t, 5, 2, 7)
	require.NoError(t, err)
	require.Zero(t, f.balance(t, f.seller.PublicKey()))

	buyerLamportsBefore := f.ledger.Lamports(f.buyer.PublicKey())
	sellerLamportsBefore := f.ledger.Lamports(f.seller.PublicKey())

	require.NoError(t, f.fill(t, order, 4))

	require.Equal(t, uint64(4), f.balance(t, f.buyer.PublicKey()))
	require.Equal(t, sellerLamportsBefore+8, f.ledger.Lamports(f.seller.PublicKey()))
	// Buyer paid 8 lamports plus the rent of their new token account.
	buyerSpent := buyerLamportsBefore - f.ledger.Lamports(f.buyer.PublicKey())
	require.GreaterOrEqual(t, buyerSpent, uint64(8))

	require.NoError(t, f.cancel(t, f.seller, order))
	require.Equal(t, uint64(1), f.balance(t, f.seller.PublicKey()))

	supply, err := f.ledger.MintSupply(f.mint)
	require.NoError(t, err)
	require.Equal(t, uint64(5), supply)
}
