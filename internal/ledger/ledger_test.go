package ledger

import (
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"
)

func newKey(t *testing.T) solana.PrivateKey {
	t.Helper()
	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	return key
}

func setupMint(t *testing.T, l *Ledger, payer solana.PrivateKey) (solana.PrivateKey, solana.PrivateKey) {
	t.Helper()
	mint := newKey(t)
	authority := newKey(t)

	tx := NewTransaction(payer.PublicKey(),
		NewInitializeMintInstruction(mint.PublicKey(), payer.PublicKey(), authority.PublicKey(), 0))
	require.NoError(t, tx.Sign(payer, mint))
	_, err := l.Execute(tx)
	require.NoError(t, err)
	return mint, authority
}

func createATA(t *testing.T, l *Ledger, payer solana.PrivateKey, wallet, mint solana.PublicKey) solana.PublicKey {
	t.Helper()
	tx := NewTransaction(payer.PublicKey(), NewInitializeAccountInstruction(wallet, mint, payer.PublicKey()))
	require.NoError(t, tx.Sign(payer))
	_, err := l.Execute(tx)
	require.NoError(t, err)

	ata, _, err := solana.FindAssociatedTokenAddress(wallet, mint)
	require.NoError(t, err)
	return ata
}

func mintTo(t *testing.T, l *Ledger, authority solana.PrivateKey, mint, dest solana.PublicKey, amount uint64) {
	t.Helper()
	tx := NewTransaction(authority.PublicKey(), NewMintToInstruction(mint, dest, authority.PublicKey(), amount))
	require.NoError(t, tx.Sign(authority))
	_, err := l.Execute(tx)
	require.NoError(t, err)
}

func TestExecuteRequiresValidSignatures(t *testing.T) {
	l := New()
	from := newKey(t)
	to := newKey(t)
	l.Fund(from.PublicKey(), 1_000)
	l.Fund(to.PublicKey(), 0)

	t.Run("tampered signature rejected", func(t *testing.T) {
		tx := NewTransaction(from.PublicKey(), NewSystemTransferInstruction(from.PublicKey(), to.PublicKey(), 100))
		require.NoError(t, tx.Sign(from))
		tx.Signatures[0].Signature[0] ^= 0xFF

		_, err := l.Execute(tx)
		require.ErrorIs(t, err, ErrInvalidSignature)
		require.Equal(t, uint64(1_000), l.Lamports(from.PublicKey()))
	})

	t.Run("unsigned payer rejected", func(t *testing.T) {
		tx := NewTransaction(from.PublicKey(), NewSystemTransferInstruction(from.PublicKey(), to.PublicKey(), 100))

		_, err := l.Execute(tx)
		require.ErrorIs(t, err, ErrMissingSignature)
	})

	t.Run("signer flag without signature rejected", func(t *testing.T) {
		payer := newKey(t)
		l.Fund(payer.PublicKey(), 1_000)

		// Transfer claims `from` signs, but only the payer actually did.
		tx := NewTransaction(payer.PublicKey(), NewSystemTransferInstruction(from.PublicKey(), to.PublicKey(), 100))
		require.NoError(t, tx.Sign(payer))

		_, err := l.Execute(tx)
		require.ErrorIs(t, err, ErrMissingSignature)
		require.Equal(t, uint64(1_000), l.Lamports(from.PublicKey()))
	})
}

func TestExecuteRejectsReplay(t *testing.T) {
	l := New()
	from := newKey(t)
	to := newKey(t)
	l.Fund(from.PublicKey(), 1_000)

	tx := NewTransaction(from.PublicKey(), NewSystemTransferInstruction(from.PublicKey(), to.PublicKey(), 100))
	require.NoError(t, tx.Sign(from))

	_, err := l.Execute(tx)
	require.NoError(t, err)
	require.Equal(t, uint64(100), l.Lamports(to.PublicKey()))

	_, err = l.Execute(tx)
	require.ErrorIs(t, err, ErrDuplicateTransaction)
	require.Equal(t, uint64(100), l.Lamports(to.PublicKey()))
}

func TestExecuteRollsBackOnFailure(t *testing.T) {
	l := New()
	from := newKey(t)
	to := newKey(t)
	l.Fund(from.PublicKey(), 1_000)

	// First instruction succeeds, second overdraws: nothing may stick.
	tx := NewTransaction(from.PublicKey(),
		NewSystemTransferInstruction(from.PublicKey(), to.PublicKey(), 600),
		NewSystemTransferInstruction(from.PublicKey(), to.PublicKey(), 600),
	)
	require.NoError(t, tx.Sign(from))

	_, err := l.Execute(tx)
	require.ErrorIs(t, err, ErrInsufficientFunds)
	require.Equal(t, uint64(1_000), l.Lamports(from.PublicKey()))
	require.Equal(t, uint64(0), l.Lamports(to.PublicKey()))
	require.Equal(t, uint64(0), l.Slot())
}

func TestTokenMintAndTransfer(t *testing.T) {
	l := New()
	payer := newKey(t)
	wallet := newKey(t)
	other := newKey(t)
	l.Fund(payer.PublicKey(), 100_000_000_000)
	l.Fund(wallet.PublicKey(), 10_000_000_000)

	mint, authority := setupMint(t, l, payer)
	walletATA := createATA(t, l, payer, wallet.PublicKey(), mint.PublicKey())
	otherATA := createATA(t, l, payer, other.PublicKey(), mint.PublicKey())

	mintTo(t, l, authority, mint.PublicKey(), walletATA, 50)
	require.Equal(t, uint64(50), l.TokenBalance(walletATA))

	supply, err := l.MintSupply(mint.PublicKey())
	require.NoError(t, err)
	require.Equal(t, uint64(50), supply)

	t.Run("wrong mint authority rejected", func(t *testing.T) {
		impostor := newKey(t)
		l.Fund(impostor.PublicKey(), 1_000_000)
		tx := NewTransaction(impostor.PublicKey(),
			NewMintToInstruction(mint.PublicKey(), walletATA, impostor.PublicKey(), 10))
		require.NoError(t, tx.Sign(impostor))
		_, err := l.Execute(tx)
		require.ErrorIs(t, err, ErrUnauthorized)
		require.Equal(t, uint64(50), l.TokenBalance(walletATA))
	})

	t.Run("transfer moves balance", func(t *testing.T) {
		tx := NewTransaction(wallet.PublicKey(),
			NewTransferInstruction(walletATA, otherATA, wallet.PublicKey(), 20))
		require.NoError(t, tx.Sign(wallet))
		_, err := l.Execute(tx)
		require.NoError(t, err)
		require.Equal(t, uint64(30), l.TokenBalance(walletATA))
		require.Equal(t, uint64(20), l.TokenBalance(otherATA))
	})

	t.Run("overdraw rejected", func(t *testing.T) {
		tx := NewTransaction(wallet.PublicKey(),
			NewTransferInstruction(walletATA, otherATA, wallet.PublicKey(), 1_000))
		require.NoError(t, tx.Sign(wallet))
		_, err := l.Execute(tx)
		require.ErrorIs(t, err, ErrInsufficientFunds)
		require.Equal(t, uint64(30), l.TokenBalance(walletATA))
	})

	t.Run("burn reduces supply", func(t *testing.T) {
		tx := NewTransaction(wallet.PublicKey(),
			NewBurnInstruction(mint.PublicKey(), walletATA, wallet.PublicKey(), 30))
		require.NoError(t, tx.Sign(wallet))
		_, err := l.Execute(tx)
		require.NoError(t, err)
		require.Equal(t, uint64(0), l.TokenBalance(walletATA))

		supply, err := l.MintSupply(mint.PublicKey())
		require.NoError(t, err)
		require.Equal(t, uint64(20), supply)
	})

	t.Run("close refunds rent and requires empty balance", func(t *testing.T) {
		tx := NewTransaction(other.PublicKey(),
			NewCloseAccountInstruction(otherATA, other.PublicKey(), other.PublicKey()))
		l.Fund(other.PublicKey(), 1_000_000)
		require.NoError(t, tx.Sign(other))
		_, err := l.Execute(tx)
		require.ErrorIs(t, err, ErrNonEmptyAccount)

		before := l.Lamports(wallet.PublicKey())
		tx = NewTransaction(wallet.PublicKey(),
			NewCloseAccountInstruction(walletATA, wallet.PublicKey(), wallet.PublicKey()))
		require.NoError(t, tx.Sign(wallet))
		_, err = l.Execute(tx)
		require.NoError(t, err)
		require.Greater(t, l.Lamports(wallet.PublicKey()), before)

		_, exists := l.AccountInfo(walletATA)
		require.False(t, exists)
	})
}

func TestInitializeAccountIsIdempotent(t *testing.T) {
	l := New()
	payer := newKey(t)
	wallet := newKey(t)
	l.Fund(payer.PublicKey(), 100_000_000_000)

	mint, _ := setupMint(t, l, payer)
	ata := createATA(t, l, payer, wallet.PublicKey(), mint.PublicKey())

	tx := NewTransaction(payer.PublicKey(),
		NewInitializeAccountInstruction(wallet.PublicKey(), mint.PublicKey(), payer.PublicKey()))
	require.NoError(t, tx.Sign(payer))
	_, err := l.Execute(tx)
	require.NoError(t, err)
	require.Equal(t, uint64(0), l.TokenBalance(ata))
}

func TestTransactionSerializeRoundTrip(t *testing.T) {
	from := newKey(t)
	to := newKey(t)

	tx := NewTransaction(from.PublicKey(), NewSystemTransferInstruction(from.PublicKey(), to.PublicKey(), 42))
	require.NoError(t, tx.Sign(from))

	raw, err := tx.Serialize()
	require.NoError(t, err)

	decoded, err := DeserializeTransaction(raw)
	require.NoError(t, err)
	require.Equal(t, tx.Message.Payer, decoded.Message.Payer)
	require.Equal(t, tx.Signature(), decoded.Signature())

	l := New()
	l.Fund(from.PublicKey(), 100)
	_, err = l.Execute(decoded)
	require.NoError(t, err)
	require.Equal(t, uint64(42), l.Lamports(to.PublicKey()))
}
