package market

import (
	"encoding/binary"

	"github.com/gagliardetto/solana-go"
)

// Order accounts are keyed by (seller, mint, nonce) so one seller can run
// many concurrent orders on the same mint. Each order gets its own vault
// authority, and the vault itself is that authority's associated token
// account.

func DeriveOrderPDA(programID, seller, mint solana.PublicKey, nonce uint64) (solana.PublicKey, uint8, error) {
	var nonceLE [8]byte
	binary.LittleEndian.PutUint64(nonceLE[:], nonce)
	return solana.FindProgramAddress([][]byte{
		[]byte("order"),
		seller[:],
		mint[:],
		nonceLE[:],
	}, programID)
}

func DeriveVaultAuthorityPDA(programID, order solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{
		[]byte("vault-auth"),
		order[:],
	}, programID)
}

// DeriveVault returns the escrow token account for an order.
func DeriveVault(programID, order, mint solana.PublicKey) (solana.PublicKey, error) {
	vaultAuth, _, err := DeriveVaultAuthorityPDA(programID, order)
	if err != nil {
		return solana.PublicKey{}, err
	}
	vault, _, err := solana.FindAssociatedTokenAddress(vaultAuth, mint)
	if err != nil {
		return solana.PublicKey{}, err
	}
	return vault, nil
}
