package energytoken

import (
	"github.com/gagliardetto/solana-go"
)

// Seeds match the on-chain program: the state singleton lives at ["state"]
// and the mint authority is a stateless signer proxy at ["mint_auth"].

func DeriveStatePDA(programID solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{[]byte("state")}, programID)
}

func DeriveMintAuthorityPDA(programID solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{[]byte("mint_auth")}, programID)
}
