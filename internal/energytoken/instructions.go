package energytoken

import (
	"bytes"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/voltgrid/energy/backend/internal/ledger"
)

var (
	ixInitialize = anchorInstructionDiscriminator("initialize")
	ixMintEnergy = anchorInstructionDiscriminator("mint_energy")
	ixBurnEnergy = anchorInstructionDiscriminator("burn_energy")
)

type initializeArgs struct {
	Oracle solana.PublicKey
}

type amountArgs struct {
	Amount uint64
}

func encodeArgs(disc [8]byte, args any) []byte {
	var buf bytes.Buffer
	buf.Write(disc[:])
	if args != nil {
		if err := bin.NewBorshEncoder(&buf).Encode(args); err != nil {
			panic(fmt.Errorf("encode instruction args: %w", err))
		}
	}
	return buf.Bytes()
}

// NewInitializeInstruction performs one-time setup: creates the
// zero-decimals energy mint with the mint-authority PDA as its authority
// and records {mint, oracle} in the state singleton. The mint keypair and
// the paying authority both sign.
func NewInitializeInstruction(programID, mint, authority, oracle solana.PublicKey) (ledger.Instruction, error) {
	statePDA, _, err := DeriveStatePDA(programID)
	if err != nil {
		return ledger.Instruction{}, fmt.Errorf("derive state PDA: %w", err)
	}
	mintAuthPDA, _, err := DeriveMintAuthorityPDA(programID)
	if err != nil {
		return ledger.Instruction{}, fmt.Errorf("derive mint authority PDA: %w", err)
	}
	return ledger.Instruction{
		ProgramID: programID,
		Accounts: []ledger.AccountMeta{
			ledger.Meta(statePDA, true, false),
			ledger.Meta(mint, true, true),
			ledger.Meta(mintAuthPDA, false, false),
			ledger.Meta(authority, true, true),
			ledger.Meta(solana.SystemProgramID, false, false),
			ledger.Meta(solana.TokenProgramID, false, false),
			ledger.Meta(solana.SPLAssociatedTokenAccountProgramID, false, false),
		},
		Data: encodeArgs(ixInitialize, initializeArgs{Oracle: oracle}),
	}, nil
}

// NewMintEnergyInstruction credits `amount` freshly minted tokens to the
// recipient's associated token account (created on the fly, paid by the
// oracle). Account order mirrors the reference gateway exactly.
func NewMintEnergyInstruction(programID, mint, oracle, recipient solana.PublicKey, amount uint64) (ledger.Instruction, error) {
	statePDA, _, err := DeriveStatePDA(programID)
	if err != nil {
		return ledger.Instruction{}, fmt.Errorf("derive state PDA: %w", err)
	}
	mintAuthPDA, _, err := DeriveMintAuthorityPDA(programID)
	if err != nil {
		return ledger.Instruction{}, fmt.Errorf("derive mint authority PDA: %w", err)
	}
	recipientATA, _, err := solana.FindAssociatedTokenAddress(recipient, mint)
	if err != nil {
		return ledger.Instruction{}, fmt.Errorf("derive recipient token account: %w", err)
	}
	return ledger.Instruction{
		ProgramID: programID,
		Accounts: []ledger.AccountMeta{
			ledger.Meta(statePDA, true, false),
			ledger.Meta(mint, true, false),
			ledger.Meta(mintAuthPDA, false, false),
			ledger.Meta(oracle, true, true),
			ledger.Meta(recipientATA, true, false),
			ledger.Meta(recipient, false, false),
			ledger.Meta(solana.SystemProgramID, false, false),
			ledger.Meta(solana.TokenProgramID, false, false),
			ledger.Meta(solana.SPLAssociatedTokenAccountProgramID, false, false),
		},
		Data: encodeArgs(ixMintEnergy, amountArgs{Amount: amount}),
	}, nil
}

// NewBurnEnergyInstruction destroys `amount` tokens from the user's own
// associated token account. Only the owner signs; the oracle plays no role.
func NewBurnEnergyInstruction(programID, mint, user solana.PublicKey, amount uint64) (ledger.Instruction, error) {
	userATA, _, err := solana.FindAssociatedTokenAddress(user, mint)
	if err != nil {
		return ledger.Instruction{}, fmt.Errorf("derive user token account: %w", err)
	}
	return ledger.Instruction{
		ProgramID: programID,
		Accounts: []ledger.AccountMeta{
			ledger.Meta(mint, true, false),
			ledger.Meta(userATA, true, false),
			ledger.Meta(user, true, true),
			ledger.Meta(solana.TokenProgramID, false, false),
		},
		Data: encodeArgs(ixBurnEnergy, amountArgs{Amount: amount}),
	}, nil
}
