package energytoken

import (
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/voltgrid/energy/backend/internal/ledger"
)

// Program enforces the issuance rules: only the configured oracle may
// request minting, and minting itself is signed by the mint-authority PDA,
// never by a keypair anyone holds.
type Program struct{}

func (Program) Execute(call *ledger.Call) error {
	if len(call.Data) < 8 {
		return ledger.ErrInvalidInstruction
	}
	var disc [8]byte
	copy(disc[:], call.Data[:8])
	payload := call.Data[8:]

	switch disc {
	case ixInitialize:
		var args initializeArgs
		if err := bin.NewBorshDecoder(payload).Decode(&args); err != nil {
			return fmt.Errorf("decode initialize: %w", err)
		}
		return executeInitialize(call, args.Oracle)
	case ixMintEnergy:
		var args amountArgs
		if err := bin.NewBorshDecoder(payload).Decode(&args); err != nil {
			return fmt.Errorf("decode mint_energy: %w", err)
		}
		return executeMintEnergy(call, args.Amount)
	case ixBurnEnergy:
		var args amountArgs
		if err := bin.NewBorshDecoder(payload).Decode(&args); err != nil {
			return fmt.Errorf("decode burn_energy: %w", err)
		}
		return executeBurnEnergy(call, args.Amount)
	default:
		return fmt.Errorf("unknown instruction %x: %w", disc, ledger.ErrInvalidInstruction)
	}
}

func executeInitialize(call *ledger.Call, oracle solana.PublicKey) error {
	stateKey, err := call.AccountKey(0)
	if err != nil {
		return err
	}
	mintKey, err := call.AccountKey(1)
	if err != nil {
		return err
	}
	mintAuthKey, err := call.AccountKey(2)
	if err != nil {
		return err
	}
	authority, err := call.AccountKey(3)
	if err != nil {
		return err
	}

	statePDA, _, err := DeriveStatePDA(call.ProgramID)
	if err != nil {
		return fmt.Errorf("derive state PDA: %w", err)
	}
	mintAuthPDA, _, err := DeriveMintAuthorityPDA(call.ProgramID)
	if err != nil {
		return fmt.Errorf("derive mint authority PDA: %w", err)
	}
	if !stateKey.Equals(statePDA) {
		return fmt.Errorf("state account: %w", ledger.ErrAccountMismatch)
	}
	if !mintAuthKey.Equals(mintAuthPDA) {
		return fmt.Errorf("mint authority account: %w", ledger.ErrAccountMismatch)
	}
	if call.AccountExists(statePDA) {
		// One-time setup: callers detect this and read existing state.
		return fmt.Errorf("state %s: %w", statePDA, ledger.ErrAccountExists)
	}
	if !call.Signed(authority) {
		return fmt.Errorf("authority %s: %w", authority, ledger.ErrMissingSignature)
	}

	// Energy tokens are indivisible kWh units: decimals = 0.
	if err := call.Invoke(ledger.NewInitializeMintInstruction(mintKey, authority, mintAuthPDA, 0)); err != nil {
		return fmt.Errorf("create mint: %w", err)
	}

	data, err := encodeState(State{Mint: mintKey, Oracle: oracle})
	if err != nil {
		return err
	}
	if err := call.CreateAccount(statePDA, authority, data); err != nil {
		return fmt.Errorf("create state: %w", err)
	}
	return nil
}

func executeMintEnergy(call *ledger.Call, amount uint64) error {
	stateKey, err := call.AccountKey(0)
	if err != nil {
		return err
	}
	mintKey, err := call.AccountKey(1)
	if err != nil {
		return err
	}
	oracle, err := call.AccountKey(3)
	if err != nil {
		return err
	}
	recipientATA, err := call.AccountKey(4)
	if err != nil {
		return err
	}
	recipient, err := call.AccountKey(5)
	if err != nil {
		return err
	}

	if amount == 0 {
		return ledger.ErrInvalidAmount
	}

	statePDA, _, err := DeriveStatePDA(call.ProgramID)
	if err != nil {
		return fmt.Errorf("derive state PDA: %w", err)
	}
	if !stateKey.Equals(statePDA) {
		return fmt.Errorf("state account: %w", ledger.ErrAccountMismatch)
	}
	stateData, err := call.AccountData(statePDA)
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	state, err := ParseState(stateData)
	if err != nil {
		return err
	}

	// Only the configured oracle may mint, and it must have actually
	// signed this transaction.
	if !state.Oracle.Equals(oracle) {
		return fmt.Errorf("signer %s is not the oracle: %w", oracle, ledger.ErrUnauthorized)
	}
	if !call.Signed(oracle) {
		return fmt.Errorf("oracle %s: %w", oracle, ledger.ErrMissingSignature)
	}
	if !state.Mint.Equals(mintKey) {
		return fmt.Errorf("mint account: %w", ledger.ErrAccountMismatch)
	}

	expectedATA, _, err := solana.FindAssociatedTokenAddress(recipient, mintKey)
	if err != nil {
		return fmt.Errorf("derive recipient token account: %w", err)
	}
	if !recipientATA.Equals(expectedATA) {
		return fmt.Errorf("recipient token account: %w", ledger.ErrAccountMismatch)
	}
	if err := call.Invoke(ledger.NewInitializeAccountInstruction(recipient, mintKey, oracle)); err != nil {
		return fmt.Errorf("create recipient token account: %w", err)
	}

	mintAuthPDA, bump, err := DeriveMintAuthorityPDA(call.ProgramID)
	if err != nil {
		return fmt.Errorf("derive mint authority PDA: %w", err)
	}
	mintToIx := ledger.NewMintToInstruction(mintKey, recipientATA, mintAuthPDA, amount)
	if err := call.InvokeSigned(mintToIx, [][]byte{[]byte("mint_auth"), {bump}}); err != nil {
		return fmt.Errorf("mint to recipient: %w", err)
	}
	return nil
}

func executeBurnEnergy(call *ledger.Call, amount uint64) error {
	mintKey, err := call.AccountKey(0)
	if err != nil {
		return err
	}
	userATA, err := call.AccountKey(1)
	if err != nil {
		return err
	}
	user, err := call.AccountKey(2)
	if err != nil {
		return err
	}

	if amount == 0 {
		return ledger.ErrInvalidAmount
	}
	expectedATA, _, err := solana.FindAssociatedTokenAddress(user, mintKey)
	if err != nil {
		return fmt.Errorf("derive user token account: %w", err)
	}
	if !userATA.Equals(expectedATA) {
		return fmt.Errorf("user token account: %w", ledger.ErrAccountMismatch)
	}

	// Ownership and the owner's real signature are enforced by the token
	// program; a forged signer flag without a transaction signature fails
	// there before any balance moves.
	if err := call.Invoke(ledger.NewBurnInstruction(mintKey, userATA, user, amount)); err != nil {
		return fmt.Errorf("burn: %w", err)
	}
	return nil
}
