package energytoken

import (
	"bytes"
	"crypto/sha256"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/voltgrid/energy/backend/internal/ledger"
)

// ProgramID is the issuance program's address. Overridable at boot the same
// way deployments pin their program ids through config.
var ProgramID = solana.MustPublicKeyFromBase58("6WnjPtMbz6ogoJg2PgGnbnyEW4uEmPV6EqzLQ4BqouPo")

// State is the global singleton: which mint this program controls and which
// account may request minting. Stored behind an 8-byte account
// discriminator, anchor style.
type State struct {
	Mint   solana.PublicKey
	Oracle solana.PublicKey
}

var accountState = anchorAccountDiscriminator("State")

func anchorInstructionDiscriminator(name string) [8]byte {
	hash := sha256.Sum256([]byte("global:" + name))
	var out [8]byte
	copy(out[:], hash[:8])
	return out
}

func anchorAccountDiscriminator(name string) [8]byte {
	hash := sha256.Sum256([]byte("account:" + name))
	var out [8]byte
	copy(out[:], hash[:8])
	return out
}

func encodeState(state State) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(accountState[:])
	if err := bin.NewBorshEncoder(&buf).Encode(state); err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}
	return buf.Bytes(), nil
}

// ParseState decodes the global state account.
func ParseState(data []byte) (*State, error) {
	if len(data) < 8 || !bytes.Equal(data[:8], accountState[:]) {
		return nil, fmt.Errorf("state account: %w", ledger.ErrInvalidAccountData)
	}
	var state State
	if err := bin.NewBorshDecoder(data[8:]).Decode(&state); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	return &state, nil
}

// StateFromLedger reads the state singleton, or reports that the program is
// not yet initialized.
func StateFromLedger(l *ledger.Ledger, programID solana.PublicKey) (*State, error) {
	statePDA, _, err := DeriveStatePDA(programID)
	if err != nil {
		return nil, fmt.Errorf("derive state PDA: %w", err)
	}
	account, ok := l.AccountInfo(statePDA)
	if !ok {
		return nil, fmt.Errorf("state %s: %w", statePDA, ledger.ErrAccountNotFound)
	}
	return ParseState(account.Data)
}
