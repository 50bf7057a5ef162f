package ledger

import (
	"bytes"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

const systemOpTransfer uint8 = 0

type systemTransferArgs struct {
	Lamports uint64
}

// NewSystemTransferInstruction moves native currency between accounts.
func NewSystemTransferInstruction(from, to solana.PublicKey, lamports uint64) Instruction {
	var buf bytes.Buffer
	buf.WriteByte(systemOpTransfer)
	if err := bin.NewBorshEncoder(&buf).Encode(systemTransferArgs{Lamports: lamports}); err != nil {
		panic(fmt.Errorf("encode system transfer: %w", err))
	}
	return Instruction{
		ProgramID: solana.SystemProgramID,
		Accounts: []AccountMeta{
			Meta(from, true, true),
			Meta(to, true, false),
		},
		Data: buf.Bytes(),
	}
}

type systemProgram struct{}

func (systemProgram) Execute(call *Call) error {
	if len(call.Data) == 0 {
		return ErrInvalidInstruction
	}
	if call.Data[0] != systemOpTransfer {
		return fmt.Errorf("system op %d: %w", call.Data[0], ErrInvalidInstruction)
	}
	var args systemTransferArgs
	if err := bin.NewBorshDecoder(call.Data[1:]).Decode(&args); err != nil {
		return fmt.Errorf("decode system transfer: %w", err)
	}
	from, err := call.AccountKey(0)
	if err != nil {
		return err
	}
	to, err := call.AccountKey(1)
	if err != nil {
		return err
	}
	if !call.Signed(from) {
		return fmt.Errorf("transfer source %s: %w", from, ErrMissingSignature)
	}
	return call.transferLamports(from, to, args.Lamports)
}
