package market

import (
	"bytes"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/voltgrid/energy/backend/internal/ledger"
)

var (
	ixCreateSellOrder = anchorInstructionDiscriminator("create_sell_order")
	ixFillSellOrder   = anchorInstructionDiscriminator("fill_sell_order")
	ixCancelSellOrder = anchorInstructionDiscriminator("cancel_sell_order")
)

type createSellOrderArgs struct {
	Amount uint64
	Price  uint64
	Nonce  uint64
}

type fillSellOrderArgs struct {
	Quantity uint64
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

// NewCreateSellOrderInstruction escrows `amount` tokens from the seller into
// a fresh order-specific vault at `price` lamports per token. The nonce
// disambiguates concurrent orders by the same seller on the same mint.
func NewCreateSellOrderInstruction(programID, seller, mint solana.PublicKey, amount, price, nonce uint64) (ledger.Instruction, error) {
	order, _, err := DeriveOrderPDA(programID, seller, mint, nonce)
	if err != nil {
		return ledger.Instruction{}, fmt.Errorf("derive order PDA: %w", err)
	}
	vaultAuth, _, err := DeriveVaultAuthorityPDA(programID, order)
	if err != nil {
		return ledger.Instruction{}, fmt.Errorf("derive vault authority PDA: %w", err)
	}
	vault, _, err := solana.FindAssociatedTokenAddress(vaultAuth, mint)
	if err != nil {
		return ledger.Instruction{}, fmt.Errorf("derive vault: %w", err)
	}
	sellerATA, _, err := solana.FindAssociatedTokenAddress(seller, mint)
	if err != nil {
		return ledger.Instruction{}, fmt.Errorf("derive seller token account: %w", err)
	}
	return ledger.Instruction{
		ProgramID: programID,
		Accounts: []ledger.AccountMeta{
			ledger.Meta(order, true, false),
			ledger.Meta(sellerATA, true, false),
			ledger.Meta(vault, true, false),
			ledger.Meta(vaultAuth, false, false),
			ledger.Meta(mint, false, false),
			ledger.Meta(seller, true, true),
			ledger.Meta(solana.SystemProgramID, false, false),
			ledger.Meta(solana.TokenProgramID, false, false),
			ledger.Meta(solana.SPLAssociatedTokenAccountProgramID, false, false),
		},
		Data: encodeArgs(ixCreateSellOrder, createSellOrderArgs{Amount: amount, Price: price, Nonce: nonce}),
	}, nil
}

// NewFillSellOrderInstruction buys `quantity` tokens from an open order.
// Payment in lamports flows buyer to seller and the vault releases tokens to
// the buyer's associated token account (created on the fly, paid by the
// buyer).
func NewFillSellOrderInstruction(programID, order, seller, mint, buyer solana.PublicKey, quantity uint64) (ledger.Instruction, error) {
	vaultAuth, _, err := DeriveVaultAuthorityPDA(programID, order)
	if err != nil {
		return ledger.Instruction{}, fmt.Errorf("derive vault authority PDA: %w", err)
	}
	vault, _, err := solana.FindAssociatedTokenAddress(vaultAuth, mint)
	if err != nil {
		return ledger.Instruction{}, fmt.Errorf("derive vault: %w", err)
	}
	buyerATA, _, err := solana.FindAssociatedTokenAddress(buyer, mint)
	if err != nil {
		return ledger.Instruction{}, fmt.Errorf("derive buyer token account: %w", err)
	}
	return ledger.Instruction{
		ProgramID: programID,
		Accounts: []ledger.AccountMeta{
			ledger.Meta(order, true, false),
			ledger.Meta(vault, true, false),
			ledger.Meta(vaultAuth, false, false),
			ledger.Meta(buyerATA, true, false),
			ledger.Meta(buyer, true, true),
			ledger.Meta(seller, true, false),
			ledger.Meta(mint, false, false),
			ledger.Meta(solana.SystemProgramID, false, false),
			ledger.Meta(solana.TokenProgramID, false, false),
			ledger.Meta(solana.SPLAssociatedTokenAccountProgramID, false, false),
		},
		Data: encodeArgs(ixFillSellOrder, fillSellOrderArgs{Quantity: quantity}),
	}, nil
}

// NewCancelSellOrderInstruction returns any unsold tokens to the seller,
// closes the vault and reclaims the order account's rent. Works on fully
// filled (inactive) orders too; only the seller may cancel.
func NewCancelSellOrderInstruction(programID, order, mint, seller solana.PublicKey) (ledger.Instruction, error) {
	vaultAuth, _, err := DeriveVaultAuthorityPDA(programID, order)
	if err != nil {
		return ledger.Instruction{}, fmt.Errorf("derive vault authority PDA: %w", err)
	}
	vault, _, err := solana.FindAssociatedTokenAddress(vaultAuth, mint)
	if err != nil {
		return ledger.Instruction{}, fmt.Errorf("derive vault: %w", err)
	}
	sellerATA, _, err := solana.FindAssociatedTokenAddress(seller, mint)
	if err != nil {
		return ledger.Instruction{}, fmt.Errorf("derive seller token account: %w", err)
	}
	return ledger.Instruction{
		ProgramID: programID,
		Accounts: []ledger.AccountMeta{
			ledger.Meta(order, true, false),
			ledger.Meta(vault, true, false),
			ledger.Meta(vaultAuth, false, false),
			ledger.Meta(sellerATA, true, false),
			ledger.Meta(seller, true, true),
			ledger.Meta(mint, false, false),
			ledger.Meta(solana.TokenProgramID, false, false),
		},
		Data: encodeArgs(ixCancelSellOrder, nil),
	}, nil
}
