package ledger

import (
	"bytes"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// Built-in fungible-token program. State layouts and authority rules follow
// the SPL token program; the instruction encoding is a trimmed borsh form
// (op byte + payload) since no external clients speak the original wire
// format against this node.

const (
	tokenOpInitializeMint uint8 = iota
	tokenOpInitializeAccount
	tokenOpMintTo
	tokenOpBurn
	tokenOpTransfer
	tokenOpCloseAccount
)

type Mint struct {
	Authority solana.PublicKey
	Supply    uint64
	Decimals  uint8
}

type TokenAccount struct {
	Mint   solana.PublicKey
	Owner  solana.PublicKey
	Amount uint64
}

type initializeMintArgs struct {
	Decimals  uint8
	Authority solana.PublicKey
}

type tokenAmountArgs struct {
	Amount uint64
}

func encodeTokenInstruction(op uint8, args any) []byte {
	var buf bytes.Buffer
	buf.WriteByte(op)
	if args != nil {
		if err := bin.NewBorshEncoder(&buf).Encode(args); err != nil {
			panic(fmt.Errorf("encode token instruction %d: %w", op, err))
		}
	}
	return buf.Bytes()
}

// NewInitializeMintInstruction creates the mint account. The mint keypair
// signs its own creation; the payer funds rent and becomes no authority.
func NewInitializeMintInstruction(mint, payer, authority solana.PublicKey, decimals uint8) Instruction {
	return Instruction{
		ProgramID: solana.TokenProgramID,
		Accounts: []AccountMeta{
			Meta(mint, true, true),
			Meta(payer, true, true),
		},
		Data: encodeTokenInstruction(tokenOpInitializeMint, initializeMintArgs{Decimals: decimals, Authority: authority}),
	}
}

// NewInitializeAccountInstruction creates the associated token account for
// (wallet, mint). Idempotent: an existing matching account is left as is.
func NewInitializeAccountInstruction(wallet, mint, payer solana.PublicKey) Instruction {
	ata, _, _ := solana.FindAssociatedTokenAddress(wallet, mint)
	return Instruction{
		ProgramID: solana.TokenProgramID,
		Accounts: []AccountMeta{
			Meta(ata, true, false),
			Meta(wallet, false, false),
			Meta(mint, false, false),
			Meta(payer, true, true),
		},
		Data: encodeTokenInstruction(tokenOpInitializeAccount, nil),
	}
}

func NewMintToInstruction(mint, destination, authority solana.PublicKey, amount uint64) Instruction {
	return Instruction{
		ProgramID: solana.TokenProgramID,
		Accounts: []AccountMeta{
			Meta(mint, true, false),
			Meta(destination, true, false),
			Meta(authority, false, true),
		},
		Data: encodeTokenInstruction(tokenOpMintTo, tokenAmountArgs{Amount: amount}),
	}
}

func NewBurnInstruction(mint, source, owner solana.PublicKey, amount uint64) Instruction {
	return Instruction{
		ProgramID: solana.TokenProgramID,
		Accounts: []AccountMeta{
			Meta(mint, true, false),
			Meta(source, true, false),
			Meta(owner, false, true),
		},
		Data: encodeTokenInstruction(tokenOpBurn, tokenAmountArgs{Amount: amount}),
	}
}

func NewTransferInstruction(source, destination, owner solana.PublicKey, amount uint64) Instruction {
	return Instruction{
		ProgramID: solana.TokenProgramID,
		Accounts: []AccountMeta{
			Meta(source, true, false),
			Meta(destination, true, false),
			Meta(owner, false, true),
		},
		Data: encodeTokenInstruction(tokenOpTransfer, tokenAmountArgs{Amount: amount}),
	}
}

func NewCloseAccountInstruction(account, destination, owner solana.PublicKey) Instruction {
	return Instruction{
		ProgramID: solana.TokenProgramID,
		Accounts: []AccountMeta{
			Meta(account, true, false),
			Meta(destination, true, false),
			Meta(owner, false, true),
		},
		Data: encodeTokenInstruction(tokenOpCloseAccount, nil),
	}
}

type tokenProgram struct{}

func (tokenProgram) Execute(call *Call) error {
	if len(call.Data) == 0 {
		return ErrInvalidInstruction
	}
	op := call.Data[0]
	payload := call.Data[1:]
	switch op {
	case tokenOpInitializeMint:
		var args initializeMintArgs
		if err := bin.NewBorshDecoder(payload).Decode(&args); err != nil {
			return fmt.Errorf("decode initialize_mint: %w", err)
		}
		return executeInitializeMint(call, args)
	case tokenOpInitializeAccount:
		return executeInitializeAccount(call)
	case tokenOpMintTo, tokenOpBurn, tokenOpTransfer:
		var args tokenAmountArgs
		if err := bin.NewBorshDecoder(payload).Decode(&args); err != nil {
			return fmt.Errorf("decode token amount: %w", err)
		}
		switch op {
		case tokenOpMintTo:
			return executeMintTo(call, args.Amount)
		case tokenOpBurn:
			return executeBurn(call, args.Amount)
		default:
			return executeTransfer(call, args.Amount)
		}
	case tokenOpCloseAccount:
		return executeCloseAccount(call)
	default:
		return fmt.Errorf("token op %d: %w", op, ErrInvalidInstruction)
	}
}

func executeInitializeMint(call *Call, args initializeMintArgs) error {
	mintKey, err := call.AccountKey(0)
	if err != nil {
		return err
	}
	payer, err := call.AccountKey(1)
	if err != nil {
		return err
	}
	if !call.Signed(mintKey) {
		return fmt.Errorf("mint %s: %w", mintKey, ErrMissingSignature)
	}
	data, err := encodeMint(Mint{Authority: args.Authority, Decimals: args.Decimals})
	if err != nil {
		return err
	}
	return call.CreateAccount(mintKey, payer, data)
}

func executeInitializeAccount(call *Call) error {
	ataKey, err := call.AccountKey(0)
	if err != nil {
		return err
	}
	wallet, err := call.AccountKey(1)
	if err != nil {
		return err
	}
	mintKey, err := call.AccountKey(2)
	if err != nil {
		return err
	}
	payer, err := call.AccountKey(3)
	if err != nil {
		return err
	}
	expected, _, err := solana.FindAssociatedTokenAddress(wallet, mintKey)
	if err != nil {
		return fmt.Errorf("derive associated token address: %w", err)
	}
	if !ataKey.Equals(expected) {
		return fmt.Errorf("token account %s: %w", ataKey, ErrAccountMismatch)
	}
	if _, err := readMint(call, mintKey); err != nil {
		return err
	}
	if call.AccountExists(ataKey) {
		existing, err := readTokenAccount(call, ataKey)
		if err != nil {
			return err
		}
		if !existing.Mint.Equals(mintKey) || !existing.Owner.Equals(wallet) {
			return fmt.Errorf("token account %s: %w", ataKey, ErrAccountMismatch)
		}
		return nil
	}
	data, err := encodeTokenAccount(TokenAccount{Mint: mintKey, Owner: wallet})
	if err != nil {
		return err
	}
	return call.CreateAccount(ataKey, payer, data)
}

func executeMintTo(call *Call, amount uint64) error {
	mintKey, err := call.AccountKey(0)
	if err != nil {
		return err
	}
	destKey, err := call.AccountKey(1)
	if err != nil {
		return err
	}
	authority, err := call.AccountKey(2)
	if err != nil {
		return err
	}
	if amount == 0 {
		return ErrInvalidAmount
	}
	mint, err := readMint(call, mintKey)
	if err != nil {
		return err
	}
	if !mint.Authority.Equals(authority) {
		return fmt.Errorf("mint authority mismatch: %w", ErrUnauthorized)
	}
	if !call.Signed(authority) {
		return fmt.Errorf("mint authority %s: %w", authority, ErrMissingSignature)
	}
	dest, err := readTokenAccount(call, destKey)
	if err != nil {
		return err
	}
	if !dest.Mint.Equals(mintKey) {
		return fmt.Errorf("destination mint mismatch: %w", ErrAccountMismatch)
	}
	if mint.Supply+amount < mint.Supply {
		return ErrMathOverflow
	}
	mint.Supply += amount
	dest.Amount += amount
	if err := writeMint(call, mintKey, mint); err != nil {
		return err
	}
	return writeTokenAccount(call, destKey, dest)
}

func executeBurn(call *Call, amount uint64) error {
	mintKey, err := call.AccountKey(0)
	if err != nil {
		return err
	}
	sourceKey, err := call.AccountKey(1)
	if err != nil {
		return err
	}
	owner, err := call.AccountKey(2)
	if err != nil {
		return err
	}
	if amount == 0 {
		return ErrInvalidAmount
	}
	source, err := readTokenAccount(call, sourceKey)
	if err != nil {
		return err
	}
	if !source.Owner.Equals(owner) {
		return fmt.Errorf("token owner mismatch: %w", ErrUnauthorized)
	}
	if !call.Signed(owner) {
		return fmt.Errorf("owner %s: %w", owner, ErrMissingSignature)
	}
	if !source.Mint.Equals(mintKey) {
		return fmt.Errorf("source mint mismatch: %w", ErrAccountMismatch)
	}
	if source.Amount < amount {
		return fmt.Errorf("burn %d of %d: %w", amount, source.Amount, ErrInsufficientFunds)
	}
	mint, err := readMint(call, mintKey)
	if err != nil {
		return err
	}
	source.Amount -= amount
	mint.Supply -= amount
	if err := writeMint(call, mintKey, mint); err != nil {
		return err
	}
	return writeTokenAccount(call, sourceKey, source)
}

func executeTransfer(call *Call, amount uint64) error {
	sourceKey, err := call.AccountKey(0)
	if err != nil {
		return err
	}
	destKey, err := call.AccountKey(1)
	if err != nil {
		return err
	}
	owner, err := call.AccountKey(2)
	if err != nil {
		return err
	}
	if amount == 0 {
		return ErrInvalidAmount
	}
	source, err := readTokenAccount(call, sourceKey)
	if err != nil {
		return err
	}
	dest, err := readTokenAccount(call, destKey)
	if err != nil {
		return err
	}
	if !source.Owner.Equals(owner) {
		return fmt.Errorf("token owner mismatch: %w", ErrUnauthorized)
	}
	if !call.Signed(owner) {
		return fmt.Errorf("owner %s: %w", owner, ErrMissingSignature)
	}
	if !source.Mint.Equals(dest.Mint) {
		return fmt.Errorf("transfer across mints: %w", ErrAccountMismatch)
	}
	if source.Amount < amount {
		return fmt.Errorf("transfer %d of %d: %w", amount, source.Amount, ErrInsufficientFunds)
	}
	source.Amount -= amount
	dest.Amount += amount
	if err := writeTokenAccount(call, sourceKey, source); err != nil {
		return err
	}
	return writeTokenAccount(call, destKey, dest)
}

func executeCloseAccount(call *Call) error {
	accountKey, err := call.AccountKey(0)
	if err != nil {
		return err
	}
	destination, err := call.AccountKey(1)
	if err != nil {
		return err
	}
	owner, err := call.AccountKey(2)
	if err != nil {
		return err
	}
	account, err := readTokenAccount(call, accountKey)
	if err != nil {
		return err
	}
	if !account.Owner.Equals(owner) {
		return fmt.Errorf("token owner mismatch: %w", ErrUnauthorized)
	}
	if !call.Signed(owner) {
		return fmt.Errorf("owner %s: %w", owner, ErrMissingSignature)
	}
	if account.Amount != 0 {
		return ErrNonEmptyAccount
	}
	return call.CloseAccount(accountKey, destination)
}

func readMint(call *Call, pubkey solana.PublicKey) (Mint, error) {
	owner, err := call.AccountOwner(pubkey)
	if err != nil {
		return Mint{}, fmt.Errorf("mint %s: %w", pubkey, err)
	}
	if !owner.Equals(solana.TokenProgramID) {
		return Mint{}, fmt.Errorf("mint %s: %w", pubkey, ErrInvalidAccountData)
	}
	data, err := call.AccountData(pubkey)
	if err != nil {
		return Mint{}, err
	}
	var mint Mint
	if err := bin.NewBorshDecoder(data).Decode(&mint); err != nil {
		return Mint{}, fmt.Errorf("decode mint %s: %w", pubkey, err)
	}
	return mint, nil
}

func writeMint(call *Call, pubkey solana.PublicKey, mint Mint) error {
	data, err := encodeMint(mint)
	if err != nil {
		return err
	}
	return call.SetAccountData(pubkey, data)
}

func readTokenAccount(call *Call, pubkey solana.PublicKey) (TokenAccount, error) {
	owner, err := call.AccountOwner(pubkey)
	if err != nil {
		return TokenAccount{}, fmt.Errorf("token account %s: %w", pubkey, err)
	}
	if !owner.Equals(solana.TokenProgramID) {
		return TokenAccount{}, fmt.Errorf("token account %s: %w", pubkey, ErrInvalidAccountData)
	}
	data, err := call.AccountData(pubkey)
	if err != nil {
		return TokenAccount{}, err
	}
	var account TokenAccount
	if err := bin.NewBorshDecoder(data).Decode(&account); err != nil {
		return TokenAccount{}, fmt.Errorf("decode token account %s: %w", pubkey, err)
	}
	return account, nil
}

func writeTokenAccount(call *Call, pubkey solana.PublicKey, account TokenAccount) error {
	data, err := encodeTokenAccount(account)
	if err != nil {
		return err
	}
	return call.SetAccountData(pubkey, data)
}

func encodeMint(mint Mint) ([]byte, error) {
	var buf bytes.Buffer
	if err := bin.NewBorshEncoder(&buf).Encode(mint); err != nil {
		return nil, fmt.Errorf("encode mint: %w", err)
	}
	return buf.Bytes(), nil
}

func encodeTokenAccount(account TokenAccount) ([]byte, error) {
	var buf bytes.Buffer
	if err := bin.NewBorshEncoder(&buf).Encode(account); err != nil {
		return nil, fmt.Errorf("encode token account: %w", err)
	}
	return buf.Bytes(), nil
}

// TokenBalance reads the amount held by a token account; a missing account
// reads as zero, matching how wallets display unopened token accounts.
func (l *Ledger) TokenBalance(pubkey solana.PublicKey) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	acc, ok := l.accounts[pubkey]
	if !ok || !acc.Owner.Equals(solana.TokenProgramID) {
		return 0
	}
	var token TokenAccount
	if err := bin.NewBorshDecoder(acc.Data).Decode(&token); err != nil {
		return 0
	}
	return token.Amount
}

// MintSupply reads the total supply of a mint.
func (l *Ledger) MintSupply(pubkey solana.PublicKey) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	acc, ok := l.accounts[pubkey]
	if !ok || !acc.Owner.Equals(solana.TokenProgramID) {
		return 0, fmt.Errorf("mint %s: %w", pubkey, ErrAccountNotFound)
	}
	var mint Mint
	if err := bin.NewBorshDecoder(acc.Data).Decode(&mint); err != nil {
		return 0, fmt.Errorf("decode mint %s: %w", pubkey, err)
	}
	return mint.Supply, nil
}
