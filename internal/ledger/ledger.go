package ledger

import (
	"crypto/ed25519"
	"fmt"
	"sync"

	"github.com/gagliardetto/solana-go"
)

// Rent charged when an account is created and refunded when it is closed,
// mirroring the rent-exempt minimum on mainnet (128-byte account overhead).
const (
	rentOverheadBytes   = 128
	rentLamportsPerByte = 6960
)

func RentExempt(dataLen int) uint64 {
	return uint64(rentOverheadBytes+dataLen) * rentLamportsPerByte
}

type Account struct {
	Owner    solana.PublicKey
	Lamports uint64
	Data     []byte
}

func (a *Account) clone() *Account {
	if a == nil {
		return nil
	}
	data := make([]byte, len(a.Data))
	copy(data, a.Data)
	return &Account{Owner: a.Owner, Lamports: a.Lamports, Data: data}
}

// Program executes one instruction against the ledger through the passed
// call frame. Returning an error rolls back the whole transaction.
type Program interface {
	Execute(call *Call) error
}

// Ledger is a deterministic single-node account store. Each Execute applies
// a transaction with all-or-nothing semantics under one lock, which is the
// same serialization guarantee the cluster gives concurrent submitters:
// one transaction wins, the rest observe refreshed state.
type Ledger struct {
	mu       sync.Mutex
	slot     uint64
	accounts map[solana.PublicKey]*Account
	programs map[solana.PublicKey]Program
	executed map[solana.Signature]uint64
}

func New() *Ledger {
	l := &Ledger{
		accounts: make(map[solana.PublicKey]*Account),
		programs: make(map[solana.PublicKey]Program),
		executed: make(map[solana.Signature]uint64),
	}
	l.programs[solana.SystemProgramID] = systemProgram{}
	l.programs[solana.TokenProgramID] = tokenProgram{}
	return l
}

func (l *Ledger) RegisterProgram(id solana.PublicKey, p Program) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.programs[id] = p
}

// Fund credits lamports to an account, creating a system-owned account if
// needed. This is the faucet path used at bootstrap and in tests; it has no
// equivalent instruction surface.
func (l *Ledger) Fund(pubkey solana.PublicKey, lamports uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	acc, ok := l.accounts[pubkey]
	if !ok {
		acc = &Account{Owner: solana.SystemProgramID}
		l.accounts[pubkey] = acc
	}
	acc.Lamports += lamports
}

func (l *Ledger) Slot() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.slot
}

// AccountInfo returns a copy of the account, if it exists.
func (l *Ledger) AccountInfo(pubkey solana.PublicKey) (*Account, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	acc, ok := l.accounts[pubkey]
	if !ok {
		return nil, false
	}
	return acc.clone(), true
}

func (l *Ledger) Lamports(pubkey solana.PublicKey) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if acc, ok := l.accounts[pubkey]; ok {
		return acc.Lamports
	}
	return 0
}

// ProgramAccounts returns copies of all accounts owned by the given program,
// the in-process equivalent of a getProgramAccounts scan.
func (l *Ledger) ProgramAccounts(programID solana.PublicKey) map[solana.PublicKey]*Account {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[solana.PublicKey]*Account)
	for pubkey, acc := range l.accounts {
		if acc.Owner.Equals(programID) {
			out[pubkey] = acc.clone()
		}
	}
	return out
}

// Execute verifies signatures, runs every instruction in order and either
// commits all effects or none of them.
func (l *Ledger) Execute(tx *Transaction) (solana.Signature, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	msg, err := tx.Message.Serialize()
	if err != nil {
		return solana.Signature{}, err
	}

	signers := make(map[solana.PublicKey]struct{}, len(tx.Signatures))
	for _, entry := range tx.Signatures {
		if !ed25519.Verify(entry.Pubkey[:], msg, entry.Signature[:]) {
			return solana.Signature{}, fmt.Errorf("signer %s: %w", entry.Pubkey, ErrInvalidSignature)
		}
		signers[entry.Pubkey] = struct{}{}
	}
	if _, ok := signers[tx.Message.Payer]; !ok {
		return solana.Signature{}, fmt.Errorf("payer %s: %w", tx.Message.Payer, ErrMissingSignature)
	}

	txID := tx.Signature()
	if _, seen := l.executed[txID]; seen {
		return solana.Signature{}, ErrDuplicateTransaction
	}

	exec := &execution{
		ledger:  l,
		signers: signers,
		journal: make(map[solana.PublicKey]*Account),
	}

	for i, ix := range tx.Message.Instructions {
		if err := exec.invoke(ix, nil); err != nil {
			exec.rollback()
			return solana.Signature{}, fmt.Errorf("instruction %d: %w", i, err)
		}
	}

	l.slot++
	l.executed[txID] = l.slot
	return txID, nil
}

// execution tracks verified signers and the pre-image of every account
// touched by the transaction so a failed instruction can undo everything.
type execution struct {
	ledger  *Ledger
	signers map[solana.PublicKey]struct{}
	journal map[solana.PublicKey]*Account
}

func (e *execution) snapshot(pubkey solana.PublicKey) {
	if _, done := e.journal[pubkey]; done {
		return
	}
	e.journal[pubkey] = e.ledger.accounts[pubkey].clone()
}

func (e *execution) rollback() {
	for pubkey, prior := range e.journal {
		if prior == nil {
			delete(e.ledger.accounts, pubkey)
			continue
		}
		e.ledger.accounts[pubkey] = prior
	}
}

func (e *execution) invoke(ix Instruction, pdaSigners map[solana.PublicKey]struct{}) error {
	program, ok := e.ledger.programs[ix.ProgramID]
	if !ok {
		return fmt.Errorf("%s: %w", ix.ProgramID, ErrUnknownProgram)
	}
	call := &Call{
		exec:       e,
		ProgramID:  ix.ProgramID,
		Accounts:   ix.Accounts,
		Data:       ix.Data,
		pdaSigners: pdaSigners,
	}
	return program.Execute(call)
}

// Call is one instruction invocation frame. Account mutation goes through
// its methods so every write is journaled and ownership-checked.
type Call struct {
	exec       *execution
	ProgramID  solana.PublicKey
	Accounts   []AccountMeta
	Data       []byte
	pdaSigners map[solana.PublicKey]struct{}
}

// AccountKey returns the pubkey at the given position of the instruction's
// account list, enforcing the documented account order of each operation.
func (c *Call) AccountKey(index int) (solana.PublicKey, error) {
	if index < 0 || index >= len(c.Accounts) {
		return solana.PublicKey{}, fmt.Errorf("account index %d out of range (%d accounts): %w", index, len(c.Accounts), ErrInvalidInstruction)
	}
	return c.Accounts[index].Pubkey, nil
}

// Signed reports whether the account both was flagged as a signer in the
// instruction metadata and actually carries authorization: a verified
// transaction signature, or PDA signer status granted via InvokeSigned.
// Metadata alone never suffices.
func (c *Call) Signed(pubkey solana.PublicKey) bool {
	flagged := false
	for _, meta := range c.Accounts {
		if meta.Pubkey.Equals(pubkey) && meta.IsSigner {
			flagged = true
			break
		}
	}
	if !flagged {
		return false
	}
	if _, ok := c.exec.signers[pubkey]; ok {
		return true
	}
	_, ok := c.pdaSigners[pubkey]
	return ok
}

func (c *Call) AccountExists(pubkey solana.PublicKey) bool {
	_, ok := c.exec.ledger.accounts[pubkey]
	return ok
}

func (c *Call) AccountOwner(pubkey solana.PublicKey) (solana.PublicKey, error) {
	acc, ok := c.exec.ledger.accounts[pubkey]
	if !ok {
		return solana.PublicKey{}, fmt.Errorf("%s: %w", pubkey, ErrAccountNotFound)
	}
	return acc.Owner, nil
}

func (c *Call) AccountData(pubkey solana.PublicKey) ([]byte, error) {
	acc, ok := c.exec.ledger.accounts[pubkey]
	if !ok {
		return nil, fmt.Errorf("%s: %w", pubkey, ErrAccountNotFound)
	}
	data := make([]byte, len(acc.Data))
	copy(data, acc.Data)
	return data, nil
}

// SetAccountData rewrites the data of an account owned by the executing
// program.
func (c *Call) SetAccountData(pubkey solana.PublicKey, data []byte) error {
	acc, ok := c.exec.ledger.accounts[pubkey]
	if !ok {
		return fmt.Errorf("%s: %w", pubkey, ErrAccountNotFound)
	}
	if !acc.Owner.Equals(c.ProgramID) {
		return fmt.Errorf("program %s does not own %s: %w", c.ProgramID, pubkey, ErrUnauthorized)
	}
	c.exec.snapshot(pubkey)
	acc = c.exec.ledger.accounts[pubkey]
	acc.Data = make([]byte, len(data))
	copy(acc.Data, data)
	return nil
}

// CreateAccount allocates a program-owned account, charging the signing
// payer the rent-exempt minimum for its size.
func (c *Call) CreateAccount(pubkey, payer solana.PublicKey, data []byte) error {
	if c.AccountExists(pubkey) {
		return fmt.Errorf("%s: %w", pubkey, ErrAccountExists)
	}
	if !c.Signed(payer) {
		return fmt.Errorf("payer %s: %w", payer, ErrMissingSignature)
	}
	rent := RentExempt(len(data))
	payerAcc, ok := c.exec.ledger.accounts[payer]
	if !ok || payerAcc.Lamports < rent {
		return fmt.Errorf("payer %s needs %d lamports rent: %w", payer, rent, ErrInsufficientFunds)
	}
	c.exec.snapshot(payer)
	c.exec.snapshot(pubkey)
	c.exec.ledger.accounts[payer].Lamports -= rent
	stored := make([]byte, len(data))
	copy(stored, data)
	c.exec.ledger.accounts[pubkey] = &Account{Owner: c.ProgramID, Lamports: rent, Data: stored}
	return nil
}

// CloseAccount deletes a program-owned account and refunds its lamports.
func (c *Call) CloseAccount(pubkey, destination solana.PublicKey) error {
	acc, ok := c.exec.ledger.accounts[pubkey]
	if !ok {
		return fmt.Errorf("%s: %w", pubkey, ErrAccountNotFound)
	}
	if !acc.Owner.Equals(c.ProgramID) {
		return fmt.Errorf("program %s does not own %s: %w", c.ProgramID, pubkey, ErrUnauthorized)
	}
	refund := acc.Lamports
	c.exec.snapshot(pubkey)
	c.exec.snapshot(destination)
	delete(c.exec.ledger.accounts, pubkey)
	dest, ok := c.exec.ledger.accounts[destination]
	if !ok {
		dest = &Account{Owner: solana.SystemProgramID}
		c.exec.ledger.accounts[destination] = dest
	}
	dest.Lamports += refund
	return nil
}

func (c *Call) Lamports(pubkey solana.PublicKey) uint64 {
	if acc, ok := c.exec.ledger.accounts[pubkey]; ok {
		return acc.Lamports
	}
	return 0
}

// Invoke runs a nested instruction with no extra signer privileges.
func (c *Call) Invoke(ix Instruction) error {
	return c.exec.invoke(ix, nil)
}

// InvokeSigned runs a nested instruction granting signer status to the
// program-derived addresses produced by the given seed groups. This is the
// only way a non-keypair authority ever signs: the capability exists just
// for the duration of the nested call and only for addresses derived from
// the calling program's id.
func (c *Call) InvokeSigned(ix Instruction, seedGroups ...[][]byte) error {
	pdas := make(map[solana.PublicKey]struct{}, len(seedGroups))
	for _, seeds := range seedGroups {
		pda, err := solana.CreateProgramAddress(seeds, c.ProgramID)
		if err != nil {
			return fmt.Errorf("derive signer address: %w", err)
		}
		pdas[pda] = struct{}{}
	}
	return c.exec.invoke(ix, pdas)
}

// transferLamports moves native currency; used by the system program only.
func (c *Call) transferLamports(from, to solana.PublicKey, lamports uint64) error {
	src, ok := c.exec.ledger.accounts[from]
	if !ok || src.Lamports < lamports {
		return fmt.Errorf("%s: %w", from, ErrInsufficientFunds)
	}
	c.exec.snapshot(from)
	c.exec.snapshot(to)
	c.exec.ledger.accounts[from].Lamports -= lamports
	dest, ok := c.exec.ledger.accounts[to]
	if !ok {
		dest = &Account{Owner: solana.SystemProgramID}
		c.exec.ledger.accounts[to] = dest
	}
	dest.Lamports += lamports
	return nil
}
