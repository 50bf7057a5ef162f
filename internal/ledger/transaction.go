package ledger

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// AccountMeta describes one account an instruction touches, together with
// the privileges the instruction asserts for it. An IsSigner flag is a
// claim only; execution verifies a matching ed25519 signature exists.
type AccountMeta struct {
	Pubkey     solana.PublicKey
	IsWritable bool
	IsSigner   bool
}

func Meta(pubkey solana.PublicKey, writable, signer bool) AccountMeta {
	return AccountMeta{Pubkey: pubkey, IsWritable: writable, IsSigner: signer}
}

type Instruction struct {
	ProgramID solana.PublicKey
	Accounts  []AccountMeta
	Data      []byte
}

// Message is the signed payload of a transaction. Nonce makes the message
// bytes (and therefore the payer signature used as the transaction id)
// unique across otherwise identical submissions.
type Message struct {
	Payer        solana.PublicKey
	Nonce        uint64
	Instructions []Instruction
}

func (m *Message) Serialize() ([]byte, error) {
	var buf bytes.Buffer
	if err := bin.NewBorshEncoder(&buf).Encode(m); err != nil {
		return nil, fmt.Errorf("serialize message: %w", err)
	}
	return buf.Bytes(), nil
}

type TransactionSignature struct {
	Pubkey    solana.PublicKey
	Signature solana.Signature
}

type Transaction struct {
	Message    Message
	Signatures []TransactionSignature
}

func NewTransaction(payer solana.PublicKey, instructions ...Instruction) *Transaction {
	var nonce [8]byte
	_, _ = rand.Read(nonce[:])
	return &Transaction{
		Message: Message{
			Payer:        payer,
			Nonce:        binary.LittleEndian.Uint64(nonce[:]),
			Instructions: instructions,
		},
	}
}

// Sign appends a signature entry for every provided key. Keys already
// present are re-signed in place so a retried Sign cannot duplicate entries.
func (tx *Transaction) Sign(keys ...solana.PrivateKey) error {
	msg, err := tx.Message.Serialize()
	if err != nil {
		return err
	}
	for _, key := range keys {
		sig, err := key.Sign(msg)
		if err != nil {
			return fmt.Errorf("sign transaction: %w", err)
		}
		entry := TransactionSignature{Pubkey: key.PublicKey(), Signature: sig}
		replaced := false
		for i := range tx.Signatures {
			if tx.Signatures[i].Pubkey.Equals(entry.Pubkey) {
				tx.Signatures[i] = entry
				replaced = true
				break
			}
		}
		if !replaced {
			tx.Signatures = append(tx.Signatures, entry)
		}
	}
	return nil
}

// Signature returns the payer's signature, which doubles as the
// transaction id once executed.
func (tx *Transaction) Signature() solana.Signature {
	for _, entry := range tx.Signatures {
		if entry.Pubkey.Equals(tx.Message.Payer) {
			return entry.Signature
		}
	}
	return solana.Signature{}
}

// Serialize encodes the whole transaction (message plus signatures) so it
// can travel over the node's submit endpoint.
func (tx *Transaction) Serialize() ([]byte, error) {
	var buf bytes.Buffer
	if err := bin.NewBorshEncoder(&buf).Encode(tx); err != nil {
		return nil, fmt.Errorf("serialize transaction: %w", err)
	}
	return buf.Bytes(), nil
}

func DeserializeTransaction(raw []byte) (*Transaction, error) {
	var tx Transaction
	if err := bin.NewBorshDecoder(raw).Decode(&tx); err != nil {
		return nil, fmt.Errorf("deserialize transaction: %w", err)
	}
	return &tx, nil
}
