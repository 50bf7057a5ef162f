package market

import (
	"bytes"
	"crypto/sha256"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/voltgrid/energy/backend/internal/ledger"
)

// ProgramID is the marketplace program's address. Overridable at boot.
var ProgramID = solana.MustPublicKeyFromBase58("GpMobZUKPtEE1eiZQAADo2ecD54JXhNHPNts5kPGwLtb")

// SellOrder is the on-ledger order book entry. AmountRemaining counts tokens
// still sitting in the vault; a fully filled order stays around with
// Active=false until the seller cancels it and reclaims the rent.
type SellOrder struct {
	Seller                solana.PublicKey
	Mint                  solana.PublicKey
	PriceLamportsPerToken uint64
	AmountRemaining       uint64
	Active                bool
	OrderNonce            uint64
	OrderBump             uint8
	VaultAuthBump         uint8
}

var accountSellOrder = anchorAccountDiscriminator("SellOrder")

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

func encodeSellOrder(order SellOrder) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(accountSellOrder[:])
	if err := bin.NewBorshEncoder(&buf).Encode(order); err != nil {
		return nil, fmt.Errorf("encode sell order: %w", err)
	}
	return buf.Bytes(), nil
}

// ParseSellOrder decodes an order account.
func ParseSellOrder(data []byte) (*SellOrder, error) {
	if len(data) < 8 || !bytes.Equal(data[:8], accountSellOrder[:]) {
		return nil, fmt.Errorf("order account: %w", ledger.ErrInvalidAccountData)
	}
	var order SellOrder
	if err := bin.NewBorshDecoder(data[8:]).Decode(&order); err != nil {
		return nil, fmt.Errorf("decode sell order: %w", err)
	}
	return &order, nil
}

// OrderFromLedger reads one order account.
func OrderFromLedger(l *ledger.Ledger, order solana.PublicKey) (*SellOrder, error) {
	account, ok := l.AccountInfo(order)
	if !ok {
		return nil, fmt.Errorf("order %s: %w", order, ledger.ErrAccountNotFound)
	}
	return ParseSellOrder(account.Data)
}
