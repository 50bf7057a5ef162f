package market

import (
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/voltgrid/energy/backend/internal/ledger"
)

// Program runs the escrow marketplace. Tokens leave the seller's wallet the
// moment an order is created and only ever move out of the vault under the
// vault authority's PDA signature, so a listed order can always deliver.
type Program struct{}

func (Program) Execute(call *ledger.Call) error {
	if len(call.Data) < 8 {
		return ledger.ErrInvalidInstruction
	}
	var disc [8]byte
	copy(disc[:], call.Data[:8])
	payload := call.Data[8:]

	switch disc {
	case ixCreateSellOrder:
		var args createSellOrderArgs
		if err := bin.NewBorshDecoder(payload).Decode(&args); err != nil {
			return fmt.Errorf("decode create_sell_order: %w", err)
		}
		return executeCreate(call, args)
	case ixFillSellOrder:
		var args fillSellOrderArgs
		if err := bin.NewBorshDecoder(payload).Decode(&args); err != nil {
			return fmt.Errorf("decode fill_sell_order: %w", err)
		}
		return executeFill(call, args.Quantity)
	case ixCancelSellOrder:
		return executeCancel(call)
	default:
		return fmt.Errorf("unknown instruction %x: %w", disc, ledger.ErrInvalidInstruction)
	}
}

func executeCreate(call *ledger.Call, args createSellOrderArgs) error {
	orderKey, err := call.AccountKey(0)
	if err != nil {
		return err
	}
	sellerATA, err := call.AccountKey(1)
	if err != nil {
		return err
	}
	vaultKey, err := call.AccountKey(2)
	if err != nil {
		return err
	}
	vaultAuthKey, err := call.AccountKey(3)
	if err != nil {
		return err
	}
	mint, err := call.AccountKey(4)
	if err != nil {
		return err
	}
	seller, err := call.AccountKey(5)
	if err != nil {
		return err
	}

	if args.Amount == 0 || args.Price == 0 {
		return ledger.ErrInvalidAmount
	}
	if !call.Signed(seller) {
		return fmt.Errorf("seller %s: %w", seller, ledger.ErrMissingSignature)
	}

	expectedOrder, orderBump, err := DeriveOrderPDA(call.ProgramID, seller, mint, args.Nonce)
	if err != nil {
		return fmt.Errorf("derive order PDA: %w", err)
	}
	if !orderKey.Equals(expectedOrder) {
		return fmt.Errorf("order account: %w", ledger.ErrAccountMismatch)
	}
	expectedVaultAuth, vaultAuthBump, err := DeriveVaultAuthorityPDA(call.ProgramID, orderKey)
	if err != nil {
		return fmt.Errorf("derive vault authority PDA: %w", err)
	}
	if !vaultAuthKey.Equals(expectedVaultAuth) {
		return fmt.Errorf("vault authority account: %w", ledger.ErrAccountMismatch)
	}
	expectedVault, _, err := solana.FindAssociatedTokenAddress(vaultAuthKey, mint)
	if err != nil {
		return fmt.Errorf("derive vault: %w", err)
	}
	if !vaultKey.Equals(expectedVault) {
		return fmt.Errorf("vault account: %w", ledger.ErrAccountMismatch)
	}
	expectedSellerATA, _, err := solana.FindAssociatedTokenAddress(seller, mint)
	if err != nil {
		return fmt.Errorf("derive seller token account: %w", err)
	}
	if !sellerATA.Equals(expectedSellerATA) {
		return fmt.Errorf("seller token account: %w", ledger.ErrAccountMismatch)
	}

	// Escrow up front. The vault is created before the order account so a
	// failed transfer (insufficient balance) rolls the whole thing back.
	if err := call.Invoke(ledger.NewInitializeAccountInstruction(vaultAuthKey, mint, seller)); err != nil {
		return fmt.Errorf("create vault: %w", err)
	}
	if err := call.Invoke(ledger.NewTransferInstruction(sellerATA, vaultKey, seller, args.Amount)); err != nil {
		return fmt.Errorf("escrow tokens: %w", err)
	}

	data, err := encodeSellOrder(SellOrder{
		Seller:                seller,
		Mint:                  mint,
		PriceLamportsPerToken: args.Price,
		AmountRemaining:       args.Amount,
		Active:                true,
		OrderNonce:            args.Nonce,
		OrderBump:             orderBump,
		VaultAuthBump:         vaultAuthBump,
	})
	if err != nil {
		return err
	}
	if err := call.CreateAccount(orderKey, seller, data); err != nil {
		return fmt.Errorf("create order: %w", err)
	}
	return nil
}

func executeFill(call *ledger.Call, quantity uint64) error {
	orderKey, err := call.AccountKey(0)
	if err != nil {
		return err
	}
	vaultKey, err := call.AccountKey(1)
	if err != nil {
		return err
	}
	vaultAuthKey, err := call.AccountKey(2)
	if err != nil {
		return err
	}
	buyerATA, err := call.AccountKey(3)
	if err != nil {
		return err
	}
	buyer, err := call.AccountKey(4)
	if err != nil {
		return err
	}
	seller, err := call.AccountKey(5)
	if err != nil {
		return err
	}
	mint, err := call.AccountKey(6)
	if err != nil {
		return err
	}

	if quantity == 0 {
		return ledger.ErrInvalidAmount
	}
	if !call.Signed(buyer) {
		return fmt.Errorf("buyer %s: %w", buyer, ledger.ErrMissingSignature)
	}

	order, err := loadOrder(call, orderKey)
	if err != nil {
		return err
	}
	if !order.Active {
		return fmt.Errorf("order %s is closed: %w", orderKey, ledger.ErrInvalidAccountData)
	}
	if !order.Seller.Equals(seller) || !order.Mint.Equals(mint) {
		return fmt.Errorf("order accounts: %w", ledger.ErrAccountMismatch)
	}
	if quantity > order.AmountRemaining {
		return fmt.Errorf("fill %d of %d remaining: %w", quantity, order.AmountRemaining, ledger.ErrInsufficientFunds)
	}

	cost := quantity * order.PriceLamportsPerToken
	if cost/order.PriceLamportsPerToken != quantity {
		return ledger.ErrMathOverflow
	}

	expectedVaultAuth, _, err := DeriveVaultAuthorityPDA(call.ProgramID, orderKey)
	if err != nil {
		return fmt.Errorf("derive vault authority PDA: %w", err)
	}
	if !vaultAuthKey.Equals(expectedVaultAuth) {
		return fmt.Errorf("vault authority account: %w", ledger.ErrAccountMismatch)
	}
	expectedVault, _, err := solana.FindAssociatedTokenAddress(vaultAuthKey, mint)
	if err != nil {
		return fmt.Errorf("derive vault: %w", err)
	}
	if !vaultKey.Equals(expectedVault) {
		return fmt.Errorf("vault account: %w", ledger.ErrAccountMismatch)
	}
	expectedBuyerATA, _, err := solana.FindAssociatedTokenAddress(buyer, mint)
	if err != nil {
		return fmt.Errorf("derive buyer token account: %w", err)
	}
	if !buyerATA.Equals(expectedBuyerATA) {
		return fmt.Errorf("buyer token account: %w", ledger.ErrAccountMismatch)
	}

	// Payment first, then delivery under the vault authority's signature.
	if err := call.Invoke(ledger.NewSystemTransferInstruction(buyer, seller, cost)); err != nil {
		return fmt.Errorf("pay seller: %w", err)
	}
	if err := call.Invoke(ledger.NewInitializeAccountInstruction(buyer, mint, buyer)); err != nil {
		return fmt.Errorf("create buyer token account: %w", err)
	}
	releaseIx := ledger.NewTransferInstruction(vaultKey, buyerATA, vaultAuthKey, quantity)
	vaultSeeds := [][]byte{[]byte("vault-auth"), orderKey[:], {order.VaultAuthBump}}
	if err := call.InvokeSigned(releaseIx, vaultSeeds); err != nil {
		return fmt.Errorf("release tokens: %w", err)
	}

	order.AmountRemaining -= quantity
	if order.AmountRemaining == 0 {
		order.Active = false
	}
	data, err := encodeSellOrder(*order)
	if err != nil {
		return err
	}
	return call.SetAccountData(orderKey, data)
}

func executeCancel(call *ledger.Call) error {
	orderKey, err := call.AccountKey(0)
	if err != nil {
		return err
	}
	vaultKey, err := call.AccountKey(1)
	if err != nil {
		return err
	}
	vaultAuthKey, err := call.AccountKey(2)
	if err != nil {
		return err
	}
	sellerATA, err := call.AccountKey(3)
	if err != nil {
		return err
	}
	seller, err := call.AccountKey(4)
	if err != nil {
		return err
	}
	mint, err := call.AccountKey(5)
	if err != nil {
		return err
	}

	order, err := loadOrder(call, orderKey)
	if err != nil {
		return err
	}
	if !order.Seller.Equals(seller) {
		return fmt.Errorf("only the seller may cancel: %w", ledger.ErrUnauthorized)
	}
	if !call.Signed(seller) {
		return fmt.Errorf("seller %s: %w", seller, ledger.ErrMissingSignature)
	}
	if !order.Mint.Equals(mint) {
		return fmt.Errorf("order mint: %w", ledger.ErrAccountMismatch)
	}

	expectedVaultAuth, _, err := DeriveVaultAuthorityPDA(call.ProgramID, orderKey)
	if err != nil {
		return fmt.Errorf("derive vault authority PDA: %w", err)
	}
	if !vaultAuthKey.Equals(expectedVaultAuth) {
		return fmt.Errorf("vault authority account: %w", ledger.ErrAccountMismatch)
	}
	expectedVault, _, err := solana.FindAssociatedTokenAddress(vaultAuthKey, mint)
	if err != nil {
		return fmt.Errorf("derive vault: %w", err)
	}
	if !vaultKey.Equals(expectedVault) {
		return fmt.Errorf("vault account: %w", ledger.ErrAccountMismatch)
	}
	expectedSellerATA, _, err := solana.FindAssociatedTokenAddress(seller, mint)
	if err != nil {
		return fmt.Errorf("derive seller token account: %w", err)
	}
	if !sellerATA.Equals(expectedSellerATA) {
		return fmt.Errorf("seller token account: %w", ledger.ErrAccountMismatch)
	}

	vaultSeeds := [][]byte{[]byte("vault-auth"), orderKey[:], {order.VaultAuthBump}}
	if unsold := vaultBalance(call, vaultKey); unsold > 0 {
		if err := call.Invoke(ledger.NewInitializeAccountInstruction(seller, mint, seller)); err != nil {
			return fmt.Errorf("create seller token account: %w", err)
		}
		refundIx := ledger.NewTransferInstruction(vaultKey, sellerATA, vaultAuthKey, unsold)
		if err := call.InvokeSigned(refundIx, vaultSeeds); err != nil {
			return fmt.Errorf("refund tokens: %w", err)
		}
	}
	closeIx := ledger.NewCloseAccountInstruction(vaultKey, seller, vaultAuthKey)
	if err := call.InvokeSigned(closeIx, vaultSeeds); err != nil {
		return fmt.Errorf("close vault: %w", err)
	}
	if err := call.CloseAccount(orderKey, seller); err != nil {
		return fmt.Errorf("close order: %w", err)
	}
	return nil
}

func loadOrder(call *ledger.Call, orderKey solana.PublicKey) (*SellOrder, error) {
	owner, err := call.AccountOwner(orderKey)
	if err != nil {
		return nil, fmt.Errorf("order %s: %w", orderKey, err)
	}
	if !owner.Equals(call.ProgramID) {
		return nil, fmt.Errorf("order %s: %w", orderKey, ledger.ErrInvalidAccountData)
	}
	data, err := call.AccountData(orderKey)
	if err != nil {
		return nil, err
	}
	return ParseSellOrder(data)
}

func vaultBalance(call *ledger.Call, vaultKey solana.PublicKey) uint64 {
	data, err := call.AccountData(vaultKey)
	if err != nil {
		return 0
	}
	var account ledger.TokenAccount
	if err := bin.NewBorshDecoder(data).Decode(&account); err != nil {
		return 0
	}
	return account.Amount
}
