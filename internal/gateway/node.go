package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gagliardetto/solana-go"
	"github.com/voltgrid/energy/backend/internal/config"
	"github.com/voltgrid/energy/backend/internal/energytoken"
	"github.com/voltgrid/energy/backend/internal/ledger"
	"github.com/voltgrid/energy/backend/internal/market"
)

// Node is the in-process ledger the gateway mints against: programs
// registered, oracle and authority funded, issuance state initialized. The
// same transaction surface a validator exposes, without the network hop.
type Node struct {
	Ledger          *ledger.Ledger
	Oracle          solana.PrivateKey
	Authority       solana.PrivateKey
	Mint            solana.PublicKey
	TokenProgramID  solana.PublicKey
	MarketProgramID solana.PublicKey

	logger *slog.Logger
}

func BootNode(cfg config.GatewayConfig, logger *slog.Logger) (*Node, error) {
	oracle, err := loadOrCreateKeypair(cfg.OracleKeypairPath)
	if err != nil {
		return nil, fmt.Errorf("oracle keypair: %w", err)
	}
	authority, err := loadOrCreateKeypair(cfg.AuthorityKeypairPath)
	if err != nil {
		return nil, fmt.Errorf("authority keypair: %w", err)
	}
	mint, err := loadOrCreateKeypair(cfg.MintKeypairPath)
	if err != nil {
		return nil, fmt.Errorf("mint keypair: %w", err)
	}

	l := ledger.New()
	l.RegisterProgram(cfg.TokenProgramID, energytoken.Program{})
	l.RegisterProgram(cfg.MarketProgramID, market.Program{})
	l.Fund(oracle.PublicKey(), cfg.FaucetLamports)
	l.Fund(authority.PublicKey(), cfg.FaucetLamports)

	node := &Node{
		Ledger:          l,
		Oracle:          oracle,
		Authority:       authority,
		Mint:            mint.PublicKey(),
		TokenProgramID:  cfg.TokenProgramID,
		MarketProgramID: cfg.MarketProgramID,
		logger:          logger,
	}

	if err := node.initialize(mint); err != nil {
		return nil, err
	}

	logger.Info("ledger node ready",
		"oracle", oracle.PublicKey(),
		"authority", authority.PublicKey(),
		"mint", mint.PublicKey(),
		"token_program", cfg.TokenProgramID,
		"market_program", cfg.MarketProgramID,
	)
	return node, nil
}

func (n *Node) initialize(mint solana.PrivateKey) error {
	ix, err := energytoken.NewInitializeInstruction(n.TokenProgramID, n.Mint, n.Authority.PublicKey(), n.Oracle.PublicKey())
	if err != nil {
		return fmt.Errorf("build initialize: %w", err)
	}
	tx := ledger.NewTransaction(n.Authority.PublicKey(), ix)
	if err := tx.Sign(n.Authority, mint); err != nil {
		return fmt.Errorf("sign initialize tx: %w", err)
	}
	if _, err := n.Ledger.Execute(tx); err != nil {
		if errors.Is(err, ledger.ErrAccountExists) {
			n.logger.Info("issuance program already initialized")
			return nil
		}
		return fmt.Errorf("initialize issuance program: %w", err)
	}
	return nil
}

// MintEnergy credits freshly minted tokens to the wallet's associated token
// account, signed by the oracle.
func (n *Node) MintEnergy(_ context.Context, wallet solana.PublicKey, amount uint64) (solana.Signature, error) {
	state, err := energytoken.StateFromLedger(n.Ledger, n.TokenProgramID)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("load issuance state: %w", err)
	}
	ix, err := energytoken.NewMintEnergyInstruction(n.TokenProgramID, state.Mint, n.Oracle.PublicKey(), wallet, amount)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("build mint_energy: %w", err)
	}
	tx := ledger.NewTransaction(n.Oracle.PublicKey(), ix)
	if err := tx.Sign(n.Oracle); err != nil {
		return solana.Signature{}, fmt.Errorf("sign mint_energy tx: %w", err)
	}
	sig, err := n.Ledger.Execute(tx)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("execute mint_energy: %w", err)
	}
	return sig, nil
}

// WalletBalance returns the token balance of a wallet's associated account;
// wallets that never received tokens read as zero.
func (n *Node) WalletBalance(wallet solana.PublicKey) (uint64, error) {
	ata, _, err := solana.FindAssociatedTokenAddress(wallet, n.Mint)
	if err != nil {
		return 0, fmt.Errorf("derive token account: %w", err)
	}
	return n.Ledger.TokenBalance(ata), nil
}

func loadOrCreateKeypair(path string) (solana.PrivateKey, error) {
	key, err := solana.PrivateKeyFromSolanaKeygenFile(path)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load keypair %q: %w", path, err)
	}

	key, err = solana.NewRandomPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}
	if err := writeSolanaKeygenFile(path, key); err != nil {
		return nil, err
	}
	return key, nil
}

func writeSolanaKeygenFile(path string, key solana.PrivateKey) error {
	raw := make([]int, len(key))
	for i, b := range key {
		raw[i] = int(b)
	}
	body, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("encode keypair: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create keypair directory %q: %w", dir, err)
		}
	}
	if err := os.WriteFile(path, body, 0o600); err != nil {
		return fmt.Errorf("write keypair %q: %w", path, err)
	}
	return nil
}
