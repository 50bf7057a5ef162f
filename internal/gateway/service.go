package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/voltgrid/energy/backend/internal/config"
	"github.com/voltgrid/energy/backend/internal/ledger"
	"github.com/voltgrid/energy/backend/internal/market"
)

type Service struct {
	cfg              config.GatewayConfig
	logger           *slog.Logger
	node             *Node
	store            MeterStore
	accountant       *Accountant
	allowAllOrigins  bool
	allowedOriginSet map[string]struct{}
}

func New(cfg config.GatewayConfig, logger *slog.Logger) (*Service, error) {
	node, err := BootNode(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("boot ledger node: %w", err)
	}

	var store MeterStore
	if strings.TrimSpace(cfg.DBDSN) != "" {
		pgStore, err := NewPostgresStore(cfg.DBDSN)
		if err != nil {
			return nil, fmt.Errorf("init store: %w", err)
		}
		store = pgStore
	} else {
		logger.Warn("no database configured, device accounting is in-memory only")
		store = NewMemoryStore()
	}

	submitter := NewRetryingSubmitter(node, cfg.SubmitMaxRetries, cfg.SubmitRetryBaseDelay, cfg.SubmitRetryMaxDelay, logger)
	accountant := NewAccountant(store, submitter, cfg.WindowSeconds, logger)

	allowAllOrigins := false
	allowedOriginSet := make(map[string]struct{}, len(cfg.AllowedOrigins))
	for _, origin := range cfg.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		if trimmed == "*" {
			allowAllOrigins = true
			continue
		}
		allowedOriginSet[trimmed] = struct{}{}
	}
	if len(allowedOriginSet) == 0 && !allowAllOrigins {
		allowAllOrigins = true
	}

	return &Service{
		cfg:              cfg,
		logger:           logger,
		node:             node,
		store:            store,
		accountant:       accountant,
		allowAllOrigins:  allowAllOrigins,
		allowedOriginSet: allowedOriginSet,
	}, nil
}

// Node exposes the in-process ledger node, mainly for the CLI and tests.
func (s *Service) Node() *Node {
	return s.node
}

func (s *Service) Run(ctx context.Context) error {
	defer func() {
		if err := s.store.Close(); err != nil {
			s.logger.Error("failed to close store", "err", err)
		}
	}()

	handler := s.withCORS(s.Handler())
	server := &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		err := server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			errCh <- nil
			return
		}
		errCh <- err
	}()

	s.logger.Info("oracle gateway started",
		"listen_addr", s.cfg.ListenAddr,
		"window_seconds", s.cfg.WindowSeconds,
		"hmac_enabled", s.cfg.HMACSecret != "",
		"allowed_origins", strings.Join(s.cfg.AllowedOrigins, ","),
	)

	select {
	case <-ctx.Done():
		s.logger.Info("oracle gateway stopping")
		if err := server.Shutdown(context.Background()); err != nil {
			return fmt.Errorf("shutdown oracle gateway: %w", err)
		}
		return <-errCh
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen and serve: %w", err)
		}
		return nil
	}
}

// Handler builds the route table without the outer CORS wrapper; tests mount
// it directly.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/v0", s.handleInstant)
	mux.HandleFunc("/v1", s.handleCumulative)
	mux.HandleFunc("/v1/stream", s.handleStream)
	mux.HandleFunc("/api/v1/balance", s.handleBalance)
	mux.HandleFunc("/api/v1/supply", s.handleSupply)
	mux.HandleFunc("/api/v1/orders", s.handleOrders)
	mux.HandleFunc("/api/v1/transactions", s.handleTransactions)
	mux.HandleFunc("/", s.handleRoot)
	return mux
}

// Meters in the field use snake_case field names; deviceId and the camelCase
// aliases are accepted for older firmware.
type instantRequest struct {
	DeviceID      string      `json:"device_id"`
	DeviceIDAlias string      `json:"deviceId"`
	Wallet        string      `json:"wallet"`
	Surplus       json.Number `json:"surplus,omitempty"`
	Generation    json.Number `json:"solar_generation,omitempty"`
	Consumption   json.Number `json:"consumption,omitempty"`
	GenAlias      json.Number `json:"genKW,omitempty"`
	ConsAlias     json.Number `json:"consKW,omitempty"`
	DeviceSecret  string      `json:"device_secret"`
	Nonce         uint64      `json:"nonce"`
	TS            int64       `json:"ts"`
	Sig           string      `json:"sig"`
}

type cumulativeRequest struct {
	DeviceID      string      `json:"device_id"`
	DeviceIDAlias string      `json:"deviceId"`
	Wallet        string      `json:"wallet"`
	GenTotal      json.Number `json:"gen_kwh_total,omitempty"`
	ConsTotal     json.Number `json:"cons_kwh_total,omitempty"`
	GenAlias      json.Number `json:"genTotalKWh,omitempty"`
	ConsAlias     json.Number `json:"consTotalKWh,omitempty"`
	DeviceSecret  string      `json:"device_secret"`
	Nonce         uint64      `json:"nonce"`
	TS            int64       `json:"ts"`
	Sig           string      `json:"sig"`
}

type meterResponse struct {
	OK           bool   `json:"ok"`
	DeviceID     string `json:"deviceId"`
	Wallet       string `json:"wallet"`
	TokensMinted uint64 `json:"tokensMinted"`
	Sig          string `json:"sig,omitempty"`
	Baselined    bool   `json:"baselined,omitempty"`
}

type healthResponse struct {
	OK   bool   `json:"ok"`
	Slot uint64 `json:"slot"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}
	s.respondJSON(w, http.StatusOK, healthResponse{OK: true, Slot: s.node.Ledger.Slot()})
}

// handleRoot keeps the legacy contract: meters that POST to the bare root
// are treated as instantaneous v0 reports.
func (s *Service) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		s.respondError(w, http.StatusNotFound, "not found")
		return
	}
	s.handleInstant(w, r)
}

func (s *Service) handleInstant(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondMethodNotAllowed(w)
		return
	}
	requestID := uuid.NewString()

	var req instantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	report, fields, err := parseInstantRequest(req)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !s.authenticate(report.DeviceID, req.DeviceSecret, fields, req.Sig) {
		s.respondError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	result, err := s.accountant.ProcessInstant(r.Context(), report)
	if err != nil {
		s.respondMeterError(w, requestID, err)
		return
	}
	s.logger.Info("instant report processed",
		"request_id", requestID,
		"device_id", result.DeviceID,
		"tokens_minted", result.TokensMinted,
	)
	s.respondJSON(w, http.StatusOK, meterResult(result))
}

func (s *Service) handleCumulative(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondMethodNotAllowed(w)
		return
	}
	requestID := uuid.NewString()

	var req cumulativeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	report, fields, err := parseCumulativeRequest(req)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !s.authenticate(report.DeviceID, req.DeviceSecret, fields, req.Sig) {
		s.respondError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	result, err := s.accountant.ProcessCumulative(r.Context(), report)
	if err != nil {
		s.respondMeterError(w, requestID, err)
		return
	}
	s.logger.Info("cumulative report processed",
		"request_id", requestID,
		"device_id", result.DeviceID,
		"tokens_minted", result.TokensMinted,
		"baselined", result.Baselined,
	)
	s.respondJSON(w, http.StatusOK, meterResult(result))
}

type balanceResponse struct {
	Wallet  string `json:"wallet"`
	Balance uint64 `json:"balance"`
}

func (s *Service) handleBalance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}
	raw := strings.TrimSpace(r.URL.Query().Get("wallet"))
	if raw == "" {
		s.respondError(w, http.StatusBadRequest, "wallet is required")
		return
	}
	wallet, err := solana.PublicKeyFromBase58(raw)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid wallet")
		return
	}
	balance, err := s.node.WalletBalance(wallet)
	if err != nil {
		s.logger.Error("balance lookup failed", "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to read balance")
		return
	}
	s.respondJSON(w, http.StatusOK, balanceResponse{Wallet: wallet.String(), Balance: balance})
}

type supplyResponse struct {
	Mint   string `json:"mint"`
	Supply uint64 `json:"supply"`
}

func (s *Service) handleSupply(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}
	supply, err := s.node.Ledger.MintSupply(s.node.Mint)
	if err != nil {
		s.logger.Error("supply lookup failed", "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to read supply")
		return
	}
	s.respondJSON(w, http.StatusOK, supplyResponse{Mint: s.node.Mint.String(), Supply: supply})
}

type orderRecord struct {
	Pubkey                string `json:"pubkey"`
	Seller                string `json:"seller"`
	Mint                  string `json:"mint"`
	PriceLamportsPerToken uint64 `json:"priceLamportsPerToken"`
	AmountRemaining       uint64 `json:"amountRemaining"`
	Active                bool   `json:"active"`
	OrderNonce            uint64 `json:"orderNonce"`
}

type ordersResponse struct {
	Items []orderRecord `json:"items"`
}

func (s *Service) handleOrders(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}

	includeClosed := false
	if raw := strings.TrimSpace(r.URL.Query().Get("include_closed")); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid include_closed")
			return
		}
		includeClosed = parsed
	}

	var sellerFilter solana.PublicKey
	if raw := strings.TrimSpace(r.URL.Query().Get("seller")); raw != "" {
		parsed, err := solana.PublicKeyFromBase58(raw)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid seller")
			return
		}
		sellerFilter = parsed
	}

	accounts := s.node.Ledger.ProgramAccounts(s.cfg.MarketProgramID)
	items := make([]orderRecord, 0, len(accounts))
	for pubkey, account := range accounts {
		order, err := market.ParseSellOrder(account.Data)
		if err != nil {
			continue
		}
		if !order.Active && !includeClosed {
			continue
		}
		if !sellerFilter.IsZero() && !order.Seller.Equals(sellerFilter) {
			continue
		}
		items = append(items, orderRecord{
			Pubkey:                pubkey.String(),
			Seller:                order.Seller.String(),
			Mint:                  order.Mint.String(),
			PriceLamportsPerToken: order.PriceLamportsPerToken,
			AmountRemaining:       order.AmountRemaining,
			Active:                order.Active,
			OrderNonce:            order.OrderNonce,
		})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Pubkey < items[j].Pubkey })

	s.respondJSON(w, http.StatusOK, ordersResponse{Items: items})
}

type submitRequest struct {
	Tx string `json:"tx"`
}

type submitResponse struct {
	Signature string `json:"signature"`
	Slot      uint64 `json:"slot"`
}

// handleTransactions accepts a signed, borsh-serialized transaction and
// executes it against the ledger. This is how sellers and buyers reach the
// marketplace program through the gateway.
func (s *Service) handleTransactions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondMethodNotAllowed(w)
		return
	}

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(req.Tx))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid tx encoding")
		return
	}
	tx, err := ledger.DeserializeTransaction(raw)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid transaction")
		return
	}

	sig, err := s.node.Ledger.Execute(tx)
	if err != nil {
		if errors.Is(err, ledger.ErrDuplicateTransaction) {
			s.respondError(w, http.StatusConflict, "duplicate transaction")
			return
		}
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, submitResponse{Signature: sig.String(), Slot: s.node.Ledger.Slot()})
}

func meterResult(result MintResult) meterResponse {
	resp := meterResponse{
		OK:           true,
		DeviceID:     result.DeviceID,
		Wallet:       result.Wallet.String(),
		TokensMinted: result.TokensMinted,
		Baselined:    result.Baselined,
	}
	if !result.Signature.IsZero() {
		resp.Sig = result.Signature.String()
	}
	return resp
}

func parseInstantRequest(req instantRequest) (InstantReport, []string, error) {
	deviceID := firstNonEmpty(req.DeviceID, req.DeviceIDAlias)
	if deviceID == "" {
		return InstantReport{}, nil, fmt.Errorf("device_id is required")
	}
	wallet, err := parseWallet(req.Wallet)
	if err != nil {
		return InstantReport{}, nil, err
	}
	genRaw := firstNumber(req.Generation, req.GenAlias)
	consRaw := firstNumber(req.Consumption, req.ConsAlias)
	gen, err := parseMeterNumber("solar_generation", genRaw)
	if err != nil {
		return InstantReport{}, nil, err
	}
	cons, err := parseMeterNumber("consumption", consRaw)
	if err != nil {
		return InstantReport{}, nil, err
	}

	// Meters either report net surplus directly or raw generation and
	// consumption; when both appear, surplus wins.
	surplus := gen.Sub(cons)
	if strings.TrimSpace(req.Surplus.String()) != "" {
		surplus, err = parseSignedMeterNumber("surplus", req.Surplus)
		if err != nil {
			return InstantReport{}, nil, err
		}
	}

	fields := []string{
		deviceID,
		req.Wallet,
		req.Surplus.String(),
		genRaw.String(),
		consRaw.String(),
		strconv.FormatUint(req.Nonce, 10),
		strconv.FormatInt(req.TS, 10),
	}
	return InstantReport{
		DeviceID:  deviceID,
		Wallet:    wallet,
		SurplusKW: surplus,
		Nonce:     req.Nonce,
		UnixTS:    req.TS,
	}, fields, nil
}

func parseCumulativeRequest(req cumulativeRequest) (CumulativeReport, []string, error) {
	deviceID := firstNonEmpty(req.DeviceID, req.DeviceIDAlias)
	if deviceID == "" {
		return CumulativeReport{}, nil, fmt.Errorf("device_id is required")
	}
	wallet, err := parseWallet(req.Wallet)
	if err != nil {
		return CumulativeReport{}, nil, err
	}
	genRaw := firstNumber(req.GenTotal, req.GenAlias)
	consRaw := firstNumber(req.ConsTotal, req.ConsAlias)
	genTotal, err := parseMeterNumber("gen_kwh_total", genRaw)
	if err != nil {
		return CumulativeReport{}, nil, err
	}
	consTotal, err := parseMeterNumber("cons_kwh_total", consRaw)
	if err != nil {
		return CumulativeReport{}, nil, err
	}
	fields := []string{
		deviceID,
		req.Wallet,
		genRaw.String(),
		consRaw.String(),
		strconv.FormatUint(req.Nonce, 10),
		strconv.FormatInt(req.TS, 10),
	}
	return CumulativeReport{
		DeviceID:     deviceID,
		Wallet:       wallet,
		GenTotalKWh:  genTotal,
		ConsTotalKWh: consTotal,
		Nonce:        req.Nonce,
		UnixTS:       req.TS,
	}, fields, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func firstNumber(values ...json.Number) json.Number {
	for _, value := range values {
		if strings.TrimSpace(value.String()) != "" {
			return value
		}
	}
	return ""
}

func parseWallet(raw string) (solana.PublicKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return solana.PublicKey{}, ErrMissingWallet
	}
	wallet, err := solana.PublicKeyFromBase58(trimmed)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("invalid wallet: %w", err)
	}
	return wallet, nil
}

func parseMeterNumber(name string, raw json.Number) (decimal.Decimal, error) {
	value, err := parseSignedMeterNumber(name, raw)
	if err != nil {
		return decimal.Decimal{}, err
	}
	if value.IsNegative() {
		return decimal.Decimal{}, fmt.Errorf("invalid %s: must be >= 0", name)
	}
	return value, nil
}

func parseSignedMeterNumber(name string, raw json.Number) (decimal.Decimal, error) {
	if strings.TrimSpace(raw.String()) == "" {
		return decimal.Zero, nil
	}
	value, err := decimal.NewFromString(raw.String())
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("invalid %s: %w", name, err)
	}
	return value, nil
}

// authenticate checks a report against the device's shared secret: either an
// HMAC over the canonical fields or the bare device_secret itself (legacy
// meters). Devices without a configured secret fall back to the fleet-wide
// one; with neither set, authentication is off.
func (s *Service) authenticate(deviceID, deviceSecret string, fields []string, sig string) bool {
	secret := s.cfg.DeviceSecrets[deviceID]
	if secret == "" {
		secret = s.cfg.HMACSecret
	}
	if secret == "" {
		return true
	}
	if trimmed := strings.TrimSpace(sig); trimmed != "" && VerifyReportMAC(secret, fields, trimmed) {
		return true
	}
	return VerifySharedSecret(deviceSecret, secret)
}

func (s *Service) respondMeterError(w http.ResponseWriter, requestID string, err error) {
	switch {
	case errors.Is(err, ErrMissingWallet):
		s.respondError(w, http.StatusBadRequest, "wallet is required")
	case errors.Is(err, ErrStaleReport):
		s.respondError(w, http.StatusConflict, "stale or replayed report")
	case errors.Is(err, ErrSubmitFailed):
		s.logger.Error("mint submission failed", "request_id", requestID, "err", err)
		s.respondError(w, http.StatusBadGateway, "mint submission failed")
	default:
		s.logger.Error("meter report failed", "request_id", requestID, "err", err)
		s.respondError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Service) isOriginAllowed(origin string) bool {
	if origin == "" {
		return true
	}
	if s.allowAllOrigins {
		return true
	}
	_, ok := s.allowedOriginSet[origin]
	return ok
}

func (s *Service) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin != "" {
			allowed := s.allowAllOrigins
			if !allowed {
				_, allowed = s.allowedOriginSet[origin]
			}

			if allowed {
				if s.allowAllOrigins {
					w.Header().Set("Access-Control-Allow-Origin", "*")
				} else {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Add("Vary", "Origin")
				}
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
				w.Header().Set("Access-Control-Max-Age", "300")
			}
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Service) respondMethodNotAllowed(w http.ResponseWriter) {
	s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (s *Service) respondError(w http.ResponseWriter, code int, message string) {
	s.respondJSON(w, code, errorResponse{Error: message})
}

func (s *Service) respondJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to write JSON response", "err", err)
	}
}
