package metersim

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/voltgrid/energy/backend/internal/config"
	"github.com/voltgrid/energy/backend/internal/gateway"
	"golang.org/x/sync/errgroup"
)

// Service drives a fleet of simulated rooftop-solar meters against the
// gateway. Generation follows a sine day curve offset per device;
// consumption is a noisy base load. Useful for local demos and soak tests.
type Service struct {
	cfg    config.MeterSimConfig
	logger *slog.Logger
	client *http.Client
}

func New(cfg config.MeterSimConfig, logger *slog.Logger) *Service {
	return &Service{
		cfg:    cfg,
		logger: logger,
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

func (s *Service) Run(ctx context.Context) error {
	s.logger.Info("meter simulator started",
		"gateway_url", s.cfg.GatewayURL,
		"mode", s.cfg.Mode,
		"devices", s.cfg.Devices,
		"report_interval", s.cfg.ReportInterval.String(),
	)

	group, ctx := errgroup.WithContext(ctx)
	for i := 0; i < s.cfg.Devices; i++ {
		device, err := s.newDevice(i)
		if err != nil {
			return err
		}
		group.Go(func() error {
			return s.runDevice(ctx, device)
		})
	}
	return group.Wait()
}

type device struct {
	id        string
	wallet    solana.PublicKey
	phase     float64
	nonce     uint64
	genTotal  decimal.Decimal
	consTotal decimal.Decimal
}

func (s *Service) newDevice(index int) (*device, error) {
	key, err := solana.NewRandomPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate device wallet: %w", err)
	}
	return &device{
		id:     fmt.Sprintf("meter-%03d", index),
		wallet: key.PublicKey(),
		phase:  float64(index) * 0.7,
	}, nil
}

func (s *Service) runDevice(ctx context.Context, dev *device) error {
	if s.cfg.Mode == "stream" {
		return s.runStreamDevice(ctx, dev)
	}

	ticker := time.NewTicker(s.cfg.ReportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.report(ctx, dev); err != nil {
				s.logger.Warn("report failed", "device_id", dev.id, "err", err)
			}
		}
	}
}

func (s *Service) report(ctx context.Context, dev *device) error {
	genKW, consKW := dev.sample(time.Now(), s.cfg.PeakGenerationKW, s.cfg.BaseLoadKW)
	dev.nonce++

	switch s.cfg.Mode {
	case "v0":
		return s.postInstant(ctx, dev, genKW, consKW)
	default:
		dev.accumulate(genKW, consKW, s.cfg.ReportInterval)
		body, err := s.cumulativeBody(dev)
		if err != nil {
			return err
		}
		return s.post(ctx, s.endpoint("/v1"), body)
	}
}

// sample returns the instantaneous generation and consumption in kW.
func (dev *device) sample(now time.Time, peakKW, baseKW float64) (decimal.Decimal, decimal.Decimal) {
	dayFraction := float64(now.Unix()%86400) / 86400.0
	sun := math.Sin(2*math.Pi*dayFraction + dev.phase)
	if sun < 0 {
		sun = 0
	}
	gen := peakKW * sun
	cons := baseKW * (1 + 0.2*math.Sin(float64(now.Unix())/300.0+dev.phase))
	return decimal.NewFromFloat(gen).Round(3), decimal.NewFromFloat(cons).Round(3)
}

func (dev *device) accumulate(genKW, consKW decimal.Decimal, interval time.Duration) {
	hours := decimal.NewFromFloat(interval.Hours())
	dev.genTotal = dev.genTotal.Add(genKW.Mul(hours))
	dev.consTotal = dev.consTotal.Add(consKW.Mul(hours))
}

type instantBody struct {
	DeviceID    string      `json:"device_id"`
	Wallet      string      `json:"wallet"`
	Generation  json.Number `json:"solar_generation"`
	Consumption json.Number `json:"consumption"`
	Nonce       uint64      `json:"nonce"`
	TS          int64       `json:"ts"`
	Sig         string      `json:"sig,omitempty"`
}

type cumulativeBody struct {
	DeviceID  string      `json:"device_id"`
	Wallet    string      `json:"wallet"`
	GenTotal  json.Number `json:"gen_kwh_total"`
	ConsTotal json.Number `json:"cons_kwh_total"`
	Nonce     uint64      `json:"nonce"`
	TS        int64       `json:"ts"`
	Sig       string      `json:"sig,omitempty"`
}

func (s *Service) postInstant(ctx context.Context, dev *device, genKW, consKW decimal.Decimal) error {
	ts := time.Now().Unix()
	body := instantBody{
		DeviceID:    dev.id,
		Wallet:      dev.wallet.String(),
		Generation:  json.Number(genKW.String()),
		Consumption: json.Number(consKW.String()),
		Nonce:       dev.nonce,
		TS:          ts,
	}
	// The empty element is the surplus field this body does not send.
	body.Sig = s.sign([]string{
		body.DeviceID,
		body.Wallet,
		"",
		body.Generation.String(),
		body.Consumption.String(),
		strconv.FormatUint(body.Nonce, 10),
		strconv.FormatInt(body.TS, 10),
	})
	return s.post(ctx, s.endpoint("/v0"), body)
}

func (s *Service) cumulativeBody(dev *device) (cumulativeBody, error) {
	ts := time.Now().Unix()
	body := cumulativeBody{
		DeviceID:  dev.id,
		Wallet:    dev.wallet.String(),
		GenTotal:  json.Number(dev.genTotal.Round(6).String()),
		ConsTotal: json.Number(dev.consTotal.Round(6).String()),
		Nonce:     dev.nonce,
		TS:        ts,
	}
	body.Sig = s.sign([]string{
		body.DeviceID,
		body.Wallet,
		body.GenTotal.String(),
		body.ConsTotal.String(),
		strconv.FormatUint(body.Nonce, 10),
		strconv.FormatInt(body.TS, 10),
	})
	return body, nil
}

func (s *Service) sign(fields []string) string {
	if s.cfg.HMACSecret == "" {
		return ""
	}
	return gateway.ComputeReportMAC(s.cfg.HMACSecret, fields)
}

func (s *Service) post(ctx context.Context, url string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post report: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("gateway returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var ack struct {
		OK           bool   `json:"ok"`
		TokensMinted uint64 `json:"tokensMinted"`
		Sig          string `json:"sig"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if ack.TokensMinted > 0 {
		s.logger.Info("tokens minted", "tokens", ack.TokensMinted, "sig", ack.Sig)
	}
	return nil
}

func (s *Service) runStreamDevice(ctx context.Context, dev *device) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		if err := s.streamOnce(ctx, dev); err != nil {
			s.logger.Warn("stream disconnected", "device_id", dev.id, "err", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(3 * time.Second):
		}
	}
}

func (s *Service) streamOnce(ctx context.Context, dev *device) error {
	wsURL := strings.Replace(s.endpoint("/v1/stream"), "http", "ws", 1)
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", wsURL, err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	defer conn.Close()

	ticker := time.NewTicker(s.cfg.ReportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return nil
		case <-ticker.C:
			genKW, consKW := dev.sample(time.Now(), s.cfg.PeakGenerationKW, s.cfg.BaseLoadKW)
			dev.nonce++
			dev.accumulate(genKW, consKW, s.cfg.ReportInterval)
			body, err := s.cumulativeBody(dev)
			if err != nil {
				return err
			}
			if err := conn.WriteJSON(body); err != nil {
				return fmt.Errorf("write report: %w", err)
			}
			var ack struct {
				OK           bool   `json:"ok"`
				TokensMinted uint64 `json:"tokensMinted"`
				Error        string `json:"error"`
			}
			if err := conn.ReadJSON(&ack); err != nil {
				return fmt.Errorf("read ack: %w", err)
			}
			if ack.Error != "" {
				s.logger.Warn("report rejected", "device_id", dev.id, "err", ack.Error)
			} else if ack.TokensMinted > 0 {
				s.logger.Info("tokens minted", "device_id", dev.id, "tokens", ack.TokensMinted)
			}
		}
	}
}

func (s *Service) endpoint(path string) string {
	return strings.TrimRight(s.cfg.GatewayURL, "/") + path
}
