package gateway

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Streaming variant of the cumulative endpoint: a meter holds one websocket
// open and pushes reports as frames instead of re-posting over HTTP. Each
// frame gets an acknowledgement envelope with the mint outcome.

type streamEnvelope struct {
	OK           bool   `json:"ok"`
	DeviceID     string `json:"deviceId,omitempty"`
	Wallet       string `json:"wallet,omitempty"`
	TokensMinted uint64 `json:"tokensMinted"`
	Sig          string `json:"sig,omitempty"`
	Baselined    bool   `json:"baselined,omitempty"`
	Error        string `json:"error,omitempty"`
	TS           int64  `json:"ts"`
}

var streamUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

func (s *Service) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}
	upgrader := streamUpgrader
	upgrader.CheckOrigin = func(req *http.Request) bool {
		origin := strings.TrimSpace(req.Header.Get("Origin"))
		return s.isOriginAllowed(origin)
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	for {
		var req cumulativeRequest
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("meter stream closed", "err", err)
			}
			return
		}

		envelope := s.processStreamReport(r, req)
		if err := conn.WriteJSON(envelope); err != nil {
			s.logger.Debug("meter stream write failed", "err", err)
			return
		}
	}
}

func (s *Service) processStreamReport(r *http.Request, req cumulativeRequest) streamEnvelope {
	now := time.Now().Unix()

	report, fields, err := parseCumulativeRequest(req)
	if err != nil {
		return streamEnvelope{Error: err.Error(), DeviceID: firstNonEmpty(req.DeviceID, req.DeviceIDAlias), TS: now}
	}
	if !s.authenticate(report.DeviceID, req.DeviceSecret, fields, req.Sig) {
		return streamEnvelope{Error: "invalid signature", DeviceID: report.DeviceID, TS: now}
	}

	result, err := s.accountant.ProcessCumulative(r.Context(), report)
	if err != nil {
		message := "internal error"
		switch {
		case errors.Is(err, ErrMissingWallet):
			message = "wallet is required"
		case errors.Is(err, ErrStaleReport):
			message = "stale or replayed report"
		case errors.Is(err, ErrSubmitFailed):
			message = "mint submission failed"
			s.logger.Error("mint submission failed", "device_id", report.DeviceID, "err", err)
		default:
			s.logger.Error("meter report failed", "device_id", report.DeviceID, "err", err)
		}
		return streamEnvelope{Error: message, DeviceID: report.DeviceID, TS: now}
	}

	envelope := streamEnvelope{
		OK:           true,
		DeviceID:     result.DeviceID,
		Wallet:       result.Wallet.String(),
		TokensMinted: result.TokensMinted,
		Baselined:    result.Baselined,
		TS:           now,
	}
	if !result.Signature.IsZero() {
		envelope.Sig = result.Signature.String()
	}
	return envelope
}
