package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Reports are authenticated with an HMAC-SHA256 over the canonical field
// string (fields joined with "|"), hex encoded. The signature field itself
// is never part of the MAC input.

func ComputeReportMAC(secret string, fields []string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strings.Join(fields, "|")))
	return hex.EncodeToString(mac.Sum(nil))
}

func VerifyReportMAC(secret string, fields []string, providedHex string) bool {
	provided, err := hex.DecodeString(strings.TrimSpace(providedHex))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strings.Join(fields, "|")))
	return hmac.Equal(mac.Sum(nil), provided)
}

// VerifySharedSecret compares a device_secret sent in the clear against the
// configured one, in constant time. Empty values never match.
func VerifySharedSecret(provided, expected string) bool {
	if provided == "" || expected == "" {
		return false
	}
	return hmac.Equal([]byte(provided), []byte(expected))
}
