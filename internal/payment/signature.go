package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrMissingSignature = errors.New("payment: signature headers missing")
	ErrBadSignature     = errors.New("payment: signature mismatch")
	ErrNoWebhookSecret  = errors.New("payment: webhook secret not configured")
)

// parseSignatureHeader splits Mercado Pago's x-signature header, a
// comma-separated list of key=value pairs such as "ts=1704908010,v1=abc".
func parseSignatureHeader(raw string) map[string]string {
	parts := map[string]string{}
	for _, item := range strings.Split(raw, ",") {
		key, value, ok := strings.Cut(item, "=")
		if !ok {
			continue
		}
		parts[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return parts
}

// buildManifest assembles the signed manifest. The id segment is omitted
// when the notification carries no data id, and the data id is lowercased,
// both per Mercado Pago's signing rules.
func buildManifest(dataID, requestID, ts string) string {
	var b strings.Builder
	if dataID != "" {
		fmt.Fprintf(&b, "id:%s;", strings.ToLower(dataID))
	}
	fmt.Fprintf(&b, "request-id:%s;", requestID)
	fmt.Fprintf(&b, "ts:%s;", ts)
	return b.String()
}

// VerifySignature checks the webhook HMAC against the shared secret.
func VerifySignature(secret, dataID, xSignature, xRequestID string) error {
	if xSignature == "" || xRequestID == "" {
		return ErrMissingSignature
	}
	if secret == "" {
		return ErrNoWebhookSecret
	}
	parts := parseSignatureHeader(xSignature)
	ts, v1 := parts["ts"], parts["v1"]
	if ts == "" || v1 == "" {
		return ErrBadSignature
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(buildManifest(dataID, xRequestID, ts)))
	digest := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(digest), []byte(v1)) {
		return ErrBadSignature
	}
	return nil
}
