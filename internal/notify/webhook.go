package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

const (
	signatureHeader = "X-Signature"
	eventIDHeader   = "X-Event-Id"
	eventTypeHeader = "X-Event-Type"
)

// Webhook delivers events to a single HTTP endpoint, signing each
// body with HMAC-SHA256 so the receiver can authenticate the source.
// Delivery is best effort: failures are logged, never retried here.
type Webhook struct {
	URL    string
	Secret string
	Client *http.Client
}

func NewWebhook(url, secret string) *Webhook {
	return &Webhook{URL: url, Secret: secret, Client: &http.Client{Timeout: 10 * time.Second}}
}

func (w *Webhook) Notify(ctx context.Context, ev Event) {
	body, err := json.Marshal(ev)
	if err != nil {
		slog.ErrorContext(ctx, "webhook encode failed", "type", ev.Type, "err", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		slog.ErrorContext(ctx, "webhook request failed", "type", ev.Type, "err", err)
		return
	}
	req.Header.Set("content-type", "application/json")
	req.Header.Set(eventIDHeader, "evt_"+uuid.NewString())
	req.Header.Set(eventTypeHeader, ev.Type)
	req.Header.Set(signatureHeader, Sign(body, w.Secret))

	resp, err := w.Client.Do(req)
	if err != nil {
		slog.ErrorContext(ctx, "webhook delivery failed", "type", ev.Type, "err", err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		slog.WarnContext(ctx, "webhook rejected", "type", ev.Type, "status", resp.StatusCode)
	}
}

// Sign computes the hex HMAC-SHA256 of the raw body.
func Sign(rawBody []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(rawBody)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature is the receiver-side check, constant time.
func VerifySignature(rawBody []byte, sigHex, secret string) bool {
	provided, err := hex.DecodeString(sigHex)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(rawBody)
	return hmac.Equal(mac.Sum(nil), provided)
}
