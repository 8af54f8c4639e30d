package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWebhookDelivery(t *testing.T) {
	type received struct {
		body    []byte
		sig     string
		evType  string
		eventID string
	}
	got := make(chan received, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- received{
			body:    body,
			sig:     r.Header.Get("X-Signature"),
			evType:  r.Header.Get("X-Event-Type"),
			eventID: r.Header.Get("X-Event-Id"),
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	wh := NewWebhook(ts.URL, "hook-secret")
	wh.Notify(context.Background(), Event{
		Type:       "contract.activated",
		TenantID:   "ten_1",
		ContractID: "ctr_1",
	})

	r := <-got
	if r.evType != "contract.activated" {
		t.Fatalf("unexpected event type header %q", r.evType)
	}
	if r.eventID == "" {
		t.Fatalf("expected event id header")
	}
	if !VerifySignature(r.body, r.sig, "hook-secret") {
		t.Fatalf("expected signature to verify")
	}
	if VerifySignature(r.body, r.sig, "other-secret") {
		t.Fatalf("expected wrong secret to fail verification")
	}

	var ev Event
	if err := json.Unmarshal(r.body, &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.TenantID != "ten_1" || ev.ContractID != "ctr_1" {
		t.Fatalf("unexpected event body %+v", ev)
	}
}

func TestVerifySignatureBadHex(t *testing.T) {
	if VerifySignature([]byte("body"), "zz-not-hex", "secret") {
		t.Fatalf("expected undecodable signature to fail")
	}
}
