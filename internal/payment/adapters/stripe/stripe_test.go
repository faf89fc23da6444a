package stripe

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	paymentdomain "github.com/smallbiznis/creatorpay/internal/payment/domain"
)

func TestVerifySignature(t *testing.T) {
	secret := "whsec_test"
	payload := []byte(`{"id":"evt_123","type":"payment_intent.succeeded","created":1,"data":{"object":{}}}`)
	now := time.Now()

	adapter := &Adapter{webhookSecret: secret}
	if err := adapter.Verify(payload, SignatureHeaderValue(secret, payload, now)); err != nil {
		t.Fatalf("expected valid signature, got error: %v", err)
	}

	if err := adapter.Verify(payload, SignatureHeaderValue("wrong", payload, now)); !errors.Is(err, paymentdomain.ErrInvalidSignature) {
		t.Fatalf("expected invalid signature, got %v", err)
	}

	tampered := append([]byte{}, payload...)
	tampered[len(tampered)-2] = ' '
	if err := adapter.Verify(tampered, SignatureHeaderValue(secret, payload, now)); !errors.Is(err, paymentdomain.ErrInvalidSignature) {
		t.Fatalf("expected tampered payload to fail, got %v", err)
	}

	if err := adapter.Verify(payload, ""); !errors.Is(err, paymentdomain.ErrInvalidSignature) {
		t.Fatalf("expected missing header to fail, got %v", err)
	}
}

func TestVerifyAcceptsRotatedSecret(t *testing.T) {
	payload := []byte(`{"id":"evt_1"}`)
	ts := "1700000000"
	header := fmt.Sprintf("t=%s,v1=%s,v1=%s", ts, Sign("old", ts, payload), Sign("new", ts, payload))

	adapter := &Adapter{webhookSecret: "new"}
	if err := adapter.Verify(payload, header); err != nil {
		t.Fatalf("expected rotated signature to verify, got %v", err)
	}
}

func TestParseEnvelope(t *testing.T) {
	adapter := &Adapter{webhookSecret: "x"}

	event, err := adapter.Parse([]byte(`{"id":"evt_1","type":"payout.paid","created":1700000000,"data":{"object":{"id":"po_1"}}}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if event.ID != "evt_1" || event.Type != "payout.paid" {
		t.Fatalf("unexpected event: %+v", event)
	}
	if !event.CreatedAt.Equal(time.Unix(1700000000, 0)) {
		t.Fatalf("unexpected created at: %v", event.CreatedAt)
	}

	for _, body := range []string{`not json`, `{"type":"x","created":1}`, `{"id":"evt","type":"x"}`} {
		if _, err := adapter.Parse([]byte(body)); !errors.Is(err, paymentdomain.ErrInvalidPayload) {
			t.Fatalf("expected invalid payload for %s, got %v", body, err)
		}
	}
}

func TestDecodePayment(t *testing.T) {
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	principal := node.Generate()

	object, _ := json.Marshal(map[string]any{
		"id":              "pi_1",
		"amount":          2500,
		"amount_received": 2500,
		"currency":        "USD",
		"metadata": map[string]any{
			"principal_id": principal.String(),
			"tokens":       "500",
			"purpose":      "smart_refill",
		},
	})

	adapter := &Adapter{}
	got, err := adapter.DecodePayment(object)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.PrincipalID != principal || got.Tokens != 500 || got.AmountCents != 2500 {
		t.Fatalf("unexpected payment object: %+v", got)
	}
	if got.Currency != "usd" || got.Purpose != paymentdomain.PurposeSmartRefill {
		t.Fatalf("unexpected currency or purpose: %+v", got)
	}

	// numeric ids larger than 2^53 must not lose precision
	numeric := []byte(fmt.Sprintf(`{"id":"pi_2","amount":100,"metadata":{"principal_id":%d}}`, principal.Int64()))
	got, err = adapter.DecodePayment(numeric)
	if err != nil {
		t.Fatalf("decode numeric: %v", err)
	}
	if got.PrincipalID != principal {
		t.Fatalf("expected %d, got %d", principal, got.PrincipalID)
	}

	if _, err := adapter.DecodePayment([]byte(`{"id":"pi_3","metadata":{}}`)); !errors.Is(err, paymentdomain.ErrInvalidEvent) {
		t.Fatalf("expected invalid event for missing principal, got %v", err)
	}
}

func TestDecodePayout(t *testing.T) {
	adapter := &Adapter{}
	got, err := adapter.DecodePayout([]byte(`{"id":"po_1","amount":500,"failure_message":"account_closed","metadata":{"withdrawal_id":"12345"}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.WithdrawalID != snowflake.ID(12345) || got.FailureMessage != "account_closed" {
		t.Fatalf("unexpected payout object: %+v", got)
	}

	if _, err := adapter.DecodePayout([]byte(`{"id":"po_2"}`)); !errors.Is(err, paymentdomain.ErrInvalidEvent) {
		t.Fatalf("expected invalid event, got %v", err)
	}
}
