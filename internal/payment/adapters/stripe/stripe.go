package stripe

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creatorpay/internal/config"
	paymentdomain "github.com/smallbiznis/creatorpay/internal/payment/domain"
)

// SignatureHeader carries "t=<unix>,v1=<hex hmac>" pairs. More than one v1
// is accepted while signing secrets rotate.
const SignatureHeader = "Payment-Signature"

type Adapter struct {
	webhookSecret string
}

func NewAdapter(cfg config.Config) (*Adapter, error) {
	secret := strings.TrimSpace(cfg.Webhook.SigningSecret)
	if secret == "" {
		return nil, paymentdomain.ErrInvalidConfig
	}
	return &Adapter{webhookSecret: secret}, nil
}

func (a *Adapter) Verify(payload []byte, sigHeader string) error {
	sigHeader = strings.TrimSpace(sigHeader)
	if sigHeader == "" {
		return paymentdomain.ErrInvalidSignature
	}

	timestamp, signatures, err := parseSignature(sigHeader)
	if err != nil {
		return paymentdomain.ErrInvalidSignature
	}

	expected := Sign(a.webhookSecret, timestamp, payload)
	for _, signature := range signatures {
		if hmac.Equal([]byte(signature), []byte(expected)) {
			return nil
		}
	}

	return paymentdomain.ErrInvalidSignature
}

// Sign returns the hex HMAC-SHA256 of "timestamp.payload".
func Sign(secret, timestamp string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(timestamp))
	_, _ = mac.Write([]byte("."))
	_, _ = mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignatureHeaderValue builds a header value for payload signed at t.
func SignatureHeaderValue(secret string, payload []byte, t time.Time) string {
	ts := strconv.FormatInt(t.Unix(), 10)
	return fmt.Sprintf("t=%s,v1=%s", ts, Sign(secret, ts, payload))
}

func (a *Adapter) Parse(payload []byte) (*paymentdomain.Event, error) {
	var event gatewayEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(event.ID) == "" || strings.TrimSpace(event.Type) == "" || event.Created <= 0 {
		return nil, paymentdomain.ErrInvalidPayload
	}

	return &paymentdomain.Event{
		ID:        strings.TrimSpace(event.ID),
		Type:      strings.TrimSpace(event.Type),
		CreatedAt: time.Unix(event.Created, 0).UTC(),
		Object:    event.Data.Object,
		Raw:       payload,
	}, nil
}

func (a *Adapter) DecodePayment(object json.RawMessage) (paymentdomain.PaymentObject, error) {
	var obj paymentObject
	if err := decodeObject(object, &obj); err != nil {
		return paymentdomain.PaymentObject{}, err
	}
	if strings.TrimSpace(obj.ID) == "" {
		return paymentdomain.PaymentObject{}, fmt.Errorf("%w: missing object id", paymentdomain.ErrInvalidEvent)
	}

	principalID, err := readID(obj.Metadata, "principal_id")
	if err != nil {
		return paymentdomain.PaymentObject{}, err
	}
	tokens, err := readOptionalInt(obj.Metadata, "tokens")
	if err != nil {
		return paymentdomain.PaymentObject{}, err
	}

	amount := obj.AmountReceived
	if amount <= 0 {
		amount = obj.Amount
	}
	failure := ""
	if obj.LastPaymentError != nil {
		failure = strings.TrimSpace(obj.LastPaymentError.Message)
	}

	return paymentdomain.PaymentObject{
		ID:                  strings.TrimSpace(obj.ID),
		PaymentIntentID:     strings.TrimSpace(obj.PaymentIntent),
		AmountCents:         amount,
		AmountRefundedCents: obj.AmountRefunded,
		Currency:            strings.ToLower(strings.TrimSpace(obj.Currency)),
		PrincipalID:         principalID,
		Tokens:              tokens,
		Purpose:             readMetadataValue(obj.Metadata, "purpose"),
		FailureMessage:      failure,
	}, nil
}

func (a *Adapter) DecodePayout(object json.RawMessage) (paymentdomain.PayoutObject, error) {
	var obj payoutObject
	if err := decodeObject(object, &obj); err != nil {
		return paymentdomain.PayoutObject{}, err
	}
	if strings.TrimSpace(obj.ID) == "" {
		return paymentdomain.PayoutObject{}, fmt.Errorf("%w: missing object id", paymentdomain.ErrInvalidEvent)
	}

	withdrawalID, err := readID(obj.Metadata, "withdrawal_id")
	if err != nil {
		return paymentdomain.PayoutObject{}, err
	}

	return paymentdomain.PayoutObject{
		ID:             strings.TrimSpace(obj.ID),
		WithdrawalID:   withdrawalID,
		AmountCents:    obj.Amount,
		FailureMessage: strings.TrimSpace(obj.FailureMessage),
	}, nil
}

type gatewayEvent struct {
	ID      string           `json:"id"`
	Type    string           `json:"type"`
	Created int64            `json:"created"`
	Data    gatewayEventData `json:"data"`
}

type gatewayEventData struct {
	Object json.RawMessage `json:"object"`
}

type paymentObject struct {
	ID               string         `json:"id"`
	PaymentIntent    string         `json:"payment_intent"`
	Amount           int64          `json:"amount"`
	AmountReceived   int64          `json:"amount_received"`
	AmountRefunded   int64          `json:"amount_refunded"`
	Currency         string         `json:"currency"`
	Metadata         map[string]any `json:"metadata"`
	LastPaymentError *struct {
		Message string `json:"message"`
	} `json:"last_payment_error"`
}

type payoutObject struct {
	ID             string         `json:"id"`
	Amount         int64          `json:"amount"`
	FailureMessage string         `json:"failure_message"`
	Metadata       map[string]any `json:"metadata"`
}

// decodeObject keeps numbers as json.Number so large ids survive.
func decodeObject(object json.RawMessage, out any) error {
	if len(bytes.TrimSpace(object)) == 0 {
		return fmt.Errorf("%w: missing data.object", paymentdomain.ErrInvalidEvent)
	}
	dec := json.NewDecoder(bytes.NewReader(object))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("%w: %v", paymentdomain.ErrInvalidEvent, err)
	}
	return nil
}

func parseSignature(header string) (string, []string, error) {
	parts := strings.Split(header, ",")
	var timestamp string
	signatures := []string{}
	for _, part := range parts {
		piece := strings.TrimSpace(part)
		if piece == "" {
			continue
		}
		keyValue := strings.SplitN(piece, "=", 2)
		if len(keyValue) != 2 {
			continue
		}
		key := strings.TrimSpace(keyValue[0])
		value := strings.TrimSpace(keyValue[1])
		if key == "t" {
			timestamp = value
		}
		if key == "v1" {
			signatures = append(signatures, value)
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return "", nil, errors.New("invalid_signature")
	}
	return timestamp, signatures, nil
}

func readID(metadata map[string]any, key string) (snowflake.ID, error) {
	raw := readMetadataValue(metadata, key)
	if raw == "" {
		return 0, fmt.Errorf("%w: missing metadata.%s", paymentdomain.ErrInvalidEvent, key)
	}
	id, err := snowflake.ParseString(raw)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid metadata.%s", paymentdomain.ErrInvalidEvent, key)
	}
	return id, nil
}

func readOptionalInt(metadata map[string]any, key string) (int64, error) {
	raw := readMetadataValue(metadata, key)
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || value < 0 {
		return 0, fmt.Errorf("%w: invalid metadata.%s", paymentdomain.ErrInvalidEvent, key)
	}
	return value, nil
}

func readMetadataValue(metadata map[string]any, key string) string {
	if metadata == nil {
		return ""
	}
	value, ok := metadata[key]
	if !ok {
		return ""
	}
	switch cast := value.(type) {
	case string:
		return strings.TrimSpace(cast)
	case json.Number:
		return cast.String()
	case int64:
		return strconv.FormatInt(cast, 10)
	case int:
		return strconv.Itoa(cast)
	}
	return ""
}
