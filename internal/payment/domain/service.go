package domain

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Adapter verifies and decodes one gateway's webhook format.
type Adapter interface {
	Verify(payload []byte, signatureHeader string) error
	Parse(payload []byte) (*Event, error)
	DecodePayment(object json.RawMessage) (PaymentObject, error)
	DecodePayout(object json.RawMessage) (PayoutObject, error)
}

// Charger charges a stored payment method.
type Charger interface {
	CreateCharge(ctx context.Context, req ChargeRequest) (Charge, error)
}

// Disburser sends money out to a creator.
type Disburser interface {
	Disburse(ctx context.Context, req DisbursementRequest) (Disbursement, error)
}

type WebhookService interface {
	Receive(ctx context.Context, payload []byte, signatureHeader string) (Ack, error)
}

type EventRepository interface {
	// Insert writes a processing record unless event_id exists.
	Insert(ctx context.Context, tx *gorm.DB, record *ExternalEventRecord) (bool, error)
	LockByEventID(ctx context.Context, tx *gorm.DB, eventID string) (*ExternalEventRecord, error)
	MarkSuccess(ctx context.Context, tx *gorm.DB, id snowflake.ID, at time.Time) error
	MarkFailed(ctx context.Context, db *gorm.DB, record *ExternalEventRecord, reason string, at time.Time) error
	FindByEventID(ctx context.Context, db *gorm.DB, eventID string) (*ExternalEventRecord, error)
}

// EventCache is the advisory fast path for already processed events. It is
// never authoritative.
type EventCache interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	Remember(ctx context.Context, eventID string) error
}

var (
	ErrInvalidSignature   = errors.New("invalid_signature")
	ErrStaleEvent         = errors.New("stale_event")
	ErrInvalidPayload     = errors.New("invalid_payload")
	ErrInvalidEvent       = errors.New("invalid_event")
	ErrInvalidConfig      = errors.New("invalid_config")
	ErrTransient          = errors.New("transient_failure")
	ErrEventNotFound      = errors.New("event_not_found")
	ErrGatewayUnavailable = errors.New("gateway_unavailable")
	ErrGatewayRejected    = errors.New("gateway_rejected")
	ErrChargeDeclined     = errors.New("charge_declined")
)

// IsRetryableGatewayError reports whether an outbound gateway call may be
// repeated with the same idempotency key.
func IsRetryableGatewayError(err error) bool {
	return errors.Is(err, ErrGatewayUnavailable)
}
