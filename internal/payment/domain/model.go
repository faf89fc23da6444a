package domain

import (
	"encoding/json"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type EventStatus string

const (
	EventStatusProcessing EventStatus = "processing"
	EventStatusSuccess    EventStatus = "success"
	EventStatusFailed     EventStatus = "failed"
)

// ExternalEventRecord is the durable idempotency record for one gateway
// event. event_id is unique.
type ExternalEventRecord struct {
	ID               snowflake.ID   `json:"id" gorm:"primaryKey;autoIncrement:false"`
	EventID          string         `json:"event_id" gorm:"type:text;not null;uniqueIndex"`
	EventType        string         `json:"event_type" gorm:"type:text;not null"`
	Payload          datatypes.JSON `json:"payload" gorm:"type:jsonb;not null"`
	ProcessingStatus EventStatus    `json:"processing_status" gorm:"type:text;not null"`
	FailureReason    *string        `json:"failure_reason,omitempty"`
	ReceivedAt       time.Time      `json:"received_at" gorm:"not null"`
	ProcessedAt      *time.Time     `json:"processed_at,omitempty"`
	UpdatedAt        time.Time      `json:"updated_at" gorm:"not null"`
}

func (ExternalEventRecord) TableName() string { return "external_event_records" }

const (
	EventTypePaymentSucceeded = "payment_intent.succeeded"
	EventTypePaymentFailed    = "payment_intent.payment_failed"
	EventTypeChargeRefunded   = "charge.refunded"
	EventTypePayoutPaid       = "payout.paid"
	EventTypePayoutFailed     = "payout.failed"
)

const PurposeSmartRefill = "smart_refill"

// Event is the verified envelope of a gateway webhook.
type Event struct {
	ID        string
	Type      string
	CreatedAt time.Time
	Object    json.RawMessage
	Raw       []byte
}

// PaymentObject is the business payload of payment_intent.* and
// charge.refunded events.
type PaymentObject struct {
	ID                  string
	PaymentIntentID     string
	AmountCents         int64
	AmountRefundedCents int64
	Currency            string
	PrincipalID         snowflake.ID
	Tokens              int64
	Purpose             string
	FailureMessage      string
}

// PayoutObject is the business payload of payout.* events.
type PayoutObject struct {
	ID             string
	WithdrawalID   snowflake.ID
	AmountCents    int64
	FailureMessage string
}

type AckStatus string

const (
	AckProcessed AckStatus = "processed"
	AckIgnored   AckStatus = "ignored"
	AckDuplicate AckStatus = "duplicate"
	AckFailed    AckStatus = "failed"
)

// Ack is returned for every event the gateway should not redeliver.
type Ack struct {
	EventID   string    `json:"event_id,omitempty"`
	EventType string    `json:"event_type,omitempty"`
	Status    AckStatus `json:"status"`
	Reason    string    `json:"reason,omitempty"`
}

type ChargeStatus string

const (
	ChargeStatusSucceeded ChargeStatus = "succeeded"
	ChargeStatusPending   ChargeStatus = "pending"
	ChargeStatusFailed    ChargeStatus = "failed"
)

type ChargeRequest struct {
	PrincipalID      snowflake.ID
	Tokens           int64
	AmountCents      int64
	Currency         string
	PaymentMethodRef string
	IdempotencyKey   string
	Purpose          string
}

type Charge struct {
	ID             string
	Status         ChargeStatus
	AmountCents    int64
	FailureMessage string
}

type DisbursementStatus string

const (
	DisbursementStatusPaid    DisbursementStatus = "paid"
	DisbursementStatusPending DisbursementStatus = "pending"
	DisbursementStatusFailed  DisbursementStatus = "failed"
)

type DisbursementRequest struct {
	WithdrawalID   snowflake.ID
	CreatorID      snowflake.ID
	AmountCents    int64
	Currency       string
	IdempotencyKey string
}

type Disbursement struct {
	ID             string
	Status         DisbursementStatus
	FailureMessage string
}
