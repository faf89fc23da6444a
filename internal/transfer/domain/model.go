package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/smallbiznis/creatorpay/internal/ledger/domain"
)

type Kind string

const (
	KindTip         Kind = "tip"
	KindGift        Kind = "gift"
	KindCallCharge  Kind = "call_charge"
	KindMembership  Kind = "membership"
	KindPurchase    Kind = "purchase"
	KindSmartRefill Kind = "smart_refill"
	KindRefund      Kind = "refund"
	KindPayout      Kind = "payout"
)

// Shape describes how a transfer kind maps onto ledger legs.
type Shape struct {
	// DebitType is empty for externally funded credits.
	DebitType ledgerdomain.TransactionType
	// CreditType is empty for debits that leave the ledger.
	CreditType ledgerdomain.TransactionType
	// Split routes the platform fee out of the credit leg.
	Split bool
	// Refillable allows auto-refill when the sender is short.
	Refillable bool
}

var shapes = map[Kind]Shape{
	KindTip: {
		DebitType:  ledgerdomain.TransactionTypeTip,
		CreditType: ledgerdomain.TransactionTypeTip,
		Split:      true,
		Refillable: true,
	},
	KindGift: {
		DebitType:  ledgerdomain.TransactionTypeGiftSent,
		CreditType: ledgerdomain.TransactionTypeGiftReceived,
		Split:      true,
		Refillable: true,
	},
	KindCallCharge: {
		DebitType:  ledgerdomain.TransactionTypeCallCharge,
		CreditType: ledgerdomain.TransactionTypeCallCharge,
		Split:      true,
		Refillable: true,
	},
	KindMembership: {
		DebitType:  ledgerdomain.TransactionTypeMembershipPurchase,
		CreditType: ledgerdomain.TransactionTypeMembershipPurchase,
		Split:      true,
		Refillable: true,
	},
	KindPurchase:    {CreditType: ledgerdomain.TransactionTypePurchase},
	KindSmartRefill: {CreditType: ledgerdomain.TransactionTypeSmartRefill},
	KindRefund:      {DebitType: ledgerdomain.TransactionTypeRefund},
	KindPayout:      {DebitType: ledgerdomain.TransactionTypePayout},
}

func ShapeOf(kind Kind) (Shape, bool) {
	s, ok := shapes[kind]
	return s, ok
}

// IsPeer reports whether the kind moves tokens between two principals.
func (s Shape) IsPeer() bool {
	return s.DebitType != "" && s.CreditType != ""
}

type Request struct {
	FromID            snowflake.ID   `json:"from_id,omitempty"`
	ToID              snowflake.ID   `json:"to_id,omitempty"`
	Amount            int64          `json:"amount"`
	Kind              Kind           `json:"kind"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	ExternalReference string         `json:"external_reference,omitempty"`
	// USDCents overrides the converted currency value, e.g. the amount a
	// purchase actually charged.
	USDCents *int64 `json:"usd_cents,omitempty"`
}

type Leg struct {
	TransactionID snowflake.ID                 `json:"transaction_id"`
	PrincipalID   snowflake.ID                 `json:"principal_id"`
	Type          ledgerdomain.TransactionType `json:"type"`
	Amount        int64                        `json:"amount"`
	Balance       int64                        `json:"balance"`
}

type Result struct {
	TransferID     snowflake.ID           `json:"transfer_id"`
	TransactionIDs []snowflake.ID         `json:"transaction_ids"`
	NewBalances    map[snowflake.ID]int64 `json:"new_balances"`
	Legs           []Leg                  `json:"legs"`
	Refilled       bool                   `json:"refilled"`
}

// RefillSettings enables automatic top-ups for a principal.
type RefillSettings struct {
	PrincipalID      snowflake.ID `json:"principal_id" gorm:"primaryKey;autoIncrement:false"`
	Enabled          bool         `json:"enabled"`
	RefillTokens     int64        `json:"refill_tokens"`
	PaymentMethodRef *string      `json:"payment_method_ref,omitempty"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

func (RefillSettings) TableName() string { return "refill_settings" }
