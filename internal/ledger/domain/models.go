package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type TransactionType string

const (
	// ======================
	// Funding
	// ======================
	TransactionTypePurchase    TransactionType = "purchase"     // tokens bought through the gateway
	TransactionTypeSmartRefill TransactionType = "smart_refill" // automatic top-up on insufficient balance

	// ======================
	// Peer movements
	// ======================
	TransactionTypeTip                TransactionType = "tip"
	TransactionTypeGiftSent           TransactionType = "gift_sent"
	TransactionTypeGiftReceived       TransactionType = "gift_received"
	TransactionTypeCallCharge         TransactionType = "call_charge"
	TransactionTypeMembershipPurchase TransactionType = "membership_purchase"
	TransactionTypePlatformFee        TransactionType = "platform_fee"

	// ======================
	// Outflows
	// ======================
	TransactionTypeRefund     TransactionType = "refund"
	TransactionTypePayout     TransactionType = "payout"
	TransactionTypeWithdrawal TransactionType = "withdrawal"
)

func (t TransactionType) Valid() bool {
	switch t {
	case TransactionTypePurchase, TransactionTypeSmartRefill,
		TransactionTypeTip, TransactionTypeGiftSent, TransactionTypeGiftReceived,
		TransactionTypeCallCharge, TransactionTypeMembershipPurchase, TransactionTypePlatformFee,
		TransactionTypeRefund, TransactionTypePayout, TransactionTypeWithdrawal:
		return true
	default:
		return false
	}
}

// EarningTypes are the credit leg types that count toward creator earnings.
func EarningTypes() []TransactionType {
	return []TransactionType{
		TransactionTypeTip,
		TransactionTypeGiftReceived,
		TransactionTypeCallCharge,
		TransactionTypeMembershipPurchase,
	}
}

type TransactionStatus string

const (
	TransactionStatusPending   TransactionStatus = "pending"
	TransactionStatusCompleted TransactionStatus = "completed"
	TransactionStatusFailed    TransactionStatus = "failed"
)

// Balance is the authoritative token count for one principal.
type Balance struct {
	PrincipalID snowflake.ID `gorm:"primaryKey;autoIncrement:false"`
	Balance     int64        `gorm:"not null"`
	UpdatedAt   time.Time    `gorm:"not null"`
}

// TableName sets the database table name.
func (Balance) TableName() string { return "token_balances" }

// Transaction is one append-only leg of a transfer. TokenAmount is signed:
// credits are positive, debits negative.
type Transaction struct {
	ID                snowflake.ID      `gorm:"primaryKey;autoIncrement:false" json:"id"`
	TransferID        snowflake.ID      `gorm:"not null;index" json:"transfer_id"`
	PrincipalID       snowflake.ID      `gorm:"not null;index" json:"principal_id"`
	CounterpartyID    *snowflake.ID     `json:"counterparty_id,omitempty"`
	Type              TransactionType   `gorm:"type:text;not null" json:"type"`
	TokenAmount       int64             `gorm:"not null" json:"token_amount"`
	USDCents          int64             `gorm:"column:usd_cents;not null" json:"usd_cents"`
	Status            TransactionStatus `gorm:"type:text;not null" json:"status"`
	ExternalReference *string           `json:"external_reference,omitempty"`
	Metadata          datatypes.JSONMap `gorm:"type:jsonb" json:"metadata,omitempty"`
	CreatedAt         time.Time         `gorm:"not null" json:"created_at"`
}

// TableName sets the database table name.
func (Transaction) TableName() string { return "ledger_transactions" }
