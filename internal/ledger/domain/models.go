// Package domain contains persistence models for the artistic-time credit ledger.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// TransactionType classifies one balance mutation.
type TransactionType string

const (
	TransactionTypeGrant  TransactionType = "grant"
	TransactionTypeDeduct TransactionType = "deduct"
	TransactionTypeRefund TransactionType = "refund"
	TransactionTypeReset  TransactionType = "reset"
)

// CreditBalance is a user's current spendable credit pool. The row is
// created lazily on first access with the tier's allowance and never
// deleted while the user account exists.
type CreditBalance struct {
	UserID      snowflake.ID `gorm:"primaryKey"`
	Balance     int64        `gorm:"not null"`
	Tier        string       `gorm:"type:text;not null"`
	LastResetAt time.Time    `gorm:"not null"`
	CreatedAt   time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt   time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (CreditBalance) TableName() string { return "credit_balances" }

// CreditTransaction is an immutable audit record of one balance mutation.
// BalanceAfter of a user's latest transaction always equals the current
// CreditBalance row.
type CreditTransaction struct {
	ID            snowflake.ID    `gorm:"primaryKey"`
	UserID        snowflake.ID    `gorm:"not null;index"`
	Type          TransactionType `gorm:"type:text;not null"`
	Feature       *string         `gorm:"type:text"`
	Amount        int64           `gorm:"not null"`
	BalanceBefore int64           `gorm:"not null"`
	BalanceAfter  int64           `gorm:"not null"`
	Reason        string          `gorm:"type:text"`
	CreatedAt     time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP;index"`
}

// TableName sets the database table name.
func (CreditTransaction) TableName() string { return "credit_transactions" }

// RefundRetry queues a refund whose synchronous write failed. The
// scheduler drains this table; rows here mean a user was charged for
// work that was never delivered.
type RefundRetry struct {
	ID        snowflake.ID `gorm:"primaryKey"`
	UserID    snowflake.ID `gorm:"not null;index"`
	Amount    int64        `gorm:"not null"`
	Feature   *string      `gorm:"type:text"`
	Reason    string       `gorm:"type:text"`
	Attempts  int          `gorm:"not null;default:0"`
	LastError *string      `gorm:"type:text"`
	CreatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (RefundRetry) TableName() string { return "refund_retries" }
