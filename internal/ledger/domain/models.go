// Package domain contains the credit ledger models. The balance of a user
// is the running sum of entry deltas; both views are updated in the same
// transaction.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// EntryReason classifies a ledger entry.
type EntryReason string

const (
	// ReasonReserve debits the estimated cost at admission time.
	ReasonReserve EntryReason = "reserve"
	// ReasonFinalizeRefund returns the full reservation during settlement.
	ReasonFinalizeRefund EntryReason = "finalize_refund"
	// ReasonFinalizeCharge debits the actual cost during settlement.
	ReasonFinalizeCharge EntryReason = "finalize_charge"
	// ReasonRelease returns the full reservation of a cancelled or failed job.
	ReasonRelease EntryReason = "release"
	// ReasonPurchase credits a paid top-up.
	ReasonPurchase EntryReason = "purchase"
	// ReasonGrant credits a promotional or goodwill grant.
	ReasonGrant EntryReason = "grant"
)

// CreditBalance is the spendable balance per user.
type CreditBalance struct {
	UserID    snowflake.ID `gorm:"primaryKey"`
	Balance   int64        `gorm:"not null"`
	UpdatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (CreditBalance) TableName() string { return "credit_balances" }

// CreditEntry is an immutable, append-only ledger record. Entries are never
// updated or deleted in normal operation.
type CreditEntry struct {
	ID        snowflake.ID `gorm:"primaryKey"`
	UserID    snowflake.ID `gorm:"not null;index"`
	JobID     snowflake.ID `gorm:"index"` // zero for non-job entries (purchase, grant)
	Delta     int64        `gorm:"not null"`
	Reason    EntryReason  `gorm:"type:text;not null"`
	CreatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (CreditEntry) TableName() string { return "credit_entries" }
