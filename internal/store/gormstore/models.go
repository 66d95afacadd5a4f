package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// UserBalance represents the user_balances table.
type UserBalance struct {
	UserID      string    `gorm:"primaryKey;size:191"`
	Balance     int64     `gorm:"not null;default:0"`
	TotalEarned int64     `gorm:"not null;default:0"`
	TotalSpent  int64     `gorm:"not null;default:0;index:idx_user_balances_spent"`
	CreatedAt   time.Time `gorm:"not null"`
	UpdatedAt   time.Time `gorm:"not null"`
}

func (UserBalance) TableName() string { return "user_balances" }

// CreditTransaction mirrors the credit_transactions table.
type CreditTransaction struct {
	TransactionID         string         `gorm:"primaryKey;size:64"`
	UserID                string         `gorm:"size:191;not null;index:idx_credit_transactions_user_created,priority:1"`
	Type                  string         `gorm:"size:16;not null;index:idx_credit_transactions_type_created,priority:1"`
	Amount                int64          `gorm:"not null"`
	Description           string         `gorm:"not null;default:''"`
	PriceableItemID       *string        `gorm:"size:191;index:idx_credit_transactions_item"`
	RelatedItemID         *string        `gorm:"size:191"`
	ReservationID         *string        `gorm:"size:64;index:idx_credit_transactions_reservation"`
	OriginalTransactionID *string        `gorm:"size:64;index:idx_credit_transactions_original"`
	Metadata              datatypes.JSON `gorm:"not null"`
	BalanceAfter          int64          `gorm:"not null"`
	CreatedAt             time.Time      `gorm:"not null;index:idx_credit_transactions_user_created,priority:2;index:idx_credit_transactions_type_created,priority:2"`
}

func (CreditTransaction) TableName() string { return "credit_transactions" }

func (transaction *CreditTransaction) BeforeCreate(tx *gorm.DB) error {
	if transaction.TransactionID == "" {
		transaction.TransactionID = uuid.NewString()
	}
	return nil
}

// Reservation mirrors the reservations table.
type Reservation struct {
	ReservationID string    `gorm:"primaryKey;size:64"`
	UserID        string    `gorm:"size:191;not null;index:idx_reservations_user_created,priority:1"`
	ItemID        string    `gorm:"size:191;not null"`
	Amount        int64     `gorm:"not null"`
	Description   string    `gorm:"not null;default:''"`
	Status        string    `gorm:"size:16;not null;index:idx_reservations_status_expires,priority:1"`
	CancelReason  string    `gorm:"size:191;not null;default:''"`
	ExpiresAt     time.Time `gorm:"not null;index:idx_reservations_status_expires,priority:2"`
	CreatedAt     time.Time `gorm:"not null;index:idx_reservations_user_created,priority:2"`
	UpdatedAt     time.Time `gorm:"not null"`
}

func (Reservation) TableName() string { return "reservations" }

// Models lists every table for AutoMigrate.
func Models() []interface{} {
	return []interface{}{&UserBalance{}, &CreditTransaction{}, &Reservation{}}
}
