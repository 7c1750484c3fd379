package gormstore

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Account represents the accounts table. The check constraints repeat the
// non-negativity rules enforced by the engine.
type Account struct {
	UserID        string    `gorm:"size:64;primaryKey"`
	Balance       int64     `gorm:"not null;default:0;check:chk_accounts_balance,balance >= 0"`
	FrozenBalance int64     `gorm:"not null;default:0;check:chk_accounts_frozen,frozen_balance >= 0 AND frozen_balance <= balance"`
	Status        string    `gorm:"size:16;not null"`
	Version       int64     `gorm:"not null;default:0"`
	CreatedAt     time.Time `gorm:"not null"`
	UpdatedAt     time.Time `gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

// Transaction mirrors the transactions table.
type Transaction struct {
	ID                        int64          `gorm:"primaryKey;autoIncrement"`
	TransactionNo             string         `gorm:"size:64;not null;uniqueIndex:uniq_transactions_no"`
	FromUserID                *string        `gorm:"size:64;index:idx_transactions_from_created,priority:1"`
	ToUserID                  string         `gorm:"size:64;not null;index:idx_transactions_to_created,priority:1;index:idx_transactions_to_order,priority:1"`
	AmountCents               int64          `gorm:"not null;check:chk_transactions_amount,amount_cents > 0"`
	Type                      string         `gorm:"size:16;not null"`
	RelatedOrderID            string         `gorm:"size:64;not null;default:'';index:idx_transactions_to_order,priority:2"`
	Description               string         `gorm:"not null;default:''"`
	Metadata                  datatypes.JSON `gorm:"not null"`
	Status                    string         `gorm:"size:16;not null"`
	BalanceBefore             int64          `gorm:"not null"`
	BalanceAfter              int64          `gorm:"not null"`
	CounterpartyBalanceBefore *int64
	CounterpartyBalanceAfter  *int64
	OperatorID                string `gorm:"size:64;not null;default:''"`
	AuditorID                 string `gorm:"size:64;not null;default:''"`
	Remark                    string `gorm:"not null;default:''"`
	CreatedAt                 time.Time `gorm:"not null;index:idx_transactions_from_created,priority:2;index:idx_transactions_to_created,priority:2"`
	CompletedAt               *time.Time
}

func (Transaction) TableName() string { return "transactions" }

// AccountTier mirrors the account_tiers table synced from the identity service.
type AccountTier struct {
	UserID    string    `gorm:"size:64;primaryKey"`
	Tier      string    `gorm:"size:16;not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (AccountTier) TableName() string { return "account_tiers" }

// AutoMigrate creates or updates every table the store uses.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Account{}, &Transaction{}, &AccountTier{})
}
