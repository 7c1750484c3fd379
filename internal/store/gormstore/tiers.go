package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/pointsledger/pkg/ledger"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// TierDirectory keeps the tier of each account as last synced from the identity service.
// Accounts without a row resolve to MEMBER.
type TierDirectory struct {
	db *gorm.DB
}

// NewTierDirectory returns a TierDirectory backed by gorm.DB.
func NewTierDirectory(db *gorm.DB) *TierDirectory {
	return &TierDirectory{db: db}
}

// ResolveTier implements ledger.TierResolver.
func (directory *TierDirectory) ResolveTier(ctx context.Context, userID ledger.UserID) (ledger.Tier, error) {
	var model AccountTier
	err := directory.db.WithContext(ctx).Where("user_id = ?", userID.String()).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.TierMember, nil
	}
	if err != nil {
		return 0, wrapStoreError(errorSubjectTier, errorCodeGet, err)
	}
	tier, err := ledger.ParseTier(model.Tier)
	if err != nil {
		return 0, wrapStoreError(errorSubjectTier, errorCodeInvalid, err)
	}
	return tier, nil
}

// SetTier records the tier for an account, replacing any previous value.
func (directory *TierDirectory) SetTier(ctx context.Context, userID ledger.UserID, tier ledger.Tier) error {
	if userID.IsZero() {
		return wrapStoreError(errorSubjectTier, errorCodeInvalid, ledger.ErrInvalidUserID)
	}
	if !tier.Valid() {
		return wrapStoreError(errorSubjectTier, errorCodeInvalid, ledger.ErrInvalidTier)
	}
	model := AccountTier{UserID: userID.String(), Tier: tier.String(), UpdatedAt: time.Now().UTC()}
	err := directory.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"tier", "updated_at"}),
		}).
		Create(&model).Error
	if err != nil {
		return wrapStoreError(errorSubjectTier, errorCodeUpsert, err)
	}
	return nil
}
