package store

import (
	"context"
	"time"
)

type VerificationStore struct{ conn }

func (v *VerificationStore) Create(ctx context.Context, record *VerificationRecord) error {
	db, cancel := v.scope(ctx)
	defer cancel()
	return translate(db.Create(record).Error)
}

// FindUnverified returns the newest unverified record issued to the account
// with the given code. Expired records are returned; callers decide.
func (v *VerificationStore) FindUnverified(ctx context.Context, accountID uint, code string) (*VerificationRecord, error) {
	db, cancel := v.scope(ctx)
	defer cancel()

	var record VerificationRecord
	err := db.
		Where("account_id = ? AND code = ? AND verified = ?", accountID, code, false).
		Order("id DESC").
		First(&record).Error
	if err != nil {
		return nil, translate(err)
	}
	return &record, nil
}

// MarkVerified flips an unverified record. ErrNotFound means another caller
// already verified it.
func (v *VerificationStore) MarkVerified(ctx context.Context, id uint, at time.Time) error {
	db, cancel := v.scope(ctx)
	defer cancel()

	result := db.Model(&VerificationRecord{}).
		Where("id = ? AND verified = ?", id, false).
		Updates(map[string]any{"verified": true, "verified_at": at})
	if result.Error != nil {
		return translate(result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (v *VerificationStore) DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	db, cancel := v.scope(ctx)
	defer cancel()

	result := db.
		Where("expires_at < ? AND verified = ?", cutoff, false).
		Delete(&VerificationRecord{})
	if result.Error != nil {
		return 0, translate(result.Error)
	}
	return result.RowsAffected, nil
}

func (v *VerificationStore) ListByAccount(ctx context.Context, accountID uint) ([]VerificationRecord, error) {
	db, cancel := v.scope(ctx)
	defer cancel()

	var records []VerificationRecord
	if err := db.Where("account_id = ?", accountID).Order("id ASC").Find(&records).Error; err != nil {
		return nil, translate(err)
	}
	return records, nil
}
