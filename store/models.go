package store

import "time"

type Account struct {
	ID           uint   `gorm:"primaryKey"`
	Name         string `gorm:"size:255;not null"`
	Email        string `gorm:"size:255;not null;uniqueIndex"`
	PasswordHash string `gorm:"size:255;not null"`
	Age          int
	Active       bool `gorm:"not null;default:false"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (Account) TableName() string { return "accounts" }

type VerificationRecord struct {
	ID         uint      `gorm:"primaryKey"`
	AccountID  uint      `gorm:"not null;index:idx_verification_account_code"`
	Code       string    `gorm:"size:16;not null;index:idx_verification_account_code"`
	ExpiresAt  time.Time `gorm:"not null;index"`
	Verified   bool      `gorm:"not null;default:false"`
	VerifiedAt *time.Time
	CreatedAt  time.Time
}

func (VerificationRecord) TableName() string { return "verification_records" }

func (r *VerificationRecord) Expired(now time.Time) bool {
	return r.ExpiresAt.Before(now)
}

// OutboxMessage is a notification written in the same transaction as the
// state it announces. DispatchedAt is set once the channel accepted it.
type OutboxMessage struct {
	ID           uint       `gorm:"primaryKey"`
	Topic        string     `gorm:"size:255;not null"`
	Payload      string     `gorm:"type:text;not null"`
	Attempts     int        `gorm:"not null;default:0"`
	LastError    string     `gorm:"type:text"`
	DispatchedAt *time.Time `gorm:"index"`
	CreatedAt    time.Time  `gorm:"index"`
}

func (OutboxMessage) TableName() string { return "notification_outbox" }

func Models() []any {
	return []any{&Account{}, &VerificationRecord{}, &OutboxMessage{}}
}
