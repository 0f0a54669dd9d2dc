package store

import (
	"context"
	"time"

	"gorm.io/gorm"
)

type OutboxStore struct{ conn }

func (o *OutboxStore) Enqueue(ctx context.Context, topic string, payload []byte) (*OutboxMessage, error) {
	db, cancel := o.scope(ctx)
	defer cancel()

	msg := &OutboxMessage{Topic: topic, Payload: string(payload)}
	if err := db.Create(msg).Error; err != nil {
		return nil, translate(err)
	}
	return msg, nil
}

// Pending returns undispatched messages created at or before olderThan,
// oldest first.
func (o *OutboxStore) Pending(ctx context.Context, olderThan time.Time, limit int) ([]OutboxMessage, error) {
	db, cancel := o.scope(ctx)
	defer cancel()

	var msgs []OutboxMessage
	err := db.
		Where("dispatched_at IS NULL AND created_at <= ?", olderThan).
		Order("id ASC").
		Limit(limit).
		Find(&msgs).Error
	if err != nil {
		return nil, translate(err)
	}
	return msgs, nil
}

func (o *OutboxStore) MarkDispatched(ctx context.Context, id uint, at time.Time) error {
	db, cancel := o.scope(ctx)
	defer cancel()
	return translate(db.Model(&OutboxMessage{}).
		Where("id = ? AND dispatched_at IS NULL", id).
		Updates(map[string]any{
			"dispatched_at": at,
			"attempts":      gorm.Expr("attempts + 1"),
			"last_error":    "",
		}).Error)
}

func (o *OutboxStore) MarkFailed(ctx context.Context, id uint, cause error) error {
	db, cancel := o.scope(ctx)
	defer cancel()
	return translate(db.Model(&OutboxMessage{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"attempts":   gorm.Expr("attempts + 1"),
			"last_error": cause.Error(),
		}).Error)
}

func (o *OutboxStore) CountPending(ctx context.Context) (int64, error) {
	db, cancel := o.scope(ctx)
	defer cancel()

	var count int64
	if err := db.Model(&OutboxMessage{}).Where("dispatched_at IS NULL").Count(&count).Error; err != nil {
		return 0, translate(err)
	}
	return count, nil
}

func (o *OutboxStore) FindByID(ctx context.Context, id uint) (*OutboxMessage, error) {
	db, cancel := o.scope(ctx)
	defer cancel()

	var msg OutboxMessage
	if err := db.First(&msg, id).Error; err != nil {
		return nil, translate(err)
	}
	return &msg, nil
}
