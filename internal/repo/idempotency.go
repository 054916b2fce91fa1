package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-chat-mirror/internal/domain"
)

// GetIdempotency returns a non-expired record for (accountID, channelID, key)
// or ErrNotFound.
func GetIdempotency(ctx context.Context, db *gorm.DB, accountID, channelID, key string, now time.Time) (*domain.Idempotency, error) {
	if strings.TrimSpace(channelID) == "" {
		return nil, ErrNotFound
	}
	var rec domain.Idempotency
	err := db.WithContext(ctx).
		Where("account_id = ? AND channel_id = ? AND key = ? AND expires_at > ?", accountID, channelID, key, now).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return &rec, err
}

// CreateIdempotency records the nonce a key was assigned and returns
// ErrDuplicate on unique violation. Expired rows for the same tuple are
// purged first so a key can be reused after its TTL.
func CreateIdempotency(ctx context.Context, db *gorm.DB, accountID, channelID, key, nonce string, status int, ttl time.Duration) (*domain.Idempotency, error) {
	now := time.Now().UTC()
	db.WithContext(ctx).
		Where("account_id = ? AND channel_id = ? AND key = ? AND expires_at <= ?", accountID, channelID, key, now).
		Delete(&domain.Idempotency{})

	rec := &domain.Idempotency{
		ID:        uuid.NewString(),
		AccountID: accountID,
		ChannelID: channelID,
		Key:       key,
		Nonce:     nonce,
		Status:    status,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	if err := db.WithContext(ctx).Create(rec).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	return rec, nil
}

// PurgeIdempotency deletes expired records and reports how many were removed.
func PurgeIdempotency(ctx context.Context, db *gorm.DB, now time.Time) (int64, error) {
	res := db.WithContext(ctx).Where("expires_at <= ?", now).Delete(&domain.Idempotency{})
	return res.RowsAffected, res.Error
}
