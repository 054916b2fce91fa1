package domain

import "time"

// Idempotency records the nonce assigned to a message send request, keyed by
// (account_id, channel_id, key), so a retried request maps to the message it
// already produced instead of posting a duplicate.
type Idempotency struct {
	ID        string    `gorm:"type:TEXT NOT NULL;primaryKey"`
	AccountID string    `gorm:"type:TEXT NOT NULL;uniqueIndex:ux_account_channel_key,priority:1"`
	ChannelID string    `gorm:"type:TEXT NOT NULL;uniqueIndex:ux_account_channel_key,priority:2"`
	Key       string    `gorm:"type:TEXT NOT NULL;uniqueIndex:ux_account_channel_key,priority:3"`
	Nonce     string    `gorm:"type:TEXT NOT NULL"`
	Status    int       `gorm:"type:INTEGER NOT NULL"`
	CreatedAt time.Time `gorm:"type:DATETIME NOT NULL;autoCreateTime"`
	ExpiresAt time.Time `gorm:"type:DATETIME NOT NULL;index"`
}

// TableName implements the GORM tabler interface.
func (Idempotency) TableName() string { return "idempotency" }
