package domain

import "time"

// Credential is a stored account session for one instance. The token itself
// is kept sealed; TokenDigest (hex SHA-256 of the token) allows lookups by
// token without decrypting every row.
//
// Fields:
//   - ID: UUID primary key.
//   - Domain / UserID: unique pair, one stored session per account per instance.
//   - Username / Discriminator / Avatar: last identity seen on READY.
//   - TokenDigest: lookup key for removal on authentication failure.
//   - SealedToken: AES-GCM ciphertext of the token.
type Credential struct {
	ID            string    `gorm:"type:char(36);primaryKey"`
	Domain        string    `gorm:"type:varchar(255);not null;uniqueIndex:ux_credential_domain_user,priority:1"`
	UserID        string    `gorm:"type:varchar(32);not null;uniqueIndex:ux_credential_domain_user,priority:2"`
	Username      string    `gorm:"type:varchar(255);not null"`
	Discriminator string    `gorm:"type:varchar(8);not null;default:'0000'"`
	Avatar        *string   `gorm:"type:varchar(255)"`
	TokenDigest   string    `gorm:"type:char(64);not null;index"`
	SealedToken   []byte    `gorm:"not null"`
	CreatedAt     time.Time `gorm:"not null"`
	UpdatedAt     time.Time `gorm:"not null"`
}

// TableName returns the database table name for Credential.
func (Credential) TableName() string { return "credentials" }

// Account is a credential with its token in the clear, as handed to the
// gateway and REST layers. It is never persisted as is.
type Account struct {
	Domain        string  `json:"domain"`
	UserID        string  `json:"user_id"`
	Username      string  `json:"username"`
	Discriminator string  `json:"discriminator"`
	Avatar        *string `json:"avatar,omitempty"`
	Token         string  `json:"-"`
}
