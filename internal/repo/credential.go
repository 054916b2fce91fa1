package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-chat-mirror/internal/domain"
	"github.com/tbourn/go-chat-mirror/internal/secret"
	"github.com/tbourn/go-chat-mirror/internal/token"
)

// CredentialStore persists account sessions with their tokens sealed.
type CredentialStore struct {
	DB  *gorm.DB
	Box *secret.Box
}

// Save inserts or refreshes the credential of (a.Domain, a.UserID).
func (s *CredentialStore) Save(ctx context.Context, a domain.Account) error {
	sealed, err := s.Box.Seal(a.Token)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	disc := a.Discriminator
	if disc == "" {
		disc = "0000"
	}
	rec := &domain.Credential{
		ID:            uuid.NewString(),
		Domain:        a.Domain,
		UserID:        a.UserID,
		Username:      a.Username,
		Discriminator: disc,
		Avatar:        a.Avatar,
		TokenDigest:   token.Digest(a.Token),
		SealedToken:   sealed,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	return s.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "domain"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"username", "discriminator", "avatar", "token_digest", "sealed_token", "updated_at",
		}),
	}).Create(rec).Error
}

// Get returns one stored account or ErrNotFound.
func (s *CredentialStore) Get(ctx context.Context, domainName, userID string) (domain.Account, error) {
	var rec domain.Credential
	err := s.DB.WithContext(ctx).
		Where("domain = ? AND user_id = ?", domainName, userID).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Account{}, ErrNotFound
	}
	if err != nil {
		return domain.Account{}, err
	}
	return s.open(rec)
}

// List returns every stored account ordered by domain then user id. Rows
// whose token cannot be opened with the current key are skipped and
// counted.
func (s *CredentialStore) List(ctx context.Context) (accounts []domain.Account, skipped int, err error) {
	var recs []domain.Credential
	if err := s.DB.WithContext(ctx).Order("domain ASC, user_id ASC").Find(&recs).Error; err != nil {
		return nil, 0, err
	}
	accounts = make([]domain.Account, 0, len(recs))
	for _, rec := range recs {
		a, err := s.open(rec)
		if err != nil {
			skipped++
			continue
		}
		accounts = append(accounts, a)
	}
	return accounts, skipped, nil
}

// Delete removes the credential of (domainName, userID).
func (s *CredentialStore) Delete(ctx context.Context, domainName, userID string) error {
	res := s.DB.WithContext(ctx).
		Where("domain = ? AND user_id = ?", domainName, userID).
		Delete(&domain.Credential{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteByToken removes every credential of domainName using tok. It is
// how a rejected token is forgotten when the account id is not known.
func (s *CredentialStore) DeleteByToken(ctx context.Context, domainName, tok string) (int64, error) {
	res := s.DB.WithContext(ctx).
		Where("domain = ? AND token_digest = ?", domainName, token.Digest(tok)).
		Delete(&domain.Credential{})
	return res.RowsAffected, res.Error
}

func (s *CredentialStore) open(rec domain.Credential) (domain.Account, error) {
	tok, err := s.Box.Open(rec.SealedToken)
	if err != nil {
		return domain.Account{}, fmt.Errorf("credential %s@%s: %w", rec.UserID, rec.Domain, err)
	}
	return domain.Account{
		Domain:        rec.Domain,
		UserID:        rec.UserID,
		Username:      rec.Username,
		Discriminator: rec.Discriminator,
		Avatar:        rec.Avatar,
		Token:         tok,
	}, nil
}
