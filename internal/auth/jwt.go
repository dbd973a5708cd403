package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	tokenIssuer     = "coderelay"
	accessTokenTTL  = 15 * time.Minute
	refreshTokenTTL = 7 * 24 * time.Hour
)

// RefreshToken rows store only a hash; the opaque token value lives with the
// client. Tokens rotate on use.
type RefreshToken struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID    uuid.UUID `gorm:"type:uuid;index;not null"`
	TokenHash string    `gorm:"not null"`
	ExpiresAt time.Time `gorm:"not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (t *RefreshToken) BeforeCreate(tx *gorm.DB) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	return nil
}

type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

func GenerateTokenPair(userID uuid.UUID, secret string, db *gorm.DB) (*TokenPair, error) {
	now := time.Now()
	accessClaims := jwt.MapClaims{
		"sub": userID.String(),
		"iss": tokenIssuer,
		"exp": now.Add(accessTokenTTL).Unix(),
		"iat": now.Unix(),
	}
	accessStr, err := jwt.NewWithClaims(jwt.SigningMethodHS256, accessClaims).SignedString([]byte(secret))
	if err != nil {
		return nil, err
	}

	refreshStr := uuid.NewString()
	rt := &RefreshToken{
		UserID:    userID,
		TokenHash: hashToken(refreshStr),
		ExpiresAt: now.Add(refreshTokenTTL),
	}
	if err := db.Create(rt).Error; err != nil {
		return nil, err
	}

	return &TokenPair{
		AccessToken:  accessStr,
		RefreshToken: refreshStr,
	}, nil
}

// ValidateRefreshToken consumes a refresh token: a valid token is deleted so
// it cannot be replayed.
func ValidateRefreshToken(token string, db *gorm.DB) (*RefreshToken, error) {
	hash := hashToken(token)
	var rt RefreshToken
	if err := db.Where("token_hash = ? AND expires_at > ?", hash, time.Now()).First(&rt).Error; err != nil {
		return nil, err
	}
	db.Delete(&rt)
	return &rt, nil
}

// RevokeRefreshToken deletes a token on logout. Unknown tokens are a no-op.
func RevokeRefreshToken(token string, db *gorm.DB) {
	db.Where("token_hash = ?", hashToken(token)).Delete(&RefreshToken{})
}

// PurgeExpiredTokens removes refresh tokens past their expiry. Called on
// startup; rotation keeps the table small in between.
func PurgeExpiredTokens(db *gorm.DB) {
	db.Where("expires_at <= ?", time.Now()).Delete(&RefreshToken{})
}

func hashToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}
