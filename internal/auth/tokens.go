package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	defaultAccessTTL  = 10 * time.Minute
	defaultRefreshTTL = 24 * time.Hour

	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"
)

// tokenClaims mirrors the claim names the profile server already reads.
type tokenClaims struct {
	jwt.RegisteredClaims
	TokenType string `json:"token_type"`
	UserID    int64  `json:"user_id"`
}

type AccessClaims struct {
	UserID    int64
	JTI       string
	ExpiresAt time.Time
}

type TokenIssuer struct {
	store      RefreshTokenStore
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

func NewTokenIssuer(store RefreshTokenStore, secret string, accessTTL, refreshTTL time.Duration) *TokenIssuer {
	if accessTTL <= 0 {
		accessTTL = defaultAccessTTL
	}
	if refreshTTL <= 0 {
		refreshTTL = defaultRefreshTTL
	}
	return &TokenIssuer{
		store:      store,
		secret:     []byte(secret),
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (t *TokenIssuer) Issue(ctx context.Context, user User) (TokenPair, error) {
	access, err := t.signAccess(user.ID)
	if err != nil {
		return TokenPair{}, err
	}

	refresh, record, err := t.signRefresh(user.ID)
	if err != nil {
		return TokenPair{}, err
	}
	if err := t.store.CreateRefreshToken(ctx, record); err != nil {
		return TokenPair{}, fmt.Errorf("record refresh token: %w", err)
	}

	return TokenPair{
		Access:  access,
		Refresh: refresh,
		User:    UserSummary{PK: user.ID, Email: user.Email},
	}, nil
}

// Refresh consumes a refresh token and returns a new pair. The consumed token
// is blacklisted in the same transaction that records its replacement, so a
// token presented twice succeeds at most once.
func (t *TokenIssuer) Refresh(ctx context.Context, rawRefresh string) (access, refresh string, err error) {
	claims, err := t.parse(rawRefresh, tokenTypeRefresh)
	if err != nil {
		return "", "", err
	}

	refresh, next, err := t.signRefresh(claims.UserID)
	if err != nil {
		return "", "", err
	}

	userID, err := t.store.RotateRefreshToken(ctx, claims.ID, next)
	if err != nil {
		if errors.Is(err, ErrInvalidToken) {
			return "", "", ErrInvalidToken
		}
		return "", "", fmt.Errorf("rotate refresh token: %w", err)
	}

	access, err = t.signAccess(userID)
	if err != nil {
		return "", "", err
	}

	return access, refresh, nil
}

// Revoke blacklists a refresh token. Revoking an already revoked token is a no-op.
func (t *TokenIssuer) Revoke(ctx context.Context, rawRefresh string) error {
	claims, err := t.parse(rawRefresh, tokenTypeRefresh)
	if err != nil {
		return err
	}
	record := RefreshTokenRecord{JTI: claims.ID, UserID: claims.UserID}
	if claims.ExpiresAt != nil {
		record.ExpiresAt = claims.ExpiresAt.Time
	}
	if err := t.store.RevokeRefreshToken(ctx, record); err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	return nil
}

// VerifyRefresh checks signature, expiry and the blacklist.
func (t *TokenIssuer) VerifyRefresh(ctx context.Context, rawRefresh string) error {
	claims, err := t.parse(rawRefresh, tokenTypeRefresh)
	if err != nil {
		return err
	}
	return t.checkBlacklist(ctx, claims.ID)
}

// VerifyToken accepts either token type; refresh tokens are also checked against the blacklist.
func (t *TokenIssuer) VerifyToken(ctx context.Context, raw string) error {
	claims, err := t.parse(raw, "")
	if err != nil {
		return err
	}
	if claims.TokenType == tokenTypeRefresh {
		return t.checkBlacklist(ctx, claims.ID)
	}
	return nil
}

func (t *TokenIssuer) ParseAccess(raw string) (AccessClaims, error) {
	claims, err := t.parse(raw, tokenTypeAccess)
	if err != nil {
		return AccessClaims{}, err
	}

	out := AccessClaims{UserID: claims.UserID, JTI: claims.ID}
	if claims.ExpiresAt != nil {
		out.ExpiresAt = claims.ExpiresAt.Time
	}
	return out, nil
}

func (t *TokenIssuer) checkBlacklist(ctx context.Context, jti string) error {
	record, err := t.store.GetRefreshToken(ctx, jti)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrInvalidToken
		}
		return fmt.Errorf("load refresh token: %w", err)
	}
	if record.RevokedAt != nil {
		return ErrTokenBlacklisted
	}
	return nil
}

func (t *TokenIssuer) signAccess(userID int64) (string, error) {
	jti, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate access jti: %w", err)
	}
	token, _, err := t.sign(userID, tokenTypeAccess, jti.String(), t.accessTTL)
	return token, err
}

func (t *TokenIssuer) signRefresh(userID int64) (string, RefreshTokenRecord, error) {
	jti, err := uuid.NewV7()
	if err != nil {
		return "", RefreshTokenRecord{}, fmt.Errorf("generate refresh jti: %w", err)
	}
	token, expiresAt, err := t.sign(userID, tokenTypeRefresh, jti.String(), t.refreshTTL)
	if err != nil {
		return "", RefreshTokenRecord{}, err
	}
	return token, RefreshTokenRecord{JTI: jti.String(), UserID: userID, ExpiresAt: expiresAt}, nil
}

func (t *TokenIssuer) sign(userID int64, tokenType, jti string, ttl time.Duration) (string, time.Time, error) {
	now := t.now()
	expiresAt := now.Add(ttl)
	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(userID, 10),
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		TokenType: tokenType,
		UserID:    userID,
	}

	encoded, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign jwt: %w", err)
	}
	return encoded, expiresAt, nil
}

// parse validates signature, expiry and, when wantType is set, the token type.
func (t *TokenIssuer) parse(raw, wantType string) (*tokenClaims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrInvalidToken
	}

	claims := &tokenClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	if wantType != "" && claims.TokenType != wantType {
		return nil, ErrInvalidToken
	}
	if claims.UserID <= 0 || claims.ID == "" {
		return nil, ErrInvalidToken
	}

	return claims, nil
}
