package approval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrInvalidToken signals a review link that is malformed, tampered with or
// past its expiry.
var ErrInvalidToken = errors.New("approval: invalid review token")

const minSecretLen = 16

// ReviewClaims bind one outcome for one request to the reviewer the link was
// issued to.
type ReviewClaims struct {
	ApprovalID string `json:"approval_id"`
	Outcome    Status `json:"outcome"`
	jwt.RegisteredClaims
}

// TokenSigner issues and verifies one-click review links so a human can
// approve or reject from an emailed notification.
type TokenSigner struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewTokenSigner(secret string, ttl time.Duration) (*TokenSigner, error) {
	if len(secret) < minSecretLen {
		return nil, fmt.Errorf("approval: review token secret must be at least %d bytes", minSecretLen)
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &TokenSigner{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

func (s *TokenSigner) WithClock(now func() time.Time) *TokenSigner {
	s.now = now
	return s
}

// Issue signs a token that resolves approvalID with outcome on behalf of
// reviewer.
func (s *TokenSigner) Issue(approvalID string, outcome Status, reviewer string) (string, error) {
	if outcome != StatusApproved && outcome != StatusRejected {
		return "", ErrInvalidOutcome
	}
	if approvalID == "" || reviewer == "" {
		return "", fmt.Errorf("approval: token requires approval id and reviewer")
	}
	now := s.now()
	claims := ReviewClaims{
		ApprovalID: approvalID,
		Outcome:    outcome,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   reviewer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("approval: sign review token: %w", err)
	}
	return signed, nil
}

// Parse verifies the signature and expiry of a review token.
func (s *TokenSigner) Parse(token string) (ReviewClaims, error) {
	var claims ReviewClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	if err != nil {
		return ReviewClaims{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !parsed.Valid || claims.ApprovalID == "" || claims.Subject == "" {
		return ReviewClaims{}, ErrInvalidToken
	}
	if claims.Outcome != StatusApproved && claims.Outcome != StatusRejected {
		return ReviewClaims{}, ErrInvalidToken
	}
	return claims, nil
}

// Redeem verifies token and resolves the request it names.
func (q *Queue) Redeem(ctx context.Context, signer *TokenSigner, token, notes string) (Request, error) {
	claims, err := signer.Parse(token)
	if err != nil {
		return Request{}, err
	}
	return q.Resolve(ctx, claims.ApprovalID, claims.Outcome, Resolution{By: claims.Subject, Notes: notes})
}
