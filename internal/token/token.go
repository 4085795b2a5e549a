// Package token mints and verifies the signed QR credentials a ticket
// holder presents at the gate. Verification is pure: no clock other than
// the injected one, no I/O.
package token

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	// ErrMalformed means the string is not a parseable token.
	ErrMalformed = errors.New("malformed token")
	// ErrTampered means the signature does not match the payload.
	ErrTampered = errors.New("token signature mismatch")
	// ErrExpired means the token is past its expiry.
	ErrExpired = errors.New("token expired")
)

// Claims are the fields a minted token binds together.
type Claims struct {
	TicketID string `json:"ticket_id"`
	EventID  string `json:"event_id"`
	OrgID    string `json:"org_id"`
	Nonce    string `json:"nonce"`
	jwt.RegisteredClaims
}

// Codec signs and verifies ticket tokens with a shared HS256 secret.
type Codec struct {
	Secret string
	Now    func() time.Time
}

func (c Codec) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// Mint produces a signed token binding a ticket to its event and org,
// expiring at now+ttl. Each mint carries a fresh nonce so re-sent codes
// for the same ticket stay distinguishable.
func (c Codec) Mint(ticketID, eventID, orgID string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(c.Secret) == "" {
		return "", errors.New("signing secret not configured")
	}
	if ticketID == "" || eventID == "" || orgID == "" {
		return "", errors.New("ticket_id, event_id and org_id are required")
	}
	if ttl <= 0 {
		return "", errors.New("ttl must be positive")
	}
	now := c.now().UTC()
	claims := Claims{
		TicketID: ticketID,
		EventID:  eventID,
		OrgID:    orgID,
		Nonce:    uuid.New().String(),
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString([]byte(c.Secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify checks signature and expiry and returns the embedded claims.
// Failures map to ErrMalformed, ErrTampered or ErrExpired.
func (c Codec) Verify(tokenString string) (Claims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(c.now),
	)
	claims := &Claims{}
	_, err := parser.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		return []byte(c.Secret), nil
	})
	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenExpired):
		return Claims{}, ErrExpired
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return Claims{}, ErrTampered
	default:
		return Claims{}, ErrMalformed
	}
	if claims.TicketID == "" || claims.EventID == "" || claims.OrgID == "" || claims.Nonce == "" {
		return Claims{}, ErrMalformed
	}
	if claims.ExpiresAt == nil {
		return Claims{}, ErrMalformed
	}
	return *claims, nil
}
