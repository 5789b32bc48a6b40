// Package reconnect issues and verifies the signed tickets a client presents
// to re-attach a new channel to the session it dropped out of.
package reconnect

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var ErrInvalidTicket = errors.New("invalid reconnect ticket")

const issuer = "livememo"

// TicketClaims binds a ticket to one document and the connection it replaces.
type TicketClaims struct {
	DocumentID   string    `json:"doc"`
	ConnectionID uuid.UUID `json:"cid"`
	DisplayName  string    `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// Ticket is a verified reconnect ticket.
type Ticket struct {
	DocumentID   string
	ConnectionID uuid.UUID
	UserID       string
	DisplayName  string
	ExpiresAt    time.Time
}

type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewIssuer(secret string, ttl time.Duration) *Issuer {
	return &Issuer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue signs a ticket for connID in documentID, valid for the issuer's TTL.
func (i *Issuer) Issue(documentID string, connID uuid.UUID, userID, displayName string) (string, error) {
	now := i.now()
	claims := TicketClaims{
		DocumentID:   documentID,
		ConnectionID: connID,
		DisplayName:  displayName,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign reconnect ticket: %w", err)
	}
	return signed, nil
}

// Parse verifies the signature and expiry of a ticket.
func (i *Issuer) Parse(ticket string) (Ticket, error) {
	var claims TicketClaims
	token, err := jwt.ParseWithClaims(ticket, &claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return i.secret, nil
	},
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(i.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !token.Valid {
		return Ticket{}, fmt.Errorf("%w: %v", ErrInvalidTicket, err)
	}
	if claims.DocumentID == "" || claims.ConnectionID == uuid.Nil {
		return Ticket{}, fmt.Errorf("%w: missing document or connection", ErrInvalidTicket)
	}
	return Ticket{
		DocumentID:   claims.DocumentID,
		ConnectionID: claims.ConnectionID,
		UserID:       claims.Subject,
		DisplayName:  claims.DisplayName,
		ExpiresAt:    claims.ExpiresAt.Time,
	}, nil
}
