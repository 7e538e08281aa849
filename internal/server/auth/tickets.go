// Package auth authenticates notification clients with the MD5
// challenge-response login and issues the tickets (CKI values) that admit
// them to switchboard sessions.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dmitrijs2005/gophmsn/internal/common"
)

// Claims binds a ticket to one username.
type Claims struct {
	jwt.RegisteredClaims
}

// Tickets issues and verifies switchboard tickets. A ticket is an HS256 JWT
// signed with the shared switchboard secret.
type Tickets struct {
	secret   []byte
	validity time.Duration
	now      func() time.Time
}

func NewTickets(secret string, validity time.Duration) *Tickets {
	return &Tickets{secret: []byte(secret), validity: validity, now: time.Now}
}

// Issue returns a ticket for username.
func (t *Tickets) Issue(username string) (string, error) {
	id, err := common.MakeRandHexString(8)
	if err != nil {
		return "", err
	}
	now := t.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			ID:        id,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.validity)),
		},
	})

	tokenString, err := token.SignedString(t.secret)
	if err != nil {
		return "", err
	}
	return tokenString, nil
}

// Verify checks that ticket is valid, unexpired and issued for username.
func (t *Tickets) Verify(ticket, username string) error {
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(ticket, claims, func(*jwt.Token) (interface{}, error) {
		return t.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(t.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return fmt.Errorf("%w: expired", common.ErrInvalidTicket)
		}
		return fmt.Errorf("%w: %v", common.ErrInvalidTicket, err)
	}
	if !token.Valid || claims.Subject != username {
		return common.ErrInvalidTicket
	}
	return nil
}
