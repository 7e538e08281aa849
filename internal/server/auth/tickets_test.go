package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/gophmsn/internal/common"
)

func TestTickets_IssueAndVerify(t *testing.T) {
	t.Parallel()

	tk := NewTickets("super-secret", time.Minute)
	ticket, err := tk.Issue("alice@example.com")
	require.NoError(t, err)
	assert.NotContains(t, ticket, " ")

	require.NoError(t, tk.Verify(ticket, "alice@example.com"))
	assert.ErrorIs(t, tk.Verify(ticket, "bob@example.com"), common.ErrInvalidTicket)

	other, err := tk.Issue("alice@example.com")
	require.NoError(t, err)
	assert.NotEqual(t, ticket, other, "tickets are unique")
}

func TestTickets_Expired(t *testing.T) {
	t.Parallel()

	tk := NewTickets("secret", time.Minute)
	ticket, err := tk.Issue("alice@example.com")
	require.NoError(t, err)

	tk.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	err = tk.Verify(ticket, "alice@example.com")
	require.ErrorIs(t, err, common.ErrInvalidTicket)
	assert.Contains(t, err.Error(), "expired")
}

func TestTickets_WrongSecretAndGarbage(t *testing.T) {
	t.Parallel()

	ticket, err := NewTickets("right", time.Minute).Issue("alice@example.com")
	require.NoError(t, err)

	wrong := NewTickets("wrong", time.Minute)
	assert.ErrorIs(t, wrong.Verify(ticket, "alice@example.com"), common.ErrInvalidTicket)
	assert.ErrorIs(t, wrong.Verify("17262740.1050826919.32308", "alice@example.com"), common.ErrInvalidTicket)
	assert.ErrorIs(t, wrong.Verify(strings.Repeat("a", 10), "alice@example.com"), common.ErrInvalidTicket)
}

func TestTickets_RejectsOtherAlgorithms(t *testing.T) {
	t.Parallel()

	token := jwt.NewWithClaims(jwt.SigningMethodHS512, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "alice@example.com",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
	})
	s, err := token.SignedString([]byte("secret"))
	require.NoError(t, err)

	assert.ErrorIs(t, NewTickets("secret", time.Minute).Verify(s, "alice@example.com"), common.ErrInvalidTicket)
}
