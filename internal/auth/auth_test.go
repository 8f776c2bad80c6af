package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manpreetbhatti/lattice-board/internal/clock"
	"github.com/manpreetbhatti/lattice-board/internal/protocol"
)

func TestIssueAndVerify(t *testing.T) {
	issuer := NewIssuer("secret", time.Hour, nil)
	user := protocol.Member{ID: "u1", Name: "Ada", Image: "https://example.com/ada.png"}

	token, expires, err := issuer.Issue(user)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expires, time.Minute)

	got, err := issuer.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, user, got)
}

func TestVerifyRejects(t *testing.T) {
	issuer := NewIssuer("secret", time.Hour, nil)
	user := protocol.Member{ID: "u1", Name: "Ada"}

	other, _, err := NewIssuer("other", time.Hour, nil).Issue(user)
	require.NoError(t, err)

	expired, _, err := NewIssuer("secret", time.Hour, clock.NewFake(time.Now().Add(-2*time.Hour))).Issue(user)
	require.NoError(t, err)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "u1"},
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	for name, token := range map[string]string{
		"wrong secret": other,
		"expired":      expired,
		"alg none":     none,
		"garbage":      "not.a.token",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := issuer.Verify(token)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestNewGuest(t *testing.T) {
	a := NewGuest("")
	b := NewGuest("  Bob ")

	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Contains(t, a.Name, "Guest ")
	assert.Equal(t, "Bob", b.Name)
}

func TestTokenFromRequest(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Empty(t, TokenFromRequest(req))

	req = httptest.NewRequest(http.MethodGet, "/?token=q", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookie, Value: "c"})
	assert.Equal(t, "q", TokenFromRequest(req))

	req.Header.Set("Authorization", "Bearer h")
	assert.Equal(t, "h", TokenFromRequest(req))

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookie, Value: "c"})
	assert.Equal(t, "c", TokenFromRequest(req))
}

func TestIdentify(t *testing.T) {
	issuer := NewIssuer("secret", time.Hour, nil)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	_, err := issuer.Identify(req)
	assert.ErrorIs(t, err, ErrMissingToken)

	token, _, err := issuer.Issue(protocol.Member{ID: "u1", Name: "Ada"})
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	user, err := issuer.Identify(req)
	require.NoError(t, err)
	assert.Equal(t, "u1", user.ID)
}
