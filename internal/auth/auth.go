// Package auth gives users a stable identity: HS256 tokens carrying the
// user id, display name and picture.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"

	"github.com/manpreetbhatti/lattice-board/internal/clock"
	"github.com/manpreetbhatti/lattice-board/internal/protocol"
)

const (
	SessionCookie = "session"
	issuer        = "lattice-board"
)

var (
	ErrMissingToken = errors.New("missing token")
	ErrInvalidToken = errors.New("invalid or expired token")
)

type Claims struct {
	Name    string `json:"name"`
	Picture string `json:"picture,omitempty"`
	jwt.RegisteredClaims
}

type Issuer struct {
	secret []byte
	ttl    time.Duration
	clock  clock.Clock
}

func NewIssuer(secret string, ttl time.Duration, clk clock.Clock) *Issuer {
	if clk == nil {
		clk = clock.Real()
	}
	return &Issuer{secret: []byte(secret), ttl: ttl, clock: clk}
}

// NewGuest returns a fresh identity. An empty name gets a generated one.
func NewGuest(name string) protocol.Member {
	id := uuid.NewString()
	name = strings.TrimSpace(name)
	if name == "" {
		name = "Guest " + id[:4]
	}
	return protocol.Member{ID: id, Name: name}
}

// Issue signs a token for user and returns it with its expiry.
func (i *Issuer) Issue(user protocol.Member) (string, time.Time, error) {
	now := i.clock.Now()
	expires := now.Add(i.ttl)
	claims := Claims{
		Name:    user.Name,
		Picture: user.Image,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return token, expires, nil
}

// Verify checks the signature and expiry of token and returns its user.
func (i *Issuer) Verify(token string) (protocol.Member, error) {
	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return i.secret, nil
	})
	if err != nil {
		return protocol.Member{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return protocol.Member{}, ErrInvalidToken
	}
	return protocol.Member{ID: claims.Subject, Name: claims.Name, Image: claims.Picture}, nil
}

// Identify verifies the token carried by r.
func (i *Issuer) Identify(r *http.Request) (protocol.Member, error) {
	token := TokenFromRequest(r)
	if token == "" {
		return protocol.Member{}, ErrMissingToken
	}
	return i.Verify(token)
}

// TokenFromRequest looks in the Authorization header, then the token query
// parameter (browsers cannot set headers on websocket requests), then the
// session cookie.
func TokenFromRequest(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	if cookie, err := r.Cookie(SessionCookie); err == nil {
		return cookie.Value
	}
	return ""
}
