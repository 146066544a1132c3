package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/example/trip-dispatch/internal/models"
)

const issuer = "trip-dispatch"

var ErrMissingToken = errors.New("missing bearer token")

type Claims struct {
	Role models.Role `json:"role"`
	jwt.RegisteredClaims
}

// Verifier issues and checks HS256 tokens. The subject claim is the user id.
type Verifier struct {
	secret []byte
	now    func() time.Time
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret), now: time.Now}
}

// Issue signs a token for id valid for ttl.
func (v *Verifier) Issue(id models.Identity, ttl time.Duration) (string, error) {
	if id.ID == "" || !id.Role.Valid() {
		return "", fmt.Errorf("issue token for %+v: %w", id, models.ErrInvalidRequest)
	}
	now := v.now()
	claims := &Claims{
		Role: id.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.ID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// Verify parses a token and returns the identity it carries.
func (v *Verifier) Verify(token string) (models.Identity, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithIssuer(issuer), jwt.WithTimeFunc(v.now), jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return models.Identity{}, fmt.Errorf("parse token: %w", err)
	}
	if claims.Subject == "" || !claims.Role.Valid() {
		return models.Identity{}, fmt.Errorf("token without subject or role: %w", models.ErrForbidden)
	}
	return models.Identity{ID: claims.Subject, Role: claims.Role}, nil
}

// FromRequest reads the token from the Authorization header, falling back to
// the token query parameter for WebSocket clients that cannot set headers.
func (v *Verifier) FromRequest(r *http.Request) (models.Identity, error) {
	tok := ""
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, rest, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			tok = strings.TrimSpace(rest)
		}
	}
	if tok == "" {
		tok = r.URL.Query().Get("token")
	}
	if tok == "" {
		return models.Identity{}, ErrMissingToken
	}
	return v.Verify(tok)
}
