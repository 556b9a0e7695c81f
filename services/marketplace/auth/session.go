// Package auth validates marketplace session tokens and maps them to a user
// and the ledger identity the user signs with.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"workchain/crypto"
)

type contextKey string

const contextKeySession contextKey = "session"

// Session is the authenticated caller.
type Session struct {
	UserID  uuid.UUID
	Address [20]byte
}

type sessionClaims struct {
	Address string `json:"addr"`
	jwt.RegisteredClaims
}

// Verifier checks HS256 session tokens.
type Verifier struct {
	secret []byte
	issuer string
	leeway time.Duration
	now    func() time.Time
}

// NewVerifier returns a verifier for tokens signed with secret by issuer.
func NewVerifier(secret []byte, issuer string, leeway time.Duration) (*Verifier, error) {
	if len(secret) < 16 {
		return nil, errors.New("auth: session secret must be at least 16 bytes")
	}
	if strings.TrimSpace(issuer) == "" {
		return nil, errors.New("auth: issuer required")
	}
	return &Verifier{secret: secret, issuer: issuer, leeway: leeway, now: time.Now}, nil
}

// SetNowFunc overrides the clock used for expiry checks.
func (v *Verifier) SetNowFunc(now func() time.Time) {
	if now != nil {
		v.now = now
	}
}

// Issue signs a session token valid for ttl.
func (v *Verifier) Issue(session Session, ttl time.Duration) (string, error) {
	now := v.now()
	claims := sessionClaims{
		Address: crypto.FormatAddress(session.Address),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   session.UserID.String(),
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// Verify parses token and returns its session.
func (v *Verifier) Verify(token string) (*Session, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return v.now() }),
	}
	if v.leeway > 0 {
		opts = append(opts, jwt.WithLeeway(v.leeway))
	}
	claims := &sessionClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}
	if !parsed.Valid {
		return nil, errors.New("auth: token validation failed")
	}
	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return nil, fmt.Errorf("auth: subject: %w", err)
	}
	addr, err := crypto.ParseAddress(claims.Address)
	if err != nil {
		return nil, fmt.Errorf("auth: address claim: %w", err)
	}
	return &Session{UserID: userID, Address: addr}, nil
}

// Middleware rejects requests without a valid bearer session and stores the
// session in the request context.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := strings.TrimSpace(r.Header.Get("Authorization"))
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		session, err := v.Verify(strings.TrimSpace(token))
		if err != nil {
			http.Error(w, "invalid session", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithSession(r.Context(), session)))
	})
}

// WithSession stores session in ctx.
func WithSession(ctx context.Context, session *Session) context.Context {
	return context.WithValue(ctx, contextKeySession, session)
}

// SessionFrom returns the session stored by Middleware.
func SessionFrom(ctx context.Context) (*Session, bool) {
	session, ok := ctx.Value(contextKeySession).(*Session)
	return session, ok && session != nil
}
