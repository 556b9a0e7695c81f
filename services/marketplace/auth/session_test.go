package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("0123456789abcdef0123")

func TestIssueVerifyRoundTrip(t *testing.T) {
	v, err := NewVerifier(testSecret, "market", 0)
	require.NoError(t, err)
	want := Session{UserID: uuid.New(), Address: [20]byte{7, 7}}
	token, err := v.Issue(want, time.Hour)
	require.NoError(t, err)

	got, err := v.Verify(token)
	require.NoError(t, err)
	require.Equal(t, want, *got)
}

func TestVerifyRejects(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	v, err := NewVerifier(testSecret, "market", time.Second)
	require.NoError(t, err)
	v.SetNowFunc(func() time.Time { return now })
	token, err := v.Issue(Session{UserID: uuid.New()}, time.Minute)
	require.NoError(t, err)

	other, err := NewVerifier(testSecret, "someone-else", 0)
	require.NoError(t, err)
	_, err = other.Verify(token)
	require.Error(t, err, "issuer mismatch")

	forged, err := NewVerifier([]byte("ffffffffffffffffffff"), "market", 0)
	require.NoError(t, err)
	_, err = forged.Verify(token)
	require.Error(t, err, "wrong secret")

	v.SetNowFunc(func() time.Time { return now.Add(2 * time.Minute) })
	_, err = v.Verify(token)
	require.ErrorContains(t, err, "expired")
}

func TestNewVerifierValidation(t *testing.T) {
	_, err := NewVerifier([]byte("short"), "market", 0)
	require.Error(t, err)
	_, err = NewVerifier(testSecret, " ", 0)
	require.Error(t, err)
}

func TestMiddleware(t *testing.T) {
	v, err := NewVerifier(testSecret, "market", 0)
	require.NoError(t, err)
	userID := uuid.New()
	token, err := v.Issue(Session{UserID: userID}, time.Hour)
	require.NoError(t, err)

	var seen *Session
	h := v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = SessionFrom(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, seen)
	require.Equal(t, userID, seen.UserID)
}
