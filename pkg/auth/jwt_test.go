package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIssuer_RoundTrip(t *testing.T) {
	req := require.New(t)
	issuer := NewIssuer("test-secret", time.Hour)

	token, err := issuer.GenerateToken("alice")
	req.NoError(err)

	claims, err := issuer.ValidateToken(token)
	req.NoError(err)
	req.Equal("alice", claims.UserID)
}

func TestIssuer_Rejects_Foreign_Signature(t *testing.T) {
	req := require.New(t)
	token, err := NewIssuer("other-secret", time.Hour).GenerateToken("alice")
	req.NoError(err)

	_, err = NewIssuer("test-secret", time.Hour).ValidateToken(token)
	req.Error(err)
}

func TestIssuer_Rejects_Expired_Token(t *testing.T) {
	req := require.New(t)
	issuer := NewIssuer("test-secret", -time.Minute)
	token, err := issuer.GenerateToken("alice")
	req.NoError(err)

	_, err = issuer.ValidateToken(token)
	req.Error(err)
}

func TestIssuer_Principal(t *testing.T) {
	req := require.New(t)
	issuer := NewIssuer("test-secret", time.Hour)
	token, err := issuer.GenerateToken("bob")
	req.NoError(err)

	// Given a bearer header
	r := httptest.NewRequest(http.MethodGet, "/ws/notifications", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	userID, err := issuer.Principal(r)
	req.NoError(err)
	req.Equal("bob", userID)

	// Given a query token
	r = httptest.NewRequest(http.MethodGet, "/ws/notifications?token="+token, nil)
	userID, err = issuer.Principal(r)
	req.NoError(err)
	req.Equal("bob", userID)

	// Given nothing
	r = httptest.NewRequest(http.MethodGet, "/ws/notifications", nil)
	_, err = issuer.Principal(r)
	req.ErrorIs(err, ErrAuthenticationRequired)

	// Given garbage
	r = httptest.NewRequest(http.MethodGet, "/ws/notifications?token=garbage", nil)
	_, err = issuer.Principal(r)
	req.ErrorIs(err, ErrAuthenticationRequired)
}

func TestIssuer_Middleware(t *testing.T) {
	req := require.New(t)
	issuer := NewIssuer("test-secret", time.Hour)
	token, err := issuer.GenerateToken("carol")
	req.NoError(err)

	var seen string
	handler := issuer.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = UserFromContext(r.Context())
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/history", nil))
	req.Equal(http.StatusUnauthorized, rec.Code)
	req.Empty(seen)

	r := httptest.NewRequest(http.MethodGet, "/history", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, r)
	req.Equal(http.StatusOK, rec.Code)
	req.Equal("carol", seen)
}
