package auth

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/document-vault/internal/config"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func newTestVerifier(t *testing.T) *Verifier {
	t.Helper()
	v, err := NewVerifier(config.AuthConfig{
		JWTSecret: testSecret,
		Issuer:    "document-vault",
		TokenTTL:  time.Hour,
		AdminRole: "admin",
	})
	require.NoError(t, err)
	return v
}

func TestNewVerifier_ShortSecret(t *testing.T) {
	_, err := NewVerifier(config.AuthConfig{JWTSecret: "short"})
	assert.Error(t, err)
}

func TestVerify(t *testing.T) {
	v := newTestVerifier(t)

	token, err := v.GenerateToken("user123", "user")
	require.NoError(t, err)
	id, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "user123", id.UserID)
	assert.False(t, id.Admin)

	token, err = v.GenerateToken("reviewer01", "admin")
	require.NoError(t, err)
	id, err = v.Verify(token)
	require.NoError(t, err)
	assert.True(t, id.Admin)
}

func TestVerify_Rejections(t *testing.T) {
	v := newTestVerifier(t)

	other, err := NewVerifier(config.AuthConfig{JWTSecret: "ffffffffffffffffffffffffffffffff", Issuer: "document-vault"})
	require.NoError(t, err)
	foreign, err := other.GenerateToken("user123", "admin")
	require.NoError(t, err)

	wrongIssuer, err := NewVerifier(config.AuthConfig{JWTSecret: testSecret, Issuer: "someone-else"})
	require.NoError(t, err)
	misissued, err := wrongIssuer.GenerateToken("user123", "")
	require.NoError(t, err)

	noSubject, err := v.GenerateToken("", "")
	require.NoError(t, err)

	v.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	expired, err := v.GenerateToken("user123", "")
	require.NoError(t, err)
	v.now = time.Now

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "user123", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := map[string]string{
		"foreign secret": foreign,
		"wrong issuer":   misissued,
		"no subject":     noSubject,
		"expired":        expired,
		"alg none":       none,
		"garbage":        "not.a.token",
	}
	for name, token := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := v.Verify(token)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}

	_, err = v.Verify("  ")
	assert.ErrorIs(t, err, ErrMissingToken)
}

func TestMiddleware(t *testing.T) {
	v := newTestVerifier(t)
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	var seen *Identity
	handler := Middleware(v, logger, func(w http.ResponseWriter, r *http.Request, err error) {
		http.Error(w, err.Error(), http.StatusUnauthorized)
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = FromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/documents", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Nil(t, seen)

	token, err := v.GenerateToken("user123", "")
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/documents", nil)
	req.Header.Set("Authorization", "bearer "+token)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	require.NotNil(t, seen)
	assert.Equal(t, "user123", seen.UserID)
}
