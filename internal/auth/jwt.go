package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/kenneth/document-vault/internal/config"
)

var (
	// ErrMissingToken is returned when the request carries no bearer token.
	ErrMissingToken = errors.New("missing bearer token")
	// ErrInvalidToken covers bad signatures, expiry, wrong issuer and missing subject.
	ErrInvalidToken = errors.New("invalid bearer token")
)

// Claims is the token payload. The subject is the owner id.
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role,omitempty"`
}

// Identity is the verified caller.
type Identity struct {
	UserID string
	Role   string
	Admin  bool
}

// Verifier issues and verifies HS256 bearer tokens.
type Verifier struct {
	secret    []byte
	issuer    string
	ttl       time.Duration
	adminRole string
	now       func() time.Time
}

// NewVerifier creates a Verifier from the auth config section.
func NewVerifier(cfg config.AuthConfig) (*Verifier, error) {
	if len(cfg.JWTSecret) < 32 {
		return nil, fmt.Errorf("auth: jwt secret must be at least 32 characters")
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Verifier{
		secret:    []byte(cfg.JWTSecret),
		issuer:    cfg.Issuer,
		ttl:       ttl,
		adminRole: cfg.AdminRole,
		now:       time.Now,
	}, nil
}

// GenerateToken signs a token for userID with the given role.
func (v *Verifier) GenerateToken(userID, role string) (string, error) {
	now := v.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(v.ttl)),
		},
		Role: role,
	})

	tokenString, err := token.SignedString(v.secret)
	if err != nil {
		return "", err
	}
	return tokenString, nil
}

// Verify parses tokenString and returns the identity it carries.
func (v *Verifier) Verify(tokenString string) (*Identity, error) {
	tokenString = strings.TrimSpace(tokenString)
	if tokenString == "" {
		return nil, ErrMissingToken
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	return &Identity{
		UserID: claims.Subject,
		Role:   claims.Role,
		Admin:  v.adminRole != "" && claims.Role == v.adminRole,
	}, nil
}
