package usertoken

import (
	"errors"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"docuchat/pkg/domain"
)

const (
	// DefaultTokenTTL is the default lifetime for user access tokens.
	DefaultTokenTTL = 24 * time.Hour
	// DefaultLeeway is clock skew tolerance for token validation.
	DefaultLeeway = 15 * time.Second
)

// Claims are the JWT claims carried by a user access token.
type Claims struct {
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Signer issues HS256 user tokens.
type Signer struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

// NewSigner builds a signer with the shared secret.
func NewSigner(secret, issuer string, ttl time.Duration) (*Signer, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("token secret required")
	}
	issuer = strings.TrimSpace(issuer)
	if issuer == "" {
		return nil, errors.New("token issuer required")
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &Signer{secret: []byte(secret), issuer: issuer, ttl: ttl}, nil
}

// Sign issues a token for the user.
func (s *Signer) Sign(user domain.User) (string, error) {
	if strings.TrimSpace(user.ID) == "" {
		return "", errors.New("user id required")
	}
	now := time.Now().UTC()
	claims := Claims{
		Email: user.Email,
		Role:  string(user.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Verifier validates user tokens against the shared secret and issuer.
type Verifier struct {
	secret []byte
	issuer string
	leeway time.Duration
}

// NewVerifier builds a verifier with the shared secret.
func NewVerifier(secret, issuer string, leeway time.Duration) (*Verifier, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("token secret required")
	}
	issuer = strings.TrimSpace(issuer)
	if issuer == "" {
		return nil, errors.New("token issuer required")
	}
	if leeway <= 0 {
		leeway = DefaultLeeway
	}
	return &Verifier{secret: []byte(secret), issuer: issuer, leeway: leeway}, nil
}

// Verify validates signature, expiry, and issuer, returning the claims.
func (v *Verifier) Verify(token string) (Claims, error) {
	claims := Claims{}
	token = strings.TrimSpace(token)
	if token == "" {
		return claims, errors.New("token required")
	}
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, errors.New("unsupported signing method")
		}
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(v.leeway),
	)
	if err != nil || !parsed.Valid {
		if err == nil {
			err = errors.New("invalid token")
		}
		return claims, err
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return claims, errors.New("subject required")
	}
	return claims, nil
}

// BearerToken extracts a bearer token from the request's Authorization
// header, falling back to the token query parameter for WebSocket clients
// that cannot set headers.
func BearerToken(r *http.Request) (string, bool) {
	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(authHeader, "Bearer ") {
		token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
		if token != "" {
			return token, true
		}
	}
	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		return token, true
	}
	return "", false
}
