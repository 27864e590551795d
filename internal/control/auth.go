package control

import (
	"crypto/subtle"
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// Claims is the control-plane JWT payload.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// TokenService mints and validates control-plane JWTs.
type TokenService struct {
	secret    []byte
	expiresIn time.Duration
}

// NewTokenService returns a configured token service.
func NewTokenService(secret string, expiresIn time.Duration) *TokenService {
	if expiresIn <= 0 {
		expiresIn = time.Hour
	}
	return &TokenService{secret: []byte(secret), expiresIn: expiresIn}
}

// ExpiresIn is the lifetime of minted tokens.
func (t *TokenService) ExpiresIn() time.Duration {
	return t.expiresIn
}

// GenerateToken issues a JWT for an authenticated operator.
func (t *TokenService) GenerateToken() (string, error) {
	now := time.Now().UTC()
	claims := Claims{
		Role: "operator",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "voltfleet-control",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.expiresIn)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(t.secret)
}

// ValidateToken verifies and decodes a JWT.
func (t *TokenService) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("token: unexpected signing method")
		}
		return t.secret, nil
	})
	if err != nil {
		return nil, err
	}
	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, errors.New("token: invalid claims")
}

// keyChecker verifies presented API keys. A configured bcrypt hash wins
// over the plain key; the plain compare is constant time.
type keyChecker struct {
	plain string
	hash  string
}

func (k keyChecker) check(presented string) bool {
	if presented == "" {
		return false
	}
	if k.hash != "" {
		return bcrypt.CompareHashAndPassword([]byte(k.hash), []byte(presented)) == nil
	}
	if k.plain == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(k.plain), []byte(presented)) == 1
}

// rateLimiter is a fixed-window hourly counter per credential.
type rateLimiter struct {
	limit int
	now   func() time.Time

	mu      sync.Mutex
	windows map[string]*rateWindow
}

type rateWindow struct {
	start time.Time
	count int
}

func newRateLimiter(limit int) *rateLimiter {
	return &rateLimiter{
		limit:   limit,
		now:     time.Now,
		windows: make(map[string]*rateWindow),
	}
}

// allow counts the request against the credential's current hour window.
func (l *rateLimiter) allow(key string) bool {
	if l.limit <= 0 {
		return true
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w := l.windows[key]
	if w == nil || now.Sub(w.start) >= time.Hour {
		w = &rateWindow{start: now}
		l.windows[key] = w
	}
	if w.count >= l.limit {
		return false
	}
	w.count++
	return true
}
