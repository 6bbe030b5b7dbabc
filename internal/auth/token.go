package auth

import (
	"errors"
	"strconv"
	"time"

	"github.com/example/quietora/internal/apperr"
	"github.com/example/quietora/internal/models"
	"github.com/golang-jwt/jwt/v5"
)

// DefaultTokenTTL is the validity window of an issued session token.
const DefaultTokenTTL = 7 * 24 * time.Hour

var ErrNoSecret = errors.New("token signing secret is not configured")

// Claims are the identity assertions carried by a session token.
type Claims struct {
	UserID int64       `json:"uid"`
	Email  string      `json:"email"`
	Role   models.Role `json:"role"`
	jwt.RegisteredClaims
}

// ClaimsFor builds the claims describing u. Timestamps are filled in by Issue.
func ClaimsFor(u *models.User) Claims {
	return Claims{UserID: u.ID, Email: u.Email, Role: u.Role}
}

var errInvalidToken = apperr.Unauthorized("INVALID_TOKEN", "Invalid or expired token")

// TokenService signs and verifies HS256 session tokens.
type TokenService struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewTokenService(secret string, ttl time.Duration) (*TokenService, error) {
	if secret == "" {
		return nil, ErrNoSecret
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &TokenService{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// WithClock returns a copy of s that reads the current time from now.
func (s *TokenService) WithClock(now func() time.Time) *TokenService {
	c := *s
	c.now = now
	return &c
}

func (s *TokenService) TTL() time.Duration { return s.ttl }

// Issue signs c, stamping issued-at and expiry from the service clock.
func (s *TokenService) Issue(c Claims) (string, error) {
	now := s.now()
	c.RegisteredClaims = jwt.RegisteredClaims{
		Subject:   strconv.FormatInt(c.UserID, 10),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return token.SignedString(s.secret)
}

// Verify parses and validates a token. Any defect yields an Unauthorized error
// and no claims.
func (s *TokenService) Verify(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, errInvalidToken
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil || !token.Valid {
		return nil, errInvalidToken
	}
	if claims.UserID <= 0 || claims.Subject != strconv.FormatInt(claims.UserID, 10) {
		return nil, errInvalidToken
	}
	if !claims.Role.Valid() || claims.Email == "" {
		return nil, errInvalidToken
	}
	return claims, nil
}
