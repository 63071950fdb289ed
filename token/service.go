// Package token issues and verifies the stateless credentials used by signature
// links and authenticated sessions. Nothing is stored server side; revocation
// happens through contract state guards.
package token

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	// ErrExpiredToken signals a well-formed token whose expiry has passed.
	ErrExpiredToken = errors.New("token: expired, request a new link")
	// ErrInvalidToken signals a bad signature, an unexpected algorithm or a malformed token.
	ErrInvalidToken = errors.New("token: invalid")
	// ErrTokenMismatch signals a valid token presented for another signer, contract or email.
	ErrTokenMismatch = fmt.Errorf("%w: token does not match this signer", ErrInvalidToken)
)

const (
	kindSignature = "signature"
	kindAccess    = "access"

	DefaultSignatureTTL = time.Hour
	DefaultAccessTTL    = 24 * time.Hour
)

// Claims is the decoded signer/contract/email triple of a signature token.
type Claims struct {
	SignerID   string `json:"signerId"`
	ContractID string `json:"contractId"`
	Email      string `json:"email"`
	Kind       string `json:"kind"`
	jwt.RegisteredClaims
}

// AccessClaims identifies an authenticated account.
type AccessClaims struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
	Kind  string `json:"kind"`
	jwt.RegisteredClaims
}

// UserID returns the subject of the access token.
func (c AccessClaims) UserID() string {
	return c.Subject
}

// Service signs tokens with HS256.
type Service struct {
	secret       []byte
	signatureTTL time.Duration
	accessTTL    time.Duration
	now          func() time.Time
}

type Option func(*Service)

// WithClock replaces the wall clock used for issuing and verifying.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithTTLs overrides the default signature and access lifetimes. Zero keeps the default.
func WithTTLs(signature, access time.Duration) Option {
	return func(s *Service) {
		if signature > 0 {
			s.signatureTTL = signature
		}
		if access > 0 {
			s.accessTTL = access
		}
	}
}

func NewService(secret string, opts ...Option) *Service {
	s := &Service{
		secret:       []byte(secret),
		signatureTTL: DefaultSignatureTTL,
		accessTTL:    DefaultAccessTTL,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// IssueSignature returns a token binding signer, contract and email until now+ttl.
// Every call yields a distinct token through a fresh jti.
func (s *Service) IssueSignature(signerID, contractID, email string, ttl time.Duration) (string, time.Time, error) {
	if signerID == "" || contractID == "" {
		return "", time.Time{}, fmt.Errorf("token: signer and contract ids are required")
	}
	if ttl <= 0 {
		ttl = s.signatureTTL
	}
	now := s.now()
	exp := now.Add(ttl)
	claims := Claims{
		SignerID:   signerID,
		ContractID: contractID,
		Email:      email,
		Kind:       kindSignature,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   signerID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := s.sign(claims)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, claims.ExpiresAt.Time, nil
}

// Verify validates signature and expiry and returns the decoded triple.
func (s *Service) Verify(tokenString string) (Claims, error) {
	var claims Claims
	if err := s.parse(tokenString, &claims); err != nil {
		return Claims{}, err
	}
	if claims.Kind != kindSignature || claims.SignerID == "" || claims.ContractID == "" {
		return Claims{}, ErrInvalidToken
	}
	return claims, nil
}

// Match checks the verified claims against the caller's view of the signer.
// Email comparison is case-insensitive.
func (c Claims) Match(signerID, contractID, email string) error {
	if c.SignerID != signerID || c.ContractID != contractID {
		return ErrTokenMismatch
	}
	if email != "" && !strings.EqualFold(c.Email, email) {
		return ErrTokenMismatch
	}
	return nil
}

// IssueAccess returns a session token for an authenticated account.
func (s *Service) IssueAccess(userID, email, name string) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("token: user id is required")
	}
	now := s.now()
	return s.sign(AccessClaims{
		Email: email,
		Name:  name,
		Kind:  kindAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessTTL)),
		},
	})
}

func (s *Service) VerifyAccess(tokenString string) (AccessClaims, error) {
	var claims AccessClaims
	if err := s.parse(tokenString, &claims); err != nil {
		return AccessClaims{}, err
	}
	if claims.Kind != kindAccess || claims.Subject == "" {
		return AccessClaims{}, ErrInvalidToken
	}
	return claims, nil
}

func (s *Service) sign(claims jwt.Claims) (string, error) {
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("token: sign: %w", err)
	}
	return signed, nil
}

func (s *Service) parse(tokenString string, claims jwt.Claims) error {
	if tokenString == "" {
		return ErrInvalidToken
	}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return ErrExpiredToken
		}
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return nil
}
