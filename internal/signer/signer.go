// Package signer mints and verifies the engine's signed credentials: the
// daily entitlement token and the device/operator session tokens.
package signer

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	AudienceEntitlement = "entitlement"
	AudienceDevice      = "device"
	AudienceOperator    = "operator"
)

var (
	// ErrInvalid covers every verification failure other than expiry.
	ErrInvalid = errors.New("token is invalid")
	// ErrExpired is returned for a well-signed token past its exp.
	ErrExpired = errors.New("token has expired")
)

// EntitlementClaims are carried by the daily meal credential.
type EntitlementClaims struct {
	ServiceDate string `json:"service_date"`
	jwt.RegisteredClaims
}

// SessionClaims are carried by device and operator session tokens.
// Tokens minted before jti tracking existed have an empty ID.
type SessionClaims struct {
	Kind string `json:"kind"`
	jwt.RegisteredClaims
}

// Signer signs with Ed25519. EdDSA signatures are deterministic, so signing
// the same claims twice yields the same token string.
type Signer struct {
	issuer  string
	private ed25519.PrivateKey
	public  ed25519.PublicKey
}

// New builds a signer from a base64 encoded 32 byte seed.
func New(issuer, seedB64 string) (*Signer, error) {
	seed, err := base64.StdEncoding.DecodeString(seedB64)
	if err != nil {
		return nil, fmt.Errorf("failed to decode signing seed: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("signing seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return FromKey(issuer, ed25519.NewKeyFromSeed(seed)), nil
}

func FromKey(issuer string, key ed25519.PrivateKey) *Signer {
	return &Signer{
		issuer:  issuer,
		private: key,
		public:  key.Public().(ed25519.PublicKey),
	}
}

// NewVerifier builds a signer that can only verify, from a published key.
func NewVerifier(issuer string, public ed25519.PublicKey) *Signer {
	return &Signer{issuer: issuer, public: public}
}

// GenerateSeed returns a fresh base64 encoded seed.
func GenerateSeed() (string, error) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return "", fmt.Errorf("failed to generate seed: %w", err)
	}
	return base64.StdEncoding.EncodeToString(seed), nil
}

func (s *Signer) Issuer() string {
	return s.issuer
}

func (s *Signer) PublicKey() ed25519.PublicKey {
	return s.public
}

// SignEntitlement signs the credential for customerID on serviceDate.
func (s *Signer) SignEntitlement(jti, customerID, serviceDate string, issuedAt, expiresAt time.Time) (string, error) {
	claims := EntitlementClaims{
		ServiceDate: serviceDate,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Issuer:    s.issuer,
			Subject:   customerID,
			Audience:  jwt.ClaimStrings{AudienceEntitlement},
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	return s.sign(claims)
}

// SignSession signs a session token. kind is also the audience.
func (s *Signer) SignSession(jti, kind, principal string, issuedAt, expiresAt time.Time) (string, error) {
	claims := SessionClaims{
		Kind: kind,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Issuer:    s.issuer,
			Subject:   principal,
			Audience:  jwt.ClaimStrings{kind},
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	return s.sign(claims)
}

func (s *Signer) sign(claims jwt.Claims) (string, error) {
	if s.private == nil {
		return "", errors.New("signer has no private key")
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(s.private)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return token, nil
}

// VerifyEntitlement checks signature, issuer, audience and expiry as of now.
// A token is rejected at exactly its exp instant.
func (s *Signer) VerifyEntitlement(raw string, now time.Time) (*EntitlementClaims, error) {
	claims := &EntitlementClaims{}
	if err := s.parse(raw, claims, AudienceEntitlement, now); err != nil {
		return nil, err
	}
	if claims.ID == "" || claims.Subject == "" || claims.ServiceDate == "" {
		return nil, ErrInvalid
	}
	return claims, nil
}

// VerifySession checks a session token of the given kind.
func (s *Signer) VerifySession(raw, kind string, now time.Time) (*SessionClaims, error) {
	claims := &SessionClaims{}
	if err := s.parse(raw, claims, kind, now); err != nil {
		return nil, err
	}
	if claims.Subject == "" || claims.Kind != kind {
		return nil, ErrInvalid
	}
	return claims, nil
}

func (s *Signer) parse(raw string, claims jwt.Claims, audience string, now time.Time) error {
	_, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return s.public, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrExpired
	default:
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
}
