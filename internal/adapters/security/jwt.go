package security

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lucap123/machine-auth-service/internal/ports"
)

// JWTSigner implements RS256 signing/parsing for license tokens.
// Keys are held at adapter level so application layer stays crypto-library agnostic.
type JWTSigner struct {
	kid        string
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
}

// NewJWTSigner builds a signer from configured PEM keys.
func NewJWTSigner(kid, privateKeyPEM, publicKeyPEM string) (*JWTSigner, error) {
	if kid == "" {
		return nil, errors.New("jwt key id (kid) is required")
	}
	if privateKeyPEM == "" || publicKeyPEM == "" {
		return nil, errors.New("jwt private/public keys are required")
	}

	priv, err := parseRSAPrivate(privateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	pub, err := parseRSAPublic(publicKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}

	return &JWTSigner{
		kid:        kid,
		privateKey: priv,
		publicKey:  pub,
	}, nil
}

// NewEphemeralJWTSigner creates an in-memory keypair for local/dev use.
// This exists to unblock runtime startup when static keys are intentionally absent.
func NewEphemeralJWTSigner(kid string) (*JWTSigner, error) {
	if kid == "" {
		kid = "ephemeral-key-1"
	}
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	return &JWTSigner{
		kid:        kid,
		privateKey: privateKey,
		publicKey:  &privateKey.PublicKey,
	}, nil
}

type licenseJWTClaims struct {
	MachineID string `json:"machine_id"`
	RecordID  int64  `json:"record_id"`
	jwt.RegisteredClaims
}

func (s *JWTSigner) Sign(claims ports.LicenseClaims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, licenseJWTClaims{
		MachineID: claims.MachineID,
		RecordID:  claims.RecordID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(claims.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(claims.ExpiresAt),
		},
	})
	token.Header["kid"] = s.kid
	return token.SignedString(s.privateKey)
}

func (s *JWTSigner) ParseAndValidate(raw string) (ports.LicenseClaims, error) {
	parsed, err := jwt.ParseWithClaims(raw, &licenseJWTClaims{}, func(token *jwt.Token) (any, error) {
		if token.Method.Alg() != jwt.SigningMethodRS256.Alg() {
			return nil, fmt.Errorf("unexpected signing method: %s", token.Method.Alg())
		}
		return s.publicKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}), jwt.WithLeeway(30*time.Second))
	if err != nil {
		return ports.LicenseClaims{}, err
	}
	claims, ok := parsed.Claims.(*licenseJWTClaims)
	if !ok || !parsed.Valid {
		return ports.LicenseClaims{}, errors.New("invalid token claims")
	}
	if claims.MachineID == "" {
		return ports.LicenseClaims{}, errors.New("missing machine_id claim")
	}

	kid, _ := parsed.Header["kid"].(string)

	return ports.LicenseClaims{
		MachineID: claims.MachineID,
		RecordID:  claims.RecordID,
		IssuedAt:  claims.IssuedAt.Time.UTC(),
		ExpiresAt: claims.ExpiresAt.Time.UTC(),
		KeyID:     kid,
	}, nil
}

func parseRSAPrivate(raw string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(raw))
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("PEM block is not an RSA private key")
	}
	return key, nil
}

func parseRSAPublic(raw string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(raw))
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	if key, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	key, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("PEM block is not an RSA public key")
	}
	return key, nil
}
