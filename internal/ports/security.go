package ports

import "time"

// LicenseClaims is the signed content of a license token issued on a
// successful authentication. Expiry is capped at the license record's own
// expiry so a token can never outlive its license.
type LicenseClaims struct {
	MachineID string
	RecordID  int64
	IssuedAt  time.Time
	ExpiresAt time.Time
	KeyID     string
}

// TokenSigner signs and validates license tokens.
// Keys live at adapter level so the application stays crypto-library agnostic.
type TokenSigner interface {
	Sign(claims LicenseClaims) (string, error)
	ParseAndValidate(raw string) (LicenseClaims, error)
}
