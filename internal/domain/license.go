package domain

import "time"

// LicenseRecord is the sole persistent entity: one provisioned license key and
// the machine identity it is bound to. MachineID is nil until the key is
// claimed; the binding is permanent, there is no unbind operation.
type LicenseRecord struct {
	ID        int64
	Key       string
	MachineID *string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Expired reports whether the record's expiry instant has passed.
func (r LicenseRecord) Expired(now time.Time) bool {
	return r.ExpiresAt.Before(now)
}

// BoundTo reports whether the record is bound to the given machine identity.
func (r LicenseRecord) BoundTo(machineID string) bool {
	return r.MachineID != nil && *r.MachineID == machineID
}

// Unbound reports whether the key has never been claimed.
func (r LicenseRecord) Unbound() bool {
	return r.MachineID == nil
}
