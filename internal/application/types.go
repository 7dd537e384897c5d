package application

import "time"

// RejectReason classifies why an authentication attempt was turned down.
// Reasons are stable codes; the human-readable text travels in the outcome message.
type RejectReason string

const (
	ReasonInvalidInput    RejectReason = "INVALID_INPUT"
	ReasonNotRegistered   RejectReason = "NOT_REGISTERED"
	ReasonInvalidKey      RejectReason = "INVALID_KEY"
	ReasonExpired         RejectReason = "EXPIRED"
	ReasonKeyInUse        RejectReason = "KEY_IN_USE"
	ReasonTooManyAttempts RejectReason = "TOO_MANY_ATTEMPTS"
)

// AuthRequest carries one authentication attempt. Key selects the flow:
// absent means auto-login by machine identity, present means
// activation/validation of that key.
type AuthRequest struct {
	MachineID string `json:"machineId"`
	Key       string `json:"key,omitempty"`
}

// AuthOutcome is the engine's decision for one attempt. Exactly one of the
// success and rejection halves is populated: Reason is empty when Success is
// true, and Token/ExpiresAt are zero when it is false. Business rejections are
// outcomes, not errors; only infrastructure failures surface as a Go error
// alongside a zero AuthOutcome.
type AuthOutcome struct {
	Success   bool
	Reason    RejectReason
	Message   string
	Activated bool
	Token     string
	ExpiresAt time.Time
}

// MachineStatus is the read-only view of a bound machine's license state.
type MachineStatus struct {
	MachineID string
	ExpiresAt time.Time
	IsExpired bool
	Status    string
}

// Config holds the decision engine's tunables.
type Config struct {
	TokenTTL           time.Duration
	StoreTimeout       time.Duration
	FailedKeyThreshold int
	KeyLockoutDuration time.Duration
}
