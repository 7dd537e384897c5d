package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lucap123/machine-auth-service/internal/domain"
	"github.com/lucap123/machine-auth-service/internal/ports"
)

// Service is the authentication decision engine. Given a machine identity and
// an optional license key it decides the outcome against the record store and,
// for a first activation, performs the one permitted mutation: binding the key
// to the machine exactly once.
type Service struct {
	cfg         Config
	licenses    ports.LicenseRepository
	lockouts    ports.LockoutStore
	tokenSigner ports.TokenSigner
	nowFn       func() time.Time
}

type Dependencies struct {
	Config      Config
	Licenses    ports.LicenseRepository
	Lockouts    ports.LockoutStore
	TokenSigner ports.TokenSigner
}

func NewService(deps Dependencies) *Service {
	return &Service{
		cfg:         deps.Config,
		licenses:    deps.Licenses,
		lockouts:    deps.Lockouts,
		tokenSigner: deps.TokenSigner,
		nowFn:       func() time.Time { return time.Now().UTC() },
	}
}

// Authenticate runs one of the two flows selected by key presence.
// Rejections are returned as typed outcomes; the error return is reserved for
// store or signer failures the caller cannot act on beyond retrying.
func (s *Service) Authenticate(ctx context.Context, req AuthRequest) (AuthOutcome, error) {
	machineID := strings.TrimSpace(req.MachineID)
	if machineID == "" {
		return rejected(ReasonInvalidInput, "Machine ID is required. Please provide a valid machineId."), nil
	}

	ctx, cancel := s.withStoreTimeout(ctx)
	defer cancel()

	key := strings.TrimSpace(req.Key)
	if key == "" {
		return s.autoLogin(ctx, machineID)
	}
	return s.activate(ctx, machineID, key)
}

// autoLogin re-authenticates a machine already bound to some key.
func (s *Service) autoLogin(ctx context.Context, machineID string) (AuthOutcome, error) {
	rec, err := s.licenses.FindByMachine(ctx, machineID)
	if errors.Is(err, domain.ErrNotFound) {
		return rejected(ReasonNotRegistered, "Machine not registered. Please activate."), nil
	}
	if err != nil {
		return AuthOutcome{}, fmt.Errorf("find by machine: %w", err)
	}
	if rec.Expired(s.nowFn()) {
		return rejected(ReasonExpired, "Your license has expired."), nil
	}
	return s.success(rec, machineID, false, "Welcome back! Login successful.")
}

// activate validates a presented key and, when the key is unclaimed, binds it
// to the caller. Ordering is policy: expiry before ownership, ownership before
// the bind attempt. An expired key must never be activatable and a key claimed
// by another machine must never be silently rebound.
func (s *Service) activate(ctx context.Context, machineID, key string) (AuthOutcome, error) {
	lockKey := "activate:" + machineID
	if s.cfg.FailedKeyThreshold > 0 {
		state, err := s.lockouts.Get(ctx, lockKey)
		if err == nil && state.LockedUntil != nil && state.LockedUntil.After(s.nowFn()) {
			return rejected(ReasonTooManyAttempts, "Too many failed key attempts. Please try again later."), nil
		}
	}

	rec, err := s.licenses.FindByKey(ctx, key)
	if errors.Is(err, domain.ErrNotFound) {
		s.recordKeyFailure(ctx, lockKey)
		return rejected(ReasonInvalidKey, "Invalid key."), nil
	}
	if err != nil {
		return AuthOutcome{}, fmt.Errorf("find by key: %w", err)
	}
	if rec.Expired(s.nowFn()) {
		return rejected(ReasonExpired, "This key has expired."), nil
	}
	if rec.BoundTo(machineID) {
		_ = s.lockouts.Clear(ctx, lockKey)
		return s.success(rec, machineID, false, "Login successful.")
	}
	if !rec.Unbound() {
		return rejected(ReasonKeyInUse, "Key is already in use by another machine."), nil
	}

	now := s.nowFn()
	payload, _ := json.Marshal(map[string]any{
		"record_id":    rec.ID,
		"machine_id":   machineID,
		"activated_at": now,
	})
	result, err := s.licenses.BindIfUnbound(ctx, key, machineID, ports.OutboxEvent{
		EventID:      uuid.New(),
		EventType:    "license.activated",
		PartitionKey: key,
		Payload:      payload,
		OccurredAt:   now,
	})
	if err != nil {
		return AuthOutcome{}, fmt.Errorf("bind key: %w", err)
	}

	switch result {
	case ports.BindApplied:
		_ = s.lockouts.Clear(ctx, lockKey)
		rec.MachineID = &machineID
		out, err := s.success(rec, machineID, true, "Key successfully activated. Login successful.")
		return out, err
	case ports.BindNotFound:
		// Record vanished between read and write; surfaced as invalid key
		// rather than an infrastructure failure.
		s.recordKeyFailure(ctx, lockKey)
		return rejected(ReasonInvalidKey, "Invalid key."), nil
	default:
		return s.resolveBindConflict(ctx, machineID, key)
	}
}

// resolveBindConflict re-reads after a lost bind race and settles on the
// winner's state. Expiry was already checked and expires_at is immutable, so
// only ownership needs re-evaluation.
func (s *Service) resolveBindConflict(ctx context.Context, machineID, key string) (AuthOutcome, error) {
	rec, err := s.licenses.FindByKey(ctx, key)
	if errors.Is(err, domain.ErrNotFound) {
		return rejected(ReasonInvalidKey, "Invalid key."), nil
	}
	if err != nil {
		return AuthOutcome{}, fmt.Errorf("re-read after bind conflict: %w", err)
	}
	if rec.BoundTo(machineID) {
		return s.success(rec, machineID, false, "Login successful.")
	}
	return rejected(ReasonKeyInUse, "Key is already in use by another machine."), nil
}

// MachineStatus returns the bound record's expiry view for a machine.
// Pure read; domain.ErrNotFound propagates when the machine is unknown.
func (s *Service) MachineStatus(ctx context.Context, machineID string) (MachineStatus, error) {
	machineID = strings.TrimSpace(machineID)
	if machineID == "" {
		return MachineStatus{}, fmt.Errorf("%w: machine id is required", domain.ErrInvalidInput)
	}

	ctx, cancel := s.withStoreTimeout(ctx)
	defer cancel()

	rec, err := s.licenses.FindByMachine(ctx, machineID)
	if err != nil {
		return MachineStatus{}, err
	}

	expired := rec.Expired(s.nowFn())
	status := "active"
	if expired {
		status = "expired"
	}
	return MachineStatus{
		MachineID: machineID,
		ExpiresAt: rec.ExpiresAt,
		IsExpired: expired,
		Status:    status,
	}, nil
}

// ValidateLicenseToken checks a previously issued license token.
// Used by the internal gRPC surface; never touches the record store.
func (s *Service) ValidateLicenseToken(_ context.Context, raw string) (ports.LicenseClaims, error) {
	claims, err := s.tokenSigner.ParseAndValidate(raw)
	if err != nil {
		return ports.LicenseClaims{}, domain.ErrUnauthorized
	}
	return claims, nil
}

func (s *Service) success(rec domain.LicenseRecord, machineID string, activated bool, message string) (AuthOutcome, error) {
	now := s.nowFn()
	tokenExpiry := now.Add(s.cfg.TokenTTL)
	if rec.ExpiresAt.Before(tokenExpiry) {
		tokenExpiry = rec.ExpiresAt
	}
	token, err := s.tokenSigner.Sign(ports.LicenseClaims{
		MachineID: machineID,
		RecordID:  rec.ID,
		IssuedAt:  now,
		ExpiresAt: tokenExpiry,
	})
	if err != nil {
		return AuthOutcome{}, fmt.Errorf("sign license token: %w", err)
	}
	return AuthOutcome{
		Success:   true,
		Message:   message,
		Activated: activated,
		Token:     token,
		ExpiresAt: rec.ExpiresAt,
	}, nil
}

func (s *Service) recordKeyFailure(ctx context.Context, lockKey string) {
	if s.cfg.FailedKeyThreshold <= 0 {
		return
	}
	_, _ = s.lockouts.RecordFailure(ctx, lockKey, s.nowFn(), s.cfg.FailedKeyThreshold, s.cfg.KeyLockoutDuration)
}

// withStoreTimeout bounds one logical call's store round-trips so a stalled
// store surfaces as an error instead of hanging the caller.
func (s *Service) withStoreTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.StoreTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.cfg.StoreTimeout)
}

func rejected(reason RejectReason, message string) AuthOutcome {
	return AuthOutcome{Reason: reason, Message: message}
}
