package unit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/lucap123/machine-auth-service/internal/application"
	"github.com/lucap123/machine-auth-service/internal/domain"
	"github.com/lucap123/machine-auth-service/internal/ports"
)

func TestAutoLoginUnregisteredMachine(t *testing.T) {
	t.Parallel()

	f := newFixture()
	ctx := context.Background()

	outcome, err := f.service.Authenticate(ctx, application.AuthRequest{MachineID: "machine-unknown"})
	if err != nil {
		t.Fatalf("authenticate failed: %v", err)
	}
	if outcome.Success {
		t.Fatalf("expected rejection for unregistered machine")
	}
	if outcome.Reason != application.ReasonNotRegistered {
		t.Fatalf("expected NOT_REGISTERED, got %s", outcome.Reason)
	}
	if outcome.Message != "Machine not registered. Please activate." {
		t.Fatalf("unexpected message: %q", outcome.Message)
	}
}

func TestAutoLoginBoundMachine(t *testing.T) {
	t.Parallel()

	f := newFixture()
	ctx := context.Background()
	f.licenses.seed("KEY-AAA", strPtr("machine-1"), time.Now().UTC().Add(24*time.Hour))

	outcome, err := f.service.Authenticate(ctx, application.AuthRequest{MachineID: "machine-1"})
	if err != nil {
		t.Fatalf("authenticate failed: %v", err)
	}
	if !outcome.Success {
		t.Fatalf("expected success, got %s: %s", outcome.Reason, outcome.Message)
	}
	if outcome.Message != "Welcome back! Login successful." {
		t.Fatalf("unexpected message: %q", outcome.Message)
	}
	if outcome.Activated {
		t.Fatalf("auto-login must not report a fresh activation")
	}
	if outcome.Token == "" {
		t.Fatalf("expected license token on success")
	}
}

func TestAutoLoginExpiredLicense(t *testing.T) {
	t.Parallel()

	f := newFixture()
	ctx := context.Background()
	f.licenses.seed("KEY-AAA", strPtr("machine-1"), time.Now().UTC().Add(-time.Hour))

	outcome, err := f.service.Authenticate(ctx, application.AuthRequest{MachineID: "machine-1"})
	if err != nil {
		t.Fatalf("authenticate failed: %v", err)
	}
	if outcome.Success || outcome.Reason != application.ReasonExpired {
		t.Fatalf("expected EXPIRED, got success=%v reason=%s", outcome.Success, outcome.Reason)
	}
	if outcome.Message != "Your license has expired." {
		t.Fatalf("unexpected message: %q", outcome.Message)
	}
}

func TestAuthenticateMissingMachineID(t *testing.T) {
	t.Parallel()

	f := newFixture()
	ctx := context.Background()

	for _, machineID := range []string{"", "   "} {
		outcome, err := f.service.Authenticate(ctx, application.AuthRequest{MachineID: machineID, Key: "KEY-AAA"})
		if err != nil {
			t.Fatalf("authenticate failed: %v", err)
		}
		if outcome.Success || outcome.Reason != application.ReasonInvalidInput {
			t.Fatalf("expected INVALID_INPUT for machineId %q, got %s", machineID, outcome.Reason)
		}
	}
}

func TestActivateUnknownKey(t *testing.T) {
	t.Parallel()

	f := newFixture()
	ctx := context.Background()

	outcome, err := f.service.Authenticate(ctx, application.AuthRequest{MachineID: "machine-1", Key: "KEY-NOPE"})
	if err != nil {
		t.Fatalf("authenticate failed: %v", err)
	}
	if outcome.Success || outcome.Reason != application.ReasonInvalidKey {
		t.Fatalf("expected INVALID_KEY, got %s", outcome.Reason)
	}
	if outcome.Message != "Invalid key." {
		t.Fatalf("unexpected message: %q", outcome.Message)
	}
}

func TestActivateExpiredKey(t *testing.T) {
	t.Parallel()

	f := newFixture()
	ctx := context.Background()
	f.licenses.seed("KEY-OLD", nil, time.Now().UTC().Add(-time.Minute))

	outcome, err := f.service.Authenticate(ctx, application.AuthRequest{MachineID: "machine-1", Key: "KEY-OLD"})
	if err != nil {
		t.Fatalf("authenticate failed: %v", err)
	}
	if outcome.Success || outcome.Reason != application.ReasonExpired {
		t.Fatalf("expected EXPIRED, got %s", outcome.Reason)
	}
	if outcome.Message != "This key has expired." {
		t.Fatalf("unexpected message: %q", outcome.Message)
	}
	if got := f.licenses.machineFor("KEY-OLD"); got != nil {
		t.Fatalf("expired key must never be bound, got machine %q", *got)
	}
}

func TestActivationLifecycle(t *testing.T) {
	t.Parallel()

	f := newFixture()
	ctx := context.Background()
	f.licenses.seed("KEY-AAA", nil, time.Now().UTC().Add(24*time.Hour))

	// First presentation of an unclaimed key binds it.
	outcome, err := f.service.Authenticate(ctx, application.AuthRequest{MachineID: "machine-1", Key: "KEY-AAA"})
	if err != nil {
		t.Fatalf("activation failed: %v", err)
	}
	if !outcome.Success || !outcome.Activated {
		t.Fatalf("expected fresh activation, got success=%v activated=%v", outcome.Success, outcome.Activated)
	}
	if outcome.Message != "Key successfully activated. Login successful." {
		t.Fatalf("unexpected message: %q", outcome.Message)
	}
	if got := f.licenses.machineFor("KEY-AAA"); got == nil || *got != "machine-1" {
		t.Fatalf("expected key bound to machine-1")
	}
	if events := f.licenses.drainEvents(); len(events) != 1 || events[0].EventType != "license.activated" {
		t.Fatalf("expected a single license.activated event, got %v", events)
	}

	// Re-presenting the same key from the owning machine is idempotent.
	outcome, err = f.service.Authenticate(ctx, application.AuthRequest{MachineID: "machine-1", Key: "KEY-AAA"})
	if err != nil {
		t.Fatalf("repeat activation failed: %v", err)
	}
	if !outcome.Success || outcome.Activated {
		t.Fatalf("expected idempotent login, got success=%v activated=%v", outcome.Success, outcome.Activated)
	}
	if outcome.Message != "Login successful." {
		t.Fatalf("unexpected message: %q", outcome.Message)
	}
	if events := f.licenses.drainEvents(); len(events) != 0 {
		t.Fatalf("idempotent login must not emit activation events")
	}

	// Subsequent keyless calls auto-login.
	outcome, err = f.service.Authenticate(ctx, application.AuthRequest{MachineID: "machine-1"})
	if err != nil {
		t.Fatalf("auto-login failed: %v", err)
	}
	if !outcome.Success || outcome.Message != "Welcome back! Login successful." {
		t.Fatalf("expected auto-login welcome, got %q", outcome.Message)
	}
}

func TestActivateKeyClaimedByAnotherMachine(t *testing.T) {
	t.Parallel()

	f := newFixture()
	ctx := context.Background()
	f.licenses.seed("KEY-AAA", strPtr("machine-1"), time.Now().UTC().Add(24*time.Hour))

	outcome, err := f.service.Authenticate(ctx, application.AuthRequest{MachineID: "machine-2", Key: "KEY-AAA"})
	if err != nil {
		t.Fatalf("authenticate failed: %v", err)
	}
	if outcome.Success || outcome.Reason != application.ReasonKeyInUse {
		t.Fatalf("expected KEY_IN_USE, got %s", outcome.Reason)
	}
	if outcome.Message != "Key is already in use by another machine." {
		t.Fatalf("unexpected message: %q", outcome.Message)
	}
	if got := f.licenses.machineFor("KEY-AAA"); got == nil || *got != "machine-1" {
		t.Fatalf("ownership must not change on a rejected claim")
	}
}

func TestActivateExpiryCheckedBeforeOwnership(t *testing.T) {
	t.Parallel()

	f := newFixture()
	ctx := context.Background()
	f.licenses.seed("KEY-AAA", strPtr("machine-1"), time.Now().UTC().Add(-time.Hour))

	// An expired key owned by someone else reports EXPIRED, not KEY_IN_USE.
	outcome, err := f.service.Authenticate(ctx, application.AuthRequest{MachineID: "machine-2", Key: "KEY-AAA"})
	if err != nil {
		t.Fatalf("authenticate failed: %v", err)
	}
	if outcome.Reason != application.ReasonExpired {
		t.Fatalf("expected EXPIRED before ownership check, got %s", outcome.Reason)
	}
}

func TestBindConflictResolvesToKeyInUse(t *testing.T) {
	t.Parallel()

	f := newFixture()
	ctx := context.Background()
	f.licenses.seed("KEY-AAA", nil, time.Now().UTC().Add(24*time.Hour))

	// Simulate losing the bind race: another machine claims the key between
	// this caller's read and its conditional write.
	f.licenses.beforeBind = func() {
		f.licenses.forceBind("KEY-AAA", "machine-other")
	}

	outcome, err := f.service.Authenticate(ctx, application.AuthRequest{MachineID: "machine-1", Key: "KEY-AAA"})
	if err != nil {
		t.Fatalf("authenticate failed: %v", err)
	}
	if outcome.Success || outcome.Reason != application.ReasonKeyInUse {
		t.Fatalf("expected KEY_IN_USE after lost race, got success=%v reason=%s", outcome.Success, outcome.Reason)
	}
}

func TestBindConflictResolvesToOwnWin(t *testing.T) {
	t.Parallel()

	f := newFixture()
	ctx := context.Background()
	f.licenses.seed("KEY-AAA", nil, time.Now().UTC().Add(24*time.Hour))

	// A retried request can race its own earlier attempt; the re-read must
	// settle on success when the caller turns out to hold the key.
	f.licenses.beforeBind = func() {
		f.licenses.forceBind("KEY-AAA", "machine-1")
	}

	outcome, err := f.service.Authenticate(ctx, application.AuthRequest{MachineID: "machine-1", Key: "KEY-AAA"})
	if err != nil {
		t.Fatalf("authenticate failed: %v", err)
	}
	if !outcome.Success || outcome.Activated {
		t.Fatalf("expected non-activating success after own win, got success=%v activated=%v", outcome.Success, outcome.Activated)
	}
	if outcome.Message != "Login successful." {
		t.Fatalf("unexpected message: %q", outcome.Message)
	}
}

func TestConcurrentActivationSingleWinner(t *testing.T) {
	t.Parallel()

	f := newFixture()
	ctx := context.Background()
	f.licenses.seed("KEY-AAA", nil, time.Now().UTC().Add(24*time.Hour))

	const contenders = 16
	outcomes := make([]application.AuthOutcome, contenders)
	errs := make([]error, contenders)

	var wg sync.WaitGroup
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i], errs[i] = f.service.Authenticate(ctx, application.AuthRequest{
				MachineID: fmt.Sprintf("machine-%d", i),
				Key:       "KEY-AAA",
			})
		}(i)
	}
	wg.Wait()

	winners := 0
	for i := 0; i < contenders; i++ {
		if errs[i] != nil {
			t.Fatalf("contender %d failed: %v", i, errs[i])
		}
		if outcomes[i].Success {
			winners++
			continue
		}
		if outcomes[i].Reason != application.ReasonKeyInUse {
			t.Fatalf("loser %d got %s, want KEY_IN_USE", i, outcomes[i].Reason)
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners)
	}
	if got := f.licenses.machineFor("KEY-AAA"); got == nil {
		t.Fatalf("key must be bound after the race")
	}
}

func TestLockoutAfterRepeatedInvalidKeys(t *testing.T) {
	t.Parallel()

	f := newFixtureWithConfig(application.Config{
		TokenTTL:           24 * time.Hour,
		FailedKeyThreshold: 3,
		KeyLockoutDuration: 15 * time.Minute,
	})
	ctx := context.Background()
	f.licenses.seed("KEY-AAA", nil, time.Now().UTC().Add(24*time.Hour))

	for i := 0; i < 3; i++ {
		outcome, err := f.service.Authenticate(ctx, application.AuthRequest{MachineID: "machine-1", Key: "KEY-WRONG"})
		if err != nil {
			t.Fatalf("attempt %d failed: %v", i, err)
		}
		if outcome.Reason != application.ReasonInvalidKey {
			t.Fatalf("attempt %d: expected INVALID_KEY, got %s", i, outcome.Reason)
		}
	}

	// Threshold reached: even a valid key is throttled until the window ends.
	outcome, err := f.service.Authenticate(ctx, application.AuthRequest{MachineID: "machine-1", Key: "KEY-AAA"})
	if err != nil {
		t.Fatalf("locked attempt failed: %v", err)
	}
	if outcome.Reason != application.ReasonTooManyAttempts {
		t.Fatalf("expected TOO_MANY_ATTEMPTS, got %s", outcome.Reason)
	}

	// A different machine is unaffected.
	outcome, err = f.service.Authenticate(ctx, application.AuthRequest{MachineID: "machine-2", Key: "KEY-AAA"})
	if err != nil {
		t.Fatalf("other machine attempt failed: %v", err)
	}
	if !outcome.Success {
		t.Fatalf("lockout must be scoped per machine, got %s", outcome.Reason)
	}
}

func TestLockoutDisabledAtZeroThreshold(t *testing.T) {
	t.Parallel()

	f := newFixtureWithConfig(application.Config{TokenTTL: 24 * time.Hour})
	ctx := context.Background()
	f.licenses.seed("KEY-AAA", nil, time.Now().UTC().Add(24*time.Hour))

	for i := 0; i < 20; i++ {
		if _, err := f.service.Authenticate(ctx, application.AuthRequest{MachineID: "machine-1", Key: "KEY-WRONG"}); err != nil {
			t.Fatalf("attempt %d failed: %v", i, err)
		}
	}
	outcome, err := f.service.Authenticate(ctx, application.AuthRequest{MachineID: "machine-1", Key: "KEY-AAA"})
	if err != nil {
		t.Fatalf("authenticate failed: %v", err)
	}
	if !outcome.Success {
		t.Fatalf("threshold zero must disable lockout, got %s", outcome.Reason)
	}
}

func TestMachineStatus(t *testing.T) {
	t.Parallel()

	f := newFixture()
	ctx := context.Background()
	f.licenses.seed("KEY-ACTIVE", strPtr("machine-1"), time.Now().UTC().Add(24*time.Hour))
	f.licenses.seed("KEY-STALE", strPtr("machine-2"), time.Now().UTC().Add(-time.Hour))

	status, err := f.service.MachineStatus(ctx, "machine-1")
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if status.IsExpired || status.Status != "active" {
		t.Fatalf("expected active status, got %+v", status)
	}

	status, err = f.service.MachineStatus(ctx, "machine-2")
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if !status.IsExpired || status.Status != "expired" {
		t.Fatalf("expected expired status, got %+v", status)
	}

	if _, err := f.service.MachineStatus(ctx, "machine-ghost"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown machine, got %v", err)
	}
	if _, err := f.service.MachineStatus(ctx, "  "); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for blank machine id, got %v", err)
	}
}

func TestStoreFailurePropagates(t *testing.T) {
	t.Parallel()

	f := newFixture()
	ctx := context.Background()
	f.licenses.failWith = errors.New("connection refused")

	if _, err := f.service.Authenticate(ctx, application.AuthRequest{MachineID: "machine-1"}); err == nil {
		t.Fatalf("expected store failure to surface as error")
	}
	if _, err := f.service.Authenticate(ctx, application.AuthRequest{MachineID: "machine-1", Key: "KEY-AAA"}); err == nil {
		t.Fatalf("expected store failure to surface as error on activation")
	}
}

func TestTokenExpiryCappedAtLicenseExpiry(t *testing.T) {
	t.Parallel()

	f := newFixtureWithConfig(application.Config{TokenTTL: 24 * time.Hour})
	ctx := context.Background()
	licenseExpiry := time.Now().UTC().Add(time.Hour)
	f.licenses.seed("KEY-AAA", strPtr("machine-1"), licenseExpiry)

	outcome, err := f.service.Authenticate(ctx, application.AuthRequest{MachineID: "machine-1"})
	if err != nil {
		t.Fatalf("authenticate failed: %v", err)
	}
	signed := f.signer.lastSigned()
	if signed.ExpiresAt.After(licenseExpiry) {
		t.Fatalf("token expiry %v must not outlive license expiry %v", signed.ExpiresAt, licenseExpiry)
	}
	if !outcome.ExpiresAt.Equal(licenseExpiry) {
		t.Fatalf("outcome must report the license expiry, got %v", outcome.ExpiresAt)
	}
}

func TestValidateLicenseToken(t *testing.T) {
	t.Parallel()

	f := newFixture()
	ctx := context.Background()
	f.licenses.seed("KEY-AAA", strPtr("machine-1"), time.Now().UTC().Add(24*time.Hour))

	outcome, err := f.service.Authenticate(ctx, application.AuthRequest{MachineID: "machine-1"})
	if err != nil {
		t.Fatalf("authenticate failed: %v", err)
	}

	claims, err := f.service.ValidateLicenseToken(ctx, outcome.Token)
	if err != nil {
		t.Fatalf("validate token failed: %v", err)
	}
	if claims.MachineID != "machine-1" {
		t.Fatalf("unexpected machine id in claims: %q", claims.MachineID)
	}

	if _, err := f.service.ValidateLicenseToken(ctx, "garbage"); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for bad token, got %v", err)
	}
}

func newFixture() *fixture {
	return newFixtureWithConfig(application.Config{
		TokenTTL:           24 * time.Hour,
		StoreTimeout:       5 * time.Second,
		FailedKeyThreshold: 10,
		KeyLockoutDuration: 15 * time.Minute,
	})
}

func newFixtureWithConfig(cfg application.Config) *fixture {
	licenses := &fakeLicenses{byKey: map[string]domain.LicenseRecord{}}
	lockouts := &fakeLockouts{states: map[string]ports.LockoutState{}}
	signer := &fakeSigner{}
	service := application.NewService(application.Dependencies{
		Config:      cfg,
		Licenses:    licenses,
		Lockouts:    lockouts,
		TokenSigner: signer,
	})
	return &fixture{
		service:  service,
		licenses: licenses,
		lockouts: lockouts,
		signer:   signer,
	}
}

type fixture struct {
	service  *application.Service
	licenses *fakeLicenses
	lockouts *fakeLockouts
	signer   *fakeSigner
}

type fakeLicenses struct {
	mu         sync.Mutex
	byKey      map[string]domain.LicenseRecord
	events     []ports.OutboxEvent
	nextID     int64
	failWith   error
	beforeBind func()
}

func (f *fakeLicenses) seed(key string, machineID *string, expiresAt time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.byKey[key] = domain.LicenseRecord{
		ID:        f.nextID,
		Key:       key,
		MachineID: machineID,
		ExpiresAt: expiresAt,
		CreatedAt: time.Now().UTC(),
	}
}

func (f *fakeLicenses) machineFor(key string) *string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.byKey[key].MachineID
}

func (f *fakeLicenses) forceBind(key, machineID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec := f.byKey[key]
	rec.MachineID = &machineID
	f.byKey[key] = rec
}

func (f *fakeLicenses) drainEvents() []ports.OutboxEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.events
	f.events = nil
	return out
}

func (f *fakeLicenses) FindByMachine(_ context.Context, machineID string) (domain.LicenseRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return domain.LicenseRecord{}, f.failWith
	}
	for _, rec := range f.byKey {
		if rec.MachineID != nil && *rec.MachineID == machineID {
			return rec, nil
		}
	}
	return domain.LicenseRecord{}, domain.ErrNotFound
}

func (f *fakeLicenses) FindByKey(_ context.Context, key string) (domain.LicenseRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return domain.LicenseRecord{}, f.failWith
	}
	rec, ok := f.byKey[key]
	if !ok {
		return domain.LicenseRecord{}, domain.ErrNotFound
	}
	return rec, nil
}

func (f *fakeLicenses) BindIfUnbound(_ context.Context, key, machineID string, event ports.OutboxEvent) (ports.BindResult, error) {
	if f.beforeBind != nil {
		f.beforeBind()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return ports.BindNotFound, f.failWith
	}
	rec, ok := f.byKey[key]
	if !ok {
		return ports.BindNotFound, nil
	}
	if rec.MachineID != nil {
		return ports.BindAlreadyBound, nil
	}
	rec.MachineID = &machineID
	f.byKey[key] = rec
	f.events = append(f.events, event)
	return ports.BindApplied, nil
}

type fakeLockouts struct {
	mu     sync.Mutex
	states map[string]ports.LockoutState
}

func (f *fakeLockouts) Get(_ context.Context, key string) (ports.LockoutState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.states[key], nil
}

func (f *fakeLockouts) RecordFailure(_ context.Context, key string, now time.Time, threshold int, lockoutWindow time.Duration) (ports.LockoutState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state := f.states[key]
	state.FailedCount++
	if threshold > 0 && state.FailedCount >= threshold {
		until := now.Add(lockoutWindow)
		state.LockedUntil = &until
	}
	f.states[key] = state
	return state, nil
}

func (f *fakeLockouts) Clear(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.states, key)
	return nil
}

// fakeSigner issues transparent tokens so tests can assert claims without
// real crypto.
type fakeSigner struct {
	mu      sync.Mutex
	last    ports.LicenseClaims
	byToken map[string]ports.LicenseClaims
}

func (f *fakeSigner) Sign(claims ports.LicenseClaims) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.byToken == nil {
		f.byToken = map[string]ports.LicenseClaims{}
	}
	token := fmt.Sprintf("token-%s-%d", claims.MachineID, claims.ExpiresAt.UnixNano())
	f.byToken[token] = claims
	f.last = claims
	return token, nil
}

func (f *fakeSigner) ParseAndValidate(raw string) (ports.LicenseClaims, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	claims, ok := f.byToken[raw]
	if !ok {
		return ports.LicenseClaims{}, errors.New("unknown token")
	}
	return claims, nil
}

func (f *fakeSigner) lastSigned() ports.LicenseClaims {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

func strPtr(s string) *string { return &s }
