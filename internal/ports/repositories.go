package ports

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/lucap123/machine-auth-service/internal/domain"
)

// BindResult is the tri-state outcome of the conditional bind write.
// AlreadyBound is distinguished from NotFound so a caller that lost a bind
// race can resolve deterministically instead of reporting a missing key.
type BindResult int

const (
	BindApplied BindResult = iota
	BindAlreadyBound
	BindNotFound
)

// LicenseRepository is the narrow gateway over the license key record store.
// It owns no decision logic; FindByMachine/FindByKey return domain.ErrNotFound
// when no record matches, and any other error is an infrastructure failure.
type LicenseRepository interface {
	FindByMachine(ctx context.Context, machineID string) (domain.LicenseRecord, error)
	FindByKey(ctx context.Context, key string) (domain.LicenseRecord, error)

	// BindIfUnbound sets machine_id on the record matching key only if it is
	// currently null, as one atomic conditional write. The activation event is
	// enqueued in the same transaction when the bind applies, so the write and
	// its audit trail cannot diverge.
	BindIfUnbound(ctx context.Context, key, machineID string, event OutboxEvent) (BindResult, error)
}

// OutboxEvent is the write-side event payload prior to storage.
// It is adapter-neutral to keep application code independent of broker specifics.
type OutboxEvent struct {
	EventID      uuid.UUID
	EventType    string
	PartitionKey string
	Payload      []byte
	OccurredAt   time.Time
}

// OutboxRecord represents durable outbox state, including retry/error metadata.
type OutboxRecord struct {
	OutboxID       uuid.UUID
	EventType      string
	PartitionKey   string
	Payload        []byte
	RetryCount     int
	LastError      *string
	CreatedAt      time.Time
	PublishedAt    *time.Time
	LastErrorAt    *time.Time
	FirstSeenAt    time.Time
	ClaimToken     *string
	ClaimUntil     *time.Time
	DeadLetteredAt *time.Time
}

// OutboxRepository controls the publish-retry workflow for activation events.
type OutboxRepository interface {
	ClaimUnpublished(ctx context.Context, limit int, claimToken string, claimUntil time.Time) ([]OutboxRecord, error)
	MarkPublished(ctx context.Context, outboxID uuid.UUID, claimToken string, at time.Time) error
	MarkFailed(ctx context.Context, outboxID uuid.UUID, claimToken, errMsg string, at time.Time) error
	MarkDeadLettered(ctx context.Context, outboxID uuid.UUID, claimToken, errMsg string, at time.Time) error
}
