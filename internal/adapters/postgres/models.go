package postgres

import (
	"time"

	"github.com/google/uuid"
)

// userKeyModel mirrors the user_keys table the deployment already runs on.
// Column names are part of the external contract, hence the explicit tags.
type userKeyModel struct {
	ID        int64     `gorm:"column:id;primaryKey"`
	KeyValue  string    `gorm:"column:key_value"`
	MachineID *string   `gorm:"column:machine_id"`
	ExpiresAt time.Time `gorm:"column:expires_at"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

func (userKeyModel) TableName() string { return "user_keys" }

type licenseOutboxModel struct {
	OutboxID       uuid.UUID  `gorm:"column:outbox_id;type:uuid;primaryKey"`
	EventType      string     `gorm:"column:event_type"`
	PartitionKey   string     `gorm:"column:partition_key"`
	Payload        string     `gorm:"column:payload;type:jsonb"`
	CreatedAt      time.Time  `gorm:"column:created_at"`
	FirstSeenAt    time.Time  `gorm:"column:first_seen_at"`
	PublishedAt    *time.Time `gorm:"column:published_at"`
	RetryCount     int        `gorm:"column:retry_count"`
	LastError      *string    `gorm:"column:last_error"`
	LastErrorAt    *time.Time `gorm:"column:last_error_at"`
	ClaimToken     *string    `gorm:"column:claim_token"`
	ClaimUntil     *time.Time `gorm:"column:claim_until"`
	DeadLetteredAt *time.Time `gorm:"column:dead_lettered_at"`
}

func (licenseOutboxModel) TableName() string { return "license_outbox" }
