package postgres

import (
	"github.com/lucap123/machine-auth-service/internal/ports"
	"gorm.io/gorm"
)

// Repositories bundles the store-backed gateway implementations.
type Repositories struct {
	Licenses ports.LicenseRepository
	Outbox   ports.OutboxRepository
}

// NewRepositories wires all repositories onto one shared connection pool.
func NewRepositories(db *gorm.DB) Repositories {
	return Repositories{
		Licenses: &licenseRepository{db: db},
		Outbox:   &outboxRepository{db: db},
	}
}
