package postgres

import (
	"context"
	"errors"

	"github.com/lucap123/machine-auth-service/internal/domain"
	"github.com/lucap123/machine-auth-service/internal/ports"
	"gorm.io/gorm"
)

type licenseRepository struct {
	db *gorm.DB
}

func (r *licenseRepository) FindByMachine(ctx context.Context, machineID string) (domain.LicenseRecord, error) {
	var rec userKeyModel
	if err := r.db.WithContext(ctx).Where("machine_id = ?", machineID).Take(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.LicenseRecord{}, domain.ErrNotFound
		}
		return domain.LicenseRecord{}, err
	}
	return toDomainRecord(rec), nil
}

func (r *licenseRepository) FindByKey(ctx context.Context, key string) (domain.LicenseRecord, error) {
	var rec userKeyModel
	if err := r.db.WithContext(ctx).Where("key_value = ?", key).Take(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.LicenseRecord{}, domain.ErrNotFound
		}
		return domain.LicenseRecord{}, err
	}
	return toDomainRecord(rec), nil
}

// BindIfUnbound claims the key with a single guarded UPDATE; the machine_id IS
// NULL predicate is what makes concurrent first activations resolve to exactly
// one winner. RowsAffected == 0 is disambiguated with a follow-up existence
// check, and the activation event rides in the same transaction as the bind.
func (r *licenseRepository) BindIfUnbound(ctx context.Context, key, machineID string, event ports.OutboxEvent) (ports.BindResult, error) {
	result := ports.BindNotFound
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&userKeyModel{}).
			Where("key_value = ? AND machine_id IS NULL", key).
			Update("machine_id", machineID)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			var count int64
			if err := tx.Model(&userKeyModel{}).Where("key_value = ?", key).Count(&count).Error; err != nil {
				return err
			}
			if count == 0 {
				result = ports.BindNotFound
			} else {
				result = ports.BindAlreadyBound
			}
			return nil
		}

		result = ports.BindApplied
		payload := event.Payload
		if len(payload) == 0 {
			payload = []byte(`{}`)
		}
		outbox := licenseOutboxModel{
			OutboxID:     event.EventID,
			EventType:    event.EventType,
			PartitionKey: event.PartitionKey,
			Payload:      string(payload),
			CreatedAt:    event.OccurredAt,
			FirstSeenAt:  event.OccurredAt,
		}
		return tx.Create(&outbox).Error
	})
	if err != nil {
		return ports.BindNotFound, err
	}
	return result, nil
}

func toDomainRecord(rec userKeyModel) domain.LicenseRecord {
	return domain.LicenseRecord{
		ID:        rec.ID,
		Key:       rec.KeyValue,
		MachineID: rec.MachineID,
		ExpiresAt: rec.ExpiresAt,
		CreatedAt: rec.CreatedAt,
	}
}
