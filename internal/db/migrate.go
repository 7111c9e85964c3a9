package db

import (
	"encoding/json"
	"fmt"

	"github.com/kelurahan/switchboard/internal/config"
	"github.com/kelurahan/switchboard/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AllModels returns every GORM model of the sandbox backend.
func AllModels() []interface{} {
	return []interface{}{
		&models.Tenant{},
		&models.ChannelSession{},
		&models.Conversation{},
		&models.Message{},
		&models.ProcessingStatus{},
		&models.AuditEntry{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}

// SeedTenants upserts Tenant rows from configuration.
func SeedTenants(db *gorm.DB, tenants []config.TenantConfig) error {
	for _, tc := range tenants {
		name := tc.Name
		if name == "" {
			name = tc.ID
		}
		tenant := models.Tenant{ID: tc.ID, Name: name}
		result := db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "updated_at"}),
		}).Create(&tenant)
		if result.Error != nil {
			return fmt.Errorf("db: seed tenant %q: %w", tc.ID, result.Error)
		}
	}
	return nil
}

// RecordAudit persists a privileged action.
func RecordAudit(db *gorm.DB, tenantID, action, target string, details map[string]interface{}) error {
	payload, err := marshalJSON(details)
	if err != nil {
		return fmt.Errorf("db: marshal audit details: %w", err)
	}
	entry := models.AuditEntry{TenantID: tenantID, Action: action, Target: target, Details: payload}
	if err := db.Create(&entry).Error; err != nil {
		return fmt.Errorf("db: record audit %s: %w", action, err)
	}
	return nil
}

// marshalJSON marshals a value to a JSON string, returning empty string for nil.
func marshalJSON(v interface{}) (string, error) {
	if v == nil {
		return "", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
