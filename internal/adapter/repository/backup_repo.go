package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/chiwei-platform/fleetform/internal/domain"
)

// BackupRepo persists domain.Backup snapshots behind a narrow interface
// over gorm.DB.
type BackupRepo struct {
	db *gorm.DB
}

func NewBackupRepo(db *gorm.DB) *BackupRepo {
	return &BackupRepo{db: db}
}

func (r *BackupRepo) Save(ctx context.Context, backup *domain.Backup) error {
	cfgs, err := json.Marshal(backup.ServiceConfigs)
	if err != nil {
		return err
	}
	m := &BackupModel{
		AppName:               backup.AppName,
		CreatedAt:             time.Now(),
		ServiceConfigs:        string(cfgs),
		InfrastructurePayload: backup.InfrastructurePayload,
	}
	return r.db.WithContext(ctx).Create(m).Error
}

// Latest returns the most recently captured backup for appName.
func (r *BackupRepo) Latest(ctx context.Context, appName string) (*domain.Backup, error) {
	var m BackupModel
	result := r.db.WithContext(ctx).
		Where("app_name = ?", appName).
		Order("created_at DESC").
		First(&m)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, domain.ErrNotFound
		}
		return nil, result.Error
	}
	return modelToBackup(&m)
}

// DeleteOlderThan removes appName's backups captured before cutoff.
func (r *BackupRepo) DeleteOlderThan(ctx context.Context, appName string, cutoff time.Time) error {
	return r.db.WithContext(ctx).
		Where("app_name = ? AND created_at < ?", appName, cutoff).
		Delete(&BackupModel{}).Error
}

func modelToBackup(m *BackupModel) (*domain.Backup, error) {
	var cfgs []domain.ServiceConfig
	if m.ServiceConfigs != "" {
		if err := json.Unmarshal([]byte(m.ServiceConfigs), &cfgs); err != nil {
			return nil, err
		}
	}
	return &domain.Backup{
		AppName:               m.AppName,
		ServiceConfigs:        cfgs,
		InfrastructurePayload: m.InfrastructurePayload,
	}, nil
}
