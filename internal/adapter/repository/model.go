package repository

import "time"

// BackupModel is the gorm row backing domain.Backup, keyed by app name and
// captured timestamp so history accumulates across cleanups.
type BackupModel struct {
	AppName               string `gorm:"primaryKey"`
	CreatedAt             time.Time `gorm:"primaryKey"`
	ServiceConfigs        string `gorm:"type:jsonb"`
	InfrastructurePayload []byte
}

func (BackupModel) TableName() string { return "app_backup" }
