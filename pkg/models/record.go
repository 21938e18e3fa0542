package models

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DeploymentRecord is the durable journal row mirroring the latest snapshot of
// a deployment. The in-memory cache stays authoritative at runtime; the journal
// only restores observability across restarts.
type DeploymentRecord struct {
	ID          string `gorm:"primaryKey"`
	ModelID     string `gorm:"index"`
	Status      string `gorm:"index"`
	Progress    int
	CurrentStep string
	Error       string
	Attempts    int
	StartedAt   time.Time
	EndedAt     *time.Time
	UpdatedAt   time.Time
}

// RecordOf flattens a snapshot into its journal row.
func RecordOf(d *Deployment) *DeploymentRecord {
	return &DeploymentRecord{
		ID:          d.ID,
		ModelID:     d.ModelID,
		Status:      string(d.Status),
		Progress:    d.Progress,
		CurrentStep: d.CurrentStep,
		Error:       d.Error,
		Attempts:    d.Attempts,
		StartedAt:   d.StartedAt,
		EndedAt:     d.EndedAt,
	}
}

// SaveDeploymentRecord upserts the journal row for a snapshot.
func SaveDeploymentRecord(db *gorm.DB, d *Deployment) error {
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(RecordOf(d)).Error
}

// DeleteDeploymentRecords removes all journal rows for a model.
func DeleteDeploymentRecords(db *gorm.DB, modelID string) error {
	return db.Where("model_id = ?", modelID).Delete(&DeploymentRecord{}).Error
}

// GetDeploymentRecords lists journal rows, newest first.
func GetDeploymentRecords(db *gorm.DB) ([]DeploymentRecord, error) {
	var records []DeploymentRecord
	result := db.Order("started_at DESC").Find(&records)
	return records, result.Error
}
