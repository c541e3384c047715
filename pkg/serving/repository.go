package serving

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// PredictionLog is the persistence model for served predictions.
type PredictionLog struct {
	ID         uuid.UUID         `gorm:"primaryKey;column:id" json:"id"`
	NHSNumber  string            `gorm:"column:nhs_number;index" json:"nhs_number"`
	ModelName  string            `gorm:"column:model_name" json:"model_name"`
	Features   datatypes.JSONMap `gorm:"column:features" json:"features"`
	Multiplier float64           `gorm:"column:multiplier" json:"multiplier"`
	Status     string            `gorm:"column:status" json:"status,omitempty"`
	LatencyMs  float64           `gorm:"column:latency_ms" json:"latency_ms"`
	Latency    time.Duration     `gorm:"-" json:"-"`
	CreatedAt  time.Time         `gorm:"column:created_at" json:"created_at"`
}

// TableName overrides gorm naming.
func (PredictionLog) TableName() string {
	return "prediction_logs"
}

// Repository handles prediction log queries.
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) AutoMigrate() error {
	return r.db.AutoMigrate(&PredictionLog{})
}

func (r *Repository) RecordPrediction(ctx context.Context, entry PredictionLog) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if entry.Latency > 0 {
		entry.LatencyMs = float64(entry.Latency.Microseconds()) / 1000.0
	}
	return r.db.WithContext(ctx).Create(&entry).Error
}

// Recent returns the most recent prediction logs up to limit.
func (r *Repository) Recent(ctx context.Context, limit int) ([]PredictionLog, error) {
	if limit <= 0 {
		limit = 50
	}
	var logs []PredictionLog
	err := r.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Find(&logs).Error
	return logs, err
}
