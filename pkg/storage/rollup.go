package storage

import (
	"context"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Rollup is one screening status count of a batch screening run.
type Rollup struct {
	ID        string            `gorm:"primaryKey;column:id"`
	RunID     string            `gorm:"column:run_id;index"`
	Status    string            `gorm:"column:status"`
	Patients  int               `gorm:"column:patients"`
	Stats     datatypes.JSONMap `gorm:"column:stats"`
	RunTime   time.Time         `gorm:"column:run_time"`
	CreatedAt time.Time         `gorm:"column:created_at"`
}

func (Rollup) TableName() string {
	return "screening_rollups"
}

type RollupWriter struct {
	db *gorm.DB
}

func NewRollupWriter(db *gorm.DB) *RollupWriter {
	return &RollupWriter{db: db}
}

func (w *RollupWriter) AutoMigrate() error {
	return w.db.AutoMigrate(&Rollup{})
}

func (w *RollupWriter) Write(ctx context.Context, rollups []Rollup) error {
	if len(rollups) == 0 {
		return nil
	}
	now := time.Now().UTC()
	for i := range rollups {
		rollups[i].CreatedAt = now
	}
	return w.db.WithContext(ctx).Create(&rollups).Error
}

// Recent returns the rollups of the latest runs, newest first.
func (w *RollupWriter) Recent(ctx context.Context, status string, limit int) ([]Rollup, error) {
	if limit <= 0 {
		limit = 200
	}
	var rollups []Rollup
	tx := w.db.WithContext(ctx)
	if status != "" {
		tx = tx.Where("status = ?", status)
	}
	if err := tx.Order("run_time desc").Limit(limit).Find(&rollups).Error; err != nil {
		return nil, err
	}
	return rollups, nil
}
