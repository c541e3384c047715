package training

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/viva-health/screening/pkg/ml/boost"
)

const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Model types.
const (
	ModelGP   = "gp"
	ModelQuiz = "quiz"
)

type JobModel struct {
	ID           uuid.UUID         `gorm:"type:uuid;primaryKey;column:id"`
	ModelType    string            `gorm:"column:model_type"`
	ModelName    string            `gorm:"column:model_name"`
	Config       datatypes.JSONMap `gorm:"column:config"`
	Status       string            `gorm:"column:status"`
	Metrics      datatypes.JSONMap `gorm:"column:metrics"`
	ArtifactPath string            `gorm:"column:artifact_path"`
	ErrorMessage string            `gorm:"column:error_message"`
	CreatedAt    time.Time         `gorm:"column:created_at"`
	UpdatedAt    time.Time         `gorm:"column:updated_at"`
	StartedAt    *time.Time        `gorm:"column:started_at"`
	CompletedAt  *time.Time        `gorm:"column:completed_at"`
}

func (JobModel) TableName() string {
	return "training_jobs"
}

// Request describes one model fit. Test is used both for early stopping
// and for the reported evaluation.
type Request struct {
	ModelType string
	ModelName string
	Train     boost.Dataset
	Test      boost.Dataset
	Options   boost.Options
}

// Evaluation scores a model on held-out rows.
type Evaluation struct {
	MAE       float64 `json:"mae"`
	R2        float64 `json:"r2"`
	TrainRows int     `json:"train_rows"`
	TestRows  int     `json:"test_rows"`
}

type Artifact struct {
	JobID      uuid.UUID     `json:"job_id"`
	ModelName  string        `json:"model_name"`
	Path       string        `json:"path"`
	Evaluation Evaluation    `json:"evaluation"`
	Boosting   boost.Metrics `json:"boosting"`
}

// GPOptions are the boosting parameters of the GP risk model.
func GPOptions() boost.Options {
	return boost.Options{
		Rounds:              1000,
		LearningRate:        0.03,
		MaxDepth:            2,
		EarlyStoppingRounds: 50,
	}
}

// QuizOptions are the boosting parameters of the quiz model.
func QuizOptions() boost.Options {
	return boost.Options{
		Rounds:       1000,
		LearningRate: 0.03,
		MaxDepth:     3,
	}
}
