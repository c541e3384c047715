package training

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
	"gorm.io/datatypes"

	"github.com/viva-health/screening/pkg/common/logger"
	"github.com/viva-health/screening/pkg/common/models"
	"github.com/viva-health/screening/pkg/features"
	"github.com/viva-health/screening/pkg/ml/boost"
)

// Invalidator drops cached models after a new artifact is written.
type Invalidator interface {
	Invalidate(name string)
}

type Service struct {
	repo        *Repository
	invalidator Invalidator
	artifactDir string
}

type Option func(*Service)

// WithRepository records every run in training_jobs.
func WithRepository(repo *Repository) Option {
	return func(s *Service) { s.repo = repo }
}

func WithInvalidator(inv Invalidator) Option {
	return func(s *Service) { s.invalidator = inv }
}

func NewService(artifactDir string, opts ...Option) (*Service, error) {
	s := &Service{artifactDir: artifactDir}
	for _, opt := range opts {
		opt(s)
	}
	if err := os.MkdirAll(artifactDir, 0o755); err != nil {
		return nil, err
	}
	return s, nil
}

// GPDataset encodes GP training rows in model feature order.
func GPDataset(encoder *features.Encoder, records []models.PatientRecord, targets []float64) boost.Dataset {
	return boost.Dataset{
		FeatureNames: features.GPFeatureNames,
		Rows:         encoder.EncodeGPBatch(records),
		Labels:       targets,
	}
}

// QuizDataset encodes quiz training rows, whose symptoms column is already reduced.
func QuizDataset(encoder *features.Encoder, answers []models.QuizAnswers, targets []float64) (boost.Dataset, error) {
	rows := make([][]float64, len(answers))
	for i, a := range answers {
		row, err := encoder.EncodeQuizTraining(a)
		if err != nil {
			return boost.Dataset{}, fmt.Errorf("row %d: %w", i, err)
		}
		rows[i] = row
	}
	return boost.Dataset{FeatureNames: features.QuizFeatureNames, Rows: rows, Labels: targets}, nil
}

// Train fits one model, evaluates it on the test rows and saves it as
// <artifactDir>/<ModelName>.json.
func (s *Service) Train(ctx context.Context, req Request) (Artifact, error) {
	if req.ModelName == "" {
		return Artifact{}, errors.New("model name is required")
	}
	jobID := uuid.New()
	if err := s.createJob(ctx, jobID, req); err != nil {
		return Artifact{}, err
	}
	s.markRunning(ctx, jobID)

	logger.Log.WithFields(map[string]interface{}{
		"job_id":     jobID,
		"model":      req.ModelName,
		"train_rows": len(req.Train.Rows),
		"test_rows":  len(req.Test.Rows),
	}).Info("Starting model training")

	valid := &req.Test
	if len(req.Test.Rows) == 0 {
		valid = nil
	}
	model, boosting, err := boost.Train(req.Train, valid, req.Options)
	if err != nil {
		s.failJob(ctx, jobID, err)
		return Artifact{}, fmt.Errorf("train %s: %w", req.ModelName, err)
	}

	evaluation, err := Evaluate(model, req.Test)
	if err != nil {
		s.failJob(ctx, jobID, err)
		return Artifact{}, fmt.Errorf("evaluate %s: %w", req.ModelName, err)
	}
	evaluation.TrainRows = len(req.Train.Rows)

	path := filepath.Join(s.artifactDir, req.ModelName+".json")
	if err := model.Save(path); err != nil {
		s.failJob(ctx, jobID, err)
		return Artifact{}, fmt.Errorf("artifact write failed: %w", err)
	}
	if s.invalidator != nil {
		s.invalidator.Invalidate(req.ModelName)
	}

	artifact := Artifact{
		JobID:      jobID,
		ModelName:  req.ModelName,
		Path:       path,
		Evaluation: evaluation,
		Boosting:   boosting,
	}
	s.completeJob(ctx, jobID, artifact)

	logger.Log.WithFields(map[string]interface{}{
		"job_id":         jobID,
		"model":          req.ModelName,
		"rounds":         len(model.Trees),
		"best_iteration": boosting.BestIteration,
		"mae":            evaluation.MAE,
		"r2":             evaluation.R2,
		"path":           path,
	}).Info("Model training completed")
	return artifact, nil
}

// Evaluate reports mean absolute error and R² of model on d.
func Evaluate(model *boost.Model, d boost.Dataset) (Evaluation, error) {
	eval := Evaluation{TestRows: len(d.Rows)}
	if len(d.Rows) == 0 {
		return eval, nil
	}
	if len(d.Rows) != len(d.Labels) {
		return Evaluation{}, fmt.Errorf("%d rows but %d labels", len(d.Rows), len(d.Labels))
	}
	preds, err := model.PredictBatch(d.Rows)
	if err != nil {
		return Evaluation{}, err
	}
	eval.MAE = floats.Distance(preds, d.Labels, 1) / float64(len(preds))
	eval.R2 = stat.RSquaredFrom(preds, d.Labels, nil)
	return eval, nil
}

func (s *Service) createJob(ctx context.Context, jobID uuid.UUID, req Request) error {
	if s.repo == nil {
		return nil
	}
	now := time.Now().UTC()
	job := &JobModel{
		ID:        jobID,
		ModelType: req.ModelType,
		ModelName: req.ModelName,
		Config: datatypes.JSONMap{
			"rounds":                req.Options.Rounds,
			"learning_rate":         req.Options.LearningRate,
			"max_depth":             req.Options.MaxDepth,
			"early_stopping_rounds": req.Options.EarlyStoppingRounds,
		},
		Status:    StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return s.repo.Create(ctx, job)
}

func (s *Service) markRunning(ctx context.Context, jobID uuid.UUID) {
	if s.repo == nil {
		return
	}
	start := time.Now().UTC()
	if err := s.repo.UpdateStatus(ctx, jobID, StatusRunning, nil, "", ""); err != nil {
		logger.Log.WithError(err).Error("failed to mark job running")
	}
	if err := s.repo.SetTimestamps(ctx, jobID, &start, nil); err != nil {
		logger.Log.WithError(err).Error("failed to set start timestamp")
	}
}

func (s *Service) completeJob(ctx context.Context, jobID uuid.UUID, artifact Artifact) {
	if s.repo == nil {
		return
	}
	metrics := map[string]interface{}{
		"mae":            artifact.Evaluation.MAE,
		"r2":             artifact.Evaluation.R2,
		"train_rows":     artifact.Evaluation.TrainRows,
		"test_rows":      artifact.Evaluation.TestRows,
		"rounds":         artifact.Boosting.Rounds,
		"best_iteration": artifact.Boosting.BestIteration,
		"train_rmse":     artifact.Boosting.TrainRMSE,
		"valid_rmse":     artifact.Boosting.ValidRMSE,
	}
	if err := s.repo.UpdateStatus(ctx, jobID, StatusCompleted, metrics, artifact.Path, ""); err != nil {
		logger.Log.WithError(err).Error("failed to mark job complete")
	}
	completed := time.Now().UTC()
	if err := s.repo.SetTimestamps(ctx, jobID, nil, &completed); err != nil {
		logger.Log.WithError(err).Error("failed to set completion timestamp")
	}
}

func (s *Service) failJob(ctx context.Context, jobID uuid.UUID, err error) {
	logger.Log.WithError(err).Error("training job failed")
	if s.repo == nil {
		return
	}
	_ = s.repo.UpdateStatus(ctx, jobID, StatusFailed, nil, "", err.Error())
	completed := time.Now().UTC()
	_ = s.repo.SetTimestamps(ctx, jobID, nil, &completed)
}

// Get returns a recorded training run.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (models.TrainingJob, error) {
	if s.repo == nil {
		return models.TrainingJob{}, ErrJobNotFound
	}
	job, err := s.repo.Get(ctx, id)
	if err != nil {
		return models.TrainingJob{}, err
	}
	return toDomain(job), nil
}

// List returns the most recent training runs.
func (s *Service) List(ctx context.Context, limit int) ([]models.TrainingJob, error) {
	if s.repo == nil {
		return nil, nil
	}
	jobs, err := s.repo.List(ctx, limit)
	if err != nil {
		return nil, err
	}
	results := make([]models.TrainingJob, 0, len(jobs))
	for i := range jobs {
		results = append(results, toDomain(&jobs[i]))
	}
	return results, nil
}

func toDomain(job *JobModel) models.TrainingJob {
	result := models.TrainingJob{
		ID:           job.ID.String(),
		ModelType:    job.ModelType,
		Status:       job.Status,
		CreatedAt:    job.CreatedAt,
		StartedAt:    job.StartedAt,
		CompletedAt:  job.CompletedAt,
		ArtifactPath: job.ArtifactPath,
		ErrorMessage: job.ErrorMessage,
	}
	if job.Config != nil {
		result.Config = map[string]interface{}(job.Config)
	}
	if job.Metrics != nil {
		result.Metrics = map[string]interface{}(job.Metrics)
	}
	return result
}
