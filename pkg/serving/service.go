package serving

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/viva-health/screening/pkg/common/logger"
	"github.com/viva-health/screening/pkg/common/models"
	"github.com/viva-health/screening/pkg/features"
	"github.com/viva-health/screening/pkg/observability/metrics"
	"github.com/viva-health/screening/pkg/quiz"
	"github.com/viva-health/screening/pkg/screening"
	"github.com/viva-health/screening/pkg/serving/predictor"
	"github.com/viva-health/screening/pkg/storage"
)

const (
	messageAtRisk    = "High risk detected"
	messageNotAtRisk = "Patient not flagged as at-risk"
	zeroPercentage   = "0%"
)

// Service answers risk checks and quiz submissions.
type Service struct {
	snapshot  *storage.PatientSnapshot
	predictor *predictor.Predictor
	encoder   *features.Encoder
	scorer    *quiz.Scorer
	gpModel   string
	quizModel string
	cache     *storage.AssessmentCache
	repo      *Repository
}

type Option func(*Service)

// WithCache enables the Redis assessment cache.
func WithCache(cache *storage.AssessmentCache) Option {
	return func(s *Service) { s.cache = cache }
}

// WithRepository enables prediction logging.
func WithRepository(repo *Repository) Option {
	return func(s *Service) { s.repo = repo }
}

func NewService(snapshot *storage.PatientSnapshot, p *predictor.Predictor, encoder *features.Encoder, gpModel, quizModel string, opts ...Option) *Service {
	s := &Service{
		snapshot:  snapshot,
		predictor: p,
		encoder:   encoder,
		scorer:    quiz.NewScorer(encoder, p, quizModel),
		gpModel:   gpModel,
		quizModel: quizModel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CheckRisk scores one patient of the snapshot with the GP model.
// Routine and unknown patients are reported as not at risk.
func (s *Service) CheckRisk(ctx context.Context, nhsNumber string) (models.RiskCheckResponse, error) {
	start := time.Now()

	snapshotVersion, err := s.snapshot.Version()
	if err != nil {
		return models.RiskCheckResponse{}, fmt.Errorf("patient dataset: %w", err)
	}
	modelVersion, err := s.predictor.Version(s.gpModel)
	if err != nil {
		return models.RiskCheckResponse{}, fmt.Errorf("risk model: %w", err)
	}

	key := storage.AssessmentKey(nhsNumber, snapshotVersion, modelVersion)
	if s.cache != nil {
		cached, ok, err := s.cache.Get(ctx, key)
		if err != nil {
			logger.Log.WithError(err).Warn("Assessment cache read failed")
		} else if ok {
			return cached, nil
		}
	}

	patient, err := s.snapshot.Find(nhsNumber)
	if errors.Is(err, storage.ErrPatientNotFound) {
		logger.Log.WithField("nhs_number", nhsNumber).Info("Patient not in snapshot")
		return notAtRisk(), nil
	}
	if err != nil {
		return models.RiskCheckResponse{}, err
	}

	vector := s.encoder.EncodeGP(patient)
	multiplier, err := s.predictor.Predict(s.gpModel, vector)
	if err != nil {
		return models.RiskCheckResponse{}, fmt.Errorf("gp prediction: %w", err)
	}
	metrics.ObservePredictions("gp", 1)

	status := screening.Classify(multiplier, s.encoder.IsHighRiskMarker(patient), patient.HasBMI())
	resp := notAtRisk()
	if screening.IsFlagged(status) {
		risk := screening.Round2(multiplier)
		resp = models.RiskCheckResponse{
			Success:               true,
			IsAtRisk:              true,
			PredictedRelativeRisk: &risk,
			RiskPercentage:        screening.FormatPercentage(multiplier),
			ScreeningStatus:       status,
			FeatureBreakdown:      screening.FeatureBreakdown(patient, s.encoder.GeneticsOrdinal(patient.GeneticsCode)),
			Message:               messageAtRisk,
		}
	}

	logger.Log.WithFields(map[string]interface{}{
		"nhs_number": nhsNumber,
		"model":      s.gpModel,
		"status":     status,
		"latency_ms": time.Since(start).Milliseconds(),
	}).Info("Risk check completed")

	if s.repo != nil {
		entry := PredictionLog{
			NHSNumber:  nhsNumber,
			ModelName:  s.gpModel,
			Features:   FeatureMap(features.GPFeatureNames, vector),
			Multiplier: multiplier,
			Status:     status,
			Latency:    time.Since(start),
		}
		if err := s.repo.RecordPrediction(ctx, entry); err != nil {
			logger.Log.WithError(err).Warn("Failed to record prediction")
		}
	}
	if s.cache != nil {
		if err := s.cache.Set(ctx, key, resp); err != nil {
			logger.Log.WithError(err).Warn("Assessment cache write failed")
		}
	}
	return resp, nil
}

// SubmitQuiz scores a quiz submission. A missing quiz model yields the
// baseline multiplier.
func (s *Service) SubmitQuiz(ctx context.Context, nhsNumber string, answers models.QuizAnswers) (models.QuizResult, error) {
	start := time.Now()
	result, err := s.scorer.Score(nhsNumber, answers)
	if err != nil {
		return models.QuizResult{}, err
	}

	if s.repo != nil {
		vector, err := s.encoder.EncodeQuiz(answers)
		if err != nil {
			return models.QuizResult{}, err
		}
		entry := PredictionLog{
			NHSNumber:  nhsNumber,
			ModelName:  s.quizModel,
			Features:   FeatureMap(features.QuizFeatureNames, vector),
			Multiplier: result.Multiplier,
			Latency:    time.Since(start),
		}
		if err := s.repo.RecordPrediction(ctx, entry); err != nil {
			logger.Log.WithError(err).Warn("Failed to record prediction")
		}
	}
	return result, nil
}

func notAtRisk() models.RiskCheckResponse {
	return models.RiskCheckResponse{
		Success:          true,
		IsAtRisk:         false,
		RiskPercentage:   zeroPercentage,
		FeatureBreakdown: []models.FeatureImpact{},
		Message:          messageNotAtRisk,
	}
}

// FeatureMap names a feature vector. Missing values are stored as null.
func FeatureMap(names []string, vector []float64) map[string]interface{} {
	out := make(map[string]interface{}, len(names))
	for i, name := range names {
		if i >= len(vector) || math.IsNaN(vector[i]) {
			out[name] = nil
			continue
		}
		out[name] = vector[i]
	}
	return out
}
