// Package quiz scores the self-reported risk questionnaire.
package quiz

import (
	"errors"
	"fmt"
	"math"

	"github.com/viva-health/screening/pkg/common/logger"
	"github.com/viva-health/screening/pkg/common/models"
	"github.com/viva-health/screening/pkg/features"
	"github.com/viva-health/screening/pkg/observability/metrics"
	"github.com/viva-health/screening/pkg/serving/predictor"
)

const (
	// BaselineMultiplier is returned when no quiz model has been trained yet.
	BaselineMultiplier = 1.0
	baselineBand       = 1.1

	baselineMessage = "Your risk is consistent with the general population baseline. "
	elevatedMessage = "Based on your inputs, your risk is %sx higher than the average person. "
	symptomsMessage = "Because you reported physical symptoms, please consult your GP immediately."

	pipelineQuiz = "quiz"
)

type Predictor interface {
	Predict(name string, features []float64) (float64, error)
}

type Scorer struct {
	encoder   *features.Encoder
	predictor Predictor
	modelName string
}

func NewScorer(encoder *features.Encoder, p Predictor, modelName string) *Scorer {
	return &Scorer{encoder: encoder, predictor: p, modelName: modelName}
}

// Multiplier predicts the quiz risk multiplier, floored at 1.0 and rounded
// to two decimals.
func (s *Scorer) Multiplier(answers models.QuizAnswers) (float64, error) {
	vector, err := s.encoder.EncodeQuiz(answers)
	if err != nil {
		return 0, err
	}
	raw, err := s.predictor.Predict(s.modelName, vector)
	if errors.Is(err, predictor.ErrModelNotFound) {
		logger.Log.WithField("model", s.modelName).Warn("Quiz model not trained, returning baseline multiplier")
		return BaselineMultiplier, nil
	}
	if err != nil {
		return 0, fmt.Errorf("quiz prediction: %w", err)
	}
	metrics.ObservePredictions(pipelineQuiz, 1)
	return math.Round(math.Max(1.0, raw)*100) / 100, nil
}

// Score builds the quiz response for one submission.
func (s *Scorer) Score(nhsNumber string, answers models.QuizAnswers) (models.QuizResult, error) {
	multiplier, err := s.Multiplier(answers)
	if err != nil {
		return models.QuizResult{}, err
	}
	symptoms, err := features.HasSymptoms(answers)
	if err != nil {
		return models.QuizResult{}, err
	}
	formatted := FormatMultiplier(multiplier)
	return models.QuizResult{
		Success:        true,
		NHSNumber:      nhsNumber,
		RiskMultiplier: formatted + "x",
		Multiplier:     multiplier,
		Message:        Message(multiplier, symptoms),
	}, nil
}

func FormatMultiplier(m float64) string {
	return fmt.Sprintf("%.2f", m)
}

// Message explains a multiplier; reported symptoms always add the GP advice.
func Message(multiplier float64, symptoms bool) string {
	msg := baselineMessage
	if multiplier > baselineBand {
		msg = fmt.Sprintf(elevatedMessage, FormatMultiplier(multiplier))
	}
	if symptoms {
		msg += symptomsMessage
	}
	return msg
}
