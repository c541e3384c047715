package screening

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/viva-health/screening/pkg/common/logger"
	"github.com/viva-health/screening/pkg/common/models"
	"github.com/viva-health/screening/pkg/features"
	"github.com/viva-health/screening/pkg/observability/metrics"
	"github.com/viva-health/screening/pkg/storage"
)

const (
	EventFlagged = "screening.flagged"
	eventSource  = "screening"
	pipelineGP   = "gp"
)

type BatchPredictor interface {
	PredictBatch(name string, rows [][]float64) ([]float64, error)
}

type EventPublisher interface {
	PublishEvent(ctx context.Context, eventType string, source string, data map[string]interface{}) error
}

type RollupStore interface {
	Write(ctx context.Context, rollups []storage.Rollup) error
}

type Result struct {
	RunID    string
	RunTime  time.Time
	Screened int
	Counts   map[string]int
	// Flagged holds every non-Routine patient, highest predicted risk first.
	Flagged []models.ScreenedPatient
}

// Runner screens a whole practice snapshot against the GP model.
type Runner struct {
	encoder   *features.Encoder
	predictor BatchPredictor
	modelName string
	publisher EventPublisher
	rollups   RollupStore
	now       func() time.Time
}

type Option func(*Runner)

func WithPublisher(p EventPublisher) Option {
	return func(r *Runner) { r.publisher = p }
}

func WithRollups(s RollupStore) Option {
	return func(r *Runner) { r.rollups = s }
}

func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

func NewRunner(encoder *features.Encoder, predictor BatchPredictor, modelName string, opts ...Option) *Runner {
	r := &Runner{
		encoder:   encoder,
		predictor: predictor,
		modelName: modelName,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Screen predicts and classifies every patient. Optional publishing and
// rollup failures are logged and do not fail the run.
func (r *Runner) Screen(ctx context.Context, patients []models.PatientRecord) (Result, error) {
	result := Result{
		RunID:    uuid.New().String(),
		RunTime:  r.now().UTC(),
		Screened: len(patients),
		Counts:   make(map[string]int),
		Flagged:  []models.ScreenedPatient{},
	}
	if len(patients) == 0 {
		return result, nil
	}

	for _, p := range patients {
		if unknown := r.encoder.UnknownCodes(p); len(unknown) > 0 {
			logger.Log.WithFields(map[string]interface{}{
				"nhs_number": p.NHSNumber,
				"codes":      unknown,
			}).Warn("Unknown codes encoded as none")
		}
	}

	predictions, err := r.predictor.PredictBatch(r.modelName, r.encoder.EncodeGPBatch(patients))
	if err != nil {
		return Result{}, fmt.Errorf("predict: %w", err)
	}
	metrics.ObservePredictions(pipelineGP, len(predictions))

	for i, p := range patients {
		status := Classify(predictions[i], r.encoder.IsHighRiskMarker(p), p.HasBMI())
		result.Counts[status]++
		metrics.ObserveFlag(status)
		if IsFlagged(status) {
			result.Flagged = append(result.Flagged, models.ScreenedPatient{Record: p, Multiplier: predictions[i], Status: status})
		}
	}
	sort.SliceStable(result.Flagged, func(i, j int) bool {
		return result.Flagged[i].Multiplier > result.Flagged[j].Multiplier
	})

	logger.Log.WithFields(map[string]interface{}{
		"run_id":   result.RunID,
		"screened": result.Screened,
		"flagged":  len(result.Flagged),
	}).Info("Screening run complete")

	if r.publisher != nil {
		if err := r.publish(ctx, result.Flagged); err != nil {
			logger.Log.WithError(err).Warn("Some flagged patient events were not published")
		}
	}
	if r.rollups != nil {
		if err := r.rollups.Write(ctx, Rollups(result)); err != nil {
			logger.Log.WithError(err).Warn("Failed to record screening rollups")
		}
	}
	return result, nil
}

func (r *Runner) publish(ctx context.Context, flagged []models.ScreenedPatient) error {
	var errs []error
	for _, s := range flagged {
		if err := r.publisher.PublishEvent(ctx, EventFlagged, eventSource, EventData(s)); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Record.NHSNumber, err))
		}
	}
	return errors.Join(errs...)
}

// EventData is the payload of a flagged patient event.
func EventData(s models.ScreenedPatient) map[string]interface{} {
	data := map[string]interface{}{
		"name":                    s.Record.Name,
		"nhs_number":              s.Record.NHSNumber,
		"email":                   s.Record.Email,
		"practice":                s.Record.Practice,
		"predicted_relative_risk": s.Multiplier,
		"screening_status":        s.Status,
	}
	if !s.Record.LastConsultation.IsZero() {
		data["last_consultation"] = s.Record.LastConsultation.Format(time.DateOnly)
	}
	return data
}

// FromEventData rebuilds the part of a flagged patient that notification needs.
func FromEventData(data map[string]interface{}) (models.ScreenedPatient, error) {
	var s models.ScreenedPatient
	str := func(key string) string {
		v, _ := data[key].(string)
		return v
	}
	s.Record.Name = str("name")
	s.Record.NHSNumber = str("nhs_number")
	s.Record.Email = str("email")
	s.Record.Practice = str("practice")
	s.Status = str("screening_status")
	if s.Record.Email == "" {
		return s, errors.New("event has no email")
	}
	risk, ok := data["predicted_relative_risk"].(float64)
	if !ok {
		return s, fmt.Errorf("event has invalid predicted_relative_risk %v", data["predicted_relative_risk"])
	}
	s.Multiplier = risk
	if raw := str("last_consultation"); raw != "" {
		d, err := time.Parse(time.DateOnly, raw)
		if err != nil {
			return s, fmt.Errorf("event has invalid last_consultation: %w", err)
		}
		s.Record.LastConsultation = d
	}
	return s, nil
}

// Rollups summarises a run as one row per screening status.
func Rollups(result Result) []storage.Rollup {
	maxRisk := make(map[string]float64)
	for _, s := range result.Flagged {
		if s.Multiplier > maxRisk[s.Status] {
			maxRisk[s.Status] = s.Multiplier
		}
	}
	statuses := make([]string, 0, len(result.Counts))
	for status := range result.Counts {
		statuses = append(statuses, status)
	}
	sort.Strings(statuses)

	rollups := make([]storage.Rollup, 0, len(statuses))
	for _, status := range statuses {
		rollup := storage.Rollup{
			ID:       uuid.New().String(),
			RunID:    result.RunID,
			Status:   status,
			Patients: result.Counts[status],
			RunTime:  result.RunTime,
		}
		if m, ok := maxRisk[status]; ok {
			rollup.Stats = map[string]interface{}{"max_risk": Round2(m)}
		}
		rollups = append(rollups, rollup)
	}
	return rollups
}
