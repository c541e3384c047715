package screening

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/viva-health/screening/pkg/common/models"
	"github.com/viva-health/screening/pkg/dataset"
	"github.com/viva-health/screening/pkg/features"
	"github.com/viva-health/screening/pkg/storage"
	"github.com/viva-health/screening/pkg/terminology"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name       string
		multiplier float64
		marker     bool
		hasBMI     bool
		want       string
	}{
		{"average risk", 1.0, false, true, StatusRoutine},
		{"high predicted risk", 1.8, false, true, StatusUrgent},
		{"threshold is exclusive", 1.5, false, true, StatusRoutine},
		{"marker alone replaces routine", 1.0, true, true, "Genetic Marker"},
		{"marker appends to urgent", 1.8, true, true, "Urgent: high predicted risk + Genetic Marker"},
		{"missing bmi with elevated risk", 1.3, false, false, StatusReviewBMI},
		{"missing bmi overrides urgent", 1.8, false, false, StatusReviewBMI},
		{"missing bmi overrides marker", 1.8, true, false, StatusReviewBMI},
		{"missing bmi at review threshold", 1.2, false, false, StatusRoutine},
		{"missing bmi with marker below threshold", 1.1, true, false, "Genetic Marker"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.multiplier, tt.marker, tt.hasBMI))
		})
	}
}

func TestRiskPercentage(t *testing.T) {
	assert.Equal(t, 80.0, RiskPercentage(1.8))
	assert.Equal(t, 55.56, RiskPercentage(1.5556))
	assert.Equal(t, 0.0, RiskPercentage(1.0))
	assert.Equal(t, 0.0, RiskPercentage(0.4))

	assert.Equal(t, "80.0%", FormatPercentage(1.8))
	assert.Equal(t, "55.56%", FormatPercentage(1.5556))
	assert.Equal(t, "250.0%", FormatPercentage(3.5))
	assert.Equal(t, "0%", FormatPercentage(0.97))
}

func TestFeatureBreakdown(t *testing.T) {
	bmi := 31.0
	p := models.PatientRecord{Age: 62, BMI: &bmi}

	got := FeatureBreakdown(p, 1)
	assert.Equal(t, []models.FeatureImpact{
		{Label: "Genetic Marker Found", Weight: 0.60},
		{Label: "Age Factor", Weight: 0.25},
		{Label: "BMI/Lifestyle", Weight: 0.15},
	}, got)

	young := models.PatientRecord{Age: 40}
	assert.Empty(t, FeatureBreakdown(young, 0))
	assert.NotNil(t, FeatureBreakdown(young, 0))
}

type fakePredictor struct {
	values []float64
	err    error
}

func (f *fakePredictor) PredictBatch(name string, rows [][]float64) ([]float64, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.values[:len(rows)], nil
}

type fakePublisher struct {
	events []map[string]interface{}
	failOn string
}

func (f *fakePublisher) PublishEvent(ctx context.Context, eventType, source string, data map[string]interface{}) error {
	if data["nhs_number"] == f.failOn {
		return errors.New("broker unavailable")
	}
	f.events = append(f.events, data)
	return nil
}

type fakeRollups struct {
	written []storage.Rollup
}

func (f *fakeRollups) Write(ctx context.Context, rollups []storage.Rollup) error {
	f.written = append(f.written, rollups...)
	return nil
}

func practice() []models.PatientRecord {
	bmi := 27.0
	return []models.PatientRecord{
		{Name: "Isla", NHSNumber: "1", Email: "isla@example.com", Age: 58, BMI: &bmi, GeneticsCode: "0", SmokingCode: "266919005"},
		{Name: "Ava", NHSNumber: "2", Email: "ava@example.com", Age: 66, GeneticsCode: "0", SmokingCode: "77176002"},
		{Name: "Mia", NHSNumber: "3", Email: "mia@example.com", Age: 35, BMI: &bmi, GeneticsCode: "765057007", SmokingCode: "266919005"},
		{Name: "Zoe", NHSNumber: "4", Email: "zoe@example.com", Age: 29, BMI: &bmi, GeneticsCode: "0", SmokingCode: "266919005"},
	}
}

func newTestRunner(p BatchPredictor, opts ...Option) *Runner {
	return NewRunner(features.NewEncoder(terminology.DefaultCatalog()), p, "breast_cancer_model", opts...)
}

func TestRunnerScreen(t *testing.T) {
	publisher := &fakePublisher{failOn: "3"}
	rollups := &fakeRollups{}
	runTime := time.Date(2024, 6, 3, 8, 0, 0, 0, time.UTC)
	runner := newTestRunner(&fakePredictor{values: []float64{1.8, 1.3, 1.0, 0.9}},
		WithPublisher(publisher), WithRollups(rollups), WithClock(func() time.Time { return runTime }))

	result, err := runner.Screen(context.Background(), practice())
	require.NoError(t, err)

	assert.NotEmpty(t, result.RunID)
	assert.Equal(t, 4, result.Screened)
	require.Len(t, result.Flagged, 3)
	assert.Equal(t, "Isla", result.Flagged[0].Record.Name)
	assert.Equal(t, StatusUrgent, result.Flagged[0].Status)
	assert.Equal(t, StatusReviewBMI, result.Flagged[1].Status)
	assert.Equal(t, StatusGeneticMarker, result.Flagged[2].Status)
	assert.Equal(t, map[string]int{StatusUrgent: 1, StatusReviewBMI: 1, StatusGeneticMarker: 1, StatusRoutine: 1}, result.Counts)

	require.Len(t, publisher.events, 2)
	assert.Equal(t, "1", publisher.events[0]["nhs_number"])
	assert.Equal(t, 1.8, publisher.events[0]["predicted_relative_risk"])

	require.Len(t, rollups.written, 4)
	for _, r := range rollups.written {
		assert.Equal(t, result.RunID, r.RunID)
		assert.Equal(t, runTime, r.RunTime)
	}
}

func TestRunnerScreenPredictionFailure(t *testing.T) {
	runner := newTestRunner(&fakePredictor{err: errors.New("model artifact not found")})

	_, err := runner.Screen(context.Background(), practice())
	assert.Error(t, err)
}

func TestRunnerScreenEmptySnapshot(t *testing.T) {
	runner := newTestRunner(&fakePredictor{err: errors.New("not called")})

	result, err := runner.Screen(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, result.Flagged)
}

func TestEventDataRoundTrip(t *testing.T) {
	s := models.ScreenedPatient{
		Record:     models.PatientRecord{Name: "Ava", NHSNumber: "2", Email: "ava@example.com", LastConsultation: time.Date(2023, 2, 1, 0, 0, 0, 0, time.UTC)},
		Multiplier: 1.34,
		Status:     StatusReviewBMI,
	}

	got, err := FromEventData(EventData(s))
	require.NoError(t, err)
	assert.Equal(t, s.Record.Email, got.Record.Email)
	assert.Equal(t, s.Record.LastConsultation, got.Record.LastConsultation)
	assert.Equal(t, s.Multiplier, got.Multiplier)
	assert.Equal(t, s.Status, got.Status)

	_, err = FromEventData(map[string]interface{}{"email": "a@b.c", "predicted_relative_risk": "high"})
	assert.Error(t, err)
}

func TestWriteReports(t *testing.T) {
	dir := t.TempDir()
	reportPath := filepath.Join(dir, "flagged_patients_report.csv")
	runner := newTestRunner(&fakePredictor{values: []float64{1.8, 1.3, 1.0, 0.9}})
	result, err := runner.Screen(context.Background(), practice())
	require.NoError(t, err)

	require.NoError(t, WriteReport(reportPath, result.Flagged))
	read, err := dataset.ReadFile(reportPath, dataset.ReadReport)
	require.NoError(t, err)
	require.Len(t, read, 3)
	assert.Equal(t, result.Flagged[1].Status, read[1].Status)
	assert.Nil(t, read[1].Record.BMI)

	xlsx := WorkbookPath(reportPath)
	assert.Equal(t, filepath.Join(dir, "flagged_patients_report.xlsx"), xlsx)
	require.NoError(t, WriteWorkbook(xlsx, result.Flagged))
	_, err = os.Stat(xlsx)
	require.NoError(t, err)

	f, err := excelize.OpenFile(xlsx)
	require.NoError(t, err)
	defer f.Close()
	rows, err := f.GetRows(actionListSheet)
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, ActionListHeader, rows[0])
	assert.Equal(t, "Isla", rows[1][0])
	assert.Equal(t, StatusUrgent, rows[1][5])
}
