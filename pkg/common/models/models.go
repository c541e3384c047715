package models

import (
	"bytes"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
)

// Patient snapshot
type PatientRecord struct {
	Name             string    `json:"name"`
	Practice         string    `json:"practice"`
	NHSNumber        string    `json:"nhs_number"`
	Email            string    `json:"email"`
	LastConsultation time.Time `json:"last_consultation"`
	Age              int       `json:"age"`
	Sex              int       `json:"sex"`
	IMDScore         int       `json:"imd_score"`
	GeneticsCode     string    `json:"genetics_snomed"`
	MotherHistory    int       `json:"mother_history"`
	SisterHistory    int       `json:"sister_history"`
	RelativeUnder50  int       `json:"relative_under_50"`
	BMI              *float64  `json:"bmi_observation,omitempty"` // nil when not recorded
	SmokingCode      string    `json:"smoking_status"`
}

// HasBMI reports whether a BMI observation is on record.
func (p PatientRecord) HasBMI() bool {
	return p.BMI != nil
}

// ScreenedPatient is a patient after model inference and flagging.
type ScreenedPatient struct {
	Record     PatientRecord `json:"record"`
	Multiplier float64       `json:"predicted_relative_risk"`
	Status     string        `json:"screening_status"`
}

// QuizAnswers holds free-form quiz answers exactly as submitted.
type QuizAnswers map[string]interface{}

// FeatureImpact is one (label, weight) pair of a risk explanation.
// It serialises as a two element JSON array.
type FeatureImpact struct {
	Label  string
	Weight float64
}

func (f FeatureImpact) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{f.Label, f.Weight})
}

func (f *FeatureImpact) UnmarshalJSON(data []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("feature impact: expected 2 elements, got %d", len(pair))
	}
	if err := json.Unmarshal(pair[0], &f.Label); err != nil {
		return err
	}
	return json.Unmarshal(pair[1], &f.Weight)
}

// HTTP API
type RiskCheckRequest struct {
	NHSNumber string `json:"nhs_number" validate:"required"`
}

// UnmarshalJSON accepts the NHS number as a JSON string or number.
func (r *RiskCheckRequest) UnmarshalJSON(data []byte) error {
	var raw struct {
		NHSNumber interface{} `json:"nhs_number"`
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	r.NHSNumber = StringValue(raw.NHSNumber)
	return nil
}

// StringValue renders a decoded JSON scalar as text. Null is empty.
func StringValue(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case json.Number:
		return val.String()
	default:
		return fmt.Sprint(val)
	}
}

type RiskCheckResponse struct {
	Success               bool            `json:"success"`
	IsAtRisk              bool            `json:"is_at_risk"`
	PredictedRelativeRisk *float64        `json:"predicted_relative_risk,omitempty"`
	RiskPercentage        string          `json:"risk_percentage"`
	ScreeningStatus       string          `json:"screening_status,omitempty"`
	FeatureBreakdown      []FeatureImpact `json:"feature_breakdown"`
	Message               string          `json:"message"`
}

type QuizResult struct {
	Success        bool    `json:"success"`
	NHSNumber      string  `json:"nhs_number"`
	RiskMultiplier string  `json:"risk_multiplier"`
	Multiplier     float64 `json:"-"`
	Message        string  `json:"message"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

// Event Bus models
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]string      `json:"metadata,omitempty"`
}

// Model Training
type TrainingJob struct {
	ID           string                 `json:"id"`
	ModelType    string                 `json:"model_type"`
	Config       map[string]interface{} `json:"config"`
	Status       string                 `json:"status"`
	CreatedAt    time.Time              `json:"created_at"`
	StartedAt    *time.Time             `json:"started_at,omitempty"`
	CompletedAt  *time.Time             `json:"completed_at,omitempty"`
	Metrics      map[string]interface{} `json:"metrics,omitempty"`
	ArtifactPath string                 `json:"artifact_path,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
}
