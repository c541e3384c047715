// Package features turns patient records and quiz answers into the numeric
// vectors the risk models were trained on.
package features

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/viva-health/screening/pkg/common/models"
	"github.com/viva-health/screening/pkg/terminology"
)

// GPFeatureNames is the training column order of the GP model.
var GPFeatureNames = []string{
	"age",
	"sex",
	"imd_score",
	"genetics_snomed",
	"mother_history",
	"sister_history",
	"relative_under_50",
	"bmi_observation",
	"smoking_status",
}

// QuizFeatureNames is the training column order of the quiz model.
var QuizFeatureNames = []string{
	"density",
	"alcohol",
	"hrt",
	"early_period",
	"late_meno",
	"child_after_30",
	"hyperplasia",
	"lcis",
	"benign",
	"symptoms",
}

// SymptomFields are OR-reduced into the single symptoms feature.
var SymptomFields = []string{"lumps", "pain", "skin_change"}

var quizFlagFields = []string{"hrt", "early_period", "late_meno", "child_after_30", "hyperplasia", "lcis", "benign"}

var (
	densityCodes = map[string]int{"A": 0, "B": 1, "C": 2, "D": 3}
	alcoholCodes = map[string]int{"Light": 0, "Moderate": 1, "Heavy": 2}
)

var errUnsupportedType = errors.New("unsupported type")

// FieldError reports a quiz field that could not be coerced to a number.
type FieldError struct {
	Field string
	Value interface{}
	Err   error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("invalid value %v for field %s: %v", e.Value, e.Field, e.Err)
}

func (e *FieldError) Unwrap() error {
	return e.Err
}

type Encoder struct {
	catalog terminology.Catalog
}

func NewEncoder(catalog terminology.Catalog) *Encoder {
	return &Encoder{catalog: catalog}
}

// EncodeGP returns the GP feature vector for one patient. Codes outside the
// catalog fall into bucket 0 and a missing BMI is encoded as NaN.
func (e *Encoder) EncodeGP(p models.PatientRecord) []float64 {
	bmi := math.NaN()
	if p.BMI != nil {
		bmi = *p.BMI
	}
	return []float64{
		float64(p.Age),
		float64(p.Sex),
		float64(p.IMDScore),
		float64(e.GeneticsOrdinal(p.GeneticsCode)),
		float64(p.MotherHistory),
		float64(p.SisterHistory),
		float64(p.RelativeUnder50),
		bmi,
		float64(e.SmokingOrdinal(p.SmokingCode)),
	}
}

func (e *Encoder) EncodeGPBatch(records []models.PatientRecord) [][]float64 {
	rows := make([][]float64, len(records))
	for i, rec := range records {
		rows[i] = e.EncodeGP(rec)
	}
	return rows
}

func (e *Encoder) GeneticsOrdinal(code string) int {
	ordinal, _ := e.catalog.GeneticsOrdinal(code)
	return ordinal
}

func (e *Encoder) SmokingOrdinal(code string) int {
	ordinal, _ := e.catalog.SmokingOrdinal(code)
	return ordinal
}

// UnknownCodes lists the categorical codes of p that are not in the catalog.
func (e *Encoder) UnknownCodes(p models.PatientRecord) []string {
	var unknown []string
	if _, ok := e.catalog.GeneticsOrdinal(p.GeneticsCode); !ok {
		unknown = append(unknown, "genetics_snomed="+p.GeneticsCode)
	}
	if _, ok := e.catalog.SmokingOrdinal(p.SmokingCode); !ok {
		unknown = append(unknown, "smoking_status="+p.SmokingCode)
	}
	return unknown
}

// IsHighRiskMarker reports whether the patient carries a high-risk genetic marker.
func (e *Encoder) IsHighRiskMarker(p models.PatientRecord) bool {
	return e.catalog.IsHighRiskMarker(p.GeneticsCode)
}

// EncodeQuiz returns the quiz feature vector for a set of answers.
func (e *Encoder) EncodeQuiz(answers models.QuizAnswers) ([]float64, error) {
	symptoms, err := HasSymptoms(answers)
	if err != nil {
		return nil, err
	}
	return e.encodeQuiz(answers, symptoms)
}

// EncodeQuizTraining encodes a training row, which carries the already
// reduced symptoms column instead of the individual symptom flags.
func (e *Encoder) EncodeQuizTraining(row models.QuizAnswers) ([]float64, error) {
	symptoms, err := Flag(row, "symptoms")
	if err != nil {
		return nil, err
	}
	return e.encodeQuiz(row, symptoms == 1)
}

func (e *Encoder) encodeQuiz(answers models.QuizAnswers, symptoms bool) ([]float64, error) {
	vector := make([]float64, 0, len(QuizFeatureNames))
	vector = append(vector, float64(category(answers, "density", densityCodes)))
	vector = append(vector, float64(category(answers, "alcohol", alcoholCodes)))

	for _, field := range quizFlagFields {
		flag, err := Flag(answers, field)
		if err != nil {
			return nil, err
		}
		vector = append(vector, float64(flag))
	}

	if symptoms {
		vector = append(vector, 1)
	} else {
		vector = append(vector, 0)
	}
	return vector, nil
}

// HasSymptoms reports whether any physical symptom flag is set.
func HasSymptoms(answers models.QuizAnswers) (bool, error) {
	for _, field := range SymptomFields {
		flag, err := Flag(answers, field)
		if err != nil {
			return false, err
		}
		if flag == 1 {
			return true, nil
		}
	}
	return false, nil
}

// Flag coerces a quiz answer to 0 or 1. Absent answers are 0.
func Flag(answers models.QuizAnswers, field string) (int, error) {
	value, err := toInt(answers[field])
	if err != nil {
		return 0, &FieldError{Field: field, Value: answers[field], Err: err}
	}
	if value != 0 {
		return 1, nil
	}
	return 0, nil
}

func category(answers models.QuizAnswers, field string, codes map[string]int) int {
	raw, ok := answers[field].(string)
	if !ok {
		return 0
	}
	return codes[strings.TrimSpace(raw)]
}

func toInt(value interface{}) (int, error) {
	switch v := value.(type) {
	case nil:
		return 0, nil
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, fmt.Errorf("not a finite number")
		}
		return int(v), nil
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return int(i), nil
		}
		f, err := v.Float64()
		if err != nil {
			return 0, err
		}
		return toInt(f)
	case string:
		return strconv.Atoi(strings.TrimSpace(v))
	default:
		return 0, fmt.Errorf("%w %T", errUnsupportedType, value)
	}
}
