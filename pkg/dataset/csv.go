// Package dataset reads and writes the CSV artifacts exchanged between the
// generate, train, screen and notify steps, and generates synthetic data.
package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/viva-health/screening/pkg/common/models"
)

const DateLayout = "2006-01-02"

// Column names follow the GP practice export.
const (
	ColName             = "Patient_Name"
	ColPractice         = "Registered_Practice"
	ColNHSNumber        = "Patient_NHS_Number"
	ColEmail            = "patient_email"
	ColLastConsultation = "Last_Consultation_Date"
	ColAge              = "age"
	ColSex              = "sex"
	ColIMDScore         = "imd_score"
	ColGenetics         = "genetics_snomed"
	ColMotherHistory    = "mother_history"
	ColSisterHistory    = "sister_history"
	ColRelativeUnder50  = "relative_under_50"
	ColBMI              = "bmi_observation"
	ColSmoking          = "smoking_status"
	ColPredictedRisk    = "predicted_relative_risk"
	ColScreeningStatus  = "screening_status"

	ColGPTarget   = "target_relative_risk"
	ColQuizTarget = "quiz_risk_multiplier"
)

var PatientColumns = []string{
	ColName, ColPractice, ColNHSNumber, ColEmail, ColLastConsultation,
	ColAge, ColSex, ColIMDScore, ColGenetics, ColMotherHistory,
	ColSisterHistory, ColRelativeUnder50, ColBMI, ColSmoking,
}

var ReportColumns = append(append([]string{}, PatientColumns...), ColPredictedRisk, ColScreeningStatus)

var clinicalColumns = []string{
	ColAge, ColSex, ColIMDScore, ColGenetics, ColMotherHistory,
	ColSisterHistory, ColRelativeUnder50, ColBMI, ColSmoking,
}

var GPTrainingColumns = append(append([]string{}, clinicalColumns...), ColGPTarget)

var QuizTrainingColumns = []string{
	"density", "alcohol", "hrt", "early_period", "late_meno", "child_after_30",
	"hyperplasia", "lcis", "benign", "symptoms", ColQuizTarget,
}

var quizCategoryColumns = map[string]bool{"density": true, "alcohol": true}

// ErrMissingColumn is returned when a required CSV column is absent.
var ErrMissingColumn = errors.New("missing column")

// table gives by-name access to the rows of a CSV file with a header line.
type table struct {
	index map[string]int
	rows  [][]string
}

func readTable(r io.Reader, required []string) (*table, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	records, err := reader.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, errors.New("csv has no header")
	}
	t := &table{index: make(map[string]int), rows: records[1:]}
	for i, name := range records[0] {
		t.index[strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))] = i
	}
	for _, name := range required {
		if _, ok := t.index[name]; !ok {
			return nil, fmt.Errorf("%w %q", ErrMissingColumn, name)
		}
	}
	return t, nil
}

func (t *table) get(row []string, column string) string {
	i, ok := t.index[column]
	if !ok || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

func (t *table) intCell(row []string, column string) (int, error) {
	raw := t.get(row, column)
	if raw == "" {
		return 0, nil
	}
	if v, err := strconv.Atoi(raw); err == nil {
		return v, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, fmt.Errorf("%s: invalid integer %q", column, raw)
	}
	return int(f), nil
}

func (t *table) floatCell(row []string, column string) (float64, error) {
	raw := t.get(row, column)
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid number %q", column, raw)
	}
	return v, nil
}

// optionalFloat treats an empty cell or NaN as missing.
func (t *table) optionalFloat(row []string, column string) (*float64, error) {
	raw := t.get(row, column)
	if raw == "" || strings.EqualFold(raw, "nan") {
		return nil, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, fmt.Errorf("%s: invalid number %q", column, raw)
	}
	if math.IsNaN(v) {
		return nil, nil
	}
	return &v, nil
}

func (t *table) date(row []string, column string) (time.Time, error) {
	raw := t.get(row, column)
	if raw == "" {
		return time.Time{}, nil
	}
	if len(raw) > len(DateLayout) {
		raw = raw[:len(DateLayout)]
	}
	d, err := time.Parse(DateLayout, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s: invalid date %q", column, raw)
	}
	return d, nil
}

func (t *table) clinical(row []string, p *models.PatientRecord) error {
	var err error
	ints := []struct {
		column string
		dst    *int
	}{
		{ColAge, &p.Age},
		{ColSex, &p.Sex},
		{ColIMDScore, &p.IMDScore},
		{ColMotherHistory, &p.MotherHistory},
		{ColSisterHistory, &p.SisterHistory},
		{ColRelativeUnder50, &p.RelativeUnder50},
	}
	for _, field := range ints {
		if *field.dst, err = t.intCell(row, field.column); err != nil {
			return err
		}
	}
	if p.BMI, err = t.optionalFloat(row, ColBMI); err != nil {
		return err
	}
	p.GeneticsCode = t.get(row, ColGenetics)
	p.SmokingCode = t.get(row, ColSmoking)
	return nil
}

func (t *table) patient(row []string) (models.PatientRecord, error) {
	p := models.PatientRecord{
		Name:      t.get(row, ColName),
		Practice:  t.get(row, ColPractice),
		NHSNumber: t.get(row, ColNHSNumber),
		Email:     t.get(row, ColEmail),
	}
	var err error
	if p.LastConsultation, err = t.date(row, ColLastConsultation); err != nil {
		return p, err
	}
	return p, t.clinical(row, &p)
}

// ReadPatients parses a GP patient snapshot.
func ReadPatients(r io.Reader) ([]models.PatientRecord, error) {
	t, err := readTable(r, PatientColumns)
	if err != nil {
		return nil, err
	}
	patients := make([]models.PatientRecord, 0, len(t.rows))
	for i, row := range t.rows {
		p, err := t.patient(row)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i+2, err)
		}
		patients = append(patients, p)
	}
	return patients, nil
}

// ReadReport parses a flagged patients report.
func ReadReport(r io.Reader) ([]models.ScreenedPatient, error) {
	t, err := readTable(r, []string{ColName, ColEmail, ColLastConsultation, ColPredictedRisk})
	if err != nil {
		return nil, err
	}
	out := make([]models.ScreenedPatient, 0, len(t.rows))
	for i, row := range t.rows {
		p, err := t.patient(row)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i+2, err)
		}
		risk, err := t.floatCell(row, ColPredictedRisk)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i+2, err)
		}
		out = append(out, models.ScreenedPatient{
			Record:     p,
			Multiplier: risk,
			Status:     t.get(row, ColScreeningStatus),
		})
	}
	return out, nil
}

// ReadGPTraining parses a GP training set into records and targets.
func ReadGPTraining(r io.Reader) ([]models.PatientRecord, []float64, error) {
	t, err := readTable(r, GPTrainingColumns)
	if err != nil {
		return nil, nil, err
	}
	records := make([]models.PatientRecord, 0, len(t.rows))
	targets := make([]float64, 0, len(t.rows))
	for i, row := range t.rows {
		var p models.PatientRecord
		if err := t.clinical(row, &p); err != nil {
			return nil, nil, fmt.Errorf("row %d: %w", i+2, err)
		}
		target, err := t.floatCell(row, ColGPTarget)
		if err != nil {
			return nil, nil, fmt.Errorf("row %d: %w", i+2, err)
		}
		records = append(records, p)
		targets = append(targets, target)
	}
	return records, targets, nil
}

// ReadQuizTraining parses a quiz training set into answer maps and targets.
func ReadQuizTraining(r io.Reader) ([]models.QuizAnswers, []float64, error) {
	t, err := readTable(r, QuizTrainingColumns)
	if err != nil {
		return nil, nil, err
	}
	rows := make([]models.QuizAnswers, 0, len(t.rows))
	targets := make([]float64, 0, len(t.rows))
	for i, row := range t.rows {
		answers := make(models.QuizAnswers, len(QuizTrainingColumns)-1)
		for _, column := range QuizTrainingColumns[:len(QuizTrainingColumns)-1] {
			if quizCategoryColumns[column] {
				answers[column] = t.get(row, column)
				continue
			}
			v, err := t.intCell(row, column)
			if err != nil {
				return nil, nil, fmt.Errorf("row %d: %w", i+2, err)
			}
			answers[column] = v
		}
		target, err := t.floatCell(row, ColQuizTarget)
		if err != nil {
			return nil, nil, fmt.Errorf("row %d: %w", i+2, err)
		}
		rows = append(rows, answers)
		targets = append(targets, target)
	}
	return rows, targets, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(DateLayout)
}

func clinicalCells(p models.PatientRecord) []string {
	bmi := ""
	if p.BMI != nil {
		bmi = formatFloat(*p.BMI)
	}
	return []string{
		strconv.Itoa(p.Age),
		strconv.Itoa(p.Sex),
		strconv.Itoa(p.IMDScore),
		p.GeneticsCode,
		strconv.Itoa(p.MotherHistory),
		strconv.Itoa(p.SisterHistory),
		strconv.Itoa(p.RelativeUnder50),
		bmi,
		p.SmokingCode,
	}
}

// PatientCells renders a record in PatientColumns order.
func PatientCells(p models.PatientRecord) []string {
	cells := []string{p.Name, p.Practice, p.NHSNumber, p.Email, formatDate(p.LastConsultation)}
	return append(cells, clinicalCells(p)...)
}

// ReportCells renders a screened patient in ReportColumns order.
func ReportCells(s models.ScreenedPatient) []string {
	return append(PatientCells(s.Record), formatFloat(s.Multiplier), s.Status)
}

func writeAll(w io.Writer, header []string, rows [][]string) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(header); err != nil {
		return err
	}
	if err := writer.WriteAll(rows); err != nil {
		return err
	}
	return writer.Error()
}

func WritePatients(w io.Writer, patients []models.PatientRecord) error {
	rows := make([][]string, len(patients))
	for i, p := range patients {
		rows[i] = PatientCells(p)
	}
	return writeAll(w, PatientColumns, rows)
}

func WriteReport(w io.Writer, flagged []models.ScreenedPatient) error {
	rows := make([][]string, len(flagged))
	for i, s := range flagged {
		rows[i] = ReportCells(s)
	}
	return writeAll(w, ReportColumns, rows)
}

func WriteGPTraining(w io.Writer, records []models.PatientRecord, targets []float64) error {
	if len(records) != len(targets) {
		return fmt.Errorf("%d records but %d targets", len(records), len(targets))
	}
	rows := make([][]string, len(records))
	for i, p := range records {
		rows[i] = append(clinicalCells(p), formatFloat(targets[i]))
	}
	return writeAll(w, GPTrainingColumns, rows)
}

func WriteQuizTraining(w io.Writer, answers []models.QuizAnswers, targets []float64) error {
	if len(answers) != len(targets) {
		return fmt.Errorf("%d rows but %d targets", len(answers), len(targets))
	}
	rows := make([][]string, len(answers))
	for i, a := range answers {
		row := make([]string, 0, len(QuizTrainingColumns))
		for _, column := range QuizTrainingColumns[:len(QuizTrainingColumns)-1] {
			row = append(row, fmt.Sprint(a[column]))
		}
		rows[i] = append(row, formatFloat(targets[i]))
	}
	return writeAll(w, QuizTrainingColumns, rows)
}

// ReadFile opens path and hands it to read.
func ReadFile[T any](path string, read func(io.Reader) (T, error)) (T, error) {
	var zero T
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return zero, err
	}
	defer f.Close()
	return read(f)
}

// WriteFile creates path, including parent directories, and hands it to write.
func WriteFile(path string, write func(io.Writer) error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
