package dataset

import (
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/viva-health/screening/pkg/common/models"
)

const (
	codeNone       = "0"
	codeBRCA1      = "765057007"
	codeBRCA2      = "412734009"
	codePALB2      = "442525003"
	codeNonSmoker  = "266919005"
	codeSmoker     = "77176002"
	defaultSeed    = 42
	consultingDays = 365
)

var (
	PracticeCodes = []string{"B82005", "B82021", "B82081"}

	geneticsCodes = []string{codeNone, codeBRCA1, codeBRCA2, codePALB2}
	smokingCodes  = []string{codeNonSmoker, codeSmoker}

	densityLetters = []string{"A", "B", "C", "D"}
	alcoholLevels  = []string{"Light", "Moderate", "Heavy"}
)

type GeneratorOptions struct {
	Seed  uint64
	Names []string
	// Email, when set, is used for every generated patient.
	Email string
	// ConsultationStart is the first possible last-consultation date.
	ConsultationStart time.Time
}

// Generator produces reproducible synthetic GP snapshots and training sets.
type Generator struct {
	rng   *rand.Rand
	opts  GeneratorOptions
	names []string
}

func NewGenerator(opts GeneratorOptions) *Generator {
	if opts.Seed == 0 {
		opts.Seed = defaultSeed
	}
	if opts.ConsultationStart.IsZero() {
		opts.ConsultationStart = time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	names := opts.Names
	if len(names) == 0 {
		names = FallbackNames
	}
	return &Generator{
		rng:   rand.New(rand.NewPCG(opts.Seed, opts.Seed)),
		opts:  opts,
		names: names,
	}
}

// Patients generates a GP practice snapshot of n patients.
func (g *Generator) Patients(n int) []models.PatientRecord {
	missingBMI := g.mask(n, 0.2)
	patients := make([]models.PatientRecord, n)
	for i := range patients {
		nhs := fmt.Sprintf("%d-%d-%d", g.between(400, 500), g.between(100, 999), g.between(1000, 9999))
		name := g.names[g.rng.IntN(len(g.names))]
		p := models.PatientRecord{
			Name:             name,
			Practice:         PracticeCodes[g.rng.IntN(len(PracticeCodes))],
			NHSNumber:        nhs,
			Email:            g.email(name, nhs),
			LastConsultation: g.opts.ConsultationStart.AddDate(0, 0, g.rng.IntN(consultingDays)),
			Age:              g.between(18, 90),
			Sex:              g.choose(0.02, 0.98),
			IMDScore:         g.between(1, 11),
			GeneticsCode:     geneticsCodes[g.choose(0.92, 0.03, 0.03, 0.02)],
			MotherHistory:    g.choose(0.85, 0.15),
			SisterHistory:    g.choose(0.90, 0.10),
			RelativeUnder50:  g.choose(0.80, 0.20),
			SmokingCode:      smokingCodes[g.choose(0.78, 0.22)],
		}
		if !missingBMI[i] {
			bmi := round(g.normal(27.5, 5.5, 17, 48), 1)
			p.BMI = &bmi
		}
		patients[i] = p
	}
	return patients
}

// GPTraining generates clinical rows with a relative risk target: BRCA1
// carriers x10.5, family history with a relative diagnosed under 50 x2,
// male patients x0.01.
func (g *Generator) GPTraining(n int) ([]models.PatientRecord, []float64) {
	missingBMI := g.mask(n, 0.1)
	records := make([]models.PatientRecord, n)
	targets := make([]float64, n)
	for i := range records {
		p := models.PatientRecord{
			Age:             g.between(18, 90),
			Sex:             g.choose(0.02, 0.98),
			IMDScore:        g.between(1, 11),
			GeneticsCode:    geneticsCodes[g.choose(0.96, 0.015, 0.015, 0.01)],
			MotherHistory:   g.choose(0.88, 0.12),
			SisterHistory:   g.choose(0.92, 0.08),
			RelativeUnder50: g.choose(0.7, 0.3),
			SmokingCode:     smokingCodes[g.choose(0.8, 0.2)],
		}
		if !missingBMI[i] {
			bmi := round(g.normal(26, 5, 17, 45), 1)
			p.BMI = &bmi
		}

		risk := 1.0
		if p.GeneticsCode == codeBRCA1 {
			risk *= 10.5
		}
		if p.MotherHistory+p.SisterHistory >= 1 && p.RelativeUnder50 == 1 {
			risk *= 2.0
		}
		if p.Sex == 0 {
			risk *= 0.01
		}
		records[i] = p
		targets[i] = round(risk, 2)
	}
	return records, targets
}

// quizWeights are the published relative risks compounded into the quiz target.
var quizWeights = map[string]float64{
	"hrt":            1.35,
	"early_period":   1.15,
	"late_meno":      1.30,
	"child_after_30": 1.40,
	"hyperplasia":    4.0,
	"lcis":           8.5,
	"benign":         1.6,
	"symptoms":       5.0,
}

var (
	densityWeights = map[string]float64{"A": 1.0, "B": 1.2, "C": 1.5, "D": 3.0}
	alcoholWeights = map[string]float64{"Light": 1.0, "Moderate": 1.23, "Heavy": 1.60}
)

// QuizTraining generates quiz answer rows with a compounded risk multiplier.
func (g *Generator) QuizTraining(n int) ([]models.QuizAnswers, []float64) {
	flags := []struct {
		field string
		p     float64
	}{
		{"hrt", 0.2},
		{"early_period", 0.15},
		{"late_meno", 0.1},
		{"child_after_30", 0.3},
		{"hyperplasia", 0.02},
		{"lcis", 0.01},
		{"benign", 0.05},
		{"symptoms", 0.04},
	}

	rows := make([]models.QuizAnswers, n)
	targets := make([]float64, n)
	for i := range rows {
		density := densityLetters[g.choose(0.1, 0.4, 0.4, 0.1)]
		alcohol := alcoholLevels[g.choose(0.7, 0.2, 0.1)]
		answers := models.QuizAnswers{"density": density, "alcohol": alcohol}
		risk := densityWeights[density] * alcoholWeights[alcohol]
		for _, f := range flags {
			v := g.choose(1-f.p, f.p)
			answers[f.field] = v
			if v == 1 {
				risk *= quizWeights[f.field]
			}
		}
		rows[i] = answers
		targets[i] = round(risk, 2)
	}
	return rows, targets
}

// Split shuffles rows and targets together and holds out testFraction of them.
func Split[T any](seed uint64, rows []T, targets []float64, testFraction float64) (trainRows []T, trainTargets []float64, testRows []T, testTargets []float64) {
	rng := rand.New(rand.NewPCG(seed, seed))
	order := rng.Perm(len(rows))
	nTest := int(math.Ceil(float64(len(rows)) * testFraction))
	for i, idx := range order {
		if i < nTest {
			testRows = append(testRows, rows[idx])
			testTargets = append(testTargets, targets[idx])
		} else {
			trainRows = append(trainRows, rows[idx])
			trainTargets = append(trainTargets, targets[idx])
		}
	}
	return trainRows, trainTargets, testRows, testTargets
}

func (g *Generator) email(name, nhs string) string {
	if g.opts.Email != "" {
		return g.opts.Email
	}
	local := strings.ToLower(strings.ReplaceAll(name, " ", "."))
	return fmt.Sprintf("%s.%s@example.nhs.uk", local, strings.ReplaceAll(nhs, "-", ""))
}

// between returns an integer in [lo, hi).
func (g *Generator) between(lo, hi int) int {
	return lo + g.rng.IntN(hi-lo)
}

// choose returns the index drawn from the given probabilities.
func (g *Generator) choose(probabilities ...float64) int {
	u := g.rng.Float64()
	var cumulative float64
	for i, p := range probabilities {
		cumulative += p
		if u < cumulative {
			return i
		}
	}
	return len(probabilities) - 1
}

func (g *Generator) normal(mean, stddev, lo, hi float64) float64 {
	v := g.rng.NormFloat64()*stddev + mean
	return math.Min(hi, math.Max(lo, v))
}

// mask marks exactly int(n*fraction) distinct indices.
func (g *Generator) mask(n int, fraction float64) []bool {
	out := make([]bool, n)
	for _, idx := range g.rng.Perm(n)[:int(float64(n)*fraction)] {
		out[idx] = true
	}
	return out
}

func round(v float64, places int) float64 {
	scale := math.Pow(10, float64(places))
	return math.Round(v*scale) / scale
}
