package predictor

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viva-health/screening/pkg/ml/boost"
	"github.com/viva-health/screening/pkg/observability/metrics"
)

func constantModel(t *testing.T, dir, name string, value float64) string {
	t.Helper()
	model := &boost.Model{
		BaseScore:  value,
		NumFeature: 1,
		Trees: []boost.Tree{{
			LeftChildren:    []int{-1},
			RightChildren:   []int{-1},
			Parents:         []int{-1},
			SplitIndices:    []int{0},
			SplitConditions: []float64{0},
			DefaultLeft:     []bool{false},
			BaseWeights:     []float64{0},
			LossChanges:     []float64{0},
			SumHessian:      []float64{1},
		}},
	}
	path := filepath.Join(dir, name+".json")
	require.NoError(t, model.Save(path))
	return path
}

func TestPredictCachesUntilArtifactChanges(t *testing.T) {
	dir := t.TempDir()
	path := constantModel(t, dir, "gp", 1.5)
	p := NewPredictor(dir)
	reloads := testutil.ToFloat64(metrics.ModelReloads.WithLabelValues("gp"))

	got, err := p.Predict("gp", []float64{3})
	require.NoError(t, err)
	assert.InDelta(t, 1.5, got, 1e-9)

	_, err = p.Predict("gp", []float64{3})
	require.NoError(t, err)
	assert.Equal(t, reloads+1, testutil.ToFloat64(metrics.ModelReloads.WithLabelValues("gp")))

	constantModel(t, dir, "gp", 2.5)
	later := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(path, later, later))

	got, err = p.Predict("gp", []float64{3})
	require.NoError(t, err)
	assert.InDelta(t, 2.5, got, 1e-9)

	version, err := p.Version("gp")
	require.NoError(t, err)
	assert.WithinDuration(t, later, version, time.Second)
}

func TestInvalidateForcesReload(t *testing.T) {
	dir := t.TempDir()
	constantModel(t, dir, "quiz", 1.2)
	p := NewPredictor(dir)

	_, err := p.Model("quiz")
	require.NoError(t, err)
	reloads := testutil.ToFloat64(metrics.ModelReloads.WithLabelValues("quiz"))

	p.Invalidate("quiz")
	rows, err := p.PredictBatch("quiz", [][]float64{{0}, {1}})
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{1.2, 1.2}, rows, 1e-9)
	assert.Equal(t, reloads+1, testutil.ToFloat64(metrics.ModelReloads.WithLabelValues("quiz")))
}

func TestMissingAndCorruptArtifacts(t *testing.T) {
	dir := t.TempDir()
	p := NewPredictor(dir)

	_, err := p.Predict("absent", []float64{1})
	assert.ErrorIs(t, err, ErrModelNotFound)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{not json"), 0o644))
	_, err = p.Predict("broken", []float64{1})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrModelNotFound)
}
