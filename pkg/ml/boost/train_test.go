package boost

import (
	"math"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stepDataset(n int) Dataset {
	ds := Dataset{FeatureNames: []string{"x", "noise"}}
	for i := 0; i < n; i++ {
		x := float64(i % 2)
		ds.Rows = append(ds.Rows, []float64{x, float64(i % 7)})
		ds.Labels = append(ds.Labels, 1+2*x)
	}
	return ds
}

func TestTrainFitsStepFunction(t *testing.T) {
	ds := stepDataset(200)

	model, metrics, err := Train(ds, nil, Options{Rounds: 60, LearningRate: 0.3, MaxDepth: 2})
	require.NoError(t, err)

	assert.Len(t, model.Trees, 60)
	assert.Equal(t, 2, model.NumFeature)
	assert.InDelta(t, 2.0, model.BaseScore, 1e-9)
	assert.Less(t, metrics.TrainRMSE, 0.01)

	low, err := model.Predict([]float64{0, 3})
	require.NoError(t, err)
	high, err := model.Predict([]float64{1, 3})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, low, 0.01)
	assert.InDelta(t, 3.0, high, 0.01)
}

func TestTrainLearnsMissingDirection(t *testing.T) {
	var ds Dataset
	for i := 0; i < 90; i++ {
		switch i % 3 {
		case 0:
			ds.Rows = append(ds.Rows, []float64{10})
			ds.Labels = append(ds.Labels, 1)
		case 1:
			ds.Rows = append(ds.Rows, []float64{30})
			ds.Labels = append(ds.Labels, 2)
		default:
			ds.Rows = append(ds.Rows, []float64{math.NaN()})
			ds.Labels = append(ds.Labels, 2)
		}
	}

	model, _, err := Train(ds, nil, Options{Rounds: 50, LearningRate: 0.3, MaxDepth: 1})
	require.NoError(t, err)

	root := model.Trees[0]
	require.NotEqual(t, -1, root.LeftChildren[0])
	assert.InDelta(t, 20.0, root.SplitConditions[0], 1e-9)
	assert.False(t, root.DefaultLeft[0])

	missing, err := model.Predict([]float64{math.NaN()})
	require.NoError(t, err)
	assert.InDelta(t, 2.0, missing, 0.01)
}

func TestTrainEarlyStopping(t *testing.T) {
	train := stepDataset(100)
	valid := stepDataset(40)

	model, metrics, err := Train(train, &valid, Options{Rounds: 500, LearningRate: 0.5, MaxDepth: 1, EarlyStoppingRounds: 5})
	require.NoError(t, err)

	assert.Less(t, metrics.Rounds, 500)
	assert.Len(t, model.Trees, metrics.BestIteration+1)
	assert.Equal(t, strconv.Itoa(metrics.BestIteration), model.Attributes["best_iteration"])
	assert.Less(t, metrics.ValidRMSE, 0.01)
}

func TestTrainWithoutEarlyStoppingKeepsEveryRound(t *testing.T) {
	train := stepDataset(100)
	valid := stepDataset(40)

	model, metrics, err := Train(train, &valid, Options{Rounds: 50, LearningRate: 0.3, MaxDepth: 2})
	require.NoError(t, err)

	assert.Len(t, model.Trees, 50)
	assert.Equal(t, 50, metrics.Rounds)
	assert.Equal(t, 49, metrics.BestIteration)
	assert.NotContains(t, model.Attributes, "best_iteration")
	assert.NotContains(t, model.Attributes, "best_score")
	assert.Less(t, metrics.ValidRMSE, 0.01)

	path := filepath.Join(t.TempDir(), "all_rounds.json")
	require.NoError(t, model.Save(path))
	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, loaded.Trees, 50)
}

func TestTrainedModelRoundTrips(t *testing.T) {
	ds := stepDataset(50)
	ds.Rows[3][1] = math.NaN()

	model, _, err := Train(ds, nil, Options{Rounds: 10, MaxDepth: 3})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "trained.json")
	require.NoError(t, model.Save(path))
	loaded, err := Load(path)
	require.NoError(t, err)

	want, err := model.PredictBatch(ds.Rows)
	require.NoError(t, err)
	got, err := loaded.PredictBatch(ds.Rows)
	require.NoError(t, err)
	assert.InDeltaSlice(t, want, got, 1e-12)
}

func TestTrainRejectsBadInput(t *testing.T) {
	_, _, err := Train(Dataset{}, nil, Options{})
	assert.Error(t, err)

	_, _, err = Train(Dataset{Rows: [][]float64{{1}, {2, 3}}, Labels: []float64{1, 2}}, nil, Options{})
	assert.Error(t, err)

	_, _, err = Train(Dataset{Rows: [][]float64{{1}}, Labels: []float64{1, 2}}, nil, Options{})
	assert.Error(t, err)
}

func TestSplitThresholdSeparatesInSinglePrecision(t *testing.T) {
	threshold, ok := splitThreshold(10, 30)
	require.True(t, ok)
	assert.Equal(t, 20.0, threshold)

	_, ok = splitThreshold(25-1e-9, 25)
	assert.False(t, ok)

	lo := float64(float32(1.5))
	hi := float64(math.Nextafter32(float32(1.5), 2))
	threshold, ok = splitThreshold(lo, hi)
	require.True(t, ok)
	assert.True(t, below(lo, threshold))
	assert.False(t, below(hi, threshold))
}
