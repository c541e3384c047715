package boost

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
)

const minGain = 1e-9

type Options struct {
	Rounds              int
	LearningRate        float64
	MaxDepth            int
	EarlyStoppingRounds int
	Lambda              float64
	MinChildWeight      float64
}

type Metrics struct {
	Rounds        int
	BestIteration int
	TrainRMSE     float64
	ValidRMSE     float64
}

// Dataset is a dense feature matrix with one regression target per row.
// NaN marks a missing value.
type Dataset struct {
	FeatureNames []string
	Rows         [][]float64
	Labels       []float64
}

func (d Dataset) validate(numFeature int) error {
	if len(d.Rows) != len(d.Labels) {
		return fmt.Errorf("%d rows but %d labels", len(d.Rows), len(d.Labels))
	}
	for i, row := range d.Rows {
		if len(row) != numFeature {
			return fmt.Errorf("row %d has %d features, want %d", i, len(row), numFeature)
		}
	}
	return nil
}

// Train fits a squared-error gradient boosted tree ensemble. With early
// stopping enabled the ensemble is truncated to the round with the lowest
// validation RMSE; otherwise every round is kept.
func Train(train Dataset, valid *Dataset, opts Options) (*Model, Metrics, error) {
	if opts.Rounds <= 0 {
		opts.Rounds = 100
	}
	if opts.LearningRate <= 0 {
		opts.LearningRate = 0.3
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = 6
	}
	if opts.Lambda <= 0 {
		opts.Lambda = 1
	}
	if opts.MinChildWeight <= 0 {
		opts.MinChildWeight = 1
	}

	if len(train.Rows) == 0 {
		return nil, Metrics{}, errors.New("training set is empty")
	}
	numFeature := len(train.Rows[0])
	if err := train.validate(numFeature); err != nil {
		return nil, Metrics{}, fmt.Errorf("training set: %w", err)
	}
	if valid != nil {
		if err := valid.validate(numFeature); err != nil {
			return nil, Metrics{}, fmt.Errorf("validation set: %w", err)
		}
		if len(valid.Rows) == 0 {
			valid = nil
		}
	}

	base := mean(train.Labels)
	model := &Model{
		BaseScore:    base,
		NumFeature:   numFeature,
		FeatureNames: train.FeatureNames,
		Objective:    ObjectiveSquaredError,
		Attributes:   map[string]string{},
	}

	b := newBuilder(train.Rows, numFeature, opts)
	margin := filled(len(train.Rows), base)
	grad := make([]float64, len(train.Rows))

	var validMargin []float64
	if valid != nil {
		validMargin = filled(len(valid.Rows), base)
	}
	bestScore := math.Inf(1)
	bestIteration := 0
	score := math.NaN()

	for round := 0; round < opts.Rounds; round++ {
		for i := range grad {
			grad[i] = margin[i] - train.Labels[i]
		}
		tree, leafOf := b.build(grad)
		for i := range margin {
			margin[i] += tree.SplitConditions[leafOf[i]]
		}
		model.Trees = append(model.Trees, tree)

		if valid == nil {
			continue
		}
		for i, row := range valid.Rows {
			validMargin[i] += tree.leaf(row)
		}
		score = rmse(validMargin, valid.Labels)
		if opts.EarlyStoppingRounds <= 0 {
			continue
		}
		if score < bestScore {
			bestScore = score
			bestIteration = round
		} else if round-bestIteration >= opts.EarlyStoppingRounds {
			break
		}
	}

	metrics := Metrics{Rounds: len(model.Trees), BestIteration: len(model.Trees) - 1}
	switch {
	case valid != nil && opts.EarlyStoppingRounds > 0:
		model.Trees = model.Trees[:bestIteration+1]
		model.Attributes["best_iteration"] = strconv.Itoa(bestIteration)
		model.Attributes["best_score"] = strconv.FormatFloat(bestScore, 'f', -1, 64)
		metrics.BestIteration = bestIteration
		metrics.ValidRMSE = bestScore
	case valid != nil:
		metrics.ValidRMSE = score
	}

	preds, err := model.PredictBatch(train.Rows)
	if err != nil {
		return nil, Metrics{}, err
	}
	metrics.TrainRMSE = rmse(preds, train.Labels)
	return model, metrics, nil
}

type splitCandidate struct {
	valid       bool
	gain        float64
	feature     int
	threshold   float64
	defaultLeft bool
}

// builder grows trees level by level over feature columns presorted once.
type builder struct {
	rows       [][]float64
	numFeature int
	sorted     [][]int
	missing    [][]int
	opts       Options
}

func newBuilder(rows [][]float64, numFeature int, opts Options) *builder {
	b := &builder{
		rows:       rows,
		numFeature: numFeature,
		sorted:     make([][]int, numFeature),
		missing:    make([][]int, numFeature),
		opts:       opts,
	}
	for f := 0; f < numFeature; f++ {
		present := make([]int, 0, len(rows))
		for r, row := range rows {
			if math.IsNaN(row[f]) {
				b.missing[f] = append(b.missing[f], r)
			} else {
				present = append(present, r)
			}
		}
		col := f
		sort.SliceStable(present, func(i, j int) bool {
			return rows[present[i]][col] < rows[present[j]][col]
		})
		b.sorted[f] = present
	}
	return b
}

// build grows one tree on the given gradients (unit hessians) and returns it
// together with the leaf each training row ended in.
func (b *builder) build(grad []float64) (Tree, []int) {
	var tree Tree
	tree.addNode(-1)
	position := make([]int, len(grad))
	frontier := []int{0}

	for depth := 0; depth < b.opts.MaxDepth && len(frontier) > 0; depth++ {
		nodes := len(tree.LeftChildren)
		sumG, sumH := b.nodeSums(grad, position, nodes)

		active := make([]bool, nodes)
		for _, node := range frontier {
			active[node] = true
		}
		best := make([]splitCandidate, nodes)

		for f := 0; f < b.numFeature; f++ {
			missG := make([]float64, nodes)
			missH := make([]float64, nodes)
			for _, r := range b.missing[f] {
				if node := position[r]; active[node] {
					missG[node] += grad[r]
					missH[node]++
				}
			}

			leftG := make([]float64, nodes)
			leftH := make([]float64, nodes)
			last := make([]float64, nodes)
			seen := make([]bool, nodes)
			for _, r := range b.sorted[f] {
				node := position[r]
				if !active[node] {
					continue
				}
				value := b.rows[r][f]
				if seen[node] && value != last[node] {
					if threshold, ok := splitThreshold(last[node], value); ok {
						b.evaluate(&best[node], f, threshold, leftG[node], leftH[node], missG[node], missH[node], sumG[node], sumH[node])
					}
				}
				leftG[node] += grad[r]
				leftH[node]++
				last[node] = value
				seen[node] = true
			}
		}

		var next []int
		for _, node := range frontier {
			c := best[node]
			if !c.valid {
				continue
			}
			left := tree.addNode(node)
			right := tree.addNode(node)
			tree.LeftChildren[node] = left
			tree.RightChildren[node] = right
			tree.SplitIndices[node] = c.feature
			tree.SplitConditions[node] = c.threshold
			tree.DefaultLeft[node] = c.defaultLeft
			tree.LossChanges[node] = c.gain
			tree.BaseWeights[node] = b.opts.LearningRate * b.weight(sumG[node], sumH[node])
			tree.SumHessian[node] = sumH[node]
			next = append(next, left, right)
		}

		for r, node := range position {
			if tree.LeftChildren[node] == -1 {
				continue
			}
			value := b.rows[r][tree.SplitIndices[node]]
			switch {
			case math.IsNaN(value):
				if tree.DefaultLeft[node] {
					position[r] = tree.LeftChildren[node]
				} else {
					position[r] = tree.RightChildren[node]
				}
			case below(value, tree.SplitConditions[node]):
				position[r] = tree.LeftChildren[node]
			default:
				position[r] = tree.RightChildren[node]
			}
		}
		frontier = next
	}

	sumG, sumH := b.nodeSums(grad, position, len(tree.LeftChildren))
	for node := range tree.LeftChildren {
		if tree.LeftChildren[node] != -1 {
			continue
		}
		value := b.opts.LearningRate * b.weight(sumG[node], sumH[node])
		tree.SplitConditions[node] = value
		tree.BaseWeights[node] = value
		tree.SumHessian[node] = sumH[node]
	}
	return tree, position
}

// splitThreshold picks a float32 threshold separating lo from hi. Values
// that collapse to the same float32 cannot be split.
func splitThreshold(lo, hi float64) (float64, bool) {
	a, c := float32(lo), float32(hi)
	if a >= c {
		return 0, false
	}
	mid := a + (c-a)/2
	if mid <= a {
		mid = c
	}
	return float64(mid), true
}

func (b *builder) nodeSums(grad []float64, position []int, nodes int) ([]float64, []float64) {
	sumG := make([]float64, nodes)
	sumH := make([]float64, nodes)
	for r, node := range position {
		sumG[node] += grad[r]
		sumH[node]++
	}
	return sumG, sumH
}

// evaluate scores a threshold with missing values sent right, then left.
func (b *builder) evaluate(c *splitCandidate, feature int, threshold, gl, hl, gm, hm, g, h float64) {
	parent := b.score(g, h)
	b.consider(c, feature, threshold, false, gl, hl, g-gl, h-hl, parent)
	if hm > 0 {
		b.consider(c, feature, threshold, true, gl+gm, hl+hm, g-gl-gm, h-hl-hm, parent)
	}
}

func (b *builder) consider(c *splitCandidate, feature int, threshold float64, defaultLeft bool, gl, hl, gr, hr, parent float64) {
	if hl < b.opts.MinChildWeight || hr < b.opts.MinChildWeight {
		return
	}
	gain := 0.5 * (b.score(gl, hl) + b.score(gr, hr) - parent)
	if gain <= minGain {
		return
	}
	if !c.valid || gain > c.gain {
		*c = splitCandidate{valid: true, gain: gain, feature: feature, threshold: threshold, defaultLeft: defaultLeft}
	}
}

func (b *builder) score(g, h float64) float64 {
	return g * g / (h + b.opts.Lambda)
}

func (b *builder) weight(g, h float64) float64 {
	return -g / (h + b.opts.Lambda)
}

func mean(values []float64) float64 {
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func filled(n int, value float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = value
	}
	return out
}

func rmse(predictions, labels []float64) float64 {
	if len(labels) == 0 {
		return 0
	}
	var sum float64
	for i := range labels {
		diff := predictions[i] - labels[i]
		sum += diff * diff
	}
	return math.Sqrt(sum / float64(len(labels)))
}
