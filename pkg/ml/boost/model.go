// Package boost evaluates and trains gradient boosted regression tree
// ensembles stored in the XGBoost JSON model format.
package boost

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
)

const (
	ObjectiveSquaredError = "reg:squarederror"

	rootParent = 2147483647
)

var ErrFeatureCount = errors.New("feature vector length does not match model")

// Tree is one regression tree in XGBoost's flat array layout. Node 0 is the
// root; a node is a leaf when its left child is -1 and then its split
// condition holds the leaf value.
type Tree struct {
	LeftChildren    []int
	RightChildren   []int
	Parents         []int
	SplitIndices    []int
	SplitConditions []float64
	DefaultLeft     []bool
	BaseWeights     []float64
	LossChanges     []float64
	SumHessian      []float64
}

type Model struct {
	BaseScore    float64
	NumFeature   int
	FeatureNames []string
	Objective    string
	Attributes   map[string]string
	Trees        []Tree
}

// Predict returns the raw regression output for one feature vector.
// NaN entries are treated as missing and follow each split's default branch.
func (m *Model) Predict(features []float64) (float64, error) {
	if m.NumFeature > 0 && len(features) != m.NumFeature {
		return 0, fmt.Errorf("%w: got %d, want %d", ErrFeatureCount, len(features), m.NumFeature)
	}
	sum := m.BaseScore
	for i := range m.Trees {
		sum += m.Trees[i].leaf(features)
	}
	return sum, nil
}

func (m *Model) PredictBatch(rows [][]float64) ([]float64, error) {
	out := make([]float64, len(rows))
	for i, row := range rows {
		v, err := m.Predict(row)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}

func (t *Tree) leaf(features []float64) float64 {
	node := 0
	for t.LeftChildren[node] != -1 {
		value := features[t.SplitIndices[node]]
		switch {
		case math.IsNaN(value):
			if t.DefaultLeft[node] {
				node = t.LeftChildren[node]
			} else {
				node = t.RightChildren[node]
			}
		case below(value, t.SplitConditions[node]):
			node = t.LeftChildren[node]
		default:
			node = t.RightChildren[node]
		}
	}
	return t.SplitConditions[node]
}

// below compares in single precision, as XGBoost stores split conditions
// and feature values as float32.
func below(value, threshold float64) bool {
	return float32(value) < float32(threshold)
}

func (t *Tree) addNode(parent int) int {
	t.LeftChildren = append(t.LeftChildren, -1)
	t.RightChildren = append(t.RightChildren, -1)
	t.Parents = append(t.Parents, parent)
	t.SplitIndices = append(t.SplitIndices, 0)
	t.SplitConditions = append(t.SplitConditions, 0)
	t.DefaultLeft = append(t.DefaultLeft, false)
	t.BaseWeights = append(t.BaseWeights, 0)
	t.LossChanges = append(t.LossChanges, 0)
	t.SumHessian = append(t.SumHessian, 0)
	return len(t.LeftChildren) - 1
}

func (t *Tree) validate(numFeature int) error {
	n := len(t.LeftChildren)
	if n == 0 {
		return fmt.Errorf("tree has no nodes")
	}
	if len(t.RightChildren) != n || len(t.SplitIndices) != n || len(t.SplitConditions) != n || len(t.DefaultLeft) != n {
		return fmt.Errorf("tree arrays have inconsistent lengths")
	}
	for node := 0; node < n; node++ {
		left, right := t.LeftChildren[node], t.RightChildren[node]
		if left == -1 {
			continue
		}
		// children always come after their parent, which also rules out cycles
		if left <= node || right <= node || left >= n || right >= n {
			return fmt.Errorf("node %d has invalid children %d/%d", node, left, right)
		}
		if idx := t.SplitIndices[node]; idx < 0 || (numFeature > 0 && idx >= numFeature) {
			return fmt.Errorf("node %d splits on unknown feature %d", node, idx)
		}
	}
	return nil
}

// Load reads an XGBoost JSON model from disk.
func Load(path string) (*Model, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(content)
}

// Parse decodes an XGBoost JSON model document.
func Parse(content []byte) (*Model, error) {
	var doc xgbDocument
	if err := json.Unmarshal(content, &doc); err != nil {
		return nil, fmt.Errorf("decode model: %w", err)
	}

	learner := doc.Learner
	if name := learner.GradientBooster.Name; name != "" && name != "gbtree" {
		return nil, fmt.Errorf("unsupported booster %q", name)
	}
	objective := learner.Objective.Name
	if objective != "" && objective != ObjectiveSquaredError {
		return nil, fmt.Errorf("unsupported objective %q", objective)
	}

	baseScore, err := parseScalar(learner.LearnerModelParam.BaseScore)
	if err != nil {
		return nil, fmt.Errorf("base_score: %w", err)
	}
	numFeature := 0
	if raw := learner.LearnerModelParam.NumFeature; raw != "" {
		if numFeature, err = strconv.Atoi(raw); err != nil {
			return nil, fmt.Errorf("num_feature: %w", err)
		}
	}

	model := &Model{
		BaseScore:    baseScore,
		NumFeature:   numFeature,
		FeatureNames: learner.FeatureNames,
		Objective:    ObjectiveSquaredError,
		Attributes:   learner.Attributes,
	}

	for i, raw := range learner.GradientBooster.Model.Trees {
		for _, st := range raw.SplitType {
			if st != 0 {
				return nil, fmt.Errorf("tree %d: categorical splits are not supported", i)
			}
		}
		tree := Tree{
			LeftChildren:    raw.LeftChildren,
			RightChildren:   raw.RightChildren,
			Parents:         raw.Parents,
			SplitIndices:    raw.SplitIndices,
			SplitConditions: raw.SplitConditions,
			DefaultLeft:     []bool(raw.DefaultLeft),
			BaseWeights:     raw.BaseWeights,
			LossChanges:     raw.LossChanges,
			SumHessian:      raw.SumHessian,
		}
		if err := tree.validate(numFeature); err != nil {
			return nil, fmt.Errorf("tree %d: %w", i, err)
		}
		model.Trees = append(model.Trees, tree)
	}

	if model.NumFeature == 0 {
		model.NumFeature = maxSplitIndex(model.Trees) + 1
	}

	// sklearn-style predictions stop at the early stopping iteration
	if best, ok := learner.Attributes["best_iteration"]; ok {
		if n, err := strconv.Atoi(best); err == nil && n+1 < len(model.Trees) {
			model.Trees = model.Trees[:n+1]
		}
	}
	return model, nil
}

// Save writes the model as an XGBoost JSON document.
func (m *Model) Save(path string) error {
	content, err := m.MarshalJSON()
	if err != nil {
		return err
	}
	return os.WriteFile(path, content, 0o644)
}

func (m *Model) MarshalJSON() ([]byte, error) {
	trees := make([]xgbTree, len(m.Trees))
	treeInfo := make([]int, len(m.Trees))
	indptr := make([]int, len(m.Trees)+1)
	for i, t := range m.Trees {
		parents := make([]int, len(t.Parents))
		copy(parents, t.Parents)
		if len(parents) > 0 {
			parents[0] = rootParent
		}
		splitTypes := make([]int, len(t.LeftChildren))
		trees[i] = xgbTree{
			BaseWeights:        t.BaseWeights,
			Categories:         []int{},
			CategoriesNodes:    []int{},
			CategoriesSegments: []int{},
			CategoriesSizes:    []int{},
			DefaultLeft:        flagList(t.DefaultLeft),
			ID:                 i,
			LeftChildren:       t.LeftChildren,
			LossChanges:        t.LossChanges,
			Parents:            parents,
			RightChildren:      t.RightChildren,
			SplitConditions:    t.SplitConditions,
			SplitIndices:       t.SplitIndices,
			SplitType:          splitTypes,
			SumHessian:         t.SumHessian,
			TreeParam: xgbTreeParam{
				NumDeleted:     "0",
				NumFeature:     strconv.Itoa(m.NumFeature),
				NumNodes:       strconv.Itoa(len(t.LeftChildren)),
				SizeLeafVector: "1",
			},
		}
		indptr[i+1] = i + 1
	}

	featureTypes := make([]string, len(m.FeatureNames))
	for i := range featureTypes {
		featureTypes[i] = "float"
	}
	attributes := m.Attributes
	if attributes == nil {
		attributes = map[string]string{}
	}

	doc := xgbDocument{
		Learner: xgbLearner{
			Attributes:   attributes,
			FeatureNames: m.FeatureNames,
			FeatureTypes: featureTypes,
			GradientBooster: xgbBooster{
				Name: "gbtree",
				Model: xgbGBTree{
					Param: xgbGBTreeParam{
						NumParallelTree: "1",
						NumTrees:        strconv.Itoa(len(m.Trees)),
					},
					IterationIndptr: indptr,
					TreeInfo:        treeInfo,
					Trees:           trees,
				},
			},
			LearnerModelParam: xgbModelParam{
				BaseScore:        strconv.FormatFloat(m.BaseScore, 'E', -1, 64),
				BoostFromAverage: "1",
				NumClass:         "0",
				NumFeature:       strconv.Itoa(m.NumFeature),
				NumTarget:        "1",
			},
			Objective: xgbObjective{
				Name:         ObjectiveSquaredError,
				RegLossParam: map[string]string{"scale_pos_weight": "1"},
			},
		},
		Version: []int{2, 0, 3},
	}
	return json.MarshalIndent(doc, "", "  ")
}

func maxSplitIndex(trees []Tree) int {
	highest := -1
	for _, t := range trees {
		for node, idx := range t.SplitIndices {
			if t.LeftChildren[node] != -1 && idx > highest {
				highest = idx
			}
		}
	}
	return highest
}

// parseScalar accepts both "5E-1" and the bracketed "[5E-1]" form.
func parseScalar(raw string) (float64, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimSuffix(strings.TrimPrefix(raw, "["), "]")
	if raw == "" {
		return 0.5, nil
	}
	return strconv.ParseFloat(raw, 64)
}

type xgbDocument struct {
	Learner xgbLearner `json:"learner"`
	Version []int      `json:"version"`
}

type xgbLearner struct {
	Attributes        map[string]string `json:"attributes"`
	FeatureNames      []string          `json:"feature_names"`
	FeatureTypes      []string          `json:"feature_types"`
	GradientBooster   xgbBooster        `json:"gradient_booster"`
	LearnerModelParam xgbModelParam     `json:"learner_model_param"`
	Objective         xgbObjective      `json:"objective"`
}

type xgbBooster struct {
	Model xgbGBTree `json:"model"`
	Name  string    `json:"name"`
}

type xgbGBTree struct {
	Param           xgbGBTreeParam `json:"gbtree_model_param"`
	IterationIndptr []int          `json:"iteration_indptr"`
	TreeInfo        []int          `json:"tree_info"`
	Trees           []xgbTree      `json:"trees"`
}

type xgbGBTreeParam struct {
	NumParallelTree string `json:"num_parallel_tree"`
	NumTrees        string `json:"num_trees"`
}

type xgbModelParam struct {
	BaseScore        string `json:"base_score"`
	BoostFromAverage string `json:"boost_from_average"`
	NumClass         string `json:"num_class"`
	NumFeature       string `json:"num_feature"`
	NumTarget        string `json:"num_target"`
}

type xgbObjective struct {
	Name         string            `json:"name"`
	RegLossParam map[string]string `json:"reg_loss_param"`
}

type xgbTree struct {
	BaseWeights        []float64    `json:"base_weights"`
	Categories         []int        `json:"categories"`
	CategoriesNodes    []int        `json:"categories_nodes"`
	CategoriesSegments []int        `json:"categories_segments"`
	CategoriesSizes    []int        `json:"categories_sizes"`
	DefaultLeft        flagList     `json:"default_left"`
	ID                 int          `json:"id"`
	LeftChildren       []int        `json:"left_children"`
	LossChanges        []float64    `json:"loss_changes"`
	Parents            []int        `json:"parents"`
	RightChildren      []int        `json:"right_children"`
	SplitConditions    []float64    `json:"split_conditions"`
	SplitIndices       []int        `json:"split_indices"`
	SplitType          []int        `json:"split_type"`
	SumHessian         []float64    `json:"sum_hessian"`
	TreeParam          xgbTreeParam `json:"tree_param"`
}

type xgbTreeParam struct {
	NumDeleted     string `json:"num_deleted"`
	NumFeature     string `json:"num_feature"`
	NumNodes       string `json:"num_nodes"`
	SizeLeafVector string `json:"size_leaf_vector"`
}

// flagList decodes default_left, which older writers emit as booleans and
// newer ones as 0/1 integers.
type flagList []bool

func (f *flagList) UnmarshalJSON(data []byte) error {
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make([]bool, len(raw))
	for i, v := range raw {
		switch t := v.(type) {
		case bool:
			out[i] = t
		case float64:
			out[i] = t != 0
		default:
			return fmt.Errorf("default_left[%d]: unexpected %T", i, v)
		}
	}
	*f = out
	return nil
}

func (f flagList) MarshalJSON() ([]byte, error) {
	out := make([]int, len(f))
	for i, v := range f {
		if v {
			out[i] = 1
		}
	}
	return json.Marshal(out)
}
