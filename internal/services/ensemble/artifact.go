package ensemble

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"PolyPulse/internal/domain/models"
)

var (
	ErrUnavailable = errors.New("ensemble: model unavailable")
	ErrMalformed   = errors.New("ensemble: malformed artifact")
)

// Schema versions of the feature vector the model was trained on.
const (
	SchemaBase     = 1 // 28 base features
	SchemaExtended = 2 // base + 6 interaction features
)

// artifact is the exported model document.
type artifact struct {
	Type              string            `json:"type"`
	Version           int               `json:"version"`
	NumTrees          int               `json:"num_trees"`
	NumFeatures       int               `json:"num_features"`
	BaseScore         *float64          `json:"base_score"`
	LearningRate      float64           `json:"learning_rate"`
	DecisionThreshold *float64          `json:"decision_threshold"`
	Trees             []json.RawMessage `json:"trees"`
	FeatureNames      []string          `json:"feature_names"`
	Normalization     *normalization    `json:"normalization"`
}

type normalization struct {
	Means        []float64 `json:"means"`
	Stds         []float64 `json:"stds"`
	FeatureNames []string  `json:"feature_names"`
}

// dumpNode is one node of an XGBoost JSON dump.
type dumpNode struct {
	NodeID         *int        `json:"nodeid"`
	Split          *string     `json:"split"`
	SplitCondition float64     `json:"split_condition"`
	Yes            *int        `json:"yes"`
	No             *int        `json:"no"`
	Missing        *int        `json:"missing"`
	Children       []*dumpNode `json:"children"`
	Leaf           *float64    `json:"leaf"`
}

// node is an arena entry. Child fields are arena indices.
type node struct {
	leaf      bool
	value     float64
	feature   int
	threshold float64
	yes       int32
	no        int32
	missing   int32
}

type tree struct {
	nodes []node // nodes[0] is the root
}

// Model is an immutable, loaded ensemble.
type Model struct {
	Version           int
	Schema            int
	NumFeatures       int
	BaseScore         float64
	LearningRate      float64
	DecisionThreshold float64
	FeatureNames      []string

	columns []int // artifact column -> vector index; nil means identity
	means   []float64
	stds    []float64
	trees   []tree
}

// Parse loads a model from its JSON document and an optional separate
// normalization document.
func Parse(modelDoc, normDoc []byte) (*Model, error) {
	if len(bytes.TrimSpace(modelDoc)) == 0 {
		return nil, ErrUnavailable
	}
	var a artifact
	if err := json.Unmarshal(modelDoc, &a); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if a.Type != "" && !strings.EqualFold(a.Type, "xgboost") {
		return nil, fmt.Errorf("%w: unsupported model type %q", ErrMalformed, a.Type)
	}
	if len(a.Trees) == 0 {
		return nil, fmt.Errorf("%w: no trees", ErrMalformed)
	}
	if a.NumTrees > 0 && a.NumTrees != len(a.Trees) {
		return nil, fmt.Errorf("%w: num_trees %d but %d trees", ErrMalformed, a.NumTrees, len(a.Trees))
	}

	norm := a.Normalization
	if len(bytes.TrimSpace(normDoc)) > 0 {
		norm = &normalization{}
		if err := json.Unmarshal(normDoc, norm); err != nil {
			return nil, fmt.Errorf("%w: normalization: %v", ErrMalformed, err)
		}
	}
	names := a.FeatureNames
	if len(names) == 0 && norm != nil {
		names = norm.FeatureNames
	}

	m := &Model{
		Version:           a.Version,
		BaseScore:         0.5,
		LearningRate:      a.LearningRate,
		DecisionThreshold: 0.6,
		FeatureNames:      names,
	}
	if a.BaseScore != nil {
		m.BaseScore = *a.BaseScore
	}
	if m.BaseScore <= 0 || m.BaseScore >= 1 {
		return nil, fmt.Errorf("%w: base_score %v outside (0,1)", ErrMalformed, m.BaseScore)
	}
	if a.DecisionThreshold != nil {
		m.DecisionThreshold = *a.DecisionThreshold
	}

	meansLen := 0
	if norm != nil {
		meansLen = len(norm.Means)
	}
	m.Schema = detectSchema(a.Version, a.NumFeatures, meansLen, names)
	m.NumFeatures = models.NumBaseFeatures
	if m.Schema == SchemaExtended {
		m.NumFeatures = models.NumExtendedFeatures
	}
	if a.NumFeatures > 0 && a.NumFeatures != m.NumFeatures {
		return nil, fmt.Errorf("%w: num_features %d does not match schema v%d", ErrMalformed, a.NumFeatures, m.Schema)
	}

	if err := m.mapColumns(names); err != nil {
		return nil, err
	}
	if err := m.setNormalization(norm); err != nil {
		return nil, err
	}

	m.trees = make([]tree, 0, len(a.Trees))
	for i, raw := range a.Trees {
		root, err := decodeTree(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: tree %d: %v", ErrMalformed, i, err)
		}
		t, err := buildArena(root, m.resolveSplit)
		if err != nil {
			return nil, fmt.Errorf("%w: tree %d: %v", ErrMalformed, i, err)
		}
		m.trees = append(m.trees, t)
	}
	return m, nil
}

// detectSchema picks the extended schema when any signal in the artifact
// says so, else the base one.
func detectSchema(version, numFeatures, meansLen int, names []string) int {
	if version >= SchemaExtended || numFeatures == models.NumExtendedFeatures || meansLen == models.NumExtendedFeatures {
		return SchemaExtended
	}
	for _, n := range names {
		if i := models.FeatureIndex(n); i >= models.NumBaseFeatures && i < models.NumExtendedFeatures {
			return SchemaExtended
		}
	}
	return SchemaBase
}

// mapColumns resolves the artifact's column order onto the feature vector.
// Without feature names the columns are taken to be in vector order.
func (m *Model) mapColumns(names []string) error {
	m.columns = nil
	if len(names) == 0 {
		return nil
	}
	if len(names) > m.NumFeatures {
		return fmt.Errorf("%w: %d feature names for %d inputs", ErrMalformed, len(names), m.NumFeatures)
	}
	seen := make(map[int]bool, len(names))
	m.columns = make([]int, len(names))
	for col, name := range names {
		idx := models.FeatureIndex(name)
		if idx < 0 || idx >= m.NumFeatures {
			return fmt.Errorf("%w: feature %q is not a v%d model input", ErrMalformed, name, m.Schema)
		}
		if seen[idx] {
			return fmt.Errorf("%w: feature %q listed twice", ErrMalformed, name)
		}
		seen[idx] = true
		m.columns[col] = idx
	}
	return nil
}

// column returns the vector index of artifact column col.
func (m *Model) column(col int) (int, bool) {
	if m.columns == nil {
		return col, col >= 0 && col < m.NumFeatures
	}
	if col < 0 || col >= len(m.columns) {
		return 0, false
	}
	return m.columns[col], true
}

// setNormalization stores means and stds in vector order. The arrays follow
// the artifact's column order, so named columns must cover all of them.
func (m *Model) setNormalization(norm *normalization) error {
	n := m.NumFeatures
	m.means = make([]float64, n)
	m.stds = make([]float64, n)
	for i := range m.stds {
		m.stds[i] = 1
	}
	if norm == nil || (len(norm.Means) == 0 && len(norm.Stds) == 0) {
		return nil
	}
	if len(norm.Means) != n || len(norm.Stds) != n {
		return fmt.Errorf("%w: normalization has %d means, %d stds for %d features", ErrMalformed, len(norm.Means), len(norm.Stds), n)
	}
	if m.columns != nil && len(m.columns) != n {
		return fmt.Errorf("%w: %d feature names for %d normalized columns", ErrMalformed, len(m.columns), n)
	}
	for col := 0; col < n; col++ {
		idx, _ := m.column(col)
		m.means[idx] = norm.Means[col]
		if s := norm.Stds[col]; s > 0 && !math.IsNaN(s) && !math.IsInf(s, 0) {
			m.stds[idx] = s
		}
	}
	return nil
}

// resolveSplit maps a split ("f3" or a feature name) to a vector index.
func (m *Model) resolveSplit(split string) (int, error) {
	if idx := models.FeatureIndex(split); idx >= 0 {
		if idx >= m.NumFeatures {
			return 0, fmt.Errorf("split feature %q outside %d model inputs", split, m.NumFeatures)
		}
		return idx, nil
	}
	if strings.HasPrefix(split, "f") {
		if col, err := strconv.Atoi(split[1:]); err == nil {
			if idx, ok := m.column(col); ok {
				return idx, nil
			}
		}
	}
	return 0, fmt.Errorf("split feature %q outside %d model inputs", split, m.NumFeatures)
}

// decodeTree accepts a tree as a JSON object or as a string holding one.
func decodeTree(raw json.RawMessage) (*dumpNode, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		raw = []byte(s)
	}
	var root dumpNode
	if err := json.Unmarshal(raw, &root); err != nil {
		return nil, err
	}
	return &root, nil
}

// buildArena flattens a nested dump into an arena indexed by node id
// position, validating every child reference.
func buildArena(root *dumpNode, resolve func(string) (int, error)) (tree, error) {
	var flat []*dumpNode
	stack := []*dumpNode{root}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n == nil {
			return tree{}, errors.New("null node")
		}
		flat = append(flat, n)
		stack = append(stack, n.Children...)
	}

	// flat[0] is the root
	index := make(map[int]int32, len(flat))
	for i, n := range flat {
		if n.NodeID == nil {
			return tree{}, errors.New("node without nodeid")
		}
		if _, dup := index[*n.NodeID]; dup {
			return tree{}, fmt.Errorf("duplicate nodeid %d", *n.NodeID)
		}
		index[*n.NodeID] = int32(i)
	}

	nodes := make([]node, len(flat))
	for i, n := range flat {
		if n.Leaf != nil {
			nodes[i] = node{leaf: true, value: *n.Leaf}
			continue
		}
		if n.Split == nil || n.Yes == nil || n.No == nil {
			return tree{}, fmt.Errorf("node %d: split node missing split/yes/no", *n.NodeID)
		}
		feat, err := resolve(*n.Split)
		if err != nil {
			return tree{}, fmt.Errorf("node %d: %w", *n.NodeID, err)
		}
		yes, ok := index[*n.Yes]
		if !ok {
			return tree{}, fmt.Errorf("node %d: unknown yes child %d", *n.NodeID, *n.Yes)
		}
		no, ok := index[*n.No]
		if !ok {
			return tree{}, fmt.Errorf("node %d: unknown no child %d", *n.NodeID, *n.No)
		}
		missing := yes
		if n.Missing != nil {
			if missing, ok = index[*n.Missing]; !ok {
				return tree{}, fmt.Errorf("node %d: unknown missing child %d", *n.NodeID, *n.Missing)
			}
		}
		nodes[i] = node{feature: feat, threshold: n.SplitCondition, yes: yes, no: no, missing: missing}
	}
	return tree{nodes: nodes}, nil
}

// eval walks the tree from its root. The loop is bounded by the arena size,
// so a malformed cycle terminates with ok=false.
func (t tree) eval(x []float64) (float64, bool) {
	i := int32(0)
	for steps := 0; steps <= len(t.nodes); steps++ {
		n := &t.nodes[i]
		if n.leaf {
			return n.value, true
		}
		v := x[n.feature]
		switch {
		case math.IsNaN(v) || math.IsInf(v, 0):
			i = n.missing
		case v < n.threshold:
			i = n.yes
		default:
			i = n.no
		}
	}
	return 0, false
}

// Predict returns the Up probability for a feature vector.
func (m *Model) Predict(f models.FeatureSnapshot) (float64, error) {
	x := f.Slice(m.NumFeatures)
	if len(x) < m.NumFeatures {
		return 0, fmt.Errorf("%w: %d features for %d inputs", ErrMalformed, len(x), m.NumFeatures)
	}
	for i := range x {
		x[i] = (x[i] - m.means[i]) / m.stds[i]
	}
	logit := math.Log(m.BaseScore / (1 - m.BaseScore))
	for i, t := range m.trees {
		v, ok := t.eval(x)
		if !ok {
			return 0, fmt.Errorf("%w: tree %d does not terminate", ErrMalformed, i)
		}
		logit += v
	}
	return sigmoid(logit), nil
}

// NumTrees returns the ensemble size.
func (m *Model) NumTrees() int { return len(m.trees) }

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}
