package ensemble

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PolyPulse/internal/domain/models"
)

const rsiStump = `{"nodeid":0,"split":"rsi","split_condition":50,"yes":1,"no":2,"missing":2,
	"children":[{"nodeid":1,"leaf":-0.4},{"nodeid":2,"leaf":0.4}]}`

func snapshotWith(rsi float64) models.FeatureSnapshot {
	v := make([]float64, models.NumBaseFeatures)
	v[models.FeatRSI] = rsi
	return models.NewFeatureSnapshot(v, time.Unix(0, 0))
}

func marshalNorm(t *testing.T, means, stds []float64) []byte {
	t.Helper()
	b, err := json.Marshal(map[string][]float64{"means": means, "stds": stds})
	require.NoError(t, err)
	return b
}

func mustParse(t *testing.T, doc string) *Model {
	t.Helper()
	m, err := Parse([]byte(doc), nil)
	require.NoError(t, err)
	return m
}

func TestPredictRoutesSplits(t *testing.T) {
	m := mustParse(t, `{"type":"xgboost","version":1,"num_trees":1,"trees":[`+rsiStump+`]}`)
	assert.Equal(t, SchemaBase, m.Schema)
	assert.Equal(t, models.NumBaseFeatures, m.NumFeatures)

	below, err := m.Predict(snapshotWith(40))
	require.NoError(t, err)
	assert.InDelta(t, 1/(1+math.Exp(0.4)), below, 1e-12)

	above, err := m.Predict(snapshotWith(60))
	require.NoError(t, err)
	assert.InDelta(t, 1/(1+math.Exp(-0.4)), above, 1e-12)

	// the split is strict: equal goes "no"
	equal, err := m.Predict(snapshotWith(50))
	require.NoError(t, err)
	assert.InDelta(t, above, equal, 1e-12)
}

func TestPredictMissingBranch(t *testing.T) {
	m := mustParse(t, `{"trees":[`+rsiStump+`]}`)
	missing, err := m.Predict(snapshotWith(math.NaN()))
	require.NoError(t, err)
	assert.InDelta(t, 1/(1+math.Exp(-0.4)), missing, 1e-12)

	inf, err := m.Predict(snapshotWith(math.Inf(-1)))
	require.NoError(t, err)
	assert.InDelta(t, missing, inf, 1e-12)
}

func TestPredictMissingDefaultsToYes(t *testing.T) {
	doc := `{"trees":[{"nodeid":0,"split":"f1","split_condition":50,"yes":1,"no":2,
		"children":[{"nodeid":1,"leaf":-1},{"nodeid":2,"leaf":1}]}]}`
	m := mustParse(t, doc)
	p, err := m.Predict(snapshotWith(math.NaN()))
	require.NoError(t, err)
	assert.Less(t, p, 0.5)
}

func TestPredictSumsTreesAndBaseScore(t *testing.T) {
	doc := `{"base_score":0.7,"trees":[` + rsiStump + `,"{\"nodeid\":0,\"leaf\":0.25}"]}`
	m := mustParse(t, doc)
	assert.Equal(t, 2, m.NumTrees())

	p, err := m.Predict(snapshotWith(60))
	require.NoError(t, err)
	logit := math.Log(0.7/0.3) + 0.4 + 0.25
	assert.InDelta(t, 1/(1+math.Exp(-logit)), p, 1e-12)
}

func TestPredictAppliesNormalization(t *testing.T) {
	means := make([]float64, models.NumBaseFeatures)
	stds := make([]float64, models.NumBaseFeatures)
	for i := range stds {
		stds[i] = 1
	}
	means[models.FeatRSI] = 50
	stds[models.FeatRSI] = 10
	stds[0] = 0 // treated as 1

	doc := `{"trees":[{"nodeid":0,"split":"rsi","split_condition":0,"yes":1,"no":2,
		"children":[{"nodeid":1,"leaf":-1},{"nodeid":2,"leaf":1}]}]}`
	norm := marshalNorm(t, means, stds)
	m, err := Parse([]byte(doc), norm)
	require.NoError(t, err)

	p, err := m.Predict(snapshotWith(45))
	require.NoError(t, err)
	assert.Less(t, p, 0.5)
	p, err = m.Predict(snapshotWith(55))
	require.NoError(t, err)
	assert.Greater(t, p, 0.5)
}

func TestPredictHonoursArtifactColumnOrder(t *testing.T) {
	named := mustParse(t, `{"feature_names":["rsi","ptb_distance_pct"],"trees":[`+rsiStump+`]}`)
	p, err := named.Predict(snapshotWith(60))
	require.NoError(t, err)
	assert.InDelta(t, 1/(1+math.Exp(-0.4)), p, 1e-12)

	// f0 is the artifact's first column, which is rsi here
	positional := mustParse(t, `{"feature_names":["rsi","ptb_distance_pct"],"trees":[{"nodeid":0,"split":"f0","split_condition":50,"yes":1,"no":2,
		"children":[{"nodeid":1,"leaf":-0.4},{"nodeid":2,"leaf":0.4}]}]}`)
	p, err = positional.Predict(snapshotWith(60))
	require.NoError(t, err)
	assert.InDelta(t, 1/(1+math.Exp(-0.4)), p, 1e-12)
	p, err = positional.Predict(snapshotWith(40))
	require.NoError(t, err)
	assert.InDelta(t, 1/(1+math.Exp(0.4)), p, 1e-12)
}

func TestNormalizationFollowsArtifactColumnOrder(t *testing.T) {
	n := models.NumBaseFeatures
	names := make([]string, n)
	means := make([]float64, n)
	stds := make([]float64, n)
	// swap the first two columns relative to the vector layout
	for i := 0; i < n; i++ {
		names[i] = models.FeatureNames[i]
		stds[i] = 1
	}
	names[0], names[1] = models.FeatureNames[models.FeatRSI], models.FeatureNames[models.FeatPTBDistancePct]
	means[0], stds[0] = 50, 10

	nameJSON, err := json.Marshal(names)
	require.NoError(t, err)
	doc := `{"feature_names":` + string(nameJSON) + `,"trees":[{"nodeid":0,"split":"rsi","split_condition":0,"yes":1,"no":2,
		"children":[{"nodeid":1,"leaf":-1},{"nodeid":2,"leaf":1}]}]}`
	m, err := Parse([]byte(doc), marshalNorm(t, means, stds))
	require.NoError(t, err)

	p, err := m.Predict(snapshotWith(45))
	require.NoError(t, err)
	assert.Less(t, p, 0.5)
	p, err = m.Predict(snapshotWith(55))
	require.NoError(t, err)
	assert.Greater(t, p, 0.5)
}

func TestParseRejectsBadFeatureNames(t *testing.T) {
	cases := map[string]string{
		"unknown name":  `{"feature_names":["rsi","bogus"],"trees":[` + rsiStump + `]}`,
		"listed twice":  `{"feature_names":["rsi","rsi"],"trees":[` + rsiStump + `]}`,
		"column range":  `{"feature_names":["rsi"],"trees":[{"nodeid":0,"split":"f1","split_condition":1,"yes":1,"no":2,"children":[{"nodeid":1,"leaf":0},{"nodeid":2,"leaf":0}]}]}`,
		"v2 name in v1": `{"version":1,"num_features":28,"feature_names":["rsi","ptb_x_time"],"trees":[` + rsiStump + `]}`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc), nil)
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestDetectSchema(t *testing.T) {
	cases := []struct {
		name string
		doc  string
		want int
	}{
		{"base", `{"trees":[` + rsiStump + `]}`, SchemaBase},
		{"version", `{"version":2,"trees":[` + rsiStump + `]}`, SchemaExtended},
		{"num_features", `{"num_features":34,"trees":[` + rsiStump + `]}`, SchemaExtended},
		{"feature names", `{"feature_names":["ptb_distance_pct","ptb_x_time"],"trees":[{"nodeid":0,"leaf":0.1}]}`, SchemaExtended},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := mustParse(t, tc.doc)
			assert.Equal(t, tc.want, m.Schema)
		})
	}
}

func TestExtendedSchemaReadsInteractions(t *testing.T) {
	doc := `{"version":2,"trees":[{"nodeid":0,"split":"f33","split_condition":0.5,"yes":1,"no":2,
		"children":[{"nodeid":1,"leaf":-1},{"nodeid":2,"leaf":1}]}]}`
	m := mustParse(t, doc)
	assert.Equal(t, models.NumExtendedFeatures, m.NumFeatures)

	v := make([]float64, models.NumBaseFeatures)
	v[models.FeatRegimeTrending] = 1
	v[models.FeatMultiTFAgree] = 1
	p, err := m.Predict(models.NewFeatureSnapshot(v, time.Time{}))
	require.NoError(t, err)
	assert.Greater(t, p, 0.5)
}

func TestParseRejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"not json":        `{"trees":`,
		"no trees":        `{"trees":[]}`,
		"wrong type":      `{"type":"lightgbm","trees":[` + rsiStump + `]}`,
		"tree count":      `{"num_trees":3,"trees":[` + rsiStump + `]}`,
		"base score":      `{"base_score":1.5,"trees":[` + rsiStump + `]}`,
		"feature count":   `{"version":1,"num_features":30,"trees":[` + rsiStump + `]}`,
		"unknown child":   `{"trees":[{"nodeid":0,"split":"rsi","split_condition":1,"yes":1,"no":9,"children":[{"nodeid":1,"leaf":0}]}]}`,
		"duplicate id":    `{"trees":[{"nodeid":0,"split":"rsi","split_condition":1,"yes":1,"no":1,"children":[{"nodeid":1,"leaf":0},{"nodeid":1,"leaf":0}]}]}`,
		"feature range":   `{"trees":[{"nodeid":0,"split":"f30","split_condition":1,"yes":1,"no":2,"children":[{"nodeid":1,"leaf":0},{"nodeid":2,"leaf":0}]}]}`,
		"unknown feature": `{"trees":[{"nodeid":0,"split":"bogus","split_condition":1,"yes":1,"no":2,"children":[{"nodeid":1,"leaf":0},{"nodeid":2,"leaf":0}]}]}`,
		"no nodeid":       `{"trees":[{"leaf":0.1}]}`,
		"norm length":     `{"trees":[` + rsiStump + `],"normalization":{"means":[1,2],"stds":[1,1]}}`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc), nil)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestParseEmptyIsUnavailable(t *testing.T) {
	_, err := Parse(nil, nil)
	assert.ErrorIs(t, err, ErrUnavailable)
	_, err = Parse([]byte("  \n"), nil)
	assert.True(t, IsUnavailable(err))
}

func TestBlend(t *testing.T) {
	cfg := DefaultBlendConfig()

	agree := Blend(0.8, 0.7, 0.6, cfg)
	assert.True(t, agree.IsHighConfidence)
	assert.Equal(t, 0.6, agree.BlendWeight)
	assert.InDelta(t, 0.786, agree.BlendedProbUp, 1e-9)
	assert.InDelta(t, 0.6, agree.Confidence, 1e-9)

	conflict := Blend(0.8, 0.3, 0.6, cfg)
	assert.InDelta(t, 0.57, conflict.BlendedProbUp, 1e-9)

	low := Blend(0.55, 0.7, 0.6, cfg)
	assert.False(t, low.IsHighConfidence)
	assert.Equal(t, 0.3, low.BlendWeight)
	assert.InDelta(t, 0.6705, low.BlendedProbUp, 1e-9)

	// confident tree that misses the decision threshold stays low weight
	strict := Blend(0.8, 0.7, 0.85, cfg)
	assert.False(t, strict.IsHighConfidence)

	clamped := Blend(0.999, 0.98, 0.6, cfg)
	assert.Equal(t, 0.98, clamped.BlendedProbUp)
}

type fakeSource struct {
	doc  []byte
	norm []byte
	err  error
}

func (s *fakeSource) Fetch(context.Context) ([]byte, []byte, error) {
	return s.doc, s.norm, s.err
}

func TestPredictorFallsBackToRule(t *testing.T) {
	p := NewPredictor(&fakeSource{})
	require.ErrorIs(t, p.Reload(context.Background()), ErrUnavailable)
	assert.False(t, p.Available())

	res := p.Evaluate(snapshotWith(60), 0.62)
	assert.False(t, res.Available)
	assert.Equal(t, 0.62, res.BlendedProbUp)
}

func TestPredictorKeepsLastGoodModel(t *testing.T) {
	src := &fakeSource{doc: []byte(`{"version":1,"trees":[` + rsiStump + `]}`)}
	p := NewPredictor(src)
	require.NoError(t, p.Reload(context.Background()))
	require.True(t, p.Available())

	src.doc = []byte(`{"trees":[]}`)
	require.ErrorIs(t, p.Reload(context.Background()), ErrMalformed)
	assert.True(t, p.Available())

	src.err = errors.New("boom")
	require.Error(t, p.Reload(context.Background()))
	assert.True(t, p.Available())

	res := p.Evaluate(snapshotWith(60), 0.6)
	assert.True(t, res.Available)
	assert.Equal(t, 1, res.ModelVersion)
	assert.Greater(t, res.BlendedProbUp, 0.5)
}

func TestFileSource(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "model.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"trees":[`+rsiStump+`]}`), 0o600))

	doc, norm, err := FileSource{ModelPath: path}.Fetch(context.Background())
	require.NoError(t, err)
	assert.Nil(t, norm)
	_, err = Parse(doc, norm)
	require.NoError(t, err)

	_, _, err = FileSource{ModelPath: filepath.Join(dir, "absent.json")}.Fetch(context.Background())
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestNewSourcePicksByScheme(t *testing.T) {
	assert.IsType(t, HTTPSource{}, NewSource("https://models.example/m.json", "", nil))
	assert.IsType(t, FileSource{}, NewSource("/var/lib/polypulse/model.json", "", nil))
}
