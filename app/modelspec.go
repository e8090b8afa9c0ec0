package app

import (
	"encoding/json"
	"os"

	"lol.mleku.dev/chk"
	"lol.mleku.dev/errorf"

	"fedmesh.dev/pkg/model"
)

// weightSpec is one entry in a model spec file: a named weight's shape and
// whether it participates in aggregation.
type weightSpec struct {
	Name        string  `json:"name"`
	Shape       []int64 `json:"shape"`
	Type        string  `json:"type"`
	RequireAggr bool    `json:"require_aggr"`
}

// modelSpecFile is the top-level shape of cfg.ModelSpecFile: the weight
// layout a fresh instance seeds its Store with at process start.
type modelSpecFile struct {
	Weights []weightSpec `json:"weights"`
}

// defaultModelSpec is used when no model spec file is configured: a single
// small aggregated weight, enough for the dispatcher to serve getModel and
// for the all-reduce driver to exercise its chunking logic.
func defaultModelSpec() modelSpecFile {
	return modelSpecFile{Weights: []weightSpec{{Name: "w", Shape: []int64{8}, Type: "float32", RequireAggr: true}}}
}

func parseWeightType(s string) model.WeightType {
	switch s {
	case "float64":
		return model.Float64
	case "int32":
		return model.Int32
	case "int64":
		return model.Int64
	default:
		return model.Float32
	}
}

// loadModelSpec reads path (if non-empty) as a modelSpecFile, falling back
// to defaultModelSpec when path is empty.
func loadModelSpec(path string) (spec modelSpecFile, err error) {
	if path == "" {
		return defaultModelSpec(), nil
	}
	raw, err := os.ReadFile(path)
	if chk.E(err) {
		return
	}
	if err = json.Unmarshal(raw, &spec); chk.E(err) {
		return modelSpecFile{}, errorf.E("app: malformed model spec file: %w", err)
	}
	if len(spec.Weights) == 0 {
		return modelSpecFile{}, errorf.E("app: model spec file declares no weights")
	}
	return spec, nil
}

// buildSeedModel materialises spec into a zero-valued *model.Model, laying
// each weight out contiguously in declaration order.
func buildSeedModel(spec modelSpecFile) *model.Model {
	m := &model.Model{WeightItems: make(map[string]model.WeightItem, len(spec.Weights))}
	var offset uint64
	for _, w := range spec.Weights {
		elems := int64(1)
		for _, d := range w.Shape {
			elems *= d
		}
		size := uint64(elems) * 4
		m.WeightItems[w.Name] = model.WeightItem{
			Offset: offset, Size: size, Shape: append([]int64(nil), w.Shape...),
			Type: parseWeightType(w.Type), RequireAggr: w.RequireAggr,
		}
		offset += size
	}
	m.TotalSize = offset
	m.WeightData = make([]byte, offset)
	return m
}
