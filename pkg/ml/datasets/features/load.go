// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package features

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/tensors/numpy"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// Manifest column names, see LoadManifest.
const (
	ManifestUtteranceColumn = "utterance"
	ManifestPathColumn      = "path"
)

// utteranceFromTensor converts a [num_frames, feat_dim] float tensor.
func utteranceFromTensor(id string, t *tensors.Tensor) (Utterance, error) {
	shape := t.Shape()
	if shape.Rank() != 2 {
		return Utterance{}, errors.Errorf("utterance %q must be shaped [num_frames, feat_dim], got %s", id, shape)
	}
	u := Utterance{ID: id, NumFrames: shape.Dim(0), FeatDim: shape.Dim(1)}
	switch shape.DType {
	case dtypes.Float32:
		u.Frames = tensors.MustCopyFlatData[float32](t)
	case dtypes.Float64:
		values := tensors.MustCopyFlatData[float64](t)
		u.Frames = make([]float32, len(values))
		for ii, v := range values {
			u.Frames[ii] = float32(v)
		}
	default:
		return Utterance{}, errors.Errorf("utterance %q has dtype %s, only float32 and float64 are supported",
			id, shape.DType)
	}
	return u, u.Validate()
}

// LoadNpz loads the utterances of a .npz archive: each array is one utterance, named by its array name.
// Utterances are returned sorted by name.
func LoadNpz(path string) ([]Utterance, error) {
	arrays, err := numpy.FromNpzFile(path)
	if err != nil {
		return nil, errors.WithMessagef(err, "loading features from %q", path)
	}
	ids := make([]string, 0, len(arrays))
	for id := range arrays {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	utterances := make([]Utterance, 0, len(ids))
	for _, id := range ids {
		u, err := utteranceFromTensor(id, arrays[id])
		if err != nil {
			return nil, errors.WithMessagef(err, "in %q", path)
		}
		utterances = append(utterances, u)
	}
	return utterances, nil
}

// LoadManifest loads the utterances listed in a CSV manifest with a header and the columns "utterance" (the id)
// and "path" (a .npy file with the [num_frames, feat_dim] features). Relative paths are relative to the
// manifest directory. Utterances are returned in manifest order.
func LoadManifest(path string, showProgress bool) ([]Utterance, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening manifest %q", path)
	}
	defer func() { _ = f.Close() }()
	df := dataframe.ReadCSV(f, dataframe.HasHeader(true), dataframe.WithTypes(map[string]series.Type{
		ManifestUtteranceColumn: series.String,
		ManifestPathColumn:      series.String,
	}))
	if df.Err != nil {
		return nil, errors.Wrapf(df.Err, "parsing manifest %q", path)
	}
	for _, column := range []string{ManifestUtteranceColumn, ManifestPathColumn} {
		if !slices.Contains(df.Names(), column) {
			return nil, errors.Errorf("manifest %q has no %q column, got columns %q", path, column, df.Names())
		}
	}

	ids := df.Col(ManifestUtteranceColumn).Records()
	paths := df.Col(ManifestPathColumn).Records()
	baseDir := filepath.Dir(path)
	var bar *progressbar.ProgressBar
	if showProgress {
		bar = progressbar.Default(int64(len(ids)), fmt.Sprintf("Loading %s", filepath.Base(path)))
	}
	utterances := make([]Utterance, 0, len(ids))
	for ii, id := range ids {
		npyPath := paths[ii]
		if !filepath.IsAbs(npyPath) {
			npyPath = filepath.Join(baseDir, npyPath)
		}
		t, err := numpy.FromNpyFile(npyPath)
		if err != nil {
			return nil, errors.WithMessagef(err, "loading utterance %q (row %d of %q)", id, ii, path)
		}
		u, err := utteranceFromTensor(id, t)
		if err != nil {
			return nil, errors.WithMessagef(err, "in %q", npyPath)
		}
		utterances = append(utterances, u)
		if bar != nil {
			_ = bar.Add(1)
		}
	}
	if bar != nil {
		_ = bar.Finish()
	}
	return utterances, nil
}

// FileFormats lists the supported feature file extensions, in lookup order.
var FileFormats = []string{".npz", ".csv"}

// FindClassFile returns the features file of class and split ("train" or "dev") in dir.
func FindClassFile(dir, class, split string) (string, error) {
	for _, ext := range FileFormats {
		path := filepath.Join(dir, fmt.Sprintf("%s-%s%s", class, split, ext))
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", errors.Errorf("no features for class %q split %q in %q (looked for %s-%s with extensions %q)",
		class, split, dir, class, split, FileFormats)
}

// LoadClass finds, loads and splices the features of class and split in dir.
func LoadClass(dir, class, split string, splicing Splicing, featDim int, showProgress bool) (*ClassData, error) {
	path, err := FindClassFile(dir, class, split)
	if err != nil {
		return nil, err
	}
	var utterances []Utterance
	if filepath.Ext(path) == ".npz" {
		utterances, err = LoadNpz(path)
	} else {
		utterances, err = LoadManifest(path, showProgress)
	}
	if err != nil {
		return nil, err
	}
	data, err := Build(class, split, utterances, splicing, featDim, showProgress)
	if err != nil {
		return nil, errors.WithMessagef(err, "building examples from %q", path)
	}
	klog.V(1).Infof("Loaded %s: %d utterances, %d examples shaped %v", path, len(utterances),
		data.NumExamples(), data.Examples.Shape().Dimensions[1:])
	return data, nil
}
