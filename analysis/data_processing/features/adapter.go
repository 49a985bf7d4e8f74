/*
 * Copyright 2020 Google LLC
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     https://www.apache.org/licenses/LICENSE-2.0
 *
 *     Unless required by applicable law or agreed to in writing, software
 *     distributed under the License is distributed on an "AS IS" BASIS,
 *     WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *     See the License for the specific language governing permissions and
 *     limitations under the License.
 */
package features

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google-research/walkerssl/analysis/data_processing/packer"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Adapter replaces the waveforms of packed artifacts with features.
type Adapter struct {
	Extractor Extractor
	// Workers limits the number of tensors extracted concurrently.
	Workers int
	Log     logrus.FieldLogger
}

func (a *Adapter) log() logrus.FieldLogger {
	if a.Log == nil {
		return logrus.StandardLogger()
	}
	return a.Log
}

func (a *Adapter) extractAll(ctx context.Context, tensors []*packer.Tensor, rate int) error {
	g, ctx := errgroup.WithContext(ctx)
	if a.Workers > 0 {
		g.SetLimit(a.Workers)
	}
	for _, tensor := range tensors {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			feature, err := a.Extractor.Extract(*tensor, rate)
			if err != nil {
				return err
			}
			*tensor = feature
			return nil
		})
	}
	return g.Wait()
}

// ExtractNested replaces every waveform of the artifact with its features in place, and records
// the feature parameters in its envelope. It returns the output suffix of the extractor.
func (a *Adapter) ExtractNested(ctx context.Context, artifact *packer.NestedArtifact) (string, error) {
	type slot struct {
		segments map[int]packer.Tensor
		seg      int
		tensor   packer.Tensor
	}
	slots := []*slot{}
	tensors := []*packer.Tensor{}
	for _, walkers := range artifact.Dataset {
		for _, doas := range walkers {
			for _, segments := range doas {
				for seg, tensor := range segments {
					s := &slot{segments: segments, seg: seg, tensor: tensor}
					slots = append(slots, s)
					tensors = append(tensors, &s.tensor)
				}
			}
		}
	}
	if err := a.extractAll(ctx, tensors, artifact.Fs); err != nil {
		return "", err
	}
	// Maps are only written once every extraction has finished.
	for _, s := range slots {
		s.segments[s.seg] = s.tensor
	}
	return a.Extractor.Annotate(&artifact.Envelope), nil
}

// ExtractDense replaces every waveform of the artifact with its features in place, and records
// the feature parameters in its envelope. It returns the output suffix of the extractor.
func (a *Adapter) ExtractDense(ctx context.Context, artifact *packer.DenseArtifact) (string, error) {
	tensors := []*packer.Tensor{}
	if artifact.Dense != nil {
		for sourceIdx := range artifact.Dense.Sources {
			records := artifact.Dense.Sources[sourceIdx].Records
			for idx := range records {
				tensors = append(tensors, &records[idx].Waveform)
			}
		}
	}
	if err := a.extractAll(ctx, tensors, artifact.Fs); err != nil {
		return "", err
	}
	return a.Extractor.Annotate(&artifact.Envelope), nil
}

// OutputPath returns the path features of the artifact at path are written to.
func OutputPath(path, suffix string) string {
	return strings.TrimSuffix(path, filepath.Ext(path)) + "_" + suffix + filepath.Ext(path)
}

// ExtractFile reads the packed artifact at path, in either form, and writes its features next to
// it. It returns the path written.
func (a *Adapter) ExtractFile(ctx context.Context, path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	keys := map[string]json.RawMessage{}
	if err := json.Unmarshal(b, &keys); err != nil {
		return "", fmt.Errorf("unable to decode %q: %w", path, err)
	}
	var (
		artifact interface{}
		suffix   string
	)
	switch {
	case keys["dataset"] != nil:
		nested := &packer.NestedArtifact{}
		if err := json.Unmarshal(b, nested); err != nil {
			return "", fmt.Errorf("unable to decode %q: %w", path, err)
		}
		if suffix, err = a.ExtractNested(ctx, nested); err != nil {
			return "", fmt.Errorf("%v: %w", path, err)
		}
		artifact = nested
	case keys["x"] != nil && keys["y"] != nil:
		dense := &packer.DenseArtifact{}
		if err := json.Unmarshal(b, dense); err != nil {
			return "", fmt.Errorf("unable to decode %q: %w", path, err)
		}
		if suffix, err = a.ExtractDense(ctx, dense); err != nil {
			return "", fmt.Errorf("%v: %w", path, err)
		}
		artifact = dense
	default:
		return "", fmt.Errorf("%q is neither a nested nor a dense artifact", path)
	}
	result := OutputPath(path, suffix)
	if err := packer.WriteJSON(result, artifact); err != nil {
		return "", err
	}
	a.log().WithFields(logrus.Fields{"input": path, "output": result}).Info("features extracted")
	return result, nil
}
