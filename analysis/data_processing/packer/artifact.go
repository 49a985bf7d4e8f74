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
 *
 */
package packer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google-research/walkerssl/tools/pathcodec"
)

const (
	// NestedDescription documents the keyed form inside its artifacts.
	NestedDescription = `The dataset is organized as dataset[src_key][wk_key][doa][seg] = [1][microphones][samples].
src: sound source | wk: walker | doa: direction of arrival | seg: index of the clip in the original recording
src_key: src_x_src_y | wk_key: wk_x_wk_y_wk_z
x, y, z: horizontal coordinate, vertical coordinate, height of the walker
fs: sample rate
time_len: duration of one clip
stepsize: hop between clips as a fraction of the clip duration
threshold: drop threshold of the accept/drop gate
data_preprocess_type: preprocessing stage of this dataset`
	// DenseDescription documents the list form inside its artifacts.
	DenseDescription = `x is indexed by sound source, followed by record, then [1][microphones][samples].
y is indexed by sound source, followed by record, then the label [src_x, src_y, wk_x, wk_y, wk_z, doa, seg].
src: sound source | wk: walker | doa: direction of arrival | seg: index of the clip in the original recording
x, y, z: horizontal coordinate, vertical coordinate, height of the walker
fs: sample rate
time_len: duration of one clip
stepsize: hop between clips as a fraction of the clip duration
threshold: drop threshold of the accept/drop gate
data_preprocess_type: preprocessing stage of this dataset`
)

// Envelope is the metadata stored with every artifact.
type Envelope struct {
	Fs                 int    `json:"fs"`
	TimeLen            string `json:"time_len"`
	Stepsize           string `json:"stepsize"`
	Threshold          string `json:"threshold"`
	DataPreprocessType string `json:"data_preprocess_type"`
	Description        string `json:"description"`
	// Set when the waveforms have been replaced by features.
	FeatureLen  int    `json:"feature_len,omitempty"`
	FeatureType string `json:"feature_type,omitempty"`
	// Set for STFT features only.
	ClipMsLength float64 `json:"clip_ms_length,omitempty"`
	OverlapRatio float64 `json:"overlap_ratio,omitempty"`
}

// NewEnvelope builds the envelope of a stage inside a profile directory named
// <time_len>_<stepsize>_<threshold>_<fs>.
func NewEnvelope(profileDir, stage, description string) (Envelope, error) {
	tokens := strings.Split(filepath.Base(filepath.Clean(profileDir)), pathcodec.Delimiter)
	if len(tokens) != 4 {
		return Envelope{}, fmt.Errorf("profile directory %q doesn't match <time_len>_<stepsize>_<threshold>_<fs>", profileDir)
	}
	fs, err := strconv.Atoi(tokens[3])
	if err != nil {
		return Envelope{}, fmt.Errorf("profile directory %q has invalid sample rate: %w", profileDir, err)
	}
	return Envelope{
		Fs:                 fs,
		TimeLen:            tokens[0],
		Stepsize:           tokens[1],
		Threshold:          tokens[2],
		DataPreprocessType: filepath.Base(filepath.Clean(profileDir)) + pathcodec.Delimiter + stage,
		Description:        description,
	}, nil
}

// NestedArtifact is the serialized keyed form.
type NestedArtifact struct {
	Envelope
	Dataset Nested `json:"dataset"`
}

// DenseArtifact is the serialized list form. It is written with the keys x and y.
type DenseArtifact struct {
	Envelope
	Dense *Dense `json:"-"`
}

type denseWire struct {
	Envelope
	X [][]Tensor          `json:"x"`
	Y [][]pathcodec.Label `json:"y"`
}

func (d DenseArtifact) MarshalJSON() ([]byte, error) {
	wire := denseWire{Envelope: d.Envelope, X: [][]Tensor{}, Y: [][]pathcodec.Label{}}
	if d.Dense != nil {
		for _, source := range d.Dense.Sources {
			xs := make([]Tensor, len(source.Records))
			ys := make([]pathcodec.Label, len(source.Records))
			for idx, record := range source.Records {
				xs[idx] = record.Waveform
				ys[idx] = record.Label
			}
			wire.X = append(wire.X, xs)
			wire.Y = append(wire.Y, ys)
		}
	}
	return json.Marshal(wire)
}

func (d *DenseArtifact) UnmarshalJSON(b []byte) error {
	wire := denseWire{}
	if err := json.Unmarshal(b, &wire); err != nil {
		return err
	}
	if len(wire.X) != len(wire.Y) {
		return fmt.Errorf("x has %v sources, y has %v", len(wire.X), len(wire.Y))
	}
	d.Envelope = wire.Envelope
	d.Dense = &Dense{}
	for sourceIdx := range wire.X {
		if len(wire.X[sourceIdx]) != len(wire.Y[sourceIdx]) {
			return fmt.Errorf("source %v has %v waveforms and %v labels", sourceIdx, len(wire.X[sourceIdx]), len(wire.Y[sourceIdx]))
		}
		records := SourceRecords{}
		for idx := range wire.X[sourceIdx] {
			records.Records = append(records.Records, Record{Label: wire.Y[sourceIdx][idx], Waveform: wire.X[sourceIdx][idx]})
		}
		if len(records.Records) > 0 {
			records.Source = records.Records[0].Label.Source()
		}
		d.Dense.Sources = append(d.Dense.Sources, records)
	}
	return nil
}

// WriteJSON writes v as JSON to path, through a temporary file renamed into place.
func WriteJSON(path string, v interface{}) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err := json.NewEncoder(tmp).Encode(v); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func readJSON(path string, v interface{}) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := json.NewDecoder(f).Decode(v); err != nil {
		return fmt.Errorf("unable to decode %q: %w", path, err)
	}
	return nil
}

// ReadNested reads an artifact written from a NestedArtifact.
func ReadNested(path string) (*NestedArtifact, error) {
	result := &NestedArtifact{}
	if err := readJSON(path, result); err != nil {
		return nil, err
	}
	return result, nil
}

// ReadDense reads an artifact written from a DenseArtifact.
func ReadDense(path string) (*DenseArtifact, error) {
	result := &DenseArtifact{}
	if err := readJSON(path, result); err != nil {
		return nil, err
	}
	return result, nil
}

// NestedPath returns the artifact path of the keyed form of a stage directory.
func NestedPath(stageDir string) string {
	return filepath.Clean(stageDir) + "_dict.json"
}

// DensePath returns the artifact path of the list form of a stage directory.
func DensePath(stageDir string) string {
	return filepath.Clean(stageDir) + "_array.json"
}

// TFRecordPath returns the TFRecord export path of the list form of a stage directory.
func TFRecordPath(stageDir string) string {
	return filepath.Clean(stageDir) + "_array.tfrecord"
}
