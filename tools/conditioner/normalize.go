/* Package conditioner runs the per clip normalize, denoise, accept/drop and renormalize chain.
 *
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
package conditioner

import (
	"fmt"
	"math"

	"github.com/google-research/walkerssl/tools/audio"
)

const (
	// DefaultTargetLevel is the RMS level clips are normalized to.
	DefaultTargetLevel audio.DB = -25
	// DefaultClippingThreshold is the peak level normalized clips are limited to.
	DefaultClippingThreshold = 0.99
	// DefaultCalibrationScaling divides the reference energy to produce the absolute energy threshold.
	DefaultCalibrationScaling = 500
)

// Normalize returns a copy of w scaled to an RMS of target dBFS, along with the applied scale.
// If clipping is positive and the scaled peak exceeds it, the result is scaled down further
// so that its peak equals clipping, and the returned scale includes that reduction.
func Normalize(w audio.Waveform, target audio.DB, clipping float64) (audio.Waveform, float64) {
	scale := target.Gain() / (w.RMS() + audio.Eps)
	if clipping > 0 {
		if peak := w.Peak() * scale; peak > clipping {
			scale *= clipping / peak
		}
	}
	result := w.Copy()
	result.Scale(scale)
	return result, scale
}

// InverseScale returns a copy of w with a scale returned by Normalize divided out.
func InverseScale(w audio.Waveform, scale float64) audio.Waveform {
	result := w.Copy()
	if scale != 0 {
		result.Scale(1 / scale)
	}
	return result
}

// Calibration is the absolute energy reference of the accept/drop gate. It is derived once
// from a reference recording and shared read only by all workers.
type Calibration struct {
	// Threshold is the mean square energy a normalized clip must exceed.
	Threshold float64
}

// NewCalibration normalizes the reference to target and returns a calibration whose
// threshold is its mean square divided by scaling.
func NewCalibration(reference audio.Waveform, target audio.DB, scaling float64) (Calibration, error) {
	if len(reference) == 0 {
		return Calibration{}, fmt.Errorf("empty calibration reference")
	}
	if scaling <= 0 {
		return Calibration{}, fmt.Errorf("invalid calibration scaling %v", scaling)
	}
	normalized, _ := Normalize(reference, target, 0)
	threshold := normalized.MeanSquare() / scaling
	if math.IsNaN(threshold) || threshold <= 0 {
		return Calibration{}, fmt.Errorf("silent calibration reference")
	}
	return Calibration{Threshold: threshold}, nil
}

// LoadCalibration reads the reference recording at path and calls NewCalibration.
func LoadCalibration(path string, target audio.DB, scaling float64) (Calibration, error) {
	reference, _, err := audio.ReadWAVFile(path)
	if err != nil {
		return Calibration{}, err
	}
	return NewCalibration(reference, target, scaling)
}
