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
package conditioner

import (
	"github.com/google-research/walkerssl/tools/audio"
)

// Verdict is the outcome of the accept/drop gate.
type Verdict int

const (
	Accepted Verdict = iota
	// DroppedEnergy means the mean square energy didn't exceed the calibration threshold.
	DroppedEnergy
	// DroppedRatio means the ratio test failed.
	DroppedRatio
)

func (v Verdict) String() string {
	switch v {
	case Accepted:
		return "accepted"
	case DroppedEnergy:
		return "dropped_energy"
	case DroppedRatio:
		return "dropped_ratio"
	}
	return "unknown"
}

// RatioTest decides whether enough of a clip is active, given the profile's drop
// threshold. Implementations scale the threshold by rate.
type RatioTest func(clip audio.Waveform, rate int, threshold float64) bool

// ActiveRatioTest counts the samples whose square exceeds level, and passes when
// the count exceeds threshold * rate / 16000.
func ActiveRatioTest(level float64) RatioTest {
	return func(clip audio.Waveform, rate int, threshold float64) bool {
		active := 0
		for _, sample := range clip {
			if sample*sample > level {
				active++
			}
		}
		return float64(active) > threshold*float64(rate)/16000
	}
}

// Gate decides which clips are kept.
type Gate struct {
	Calibration Calibration
	// Threshold is the drop threshold of the profile.
	Threshold float64
	// Ratio is the second test. Nil means ActiveRatioTest at the calibration threshold.
	Ratio RatioTest
}

// Judge accepts clip only if its mean square energy exceeds the calibration threshold and
// the ratio test passes. The ratio test isn't evaluated for clips failing the energy test.
func (g Gate) Judge(clip audio.Waveform, rate int) Verdict {
	if !(clip.MeanSquare() > g.Calibration.Threshold) {
		return DroppedEnergy
	}
	ratio := g.Ratio
	if ratio == nil {
		ratio = ActiveRatioTest(g.Calibration.Threshold)
	}
	if !ratio(clip, rate, g.Threshold) {
		return DroppedRatio
	}
	return Accepted
}
