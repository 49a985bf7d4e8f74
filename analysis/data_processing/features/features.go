/* Package features replaces the waveforms of packed datasets with acoustic features.
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
package features

import (
	"fmt"
	"math"
	"math/cmplx"
	"strconv"

	"github.com/google-research/walkerssl/analysis/data_processing/packer"
	"github.com/google-research/walkerssl/analysis/data_processing/spectrum"
	"github.com/mjibson/go-dsp/fft"
)

const eps = 1e-12

// Extractor computes a feature tensor from a channel stack.
type Extractor interface {
	// Type is the feature type recorded in the envelope.
	Type() string
	// Annotate records the feature parameters in env, and returns the suffix of the output artifact.
	Annotate(env *packer.Envelope) string
	// Extract computes the features of a [channels][samples] tensor sampled at rate.
	Extract(t packer.Tensor, rate int) (packer.Tensor, error)
}

// GCCPHAT computes the generalized cross correlation with phase transform of every pair
// of channels, [pairs][Bins], pairs ordered (0,1), (0,2), ..., (n-2,n-1).
type GCCPHAT struct {
	// FFTLen is the transform size. Channels are zero padded or truncated to it.
	FFTLen int
	// Bins is the number of lags kept, centered on lag 0.
	Bins int
}

func (g GCCPHAT) Type() string {
	return "gcc_phat"
}

func (g GCCPHAT) Annotate(env *packer.Envelope) string {
	env.FeatureType = g.Type()
	env.FeatureLen = g.Bins
	return g.Type() + "_" + strconv.Itoa(g.Bins)
}

func fitTo(channel []float64, n int) []float64 {
	result := make([]float64, n)
	copy(result, channel)
	return result
}

func (g GCCPHAT) Extract(t packer.Tensor, rate int) (packer.Tensor, error) {
	if g.Bins <= 0 || g.Bins > g.FFTLen {
		return nil, fmt.Errorf("invalid number of gcc bins %v for fft length %v", g.Bins, g.FFTLen)
	}
	if len(t) < 2 {
		return nil, fmt.Errorf("gcc-phat needs at least 2 channels, got %v", len(t))
	}
	spectra := make([][]complex128, len(t))
	for idx := range t {
		spectra[idx] = fft.FFTReal(fitTo(t[idx], g.FFTLen))
	}
	result := packer.Tensor{}
	for i := 0; i < len(t); i++ {
		for j := i + 1; j < len(t); j++ {
			cross := make([]complex128, g.FFTLen)
			for bin := range cross {
				c := spectra[i][bin] * cmplx.Conj(spectra[j][bin])
				cross[bin] = c / complex(cmplx.Abs(c)+eps, 0)
			}
			correlation := fft.IFFT(cross)
			row := make([]float64, g.Bins)
			for idx := range row {
				lag := idx - g.Bins/2
				row[idx] = real(correlation[(lag+g.FFTLen)%g.FFTLen])
			}
			result = append(result, row)
		}
	}
	return result, nil
}

// LogMel computes log mel filterbank energies of Hann windowed frames of FFTLen samples with
// half overlap, [channels*frames][Mels], channel major.
type LogMel struct {
	FFTLen int
	Mels   int
}

func (l LogMel) Type() string {
	return "log_mel"
}

func (l LogMel) Annotate(env *packer.Envelope) string {
	env.FeatureType = l.Type()
	env.FeatureLen = l.Mels
	return l.Type() + "_" + strconv.Itoa(l.Mels)
}

func (l LogMel) Extract(t packer.Tensor, rate int) (packer.Tensor, error) {
	if l.FFTLen < 2 || l.Mels <= 0 {
		return nil, fmt.Errorf("invalid log mel parameters %+v", l)
	}
	filterbank := spectrum.MelFilterbank(l.Mels, l.FFTLen, rate)
	result := packer.Tensor{}
	for _, channel := range t {
		for _, frame := range spectrum.Frames(channel, l.FFTLen, l.FFTLen/2) {
			energies := spectrum.Apply(filterbank, spectrum.Power(frame))
			for idx := range energies {
				energies[idx] = math.Log(energies[idx] + eps)
			}
			result = append(result, energies)
		}
	}
	return result, nil
}

// STFT computes magnitude spectra of Hann windowed frames of ClipMs milliseconds, overlapping by
// OverlapRatio, [channels*frames][bins], channel major.
type STFT struct {
	ClipMs       float64
	OverlapRatio float64
	// Rate is the sample rate the frame length is computed for when annotating.
	Rate int
}

func (s STFT) Type() string {
	return "stft"
}

func (s STFT) frame(rate int) (int, int) {
	size := int(s.ClipMs * float64(rate) / 1000)
	return size, int(float64(size) * s.OverlapRatio)
}

func (s STFT) Annotate(env *packer.Envelope) string {
	rate := s.Rate
	if rate == 0 {
		rate = env.Fs
	}
	size, _ := s.frame(rate)
	env.FeatureType = s.Type()
	env.FeatureLen = size/2 + 1
	env.ClipMsLength = s.ClipMs
	env.OverlapRatio = s.OverlapRatio
	return fmt.Sprintf("%v_clip_ms_%v_overlap_%v", s.Type(), strconv.FormatFloat(s.ClipMs, 'f', -1, 64), strconv.FormatFloat(math.Round(s.OverlapRatio*100)/100, 'f', -1, 64))
}

func (s STFT) Extract(t packer.Tensor, rate int) (packer.Tensor, error) {
	size, noverlap := s.frame(rate)
	if size < 2 || noverlap < 0 || noverlap >= size {
		return nil, fmt.Errorf("invalid stft parameters %+v at rate %v", s, rate)
	}
	result := packer.Tensor{}
	for _, channel := range t {
		for _, frame := range spectrum.Frames(channel, size, noverlap) {
			result = append(result, spectrum.Magnitude(frame))
		}
	}
	return result, nil
}

// Lookup returns the extractor of a feature type, with parameters from the arguments: GCC-PHAT
// and log mel use fftLen and featureLen, STFT uses clipMs and overlapRatio.
func Lookup(featureType string, fftLen, featureLen int, clipMs, overlapRatio float64) (Extractor, error) {
	switch featureType {
	case "gcc_phat":
		return GCCPHAT{FFTLen: fftLen, Bins: featureLen}, nil
	case "log_mel":
		return LogMel{FFTLen: fftLen, Mels: featureLen}, nil
	case "stft":
		return STFT{ClipMs: clipMs, OverlapRatio: overlapRatio}, nil
	}
	return nil, fmt.Errorf("unknown feature type %q", featureType)
}
