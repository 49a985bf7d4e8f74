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
	"context"
	"math"
	"math/rand"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/google-research/walkerssl/tools/audio"
	"github.com/google-research/walkerssl/tools/metrics"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

const rate = 16000

func makeSine(gain float64, samples int) audio.Waveform {
	w := make(audio.Waveform, samples)
	for idx := range w {
		w[idx] = gain * math.Sin(2*math.Pi*440*float64(idx)/rate)
	}
	return w
}

func makeNoise(gain float64, samples int) audio.Waveform {
	r := rand.New(rand.NewSource(1))
	w := make(audio.Waveform, samples)
	for idx := range w {
		w[idx] = gain * (2*r.Float64() - 1)
	}
	return w
}

func TestNormalize(t *testing.T) {
	for _, tc := range []struct {
		desc     string
		in       audio.Waveform
		target   audio.DB
		clipping float64
	}{
		{"Quiet sine", makeSine(0.001, 1000), -25, 0},
		{"Loud sine", makeSine(0.9, 1000), -25, 0.99},
		{"Noise", makeNoise(0.3, 1000), -10, 0},
	} {
		got, scale := Normalize(tc.in, tc.target, tc.clipping)
		if wantRMS := tc.target.Gain(); math.Abs(got.RMS()-wantRMS) > 1e-6 {
			t.Errorf("%v: got RMS %v, wanted %v", tc.desc, got.RMS(), wantRMS)
		}
		if math.Abs(tc.in[10]*scale-got[10]) > 1e-12 {
			t.Errorf("%v: returned scale %v doesn't match the applied one", tc.desc, scale)
		}
	}
}

func TestNormalizeClippingGuard(t *testing.T) {
	// A single spike has a peak far above its RMS.
	in := make(audio.Waveform, 10000)
	in[5000] = 0.5
	got, _ := Normalize(in, -25, 0.99)
	if peak := got.Peak(); math.Abs(peak-0.99) > 1e-9 {
		t.Errorf("got peak %v, wanted 0.99", peak)
	}
	unguarded, _ := Normalize(in, -25, 0)
	if unguarded.Peak() <= 0.99 {
		t.Errorf("unguarded normalization has peak %v, wanted it above 0.99", unguarded.Peak())
	}
}

func TestNormalizeInverseScaleRoundTrip(t *testing.T) {
	for _, in := range []audio.Waveform{
		makeSine(0.001, 2000),
		makeSine(0.7, 2000),
		makeNoise(0.05, 2000),
	} {
		for _, clipping := range []float64{0, 0.99} {
			normalized, scale := Normalize(in, DefaultTargetLevel, clipping)
			if back := InverseScale(normalized, scale); !back.EqTol(in, 1e-12) {
				t.Errorf("inverse scaling didn't restore the waveform")
			}
		}
	}
}

func TestCalibration(t *testing.T) {
	cal, err := NewCalibration(makeSine(0.01, rate), -25, 500)
	require.NoError(t, err)
	want := math.Pow(audio.DB(-25).Gain(), 2) / 500
	require.InDelta(t, want, cal.Threshold, want*1e-6)

	_, err = NewCalibration(nil, -25, 500)
	require.Error(t, err)
	_, err = NewCalibration(makeSine(0.01, rate), -25, 0)
	require.Error(t, err)
	_, err = NewCalibration(make(audio.Waveform, 100), -25, 500)
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "reference.wav")
	require.NoError(t, audio.WriteWAVFile(path, makeSine(0.3, rate), rate))
	loaded, err := LoadCalibration(path, -25, 500)
	require.NoError(t, err)
	require.InDelta(t, want, loaded.Threshold, want*1e-3)
}

func TestGateShortCircuits(t *testing.T) {
	calls := 0
	gate := Gate{
		Calibration: Calibration{Threshold: 1e-3},
		Threshold:   100,
		Ratio: func(audio.Waveform, int, float64) bool {
			calls++
			return true
		},
	}
	if v := gate.Judge(makeSine(0.01, 1000), rate); v != DroppedEnergy {
		t.Errorf("quiet clip got %v, wanted %v", v, DroppedEnergy)
	}
	if calls != 0 {
		t.Errorf("ratio test was called %v times for a clip below the energy threshold", calls)
	}
	if v := gate.Judge(makeSine(0.5, 1000), rate); v != Accepted {
		t.Errorf("loud clip got %v, wanted %v", v, Accepted)
	}
	if calls != 1 {
		t.Errorf("ratio test was called %v times, wanted 1", calls)
	}
	gate.Ratio = func(audio.Waveform, int, float64) bool { return false }
	if v := gate.Judge(makeSine(0.5, 1000), rate); v != DroppedRatio {
		t.Errorf("failing ratio test got %v, wanted %v", v, DroppedRatio)
	}
}

func TestActiveRatioTest(t *testing.T) {
	ratio := ActiveRatioTest(0.01)
	clip := make(audio.Waveform, 1000)
	for idx := 0; idx < 150; idx++ {
		clip[idx] = 0.5
	}
	for _, tc := range []struct {
		rate      int
		threshold float64
		want      bool
	}{
		{16000, 100, true},
		{16000, 150, false},
		{32000, 74, true},
		{32000, 75, false},
		{8000, 299, true},
	} {
		if got := ratio(clip, tc.rate, tc.threshold); got != tc.want {
			t.Errorf("ActiveRatioTest with rate %v and threshold %v = %v, wanted %v", tc.rate, tc.threshold, got, tc.want)
		}
	}
}

type countingDenoiser struct {
	calls *int64
	gain  float64
}

func (c *countingDenoiser) Denoise(w audio.Waveform, rate int) (audio.Waveform, error) {
	atomic.AddInt64(c.calls, 1)
	result := w.Copy()
	result.Scale(c.gain)
	return result, nil
}

func TestChainApply(t *testing.T) {
	var calls int64
	denoiser := &countingDenoiser{calls: &calls, gain: 0.5}
	gate := Gate{Calibration: Calibration{Threshold: 1e-6}, Threshold: 10, Ratio: ActiveRatioTest(1e-6)}
	in := makeSine(0.2, 2000)

	chain := Chain{Normalize: true, Denoise: true, Drop: true, Post: PostInverseScale, TargetLevel: -25, ClippingThreshold: 0.99, Gate: gate}
	got, verdict, err := chain.Apply(in, rate, denoiser)
	require.NoError(t, err)
	require.Equal(t, Accepted, verdict)
	want := in.Copy()
	want.Scale(0.5)
	require.True(t, got.EqTol(want, 1e-9), "inverse scaled output isn't the denoised input")

	chain.Post = PostRenormalize
	got, _, err = chain.Apply(in, rate, denoiser)
	require.NoError(t, err)
	require.InDelta(t, audio.DB(-25).Gain(), got.RMS(), 1e-9)

	chain.Post = PostNone
	got, _, err = chain.Apply(in, rate, denoiser)
	require.NoError(t, err)
	require.InDelta(t, audio.DB(-25).Gain()*0.5, got.RMS(), 1e-9)

	dropOnly := Chain{Drop: true, Gate: Gate{Calibration: Calibration{Threshold: 1}}}
	got, verdict, err = dropOnly.Apply(in, rate, nil)
	require.NoError(t, err)
	require.Nil(t, got)
	require.Equal(t, DroppedEnergy, verdict)

	_, _, err = Chain{Denoise: true}.Apply(in, rate, nil)
	require.Error(t, err)
	require.EqualValues(t, 3, calls)
}

func TestChainDCBlock(t *testing.T) {
	in := makeSine(0.1, rate)
	for idx := range in {
		in[idx] += 0.4
	}
	got, verdict, err := Chain{DCBlock: 0.995}.Apply(in, rate, nil)
	require.NoError(t, err)
	require.Equal(t, Accepted, verdict)
	mean := 0.0
	for _, s := range got[rate/2:] {
		mean += s
	}
	require.InDelta(t, 0, mean/float64(rate/2), 1e-3)
	require.InDelta(t, 0.4, in[0], 1e-12, "input was modified")

	_, _, err = Chain{DCBlock: 1}.Apply(in, rate, nil)
	require.Error(t, err)
}

func TestStageRun(t *testing.T) {
	src := t.TempDir()
	dst := filepath.Join(t.TempDir(), "conditioned")
	loud := filepath.Join(src, "src_1_1", "walker_1_1_1_0", "seg0", "walker_1_1_1_0_mic0_seg0.wav")
	quiet := filepath.Join(src, "src_1_1", "walker_1_1_1_0", "seg0", "walker_1_1_1_0_mic1_seg0.wav")
	wrongRate := filepath.Join(src, "src_1_1", "walker_1_1_1_0", "seg1", "walker_1_1_1_0_mic0_seg1.wav")
	require.NoError(t, audio.WriteWAVFile(loud, makeSine(0.5, 1600), rate))
	require.NoError(t, audio.WriteWAVFile(quiet, make(audio.Waveform, 1600), rate))
	require.NoError(t, audio.WriteWAVFile(wrongRate, makeSine(0.5, 800), rate/2))

	var calls, setups int64
	log, _ := test.NewNullLogger()
	m := metrics.New("test")
	stage := &Stage{
		Name: "ini_hann_norm_denoise_drop",
		Chain: Chain{
			Normalize: true, Denoise: true, Drop: true, Post: PostInverseScale,
			TargetLevel: DefaultTargetLevel, ClippingThreshold: DefaultClippingThreshold,
			Gate: Gate{Calibration: Calibration{Threshold: 1e-5}, Threshold: 10},
		},
		Rate:    rate,
		Workers: 2,
		Denoisers: func() (Denoiser, error) {
			atomic.AddInt64(&setups, 1)
			return &countingDenoiser{calls: &calls, gain: 1}, nil
		},
		Log:     log,
		Metrics: m,
	}
	stale := filepath.Join(dst, "src_1_1", "walker_1_1_1_0", "seg5", "walker_1_1_1_0_mic0_seg5.wav")
	require.NoError(t, audio.WriteWAVFile(stale, makeSine(0.5, 1600), rate))
	report, err := stage.Run(context.Background(), src, dst)
	require.Error(t, err)
	require.Equal(t, []string{wrongRate}, report.Lost)
	require.Equal(t, 2, report.Processed)

	files, err := audio.FindWAVs(dst)
	require.NoError(t, err)
	rel, err := filepath.Rel(src, loud)
	require.NoError(t, err)
	require.Equal(t, []string{filepath.Join(dst, rel)}, files)
	got, err := audio.ReadWAVFileAt(files[0], rate)
	require.NoError(t, err)
	require.InDelta(t, makeSine(0.5, 1600).RMS(), got.RMS(), 1e-3)

	_, err = stage.Run(context.Background(), src, src)
	require.Error(t, err)
}

func TestCommandFactoryMissingProgram(t *testing.T) {
	if _, err := CommandFactory("/nonexistent/denoiser"); err == nil {
		t.Errorf("expected an error for a missing program")
	}
}

func TestParsePost(t *testing.T) {
	for s, want := range map[string]Post{"": PostNone, "none": PostNone, "inverse_scale": PostInverseScale, "renormalize": PostRenormalize} {
		got, err := ParsePost(s)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	_, err := ParsePost("invert")
	require.Error(t, err)
}
