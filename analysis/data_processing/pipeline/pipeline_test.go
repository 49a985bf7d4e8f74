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
package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google-research/walkerssl/analysis/data_processing/features"
	"github.com/google-research/walkerssl/analysis/data_processing/packer"
	"github.com/google-research/walkerssl/tools/audio"
	"github.com/google-research/walkerssl/tools/pathcodec"
	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

const rate = 16000

func TestProfileDir(t *testing.T) {
	for _, tc := range []struct {
		name string
		want string
	}{
		{"32ms", "32ms_0.5_100_16000"},
		{"128ms", "128ms_0.5_200_16000"},
		{"256ms", "256ms_0.13_400_16000"},
		{"1s", "1s_0.5_800_16000"},
	} {
		p, err := LookupProfile(DefaultProfiles, tc.name)
		require.NoError(t, err)
		if got := p.Dir(rate); got != tc.want {
			t.Errorf("%v.Dir(%v) = %q, wanted %q", tc.name, rate, got, tc.want)
		}
	}
	_, err := LookupProfile(DefaultProfiles, "2s")
	require.Error(t, err)
}

func TestProfileFiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`profiles:
  - name: 32ms
    time_len: 0.032
    threshold: 10
    stepsize: 0.25
  - name: 2s
    time_len: 2
    threshold: 1600
    stepsize: 0.5
`), 0644))
	profiles, err := LoadProfiles(path)
	require.NoError(t, err)
	require.Len(t, profiles, len(DefaultProfiles)+1)
	p, err := LookupProfile(profiles, "32ms")
	require.NoError(t, err)
	require.Equal(t, Profile{Name: "32ms", TimeLen: 0.032, Threshold: 10, StepRatio: 0.25}, p)
	_, err = LookupProfile(profiles, "2s")
	require.NoError(t, err)

	buf := &bytes.Buffer{}
	require.NoError(t, WriteProfiles(buf, profiles))
	read, err := ReadProfiles(buf)
	require.NoError(t, err)
	require.Len(t, read, len(profiles))
	require.Equal(t, "32ms", read[0].Name)
	require.Equal(t, "2s", read[len(read)-1].Name)

	for _, doc := range []string{
		"profiles:\n  - name: a\n    time_len: 1\n    stepsize: 0.5\n  - name: a\n    time_len: 1\n    stepsize: 0.5\n",
		"profiles:\n  - name: a_b\n    time_len: 1\n    stepsize: 0.5\n",
		"profiles:\n  - name: a\n    time_len: 0\n    stepsize: 0.5\n",
		"profiles: [",
	} {
		if _, err := ReadProfiles(strings.NewReader(doc)); err == nil {
			t.Errorf("ReadProfiles(%q) succeeded, wanted an error", doc)
		}
	}
}

func TestNewConfig(t *testing.T) {
	log, _ := test.NewNullLogger()
	opts := DefaultOptions()
	opts.Root = "/data/walker/"
	cfg, err := NewConfig(opts, log)
	require.NoError(t, err)
	require.Equal(t, "/data/walker", cfg.Root)
	require.Nil(t, cfg.Calibration)
	require.False(t, cfg.Denoise)
	require.NotEmpty(t, cfg.RunID)
	require.Equal(t, "/data/walker/initial", cfg.InitialDir())
	require.Equal(t, "/data/walker/1s_0.5_800_16000/ini_hann", cfg.StageDir(cfg.SegmentedStage()))
	require.Equal(t, "ini_hann_norm_denoise_drop", cfg.ConditionedStage())
	require.Equal(t, "ini_hann_norm_denoise_drop_norm", cfg.RenormalizedStage())
	require.Equal(t, DefaultWorkers, cfg.Workers)

	_, err = New(cfg).Condition(context.Background())
	require.Error(t, err)

	for _, tc := range []struct {
		name   string
		modify func(*Options)
	}{
		{"no root", func(o *Options) { o.Root = "" }},
		{"unknown profile", func(o *Options) { o.Profile = "3s" }},
		{"unknown window", func(o *Options) { o.Window = "kaiser" }},
		{"unknown post", func(o *Options) { o.Post = "compress" }},
		{"no channels", func(o *Options) { o.Channels = 0 }},
		{"unstable DC blocker", func(o *Options) { o.DCBlock = 1 }},
		{"missing reference", func(o *Options) { o.Reference = "/does/not/exist.wav" }},
		{"missing denoiser", func(o *Options) { o.Denoiser = "walkerssl-no-such-denoiser" }},
	} {
		opts := DefaultOptions()
		opts.Root = "/data/walker"
		tc.modify(&opts)
		if _, err := NewConfig(opts, log); err == nil {
			t.Errorf("%v: wanted an error", tc.name)
		}
	}
}

func TestInfo(t *testing.T) {
	root := t.TempDir()
	for _, dir := range []string{
		"src_1_2/walker_3_4_1_90",
		"src_1_2/walker_5_4_1_180",
		"src_-3_0.5/walker_0_0_1/270",
		"src_-3_0.5/walker_0_0_1/0",
		"src_-3_0.5/notes",
		"src_x_y/walker_q_0_0",
	} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, dir), 0755))
	}
	info, err := Info(root)
	require.NoError(t, err)
	want := &DatasetInfo{
		WalkerX: []float64{0, 3, 5},
		WalkerY: []float64{0, 4},
		WalkerZ: []float64{1},
		SourceX: []float64{-3, 1},
		SourceY: []float64{0.5, 2},
		DOA:     []float64{0, 90, 180, 270},
	}
	if diff := cmp.Diff(want, info); diff != "" {
		t.Errorf("unexpected info: %v", diff)
	}
	require.Contains(t, info.String(), "doa: [0 90 180 270]")
}

type recording struct {
	source pathcodec.SourceKey
	walker pathcodec.WalkerKey
	doa    float64
	// silent is the channel recorded as silence, or -1.
	silent int
}

func writeRecordings(t *testing.T, dir string, recordings []recording) {
	for _, r := range recordings {
		walkerDir := filepath.Join(dir, pathcodec.SourceDir(r.source), pathcodec.WalkerDir(r.walker, r.doa))
		for ch := 0; ch < 4; ch++ {
			w := make(audio.Waveform, 2048)
			if ch != r.silent {
				for idx := range w {
					w[idx] = 0.5 * math.Sin(2*math.Pi*440*float64(idx+ch)/rate)
				}
			}
			path := filepath.Join(walkerDir, pathcodec.EncodeFileName("walker", r.walker, r.doa, fmt.Sprintf("mic%v", ch), -1))
			require.NoError(t, audio.WriteWAVFile(path, w, rate))
		}
	}
}

func TestRun(t *testing.T) {
	root := t.TempDir()
	initial := filepath.Join(root, InitialDir)
	writeRecordings(t, initial, []recording{
		{pathcodec.SourceKey{X: 1, Y: 2}, pathcodec.WalkerKey{X: 3, Y: 4, Z: 1}, 90, -1},
		{pathcodec.SourceKey{X: 1, Y: 2}, pathcodec.WalkerKey{X: 5, Y: 4, Z: 1}, 180, 3},
		{pathcodec.SourceKey{X: -3, Y: 0.5}, pathcodec.WalkerKey{X: 0, Y: 0, Z: 1}, 270, -1},
	})
	wrongRate := filepath.Join(initial, "src_1_2", "walker_9_9_1_0", "walker_9_9_1_0_mic0.wav")
	require.NoError(t, audio.WriteWAVFile(wrongRate, make(audio.Waveform, 2048), 8000))

	profilesFile := filepath.Join(root, "profiles.yaml")
	require.NoError(t, os.WriteFile(profilesFile, []byte("profiles:\n  - name: 32ms\n    time_len: 0.032\n    threshold: 10\n    stepsize: 0.5\n"), 0644))

	log, _ := test.NewNullLogger()
	opts := DefaultOptions()
	opts.Root = root
	opts.Profile = "32ms"
	opts.ProfilesFile = profilesFile
	opts.Workers = Workers{Segment: 2, Condition: 3, Clean: 2, Renormalize: 2, Pack: 2}
	opts.Retries = 1
	opts.CalibrationThreshold = 1e-4
	opts.DCBlock = 0.995
	opts.TFRecord = true
	opts.ShowProgress = false
	cfg, err := NewConfig(opts, log)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(root, "32ms_0.5_10_16000"), cfg.ProfileDir())

	p := New(cfg)
	report, err := p.Run(context.Background())
	require.NoError(t, err)

	// 2048 samples cut into clips of 512 with a hop of 256.
	require.Equal(t, 12, report.Segment.Processed)
	require.Equal(t, []string{wrongRate}, report.Segment.Lost)
	require.Equal(t, 12*7, report.Condition.Processed)
	require.Len(t, report.Clean.Pruned, 7)
	for _, dir := range report.Clean.Pruned {
		require.Contains(t, dir, "walker_5_4_1_180")
	}
	require.Equal(t, 8*7, report.Renormalize.Processed)
	require.Equal(t, 14, report.Pack.Records)

	dense, err := packer.ReadDense(report.Pack.Dense)
	require.NoError(t, err)
	require.Equal(t, "32ms_0.5_10_16000_ini_hann_norm_denoise_drop_norm", dense.DataPreprocessType)
	require.Equal(t, "0.5", dense.Stepsize)
	require.Equal(t, "10", dense.Threshold)
	require.Len(t, dense.Dense.Sources, 2)
	for _, source := range dense.Dense.Sources {
		require.Len(t, source.Records, 7)
		for _, record := range source.Records {
			require.Len(t, record.Waveform, 4)
			require.Len(t, record.Waveform[0], 512)
		}
	}
	nested, err := packer.ReadNested(report.Pack.Nested)
	require.NoError(t, err)
	require.Len(t, nested.Dataset, 2)
	require.Len(t, nested.Dataset[pathcodec.SourceKey{X: 1, Y: 2}], 1)
	require.Len(t, nested.Dataset[pathcodec.SourceKey{X: 1, Y: 2}][pathcodec.WalkerKey{X: 3, Y: 4, Z: 1}][90], 7)
	_, err = os.Stat(report.Pack.TFRecord)
	require.NoError(t, err)

	out, err := p.Features(context.Background(), report.Pack.Dense, features.GCCPHAT{FFTLen: 512, Bins: 33})
	require.NoError(t, err)
	require.Equal(t, filepath.Join(cfg.ProfileDir(), "ini_hann_norm_denoise_drop_norm_array_gcc_phat_33.json"), out)

	textfile := filepath.Join(root, "metrics.prom")
	require.NoError(t, cfg.Metrics.WriteTextfile(textfile))
	b, err := os.ReadFile(textfile)
	require.NoError(t, err)
	require.Contains(t, string(b), fmt.Sprintf(`walkerssl_integrity_pruned_groups_total{run_id=%q} 7`, cfg.RunID))
	require.Contains(t, string(b), fmt.Sprintf(`walkerssl_stage_files_total{outcome="lost",run_id=%q,stage="segment"} 1`, cfg.RunID))
}
