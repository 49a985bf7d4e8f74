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
package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/google-research/walkerssl/analysis/data_processing/pipeline"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
)

func settingsFor(t *testing.T, args ...string) *settings {
	var result *settings
	cmd := &cobra.Command{
		Use: "walkerprep",
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			result, err = loadSettings(cmd)
			return err
		},
	}
	addGlobalFlags(cmd)
	cmd.SetArgs(args)
	require.NoError(t, cmd.Execute())
	return result
}

func TestDefaultSettings(t *testing.T) {
	s := settingsFor(t)
	if diff := cmp.Diff(pipeline.DefaultOptions(), s.Pipeline, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("unexpected default options: %v", diff)
	}
	require.Equal(t, "info", s.Log.Level)
	require.Empty(t, s.MetricsFile)
}

func TestSettingsPrecedence(t *testing.T) {
	config := filepath.Join(t.TempDir(), "walkerprep.yaml")
	require.NoError(t, os.WriteFile(config, []byte(`root: /from/config
profile: 64ms
workers:
  segment: 7
  condition: 8
denoiser_args: ["--model", "nsnet2.onnx"]
log:
  level: debug
`), 0644))
	t.Setenv("WALKERSSL_PROFILE", "128ms")
	t.Setenv("WALKERSSL_WORKERS_CONDITION", "9")
	t.Setenv("WALKERSSL_TARGET_LEVEL", "-30")

	s := settingsFor(t, "--config", config, "--profile", "256ms", "--retries", "5", "--progress=false")
	want := pipeline.DefaultOptions()
	want.Root = "/from/config"
	want.Profile = "256ms"
	want.Workers.Segment = 7
	want.Workers.Condition = 9
	want.Retries = 5
	want.TargetLevel = -30
	want.ShowProgress = false
	want.DenoiserArgs = []string{"--model", "nsnet2.onnx"}
	if diff := cmp.Diff(want, s.Pipeline, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("unexpected options: %v", diff)
	}
	require.Equal(t, "debug", s.Log.Level)
}

func TestMissingConfigFile(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"profiles", "--config", filepath.Join(t.TempDir(), "missing.yaml")})
	cmd.SetOut(&bytes.Buffer{})
	require.Error(t, cmd.Execute())
}

func TestProfilesCommand(t *testing.T) {
	out := &bytes.Buffer{}
	cmd := newRootCmd()
	cmd.SetArgs([]string{"profiles"})
	cmd.SetOut(out)
	require.NoError(t, cmd.Execute())
	profiles, err := pipeline.ReadProfiles(out)
	require.NoError(t, err)
	require.Equal(t, pipeline.DefaultProfiles, profiles)
}

func TestInfoCommand(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, pipeline.InitialDir, "src_1_2", "walker_3_4_1", "90"), 0755))
	metricsFile := filepath.Join(root, "metrics.prom")
	out := &bytes.Buffer{}
	cmd := newRootCmd()
	cmd.SetArgs([]string{"info", "--root", root, "--metrics-file", metricsFile, "--log-level", "error"})
	cmd.SetOut(out)
	require.NoError(t, cmd.Execute())
	require.Contains(t, out.String(), "doa: [90]")
	_, err := os.Stat(metricsFile)
	require.NoError(t, err)
}

func TestInfoCommandNeedsRoot(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"info"})
	cmd.SetOut(&bytes.Buffer{})
	require.Error(t, cmd.Execute())
}
