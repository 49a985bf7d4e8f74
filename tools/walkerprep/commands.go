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
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google-research/walkerssl/analysis/data_processing/features"
	"github.com/google-research/walkerssl/analysis/data_processing/packer"
	"github.com/google-research/walkerssl/analysis/data_processing/pipeline"
	"github.com/google-research/walkerssl/tools/logging"
	"github.com/google-research/walkerssl/tools/segmenter"
	"github.com/google-research/walkerssl/tools/workerpool"
	"github.com/spf13/cobra"
)

type pipelineFunc func(ctx context.Context, cmd *cobra.Command, p *pipeline.Pipeline, args []string) error

// withPipeline builds the configuration of the invocation and runs fn with it. Metrics are
// written afterwards if a metrics file is configured, also when fn fails.
func withPipeline(fn pipelineFunc) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) (err error) {
		s, err := loadSettings(cmd)
		if err != nil {
			return err
		}
		log, closer, err := logging.New(s.Log)
		if err != nil {
			return err
		}
		defer closer.Close()
		cfg, err := pipeline.NewConfig(s.Pipeline, log)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		err = fn(ctx, cmd, pipeline.New(cfg), args)
		if s.MetricsFile != "" {
			if werr := cfg.Metrics.WriteTextfile(s.MetricsFile); werr != nil {
				cfg.Log.WithError(werr).Error("unable to write metrics")
				if err == nil {
					err = werr
				}
			}
		}
		return err
	}
}

func stageCmd(use, short string, stage func(*pipeline.Pipeline, context.Context) (*workerpool.Report, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: withPipeline(func(ctx context.Context, cmd *cobra.Command, p *pipeline.Pipeline, args []string) error {
			_, err := stage(p, ctx)
			return err
		}),
	}
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Segment, condition, clean, renormalize and pack a dataset",
		Args:  cobra.NoArgs,
		RunE: withPipeline(func(ctx context.Context, cmd *cobra.Command, p *pipeline.Pipeline, args []string) error {
			report, err := p.Run(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%v records packed into %v and %v\n", report.Pack.Records, report.Pack.Nested, report.Pack.Dense)
			return nil
		}),
	}
}

func newSegmentCmd() *cobra.Command {
	return stageCmd("segment", "Cut the raw recordings into clips", (*pipeline.Pipeline).Segment)
}

func newConditionCmd() *cobra.Command {
	return stageCmd("condition", "Normalize, denoise and gate the segmented clips", (*pipeline.Pipeline).Condition)
}

func newRenormalizeCmd() *cobra.Command {
	return stageCmd("renormalize", "Normalize the conditioned clips again", (*pipeline.Pipeline).Renormalize)
}

func newCleanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clean",
		Short: "Remove incomplete channel groups of the conditioned clips",
		Args:  cobra.NoArgs,
		RunE: withPipeline(func(ctx context.Context, cmd *cobra.Command, p *pipeline.Pipeline, args []string) error {
			report, err := p.Clean(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%v of %v channel groups removed\n", len(report.Pruned), report.Scanned)
			return nil
		}),
	}
}

func newPackCmd() *cobra.Command {
	var stage string
	cmd := &cobra.Command{
		Use:   "pack",
		Short: "Pack a stage into the nested and dense dataset artifacts",
		Args:  cobra.NoArgs,
		RunE: withPipeline(func(ctx context.Context, cmd *cobra.Command, p *pipeline.Pipeline, args []string) error {
			if stage == "" {
				stage = p.Config.RenormalizedStage()
			}
			result, err := p.Pack(ctx, stage)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%v records packed into %v and %v\n", result.Records, result.Nested, result.Dense)
			return nil
		}),
	}
	cmd.Flags().StringVar(&stage, "stage", "", "Stage to pack. Defaults to the renormalized stage.")
	return cmd
}

func newFeaturesCmd() *cobra.Command {
	var (
		featureType  string
		fftLen       int
		featureLen   int
		clipMs       float64
		overlapRatio float64
	)
	cmd := &cobra.Command{
		Use:   "features [artifact.json...]",
		Short: "Replace the waveforms of packed artifacts with features",
		Long:  "Replace the waveforms of packed artifacts with features. Without arguments, both artifacts of the renormalized stage are processed.",
		RunE: withPipeline(func(ctx context.Context, cmd *cobra.Command, p *pipeline.Pipeline, args []string) error {
			cfg := p.Config
			if fftLen == 0 {
				length, _, err := segmenter.Options{
					TimeLen:   cfg.Profile.TimeLen,
					StepRatio: cfg.Profile.StepRatio,
					Rate:      cfg.Rate,
					PowerOf2:  cfg.PowerOf2,
				}.Plan()
				if err != nil {
					return err
				}
				fftLen = length
			}
			extractor, err := features.Lookup(featureType, fftLen, featureLen, clipMs, overlapRatio)
			if err != nil {
				return err
			}
			if len(args) == 0 {
				stageDir := cfg.StageDir(cfg.RenormalizedStage())
				args = []string{packer.NestedPath(stageDir), packer.DensePath(stageDir)}
			}
			for _, path := range args {
				out, err := p.Features(ctx, path, extractor)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), out)
			}
			return nil
		}),
	}
	cmd.Flags().StringVar(&featureType, "type", "gcc_phat", "Feature type: gcc_phat, log_mel or stft.")
	cmd.Flags().IntVar(&fftLen, "fft-len", 0, "FFT size of gcc_phat and log_mel. Defaults to the clip length of the profile.")
	cmd.Flags().IntVar(&featureLen, "feature-len", 128, "GCC lags or mel bands.")
	cmd.Flags().Float64Var(&clipMs, "clip-ms", 64, "STFT frame duration in milliseconds.")
	cmd.Flags().Float64Var(&overlapRatio, "overlap", 0.5, "STFT frame overlap as a fraction of the frame.")
	return cmd
}

func newInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info [dir]",
		Short: "List the walker and sound source placements of a tree",
		Long:  "List the walker and sound source placements of a tree. Defaults to the raw recordings.",
		Args:  cobra.MaximumNArgs(1),
		RunE: withPipeline(func(ctx context.Context, cmd *cobra.Command, p *pipeline.Pipeline, args []string) error {
			dir := p.Config.InitialDir()
			if len(args) == 1 {
				dir = args[0]
			}
			info, err := pipeline.Info(dir)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), info)
			return nil
		}),
	}
}

func newProfilesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "profiles",
		Short: "Print the segmentation profiles as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSettings(cmd)
			if err != nil {
				return err
			}
			profiles, err := pipeline.LoadProfiles(s.Pipeline.ProfilesFile)
			if err != nil {
				return err
			}
			return pipeline.WriteProfiles(cmd.OutOrStdout(), profiles)
		},
	}
}
