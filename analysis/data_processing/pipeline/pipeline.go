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
	"context"
	"fmt"

	"github.com/google-research/walkerssl/analysis/data_processing/features"
	"github.com/google-research/walkerssl/analysis/data_processing/packer"
	"github.com/google-research/walkerssl/tools/conditioner"
	"github.com/google-research/walkerssl/tools/integrity"
	"github.com/google-research/walkerssl/tools/segmenter"
	"github.com/google-research/walkerssl/tools/workerpool"
	"github.com/sirupsen/logrus"
)

// Pipeline runs the stages of one profile over a dataset root.
type Pipeline struct {
	Config *Config
}

// New returns a pipeline for cfg.
func New(cfg *Config) *Pipeline {
	return &Pipeline{Config: cfg}
}

func (p *Pipeline) logReport(stage string, report *workerpool.Report) {
	if report == nil {
		return
	}
	fields := logrus.Fields{
		"stage":     stage,
		"processed": report.Processed,
		"skipped":   len(report.Skipped),
		"lost":      len(report.Lost),
		"restarts":  report.Restarts,
	}
	if len(report.Lost) > 0 {
		p.Config.Log.WithFields(fields).WithField("lost_files", report.Lost).Error("stage lost files")
		return
	}
	p.Config.Log.WithFields(fields).Info("stage done")
}

// Segment cuts the raw recordings into the clips of the profile.
func (p *Pipeline) Segment(ctx context.Context) (*workerpool.Report, error) {
	cfg := p.Config
	s, err := segmenter.New(segmenter.Options{
		TimeLen:        cfg.Profile.TimeLen,
		StepRatio:      cfg.Profile.StepRatio,
		Rate:           cfg.Rate,
		Window:         cfg.Window,
		PowerOf2:       cfg.PowerOf2,
		SegmentFolders: true,
	}, cfg.Workers.Segment, cfg.Log)
	if err != nil {
		return nil, err
	}
	s.Retries = cfg.Retries
	s.ShowProgress = cfg.ShowProgress
	defer cfg.Metrics.Time("segment")()
	report, err := s.Run(ctx, cfg.InitialDir(), cfg.StageDir(cfg.SegmentedStage()))
	cfg.Metrics.RecordReport("segment", report)
	p.logReport("segment", report)
	return report, err
}

// Condition normalizes, denoises and gates the clips of the segmented stage.
func (p *Pipeline) Condition(ctx context.Context) (*workerpool.Report, error) {
	cfg := p.Config
	if cfg.Calibration == nil {
		return nil, fmt.Errorf("conditioning needs a calibration reference or threshold")
	}
	stage := &conditioner.Stage{
		Name: "condition",
		Chain: conditioner.Chain{
			DCBlock:           cfg.DCBlock,
			Normalize:         true,
			Denoise:           cfg.Denoise,
			Drop:              true,
			Post:              cfg.Post,
			TargetLevel:       cfg.TargetLevel,
			ClippingThreshold: cfg.ClippingThreshold,
			Gate: conditioner.Gate{
				Calibration: *cfg.Calibration,
				Threshold:   cfg.Profile.Threshold,
			},
		},
		Rate:         cfg.Rate,
		Workers:      cfg.Workers.Condition,
		Retries:      cfg.Retries,
		Denoisers:    cfg.Denoisers,
		Log:          cfg.Log,
		Metrics:      cfg.Metrics,
		ShowProgress: cfg.ShowProgress,
	}
	report, err := stage.Run(ctx, cfg.StageDir(cfg.SegmentedStage()), cfg.StageDir(cfg.ConditionedStage()))
	p.logReport(stage.Name, report)
	return report, err
}

// Clean removes the channel groups the conditioning stage left incomplete.
func (p *Pipeline) Clean(ctx context.Context) (*integrity.Report, error) {
	cfg := p.Config
	filter := &integrity.Filter{
		Channels:     cfg.Channels,
		Workers:      cfg.Workers.Clean,
		Log:          cfg.Log,
		Metrics:      cfg.Metrics,
		ShowProgress: cfg.ShowProgress,
	}
	return filter.Run(ctx, cfg.StageDir(cfg.ConditionedStage()))
}

// Renormalize normalizes every clip of the cleaned conditioned stage to the target level.
func (p *Pipeline) Renormalize(ctx context.Context) (*workerpool.Report, error) {
	cfg := p.Config
	stage := &conditioner.Stage{
		Name:         "renormalize",
		Chain:        conditioner.RenormalizeChain(cfg.TargetLevel),
		Rate:         cfg.Rate,
		Workers:      cfg.Workers.Renormalize,
		Retries:      cfg.Retries,
		Log:          cfg.Log,
		Metrics:      cfg.Metrics,
		ShowProgress: cfg.ShowProgress,
	}
	report, err := stage.Run(ctx, cfg.StageDir(cfg.ConditionedStage()), cfg.StageDir(cfg.RenormalizedStage()))
	p.logReport(stage.Name, report)
	return report, err
}

// PackResult lists the artifacts written by Pack.
type PackResult struct {
	Nested   string
	Dense    string
	TFRecord string
	Records  int
}

// Pack writes both packed forms of a stage of the profile, and the TFRecord export of the
// dense form if enabled.
func (p *Pipeline) Pack(ctx context.Context, stage string) (*PackResult, error) {
	cfg := p.Config
	defer cfg.Metrics.Time("pack")()
	stageDir := cfg.StageDir(stage)
	pk := &packer.Packer{Rate: cfg.Rate, Channels: cfg.Channels, Workers: cfg.Workers.Pack, Log: cfg.Log}
	groups, err := pk.Scan(stageDir)
	if err != nil {
		return nil, err
	}
	tensors, err := pk.Load(ctx, groups)
	if err != nil {
		return nil, err
	}
	result := &PackResult{
		Nested:  packer.NestedPath(stageDir),
		Dense:   packer.DensePath(stageDir),
		Records: len(groups),
	}

	nestedEnv, err := packer.NewEnvelope(cfg.ProfileDir(), stage, packer.NestedDescription)
	if err != nil {
		return nil, err
	}
	if err := packer.WriteJSON(result.Nested, packer.NestedArtifact{Envelope: nestedEnv, Dataset: packer.Nest(groups, tensors)}); err != nil {
		return nil, err
	}

	denseEnv, err := packer.NewEnvelope(cfg.ProfileDir(), stage, packer.DenseDescription)
	if err != nil {
		return nil, err
	}
	dense, err := packer.Densify(groups, tensors)
	if err != nil {
		return nil, err
	}
	if err := packer.WriteJSON(result.Dense, packer.DenseArtifact{Envelope: denseEnv, Dense: dense}); err != nil {
		return nil, err
	}
	if cfg.TFRecord {
		result.TFRecord = packer.TFRecordPath(stageDir)
		if _, err := packer.WriteTFRecordFile(result.TFRecord, denseEnv, dense); err != nil {
			return nil, err
		}
	}
	cfg.Log.WithFields(logrus.Fields{"stage": stage, "records": result.Records, "nested": result.Nested, "dense": result.Dense}).Info("packed")
	return result, nil
}

// Features replaces the waveforms of the artifact at path with the features of extractor,
// and returns the path of the new artifact.
func (p *Pipeline) Features(ctx context.Context, path string, extractor features.Extractor) (string, error) {
	defer p.Config.Metrics.Time("features")()
	adapter := &features.Adapter{
		Extractor: extractor,
		Workers:   p.Config.Workers.Pack,
		Log:       p.Config.Log,
	}
	return adapter.ExtractFile(ctx, path)
}

// RunReport collects the outcome of every stage of Run.
type RunReport struct {
	Segment     *workerpool.Report
	Condition   *workerpool.Report
	Clean       *integrity.Report
	Renormalize *workerpool.Report
	Pack        *PackResult
}

// lostOnly drops the error of a stage that completed while losing some files.
func lostOnly(ctx context.Context, report *workerpool.Report, err error) error {
	if err != nil && ctx.Err() == nil && report != nil && len(report.Lost) > 0 {
		return nil
	}
	return err
}

// Run segments, conditions, cleans, renormalizes and packs the dataset. Each stage starts
// once the previous one has completed. Files lost by a stage don't stop the run; they are
// listed in the report.
func (p *Pipeline) Run(ctx context.Context) (*RunReport, error) {
	result := &RunReport{}
	var err error
	result.Segment, err = p.Segment(ctx)
	if err := lostOnly(ctx, result.Segment, err); err != nil {
		return result, fmt.Errorf("segmenting: %w", err)
	}
	result.Condition, err = p.Condition(ctx)
	if err := lostOnly(ctx, result.Condition, err); err != nil {
		return result, fmt.Errorf("conditioning: %w", err)
	}
	if result.Clean, err = p.Clean(ctx); err != nil {
		return result, fmt.Errorf("cleaning: %w", err)
	}
	result.Renormalize, err = p.Renormalize(ctx)
	if err := lostOnly(ctx, result.Renormalize, err); err != nil {
		return result, fmt.Errorf("renormalizing: %w", err)
	}
	if result.Pack, err = p.Pack(ctx, p.Config.RenormalizedStage()); err != nil {
		return result, fmt.Errorf("packing: %w", err)
	}
	return result, nil
}
