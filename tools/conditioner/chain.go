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
	"errors"
	"fmt"
	"path/filepath"

	"github.com/cheggaaa/pb"
	"github.com/google-research/walkerssl/tools/audio"
	"github.com/google-research/walkerssl/tools/filter"
	"github.com/google-research/walkerssl/tools/metrics"
	"github.com/google-research/walkerssl/tools/workerpool"
	"github.com/sirupsen/logrus"
)

// Post selects what happens to an accepted clip before it is written.
type Post int

const (
	// PostNone writes the clip as it left the gate.
	PostNone Post = iota
	// PostInverseScale divides out the normalization scale, restoring the original amplitude range.
	PostInverseScale
	// PostRenormalize normalizes the clip again to the target level.
	PostRenormalize
)

// ParsePost returns the Post named "none", "inverse_scale" or "renormalize".
func ParsePost(s string) (Post, error) {
	switch s {
	case "", "none":
		return PostNone, nil
	case "inverse_scale":
		return PostInverseScale, nil
	case "renormalize":
		return PostRenormalize, nil
	}
	return 0, fmt.Errorf("unknown post processing %q", s)
}

// Chain is the per clip conditioning sequence. Steps that are disabled are skipped, which
// allows normalize only, denoise only or drop only passes.
type Chain struct {
	// DCBlock is the pole radius of a DC blocking filter run before normalization. 0 disables it.
	DCBlock   float64
	Normalize bool
	Denoise   bool
	// Drop enables the accept/drop gate.
	Drop bool
	Post Post
	// TargetLevel and ClippingThreshold configure normalization. A ClippingThreshold of 0
	// disables the clipping guard.
	TargetLevel       audio.DB
	ClippingThreshold float64
	Gate              Gate
}

// Apply runs the chain over clip. Dropped clips return a nil waveform along with the verdict.
func (c Chain) Apply(clip audio.Waveform, rate int, denoiser Denoiser) (audio.Waveform, Verdict, error) {
	w := clip
	scale := 1.0
	if c.DCBlock > 0 {
		f, err := filter.DCBlocker(c.DCBlock).Make()
		if err != nil {
			return nil, Accepted, err
		}
		w = f.Apply(w)
	}
	if c.Normalize {
		w, scale = Normalize(w, c.TargetLevel, c.ClippingThreshold)
	}
	if c.Denoise {
		if denoiser == nil {
			return nil, Accepted, fmt.Errorf("denoising enabled without a denoiser")
		}
		denoised, err := denoiser.Denoise(w, rate)
		if err != nil {
			return nil, Accepted, err
		}
		w = denoised
	}
	if c.Drop {
		if verdict := c.Gate.Judge(w, rate); verdict != Accepted {
			return nil, verdict, nil
		}
	}
	switch c.Post {
	case PostInverseScale:
		w = InverseScale(w, scale)
	case PostRenormalize:
		w, _ = Normalize(w, c.TargetLevel, c.ClippingThreshold)
	}
	return w, Accepted, nil
}

// RenormalizeChain returns the chain of the final pass over an accepted tree: normalization
// to target without clipping guard.
func RenormalizeChain(target audio.DB) Chain {
	return Chain{Normalize: true, TargetLevel: target}
}

// Stage applies a chain to every clip of a tree, writing accepted clips to the same relative
// path in a destination tree.
type Stage struct {
	Name  string
	Chain Chain
	Rate  int
	// Workers and Retries configure the executor.
	Workers int
	Retries int
	// Denoisers creates the denoiser of each worker. Nil means PassthroughFactory.
	Denoisers    DenoiserFactory
	Log          logrus.FieldLogger
	Metrics      *metrics.Metrics
	ShowProgress bool
}

// Process conditions the clip at path below src, and writes it below dst if accepted.
func (s *Stage) Process(denoiser Denoiser, src, dst, path string) (Verdict, error) {
	rel, err := filepath.Rel(src, path)
	if err != nil {
		return Accepted, err
	}
	clip, err := audio.ReadWAVFileAt(path, s.Rate)
	if errors.Is(err, audio.ErrSampleRateMismatch) {
		return Accepted, workerpool.Fatal(err)
	} else if err != nil {
		return Accepted, err
	}
	result, verdict, err := s.Chain.Apply(clip, s.Rate, denoiser)
	if err != nil {
		return verdict, workerpool.Fatal(fmt.Errorf("%q: %w", path, err))
	}
	if verdict != Accepted {
		return verdict, nil
	}
	return verdict, audio.WriteWAVFile(filepath.Join(dst, rel), result, s.Rate)
}

// Run conditions every WAV file below src into dst. Whatever dst held before is removed.
func (s *Stage) Run(ctx context.Context, src, dst string) (*workerpool.Report, error) {
	if err := audio.ClearOutputTree(src, dst); err != nil {
		return nil, fmt.Errorf("%v: %w", s.Name, err)
	}
	log := s.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	factory := s.Denoisers
	if factory == nil {
		factory = PassthroughFactory
	}
	files, err := audio.FindWAVs(src)
	if err != nil {
		return nil, err
	}
	log.WithFields(logrus.Fields{"stage": s.Name, "src": src, "dst": dst, "files": len(files)}).Info("conditioning")
	executor := &workerpool.Executor[Denoiser]{
		Name:    s.Name,
		Workers: s.Workers,
		Retries: s.Retries,
		Setup: func(int) (Denoiser, error) {
			return factory()
		},
		Log: log,
	}
	if s.ShowProgress {
		executor.Progress = pb.StartNew(len(files)).Prefix(s.Name)
		defer executor.Progress.Finish()
	}
	defer s.Metrics.Time(s.Name)()
	report, err := executor.Run(ctx, files, func(ctx context.Context, denoiser Denoiser, path string) error {
		verdict, err := s.Process(denoiser, src, dst, path)
		if err != nil {
			return err
		}
		s.Metrics.RecordVerdict(s.Name, verdict.String())
		if verdict != Accepted {
			log.WithFields(logrus.Fields{"stage": s.Name, "file": path, "verdict": verdict}).Debug("dropped clip")
		}
		return nil
	})
	s.Metrics.RecordReport(s.Name, report)
	return report, err
}
