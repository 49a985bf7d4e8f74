/* Package segmenter slices long recordings into fixed length, optionally overlapping clips.
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
package segmenter

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/cheggaaa/pb"
	"github.com/google-research/walkerssl/tools/audio"
	"github.com/google-research/walkerssl/tools/pathcodec"
	"github.com/google-research/walkerssl/tools/workerpool"
	"github.com/sirupsen/logrus"
)

// Options define how recordings are segmented.
type Options struct {
	// TimeLen is the clip duration in seconds.
	TimeLen float64
	// StepRatio is the hop between clips as a fraction of the clip length.
	// Values below 1 make consecutive clips overlap.
	StepRatio float64
	// Rate is the sample rate all recordings must have.
	Rate int
	// Window names the window function applied to every clip, see audio.LookupWindow.
	Window string
	// PowerOf2 rounds the clip length up to the next power of two.
	PowerOf2 bool
	// SegmentFolders places every clip in a seg<N> folder next to its siblings
	// from the other channels, which keeps channel groups together.
	SegmentFolders bool
}

// Plan returns the clip length and hop, in samples.
func (o Options) Plan() (length int, hop int, err error) {
	if o.Rate <= 0 {
		return 0, 0, fmt.Errorf("invalid sample rate %v", o.Rate)
	}
	if o.TimeLen <= 0 {
		return 0, 0, fmt.Errorf("invalid clip duration %v", o.TimeLen)
	}
	if o.StepRatio <= 0 {
		return 0, 0, fmt.Errorf("invalid step ratio %v", o.StepRatio)
	}
	length = int(o.TimeLen * float64(o.Rate))
	if length < 1 {
		return 0, 0, fmt.Errorf("clip duration %v is shorter than a sample at %vHz", o.TimeLen, o.Rate)
	}
	if o.PowerOf2 {
		length = audio.NextPowerOf2(length)
	}
	hop = int(float64(length) * o.StepRatio)
	if hop < 1 {
		hop = 1
	}
	return length, hop, nil
}

// Count returns the number of complete clips of the given length and hop in a recording of n samples.
func Count(n, length, hop int) int {
	if length <= 0 || hop <= 0 || n < length {
		return 0
	}
	return (n-length)/hop + 1
}

// Offsets returns the start sample of every complete clip.
func Offsets(n, length, hop int) []int {
	result := make([]int, Count(n, length, hop))
	for idx := range result {
		result[idx] = idx * hop
	}
	return result
}

// Segment cuts w into clips at Offsets(len(w), length, hop), and applies the window function
// to each of them. The tail shorter than length is dropped. The clips don't share memory with w.
func Segment(w audio.Waveform, length, hop int, win audio.WindowFunc) []audio.Waveform {
	offsets := Offsets(len(w), length, hop)
	result := make([]audio.Waveform, len(offsets))
	for idx, offset := range offsets {
		clip := w[offset : offset+length].Copy()
		clip.ApplyWindow(win)
		result[idx] = clip
	}
	return result
}

// ClipPath returns where clip seg of the recording at rel (relative to the source root) is
// written below dst.
func ClipPath(dst, rel string, seg int, segmentFolders bool) string {
	dir := filepath.Join(dst, filepath.Dir(rel))
	if segmentFolders {
		dir = filepath.Join(dir, pathcodec.SegmentFolder(seg))
	}
	stem := strings.TrimSuffix(filepath.Base(rel), filepath.Ext(rel))
	return filepath.Join(dir, stem+pathcodec.Delimiter+pathcodec.SegmentFolder(seg)+".wav")
}

// Segmenter segments every recording of a tree into a mirrored destination tree.
type Segmenter struct {
	Options Options
	// Workers and Retries configure the executor, see workerpool.Executor.
	Workers int
	Retries int
	Log     logrus.FieldLogger
	// ShowProgress enables a progress bar on stderr.
	ShowProgress bool

	length int
	hop    int
	window audio.WindowFunc
}

// New validates the options and returns a Segmenter.
func New(opts Options, workers int, log logrus.FieldLogger) (*Segmenter, error) {
	length, hop, err := opts.Plan()
	if err != nil {
		return nil, err
	}
	win, err := audio.LookupWindow(opts.Window)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Segmenter{
		Options: opts,
		Workers: workers,
		Log:     log,
		length:  length,
		hop:     hop,
		window:  win,
	}, nil
}

// SegmentFile writes the clips of the recording at path, which must be below src, into dst.
// It returns the number of clips written. A recording with the wrong sample rate produces a
// fatal error, see workerpool.Fatal.
func (s *Segmenter) SegmentFile(src, dst, path string) (int, error) {
	rel, err := filepath.Rel(src, path)
	if err != nil {
		return 0, err
	}
	w, err := audio.ReadWAVFileAt(path, s.Options.Rate)
	if errors.Is(err, audio.ErrSampleRateMismatch) {
		return 0, workerpool.Fatal(err)
	} else if err != nil {
		return 0, err
	}
	clips := Segment(w, s.length, s.hop, s.window)
	for seg, clip := range clips {
		if err := audio.WriteWAVFile(ClipPath(dst, rel, seg, s.Options.SegmentFolders), clip, s.Options.Rate); err != nil {
			return seg, err
		}
	}
	return len(clips), nil
}

// Run segments every WAV file below src into dst. Whatever dst held before is removed.
func (s *Segmenter) Run(ctx context.Context, src, dst string) (*workerpool.Report, error) {
	if err := audio.ClearOutputTree(src, dst); err != nil {
		return nil, fmt.Errorf("segment: %w", err)
	}
	files, err := audio.FindWAVs(src)
	if err != nil {
		return nil, err
	}
	s.Log.WithFields(logrus.Fields{"src": src, "dst": dst, "files": len(files), "length": s.length, "hop": s.hop}).Info("segmenting")
	executor := &workerpool.Executor[struct{}]{
		Name:    "segment",
		Workers: s.Workers,
		Retries: s.Retries,
		Log:     s.Log,
	}
	if s.ShowProgress {
		executor.Progress = pb.StartNew(len(files)).Prefix("Segmenting")
		defer executor.Progress.Finish()
	}
	return executor.Run(ctx, files, func(ctx context.Context, _ struct{}, path string) error {
		n, err := s.SegmentFile(src, dst, path)
		if err != nil {
			return err
		}
		if n == 0 {
			s.Log.WithField("file", path).Debug("recording shorter than one clip")
		}
		return nil
	})
}
