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
package audio

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v2"
	"github.com/youpy/go-wav"
)

// ErrSampleRateMismatch is returned when a recording doesn't have the sample rate the pipeline is configured for.
var ErrSampleRateMismatch = errors.New("sample rate mismatch")

// Source is a random access byte source, like *os.File or *bytes.Reader.
type Source interface {
	io.Reader
	io.ReaderAt
}

// ReadWAV decodes the first channel of a WAV stream, and returns the samples along with the sample rate.
func ReadWAV(r Source) (Waveform, int, error) {
	reader := wav.NewReader(r)
	format, err := reader.Format()
	if err != nil {
		return nil, 0, err
	}
	if format.BitsPerSample == 0 {
		return nil, 0, fmt.Errorf("invalid bits per sample in %+v", format)
	}
	fullScale := float64(int64(1) << (format.BitsPerSample - 1))
	// 8 bit PCM is unsigned with its midpoint at 128, wider formats are signed.
	offset := 0.0
	if format.BitsPerSample == 8 {
		offset = fullScale
	}
	result := Waveform{}
	for {
		samples, err := reader.ReadSamples()
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, 0, err
		}
		for _, sample := range samples {
			result = append(result, (float64(reader.IntValue(sample, 0))-offset)/fullScale)
		}
	}
	return result, int(format.SampleRate), nil
}

// ReadWAVFile opens a WAV file and returns the first channel along with the sample rate.
func ReadWAVFile(path string) (Waveform, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()
	w, rate, err := ReadWAV(f)
	if err != nil {
		return nil, 0, fmt.Errorf("unable to decode %q: %w", path, err)
	}
	return w, rate, nil
}

// ReadWAVFileAt reads a WAV file and verifies that it has the expected sample rate.
func ReadWAVFileAt(path string, rate int) (Waveform, error) {
	w, fileRate, err := ReadWAVFile(path)
	if err != nil {
		return nil, err
	}
	if fileRate != rate {
		return nil, fmt.Errorf("%q has rate %v, wanted %v: %w", path, fileRate, rate, ErrSampleRateMismatch)
	}
	return w, nil
}

// WriteWAV writes the waveform as a mono 16 bit WAV file to a writer, declaring a given
// sample rate. Samples outside -1.0 and 1.0 are clipped.
func (w Waveform) WriteWAV(out io.Writer, rate int) error {
	wavSamples := make([]wav.Sample, len(w))
	for idx := range w {
		v := math.Max(-1, math.Min(1, w[idx]))
		wavSamples[idx] = wav.Sample{
			Values: [2]int{int(math.Round(v * float64(math.MaxInt16))), 0},
		}
	}
	buf := &bytes.Buffer{}
	wavWriter := wav.NewWriter(buf, uint32(len(w)), 1, uint32(rate), 16)
	if err := wavWriter.WriteSamples(wavSamples); err != nil {
		return err
	}
	_, err := io.Copy(out, buf)
	return err
}

// WriteWAVFile writes the waveform to path, creating parent directories as needed.
// The file is written to a temporary sibling first and renamed into place, so an
// interrupted write never leaves a truncated file behind and rewriting is idempotent.
func WriteWAVFile(path string, w Waveform, rate int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err := w.WriteWAV(tmp, rate); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// FindWAVs returns all .wav files below root, sorted.
func FindWAVs(root string) ([]string, error) {
	files, err := doublestar.Glob(filepath.Join(root, "**", "*.wav"))
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// ClearOutputTree removes the output tree dst of a stage reading src, so clips of an earlier run
// can't mix with the new ones. It refuses to remove src or a tree containing it.
func ClearOutputTree(src, dst string) error {
	src, dst = filepath.Clean(src), filepath.Clean(dst)
	if rel, err := filepath.Rel(dst, src); err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("output tree %q would remove input tree %q", dst, src)
	}
	return os.RemoveAll(dst)
}
