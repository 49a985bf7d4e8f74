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
	"bytes"
	"fmt"
	"os/exec"
	"strings"

	"github.com/google-research/walkerssl/tools/audio"
)

// Denoiser is a speech enhancement model, used as a pure waveform to waveform function.
// The output has the same sample rate as the input.
type Denoiser interface {
	Denoise(w audio.Waveform, rate int) (audio.Waveform, error)
}

// DenoiserFactory loads a model. It is called once per worker, and the result is never
// shared between workers. Denoisers implementing io.Closer are closed when their worker ends.
type DenoiserFactory func() (Denoiser, error)

// Passthrough is a Denoiser returning a copy of its input.
type Passthrough struct{}

func (Passthrough) Denoise(w audio.Waveform, rate int) (audio.Waveform, error) {
	return w.Copy(), nil
}

// PassthroughFactory returns Passthrough denoisers.
func PassthroughFactory() (Denoiser, error) {
	return Passthrough{}, nil
}

// CommandDenoiser runs an external program per clip, writing the clip as a WAV file to
// its stdin and reading the denoised clip as a WAV file from its stdout.
type CommandDenoiser struct {
	Path string
	Args []string
}

func (c *CommandDenoiser) Denoise(w audio.Waveform, rate int) (audio.Waveform, error) {
	in := &bytes.Buffer{}
	if err := w.WriteWAV(in, rate); err != nil {
		return nil, err
	}
	out := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	cmd := exec.Command(c.Path, c.Args...)
	cmd.Stdin = in
	cmd.Stdout = out
	cmd.Stderr = stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%v %v failed: %w: %v", c.Path, strings.Join(c.Args, " "), err, strings.TrimSpace(stderr.String()))
	}
	result, outRate, err := audio.ReadWAV(bytes.NewReader(out.Bytes()))
	if err != nil {
		return nil, fmt.Errorf("unable to decode output of %v: %w", c.Path, err)
	}
	if outRate != rate {
		return nil, fmt.Errorf("%v produced rate %v, wanted %v: %w", c.Path, outRate, rate, audio.ErrSampleRateMismatch)
	}
	return result, nil
}

// CommandFactory returns a factory of CommandDenoisers, after verifying that the program exists.
func CommandFactory(path string, args ...string) (DenoiserFactory, error) {
	resolved, err := exec.LookPath(path)
	if err != nil {
		return nil, err
	}
	return func() (Denoiser, error) {
		return &CommandDenoiser{Path: resolved, Args: args}, nil
	}, nil
}
