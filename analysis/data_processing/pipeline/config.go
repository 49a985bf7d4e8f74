/* Package pipeline sequences the preprocessing stages of a walker dataset.
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
package pipeline

import (
	"fmt"
	"path/filepath"

	"github.com/google-research/walkerssl/tools/audio"
	"github.com/google-research/walkerssl/tools/conditioner"
	"github.com/google-research/walkerssl/tools/integrity"
	"github.com/google-research/walkerssl/tools/metrics"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	// InitialDir is the directory below the dataset root holding the raw recordings.
	InitialDir = "initial"
	// DefaultRate is the sample rate of the walker recordings.
	DefaultRate = 16000
	// DefaultWindow is the window applied to every clip.
	DefaultWindow = "hann"
)

// Workers are the worker counts of each stage. They are used as given, independent of the
// number of CPUs.
type Workers struct {
	Segment     int `mapstructure:"segment"`
	Condition   int `mapstructure:"condition"`
	Clean       int `mapstructure:"clean"`
	Renormalize int `mapstructure:"renormalize"`
	Pack        int `mapstructure:"pack"`
}

// DefaultWorkers are the worker counts the walker datasets were processed with.
var DefaultWorkers = Workers{
	Segment:     32,
	Condition:   128,
	Clean:       64,
	Renormalize: 64,
	Pack:        16,
}

// Options are the settings a Config is built from, as decoded from flags, environment
// and configuration file.
type Options struct {
	Root     string  `mapstructure:"root"`
	Profile  string  `mapstructure:"profile"`
	Rate     int     `mapstructure:"rate"`
	Window   string  `mapstructure:"window"`
	PowerOf2 bool    `mapstructure:"pow2"`
	Workers  Workers `mapstructure:"workers"`
	// Retries is the number of times a worker is restarted on the same file before the file is lost.
	Retries  int `mapstructure:"retries"`
	Channels int `mapstructure:"channels"`

	// DCBlock is the pole radius of the DC blocking filter of the condition stage. 0 disables it.
	DCBlock           float64 `mapstructure:"dc_block"`
	TargetLevel       float64 `mapstructure:"target_level"`
	ClippingThreshold float64 `mapstructure:"clipping_threshold"`
	// Post is the post processing of accepted clips, see conditioner.ParsePost.
	Post string `mapstructure:"post"`
	// Reference is the recording the gate calibration is derived from.
	Reference          string  `mapstructure:"reference"`
	CalibrationScaling float64 `mapstructure:"calibration_scaling"`
	// CalibrationThreshold sets the gate calibration directly when no Reference is given.
	CalibrationThreshold float64 `mapstructure:"calibration_threshold"`
	// Denoiser is the program denoising clips, see conditioner.CommandDenoiser. Empty disables denoising.
	Denoiser     string   `mapstructure:"denoiser"`
	DenoiserArgs []string `mapstructure:"denoiser_args"`

	// ProfilesFile is a YAML file with profiles added to or replacing DefaultProfiles.
	ProfilesFile string `mapstructure:"profiles_file"`
	// TFRecord enables the TFRecord export of the dense form.
	TFRecord     bool `mapstructure:"tfrecord"`
	ShowProgress bool `mapstructure:"progress"`
}

// DefaultOptions returns the settings of the walker datasets.
func DefaultOptions() Options {
	return Options{
		Profile:            "1s",
		Rate:               DefaultRate,
		Window:             DefaultWindow,
		Workers:            DefaultWorkers,
		Retries:            2,
		Channels:           integrity.DefaultChannels,
		TargetLevel:        float64(conditioner.DefaultTargetLevel),
		ClippingThreshold:  conditioner.DefaultClippingThreshold,
		Post:               "inverse_scale",
		CalibrationScaling: conditioner.DefaultCalibrationScaling,
		ShowProgress:       true,
	}
}

// Config is the validated configuration shared by all stages of one invocation.
type Config struct {
	Root     string
	Profile  Profile
	Rate     int
	Window   string
	PowerOf2 bool
	Workers  Workers
	Retries  int
	Channels int

	DCBlock           float64
	TargetLevel       audio.DB
	ClippingThreshold float64
	Post              conditioner.Post
	// Calibration is nil when neither a reference nor a threshold is configured.
	// Only the conditioning stage needs it.
	Calibration *conditioner.Calibration
	Denoisers   conditioner.DenoiserFactory
	Denoise     bool

	TFRecord     bool
	ShowProgress bool

	RunID   string
	Log     logrus.FieldLogger
	Metrics *metrics.Metrics
}

// NewConfig validates opts and builds the configuration, loading the profile table and the
// calibration reference. The logger is tagged with a fresh run id.
func NewConfig(opts Options, log logrus.FieldLogger) (*Config, error) {
	if opts.Root == "" {
		return nil, fmt.Errorf("no dataset root configured")
	}
	if opts.Rate <= 0 {
		return nil, fmt.Errorf("invalid sample rate %v", opts.Rate)
	}
	if opts.Channels <= 0 {
		return nil, fmt.Errorf("invalid channel count %v", opts.Channels)
	}
	if _, err := audio.LookupWindow(opts.Window); err != nil {
		return nil, err
	}
	profiles, err := LoadProfiles(opts.ProfilesFile)
	if err != nil {
		return nil, err
	}
	profile, err := LookupProfile(profiles, opts.Profile)
	if err != nil {
		return nil, err
	}
	if err := profile.Validate(); err != nil {
		return nil, err
	}
	if opts.DCBlock < 0 || opts.DCBlock >= 1 {
		return nil, fmt.Errorf("invalid DC blocker pole radius %v", opts.DCBlock)
	}
	post, err := conditioner.ParsePost(opts.Post)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	runID := uuid.New().String()
	cfg := &Config{
		Root:              filepath.Clean(opts.Root),
		Profile:           profile,
		Rate:              opts.Rate,
		Window:            opts.Window,
		PowerOf2:          opts.PowerOf2,
		Workers:           opts.Workers,
		Retries:           opts.Retries,
		Channels:          opts.Channels,
		DCBlock:           opts.DCBlock,
		TargetLevel:       audio.DB(opts.TargetLevel),
		ClippingThreshold: opts.ClippingThreshold,
		Post:              post,
		Denoisers:         conditioner.PassthroughFactory,
		TFRecord:          opts.TFRecord,
		ShowProgress:      opts.ShowProgress,
		RunID:             runID,
		Log:               log.WithField("run_id", runID),
		Metrics:           metrics.New(runID),
	}
	switch {
	case opts.Reference != "":
		calibration, err := conditioner.LoadCalibration(opts.Reference, cfg.TargetLevel, opts.CalibrationScaling)
		if err != nil {
			return nil, fmt.Errorf("unable to calibrate from %q: %w", opts.Reference, err)
		}
		cfg.Calibration = &calibration
	case opts.CalibrationThreshold > 0:
		cfg.Calibration = &conditioner.Calibration{Threshold: opts.CalibrationThreshold}
	}
	if opts.Denoiser != "" {
		factory, err := conditioner.CommandFactory(opts.Denoiser, opts.DenoiserArgs...)
		if err != nil {
			return nil, err
		}
		cfg.Denoisers = factory
		cfg.Denoise = true
	}
	return cfg, nil
}

// ProfileDir is the directory holding every stage of the configured profile.
func (c *Config) ProfileDir() string {
	return filepath.Join(c.Root, c.Profile.Dir(c.Rate))
}

// InitialDir is the directory of the raw recordings.
func (c *Config) InitialDir() string {
	return filepath.Join(c.Root, InitialDir)
}

// SegmentedStage names the tree of windowed clips, e.g. ini_hann.
func (c *Config) SegmentedStage() string {
	return "ini_" + c.Window
}

// ConditionedStage names the tree of normalized, denoised and gated clips.
func (c *Config) ConditionedStage() string {
	return c.SegmentedStage() + "_norm_denoise_drop"
}

// RenormalizedStage names the tree of conditioned clips normalized again.
func (c *Config) RenormalizedStage() string {
	return c.ConditionedStage() + "_norm"
}

// StageDir returns the directory of a stage of the configured profile.
func (c *Config) StageDir(stage string) string {
	return filepath.Join(c.ProfileDir(), stage)
}
