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
	"fmt"
	"strings"

	"github.com/google-research/walkerssl/analysis/data_processing/pipeline"
	"github.com/google-research/walkerssl/tools/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "WALKERSSL"

// flagKeys maps the persistent flags to their configuration keys.
var flagKeys = map[string]string{
	"root":                  "root",
	"profile":               "profile",
	"profiles-file":         "profiles_file",
	"rate":                  "rate",
	"window":                "window",
	"pow2":                  "pow2",
	"retries":               "retries",
	"channels":              "channels",
	"segment-workers":       "workers.segment",
	"condition-workers":     "workers.condition",
	"clean-workers":         "workers.clean",
	"renormalize-workers":   "workers.renormalize",
	"pack-workers":          "workers.pack",
	"dc-block":              "dc_block",
	"target-level":          "target_level",
	"clipping-threshold":    "clipping_threshold",
	"post":                  "post",
	"reference":             "reference",
	"calibration-scaling":   "calibration_scaling",
	"calibration-threshold": "calibration_threshold",
	"denoiser":              "denoiser",
	"denoiser-arg":          "denoiser_args",
	"tfrecord":              "tfrecord",
	"progress":              "progress",
	"log-level":             "log.level",
	"log-format":            "log.format",
	"log-file":              "log.file",
	"log-max-size":          "log.max_size_mb",
	"log-max-backups":       "log.max_backups",
	"log-max-age":           "log.max_age_days",
	"log-compress":          "log.compress",
	"metrics-file":          "metrics_file",
}

func addGlobalFlags(cmd *cobra.Command) {
	defaults := pipeline.DefaultOptions()
	flags := cmd.PersistentFlags()
	flags.String("config", "", "YAML configuration file.")
	flags.String("root", "", "Dataset root, holding the raw recordings in initial/.")
	flags.String("profile", defaults.Profile, "Segmentation profile.")
	flags.String("profiles-file", "", "YAML file with profiles added to or replacing the built in ones.")
	flags.Int("rate", defaults.Rate, "Sample rate of every recording.")
	flags.String("window", defaults.Window, "Window applied to every clip.")
	flags.Bool("pow2", defaults.PowerOf2, "Round the clip length up to the next power of 2.")
	flags.Int("retries", defaults.Retries, "Restarts of a dead worker on the same file before the file is lost.")
	flags.Int("channels", defaults.Channels, "Microphones per channel group.")
	flags.Int("segment-workers", defaults.Workers.Segment, "Workers of the segment stage.")
	flags.Int("condition-workers", defaults.Workers.Condition, "Workers of the condition stage.")
	flags.Int("clean-workers", defaults.Workers.Clean, "Workers of the clean stage.")
	flags.Int("renormalize-workers", defaults.Workers.Renormalize, "Workers of the renormalize stage.")
	flags.Int("pack-workers", defaults.Workers.Pack, "Concurrent file reads and feature extractions.")
	flags.Float64("dc-block", defaults.DCBlock, "Pole radius of the DC blocking filter run before normalization, 0 disables it.")
	flags.Float64("target-level", defaults.TargetLevel, "Normalization level in dBFS.")
	flags.Float64("clipping-threshold", defaults.ClippingThreshold, "Peak limit of normalized clips, 0 disables.")
	flags.String("post", defaults.Post, "Post processing of accepted clips: none, inverse_scale or renormalize.")
	flags.String("reference", "", "Reference recording calibrating the accept/drop gate.")
	flags.Float64("calibration-scaling", defaults.CalibrationScaling, "Divisor of the reference energy.")
	flags.Float64("calibration-threshold", 0, "Absolute gate energy threshold, used without --reference.")
	flags.String("denoiser", "", "Denoising program reading and writing WAV on stdin/stdout. Empty disables denoising.")
	flags.StringSlice("denoiser-arg", nil, "Argument of the denoising program, repeatable.")
	flags.Bool("tfrecord", defaults.TFRecord, "Also export the dense form as TFRecord.")
	flags.Bool("progress", defaults.ShowProgress, "Show progress bars.")
	flags.String("log-level", "info", "Log level.")
	flags.String("log-format", "text", "Log format, text or json.")
	flags.String("log-file", "", "Rotated log file receiving a copy of the log.")
	flags.Int("log-max-size", 100, "Size in MB at which the log file is rotated.")
	flags.Int("log-max-backups", 5, "Rotated log files kept.")
	flags.Int("log-max-age", 30, "Days rotated log files are kept.")
	flags.Bool("log-compress", true, "Compress rotated log files.")
	flags.String("metrics-file", "", "File the metrics are written to, in the Prometheus text format.")
}

func setDefaults(v *viper.Viper) {
	defaults := pipeline.DefaultOptions()
	v.SetDefault("root", defaults.Root)
	v.SetDefault("profile", defaults.Profile)
	v.SetDefault("profiles_file", defaults.ProfilesFile)
	v.SetDefault("rate", defaults.Rate)
	v.SetDefault("window", defaults.Window)
	v.SetDefault("pow2", defaults.PowerOf2)
	v.SetDefault("retries", defaults.Retries)
	v.SetDefault("channels", defaults.Channels)
	v.SetDefault("workers.segment", defaults.Workers.Segment)
	v.SetDefault("workers.condition", defaults.Workers.Condition)
	v.SetDefault("workers.clean", defaults.Workers.Clean)
	v.SetDefault("workers.renormalize", defaults.Workers.Renormalize)
	v.SetDefault("workers.pack", defaults.Workers.Pack)
	v.SetDefault("dc_block", defaults.DCBlock)
	v.SetDefault("target_level", defaults.TargetLevel)
	v.SetDefault("clipping_threshold", defaults.ClippingThreshold)
	v.SetDefault("post", defaults.Post)
	v.SetDefault("reference", defaults.Reference)
	v.SetDefault("calibration_scaling", defaults.CalibrationScaling)
	v.SetDefault("calibration_threshold", defaults.CalibrationThreshold)
	v.SetDefault("denoiser", defaults.Denoiser)
	v.SetDefault("denoiser_args", defaults.DenoiserArgs)
	v.SetDefault("tfrecord", defaults.TFRecord)
	v.SetDefault("progress", defaults.ShowProgress)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 30)
	v.SetDefault("log.compress", true)
	v.SetDefault("metrics_file", "")
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for name, key := range flagKeys {
		flag := flags.Lookup(name)
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return fmt.Errorf("unable to bind --%v: %w", name, err)
		}
	}
	return nil
}

// settings are the decoded configuration of one invocation.
type settings struct {
	Pipeline    pipeline.Options
	Log         logging.Options
	MetricsFile string
}

// loadSettings layers, from lowest to highest precedence, the defaults, the configuration file,
// the WALKERSSL_* environment and the flags of cmd.
func loadSettings(cmd *cobra.Command) (*settings, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("unable to read configuration %q: %w", path, err)
		}
	}
	if err := bindFlags(v, cmd.Flags()); err != nil {
		return nil, err
	}
	result := &settings{}
	if err := v.Unmarshal(&result.Pipeline); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	result.Log = logging.Options{
		Level:      v.GetString("log.level"),
		Format:     v.GetString("log.format"),
		File:       v.GetString("log.file"),
		MaxSizeMB:  v.GetInt("log.max_size_mb"),
		MaxBackups: v.GetInt("log.max_backups"),
		MaxAgeDays: v.GetInt("log.max_age_days"),
		Compress:   v.GetBool("log.compress"),
	}
	result.MetricsFile = v.GetString("metrics_file")
	return result, nil
}
