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
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/google-research/walkerssl/tools/pathcodec"
	"gopkg.in/yaml.v3"
)

// Profile is a named segmentation preset.
type Profile struct {
	Name string `yaml:"name"`
	// TimeLen is the clip duration in seconds.
	TimeLen float64 `yaml:"time_len"`
	// Threshold is the drop threshold of the accept/drop gate.
	Threshold float64 `yaml:"threshold"`
	// StepRatio is the hop between clips as a fraction of TimeLen.
	StepRatio float64 `yaml:"stepsize"`
}

// DefaultProfiles are the presets used for the walker recordings.
var DefaultProfiles = []Profile{
	{Name: "32ms", TimeLen: 0.032, Threshold: 100, StepRatio: 0.5},
	{Name: "50ms", TimeLen: 0.05, Threshold: 100, StepRatio: 0.5},
	{Name: "64ms", TimeLen: 0.064, Threshold: 100, StepRatio: 0.5},
	{Name: "128ms", TimeLen: 0.128, Threshold: 200, StepRatio: 0.5},
	{Name: "256ms", TimeLen: 0.256, Threshold: 400, StepRatio: 0.128},
	{Name: "1s", TimeLen: 1, Threshold: 800, StepRatio: 0.5},
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// Validate checks that the profile can be used to segment recordings.
func (p Profile) Validate() error {
	switch {
	case p.Name == "":
		return fmt.Errorf("profile without name")
	case strings.Contains(p.Name, pathcodec.Delimiter):
		return fmt.Errorf("profile name %q contains %q", p.Name, pathcodec.Delimiter)
	case p.TimeLen <= 0:
		return fmt.Errorf("profile %q has invalid time_len %v", p.Name, p.TimeLen)
	case p.StepRatio <= 0:
		return fmt.Errorf("profile %q has invalid stepsize %v", p.Name, p.StepRatio)
	case p.Threshold < 0:
		return fmt.Errorf("profile %q has invalid threshold %v", p.Name, p.Threshold)
	}
	return nil
}

// Dir returns the name of the directory holding the datasets of the profile at rate,
// <name>_<stepsize rounded to 2 decimals>_<threshold>_<rate>.
func (p Profile) Dir(rate int) string {
	return strings.Join([]string{
		p.Name,
		formatFloat(math.Round(p.StepRatio*100) / 100),
		formatFloat(p.Threshold),
		strconv.Itoa(rate),
	}, pathcodec.Delimiter)
}

// LookupProfile returns the profile called name.
func LookupProfile(profiles []Profile, name string) (Profile, error) {
	for _, p := range profiles {
		if p.Name == name {
			return p, nil
		}
	}
	names := make([]string, len(profiles))
	for idx := range profiles {
		names[idx] = profiles[idx].Name
	}
	return Profile{}, fmt.Errorf("unknown profile %q, wanted one of %v", name, names)
}

// MergeProfiles returns base with every profile of overrides replacing the one of the same
// name, or added if base has none.
func MergeProfiles(base, overrides []Profile) []Profile {
	result := append([]Profile{}, base...)
	for _, override := range overrides {
		found := false
		for idx := range result {
			if result[idx].Name == override.Name {
				result[idx] = override
				found = true
			}
		}
		if !found {
			result = append(result, override)
		}
	}
	return result
}

type profileFile struct {
	Profiles []Profile `yaml:"profiles"`
}

// ReadProfiles decodes a YAML document with a profiles list.
func ReadProfiles(r io.Reader) ([]Profile, error) {
	f := profileFile{}
	if err := yaml.NewDecoder(r).Decode(&f); err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	for _, p := range f.Profiles {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if seen[p.Name] {
			return nil, fmt.Errorf("profile %q defined twice", p.Name)
		}
		seen[p.Name] = true
	}
	return f.Profiles, nil
}

// LoadProfiles returns DefaultProfiles merged with the profiles of the YAML file at path.
// An empty path returns DefaultProfiles.
func LoadProfiles(path string) ([]Profile, error) {
	if path == "" {
		return DefaultProfiles, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	profiles, err := ReadProfiles(f)
	if err != nil {
		return nil, fmt.Errorf("unable to read profiles from %q: %w", path, err)
	}
	return MergeProfiles(DefaultProfiles, profiles), nil
}

// WriteProfiles encodes profiles, sorted by clip duration, as a YAML document ReadProfiles accepts.
func WriteProfiles(w io.Writer, profiles []Profile) error {
	sorted := append([]Profile{}, profiles...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].TimeLen < sorted[j].TimeLen
	})
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(profileFile{Profiles: sorted}); err != nil {
		return err
	}
	return enc.Close()
}
