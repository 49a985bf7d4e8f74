/* Package packer assembles the channel groups of a conditioned tree into a single dataset artifact.
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
 *
 */
package packer

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/google-research/walkerssl/tools/audio"
	"github.com/google-research/walkerssl/tools/pathcodec"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Tensor is a channel stack, [channels][samples] for waveforms or [rows][columns] for features.
// It is serialized with a leading singleton dimension, as [1][channels][samples].
type Tensor [][]float64

func (t Tensor) MarshalJSON() ([]byte, error) {
	return json.Marshal([][][]float64{t})
}

func (t *Tensor) UnmarshalJSON(b []byte) error {
	wrapped := [][][]float64{}
	if err := json.Unmarshal(b, &wrapped); err != nil {
		return err
	}
	if len(wrapped) != 1 {
		return fmt.Errorf("tensor has leading dimension %v, wanted 1", len(wrapped))
	}
	*t = wrapped[0]
	return nil
}

// DOA is a direction of arrival, usable as a JSON object key.
type DOA float64

func (d DOA) MarshalText() ([]byte, error) {
	return []byte(strconv.FormatFloat(float64(d), 'f', -1, 64)), nil
}

func (d *DOA) UnmarshalText(b []byte) error {
	f, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return err
	}
	*d = DOA(f)
	return nil
}

// Nested is the keyed form of a dataset: Nested[source][walker][doa][segment] is a channel group.
type Nested map[pathcodec.SourceKey]map[pathcodec.WalkerKey]map[DOA]map[int]Tensor

// Record is a channel group with its label.
type Record struct {
	Label    pathcodec.Label
	Waveform Tensor
}

// SourceRecords are the records of one sound source. Sources have different numbers of records.
type SourceRecords struct {
	Source  pathcodec.SourceKey
	Records []Record
}

// Dense is the list form of a dataset, one entry per sound source.
type Dense struct {
	Sources []SourceRecords
}

// Group is a channel group found on disk.
type Group struct {
	Source  pathcodec.SourceKey
	Walker  pathcodec.WalkerKey
	DOA     float64
	Segment int
	// Files are the channel files, sorted.
	Files []string
}

// Packer reads channel groups from a tree laid out as
// <root>/src_<x>_<y>/walker_<x>_<y>_<z>_<doa>/[seg<N>/]<file>_seg<N>.wav.
type Packer struct {
	Rate     int
	Channels int
	// Workers limits the number of files read concurrently.
	Workers int
	Log     logrus.FieldLogger
}

func (p *Packer) log() logrus.FieldLogger {
	if p.Log == nil {
		return logrus.StandardLogger()
	}
	return p.Log
}

func subdirs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	result := []string{}
	for _, entry := range entries {
		if entry.IsDir() {
			result = append(result, filepath.Join(dir, entry.Name()))
		}
	}
	return result, nil
}

// Scan returns the complete channel groups below root, ordered by source directory, walker
// directory and segment index. Directories and files not following the naming grammar, and
// groups with a number of files other than Channels, are logged and skipped.
func (p *Packer) Scan(root string) ([]Group, error) {
	sources, err := subdirs(root)
	if err != nil {
		return nil, err
	}
	result := []Group{}
	for _, sourceDir := range sources {
		source, err := pathcodec.DecodeSourceDir(sourceDir)
		if err != nil {
			p.log().WithError(err).Warn("skipping directory")
			continue
		}
		walkers, err := subdirs(sourceDir)
		if err != nil {
			return nil, err
		}
		for _, walkerDir := range walkers {
			walker, doa, err := pathcodec.DecodeWalkerDir(walkerDir)
			if err != nil {
				p.log().WithError(err).Warn("skipping directory")
				continue
			}
			files, err := audio.FindWAVs(walkerDir)
			if err != nil {
				return nil, err
			}
			bySegment := map[int][]string{}
			for _, file := range files {
				seg, err := pathcodec.SegmentIndex(file)
				if err != nil {
					p.log().WithError(err).Warn("skipping file")
					continue
				}
				bySegment[seg] = append(bySegment[seg], file)
			}
			segments := make([]int, 0, len(bySegment))
			for seg := range bySegment {
				segments = append(segments, seg)
			}
			sort.Ints(segments)
			for _, seg := range segments {
				groupFiles := bySegment[seg]
				if len(groupFiles) != p.Channels {
					p.log().WithFields(logrus.Fields{"dir": walkerDir, "segment": seg, "files": len(groupFiles)}).Warn("skipping incomplete channel group")
					continue
				}
				sort.Strings(groupFiles)
				result = append(result, Group{
					Source:  source,
					Walker:  walker,
					DOA:     doa,
					Segment: seg,
					Files:   groupFiles,
				})
			}
		}
	}
	return result, nil
}

// Load reads the channel files of every group, and returns the channel stacks in group order.
func (p *Packer) Load(ctx context.Context, groups []Group) ([]Tensor, error) {
	result := make([]Tensor, len(groups))
	g, ctx := errgroup.WithContext(ctx)
	if p.Workers > 0 {
		g.SetLimit(p.Workers)
	}
	for groupIdx := range groups {
		result[groupIdx] = make(Tensor, len(groups[groupIdx].Files))
		for channelIdx, file := range groups[groupIdx].Files {
			g.Go(func() error {
				if err := ctx.Err(); err != nil {
					return err
				}
				w, err := audio.ReadWAVFileAt(file, p.Rate)
				if err != nil {
					return err
				}
				result[groupIdx][channelIdx] = w
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for groupIdx, tensor := range result {
		stack := make(audio.ChannelStack, len(tensor))
		for idx := range tensor {
			stack[idx] = tensor[idx]
		}
		if err := stack.Validate(); err != nil {
			return nil, fmt.Errorf("%v: %w", filepath.Dir(groups[groupIdx].Files[0]), err)
		}
	}
	return result, nil
}

// Nest arranges groups and their channel stacks in the keyed form.
func Nest(groups []Group, tensors []Tensor) Nested {
	result := Nested{}
	for idx, group := range groups {
		walkers, found := result[group.Source]
		if !found {
			walkers = map[pathcodec.WalkerKey]map[DOA]map[int]Tensor{}
			result[group.Source] = walkers
		}
		doas, found := walkers[group.Walker]
		if !found {
			doas = map[DOA]map[int]Tensor{}
			walkers[group.Walker] = doas
		}
		segments, found := doas[DOA(group.DOA)]
		if !found {
			segments = map[int]Tensor{}
			doas[DOA(group.DOA)] = segments
		}
		segments[group.Segment] = tensors[idx]
	}
	return result
}

// Densify arranges groups and their channel stacks in the list form. The label of a record is
// decoded from the path of its first channel file.
func Densify(groups []Group, tensors []Tensor) (*Dense, error) {
	result := &Dense{}
	sourceIdx := map[pathcodec.SourceKey]int{}
	for idx, group := range groups {
		label, err := pathcodec.DecodeAudioPath(group.Files[0])
		if err != nil {
			return nil, err
		}
		if label.Source() != group.Source || label.Walker() != group.Walker || label.DOA() != group.DOA || label.Segment() != group.Segment {
			return nil, fmt.Errorf("%q has label %v, but is stored in the directory of %v/%v/%v/%v", group.Files[0], label, group.Source, group.Walker, group.DOA, group.Segment)
		}
		pos, found := sourceIdx[group.Source]
		if !found {
			pos = len(result.Sources)
			sourceIdx[group.Source] = pos
			result.Sources = append(result.Sources, SourceRecords{Source: group.Source})
		}
		result.Sources[pos].Records = append(result.Sources[pos].Records, Record{Label: label, Waveform: tensors[idx]})
	}
	return result, nil
}

// PackNested scans and loads root, and returns the keyed form.
func (p *Packer) PackNested(ctx context.Context, root string) (Nested, error) {
	groups, err := p.Scan(root)
	if err != nil {
		return nil, err
	}
	tensors, err := p.Load(ctx, groups)
	if err != nil {
		return nil, err
	}
	return Nest(groups, tensors), nil
}

// PackDense scans and loads root, and returns the list form.
func (p *Packer) PackDense(ctx context.Context, root string) (*Dense, error) {
	groups, err := p.Scan(root)
	if err != nil {
		return nil, err
	}
	tensors, err := p.Load(ctx, groups)
	if err != nil {
		return nil, err
	}
	return Densify(groups, tensors)
}
