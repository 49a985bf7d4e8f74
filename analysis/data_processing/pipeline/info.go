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
	"io/fs"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/google-research/walkerssl/tools/pathcodec"
)

// DatasetInfo lists the distinct placements found in a dataset tree.
type DatasetInfo struct {
	WalkerX []float64
	WalkerY []float64
	WalkerZ []float64
	SourceX []float64
	SourceY []float64
	DOA     []float64
}

type valueSet map[float64]bool

func (v valueSet) sorted() []float64 {
	result := make([]float64, 0, len(v))
	for f := range v {
		result = append(result, f)
	}
	sort.Float64s(result)
	return result
}

// Info walks root and collects the coordinates of every source and walker directory. The doa
// is read from the walker directory name, or from the names of its numeric subdirectories.
// Directories not following the naming grammar are ignored.
func Info(root string) (*DatasetInfo, error) {
	sets := make([]valueSet, 6)
	for idx := range sets {
		sets[idx] = valueSet{}
	}
	walkerX, walkerY, walkerZ, sourceX, sourceY, doas := sets[0], sets[1], sets[2], sets[3], sets[4], sets[5]
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() || path == root {
			return nil
		}
		name := d.Name()
		switch {
		case strings.HasPrefix(name, pathcodec.SourcePrefix+pathcodec.Delimiter):
			if source, err := pathcodec.DecodeSourceDir(path); err == nil {
				sourceX[source.X] = true
				sourceY[source.Y] = true
			}
		case strings.HasPrefix(name, pathcodec.WalkerPrefix+pathcodec.Delimiter):
			if coords, err := pathcodec.DecodeDirectoryLabel(path, pathcodec.Walker); err == nil {
				walkerX[coords[0]] = true
				walkerY[coords[1]] = true
				walkerZ[coords[2]] = true
				if len(coords) == 4 {
					doas[coords[3]] = true
				}
			}
		case strings.HasPrefix(filepath.Base(filepath.Dir(path)), pathcodec.WalkerPrefix+pathcodec.Delimiter):
			if doa, err := strconv.ParseFloat(name, 64); err == nil {
				doas[doa] = true
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &DatasetInfo{
		WalkerX: walkerX.sorted(),
		WalkerY: walkerY.sorted(),
		WalkerZ: walkerZ.sorted(),
		SourceX: sourceX.sorted(),
		SourceY: sourceY.sorted(),
		DOA:     doas.sorted(),
	}, nil
}

func (d *DatasetInfo) String() string {
	b := &strings.Builder{}
	fmt.Fprintf(b, "walker\n  x: %v\n  y: %v\n  z: %v\n", d.WalkerX, d.WalkerY, d.WalkerZ)
	fmt.Fprintf(b, "sound source\n  x: %v\n  y: %v\n", d.SourceX, d.SourceY)
	fmt.Fprintf(b, "direction of arrival\n  doa: %v\n", d.DOA)
	return b.String()
}
