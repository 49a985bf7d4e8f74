/* Package integrity removes incomplete channel groups from a segmented tree.
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
package integrity

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/cheggaaa/pb"
	"github.com/google-research/walkerssl/tools/audio"
	"github.com/google-research/walkerssl/tools/metrics"
	"github.com/google-research/walkerssl/tools/workerpool"
	"github.com/sirupsen/logrus"
)

// DefaultChannels is the number of microphones of the walker.
const DefaultChannels = 4

// Report lists what a Filter did.
type Report struct {
	// Scanned is the number of leaf folders inspected.
	Scanned int
	// Pruned are the removed folders, sorted.
	Pruned []string
}

// Filter removes every leaf folder holding fewer WAV files than there are channels.
type Filter struct {
	Channels     int
	Workers      int
	Log          logrus.FieldLogger
	Metrics      *metrics.Metrics
	ShowProgress bool
}

// LeafFolders returns the folders below root that contain WAV files but no subdirectories, sorted.
func LeafFolders(root string) ([]string, error) {
	files, err := audio.FindWAVs(root)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	result := []string{}
	for _, file := range files {
		dir := filepath.Dir(file)
		if seen[dir] {
			continue
		}
		seen[dir] = true
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, err
		}
		leaf := true
		for _, entry := range entries {
			if entry.IsDir() {
				leaf = false
				break
			}
		}
		if leaf {
			result = append(result, dir)
		}
	}
	sort.Strings(result)
	return result, nil
}

func countWAVs(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".wav") {
			count++
		}
	}
	return count, nil
}

// Run prunes incomplete leaf folders below root. Failures to remove a folder are logged and ignored.
func (f *Filter) Run(ctx context.Context, root string) (*Report, error) {
	log := f.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	channels := f.Channels
	if channels <= 0 {
		channels = DefaultChannels
	}
	folders, err := LeafFolders(root)
	if err != nil {
		return nil, err
	}
	log.WithFields(logrus.Fields{"stage": "clean", "root": root, "folders": len(folders)}).Info("pruning incomplete channel groups")
	report := &Report{Scanned: len(folders)}
	mutex := &sync.Mutex{}
	executor := &workerpool.Executor[struct{}]{
		Name:    "clean",
		Workers: f.Workers,
		Log:     log,
	}
	if f.ShowProgress {
		executor.Progress = pb.StartNew(len(folders)).Prefix("Cleaning")
		defer executor.Progress.Finish()
	}
	defer f.Metrics.Time("clean")()
	execReport, err := executor.Run(ctx, folders, func(ctx context.Context, _ struct{}, dir string) error {
		count, err := countWAVs(dir)
		if err != nil {
			return err
		}
		if count >= channels {
			return nil
		}
		if err := os.RemoveAll(dir); err != nil {
			log.WithError(err).WithField("dir", dir).Debug("unable to remove incomplete channel group")
			return nil
		}
		log.WithFields(logrus.Fields{"dir": dir, "files": count}).Info("removed incomplete channel group")
		mutex.Lock()
		defer mutex.Unlock()
		report.Pruned = append(report.Pruned, dir)
		return nil
	})
	sort.Strings(report.Pruned)
	f.Metrics.RecordReport("clean", execReport)
	f.Metrics.RecordPruned(len(report.Pruned))
	return report, err
}
