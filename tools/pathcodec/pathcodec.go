/* Package pathcodec decodes the geometric labels encoded in dataset directory and file names.
 *
 * A raw recording lives at
 *
 *   <root>/src_<x>_<y>/walker_<x>_<y>_<z>_<doa>/<prefix>_<x>_<y>_<z>_<doa>_<channel>.wav
 *
 * and a segmented clip of it at
 *
 *   <root>/src_<x>_<y>/walker_<x>_<y>_<z>_<doa>/seg<N>/<prefix>_<x>_<y>_<z>_<doa>_<channel>_seg<N>.wav
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
package pathcodec

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	// Delimiter separates the tokens of directory and file names.
	Delimiter = "_"
	// SourcePrefix starts the name of a sound source directory.
	SourcePrefix = "src"
	// WalkerPrefix starts the name of a walker directory.
	WalkerPrefix = "walker"
	// SegmentMarker precedes the segment index in segment folders and clip file names.
	SegmentMarker = "seg"
)

// ParseError is returned when a path doesn't follow the naming grammar.
// Batch stages skip the offending file and continue.
type ParseError struct {
	Path   string
	Reason string
}

func (p *ParseError) Error() string {
	return fmt.Sprintf("unable to parse %q: %v", p.Path, p.Reason)
}

// IsParseError returns whether err is, or wraps, a ParseError.
func IsParseError(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}

// Kind identifies a directory category.
type Kind int

const (
	// Source is a sound source directory, with 2 coordinates.
	Source Kind = iota
	// Walker is a walker directory, with 3 coordinates and an optional doa.
	Walker
)

func (k Kind) String() string {
	switch k {
	case Source:
		return "Source"
	case Walker:
		return "Walker"
	}
	return "Unknown"
}

func (k Kind) prefix() string {
	if k == Walker {
		return WalkerPrefix
	}
	return SourcePrefix
}

func (k Kind) coordinates() int {
	if k == Walker {
		return 3
	}
	return 2
}

func parseFloats(path string, tokens []string) ([]float64, error) {
	result := make([]float64, len(tokens))
	for idx, token := range tokens {
		f, err := strconv.ParseFloat(token, 64)
		if err != nil {
			return nil, &ParseError{Path: path, Reason: fmt.Sprintf("token %q is not numeric", token)}
		}
		result[idx] = f
	}
	return result, nil
}

// DecodeDirectoryLabel splits the final component of path on the delimiter, verifies the
// category prefix, and returns the coordinates following it: 2 for Source, 3 for Walker.
// A walker directory may carry a trailing doa token, which is returned as a fourth value.
func DecodeDirectoryLabel(path string, kind Kind) ([]float64, error) {
	tokens := strings.Split(filepath.Base(filepath.Clean(path)), Delimiter)
	if tokens[0] != kind.prefix() {
		return nil, &ParseError{Path: path, Reason: fmt.Sprintf("not a %v directory", kind)}
	}
	want := kind.coordinates()
	if got := len(tokens) - 1; got != want && !(kind == Walker && got == want+1) {
		return nil, &ParseError{Path: path, Reason: fmt.Sprintf("%v coordinates, wanted %v", got, want)}
	}
	return parseFloats(path, tokens[1:])
}

// SegmentIndex returns the segment index encoded after the last segment marker in
// the base name of path, ignoring any extension.
func SegmentIndex(path string) (int, error) {
	base := filepath.Base(filepath.Clean(path))
	base = strings.TrimSuffix(base, filepath.Ext(base))
	idx := strings.LastIndex(base, SegmentMarker)
	if idx == -1 {
		return 0, &ParseError{Path: path, Reason: "no segment marker"}
	}
	seg, err := strconv.Atoi(base[idx+len(SegmentMarker):])
	if err != nil || seg < 0 {
		return 0, &ParseError{Path: path, Reason: fmt.Sprintf("invalid segment index %q", base[idx+len(SegmentMarker):])}
	}
	return seg, nil
}

// IsSegmentFolder returns whether the final component of path names a segment folder.
func IsSegmentFolder(path string) bool {
	base := filepath.Base(filepath.Clean(path))
	if !strings.HasPrefix(base, SegmentMarker) {
		return false
	}
	_, err := strconv.Atoi(strings.TrimPrefix(base, SegmentMarker))
	return err == nil
}

// SegmentFolder returns the name of the folder holding the channel group of segment seg.
func SegmentFolder(seg int) string {
	return SegmentMarker + strconv.Itoa(seg)
}

// DecodeFileLabel returns [x, y, z, doa] from the tokens at positions 1 to 4 of the
// base name of path, with the segment index appended if includeSegment is set.
func DecodeFileLabel(path string, includeSegment bool) ([]float64, error) {
	base := filepath.Base(filepath.Clean(path))
	tokens := strings.Split(strings.TrimSuffix(base, filepath.Ext(base)), Delimiter)
	if len(tokens) < 5 {
		return nil, &ParseError{Path: path, Reason: fmt.Sprintf("%v tokens, wanted at least 5", len(tokens))}
	}
	result, err := parseFloats(path, tokens[1:5])
	if err != nil {
		return nil, err
	}
	if includeSegment {
		seg, err := SegmentIndex(path)
		if err != nil {
			return nil, err
		}
		result = append(result, float64(seg))
	}
	return result, nil
}

// DecodeAudioPath returns the full label of a clip: the walker coordinates, doa and
// segment index from the file name, and the source coordinates from the grandparent
// directory. A segment folder between the file and the walker directory is skipped.
func DecodeAudioPath(path string) (Label, error) {
	path = filepath.Clean(path)
	fileLabel, err := DecodeFileLabel(path, true)
	if err != nil {
		return Label{}, err
	}
	parent := filepath.Dir(path)
	if IsSegmentFolder(parent) {
		parent = filepath.Dir(parent)
	}
	src, err := DecodeDirectoryLabel(filepath.Dir(parent), Source)
	if err != nil {
		return Label{}, err
	}
	return Label{
		src[0], src[1],
		fileLabel[0], fileLabel[1], fileLabel[2],
		fileLabel[3], fileLabel[4],
	}, nil
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// EncodeFileName builds a file name following the grammar DecodeFileLabel parses.
// A negative seg produces a raw (unsegmented) recording name.
func EncodeFileName(prefix string, walker WalkerKey, doa float64, channel string, seg int) string {
	tokens := []string{prefix, formatFloat(walker.X), formatFloat(walker.Y), formatFloat(walker.Z), formatFloat(doa)}
	if channel != "" {
		tokens = append(tokens, channel)
	}
	if seg >= 0 {
		tokens = append(tokens, SegmentFolder(seg))
	}
	return strings.Join(tokens, Delimiter) + ".wav"
}

// SourceDir returns the directory name for a sound source.
func SourceDir(s SourceKey) string {
	return strings.Join([]string{SourcePrefix, formatFloat(s.X), formatFloat(s.Y)}, Delimiter)
}

// WalkerDir returns the directory name for a walker placement and doa.
func WalkerDir(w WalkerKey, doa float64) string {
	return strings.Join([]string{WalkerPrefix, formatFloat(w.X), formatFloat(w.Y), formatFloat(w.Z), formatFloat(doa)}, Delimiter)
}
