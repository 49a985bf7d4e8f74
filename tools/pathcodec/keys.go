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
package pathcodec

import (
	"fmt"
	"strings"
)

// Label is [src_x, src_y, wk_x, wk_y, wk_z, doa, seg].
type Label [7]float64

// Source returns the sound source part of the label.
func (l Label) Source() SourceKey {
	return SourceKey{X: l[0], Y: l[1]}
}

// Walker returns the walker part of the label.
func (l Label) Walker() WalkerKey {
	return WalkerKey{X: l[2], Y: l[3], Z: l[4]}
}

// DOA returns the direction of arrival of the label.
func (l Label) DOA() float64 {
	return l[5]
}

// Segment returns the segment index of the label.
func (l Label) Segment() int {
	return int(l[6])
}

// SourceKey identifies a sound source position.
type SourceKey struct {
	X float64
	Y float64
}

// MarshalText encodes the key as "x_y", so it can be used as a JSON object key.
func (s SourceKey) MarshalText() ([]byte, error) {
	return []byte(formatFloat(s.X) + Delimiter + formatFloat(s.Y)), nil
}

// UnmarshalText decodes a key produced by MarshalText.
func (s *SourceKey) UnmarshalText(b []byte) error {
	coords, err := parseFloats(string(b), strings.Split(string(b), Delimiter))
	if err != nil {
		return err
	}
	if len(coords) != 2 {
		return fmt.Errorf("source key %q has %v coordinates, wanted 2", b, len(coords))
	}
	s.X, s.Y = coords[0], coords[1]
	return nil
}

func (s SourceKey) String() string {
	b, _ := s.MarshalText()
	return string(b)
}

// WalkerKey identifies a walker position.
type WalkerKey struct {
	X float64
	Y float64
	Z float64
}

// MarshalText encodes the key as "x_y_z", so it can be used as a JSON object key.
func (w WalkerKey) MarshalText() ([]byte, error) {
	return []byte(strings.Join([]string{formatFloat(w.X), formatFloat(w.Y), formatFloat(w.Z)}, Delimiter)), nil
}

// UnmarshalText decodes a key produced by MarshalText.
func (w *WalkerKey) UnmarshalText(b []byte) error {
	coords, err := parseFloats(string(b), strings.Split(string(b), Delimiter))
	if err != nil {
		return err
	}
	if len(coords) != 3 {
		return fmt.Errorf("walker key %q has %v coordinates, wanted 3", b, len(coords))
	}
	w.X, w.Y, w.Z = coords[0], coords[1], coords[2]
	return nil
}

func (w WalkerKey) String() string {
	b, _ := w.MarshalText()
	return string(b)
}

// DecodeSourceDir returns the source key of a source directory.
func DecodeSourceDir(path string) (SourceKey, error) {
	coords, err := DecodeDirectoryLabel(path, Source)
	if err != nil {
		return SourceKey{}, err
	}
	return SourceKey{X: coords[0], Y: coords[1]}, nil
}

// DecodeWalkerDir returns the walker key and doa of a walker directory.
// Directories without a doa token produce a ParseError.
func DecodeWalkerDir(path string) (WalkerKey, float64, error) {
	coords, err := DecodeDirectoryLabel(path, Walker)
	if err != nil {
		return WalkerKey{}, 0, err
	}
	if len(coords) != 4 {
		return WalkerKey{}, 0, &ParseError{Path: path, Reason: "walker directory has no doa"}
	}
	return WalkerKey{X: coords[0], Y: coords[1], Z: coords[2]}, coords[3], nil
}
