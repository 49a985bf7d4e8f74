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
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestDecodeDirectoryLabel(t *testing.T) {
	tests := []struct {
		desc    string
		path    string
		kind    Kind
		want    []float64
		wantErr bool
	}{
		{
			desc: "Source directory",
			path: "/data/initial/src_1.5_-2",
			kind: Source,
			want: []float64{1.5, -2},
		},
		{
			desc: "Walker directory with trailing slash",
			path: "/data/initial/src_1_2/walker_3_4_1/",
			kind: Walker,
			want: []float64{3, 4, 1},
		},
		{
			desc: "Walker directory with doa",
			path: "walker_3_4_1_135",
			kind: Walker,
			want: []float64{3, 4, 1, 135},
		},
		{
			desc:    "Wrong prefix",
			path:    "walker_3_4_1",
			kind:    Source,
			wantErr: true,
		},
		{
			desc:    "Too few coordinates",
			path:    "src_3",
			kind:    Source,
			wantErr: true,
		},
		{
			desc:    "Non numeric coordinate",
			path:    "src_3_north",
			kind:    Source,
			wantErr: true,
		},
	}
	for _, tc := range tests {
		got, err := DecodeDirectoryLabel(tc.path, tc.kind)
		if tc.wantErr {
			if !IsParseError(err) {
				t.Errorf("%v: DecodeDirectoryLabel(%q) returned %v, wanted a ParseError", tc.desc, tc.path, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("%v: DecodeDirectoryLabel(%q) failed: %v", tc.desc, tc.path, err)
			continue
		}
		if diff := cmp.Diff(tc.want, got); diff != "" {
			t.Errorf("%v: DecodeDirectoryLabel(%q) is unexpectedly %v: %v", tc.desc, tc.path, got, diff)
		}
	}
}

func TestDecodeFileLabel(t *testing.T) {
	tests := []struct {
		desc           string
		path           string
		includeSegment bool
		want           []float64
		wantErr        bool
	}{
		{
			desc: "Raw recording",
			path: "/x/walker_1_2_1_90_mic0.wav",
			want: []float64{1, 2, 1, 90},
		},
		{
			desc:           "Segmented clip",
			path:           "/x/seg12/walker_1_2_1_90_mic0_seg12.wav",
			includeSegment: true,
			want:           []float64{1, 2, 1, 90, 12},
		},
		{
			desc:           "Missing segment",
			path:           "walker_1_2_1_90_mic0.wav",
			includeSegment: true,
			wantErr:        true,
		},
		{
			desc:    "Too few tokens",
			path:    "walker_1_2.wav",
			wantErr: true,
		},
		{
			desc:    "Non numeric doa",
			path:    "walker_1_2_1_left_mic0.wav",
			wantErr: true,
		},
	}
	for _, tc := range tests {
		got, err := DecodeFileLabel(tc.path, tc.includeSegment)
		if tc.wantErr {
			if !IsParseError(err) {
				t.Errorf("%v: DecodeFileLabel(%q) returned %v, wanted a ParseError", tc.desc, tc.path, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("%v: DecodeFileLabel(%q) failed: %v", tc.desc, tc.path, err)
			continue
		}
		if diff := cmp.Diff(tc.want, got); diff != "" {
			t.Errorf("%v: DecodeFileLabel(%q) is unexpectedly %v: %v", tc.desc, tc.path, got, diff)
		}
	}
}

func TestFileNameRoundTrip(t *testing.T) {
	for _, tc := range []struct {
		walker WalkerKey
		doa    float64
		seg    int
	}{
		{WalkerKey{1, 2, 1}, 90, 0},
		{WalkerKey{-3.5, 0.25, 1}, 315, 17},
		{WalkerKey{0, 0, 0}, 0, 123456},
	} {
		name := EncodeFileName("walker", tc.walker, tc.doa, "mic2", tc.seg)
		got, err := DecodeFileLabel(name, true)
		if err != nil {
			t.Fatalf("DecodeFileLabel(%q) failed: %v", name, err)
		}
		want := []float64{tc.walker.X, tc.walker.Y, tc.walker.Z, tc.doa, float64(tc.seg)}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("%q decoded to %v, wanted %v", name, got, want)
		}
		if again := EncodeFileName("walker", WalkerKey{got[0], got[1], got[2]}, got[3], "mic2", int(got[4])); again != name {
			t.Errorf("re-encoding %v produced %q, wanted %q", got, again, name)
		}
	}
}

func TestDecodeAudioPath(t *testing.T) {
	src := SourceKey{X: 2, Y: -1}
	walker := WalkerKey{X: 1, Y: 3, Z: 1}
	want := Label{2, -1, 1, 3, 1, 45, 7}
	for _, path := range []string{
		filepath.Join("/root", SourceDir(src), WalkerDir(walker, 45), EncodeFileName("walker", walker, 45, "mic0", 7)),
		filepath.Join("/root", SourceDir(src), WalkerDir(walker, 45), SegmentFolder(7), EncodeFileName("walker", walker, 45, "mic0", 7)),
	} {
		got, err := DecodeAudioPath(path)
		if err != nil {
			t.Fatalf("DecodeAudioPath(%q) failed: %v", path, err)
		}
		if got != want {
			t.Errorf("DecodeAudioPath(%q) = %v, wanted %v", path, got, want)
		}
		if got.Source() != src || got.Walker() != walker || got.DOA() != 45 || got.Segment() != 7 {
			t.Errorf("label accessors of %v don't match %v/%v", got, src, walker)
		}
	}
	if _, err := DecodeAudioPath("/root/somewhere/walker_1_3_1_45/walker_1_3_1_45_mic0_seg7.wav"); !IsParseError(err) {
		t.Errorf("missing source directory produced %v, wanted a ParseError", err)
	}
}

func TestKeysAsJSONMapKeys(t *testing.T) {
	in := map[SourceKey]map[WalkerKey]int{
		{X: 1, Y: 2.5}: {{X: 1, Y: 2, Z: 1}: 3},
	}
	b, err := json.Marshal(in)
	if err != nil {
		t.Fatal(err)
	}
	if want := `{"1_2.5":{"1_2_1":3}}`; string(b) != want {
		t.Errorf("got %s, wanted %s", b, want)
	}
	out := map[SourceKey]map[WalkerKey]int{}
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(in, out); diff != "" {
		t.Errorf("round trip produced %v: %v", out, diff)
	}
}

func TestIsSegmentFolder(t *testing.T) {
	for path, want := range map[string]bool{
		"/a/seg0":         true,
		"/a/seg12/":       true,
		"/a/segment":      false,
		"/a/walker_1_2_1": false,
	} {
		if got := IsSegmentFolder(path); got != want {
			t.Errorf("IsSegmentFolder(%q) = %v, wanted %v", path, got, want)
		}
	}
}
