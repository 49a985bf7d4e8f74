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
 *
 */
package packer

import (
	"bufio"
	"io"
	"os"
	"path/filepath"

	"github.com/ryszard/tfutils/go/tfrecord"
	"google.golang.org/protobuf/proto"

	proto1 "github.com/golang/protobuf/proto"
	tf "github.com/ryszard/tfutils/proto/tensorflow/core/example"
)

func floatFeature(values ...float64) *tf.Feature {
	floats := make([]float32, len(values))
	for idx := range values {
		floats[idx] = float32(values[idx])
	}
	return &tf.Feature{Kind: &tf.Feature_FloatList{FloatList: &tf.FloatList{Value: floats}}}
}

func int64Feature(values ...int64) *tf.Feature {
	return &tf.Feature{Kind: &tf.Feature_Int64List{Int64List: &tf.Int64List{Value: values}}}
}

func bytesFeature(value string) *tf.Feature {
	return &tf.Feature{Kind: &tf.Feature_BytesList{BytesList: &tf.BytesList{Value: [][]byte{[]byte(value)}}}}
}

// ToTFExample converts a record to a tf.Example with the features label, waveform (channel
// major), channels, samples, fs and data_preprocess_type.
func (r Record) ToTFExample(env Envelope) *tf.Example {
	flat := []float64{}
	samples := 0
	for _, channel := range r.Waveform {
		flat = append(flat, channel...)
		samples = len(channel)
	}
	return &tf.Example{
		Features: &tf.Features{
			Feature: map[string]*tf.Feature{
				"label":                floatFeature(r.Label[:]...),
				"waveform":             floatFeature(flat...),
				"channels":             int64Feature(int64(len(r.Waveform))),
				"samples":              int64Feature(int64(samples)),
				"fs":                   int64Feature(int64(env.Fs)),
				"data_preprocess_type": bytesFeature(env.DataPreprocessType),
			},
		},
	}
}

// WriteTFRecords writes one tf.Example per record of d.
func WriteTFRecords(w io.Writer, env Envelope, d *Dense) (int, error) {
	count := 0
	for _, source := range d.Sources {
		for _, record := range source.Records {
			encoded, err := proto.Marshal(proto1.MessageV2(record.ToTFExample(env)))
			if err != nil {
				return count, err
			}
			if err := tfrecord.Write(w, encoded); err != nil {
				return count, err
			}
			count++
		}
	}
	return count, nil
}

// WriteTFRecordFile writes one tf.Example per record of d to path.
func WriteTFRecordFile(path string, env Envelope, d *Dense) (int, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return 0, err
	}
	f, err := os.Create(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	buf := bufio.NewWriter(f)
	count, err := WriteTFRecords(buf, env, d)
	if err != nil {
		return count, err
	}
	if err := buf.Flush(); err != nil {
		return count, err
	}
	return count, f.Close()
}
