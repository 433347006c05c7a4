// Copyright 2019 Google Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package bam

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// Char is the value of an 'A' attribute.
type Char byte

// Hex is the value of an 'H' attribute.
type Hex string

// Attribute is a tagged optional field.
type Attribute struct {
	Tag   string
	Value interface{}
}

// valueSize returns the encoded size of a scalar value of type t.
func valueSize(t byte) int {
	switch t {
	case 'A', 'c', 'C':
		return 1
	case 's', 'S':
		return 2
	case 'i', 'I', 'f':
		return 4
	}
	return 0
}

// scanAttributes records the start offset of every attribute, stopping
// exactly at the end of the record.
func (r *Record) scanAttributes() error {
	if r.scanned {
		return r.tagErr
	}
	r.scanned = true
	data := r.data
	for pos := r.attrs; pos < len(data); {
		if pos+3 > len(data) {
			r.tagErr = r.formatError(fmt.Errorf("%w: attribute header at byte %d", ErrTruncated, pos))
			return r.tagErr
		}
		size, err := attributeSize(data, pos)
		if err != nil {
			r.tagErr = r.formatError(err)
			return r.tagErr
		}
		if pos+size > len(data) {
			r.tagErr = r.formatError(fmt.Errorf("%w: attribute %s needs %d bytes", ErrTruncated, data[pos:pos+2], size))
			return r.tagErr
		}
		r.tags = append(r.tags, pos)
		pos += size
	}
	return nil
}

// attributeSize returns the total size, including tag and type, of the
// attribute starting at pos.
func attributeSize(data []byte, pos int) (int, error) {
	tag, t := data[pos:pos+2], data[pos+2]
	if n := valueSize(t); n > 0 {
		return 3 + n, nil
	}
	switch t {
	case 'Z', 'H':
		end := bytes.IndexByte(data[pos+3:], 0)
		if end < 0 {
			return 0, fmt.Errorf("%w: %s", ErrUnterminatedString, tag)
		}
		return 3 + end + 1, nil
	case 'B':
		if pos+8 > len(data) {
			return 0, fmt.Errorf("%w: array attribute %s", ErrTruncated, tag)
		}
		n := valueSize(data[pos+3])
		if n == 0 || data[pos+3] == 'A' {
			return 0, fmt.Errorf("%w: array of %q in %s", ErrAttributeType, data[pos+3], tag)
		}
		count := int(binary.LittleEndian.Uint32(data[pos+4:]))
		return 8 + count*n, nil
	}
	return 0, fmt.Errorf("%w: %q in %s", ErrAttributeType, t, tag)
}

// Tags returns the tags of every attribute in order.
func (r *Record) Tags() ([]string, error) {
	if err := r.scanAttributes(); err != nil {
		return nil, err
	}
	tags := make([]string, len(r.tags))
	for i, pos := range r.tags {
		tags[i] = string(r.data[pos : pos+2])
	}
	return tags, nil
}

// Attributes returns every attribute in order.
func (r *Record) Attributes() ([]Attribute, error) {
	if err := r.scanAttributes(); err != nil {
		return nil, err
	}
	attributes := make([]Attribute, len(r.tags))
	for i, pos := range r.tags {
		attributes[i] = Attribute{Tag: string(r.data[pos : pos+2]), Value: decodeValue(r.data, pos)}
	}
	return attributes, nil
}

// Attribute returns the value of the attribute with the given tag.  Values
// are returned as Char, int8, uint8, int16, uint16, int32, uint32, float32,
// string, Hex or a slice of the numeric types.
func (r *Record) Attribute(tag string) (interface{}, bool, error) {
	pos, err := r.findAttribute(tag)
	if err != nil || pos < 0 {
		return nil, false, err
	}
	return decodeValue(r.data, pos), true, nil
}

// IntAttribute returns the value of an integer attribute.  ok is false when
// the attribute is absent or not an integer.
func (r *Record) IntAttribute(tag string) (value int64, ok bool, err error) {
	pos, err := r.findAttribute(tag)
	if err != nil || pos < 0 {
		return 0, false, err
	}
	v := r.data[pos+3:]
	switch r.data[pos+2] {
	case 'c':
		return int64(int8(v[0])), true, nil
	case 'C':
		return int64(v[0]), true, nil
	case 's':
		return int64(int16(binary.LittleEndian.Uint16(v))), true, nil
	case 'S':
		return int64(binary.LittleEndian.Uint16(v)), true, nil
	case 'i':
		return int64(int32(binary.LittleEndian.Uint32(v))), true, nil
	case 'I':
		return int64(binary.LittleEndian.Uint32(v)), true, nil
	}
	return 0, false, nil
}

func (r *Record) findAttribute(tag string) (int, error) {
	if len(tag) != 2 {
		return -1, fmt.Errorf("invalid tag %q", tag)
	}
	if err := r.scanAttributes(); err != nil {
		return -1, err
	}
	for _, pos := range r.tags {
		if r.data[pos] == tag[0] && r.data[pos+1] == tag[1] {
			return pos, nil
		}
	}
	return -1, nil
}

// decodeValue decodes the already validated attribute at pos.
func decodeValue(data []byte, pos int) interface{} {
	v := data[pos+3:]
	switch t := data[pos+2]; t {
	case 'Z':
		return string(v[:bytes.IndexByte(v, 0)])
	case 'H':
		return Hex(v[:bytes.IndexByte(v, 0)])
	case 'B':
		count := int(binary.LittleEndian.Uint32(v[1:]))
		return decodeArray(v[0], count, v[5:])
	default:
		return decodeScalar(t, v)
	}
}

func decodeScalar(t byte, v []byte) interface{} {
	switch t {
	case 'A':
		return Char(v[0])
	case 'c':
		return int8(v[0])
	case 'C':
		return v[0]
	case 's':
		return int16(binary.LittleEndian.Uint16(v))
	case 'S':
		return binary.LittleEndian.Uint16(v)
	case 'i':
		return int32(binary.LittleEndian.Uint32(v))
	case 'I':
		return binary.LittleEndian.Uint32(v)
	case 'f':
		return math.Float32frombits(binary.LittleEndian.Uint32(v))
	}
	return nil
}

func decodeArray(t byte, count int, v []byte) interface{} {
	switch t {
	case 'c':
		out := make([]int8, count)
		for i := range out {
			out[i] = int8(v[i])
		}
		return out
	case 'C':
		return append([]uint8(nil), v[:count]...)
	case 's':
		out := make([]int16, count)
		for i := range out {
			out[i] = int16(binary.LittleEndian.Uint16(v[2*i:]))
		}
		return out
	case 'S':
		out := make([]uint16, count)
		for i := range out {
			out[i] = binary.LittleEndian.Uint16(v[2*i:])
		}
		return out
	case 'i':
		out := make([]int32, count)
		for i := range out {
			out[i] = int32(binary.LittleEndian.Uint32(v[4*i:]))
		}
		return out
	case 'I':
		out := make([]uint32, count)
		for i := range out {
			out[i] = binary.LittleEndian.Uint32(v[4*i:])
		}
		return out
	case 'f':
		out := make([]float32, count)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(v[4*i:]))
		}
		return out
	}
	return nil
}

// appendAttribute encodes a into buf.
func appendAttribute(buf []byte, a Attribute) ([]byte, error) {
	if len(a.Tag) != 2 {
		return nil, fmt.Errorf("invalid tag %q", a.Tag)
	}
	buf = append(buf, a.Tag[0], a.Tag[1])
	le := binary.LittleEndian
	switch v := a.Value.(type) {
	case Char:
		buf = append(buf, 'A', byte(v))
	case int8:
		buf = append(buf, 'c', byte(v))
	case uint8:
		buf = append(buf, 'C', v)
	case int16:
		buf = le.AppendUint16(append(buf, 's'), uint16(v))
	case uint16:
		buf = le.AppendUint16(append(buf, 'S'), v)
	case int32:
		buf = le.AppendUint32(append(buf, 'i'), uint32(v))
	case int:
		buf = le.AppendUint32(append(buf, 'i'), uint32(int32(v)))
	case uint32:
		buf = le.AppendUint32(append(buf, 'I'), v)
	case float32:
		buf = le.AppendUint32(append(buf, 'f'), math.Float32bits(v))
	case string:
		buf = append(append(append(buf, 'Z'), v...), 0)
	case Hex:
		buf = append(append(append(buf, 'H'), v...), 0)
	case []int8:
		buf = le.AppendUint32(append(buf, 'B', 'c'), uint32(len(v)))
		for _, x := range v {
			buf = append(buf, byte(x))
		}
	case []uint8:
		buf = le.AppendUint32(append(buf, 'B', 'C'), uint32(len(v)))
		buf = append(buf, v...)
	case []int16:
		buf = le.AppendUint32(append(buf, 'B', 's'), uint32(len(v)))
		for _, x := range v {
			buf = le.AppendUint16(buf, uint16(x))
		}
	case []uint16:
		buf = le.AppendUint32(append(buf, 'B', 'S'), uint32(len(v)))
		for _, x := range v {
			buf = le.AppendUint16(buf, x)
		}
	case []int32:
		buf = le.AppendUint32(append(buf, 'B', 'i'), uint32(len(v)))
		for _, x := range v {
			buf = le.AppendUint32(buf, uint32(x))
		}
	case []uint32:
		buf = le.AppendUint32(append(buf, 'B', 'I'), uint32(len(v)))
		for _, x := range v {
			buf = le.AppendUint32(buf, x)
		}
	case []float32:
		buf = le.AppendUint32(append(buf, 'B', 'f'), uint32(len(v)))
		for _, x := range v {
			buf = le.AppendUint32(buf, math.Float32bits(x))
		}
	default:
		return nil, fmt.Errorf("unsupported value %T for attribute %s", a.Value, a.Tag)
	}
	return buf, nil
}
