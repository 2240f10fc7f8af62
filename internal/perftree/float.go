// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of perftree.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package perftree

import (
	"math"
	"strconv"
)

// Float is a float64 that serializes NaN as JSON null, adopted from
// pkg/schema.Float for execution_times: a per-process time sample that was
// never recorded is representable as NaN rather than forcing every caller
// through a pointer.
type Float float64

// NaN is the canonical "no execution-time sample" value.
var NaN = Float(math.NaN())

func (f Float) IsNaN() bool { return math.IsNaN(float64(f)) }

func (f Float) MarshalJSON() ([]byte, error) {
	if f.IsNaN() {
		return []byte("null"), nil
	}
	return []byte(strconv.FormatFloat(float64(f), 'f', -1, 64)), nil
}

func (f *Float) UnmarshalJSON(input []byte) error {
	if string(input) == "null" {
		*f = NaN
		return nil
	}
	v, err := strconv.ParseFloat(string(input), 64)
	if err != nil {
		return err
	}
	*f = Float(v)
	return nil
}
