// Copyright 2026 the vmedude Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package immediate implements the "m" immediate-literal format: a
// comma-separated expression language typed directly on the command line
// rather than read from a file, for poking a handful of bytes without
// needing a scratch file.
package immediate

import (
	"github.com/russdill/vmedude/pkg/codec"
	"github.com/russdill/vmedude/pkg/codec/litparse"
	"github.com/russdill/vmedude/pkg/configdb"
	"github.com/russdill/vmedude/pkg/image"
)

func init() {
	codec.Register("m", func(*configdb.Object) (codec.Codec, error) {
		return &Codec{}, nil
	})
}

// Codec is the immediate-literal format, id "m".
type Codec struct{}

func (c *Codec) ID() string   { return "m" }
func (c *Codec) Desc() string { return "imm" }

// DetectString scores 10 when s parses to at least one byte of data.
func (c *Codec) DetectString(s string) int {
	data, err := litparse.EncodeLine(s, 0, false)
	if err != nil || len(data) == 0 {
		return 0
	}
	return 10
}

// DecodeString parses s and places it as a single segment at address 0.
func (c *Codec) DecodeString(s string) ([]image.Segment, error) {
	data, err := litparse.EncodeLine(s, 0, false)
	if err != nil {
		return nil, err
	}
	return []image.Segment{{Addr: 0, Data: data}}, nil
}

// The immediate format deliberately implements no encoder: it has no
// output form, the same restriction the reference implementation enforces
// by raising on op_output_file.
