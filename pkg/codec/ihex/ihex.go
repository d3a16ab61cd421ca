// Copyright 2026 the vmedude Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package ihex implements the Intel HEX format by wrapping gohex, the same
// library the rest of the corpus's 8-bit programmers use for hex loading.
package ihex

import (
	"io"

	"github.com/marcinbor85/gohex"

	"github.com/russdill/vmedude/pkg/codec"
	"github.com/russdill/vmedude/pkg/configdb"
	"github.com/russdill/vmedude/pkg/image"
)

func init() {
	codec.Register("i", func(*configdb.Object) (codec.Codec, error) {
		return &Codec{}, nil
	})
}

// Codec is the Intel HEX format, id "i".
type Codec struct{}

func (c *Codec) ID() string   { return "i" }
func (c *Codec) Desc() string { return "ihex" }

// DetectText scores 100 when the stream parses as Intel HEX and contains at
// least one data segment.
func (c *Codec) DetectText(r io.Reader) int {
	segs, err := c.DecodeText(r)
	if err != nil || len(segs) == 0 {
		return 0
	}
	return 100
}

// DecodeText parses a full Intel HEX stream into image segments.
func (c *Codec) DecodeText(r io.Reader) ([]image.Segment, error) {
	mem := gohex.NewMemory()
	if err := mem.ParseIntelHex(r); err != nil {
		return nil, err
	}
	var segs []image.Segment
	for _, s := range mem.GetDataSegments() {
		segs = append(segs, image.Segment{Addr: uint64(s.Address), Data: append([]byte(nil), s.Data...)})
	}
	return segs, nil
}

// EncodeText writes segments as an Intel HEX stream, 16 data bytes per line.
func (c *Codec) EncodeText(w io.Writer, segs []image.Segment) error {
	mem := gohex.NewMemory()
	for _, seg := range segs {
		if err := mem.AddBinary(uint32(seg.Addr), seg.Data); err != nil {
			return err
		}
	}
	return mem.DumpIntelHex(w, 16)
}
