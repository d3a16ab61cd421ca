// Copyright 2026 the vmedude Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package rawbin implements the raw-binary memory-image format: the whole
// input or output is one contiguous segment starting at address 0, with no
// header or framing at all.
package rawbin

import (
	"io"

	"github.com/russdill/vmedude/pkg/codec"
	"github.com/russdill/vmedude/pkg/configdb"
	"github.com/russdill/vmedude/pkg/image"
)

func init() {
	codec.Register("r", func(*configdb.Object) (codec.Codec, error) {
		return &Codec{}, nil
	})
}

// Codec is the raw binary format, id "r".
type Codec struct{}

func (c *Codec) ID() string   { return "r" }
func (c *Codec) Desc() string { return "rbin" }

// DetectBinary scores 1 (the lowest positive confidence in the corpus) when
// the stream contains any byte that could not plausibly be 7-bit ASCII
// text: a byte ≥ 0x80 or a NUL. This is enough to lose to every other
// format's stronger signal while still beating "no match" for inputs that
// are genuinely binary.
func (c *Codec) DetectBinary(r io.Reader) int {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		for _, b := range buf[:n] {
			if b > 0x7f || b == 0x00 {
				return 1
			}
		}
		if err == io.EOF {
			return 0
		}
		if err != nil {
			return 0
		}
	}
}

// EncodeBinary concatenates every segment's bytes in order, ignoring
// address; the caller is responsible for having already laid segments out
// contiguously from 0 if that matters to them.
func (c *Codec) EncodeBinary(w io.Writer, segs []image.Segment) error {
	for _, s := range segs {
		if _, err := w.Write(s.Data); err != nil {
			return err
		}
	}
	return nil
}

// DecodeBinary returns the entire input as one segment at address 0.
func (c *Codec) DecodeBinary(r io.Reader) ([]image.Segment, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return []image.Segment{{Addr: 0, Data: data}}, nil
}
