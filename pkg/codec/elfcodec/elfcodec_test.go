// Copyright 2026 the vmedude Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package elfcodec

import (
	"bytes"
	"testing"

	"github.com/russdill/vmedude/pkg/image"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	mcuid, err := mcuidFor("m328p")
	if err != nil {
		t.Fatalf("mcuidFor: %v", err)
	}
	c := &Codec{mcuid: mcuid}

	segs := []image.Segment{
		{Addr: 0x0000, Data: []byte{0x0c, 0x94, 0x34, 0x00}},
		{Addr: 0x810000, Data: []byte{0xaa, 0xbb}},
	}

	var buf bytes.Buffer
	if err := c.EncodeBinary(&buf, segs); err != nil {
		t.Fatalf("EncodeBinary: %v", err)
	}

	if got := c.DetectBinary(bytes.NewReader(buf.Bytes())); got != 100 {
		t.Fatalf("DetectBinary = %d, want 100", got)
	}

	out, err := c.DecodeBinary(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("DecodeBinary: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("got %d segments, want 2", len(out))
	}
	for i, seg := range out {
		if seg.Addr != segs[i].Addr || !bytes.Equal(seg.Data, segs[i].Data) {
			t.Errorf("segment %d = %+v, want %+v", i, seg, segs[i])
		}
	}
}

func TestDecodeRejectsWrongMcuid(t *testing.T) {
	c1, _ := mcuidFor("m328p")
	c2, _ := mcuidFor("t85")
	encoder := &Codec{mcuid: c1}
	decoder := &Codec{mcuid: c2}

	var buf bytes.Buffer
	segs := []image.Segment{{Addr: 0, Data: []byte{1, 2, 3, 4}}}
	if err := encoder.EncodeBinary(&buf, segs); err != nil {
		t.Fatalf("EncodeBinary: %v", err)
	}
	if _, err := decoder.DecodeBinary(bytes.NewReader(buf.Bytes())); err == nil {
		t.Fatal("expected mcuid mismatch error")
	}
}

func TestMcuidForUnknownPart(t *testing.T) {
	if _, err := mcuidFor("not-a-real-part"); err == nil {
		t.Fatal("expected error for unknown part id")
	}
}
