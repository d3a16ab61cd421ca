// Copyright 2026 the vmedude Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package image

import (
	"bytes"
	"testing"
)

func TestSplitAtRegionBoundaries(t *testing.T) {
	seg := Segment{Addr: 0x7ffffe, Data: []byte{1, 2, 3, 4}}
	out := SplitAtRegionBoundaries(seg)
	if len(out) != 2 {
		t.Fatalf("got %d segments, want 2", len(out))
	}
	if out[0].Addr != 0x7ffffe || !bytes.Equal(out[0].Data, []byte{1, 2}) {
		t.Errorf("first segment = %+v", out[0])
	}
	if out[1].Addr != 0x800000 || !bytes.Equal(out[1].Data, []byte{3, 4}) {
		t.Errorf("second segment = %+v", out[1])
	}
}

func TestMergeAdjacentAndOverlap(t *testing.T) {
	segs := []Segment{
		{Addr: 0, Data: []byte{1, 2, 3}},
		{Addr: 3, Data: []byte{4, 5}},
		{Addr: 2, Data: []byte{0xaa}},
	}
	out := Merge(segs)
	if len(out) != 1 {
		t.Fatalf("got %d segments, want 1: %+v", len(out), out)
	}
	want := []byte{1, 2, 0xaa, 4, 5}
	if !bytes.Equal(out[0].Data, want) {
		t.Errorf("merged data = %v, want %v", out[0].Data, want)
	}
}

func TestMergeDropsEmpty(t *testing.T) {
	out := Merge([]Segment{{Addr: 0, Data: nil}, {Addr: 10, Data: []byte{1}}})
	if len(out) != 1 || out[0].Addr != 10 {
		t.Fatalf("unexpected result: %+v", out)
	}
}

func TestFuseFlashData(t *testing.T) {
	segs := []Segment{
		{Addr: 0, Data: []byte{1, 2, 3, 4}},
		{Addr: 0x800000, Data: []byte{0xaa, 0xbb}},
	}
	out := FuseFlashData(segs)
	if out[1].Addr != 4 {
		t.Errorf("data segment relocated to %x, want 4", out[1].Addr)
	}
}

func TestTrimFF(t *testing.T) {
	got := TrimFF([]byte{1, 2, 0xff, 0xff})
	if !bytes.Equal(got, []byte{1, 2}) {
		t.Errorf("TrimFF = %v", got)
	}
}
