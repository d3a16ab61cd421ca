// Copyright 2026 the vmedude Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package image implements the region-addressed, sparse memory image that
// every codec decodes into and encodes from: an ordered set of
// non-overlapping (address, bytes) segments, splittable at file-region
// boundaries and mergeable back into a canonical, sorted form.
package image

import (
	"sort"

	"github.com/russdill/vmedude/pkg/region"
)

// Segment is one contiguous run of bytes starting at Addr, addressed in
// the flat file-region space of pkg/region.
type Segment struct {
	Addr uint64
	Data []byte
}

func (s Segment) end() uint64 {
	return s.Addr + uint64(len(s.Data))
}

// SplitAtRegionBoundaries breaks seg into one or more segments, each
// wholly contained within a single pkg/region.File, preserving byte order
// and absolute addresses. A segment that starts outside the region table
// is returned unsplit.
func SplitAtRegionBoundaries(seg Segment) []Segment {
	var out []Segment
	start := seg.Addr
	data := seg.Data
	for len(data) > 0 {
		idx := region.ByAddr(start)
		if idx < 0 {
			out = append(out, Segment{Addr: start, Data: data})
			break
		}
		r := region.Table[idx]
		regionEnd := r.Base + r.Size
		if start+uint64(len(data)) <= regionEnd {
			out = append(out, Segment{Addr: start, Data: data})
			break
		}
		splitLen := regionEnd - start
		out = append(out, Segment{Addr: start, Data: data[:splitLen]})
		data = data[splitLen:]
		start = regionEnd
	}
	return out
}

// Merge repeatedly overlays overlapping or touching segments onto each
// other until no two segments can be combined further, then returns the
// result sorted by address. On overlap, a segment that starts inside
// another overwrites the bytes they share, whatever their input order; of
// two segments starting at the same address, the later one in input order
// wins.
func Merge(segs []Segment) []Segment {
	work := make([]Segment, len(segs))
	for i, s := range segs {
		d := make([]byte, len(s.Data))
		copy(d, s.Data)
		work[i] = Segment{Addr: s.Addr, Data: d}
	}

	for {
		mergedAny := false
		for ai := 0; ai < len(work); ai++ {
			for bi := 0; bi < len(work); bi++ {
				if ai == bi {
					continue
				}
				a, b := work[ai], work[bi]
				absorbed := false
				if b.Addr < a.end() && b.Addr >= a.Addr {
					overlap := a.Addr + uint64(len(a.Data)) - b.Addr
					if overlap > uint64(len(b.Data)) {
						overlap = uint64(len(b.Data))
					}
					copy(a.Data[b.Addr-a.Addr:], b.Data[:overlap])
					b = Segment{Addr: b.Addr + overlap, Data: b.Data[overlap:]}
					if len(b.Data) == 0 {
						absorbed = true
					}
				}
				if absorbed || (b.Addr == a.end() && len(b.Data) > 0) {
					if len(b.Data) > 0 {
						a.Data = append(a.Data, b.Data...)
					}
					work[ai] = a
					work = append(work[:bi], work[bi+1:]...)
					mergedAny = true
					break
				}
				work[ai] = a
			}
			if mergedAny {
				break
			}
		}
		if !mergedAny {
			break
		}
	}

	sort.Slice(work, func(i, j int) bool { return work[i].Addr < work[j].Addr })
	return dropEmpty(work)
}

func dropEmpty(segs []Segment) []Segment {
	out := segs[:0]
	for _, s := range segs {
		if len(s.Data) > 0 {
			out = append(out, s)
		}
	}
	return out
}

// FuseFlashData relocates any "data" region segment so that its effective
// flash address equals the end of the last flash segment plus its offset
// within the data region, reproducing the common linker convention of
// placing initialised data immediately after text.
func FuseFlashData(segs []Segment) []Segment {
	flashIdx := region.ByName("flash")
	dataIdx := region.ByName("data")
	if flashIdx < 0 || dataIdx < 0 {
		return segs
	}
	flashRegion := region.Table[flashIdx]
	dataRegion := region.Table[dataIdx]

	var flashEnd uint64
	for _, s := range segs {
		if s.Addr >= flashRegion.Base && s.Addr < flashRegion.Base+flashRegion.Size {
			if e := s.end(); e > flashEnd {
				flashEnd = e
			}
		}
	}

	out := make([]Segment, len(segs))
	for i, s := range segs {
		if s.Addr >= dataRegion.Base && s.Addr < dataRegion.Base+dataRegion.Size {
			out[i] = Segment{Addr: s.Addr - dataRegion.Base + flashEnd, Data: s.Data}
		} else {
			out[i] = s
		}
	}
	return out
}

// TrimFF returns a copy of data with trailing 0xFF bytes removed.
func TrimFF(data []byte) []byte {
	end := len(data)
	for end > 0 && data[end-1] == 0xff {
		end--
	}
	out := make([]byte, end)
	copy(out, data[:end])
	return out
}

// TrimLeadingFF reports how many leading 0xFF bytes data has.
func TrimLeadingFF(data []byte) int {
	n := 0
	for n < len(data) && data[n] == 0xff {
		n++
	}
	return n
}
