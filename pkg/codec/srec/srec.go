// Copyright 2026 the vmedude Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package srec implements the Motorola S-Record format: S1/S2/S3 data
// records (16-bit/24-bit/32-bit address respectively) and an S5/S6 record
// count terminator.
package srec

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/russdill/vmedude/pkg/codec"
	"github.com/russdill/vmedude/pkg/configdb"
	"github.com/russdill/vmedude/pkg/image"
)

func init() {
	codec.Register("s", func(*configdb.Object) (codec.Codec, error) {
		return &Codec{}, nil
	})
}

// Codec is the Motorola S-Record format, id "s".
type Codec struct{}

func (c *Codec) ID() string   { return "s" }
func (c *Codec) Desc() string { return "srec" }

const recordLineLen = 16

// addrLenByType gives the address-field byte width for each S-Record type
// index 0..9 ("S0".."S9"); type 4 is reserved and has no defined width.
var addrLenByType = [10]int{2, 2, 3, 4, 0, 2, 3, 4, 3, 2}

func isHexDigit(b byte) bool {
	return (b >= '0' && b <= '9') || (b >= 'a' && b <= 'f') || (b >= 'A' && b <= 'F')
}

// parseLine splits a trimmed S-Record line into its type, count, and raw
// data bytes (including the trailing checksum), or reports ok=false if the
// line is not a well-formed S-Record.
func parseLine(line string) (typ int, count int, data []byte, ok bool) {
	if len(line) < 4 || line[0] != 'S' || line[1] < '0' || line[1] > '9' {
		return 0, 0, nil, false
	}
	for i := 2; i < len(line); i++ {
		if !isHexDigit(line[i]) {
			return 0, 0, nil, false
		}
	}
	if (len(line)-2)%2 != 0 || len(line) < 4 {
		return 0, 0, nil, false
	}
	raw, err := hex.DecodeString(line[4:])
	if err != nil {
		return 0, 0, nil, false
	}
	cnt, err := parseHexByte(line[2:4])
	if err != nil {
		return 0, 0, nil, false
	}
	return int(line[1] - '0'), cnt, raw, true
}

func parseHexByte(s string) (int, error) {
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 1 {
		return 0, fmt.Errorf("invalid byte %q", s)
	}
	return int(b[0]), nil
}

// DetectText scores 100 when every non-blank line parses as an S-Record
// and more than one record was seen, matching the reference heuristic that
// a single matching line is not enough signal.
func (c *Codec) DetectText(r io.Reader) int {
	lines := 0
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if _, _, _, ok := parseLine(line); !ok {
			return 0
		}
		lines++
	}
	if lines > 1 {
		return 100
	}
	return 0
}

// DecodeText parses a full S-Record stream into image segments, enforcing
// the reference implementation's invariants: no S4 records, count must
// equal data+checksum length exactly (and be at least 3 bytes), checksum
// must match, and the S5/S6 terminator's record count must equal the
// number of S1/S2/S3 records actually seen.
func (c *Codec) DecodeText(r io.Reader) ([]image.Segment, error) {
	image_ := map[uint64]byte{}
	var order []uint64
	recCount := 0
	lineNo := 0

	sc := bufio.NewScanner(r)
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		typ, count, data, ok := parseLine(line)
		if !ok {
			return nil, fmt.Errorf("srec: malformed record on line %d", lineNo)
		}
		if typ == 4 {
			return nil, fmt.Errorf("srec: invalid record type field in record on line %d", lineNo)
		}
		if count != len(data) || count == 0 || count == 1 || count == 2 {
			return nil, fmt.Errorf("srec: invalid count field in record on line %d", lineNo)
		}
		crc := data[len(data)-1]
		body := data[:len(data)-1]
		sum := count
		for _, b := range body {
			sum += int(b)
		}
		want := byte(0xff - (sum & 0xff))
		if crc != want {
			return nil, fmt.Errorf("srec: crc mismatch in record on line %d", lineNo)
		}
		addrLen := addrLenByType[typ]
		if len(body) < addrLen {
			return nil, fmt.Errorf("srec: record on line %d too short for its address width", lineNo)
		}
		var addr uint64
		for _, b := range body[:addrLen] {
			addr = (addr << 8) | uint64(b)
		}
		payload := body[addrLen:]
		switch typ {
		case 1, 2, 3:
			recCount++
			for o, b := range payload {
				a := addr + uint64(o)
				if _, seen := image_[a]; !seen {
					order = append(order, a)
				}
				image_[a] = b
			}
		case 5, 6:
			if recCount != int(addr) {
				return nil, fmt.Errorf("srec: file contains missing records")
			}
		}
	}

	return coalesce(order, image_), nil
}

func coalesce(order []uint64, data map[uint64]byte) []image.Segment {
	var segs []image.Segment
	var cur *image.Segment
	var curEnd uint64
	for _, addr := range order {
		b := data[addr]
		if cur == nil || addr != curEnd {
			if cur != nil {
				segs = append(segs, *cur)
			}
			cur = &image.Segment{Addr: addr}
		}
		cur.Data = append(cur.Data, b)
		curEnd = addr + 1
	}
	if cur != nil {
		segs = append(segs, *cur)
	}
	return segs
}

// EncodeText writes segments as S1/S2/S3 records (address width chosen per
// record by the narrowest of 2/3/4 bytes that fits), 16 data bytes per
// line, followed by a single S5 (or S6, past 65535 records) terminator.
func (c *Codec) EncodeText(w io.Writer, segs []image.Segment) error {
	bw := bufio.NewWriter(w)
	recCount := 0
	for _, seg := range segs {
		offset := 0
		for offset < len(seg.Data) {
			end := offset + recordLineLen
			if end > len(seg.Data) {
				end = len(seg.Data)
			}
			d := seg.Data[offset:end]
			addr := seg.Addr + uint64(offset)

			var a []byte
			var typ int
			switch {
			case addr < 0x10000:
				a = beBytes(addr, 2)
				typ = 1
			case addr < 0x1000000:
				a = beBytes(addr, 3)
				typ = 2
			default:
				a = beBytes(addr, 4)
				typ = 3
			}
			count := len(a) + len(d) + 1
			sum := count
			for _, b := range a {
				sum += int(b)
			}
			for _, b := range d {
				sum += int(b)
			}
			crc := byte(0xff - (sum & 0xff))

			body := append([]byte{byte(count)}, a...)
			body = append(body, d...)
			body = append(body, crc)
			fmt.Fprintf(bw, "S%d%s\n", typ, strings.ToUpper(hex.EncodeToString(body)))
			recCount++
			offset = end
		}
	}

	var a []byte
	var typ int
	if recCount < 0x10000 {
		a = beBytes(uint64(recCount), 2)
		typ = 5
	} else {
		a = beBytes(uint64(recCount), 3)
		typ = 6
	}
	count := len(a) + 1
	sum := count
	for _, b := range a {
		sum += int(b)
	}
	crc := byte(0xff - (sum & 0xff))
	body := append([]byte{byte(count)}, a...)
	body = append(body, crc)
	fmt.Fprintf(bw, "S%d%s\n", typ, strings.ToUpper(hex.EncodeToString(body)))

	return bw.Flush()
}

func beBytes(v uint64, n int) []byte {
	out := make([]byte, n)
	for i := n - 1; i >= 0; i-- {
		out[i] = byte(v)
		v >>= 8
	}
	return out
}
