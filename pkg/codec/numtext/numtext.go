// Copyright 2026 the vmedude Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package numtext implements the four radix-typed number-text formats:
// binary ("b"), octal ("o"), decimal ("d"), and hex ("h"). Each encodes one
// byte per comma-separated token, written back out with a radix-specific
// prefix.
package numtext

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/russdill/vmedude/pkg/codec"
	"github.com/russdill/vmedude/pkg/codec/litparse"
	"github.com/russdill/vmedude/pkg/configdb"
	"github.com/russdill/vmedude/pkg/image"
)

func init() {
	for _, c := range []*Codec{
		{id: "b", radix: 2},
		{id: "o", radix: 8},
		{id: "d", radix: 10},
		{id: "h", radix: 16},
	} {
		c := c
		codec.Register(c.id, func(*configdb.Object) (codec.Codec, error) {
			return c, nil
		})
	}
}

// Codec is one radix-fixed number-text format.
type Codec struct {
	id    string
	radix int
}

func (c *Codec) ID() string { return c.id }

func (c *Codec) Desc() string {
	switch c.id {
	case "b":
		return "bin"
	case "o":
		return "oct"
	case "d":
		return "dec"
	default:
		return "hex"
	}
}

var radixStyles = map[int]struct{ prefix, verb string }{
	2:  {"0b", "b"},
	8:  {"0", "o"},
	10: {"", "d"},
	16: {"0x", "x"},
}

// DetectText scores 20 when the stream parses as at least one byte in this
// codec's radix.
func (c *Codec) DetectText(r io.Reader) int {
	segs, err := c.DecodeText(r)
	if err != nil {
		return 0
	}
	total := 0
	for _, s := range segs {
		total += len(s.Data)
	}
	if total > 0 {
		return 20
	}
	return 0
}

// DecodeText parses every line, stripping trailing comments, and returns
// one segment at address 0 holding every byte in order.
func (c *Codec) DecodeText(r io.Reader) ([]image.Segment, error) {
	var data []byte
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r\n")
		enc, err := litparse.EncodeLine(strings.TrimSpace(line), c.radix, true)
		if err != nil {
			return nil, err
		}
		data = append(data, enc...)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return []image.Segment{{Addr: 0, Data: data}}, nil
}

// EncodeText writes every byte of every segment as a single comma-separated
// line, prefixed per radix (0b/0/none/0x); octal values below 8 are written
// bare (no leading 0) the way the reference encoder does.
func (c *Codec) EncodeText(w io.Writer, segs []image.Segment) error {
	bw := bufio.NewWriter(w)
	style := radixStyles[c.radix]
	prefix, verb := style.prefix, style.verb

	first := true
	for _, seg := range segs {
		for _, b := range seg.Data {
			if !first {
				if _, err := bw.WriteString(","); err != nil {
					return err
				}
			}
			first = false
			if c.radix == 8 && b < 8 {
				fmt.Fprintf(bw, "%d", b)
				continue
			}
			fmt.Fprintf(bw, "%s%s", prefix, formatRadix(b, verb))
		}
	}
	if _, err := bw.WriteString("\n"); err != nil {
		return err
	}
	return bw.Flush()
}

func formatRadix(b byte, verb string) string {
	switch verb {
	case "b":
		return fmt.Sprintf("%b", b)
	case "o":
		return fmt.Sprintf("%o", b)
	case "x":
		return fmt.Sprintf("%x", b)
	default:
		return fmt.Sprintf("%d", b)
	}
}
