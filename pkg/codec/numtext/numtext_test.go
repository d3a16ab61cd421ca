// Copyright 2026 the vmedude Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package numtext

import (
	"bytes"
	"strings"
	"testing"
)

func TestHexRoundTrip(t *testing.T) {
	c := &Codec{id: "h", radix: 16}
	segs, err := c.DecodeText(strings.NewReader("0x01,0x02,0xff\n"))
	if err != nil {
		t.Fatalf("DecodeText: %v", err)
	}
	if len(segs) != 1 || !bytes.Equal(segs[0].Data, []byte{0x01, 0x02, 0xff}) {
		t.Fatalf("got %+v", segs)
	}

	var buf bytes.Buffer
	if err := c.EncodeText(&buf, segs); err != nil {
		t.Fatalf("EncodeText: %v", err)
	}
	if strings.TrimSpace(buf.String()) != "0x1,0x2,0xff" {
		t.Errorf("got %q", buf.String())
	}
}

func TestBinRoundTrip(t *testing.T) {
	c := &Codec{id: "b", radix: 2}
	segs, err := c.DecodeText(strings.NewReader("0b101,0b1\n"))
	if err != nil {
		t.Fatalf("DecodeText: %v", err)
	}
	if !bytes.Equal(segs[0].Data, []byte{5, 1}) {
		t.Fatalf("got %+v", segs[0].Data)
	}
}

func TestOctalEncodeFormat(t *testing.T) {
	c := &Codec{id: "o", radix: 8}
	segs, err := c.DecodeText(strings.NewReader("7,010\n"))
	if err != nil {
		t.Fatalf("DecodeText: %v", err)
	}
	if !bytes.Equal(segs[0].Data, []byte{7, 8}) {
		t.Fatalf("got %+v", segs[0].Data)
	}
	var buf bytes.Buffer
	if err := c.EncodeText(&buf, segs); err != nil {
		t.Fatalf("EncodeText: %v", err)
	}
	if strings.TrimSpace(buf.String()) != "7,010" {
		t.Errorf("got %q", buf.String())
	}
}

func TestDecimalComment(t *testing.T) {
	c := &Codec{id: "d", radix: 10}
	segs, err := c.DecodeText(strings.NewReader("1,2,3 # trailing comment\n"))
	if err != nil {
		t.Fatalf("DecodeText: %v", err)
	}
	if !bytes.Equal(segs[0].Data, []byte{1, 2, 3}) {
		t.Fatalf("got %+v", segs[0].Data)
	}
}

func TestDetectTextScoresParsed(t *testing.T) {
	c := &Codec{id: "h", radix: 16}
	if got := c.DetectText(strings.NewReader("0x1,0x2\n")); got == 0 {
		t.Errorf("expected nonzero detect score")
	}
}
