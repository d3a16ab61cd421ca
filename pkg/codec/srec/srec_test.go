// Copyright 2026 the vmedude Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package srec

import (
	"bytes"
	"strings"
	"testing"

	"github.com/russdill/vmedude/pkg/image"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	c := &Codec{}
	segs := []image.Segment{{Addr: 0x0000, Data: []byte{0x01, 0x02, 0x03, 0x04}}}

	var buf bytes.Buffer
	if err := c.EncodeText(&buf, segs); err != nil {
		t.Fatalf("EncodeText: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 1 data record + 1 terminator: %q", len(lines), buf.String())
	}
	if !strings.HasPrefix(lines[0], "S1") {
		t.Errorf("first line = %q, want S1 record", lines[0])
	}
	if lines[1] != "S5030001FB" {
		t.Errorf("terminator = %q, want S5030001FB", lines[1])
	}

	out, err := c.DecodeText(strings.NewReader(buf.String()))
	if err != nil {
		t.Fatalf("DecodeText: %v", err)
	}
	if len(out) != 1 || out[0].Addr != 0 || !bytes.Equal(out[0].Data, segs[0].Data) {
		t.Errorf("round trip = %+v, want %+v", out, segs)
	}
}

func TestDecodeRejectsBadChecksum(t *testing.T) {
	c := &Codec{}
	_, err := c.DecodeText(strings.NewReader("S10700000102030400\nS5030001FB\n"))
	if err == nil {
		t.Fatal("expected checksum mismatch error")
	}
}

func TestDecodeRejectsMissingRecords(t *testing.T) {
	c := &Codec{}
	_, err := c.DecodeText(strings.NewReader("S5030002FA\n"))
	if err == nil {
		t.Fatal("expected missing-records error when terminator count does not match")
	}
}

func TestDetectTextRequiresMultipleLines(t *testing.T) {
	c := &Codec{}
	if got := c.DetectText(strings.NewReader("S1090000AABBCCDDEE12\n")); got != 0 {
		t.Errorf("single-line input scored %d, want 0", got)
	}
}
