// Copyright 2026 the vmedude Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ihex

import (
	"bytes"
	"testing"

	"github.com/russdill/vmedude/pkg/image"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	c := &Codec{}
	segs := []image.Segment{{Addr: 0x100, Data: []byte{0xde, 0xad, 0xbe, 0xef}}}

	var buf bytes.Buffer
	if err := c.EncodeText(&buf, segs); err != nil {
		t.Fatalf("EncodeText: %v", err)
	}

	out, err := c.DecodeText(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("DecodeText: %v", err)
	}
	if len(out) != 1 || out[0].Addr != 0x100 || !bytes.Equal(out[0].Data, segs[0].Data) {
		t.Errorf("round trip = %+v, want %+v", out, segs)
	}
}

func TestDetectTextRejectsGarbage(t *testing.T) {
	c := &Codec{}
	if got := c.DetectText(bytes.NewReader([]byte("not intel hex\n"))); got != 0 {
		t.Errorf("got score %d, want 0", got)
	}
}
