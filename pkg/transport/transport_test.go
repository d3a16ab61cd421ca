// Copyright 2026 the vmedude Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package transport

import (
	"testing"

	"github.com/google/gousb"
)

func TestMajorSupported(t *testing.T) {
	cases := []struct {
		bcd  gousb.BCD
		want bool
	}{
		{0x0200, true},
		{0x0234, true},
		{0x0100, false},
		{0x0300, false},
	}
	for _, c := range cases {
		if got := majorSupported(bcdMajor(c.bcd)); got != c.want {
			t.Errorf("majorSupported(bcdMajor(0x%04x)) = %v, want %v", uint16(c.bcd), got, c.want)
		}
	}
}
