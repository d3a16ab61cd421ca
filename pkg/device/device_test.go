// Copyright 2026 the vmedude Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package device

import (
	"encoding/binary"
	"testing"

	"github.com/google/gousb"
	"github.com/russdill/vmedude/pkg/configdb"
)

// fakeTransport is an in-memory stand-in for transport.Transport used to
// exercise Device's control-sequence logic without real USB hardware.
type fakeTransport struct {
	bcd     gousb.BCD
	written []writeCall
	mem     map[int]byte // flat read-space, indexed by (request<<16 | offset)
}

type writeCall struct {
	request uint8
	value   uint16
	index   uint16
}

func newFakeTransport(bcd gousb.BCD) *fakeTransport {
	return &fakeTransport{bcd: bcd, mem: map[int]byte{}}
}

func (f *fakeTransport) ControlOut(request uint8, value, index uint16, data []byte) error {
	f.written = append(f.written, writeCall{request, value, index})
	return nil
}

func (f *fakeTransport) ControlIn(request uint8, value, index uint16, data []byte) error {
	for i := range data {
		data[i] = f.mem[int(request)<<16|int(index)+i]
	}
	return nil
}

func (f *fakeTransport) BCDDevice() gousb.BCD       { return f.bcd }
func (f *fakeTransport) BusPort() (int, int)        { return 1, 2 }
func (f *fakeTransport) Close() error               { return nil }

func (f *fakeTransport) setBytes(request uint8, offset int, data []byte) {
	for i, b := range data {
		f.mem[int(request)<<16|offset+i] = b
	}
}

func testTree() (*configdb.Tree, map[string]string) {
	tree := configdb.NewTree()
	part := &configdb.Object{
		Attrs: map[string]string{
			"id":               "t85",
			"signature":        "1e 93 0b",
			"chip_erase_delay": "9000",
			"n_page_erase":     "4",
		},
		Memory: map[string]configdb.MemInfo{
			"flash": {Attrs: map[string]string{
				"size":            "8192",
				"num_pages":       "128",
				"max_write_delay": "4500",
			}},
		},
	}
	tree.Part["t85"] = part
	sigs, _ := tree.Signatures()
	return tree, sigs
}

func TestProbeDerivesGeometry(t *testing.T) {
	ft := newFakeTransport(0x0200)
	ft.setBytes(ReadSig, 0, []byte{0x1e, 0, 0x93, 0, 0x0b})
	// cfg_word_0 = bootloader pages (2) | vector index (5) << 8; cfg_word_1 unused here.
	cfg := make([]byte, 4)
	binary.LittleEndian.PutUint16(cfg[0:2], (5<<8)|2)
	binary.LittleEndian.PutUint16(cfg[2:4], 0)
	ft.setBytes(ReadFlash, 8192-4, cfg)

	d := New(ft)
	tree, sigs := testTree()
	if err := d.Probe(tree, sigs); err != nil {
		t.Fatalf("Probe: %v", err)
	}

	if d.PartName != "t85" {
		t.Errorf("PartName = %q, want t85", d.PartName)
	}
	if d.FlashSize != 8192 {
		t.Errorf("FlashSize = %d, want 8192", d.FlashSize)
	}
	wantPageSize := 4 * 8192 / 128
	if d.PageSize != wantPageSize {
		t.Errorf("PageSize = %d, want %d", d.PageSize, wantPageSize)
	}
	if d.NumBLPages != 2 {
		t.Errorf("NumBLPages = %d, want 2", d.NumBLPages)
	}
	if d.Vector != 5 {
		t.Errorf("Vector = %d, want 5", d.Vector)
	}
	wantUserPages := 128 - 2
	if d.NumUserPages != wantUserPages {
		t.Errorf("NumUserPages = %d, want %d", d.NumUserPages, wantUserPages)
	}
	wantBootloaderStart := wantUserPages * wantPageSize
	if d.BootloaderStart != wantBootloaderStart {
		t.Errorf("BootloaderStart = %d, want %d", d.BootloaderStart, wantBootloaderStart)
	}
	if d.UserSize != wantBootloaderStart-4 {
		t.Errorf("UserSize = %d, want %d", d.UserSize, wantBootloaderStart-4)
	}
}

func TestProbeRejectsUnsupportedMajor(t *testing.T) {
	ft := newFakeTransport(0x0100)
	d := New(ft)
	tree, sigs := testTree()
	if err := d.Probe(tree, sigs); err == nil {
		t.Fatal("expected error for unsupported major version")
	}
}

func TestDryRunGateAllowsEnterExit(t *testing.T) {
	ft := newFakeTransport(0x0200)
	d := New(ft)
	d.SetDryRun(true)

	if err := d.cmd(ReqPageErase, 0, 0); err != nil {
		t.Fatalf("cmd: %v", err)
	}
	if err := d.cmd(ReqEnter, 0, 0); err != nil {
		t.Fatalf("cmd: %v", err)
	}
	if err := d.cmd(ReqExit, 0, 0); err != nil {
		t.Fatalf("cmd: %v", err)
	}

	if len(ft.written) != 2 {
		t.Fatalf("got %d writes, want 2 (enter+exit, erase suppressed by dry run): %+v", len(ft.written), ft.written)
	}
	if ft.written[0].request != ReqEnter || ft.written[1].request != ReqExit {
		t.Errorf("got %+v, want enter then exit", ft.written)
	}
}

func TestWriteFlashCommitsPages(t *testing.T) {
	ft := newFakeTransport(0x0200)
	d := New(ft)
	d.PageSize = 4
	d.NPageErase = 1
	d.UserSize = 1 << 20
	d.WriteSleep = 0

	data := []byte{0x01, 0x02, 0x03, 0x04}
	if err := d.WriteFlash(0, data, false, nil); err != nil {
		t.Fatalf("WriteFlash: %v", err)
	}

	var bufWrites, pageWrites int
	for _, w := range ft.written {
		switch w.request {
		case ReqBufWrite:
			bufWrites++
		case ReqPageWrite:
			pageWrites++
		}
	}
	if bufWrites != 2 {
		t.Errorf("got %d buf writes, want 2", bufWrites)
	}
	if pageWrites != 1 {
		t.Errorf("got %d page writes, want 1", pageWrites)
	}
}

func TestWriteFlashDivertsBeyondUserSize(t *testing.T) {
	ft := newFakeTransport(0x0200)
	d := New(ft)
	d.PageSize = 4
	d.NPageErase = 1
	d.UserSize = 2
	d.EndData = []byte{0xff, 0xff, 0xff, 0xff}
	d.WriteSleep = 0

	data := []byte{0x01, 0x02, 0x03, 0x04}
	if err := d.WriteFlash(0, data, false, nil); err != nil {
		t.Fatalf("WriteFlash: %v", err)
	}
	if d.EndData[0] != 0x03 || d.EndData[1] != 0x04 {
		t.Errorf("EndData = %x, want bytes beyond UserSize diverted in", d.EndData)
	}

	for _, w := range ft.written {
		if w.request == ReqBufWrite && w.index >= 2 {
			t.Errorf("word at index %d should have been diverted to EndData, not written", w.index)
		}
	}
}
