// Copyright 2026 the vmedude Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vector

import (
	"testing"
)

func TestEncodeDecodeRjmpRoundTrip(t *testing.T) {
	data := make([]byte, 4)
	if err := EncodeRjmp(data, 0x0100, 0x0000); err != nil {
		t.Fatalf("EncodeRjmp: %v", err)
	}
	if data[0] != 0x7f || data[1] != 0xc0 {
		t.Fatalf("encoded bytes = % x, want 7f c0", data[:2])
	}
	got, ok := DecodeRjmp(data, 0)
	if !ok || got != 0x0100 {
		t.Fatalf("DecodeRjmp = (%x, %v), want (0x100, true)", got, ok)
	}
}

func TestEncodeRjmpOutOfRange(t *testing.T) {
	data := make([]byte, 2)
	if err := EncodeRjmp(data, 0x4100, 0); err == nil {
		t.Fatal("expected RjmpOutOfRangeError for a destination far beyond range")
	}
}

func TestPatchResetVectorOnly(t *testing.T) {
	bootloaderStart := 0x2000
	data := make([]byte, bootloaderStart)
	for i := range data {
		data[i] = 0xff
	}
	mustEncodeRjmp(t, data, 0x0050, 0)

	target := Target{BootloaderStart: bootloaderStart, FlashSize: 0x8000, UserSize: bootloaderStart - 4, Vector: 0}
	if _, err := PatchFirmware(data, target, 0, 2, true); err != nil {
		t.Fatalf("PatchFirmware: %v", err)
	}

	bootTarget, ok := DecodeRjmp(data, 0)
	if !ok || bootTarget != bootloaderStart {
		t.Errorf("slot 0 targets 0x%x, want bootloader start 0x%x", bootTarget, bootloaderStart)
	}
	userReset, ok := DecodeRjmp(data, bootloaderStart-4)
	if !ok || userReset != 0x0050 {
		t.Errorf("tinyvectortable reset slot = 0x%x, want 0x50", userReset)
	}
}

func TestPatchIRQVector(t *testing.T) {
	bootloaderStart := 0x2000
	flashSize := 0x8000
	vector := 6
	vectorAddr := vector * 2

	data := make([]byte, bootloaderStart)
	for i := range data {
		data[i] = 0xff
	}
	mustEncodeRjmp(t, data, 0x0050, 0)
	mustEncodeRjmp(t, data, 0x0040, vectorAddr)

	target := Target{BootloaderStart: bootloaderStart, FlashSize: flashSize, UserSize: bootloaderStart - 4, Vector: vector}
	if _, err := PatchFirmware(data, target, 0, 0x1000, true); err != nil {
		t.Fatalf("PatchFirmware: %v", err)
	}

	chained, ok := DecodeRjmp(data, vectorAddr)
	if !ok || chained != flashSize-10 {
		t.Errorf("usb vector slot targets 0x%x, want trampoline 0x%x", chained, flashSize-10)
	}
	userVector, ok := DecodeRjmp(data, bootloaderStart-2)
	if !ok || userVector != 0x0040 {
		t.Errorf("tinyvectortable irq slot = 0x%x, want 0x40", userVector)
	}
}

func TestPatchIRQVectorOutOfRange(t *testing.T) {
	bootloaderStart := 0x2000
	vector := 6
	vectorAddr := vector * 2

	data := make([]byte, bootloaderStart)
	for i := range data {
		data[i] = 0xff
	}
	mustEncodeRjmp(t, data, 0x0050, 0)
	mustEncodeRjmp(t, data, 0x0900, vectorAddr)

	target := Target{BootloaderStart: bootloaderStart, FlashSize: 0x8000, UserSize: bootloaderStart - 4, Vector: vector}
	// flashEnd (0x100) is well short of the user vector's target (0x900).
	if _, err := PatchFirmware(data, target, 0, 0x100, true); err == nil {
		t.Fatal("expected UserVectorOutOfRangeError")
	}
}

func TestPatchUnpatchRoundTrip(t *testing.T) {
	bootloaderStart := 0x2000
	userSize := bootloaderStart - 4
	vector := 6

	data := make([]byte, bootloaderStart)
	for i := range data {
		data[i] = 0xff
	}
	mustEncodeRjmp(t, data, 0x0050, 0)
	mustEncodeRjmp(t, data, 0x0040, vector*2)
	orig := append([]byte(nil), data...)

	target := Target{BootloaderStart: bootloaderStart, FlashSize: 0x8000, UserSize: userSize, Vector: vector}
	if _, err := PatchFirmware(data, target, 0, userSize, true); err != nil {
		t.Fatalf("PatchFirmware: %v", err)
	}
	unpatched, err := UnpatchFirmware(data, target)
	if err != nil {
		t.Fatalf("UnpatchFirmware: %v", err)
	}

	for i := 0; i < userSize; i++ {
		if unpatched[i] != orig[i] {
			t.Fatalf("byte %d = 0x%02x, want original 0x%02x", i, unpatched[i], orig[i])
		}
	}
	for i := userSize; i < bootloaderStart; i++ {
		if unpatched[i] != 0xff {
			t.Fatalf("tinyvectortable byte %d = 0x%02x, want 0xff after unpatch", i, unpatched[i])
		}
	}
}

func mustEncodeRjmp(t *testing.T, data []byte, dest, base int) {
	t.Helper()
	if err := EncodeRjmp(data, dest, base); err != nil {
		t.Fatalf("EncodeRjmp(dest=0x%x, base=0x%x): %v", dest, base, err)
	}
}
