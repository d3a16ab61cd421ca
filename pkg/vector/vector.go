// Copyright 2026 the vmedude Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package vector implements the reset/USB-interrupt vector-table patching
// transform that lets user firmware and the bootloader share the single
// hardware reset vector and the single interrupt vector the AVR's
// interrupt-driven USB stack occupies.
//
// A user image is built to run starting at flash address 0, as if it owned
// the whole chip. Patching rewrites its reset vector (and, when enabled,
// its USB-interrupt vector) to jump into the bootloader instead, and
// stashes the user's original targets in a small "tinyvectortable" at the
// end of user flash so the bootloader can chain to them after it is done.
package vector

import (
	"encoding/binary"
	"fmt"
)

// opcodes, little-endian 16-bit AVR instruction words.
const (
	opRjmpMask  = 0xf000
	opRjmpBase  = 0xc000
	opRjmpOff   = 0x0fff
	opJmpWord0  = 0x940c
	opReti      = 0x9518
	rjmpRangeWords = 8192 // 2^13 bytes (8 KiB), the span over which RJMP byte addresses wrap
)

// RjmpOutOfRangeError is returned when an RJMP's destination cannot be
// expressed within a single instruction's ±2K-word (±4 KiB) range even after
// one 8 KiB wraparound adjustment.
type RjmpOutOfRangeError struct {
	Dest, Base int
}

func (e *RjmpOutOfRangeError) Error() string {
	return fmt.Sprintf("vector: rjmp from 0x%x to 0x%x out of range", e.Base, e.Dest)
}

// VectorNotRjmpError is returned when a vector slot expected to hold an
// RJMP instruction holds something else.
type VectorNotRjmpError struct {
	Base int
}

func (e *VectorNotRjmpError) Error() string {
	return fmt.Sprintf("vector: no rjmp instruction at 0x%x", e.Base)
}

// UserVectorOutOfRangeError is returned when a user interrupt handler's
// target address falls outside the flash range actually being written.
type UserVectorOutOfRangeError struct {
	Target int
}

func (e *UserVectorOutOfRangeError) Error() string {
	return fmt.Sprintf("vector: user vector target 0x%x outside given memory area", e.Target)
}

// DecodeRjmp reads the 16-bit word at data[base:base+2]; if it encodes an
// RJMP, it returns the absolute word-wrapped target address and true.
func DecodeRjmp(data []byte, base int) (int, bool) {
	opcode := binary.LittleEndian.Uint16(data[base : base+2])
	if opcode&opRjmpMask != opRjmpBase {
		return 0, false
	}
	offset := (int(opcode&opRjmpOff) + 1) * 2
	return (offset + base) & (rjmpRangeWords - 1), true
}

// EncodeRjmp patches an RJMP at data[base:base+2] targeting dest, applying
// the reference implementation's wraparound discipline: first try the
// destination and the reference point (base+2) as given; if the forward
// spread (dest+4096 < ref) undershoots, wrap dest forward by one 8 KiB
// span; if the backward spread (dest-4094 > ref) overshoots, wrap the
// reference point forward instead. If the jump is still out of range after
// one wrap in each direction, it fails.
func EncodeRjmp(data []byte, dest, base int) error {
	ref := base + 2
	if dest+4096 < ref {
		dest += rjmpRangeWords
	}
	if dest-4094 > ref {
		ref += rjmpRangeWords
	}
	if dest+4096 < ref || dest-4094 > ref {
		return &RjmpOutOfRangeError{Dest: dest, Base: base}
	}
	offset := (dest - ref) / 2
	binary.LittleEndian.PutUint16(data[base:base+2], uint16(opRjmpBase|(offset&0x0fff)))
	return nil
}

// EncodeJmp patches a 4-byte absolute JMP at data[base:base+4]. The core
// vector-patching path only ever emits RJMP, but JMP is kept available for
// targets further than an RJMP can reach.
func EncodeJmp(data []byte, dest, base int) {
	binary.LittleEndian.PutUint16(data[base:base+2], opJmpWord0)
	binary.LittleEndian.PutUint16(data[base+2:base+4], uint16(dest/2))
}

// EncodeReti patches a RETI at data[base:base+2].
func EncodeReti(data []byte, base int) {
	binary.LittleEndian.PutUint16(data[base:base+2], opReti)
}

// Target describes the device-derived geometry the patch transform needs:
// where the bootloader begins, the chip's total flash size, and which
// interrupt vector index (0 = none) the bootloader's USB stack occupies.
type Target struct {
	BootloaderStart int
	FlashSize       int
	UserSize        int
	Vector          int
}

func inRange(addr, start, end int) bool {
	return addr >= start && addr < end
}

// PatchFirmware rewrites the reset vector (when flashStart/flashEnd
// overlaps address 0 or 1) and, when patchIRQ is set, the USB-interrupt
// vector of a user image occupying flash range [flashStart, flashEnd), so
// both chain through the bootloader. data must cover at least
// [0, target.BootloaderStart) and is modified in place; the returned slice
// is the same backing array as data.
func PatchFirmware(data []byte, target Target, flashStart, flashEnd int, patchIRQ bool) ([]byte, error) {
	if inRange(0, flashStart, flashEnd) || inRange(1, flashStart, flashEnd) {
		userReset, ok := DecodeRjmp(data, 0)
		if !ok {
			return nil, &VectorNotRjmpError{Base: 0}
		}
		if err := EncodeRjmp(data, target.BootloaderStart, 0); err != nil {
			return nil, err
		}
		if err := EncodeRjmp(data, userReset, target.BootloaderStart-4); err != nil {
			return nil, err
		}
	}

	vectorAddr := target.Vector * 2
	if patchIRQ && target.Vector != 0 && (inRange(vectorAddr, flashStart, flashEnd) || inRange(vectorAddr+1, flashStart, flashEnd)) {
		userVector, hasUserVector := DecodeRjmp(data, vectorAddr)
		if hasUserVector && userVector != 0 {
			if flashStart >= userVector+2 || flashEnd < userVector {
				return nil, &UserVectorOutOfRangeError{Target: userVector}
			}
			if nextVector, ok := DecodeRjmp(data, userVector); ok && (nextVector == 0 || nextVector == userVector) {
				// Jumps to its own reset vector: a bad/absent interrupt handler.
				hasUserVector = false
			}
		} else {
			hasUserVector = false
		}

		if err := EncodeRjmp(data, target.FlashSize-10, vectorAddr); err != nil {
			return nil, err
		}
		if hasUserVector {
			if err := EncodeRjmp(data, userVector, target.BootloaderStart-2); err != nil {
				return nil, err
			}
		} else {
			EncodeReti(data, target.BootloaderStart-2)
		}
	}
	return data, nil
}

// UnpatchFirmware reverses PatchFirmware on a readback-sized flash image
// (exactly target.BootloaderStart bytes): it recovers the user's original
// reset and interrupt-handler targets from the tinyvectortable and replants
// them at their natural vector slots, then clears the tinyvectortable to
// 0xFF.
func UnpatchFirmware(data []byte, target Target) ([]byte, error) {
	if len(data) != target.BootloaderStart {
		return nil, fmt.Errorf("vector: unpatch expects %d bytes, got %d", target.BootloaderStart, len(data))
	}
	if userReset, ok := DecodeRjmp(data, target.UserSize); ok {
		if err := EncodeRjmp(data, userReset, 0); err != nil {
			return nil, err
		}
	}
	if target.Vector != 0 {
		if userVector, ok := DecodeRjmp(data, target.UserSize+2); ok {
			if err := EncodeRjmp(data, userVector, target.Vector*2); err != nil {
				return nil, err
			}
		}
	}
	for i := target.UserSize; i < len(data); i++ {
		data[i] = 0xff
	}
	return data, nil
}
