// Copyright 2026 the vmedude Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package region describes the fixed file-address space vmedude uses to
// place every named memory of a part into one flat address, the way an AVR
// ELF object or Intel-HEX file sees flash, EEPROM, and the fuse/lock/sigrow
// blocks as a single linear space.
package region

// File is one fixed range of the file address space.
type File struct {
	Base uint64
	Size uint64
	Name string
}

// Table is the bit-exact address-space map every codec and the orchestrator
// place segments against. Order matters: lookups are linear scans in table
// order, matching the reference implementation.
var Table = []File{
	{Base: 0x000000, Size: 0x800000, Name: "flash"},
	{Base: 0x800000, Size: 0x010000, Name: "data"},
	{Base: 0x810000, Size: 0x010000, Name: "EEPROM"},
	{Base: 0x820000, Size: 0x010000, Name: "fuse"},
	{Base: 0x830000, Size: 0x010000, Name: "lock"},
	{Base: 0x840000, Size: 0x010000, Name: "sigrow"},
	{Base: 0x850000, Size: 0x010000, Name: "userrow"},
	{Base: 0x860000, Size: 0x010000, Name: "bootrow"},
}

// ByAddr returns the index of the File containing addr, or -1 if addr falls
// outside every region.
func ByAddr(addr uint64) int {
	for idx, f := range Table {
		if addr >= f.Base && addr < f.Base+f.Size {
			return idx
		}
	}
	return -1
}

// ByName returns the index of the File named name, or -1 if no such region
// exists.
func ByName(name string) int {
	for idx, f := range Table {
		if f.Name == name {
			return idx
		}
	}
	return -1
}

// DeviceMemory maps the memory name used by the device protocol (and by a
// part's ConfigDB memory entries) onto the file region it is placed at, and
// a byte offset within that region. A nil region (io, sram) means the
// memory has no file placement and is only ever read directly.
type DeviceMemory struct {
	FileRegion string
	Offset     uint64
}

// DeviceToFile maps device-protocol memory names to their file region.
var DeviceToFile = map[string]*DeviceMemory{
	"eeprom":   {FileRegion: "EEPROM"},
	"flash":    {FileRegion: "flash"},
	"fuse":     {FileRegion: "fuse"},
	"lfuse":    {FileRegion: "fuse"},
	"hfuse":    {FileRegion: "fuse", Offset: 1},
	"efuse":    {FileRegion: "fuse", Offset: 2},
	"lock":     {FileRegion: "lock"},
	"lockbits": {FileRegion: "lock"},
	"signature": {FileRegion: "sigrow"},
	"io":       nil,
	"sram":     nil,
}
