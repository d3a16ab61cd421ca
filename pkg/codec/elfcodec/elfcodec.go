// Copyright 2026 the vmedude Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package elfcodec implements the ELF32 AVR object format used by avr-gcc
// toolchains: a minimal ELF32LSB ET_EXEC file, one PT_LOAD segment and one
// SHT_PROGBITS section per image segment, with the target's MCU
// family id stamped into e_flags.
package elfcodec

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/russdill/vmedude/pkg/codec"
	"github.com/russdill/vmedude/pkg/configdb"
	"github.com/russdill/vmedude/pkg/image"
	"github.com/russdill/vmedude/pkg/region"
)

// mcus maps an AVR GCC architecture family name to its ELF e_flags id.
var mcus = map[string]uint32{
	"avr1": 1, "avr2": 2, "avr25": 25, "avr3": 3, "avr31": 31, "avr35": 35,
	"avr4": 4, "avr5": 5, "avr51": 51, "avr6": 6, "avrtiny": 100,
	"avrxmega1": 101, "avrxmega2": 102, "avrxmega3": 103, "avrxmega4": 104,
	"avrxmega5": 105, "avrxmega6": 106, "avrxmega7": 107,
}

// mcuids maps each architecture family to the part ids it covers. Only the
// families actually referenced by the ConfigDB part table in this corpus are
// listed; unknown part ids fail mcuidFor with a descriptive error rather than
// silently defaulting to a family.
var mcuids = map[string][]string{
	"avr1":      {"1200", "t11", "t12", "t15", "t28"},
	"avr2":      {"c8534", "2313", "2323", "2333", "2343", "4414", "4433", "4434", "8515", "8535", "t22", "t26"},
	"avr25":     {"at86rf401", "ata5272", "ata6616c", "t13", "t13a", "t2313", "t2313a", "t24", "t24a", "t25", "t261", "t261a", "t4313", "t43u", "t44", "t441", "t44a", "t45", "t461", "t461a", "t48", "t828", "t84", "t841", "t84a", "t85", "t861", "t861a", "t87", "t88"},
	"avr3":      {"at43usb355", "at76c711"},
	"avr31":     {"at43usb320", "m103"},
	"avr35":     {"usb162", "usb82", "ata5505", "ata6617c", "ata664251", "m16u2", "m32u2", "m8u2", "t1634", "t167"},
	"avr4":      {"pwm1", "pwm2", "pwm2b", "pwm3", "pwm3b", "pwm81", "ata6285", "ata6286", "ata6289", "ata6612c", "m48", "m48a", "m48p", "m48pa", "m48pb", "m8", "m8515", "m8535", "m88", "m88a", "m88p", "m88pa", "m88pb", "m8a", "m8hva"},
	"avr5":      {"c32", "c64", "pwm161", "pwm216", "pwm316", "cr100", "usb646", "usb647", "at94k", "ata5702m322", "ata5782", "ata5790", "ata5790n", "ata5791", "ata5795", "ata5831", "ata6613c", "ata6614q", "ata8210", "ata8510", "m16", "m161", "m162", "m163", "m164a", "m164p", "m164pa", "m165", "m165a", "m165p", "m165pa", "m168", "m168a", "m168p", "m168pa", "m168pb", "m169", "m169a", "m169p", "m169pa", "m16a", "m16hva", "m16hva2", "m16hvb", "m16hvbrevb", "m16m1", "m16u4", "m32", "m323", "m324a", "m324p", "m324pa", "m325", "m3250", "m3250a", "m3250p", "m3250pa", "m325a", "m325p", "m325pa", "m328", "m328p", "m328pb", "m329", "m3290", "m3290a", "m3290p", "m3290pa", "m329a", "m329p", "m329pa", "m32a", "m32c1", "m32hvb", "m32hvbrevb", "m32m1", "m32u4", "m32u6", "m406", "m64", "m640", "m644", "m644a", "m644p", "m644pa", "m644rfr2", "m645", "m6450", "m6450a", "m6450p", "m645a", "m645p", "m649", "m6490", "m6490a", "m6490p", "m649a", "m649p", "m64a", "m64c1", "m64hve", "m64hve2", "m64m1", "m64rfr2", "m3000"},
	"avr51":     {"c128", "usb1286", "usb1287", "m128", "m1280", "m1281", "m1284", "m1284p", "m1284rfr2", "m128a", "m128rfa1", "m128rfr2"},
	"avr6":      {"m2560", "m2561", "m2564rfr2", "m256rfr2"},
	"avrtiny":   {"t10", "t20", "t4", "t40", "t5", "t9"},
	"avrxmega2": {"x16a4", "x16a4u", "x16c4", "x16d4", "x16e5", "x32a4", "x32a4u", "x32c3", "x32c4", "x32d3", "x32d4", "x32e5", "x8e5"},
	"avrxmega3": {"t1614", "t1616", "t1617", "t212", "t214", "t3216", "t3217", "t412", "t414", "t416", "t417", "t814", "t816", "t817"},
	"avrxmega4": {"x64a3", "x64a3u", "x64a4u", "x64b1", "x64b3", "x64c3", "x64d3", "x64d4"},
	"avrxmega5": {"x64a1", "x64a1u"},
	"avrxmega6": {"x128a3", "x128a3u", "x128b1", "x128b3", "x128c3", "x128d3", "x128d4", "x192a3", "x192a3u", "x192c3", "x192d3", "x256a3", "x256a3b", "x256a3bu", "x256a3u", "x256c3", "x256d3", "x384c3", "x384d3"},
	"avrxmega7": {"x128a1", "x128a1u", "x128a4u"},
}

func mcuidFor(id string) (uint32, error) {
	for family, ids := range mcuids {
		for _, known := range ids {
			if known == id {
				return mcus[family], nil
			}
		}
	}
	return 0, fmt.Errorf("elfcodec: unknown mcuid for part %q", id)
}

func init() {
	codec.Register("e", func(part *configdb.Object) (codec.Codec, error) {
		id := ""
		if part != nil {
			id, _ = part.Get("id")
		}
		mcuid, err := mcuidFor(id)
		if err != nil {
			return nil, err
		}
		return &Codec{mcuid: mcuid}, nil
	})
}

// Codec is the ELF32 AVR object format, id "e".
type Codec struct {
	mcuid uint32
}

func (c *Codec) ID() string   { return "e" }
func (c *Codec) Desc() string { return "elf" }

// sectionName gives the section name for a region's data, keyed by
// region.Table name.
var sectionName = map[string]string{
	"flash": ".text", "data": ".data", "EEPROM": ".eeprom", "fuse": ".fuse",
	"lock": ".lock", "sigrow": ".signature", "userrow": ".user_signatures", "bootrow": ".boot",
}

const (
	pfX = 1
	pfW = 2
	pfR = 4

	shfWrite     = 0x1
	shfAlloc     = 0x2
	shfExecinstr = 0x4
)

func segFlagsAlign(regionName string, oddLen bool) (flags uint32, align uint64) {
	switch regionName {
	case "flash":
		flags, align = pfR|pfX, 2
	case "data":
		flags, align = pfR|pfW, 1
	case "bootrow":
		flags, align = pfR, 2
	default:
		flags, align = pfR, 1
	}
	if align == 2 && oddLen {
		align = 1
		flags &^= pfX
	}
	return
}

func shdrFlagsAlign(regionName string, oddLen bool) (flags uint32, align uint64) {
	switch regionName {
	case "flash":
		flags, align = shfAlloc|shfExecinstr, 2
	case "data":
		flags, align = shfAlloc|shfWrite, 1
	case "bootrow":
		flags, align = shfAlloc|shfExecinstr, 2
	default:
		flags, align = shfAlloc, 1
	}
	if align == 2 && oddLen {
		align = 1
		flags &^= shfExecinstr
	}
	return
}

// DetectBinary scores 100 when the stream parses as an ELF file at all;
// architecture and mcuid checks happen at DecodeBinary time.
func (c *Codec) DetectBinary(r io.Reader) int {
	data, err := io.ReadAll(r)
	if err != nil {
		return 0
	}
	if _, err := elf.NewFile(bytes.NewReader(data)); err != nil {
		return 0
	}
	return 100
}

// DecodeBinary reads an ELF32 AVR object's PT_LOAD segments into image
// segments, verifying the machine type and mcuid in e_flags.
func (c *Codec) DecodeBinary(r io.Reader) ([]image.Segment, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if f.Machine != elf.EM_AVR {
		return nil, fmt.Errorf("elfcodec: unexpected architecture: %v", f.Machine)
	}
	// debug/elf does not expose e_flags directly; read the 4 bytes at ELF32
	// header offset 36 ourselves.
	if len(data) < 52 {
		return nil, fmt.Errorf("elfcodec: truncated ELF header")
	}
	eFlags := binary.LittleEndian.Uint32(data[36:40])
	if eFlags&0x7f != c.mcuid {
		return nil, fmt.Errorf("elfcodec: unexpected mcuid in ELF flags: %d", eFlags&0x7f)
	}

	var segs []image.Segment
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD || prog.Filesz == 0 {
			continue
		}
		buf := make([]byte, prog.Filesz)
		if _, err := prog.ReadAt(buf, 0); err != nil && err != io.EOF {
			return nil, err
		}
		segs = append(segs, image.Segment{Addr: prog.Paddr, Data: buf})
	}
	return segs, nil
}

// EncodeBinary writes segments as a minimal ELF32LSB ET_EXEC AVR object: one
// PT_LOAD Phdr and one SHT_PROGBITS Shdr per segment, a leading null section
// and a trailing .shstrtab, matching the header layout avr-gcc's own objects
// use.
func (c *Codec) EncodeBinary(w io.Writer, segs []image.Segment) error {
	const (
		ehdrSize = 52
		phdrSize = 32
		shdrSize = 40
	)

	regionNames := make([]string, len(segs))
	for i, seg := range segs {
		idx := region.ByAddr(seg.Addr)
		if idx < 0 {
			return fmt.Errorf("elfcodec: segment at 0x%x has no matching file region", seg.Addr)
		}
		regionNames[i] = region.Table[idx].Name
	}

	phOff := uint32(ehdrSize)
	shOff := phOff + uint32(phdrSize*len(segs))

	buf := new(bytes.Buffer)

	// e_ident
	buf.Write([]byte{0x7f, 'E', 'L', 'F', 1, 1, 1, 0, 0, 0, 0, 0, 0, 0, 0, 0})
	writeLE16(buf, 2)                    // e_type = ET_EXEC
	writeLE16(buf, uint16(elf.EM_AVR))   // e_machine
	writeLE32(buf, 1)                    // e_version
	writeLE32(buf, 0)                    // e_entry
	writeLE32(buf, phOff)                // e_phoff
	writeLE32(buf, shOff)                // e_shoff
	writeLE32(buf, c.mcuid)              // e_flags
	writeLE16(buf, ehdrSize)             // e_ehsize
	writeLE16(buf, phdrSize)             // e_phentsize
	writeLE16(buf, uint16(len(segs)))    // e_phnum
	writeLE16(buf, shdrSize)             // e_shentsize
	writeLE16(buf, uint16(len(segs)+2))  // e_shnum (null + segs + shstrtab)
	writeLE16(buf, uint16(len(segs)+1))  // e_shstrindex

	dataOff := shOff + uint32(shdrSize*(len(segs)+2))
	offs := make([]uint32, len(segs))
	off := dataOff
	for i, seg := range segs {
		offs[i] = off
		off += uint32(len(seg.Data))
	}
	strOff := off

	for i, seg := range segs {
		flags, align := segFlagsAlign(regionNames[i], len(seg.Data)%2 != 0)
		writeLE32(buf, 1) // p_type = PT_LOAD
		writeLE32(buf, offs[i])
		writeLE32(buf, uint32(seg.Addr))
		writeLE32(buf, uint32(seg.Addr))
		writeLE32(buf, uint32(len(seg.Data)))
		writeLE32(buf, uint32(len(seg.Data)))
		writeLE32(buf, flags)
		writeLE32(buf, uint32(align))
	}

	var names []string
	var nameOffsets []uint32
	strOffset := uint32(1)
	names = append(names, "")
	nameOffsets = append(nameOffsets, 0)

	writeShdr := func(nameOff uint32, typ, flags uint32, addr uint64, off, size uint64, align uint64) {
		writeLE32(buf, nameOff)
		writeLE32(buf, typ)
		writeLE32(buf, uint32(flags))
		writeLE32(buf, uint32(addr))
		writeLE32(buf, uint32(off))
		writeLE32(buf, uint32(size))
		writeLE32(buf, 0)
		writeLE32(buf, 0)
		writeLE32(buf, uint32(align))
		writeLE32(buf, 0)
	}

	writeShdr(0, 0 /* SHT_NULL */, 0, 0, 0, 0, 0)

	for i, seg := range segs {
		name := sectionName[regionNames[i]]
		flags, align := shdrFlagsAlign(regionNames[i], len(seg.Data)%2 != 0)
		writeShdr(strOffset, 1 /* SHT_PROGBITS */, flags, seg.Addr, uint64(offs[i]), uint64(len(seg.Data)), align)
		names = append(names, name)
		nameOffsets = append(nameOffsets, strOffset)
		strOffset += uint32(len(name)) + 1
	}

	shstrName := strOffset
	names = append(names, ".shstrtab")
	strOffset += uint32(len(".shstrtab")) + 1
	writeShdr(shstrName, 3 /* SHT_STRTAB */, 0, 0, uint64(strOff), uint64(strOffset), 1)

	for _, seg := range segs {
		buf.Write(seg.Data)
	}
	for i, name := range names {
		if i == 0 {
			buf.WriteByte(0)
			continue
		}
		buf.WriteString(name)
		buf.WriteByte(0)
	}

	_, err := w.Write(buf.Bytes())
	return err
}

func writeLE16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func writeLE32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}
