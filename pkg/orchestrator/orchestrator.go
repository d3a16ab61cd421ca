// Copyright 2026 the vmedude Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package orchestrator sequences one invocation's memory operations against
// a probed device: parsing each "-U" style operation spec, resolving its
// region set against the part's ConfigDB memory list, reading or writing
// the codec-decoded image, and enforcing the write-ordering invariants
// (EEPROM before flash, vector page first, read-only regions verify-only)
// the bootloader protocol depends on.
package orchestrator

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-multierror"

	"github.com/russdill/vmedude/pkg/codec"
	"github.com/russdill/vmedude/pkg/configdb"
	"github.com/russdill/vmedude/pkg/device"
	"github.com/russdill/vmedude/pkg/image"
	"github.com/russdill/vmedude/pkg/region"
	"github.com/russdill/vmedude/pkg/vector"
)

// MemOp is one parsed "-U" memory-operation specification:
// mem[,mem...]:op:file[:fmt].
type MemOp struct {
	Mems []string
	Op   byte // 'w', 'v', or 'r'
	File string
	Fmt  string // codec id, or "a" for auto-detect
}

// ParseMemOp parses one "-U" argument. A bare filename with no colon is
// shorthand for "flash:w:<file>:a".
func ParseMemOp(s string) (MemOp, error) {
	if !strings.Contains(s, ":") {
		return MemOp{Mems: []string{"flash"}, Op: 'w', File: s, Fmt: "a"}, nil
	}
	tokens := strings.Split(s, ":")
	if len(tokens) < 3 {
		return MemOp{}, fmt.Errorf("orchestrator: invalid option format %q", s)
	}
	fmtID := "a"
	if len(tokens) > 3 && len(tokens[len(tokens)-1]) == 1 {
		fmtID = tokens[len(tokens)-1]
		tokens = tokens[:len(tokens)-1]
	}
	mems := strings.Split(tokens[0], ",")
	op := tokens[1]
	if len(op) != 1 || !strings.ContainsRune("vrw", rune(op[0])) {
		return MemOp{}, fmt.Errorf("orchestrator: unknown operation %q", op)
	}
	return MemOp{Mems: mems, Op: op[0], File: strings.Join(tokens[2:], ":"), Fmt: fmtID}, nil
}

// resolveMems expands "all"/"ALL"/"etc" into the part's actual memory
// names (filtered to those the file-region map covers; "all" and "etc"
// exclude the signature and fuse-family regions, "ALL" includes them), drops "none", and
// applies "\name"/"-name" removal, building an ordered, duplicate-free
// region list the way the reference tool's accumulator loop does.
func resolveMems(tokens []string, partMemNames []string) ([]string, error) {
	var am []string
	has := func(s string) bool {
		for _, x := range am {
			if x == s {
				return true
			}
		}
		return false
	}
	remove := func(s string) {
		for i, x := range am {
			if x == s {
				am = append(am[:i], am[i+1:]...)
				return
			}
		}
	}
	for _, tok := range tokens {
		rm := false
		if len(tok) > 0 && (tok[0] == '\\' || tok[0] == '-') {
			rm = true
			tok = tok[1:]
		}
		switch {
		case strings.EqualFold(tok, "all") || tok == "etc":
			for _, name := range partMemNames {
				if name == "io" || name == "sram" {
					continue
				}
				if _, ok := region.DeviceToFile[name]; !ok {
					continue
				}
				if tok != "ALL" && (name == "signature" || strings.Contains(name, "fuse")) {
					continue
				}
				if rm {
					remove(name)
				} else if !has(name) {
					am = append(am, name)
				}
			}
		case tok == "none":
			// explicitly empty: nothing to add
		default:
			if _, ok := region.DeviceToFile[tok]; !ok {
				return nil, fmt.Errorf("orchestrator: unsupported mem type %q", tok)
			}
			if rm {
				remove(tok)
			} else if !has(tok) {
				am = append(am, tok)
			}
		}
	}
	return am, nil
}

func openReader(fn string) (io.ReadCloser, error) {
	if fn == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	return os.Open(fn)
}

func openWriter(fn string) (io.WriteCloser, error) {
	if fn == "-" {
		return nopWriteCloser{os.Stdout}, nil
	}
	return os.Create(fn)
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// detectFormat scores how well fn matches c's format, probing whichever
// detector capability c implements; any error (including a missing file)
// scores 0 rather than aborting the scan, matching the reference tool's
// blanket except-and-return-0 around format probing.
func detectFormat(c codec.Codec, fn string) (score int) {
	defer func() {
		if recover() != nil {
			score = 0
		}
	}()
	if sd, ok := c.(codec.StringDetector); ok {
		return sd.DetectString(fn)
	}
	if bd, ok := c.(codec.BinaryDetector); ok {
		f, err := openReader(fn)
		if err != nil {
			return 0
		}
		defer f.Close()
		return bd.DetectBinary(f)
	}
	if td, ok := c.(codec.TextDetector); ok {
		f, err := openReader(fn)
		if err != nil {
			return 0
		}
		defer f.Close()
		return td.DetectText(f)
	}
	return 0
}

func decodeInput(c codec.Codec, fn string) ([]image.Segment, error) {
	if sd, ok := c.(codec.StringDecoder); ok {
		return sd.DecodeString(fn)
	}
	if bd, ok := c.(codec.BinaryDecoder); ok {
		f, err := openReader(fn)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return bd.DecodeBinary(f)
	}
	if td, ok := c.(codec.TextDecoder); ok {
		f, err := openReader(fn)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return td.DecodeText(f)
	}
	return nil, fmt.Errorf("orchestrator: format %s has no decoder", c.ID())
}

func encodeOutput(c codec.Codec, fn string, segs []image.Segment) error {
	if be, ok := c.(codec.BinaryEncoder); ok {
		w, err := openWriter(fn)
		if err != nil {
			return err
		}
		defer w.Close()
		return be.EncodeBinary(w, segs)
	}
	if te, ok := c.(codec.TextEncoder); ok {
		w, err := openWriter(fn)
		if err != nil {
			return err
		}
		defer w.Close()
		return te.EncodeText(w, segs)
	}
	return fmt.Errorf("orchestrator: format %s has no encoder", c.ID())
}

// resolveFormat picks the codec for one operation: fmtSpec names one
// explicitly, or "a" triggers auto-detect across every registered codec,
// picking the highest-scoring one (ties broken by codec id for
// determinism).
func resolveFormat(fmtSpec, fn string, codecs map[string]codec.Codec) (codec.Codec, error) {
	if fmtSpec != "a" {
		c, ok := codecs[fmtSpec]
		if !ok {
			return nil, fmt.Errorf("orchestrator: unknown format %q for %s", fmtSpec, fn)
		}
		return c, nil
	}
	ids := make([]string, 0, len(codecs))
	for id := range codecs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var best codec.Codec
	bestScore := 0
	for _, id := range ids {
		if score := detectFormat(codecs[id], fn); score > bestScore {
			bestScore = score
			best = codecs[id]
		}
	}
	if best == nil {
		return nil, fmt.Errorf("orchestrator: could not auto-detect format for %s", fn)
	}
	return best, nil
}

// NullProgress reports nothing.
type NullProgress struct{}

func (NullProgress) Start(int) {}
func (NullProgress) Next()     {}
func (NullProgress) Finish()   {}

// Orchestrator sequences memory operations against a single probed Device.
type Orchestrator struct {
	Dev    *device.Device
	Tree   *configdb.Tree
	Codecs map[string]codec.Codec
	Raw    bool

	// Progress, if set, is called once per named step to obtain a progress
	// sink; a nil Progress means every step reports to NullProgress.
	Progress func(label string) device.Progress
}

func (o *Orchestrator) progress(label string) device.Progress {
	if o.Progress == nil {
		return NullProgress{}
	}
	return o.Progress(label)
}

func vectorTarget(d *device.Device) vector.Target {
	return vector.Target{
		BootloaderStart: d.BootloaderStart,
		FlashSize:       d.FlashSize,
		UserSize:        d.UserSize,
		Vector:          d.Vector,
	}
}

type resolvedOp struct {
	mems []string
	op   byte
	fn   string
	fmt  codec.Codec
	segs map[string][]image.Segment
}

// preprocess parses every operation's input file into device-region
// segments before any device state changes, matching the reference tool's
// two-pass structure: validate everything, then act.
func (o *Orchestrator) preprocess(ops []MemOp) ([]resolvedOp, bool, bool, []byte, error) {
	var out []resolvedOp
	flashWritten := false
	eepromWritten := false
	var eepromWriter []byte

	memNames := make([]string, 0, len(o.Dev.PartInfo.Memory))
	for name := range o.Dev.PartInfo.Memory {
		memNames = append(memNames, name)
	}
	sort.Strings(memNames)

	dataRegionIdx := region.ByName("data")
	if dataRegionIdx < 0 {
		return nil, false, false, nil, fmt.Errorf("orchestrator: no data region in file-region table")
	}
	dataBase := region.Table[dataRegionIdx].Base

	for _, mo := range ops {
		c, err := resolveFormat(mo.Fmt, mo.File, o.Codecs)
		if err != nil {
			return nil, false, false, nil, err
		}

		mems, err := resolveMems(mo.Mems, memNames)
		if err != nil {
			return nil, false, false, nil, err
		}

		ro := resolvedOp{mems: mems, op: mo.Op, fn: mo.File, fmt: c}

		if mo.Op == 'w' || mo.Op == 'v' {
			raw, err := decodeInput(c, mo.File)
			if err != nil {
				return nil, false, false, nil, err
			}

			var hostFileSegments []image.Segment
			for _, s := range raw {
				hostFileSegments = append(hostFileSegments, image.SplitAtRegionBoundaries(s)...)
			}

			for _, s := range hostFileSegments {
				idx := region.ByAddr(s.Addr)
				if idx < 0 {
					continue
				}
				r := region.Table[idx]
				if r.Name == "userrow" && s.Addr == r.Base && len(s.Data) > o.Dev.PageSize+4 {
					cfg0 := binary.LittleEndian.Uint16(s.Data[o.Dev.PageSize : o.Dev.PageSize+2])
					cfg1 := binary.LittleEndian.Uint16(s.Data[o.Dev.PageSize+2 : o.Dev.PageSize+4])
					if int(cfg0) != o.Dev.CfgWord0 || int(cfg1) != o.Dev.CfgWord1 {
						return nil, false, false, nil, fmt.Errorf("orchestrator: user signature in %s does not match bootloader", mo.File)
					}
					eepromWriter = append([]byte(nil), s.Data...)
				}
			}

			hostFileSegments = image.FuseFlashData(hostFileSegments)

			endAddress := uint64(0)
			for _, s := range hostFileSegments {
				if e := s.Addr + uint64(len(s.Data)); e > endAddress {
					endAddress = e
				}
			}

			hostAvrSegments := map[string][]image.Segment{}
			if endAddress <= dataBase {
				candidates := mems
				if len(candidates) > 1 {
					var only []string
					for _, m := range candidates {
						if m == "flash" {
							only = append(only, m)
						}
					}
					candidates = only
				}
				if len(candidates) > 0 {
					hostAvrSegments[candidates[0]] = hostFileSegments
				}
			} else {
				for _, m := range mems {
					dm, ok := region.DeviceToFile[m]
					if !ok || dm == nil {
						continue
					}
					fIdx := region.ByName(dm.FileRegion)
					if fIdx < 0 {
						continue
					}
					fr := region.Table[fIdx]
					var segs []image.Segment
					for _, s := range hostFileSegments {
						idx := region.ByAddr(s.Addr)
						if idx < 0 || region.Table[idx].Name != dm.FileRegion {
							continue
						}
						segs = append(segs, image.Segment{Addr: s.Addr - fr.Base + dm.Offset, Data: s.Data})
					}
					if len(segs) > 0 {
						hostAvrSegments[m] = segs
					}
				}
			}

			if segs := hostAvrSegments["eeprom"]; len(segs) > 0 {
				if flashWritten {
					return nil, false, false, nil, fmt.Errorf("orchestrator: EEPROM must be written before flash")
				}
				eepromWritten = true
			}
			if segs := hostAvrSegments["flash"]; len(segs) > 0 {
				flashWritten = true
			}

			if sigSegs := hostAvrSegments["signature"]; len(sigSegs) > 0 {
				start, data := sigSegs[0].Addr, sigSegs[0].Data
				want, werr := hex.DecodeString(o.Dev.Signature)
				if werr == nil && start == 0 && len(data) >= len(want) && !bytes.Equal(data[:len(want)], want) {
					return nil, false, false, nil, fmt.Errorf("orchestrator: device signature in %s does not match bootloader", mo.File)
				}
			}

			ro.segs = hostAvrSegments
		}

		out = append(out, ro)
	}
	return out, flashWritten, eepromWritten, eepromWriter, nil
}

// encodeEepromStream builds the compressed (delta, len) stream the
// bootloader's EEPROM writer firmware expects: (254, 0) no-op header pairs,
// each skipping 254 bytes, to cover large gaps, then a header byte pair
// (delta, chunk length) before each up-to-256-byte chunk of actual data.
func encodeEepromStream(segs []image.Segment) ([]byte, error) {
	var out []byte
	offset := 0
	for _, seg := range segs {
		start := int(seg.Addr)
		data := seg.Data
		for start-offset > 254 {
			out = append(out, 254, 0)
			offset += 254
		}
		for len(data) > 0 {
			n := len(data)
			if n > 256 {
				n = 256
			}
			out = append(out, byte(start-offset), byte(n&0xff))
			out = append(out, data[:n]...)
			offset += n
			start += n
			data = data[n:]
		}
	}
	return out, nil
}

// Execute runs every memory operation in order, enforcing the same
// sequencing invariants the reference tool's main loop does: EEPROM before
// flash, the vector page written first and only once, and read-only
// regions (fuses, lock, signature) verified rather than written.
func (o *Orchestrator) Execute(ops []MemOp, erase bool) error {
	resolved, flashWritten, eepromWritten, eepromWriter, err := o.preprocess(ops)
	if err != nil {
		return err
	}
	if eepromWritten && !flashWritten && !erase {
		return fmt.Errorf("orchestrator: unable to write EEPROM without erasing device")
	}
	if eepromWritten && eepromWriter == nil {
		return fmt.Errorf("orchestrator: unable to write EEPROM without EEPROM writer code")
	}

	erased := false
	if erase {
		if err := o.Dev.EraseDevice(o.progress("erasing")); err != nil {
			return err
		}
		erased = true
	}

	writeEnd := false
	verifyEnd := false
	vectorsProgrammed := false
	var endDataSnapshot []byte

	for _, ro := range resolved {
		switch ro.op {
		case 'w', 'v':
			if eepromSegs := ro.segs["eeprom"]; len(eepromSegs) > 0 {
				eepromImage, err := encodeEepromStream(eepromSegs)
				if err != nil {
					return err
				}
				if len(eepromImage) > 0 {
					full := append(append([]byte(nil), eepromWriter...), eepromImage...)
					if !erased {
						if err := o.Dev.EraseDevice(o.progress("erasing")); err != nil {
							return err
						}
						erased = true
					}
					flashMem := make([]byte, o.Dev.BootloaderStart)
					for i := range flashMem {
						flashMem[i] = 0xff
					}
					copy(flashMem, full)

					patched, err := vector.PatchFirmware(flashMem, vectorTarget(o.Dev), 0, len(full), true)
					if err != nil {
						return err
					}
					if err := o.Dev.WriteFlash(0, patched, false, o.progress("flashing eeprom writer")); err != nil {
						return err
					}
					if err := o.Dev.WriteFlashEnd(o.progress("flashing eeprom writer")); err != nil {
						return err
					}
					erased = false

					if err := o.Dev.Reenumerate(device.ReqExit); err != nil {
						return err
					}
					sigs, err := o.Tree.Signatures()
					if err != nil {
						return err
					}
					if err := o.Dev.Probe(o.Tree, sigs); err != nil {
						return err
					}
				}

				if ro.op == 'v' {
					for _, s := range eepromSegs {
						readback, err := o.Dev.ReadRegion("eeprom", int(s.Addr), len(s.Data), 64, o.progress("verifying eeprom"))
						if err != nil {
							return err
						}
						if !bytes.Equal(readback, s.Data) {
							return fmt.Errorf("orchestrator: readback mismatch when verifying EEPROM")
						}
					}
				}
			}

			flashMem := make([]byte, o.Dev.BootloaderStart)
			for i := range flashMem {
				flashMem[i] = 0xff
			}
			flashStart, flashEnd := -1, 0
			for _, s := range ro.segs["flash"] {
				data := image.TrimFF(s.Data)
				if len(data)%2 != 0 {
					data = append(data, 0xff)
				}
				lead := image.TrimLeadingFF(data)
				if lead%2 != 0 {
					lead++
				}
				data = data[lead:]
				start := int(s.Addr) + lead
				if flashStart < 0 || start < flashStart {
					flashStart = start
				}
				if start+len(data) > flashEnd {
					flashEnd = start + len(data)
				}
				copy(flashMem[start:start+len(data)], data)
			}
			if flashStart < 0 {
				flashStart = 0
			}

			if flashEnd > 0 {
				if flashEnd > o.Dev.UserSize {
					return fmt.Errorf("orchestrator: image does not fit within user flash area")
				}
				if flashStart != 0 && !vectorsProgrammed {
					return fmt.Errorf("orchestrator: vector page of flash must be programmed first")
				}
				if flashStart == 0 && vectorsProgrammed {
					return fmt.Errorf("orchestrator: vector page of flash cannot be programmed twice")
				}
				vectorsProgrammed = true

				patched, err := vector.PatchFirmware(flashMem, vectorTarget(o.Dev), flashStart, flashEnd, !o.Raw)
				if err != nil {
					return err
				}
				if !erased {
					if err := o.Dev.EraseDevice(o.progress("erasing")); err != nil {
						return err
					}
					erased = true
				}
				if err := o.Dev.WriteFlash(flashStart, patched[flashStart:], false, o.progress("flashing")); err != nil {
					return err
				}
				writeEnd = true
				verifyEnd = verifyEnd || ro.op == 'v'

				if ro.op == 'v' {
					readback, err := o.Dev.ReadRegion("flash", flashStart, flashEnd-flashStart, 64, o.progress("verifying"))
					if err != nil {
						return err
					}
					if !bytes.Equal(readback, patched[flashStart:flashEnd]) {
						return fmt.Errorf("orchestrator: readback mismatch when verifying flash")
					}
				}
			}

			var verifyErrs *multierror.Error
			for _, m := range []string{"fuse", "lfuse", "hfuse", "efuse", "lock", "lockbits", "signature"} {
				for _, s := range ro.segs[m] {
					readback, err := o.Dev.ReadRegion(m, int(s.Addr), len(s.Data), 64, NullProgress{})
					if err != nil {
						return err
					}
					if !bytes.Equal(readback, s.Data) {
						verifyErrs = multierror.Append(verifyErrs, fmt.Errorf("cannot write to region %s and existing data does not match", m))
					}
				}
			}
			if verifyErrs != nil {
				return verifyErrs
			}

		case 'r':
			var fileSegments []image.Segment
			for _, m := range ro.mems {
				length := -1
				if m == "flash" {
					length = o.Dev.BootloaderStart
				}
				data, err := o.Dev.ReadRegion(m, 0, length, 64, o.progress("reading "+m))
				if err != nil {
					return err
				}
				if m == "flash" {
					unpatched, err := vector.UnpatchFirmware(data, vectorTarget(o.Dev))
					if err != nil {
						return err
					}
					data = image.TrimFF(unpatched)
				}
				dm := region.DeviceToFile[m]
				if dm == nil {
					continue
				}
				fIdx := region.ByName(dm.FileRegion)
				if fIdx < 0 {
					continue
				}
				fr := region.Table[fIdx]
				fileSegments = append(fileSegments, image.Segment{Addr: fr.Base + dm.Offset, Data: data})
			}
			merged := image.Merge(fileSegments)
			if err := encodeOutput(ro.fmt, ro.fn, merged); err != nil {
				return err
			}
		}
	}

	if writeEnd {
		endDataSnapshot = append([]byte(nil), o.Dev.EndData...)
		if err := o.Dev.WriteFlashEnd(o.progress("flashing")); err != nil {
			return err
		}
	}
	if verifyEnd {
		end, err := o.Dev.ReadRegion("flash", o.Dev.UserSize, o.Dev.BootloaderStart-o.Dev.UserSize, 64, o.progress("verifying"))
		if err != nil {
			return err
		}
		if !bytes.Equal(end, endDataSnapshot) {
			return fmt.Errorf("orchestrator: verify mismatch when writing end page")
		}
	}
	return nil
}

// Table renders a compact, human-readable summary of the probed part's
// memory map to w, one row per memory entry with its size as a humanize'd
// byte count plus its page count, offset, and max write delay, for the
// CLI's "-v" session banner.
func (o *Orchestrator) Table(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Memory\tSize\tPages\tOffset\tMax write delay\n")

	names := make([]string, 0, len(o.Dev.PartInfo.Memory))
	for name := range o.Dev.PartInfo.Memory {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		mem := o.Dev.PartInfo.Memory[name]
		size, _ := mem.Int("size", 0)
		numPages, _ := mem.Int("num_pages", 0)
		offset, _ := mem.Int("offset", 0)
		delay, _ := mem.Int("max_write_delay", 0)
		pages := "-"
		if numPages > 0 {
			pages = fmt.Sprintf("%d", numPages)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%#x\t%dus\n", name, humanize.Bytes(uint64(size)), pages, offset, delay)
	}
	return tw.Flush()
}
