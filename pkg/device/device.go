// Copyright 2026 the vmedude Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package device implements the AVR-side half of the vmeiosis protocol: the
// page-erase/buffer-write/page-write control sequence flash programming is
// built from, device probing (deriving page geometry and the bootloader's
// vector-table configuration word from the device itself), and the
// chunked region readback path.
package device

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/gousb"

	"github.com/russdill/vmedude/pkg/configdb"
	"github.com/russdill/vmedude/pkg/transport"
)

// Control-transfer request codes the vmeiosis protocol defines.
const (
	ReqBufWrite  = 1
	ReqPageErase = 3
	ReqPageWrite = 5
	ReqDevRead   = 10
	ReqExit      = 128
	ReqEnter     = 0
)

// Device-read sub-selectors, passed as the ControlIn value/index pair's
// implicit "value" via ReqDevRead's request byte semantics (the reader
// itself is one of these constants, not a parameter to it).
const (
	ReadFlash  = 1 << 0
	ReadFuse   = (1 << 3) | (1 << 0)
	ReadSig    = (1 << 5) | (1 << 0)
	ReadEEPROM = 1 << 6
	ReadMem    = 0
)

// reader describes how to read one named device memory: which ReqDevRead
// variant reaches it, and a fixed byte offset within that reader's address
// space (used for the fuse family, whose four bytes share one reader).
type reader struct {
	request uint8
	offset  int
}

var readers = map[string]reader{
	"flash":     {ReadFlash, 0},
	"eeprom":    {ReadEEPROM, 0},
	"fuse":      {ReadFuse, 0},
	"lfuse":     {ReadFuse, 0},
	"hfuse":     {ReadFuse, 3},
	"efuse":     {ReadFuse, 2},
	"lock":      {ReadFuse, 1},
	"lockbits":  {ReadFuse, 1},
	"signature": {ReadSig, 0},
	"sram":      {ReadMem, 0},
	"io":        {ReadMem, 0},
}

// Progress reports the count of discrete steps (erased pages, written
// pages, or read chunks) an operation expects, and is stepped as each one
// completes. A nil Progress is valid and ignored.
type Progress interface {
	Start(max int)
	Next()
	Finish()
}

// Device drives one attached vmeiosis bootloader over a Transport, once
// Probe has derived its part's geometry from the ConfigDB.
type Device struct {
	t        transport.Transport
	dry      bool
	vid, pid gousb.ID
	identity transport.Identity

	PartName        string
	Signature       string
	PartInfo        *configdb.Object
	FlashSize       int
	NPageErase      int
	NumPages        int
	PageSize        int
	WriteSleep      time.Duration
	EraseSleep      time.Duration
	CfgWord0        int
	CfgWord1        int
	NumBLPages      int
	Vector          int
	NumUserPages    int
	BootloaderStart int
	UserSize        int
	EndData         []byte
}

// New wraps an already-opened transport. Call Probe before using any other
// method.
func New(t transport.Transport) *Device {
	return &Device{t: t}
}

// SetIdentity records the VID/PID/manufacturer/product the device was
// found under, so Reenumerate can re-find it under the same identity after
// it drops off the bus. A zero VID/PID means the vmeiosis default.
func (d *Device) SetIdentity(vid, pid gousb.ID, id transport.Identity) {
	d.vid, d.pid, d.identity = vid, pid, id
}

// Summary renders a human-readable one-line description of the probed
// part's geometry, for a verbose session banner.
func (d *Device) Summary() string {
	return fmt.Sprintf(
		"%s (sig %s): flash %s in %d pages of %s, %d bootloader page(s), user flash %s",
		d.PartName, d.Signature,
		humanize.Bytes(uint64(d.FlashSize)), d.NumPages, humanize.Bytes(uint64(d.PageSize)),
		d.NumBLPages, humanize.Bytes(uint64(d.UserSize)),
	)
}

// SetDryRun enables dry-run mode: every write/erase control transfer is
// suppressed except the two that drive bootloader entry/exit, which must
// reach the device even during a dry run for probing to work at all.
func (d *Device) SetDryRun(dry bool) { d.dry = dry }

// cmd issues a write-class control transfer, honoring dry-run mode. The
// bootloader-enter and bootloader-exit requests always go through: without
// them a dry run could never talk to the device in the first place.
func (d *Device) cmd(request uint8, value, index uint16) error {
	if d.dry && request != ReqExit && request != ReqEnter {
		return nil
	}
	return d.t.ControlOut(request, value, index, nil)
}

// read performs a chunked control-in transfer, 8 bytes at a time, matching
// the device's fixed USB control-transfer buffer.
func (d *Device) read(request uint8, index uint16, length int) ([]byte, error) {
	ret := make([]byte, 0, length)
	for len(ret) < length {
		chunk := length - len(ret)
		if chunk > 8 {
			chunk = 8
		}
		buf := make([]byte, chunk)
		if err := d.t.ControlIn(request, 0, index+uint16(len(ret)), buf); err != nil {
			return nil, fmt.Errorf("device: short read: %w", err)
		}
		ret = append(ret, buf...)
	}
	return ret, nil
}

// Probe reads the device's signature, resolves its part entry in tree via
// sigs, and derives every geometry field (page size, bootloader split,
// vector-table configuration) the rest of Device's methods need.
func (d *Device) Probe(tree *configdb.Tree, sigs map[string]string) error {
	major := int(d.t.BCDDevice()) >> 8
	if major < transport.MinMajor || major > transport.MaxMajor {
		return fmt.Errorf("device: unsupported bootloader major version %d", major)
	}

	info, err := d.read(ReadSig, 0, 5)
	if err != nil {
		return err
	}
	var sigBytes []byte
	for i := 0; i < len(info); i += 2 {
		sigBytes = append(sigBytes, info[i])
	}
	sig := ""
	for _, b := range sigBytes {
		sig += fmt.Sprintf("%02x", b)
	}
	d.Signature = sig

	partName, ok := sigs[sig]
	if !ok {
		return fmt.Errorf("device: no part matches signature %s", sig)
	}
	d.PartName = partName
	part, ok := tree.Part[partName]
	if !ok {
		return fmt.Errorf("device: part %q not found in database", partName)
	}
	d.PartInfo = part

	flashInfo, ok := part.Memory["flash"]
	if !ok {
		return fmt.Errorf("device: part %q has no flash memory entry", partName)
	}
	flashSize, err := flashInfo.Int("size", 0)
	if err != nil {
		return fmt.Errorf("device: invalid flash size: %w", err)
	}
	d.FlashSize = int(flashSize)

	nPageErase, err := intAttr(part, "n_page_erase", 1)
	if err != nil {
		return err
	}
	d.NPageErase = nPageErase

	numPages, err := flashInfo.Int("num_pages", 0)
	if err != nil {
		return fmt.Errorf("device: invalid num_pages: %w", err)
	}
	d.NumPages = int(numPages)
	if d.NumPages == 0 {
		return fmt.Errorf("device: part %q has zero flash pages", partName)
	}
	d.PageSize = d.NPageErase * d.FlashSize / d.NumPages

	maxWriteDelay, err := flashInfo.Int("max_write_delay", 0)
	if err != nil {
		return fmt.Errorf("device: invalid max_write_delay: %w", err)
	}
	d.WriteSleep = time.Duration(maxWriteDelay) * time.Microsecond

	chipEraseDelay, ok := part.Get("chip_erase_delay")
	if !ok {
		return fmt.Errorf("device: part %q has no chip_erase_delay", partName)
	}
	ced, err := parseIntAttr(chipEraseDelay)
	if err != nil {
		return fmt.Errorf("device: invalid chip_erase_delay: %w", err)
	}
	d.EraseSleep = time.Duration(ced*int64(d.NPageErase)) * time.Microsecond

	cfg, err := d.read(ReadFlash, uint16(d.FlashSize-4), 4)
	if err != nil {
		return err
	}
	cfgWord0 := int(binary.LittleEndian.Uint16(cfg[0:2]))
	d.CfgWord1 = int(binary.LittleEndian.Uint16(cfg[2:4]))
	d.NumBLPages = cfgWord0 & 0xff
	cfgWord0 &^= 0xff
	d.Vector = (cfgWord0 >> 8) & 0x1f
	d.CfgWord0 = cfgWord0

	d.NumUserPages = d.NumPages - d.NumBLPages
	d.BootloaderStart = d.NumUserPages * d.PageSize
	const endSize = 4
	d.UserSize = d.BootloaderStart - endSize
	d.EndData = make([]byte, endSize)
	for i := range d.EndData {
		d.EndData[i] = 0xff
	}
	return nil
}

func intAttr(o *configdb.Object, key string, def int64) (int, error) {
	v, ok := o.Get(key)
	if !ok {
		return int(def), nil
	}
	n, err := parseIntAttr(v)
	return int(n), err
}

func parseIntAttr(s string) (int64, error) {
	var n int64
	_, err := fmt.Sscanf(s, "%d", &n)
	return n, err
}

// EraseDevice erases every user-flash page, from the top page down, the
// order the reference tool uses so a power loss mid-erase always leaves the
// lowest (and therefore already-written, if this is a re-flash) pages
// erased last.
func (d *Device) EraseDevice(p Progress) error {
	if p != nil {
		p.Start(d.NumUserPages)
	}
	for page := d.NumUserPages; page > 0; page-- {
		if err := d.cmd(ReqPageErase, 0, uint16((page-1)*d.PageSize)); err != nil {
			return err
		}
		time.Sleep(d.EraseSleep)
		if p != nil {
			p.Next()
		}
	}
	if p != nil {
		p.Finish()
	}
	return nil
}

// WriteFlash transfers data (a sequence of little-endian 16-bit words) to
// flash starting at byte offset start, buffering one word at a time with
// ReqBufWrite and committing a page at a time with ReqPageWrite once every
// page's worth of words (or the final partial page) has been buffered.
//
// Unless finish is set, any portion of data at or past UserSize is diverted
// into EndData instead of being sent — the tinyvectortable in the last
// bytes of user flash, [UserSize, BootloaderStart), is written only by
// WriteFlashEnd.
func (d *Device) WriteFlash(start int, data []byte, finish bool, p Progress) error {
	if !finish && start+len(data) > d.UserSize {
		endStart := start - d.UserSize
		if endStart < 0 {
			endStart = 0
		}
		dataStart := endStart + d.UserSize
		endLen := start + len(data) - dataStart
		copy(d.EndData[endStart:endStart+endLen], data[dataStart-start:])
	}

	run := func(justCount bool) (int, error) {
		count := 0
		empty := true
		wps := d.PageSize / d.NPageErase
		for i := 0; i*2+2 <= len(data); i++ {
			last := i*2+2 == len(data)
			w := binary.LittleEndian.Uint16(data[i*2 : i*2+2])
			addr := i*2 + start
			if addr >= d.UserSize && !finish {
				w = 0xffff
			}
			if w != 0xffff {
				empty = false
				if !justCount {
					if err := d.cmd(ReqBufWrite, w, uint16(addr)); err != nil {
						return 0, err
					}
				}
			}
			addr += 2
			if (addr%wps == 0 || last) && !empty {
				if !justCount {
					page := (addr - 1) &^ (wps - 1)
					if err := d.cmd(ReqPageWrite, 0, uint16(page)); err != nil {
						return 0, err
					}
					time.Sleep(d.WriteSleep)
					if p != nil {
						p.Next()
					}
				}
				empty = true
				count++
			}
		}
		return count, nil
	}

	count, err := run(true)
	if err != nil {
		return err
	}
	if p != nil {
		p.Start(count)
	}
	if _, err := run(false); err != nil {
		return err
	}
	if p != nil {
		p.Finish()
	}
	return nil
}

// WriteFlashEnd commits the bytes diverted into EndData by earlier
// WriteFlash calls (the tinyvectortable at the end of user flash) and resets
// EndData to all-0xFF for any subsequent write pass.
func (d *Device) WriteFlashEnd(p Progress) error {
	if err := d.WriteFlash(d.UserSize, d.EndData, true, p); err != nil {
		return err
	}
	for i := range d.EndData {
		d.EndData[i] = 0xff
	}
	return nil
}

// ReadRegion reads length bytes (or the whole region, if length is
// negative) of the named device memory, starting at byte offset start
// within it, chunkSz bytes at a time.
func (d *Device) ReadRegion(regionName string, start, length, chunkSz int, p Progress) ([]byte, error) {
	r, ok := readers[regionName]
	if !ok {
		return nil, fmt.Errorf("device: unknown region %q", regionName)
	}
	readerOffset := r.offset + start

	mem, hasMem := d.PartInfo.Memory[regionName]
	var readOffset, readSz int
	if regionName == "signature" {
		if length < 0 {
			length = 3
		}
		if readerOffset+length > 3 {
			return nil, fmt.Errorf("device: read too large")
		}
		readSz = 5
		off, _ := mem.Int("offset", 0)
		readOffset = int(off)
	} else {
		regionSz := 0
		if hasMem {
			sz, _ := mem.Int("size", 0)
			regionSz = int(sz)
		}
		if length < 0 {
			readSz = regionSz - start
			if readSz < 0 {
				readSz = 0
			}
			length = readSz
		} else {
			readSz = length
			if start+readSz > regionSz {
				return nil, fmt.Errorf("device: read too large")
			}
		}
		off := int64(0)
		if hasMem {
			off, _ = mem.Int("offset", 0)
		}
		readOffset = readerOffset + int(off)
	}

	if chunkSz <= 0 {
		chunkSz = 64
	}
	steps := (readSz + chunkSz - 1) / chunkSz
	if p != nil {
		p.Start(steps)
	}
	var data []byte
	for i := readOffset; i < readOffset+readSz; i += chunkSz {
		n := readOffset + readSz - i
		if n > chunkSz {
			n = chunkSz
		}
		chunk, err := d.read(r.request, uint16(i), n)
		if err != nil {
			return nil, err
		}
		data = append(data, chunk...)
		if p != nil {
			p.Next()
		}
	}
	if p != nil {
		p.Finish()
	}

	if regionName == "signature" {
		var rev []byte
		for i := len(data) - 1; i >= 0; i -= 2 {
			rev = append(rev, data[i])
		}
		if start+length > len(rev) {
			return nil, fmt.Errorf("device: read too large")
		}
		data = rev[start : start+length]
	}
	return data, nil
}

// Run issues the bootloader-exit request, handing control back to the
// user application without waiting for the device to come back (the
// caller is expected to be done talking to it).
func (d *Device) Run() error {
	return d.cmd(ReqExit, 0, 0)
}

// Close releases the current underlying transport, if any. Safe to call
// after Reenumerate has swapped it, and a no-op if a failed Reenumerate
// left no transport behind.
func (d *Device) Close() error {
	if d.t == nil {
		return nil
	}
	err := d.t.Close()
	d.t = nil
	return err
}

// Reenumerate sends request (bootloader enter or exit) and waits for the
// device to disappear and reappear at the same bus/hub port, matching the
// reference tool's port-based re-find after a USB reset. It gives the
// device 1.5s to drop off the bus before it starts looking, and fails after
// 5s total if it never returns.
func (d *Device) Reenumerate(request uint8) error {
	bus, port := d.t.BusPort()
	if err := d.cmd(request, 0, 0); err != nil {
		return err
	}
	d.t.Close()
	d.t = nil

	const pollInterval = 100 * time.Millisecond
	const graceBeforeSearch = 1500 * time.Millisecond
	const giveUpAfter = 5000 * time.Millisecond

	var slept time.Duration
	for {
		time.Sleep(pollInterval)
		slept += pollInterval
		if slept >= graceBeforeSearch {
			cands, err := transport.List(d.vid, d.pid, d.identity)
			if err == nil {
				for _, c := range cands {
					if c.Bus == bus && c.Port == port {
						t, err := transport.Open(d.vid, d.pid, d.identity, c.Bus, c.Address, 0)
						if err != nil {
							continue
						}
						d.t = t
						time.Sleep(pollInterval)
						return nil
					}
				}
			}
		}
		if slept >= giveUpAfter {
			return fmt.Errorf("device: did not return after re-enumeration")
		}
	}
}
