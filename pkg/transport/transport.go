// Copyright 2026 the vmedude Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package transport implements the USB control-transfer link to a vmeiosis
// bootloader device: device discovery by VID/PID (optionally narrowed to a
// bus/address), and the two control-transfer primitives the protocol is
// built from.
package transport

import (
	"fmt"

	"github.com/google/gousb"
)

// Protocol-level constants from the vmeiosis USB descriptor: a fixed
// VID/PID pair and the vendor strings a genuine device reports.
const (
	VendorID     = gousb.ID(0x16c0)
	ProductID    = gousb.ID(0x05dc)
	Manufacturer = "russd@asu.edu"
	Product      = "vme"

	MinMajor = 2
	MaxMajor = 2

	controlOut = 0x40
	controlIn  = 0xc0
)

// Transport is the opaque control-transfer link an AVR device is driven
// through. Every blocking call takes no context, matching gousb's own
// synchronous Control API; callers needing cancellation wrap Transport in
// their own goroutine/timeout.
type Transport interface {
	// ControlOut issues a vendor host-to-device control transfer.
	ControlOut(request uint8, value, index uint16, data []byte) error
	// ControlIn issues a vendor device-to-host control transfer, returning
	// exactly len(data) bytes or an error on a short read.
	ControlIn(request uint8, value, index uint16, data []byte) error
	// BCDDevice reports the descriptor's bcdDevice field.
	BCDDevice() gousb.BCD
	// BusPort reports the USB bus number and hub port this device is
	// attached to, used to re-find a device after it re-enumerates under a
	// new address.
	BusPort() (bus, port int)
	// Close releases the underlying USB device and context.
	Close() error
}

type usbTransport struct {
	ctx  *gousb.Context
	dev  *gousb.Device
	bcd  gousb.BCD
}

// Candidate describes one enumerated device matching the vmeiosis VID/PID,
// for the -l device-listing flag.
type Candidate struct {
	Bus, Address, Port int
	BCDDevice           gousb.BCD
	Serial              string
	Manufacturer        string
	Product             string
}

// Identity narrows device discovery beyond VID/PID: a non-empty
// Manufacturer or Product requires the descriptor's matching string to be
// exactly equal, the way the CLI's -M/-N overrides work.
type Identity struct {
	Manufacturer string
	Product      string
}

func (id Identity) matches(manufacturer, product string) bool {
	if id.Manufacturer != "" && id.Manufacturer != manufacturer {
		return false
	}
	if id.Product != "" && id.Product != product {
		return false
	}
	return true
}

// List enumerates every connected device presenting vid/pid. A zero vid or
// pid falls back to the vmeiosis defaults.
func List(vid, pid gousb.ID, id Identity) ([]Candidate, error) {
	if vid == 0 {
		vid = VendorID
	}
	if pid == 0 {
		pid = ProductID
	}
	ctx := gousb.NewContext()
	defer ctx.Close()

	var out []Candidate
	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Vendor == vid && desc.Product == pid
	})
	if err != nil {
		return nil, fmt.Errorf("transport: enumerate: %w", err)
	}
	for _, d := range devs {
		serial, _ := d.SerialNumber()
		manufacturer, _ := d.Manufacturer()
		product, _ := d.Product()
		if id.matches(manufacturer, product) {
			out = append(out, Candidate{
				Bus:          d.Desc.Bus,
				Address:      d.Desc.Address,
				Port:         d.Desc.Port,
				BCDDevice:    d.Desc.Device,
				Serial:       serial,
				Manufacturer: manufacturer,
				Product:      product,
			})
		}
		d.Close()
	}
	return out, nil
}

// Open finds and opens a vmeiosis device matching vid/pid (a zero value
// falls back to the vmeiosis defaults) and id. If bus or addr is non-zero,
// only a device at that exact (bus, address) is matched; otherwise every
// matching device is a candidate and index selects among them (0-based).
func Open(vid, pid gousb.ID, id Identity, bus, addr, index int) (Transport, error) {
	if vid == 0 {
		vid = VendorID
	}
	if pid == 0 {
		pid = ProductID
	}
	ctx := gousb.NewContext()

	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		if desc.Vendor != vid || desc.Product != pid {
			return false
		}
		if bus != 0 || addr != 0 {
			return desc.Bus == bus && desc.Address == addr
		}
		return true
	})
	if err != nil {
		ctx.Close()
		return nil, fmt.Errorf("transport: enumerate: %w", err)
	}
	if id.Manufacturer != "" || id.Product != "" {
		var filtered []*gousb.Device
		for _, d := range devs {
			manufacturer, _ := d.Manufacturer()
			product, _ := d.Product()
			if id.matches(manufacturer, product) {
				filtered = append(filtered, d)
			} else {
				d.Close()
			}
		}
		devs = filtered
	}
	if index < 0 || index >= len(devs) {
		for _, d := range devs {
			d.Close()
		}
		ctx.Close()
		return nil, fmt.Errorf("transport: no matching device at index %d (found %d)", index, len(devs))
	}
	dev := devs[index]
	for i, d := range devs {
		if i != index {
			d.Close()
		}
	}

	if major := bcdMajor(dev.Desc.Device); !majorSupported(major) {
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("transport: unsupported bootloader major version %d", major)
	}

	return &usbTransport{ctx: ctx, dev: dev, bcd: dev.Desc.Device}, nil
}

func (t *usbTransport) ControlOut(request uint8, value, index uint16, data []byte) error {
	n, err := t.dev.Control(controlOut, request, value, index, data)
	if err != nil {
		return fmt.Errorf("transport: control out: %w", err)
	}
	if n != len(data) {
		return fmt.Errorf("transport: control out: short write (%d of %d bytes)", n, len(data))
	}
	return nil
}

func (t *usbTransport) ControlIn(request uint8, value, index uint16, data []byte) error {
	n, err := t.dev.Control(controlIn, request, value, index, data)
	if err != nil {
		return fmt.Errorf("transport: control in: %w", err)
	}
	if n != len(data) {
		return fmt.Errorf("transport: control in: short read (%d of %d bytes)", n, len(data))
	}
	return nil
}

func (t *usbTransport) BCDDevice() gousb.BCD { return t.bcd }

func (t *usbTransport) BusPort() (bus, port int) {
	return t.dev.Desc.Bus, t.dev.Desc.Port
}

func bcdMajor(bcd gousb.BCD) int { return int(bcd) >> 8 }

func majorSupported(major int) bool { return major >= MinMajor && major <= MaxMajor }

func (t *usbTransport) Close() error {
	t.dev.Close()
	return t.ctx.Close()
}
