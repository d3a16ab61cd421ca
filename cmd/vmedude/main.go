// Copyright 2026 the vmedude Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// The vmedude command drives a vmeiosis USB bootloader: it erases, writes,
// reads, and verifies the memories of an attached part, and can switch the
// device between bootloader and application mode.
//
// Synopsis:
//
//	vmedude [options] -U mem:op:file[:fmt] [-U mem:op:file[:fmt] ...]
//
// Examples:
//
//	# Flash an Intel-HEX image and verify it (a "v" operation writes the
//	# image, then reads it back and compares):
//	vmedude -e -U flash:v:firmware.hex:i
//
//	# List attached devices:
//	vmedude -l
//
//	# Read the whole chip back to an ELF file:
//	vmedude -U ALL:r:readback.elf:e
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/gousb"
	"github.com/jessevdk/go-flags"

	"github.com/russdill/vmedude/pkg/codec"
	_ "github.com/russdill/vmedude/pkg/codec/elfcodec"
	_ "github.com/russdill/vmedude/pkg/codec/ihex"
	_ "github.com/russdill/vmedude/pkg/codec/immediate"
	_ "github.com/russdill/vmedude/pkg/codec/numtext"
	_ "github.com/russdill/vmedude/pkg/codec/rawbin"
	_ "github.com/russdill/vmedude/pkg/codec/srec"
	"github.com/russdill/vmedude/pkg/configdb"
	"github.com/russdill/vmedude/pkg/device"
	vlog "github.com/russdill/vmedude/pkg/log"
	"github.com/russdill/vmedude/pkg/orchestrator"
	"github.com/russdill/vmedude/pkg/transport"
)

const defaultConfig = "/etc/avrdude.conf"

type options struct {
	Index   int    `short:"i" long:"index" description:"device index among matches" default:"0"`
	Bus     int    `short:"b" long:"bus" description:"USB bus filter"`
	Address int    `short:"a" long:"address" description:"USB address filter"`

	Manufacturer string `short:"M" long:"manufacturer" description:"override expected USB manufacturer string"`
	ProductStr   string `short:"N" long:"product" description:"override expected USB product string"`
	VendorIDHex  string `short:"V" long:"vid" description:"override USB vendor id (hex)"`
	ProductIDHex string `short:"P" long:"pid" description:"override USB product id (hex)"`

	List  bool `short:"l" long:"list" description:"list matching devices and exit"`
	Enter bool `short:"E" long:"enter" description:"send enter and re-enumerate"`
	Run   bool `short:"r" long:"run" description:"send exit at end of session (\"run app\")"`

	Config []string `short:"C" long:"config" description:"base config file; additional -C +path layers on top"`

	Erase bool `short:"e" long:"erase" description:"erase before first write"`

	MemOps []string `short:"U" long:"memop" description:"regions:op:target[:fmt] memory operation"`

	DryRun  bool `short:"n" long:"dry-run" description:"dry run: gate all non-probe USB writes"`
	Raw     bool `short:"R" long:"raw" description:"skip USB-interrupt vector patching"`
	Verbose bool `short:"v" long:"verbose" description:"print a device summary after probing"`
}

func configPaths(specs []string) []string {
	base := defaultConfig
	explicitBase := false
	var layers []string
	for _, c := range specs {
		if strings.HasPrefix(c, "+") {
			layers = append(layers, strings.TrimPrefix(c, "+"))
			continue
		}
		if !explicitBase {
			base = c
			explicitBase = true
			continue
		}
		layers = append(layers, c)
	}
	return append([]string{base}, layers...)
}

func loadConfig(paths []string) (*configdb.Tree, error) {
	var tree *configdb.Tree
	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			return nil, fmt.Errorf("vmedude: opening config %s: %w", p, err)
		}
		tree, err = configdb.Parse(f, tree)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("vmedude: parsing config %s: %w", p, err)
		}
	}
	return tree, nil
}

func parseUSBID(s string, def gousb.ID) (gousb.ID, error) {
	if s == "" {
		return def, nil
	}
	var v uint64
	if _, err := fmt.Sscanf(strings.TrimPrefix(s, "0x"), "%x", &v); err != nil {
		return 0, fmt.Errorf("vmedude: invalid USB id %q: %w", s, err)
	}
	return gousb.ID(v), nil
}

func run() error {
	var opts options
	parser := flags.NewParser(&opts, flags.Default)
	parser.Usage = "[options] -U mem:op:file[:fmt] [-U mem:op:file[:fmt] ...]"
	if _, err := parser.Parse(); err != nil {
		if fe, ok := err.(*flags.Error); ok && fe.Type == flags.ErrHelp {
			os.Exit(0)
		}
		return err
	}

	vid, err := parseUSBID(opts.VendorIDHex, transport.VendorID)
	if err != nil {
		return err
	}
	pid, err := parseUSBID(opts.ProductIDHex, transport.ProductID)
	if err != nil {
		return err
	}
	identity := transport.Identity{Manufacturer: opts.Manufacturer, Product: opts.ProductStr}

	if opts.List {
		cands, err := transport.List(vid, pid, identity)
		if err != nil {
			return err
		}
		for i, c := range cands {
			fmt.Printf("%d: bus %03d addr %03d bcd %04x serial %q\n", i, c.Bus, c.Address, uint16(c.BCDDevice), c.Serial)
		}
		return nil
	}

	var memOps []orchestrator.MemOp
	for _, spec := range opts.MemOps {
		mo, err := orchestrator.ParseMemOp(spec)
		if err != nil {
			return err
		}
		memOps = append(memOps, mo)
	}

	tree, err := loadConfig(configPaths(opts.Config))
	if err != nil {
		return err
	}
	sigs, err := tree.Signatures()
	if err != nil {
		return err
	}

	t, err := transport.Open(vid, pid, identity, opts.Bus, opts.Address, opts.Index)
	if err != nil {
		return err
	}

	dev := device.New(t)
	defer dev.Close()
	dev.SetIdentity(vid, pid, identity)
	dev.SetDryRun(opts.DryRun)

	if opts.Enter {
		if err := dev.Reenumerate(device.ReqEnter); err != nil {
			return err
		}
	}

	if err := dev.Probe(tree, sigs); err != nil {
		return err
	}

	if opts.Verbose {
		vlog.Infof("%s", dev.Summary())
	}

	part := dev.PartInfo
	codecs, err := codec.All(part)
	if err != nil {
		return err
	}

	orch := &orchestrator.Orchestrator{Dev: dev, Tree: tree, Codecs: codecs, Raw: opts.Raw}
	if opts.Verbose {
		if err := orch.Table(os.Stdout); err != nil {
			return err
		}
	}

	if err := orch.Execute(memOps, opts.Erase); err != nil {
		return err
	}

	if opts.Run {
		if err := dev.Run(); err != nil {
			return err
		}
	}
	return nil
}

func main() {
	if err := run(); err != nil {
		vlog.Fatalf("%v", err)
	}
}
