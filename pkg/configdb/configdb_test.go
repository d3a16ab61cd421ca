// Copyright 2026 the vmedude Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package configdb

import (
	"strings"
	"testing"
)

func TestParseInheritance(t *testing.T) {
	src := `
part
	id = "m328p" ;
	desc = "ATmega328P" ;
	signature = 0x1e 0x95 0x0f ;
	memory flash
		size = 0x8000 ;
		num_pages = 128 ;
	;
;

part
	parent "m328p"
	id = "m328pb" ;
	signature = 0x1e 0x95 0x16 ;
	memory flash
		size = 0x8000 ;
		num_pages = 256 ;
	;
;
`
	tree, err := Parse(strings.NewReader(src), nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	derived, ok := tree.Part["m328pb"]
	if !ok {
		t.Fatal("expected m328pb part")
	}
	if desc, _ := derived.Get("desc"); desc != "ATmega328P" {
		t.Errorf("desc = %q, want inherited ATmega328P", desc)
	}
	if sig, _ := derived.Get("signature"); sig != "0x1e 0x95 0x16" {
		t.Errorf("signature = %q, want overridden value", sig)
	}
	flash, ok := derived.Memory["flash"]
	if !ok {
		t.Fatal("expected flash memory entry")
	}
	if size, _ := flash.Get("size"); size != "0x8000" {
		t.Errorf("flash size = %q", size)
	}
	if pages, _ := flash.Get("num_pages"); pages != "256" {
		t.Errorf("num_pages = %q, want overridden 256", pages)
	}

	sigs, err := tree.Signatures()
	if err != nil {
		t.Fatalf("Signatures: %v", err)
	}
	if sigs["1e950f"] != "m328p" {
		t.Errorf("signature index for m328p: %q", sigs["1e950f"])
	}
	if sigs["1e9516"] != "m328pb" {
		t.Errorf("signature index for m328pb: %q", sigs["1e9516"])
	}
}

func TestParseUnknownParent(t *testing.T) {
	src := `part
	parent "nope"
	id = "x" ;
;
`
	if _, err := Parse(strings.NewReader(src), nil); err == nil {
		t.Fatal("expected error for unknown parent")
	}
}

func TestParseMemoryAlias(t *testing.T) {
	src := `part
	id = "x" ;
	memory flash
		size = 0x1000 ;
	;
	memory data
		alias "flash" ;
	;
;
`
	tree, err := Parse(strings.NewReader(src), nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	x := tree.Part["x"]
	if size, _ := x.Memory["data"].Get("size"); size != "0x1000" {
		t.Errorf("aliased data size = %q", size)
	}
}

func TestParseUnexpectedToken(t *testing.T) {
	src := `part id = "x" ;`
	if _, err := Parse(strings.NewReader(src), nil); err == nil {
		t.Fatal("expected parse error for stanza missing its closing ;")
	}
}

func TestParseLayering(t *testing.T) {
	base := `part
	id = "a" ;
	desc = "A" ;
;
`
	ext := `part
	id = "b" ;
	desc = "B" ;
;
`
	tree, err := Parse(strings.NewReader(base), nil)
	if err != nil {
		t.Fatalf("Parse base: %v", err)
	}
	if _, err := Parse(strings.NewReader(ext), tree); err != nil {
		t.Fatalf("Parse layered: %v", err)
	}
	if _, ok := tree.Part["a"]; !ok {
		t.Error("expected part a to survive layering")
	}
	if _, ok := tree.Part["b"]; !ok {
		t.Error("expected part b from layered file")
	}
}
