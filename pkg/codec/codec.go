// Copyright 2026 the vmedude Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package codec defines the capability-set interface every on-disk/on-wire
// memory-image format implements, and the registry the orchestrator uses to
// look formats up by id or to auto-detect one.
//
// A format is polymorphic over three independent capabilities — detect,
// decode, encode — and over three independent I/O shapes — binary,
// text, and (for the immediate-literal format only) a bare command-line
// string. Rather than a single fat interface every codec must fully
// implement, each capability is its own small interface; a codec declares
// what it supports simply by implementing the interfaces that apply to it,
// and callers probe for support with a type assertion.
package codec

import (
	"io"

	"github.com/russdill/vmedude/pkg/configdb"
	"github.com/russdill/vmedude/pkg/image"
)

// Codec identifies a memory-image format.
type Codec interface {
	ID() string
	Desc() string
}

// BinaryDetector scores how confidently r looks like this codec's format,
// from 0 (not this format) to 100 (unambiguous).
type BinaryDetector interface {
	DetectBinary(r io.Reader) int
}

// TextDetector is the text-mode equivalent of BinaryDetector.
type TextDetector interface {
	DetectText(r io.Reader) int
}

// StringDetector detects a format directly from a command-line literal,
// used only by the immediate-literal format.
type StringDetector interface {
	DetectString(s string) int
}

// BinaryDecoder decodes a binary-mode source into image segments.
type BinaryDecoder interface {
	DecodeBinary(r io.Reader) ([]image.Segment, error)
}

// TextDecoder decodes a text-mode source into image segments.
type TextDecoder interface {
	DecodeText(r io.Reader) ([]image.Segment, error)
}

// StringDecoder decodes a command-line literal into image segments.
type StringDecoder interface {
	DecodeString(s string) ([]image.Segment, error)
}

// BinaryEncoder encodes image segments to a binary-mode sink.
type BinaryEncoder interface {
	EncodeBinary(w io.Writer, segs []image.Segment) error
}

// TextEncoder encodes image segments to a text-mode sink.
type TextEncoder interface {
	EncodeText(w io.Writer, segs []image.Segment) error
}

// Factory builds a Codec bound to the probed part, used by formats (ELF)
// whose encoding depends on the target's MCU family.
type Factory func(part *configdb.Object) (Codec, error)

var registry = map[string]Factory{}

// Register adds a format factory under id. Called from each format
// subpackage's init().
func Register(id string, f Factory) {
	registry[id] = f
}

// New instantiates the codec registered under id against part.
func New(id string, part *configdb.Object) (Codec, error) {
	f, ok := registry[id]
	if !ok {
		return nil, &UnknownFormatError{ID: id}
	}
	return f(part)
}

// All instantiates every registered codec against part, for auto-detect
// scoring.
func All(part *configdb.Object) (map[string]Codec, error) {
	out := make(map[string]Codec, len(registry))
	for id, f := range registry {
		c, err := f(part)
		if err != nil {
			return nil, err
		}
		out[id] = c
	}
	return out, nil
}

// UnknownFormatError is returned by New when id names no registered codec.
type UnknownFormatError struct {
	ID string
}

func (e *UnknownFormatError) Error() string {
	return "codec: unknown format id " + e.ID
}
