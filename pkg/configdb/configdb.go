// Copyright 2026 the vmedude Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package configdb parses the device-configuration database: the text
// format that describes, per microcontroller part, its memory layout and
// programming timing, plus the serial-adapter and programmer stanzas that
// accompany it in the same file.
//
// The grammar is small and line-oriented: bare words introduce sections or
// keys, `=` begins a value list terminated by `;`, and `#` starts a
// comment that runs to end of line. Parts additionally nest `memory`
// blocks and support `parent`/`alias` directives that deep-copy an
// already-parsed sibling.
package configdb

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
)

// ParseError reports a malformed token in the configuration source, with
// the 1-based line and column at which it was found.
type ParseError struct {
	Line int
	Col  int
	Msg  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("configdb: line %d, column %d: %s", e.Line, e.Col, e.Msg)
}

// MemInfo is one `memory <name> { ... }` block of a part: size, page count,
// offset, and write timing, each stored as the raw token text so that
// numeric bases (`0x..`, plain decimal) are interpreted by the caller the
// same way the rest of the database's attributes are.
type MemInfo struct {
	Attrs map[string]string
}

func newMemInfo() MemInfo {
	return MemInfo{Attrs: map[string]string{}}
}

func (m MemInfo) clone() MemInfo {
	c := newMemInfo()
	for k, v := range m.Attrs {
		c.Attrs[k] = v
	}
	return c
}

// Get returns the raw attribute text and whether it was present.
func (m MemInfo) Get(key string) (string, bool) {
	v, ok := m.Attrs[key]
	return v, ok
}

// Int parses an attribute as a Go integer literal (accepts `0x`/`0` prefixed
// bases the way the original tool's `int(x, 0)` calls do), defaulting to def
// when the attribute is absent.
func (m MemInfo) Int(key string, def int64) (int64, error) {
	v, ok := m.Attrs[key]
	if !ok {
		return def, nil
	}
	return strconv.ParseInt(v, 0, 64)
}

// Object is one parsed `programmer`, `serialadapter`, or `part` stanza.
type Object struct {
	Attrs  map[string]string
	Memory map[string]MemInfo // only populated for "part" stanzas
}

func newObject(withMemory bool) *Object {
	o := &Object{Attrs: map[string]string{}}
	if withMemory {
		o.Memory = map[string]MemInfo{}
	}
	return o
}

func (o *Object) clone() *Object {
	c := newObject(o.Memory != nil)
	for k, v := range o.Attrs {
		c.Attrs[k] = v
	}
	for k, v := range o.Memory {
		c.Memory[k] = v.clone()
	}
	return c
}

// Get returns a top-level attribute and whether it was present.
func (o *Object) Get(key string) (string, bool) {
	v, ok := o.Attrs[key]
	return v, ok
}

// Desc returns the "desc" attribute, falling back to the id it was looked
// up under when absent.
func (o *Object) Desc(id string) string {
	if d, ok := o.Attrs["desc"]; ok {
		return d
	}
	return id
}

// Tree is the fully resolved configuration database: every `parent`/`alias`
// reference has already been deep-copied in, so lookups never need to walk
// an inheritance chain again.
type Tree struct {
	Programmer    map[string]*Object
	Serialadapter map[string]*Object
	Part          map[string]*Object
	// Extra holds bare top-level `key = value ;` entries that are not one
	// of the three recognised section kinds (e.g. "default_programmer").
	Extra map[string]string
}

// NewTree returns an empty, ready-to-merge-into database.
func NewTree() *Tree {
	return &Tree{
		Programmer:    map[string]*Object{},
		Serialadapter: map[string]*Object{},
		Part:          map[string]*Object{},
		Extra:         map[string]string{},
	}
}

func (t *Tree) sectionMap(name string) (map[string]*Object, bool) {
	switch name {
	case "programmer":
		return t.Programmer, true
	case "serialadapter":
		return t.Serialadapter, true
	case "part":
		return t.Part, true
	default:
		return nil, false
	}
}

// Signatures builds the lowercase-hex-signature -> part-id index by
// scanning every part that carries a `signature` attribute.
func (t *Tree) Signatures() (map[string]string, error) {
	sigs := map[string]string{}
	for id, obj := range t.Part {
		raw, ok := obj.Get("signature")
		if !ok {
			continue
		}
		fields := strings.Fields(raw)
		var b strings.Builder
		for _, f := range fields {
			n, err := strconv.ParseInt(strings.TrimPrefix(strings.ToLower(f), "0x"), 16, 32)
			if err != nil {
				return nil, fmt.Errorf("configdb: part %q has invalid signature byte %q: %w", id, f, err)
			}
			fmt.Fprintf(&b, "%02x", n)
		}
		sigs[b.String()] = id
	}
	return sigs, nil
}

// token kinds.
type tokKind int

const (
	tokTOK tokKind = iota
	tokSTR
	tokEQU
	tokEND
	tokEOF
)

type token struct {
	kind tokKind
	val  string
	line int
	col  int
}

var commentRe = regexp.MustCompile(`#.*$`)
var tokenRe = regexp.MustCompile(`"[^"]*"|;|=|[^;\s]+`)

func lex(r io.Reader) []token {
	var toks []token
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	line := 0
	for sc.Scan() {
		line++
		text := commentRe.ReplaceAllString(sc.Text(), "")
		for _, loc := range tokenRe.FindAllStringIndex(text, -1) {
			raw := text[loc[0]:loc[1]]
			col := loc[0] + 1
			switch {
			case raw == ";":
				toks = append(toks, token{kind: tokEND, val: raw, line: line, col: col})
			case raw == "=":
				toks = append(toks, token{kind: tokEQU, val: raw, line: line, col: col})
			case strings.HasPrefix(raw, `"`):
				toks = append(toks, token{kind: tokSTR, val: strings.Trim(raw, `"`), line: line, col: col})
			default:
				toks = append(toks, token{kind: tokTOK, val: raw, line: line, col: col})
			}
		}
	}
	toks = append(toks, token{kind: tokEOF, line: line})
	return toks
}

type parser struct {
	toks []token
	pos  int
	tree *Tree
}

func (p *parser) peek() token {
	return p.toks[p.pos]
}

func (p *parser) advance() token {
	t := p.toks[p.pos]
	if p.pos < len(p.toks)-1 {
		p.pos++
	}
	return t
}

func (p *parser) expect(kinds ...tokKind) (token, error) {
	t := p.advance()
	for _, k := range kinds {
		if t.kind == k {
			return t, nil
		}
	}
	return t, &ParseError{Line: t.line, Col: t.col, Msg: fmt.Sprintf("unexpected token %q", t.val)}
}

// getEqu consumes `= tok tok "str" ... ;` and returns the space-joined value.
func (p *parser) getEqu() (string, error) {
	if _, err := p.expect(tokEQU); err != nil {
		return "", err
	}
	var parts []string
	for {
		t, err := p.expect(tokTOK, tokSTR, tokEND)
		if err != nil {
			return "", err
		}
		if t.kind == tokEND {
			break
		}
		parts = append(parts, t.val)
	}
	return strings.Join(parts, " "), nil
}

// Parse reads one configuration source into tree, extending/overriding it
// in place, and returns tree. Pass a nil tree to build a fresh one.
func Parse(r io.Reader, tree *Tree) (*Tree, error) {
	if tree == nil {
		tree = NewTree()
	}
	p := &parser{toks: lex(r), tree: tree}

	for {
		t, err := p.expect(tokTOK, tokEOF)
		if err != nil {
			return nil, err
		}
		if t.kind == tokEOF {
			break
		}
		sectName := t.val

		sectMap, isSection := p.sectionMap(sectName)
		if !isSection {
			val, err := p.getEqu()
			if err != nil {
				return nil, err
			}
			tree.Extra[sectName] = val
			continue
		}

		obj := newObject(sectName == "part")
		for {
			kt, err := p.expect(tokTOK, tokEND)
			if err != nil {
				return nil, err
			}
			if kt.kind == tokEND {
				break
			}
			opt := kt.val
			switch {
			case opt == "parent":
				nt, err := p.expect(tokTOK, tokSTR)
				if err != nil {
					return nil, err
				}
				parent, ok := sectMap[nt.val]
				if !ok {
					return nil, &ParseError{Line: nt.line, Col: nt.col, Msg: fmt.Sprintf("unknown parent %q", nt.val)}
				}
				obj = parent.clone()
			case opt == "memory" && sectName == "part":
				nt, err := p.expect(tokTOK, tokSTR)
				if err != nil {
					return nil, err
				}
				name := nt.val
				mem := newMemInfo()
				for {
					st, err := p.expect(tokTOK, tokEND)
					if err != nil {
						return nil, err
					}
					if st.kind == tokEND {
						break
					}
					if st.val == "alias" {
						at, err := p.expect(tokTOK, tokSTR)
						if err != nil {
							return nil, err
						}
						src, ok := obj.Memory[at.val]
						if !ok {
							return nil, &ParseError{Line: at.line, Col: at.col, Msg: fmt.Sprintf("unknown memory alias %q", at.val)}
						}
						mem = src.clone()
						if _, err := p.expect(tokEND); err != nil {
							return nil, err
						}
						continue
					}
					val, err := p.getEqu()
					if err != nil {
						return nil, err
					}
					mem.Attrs[st.val] = val
				}
				obj.Memory[name] = mem
			default:
				val, err := p.getEqu()
				if err != nil {
					return nil, err
				}
				obj.Attrs[opt] = val
			}
		}

		id, ok := obj.Get("id")
		if !ok {
			return nil, &ParseError{Line: t.line, Col: t.col, Msg: fmt.Sprintf("%s stanza has no id", sectName)}
		}
		for _, one := range strings.Split(id, ",") {
			sectMap[strings.TrimSpace(one)] = obj
		}
	}
	return tree, nil
}

func (p *parser) sectionMap(name string) (map[string]*Object, bool) {
	return p.tree.sectionMap(name)
}
