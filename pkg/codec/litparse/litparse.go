// Copyright 2026 the vmedude Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package litparse implements the comma-separated numeric/string literal
// grammar shared by the immediate-literal ("m") format and the four
// number-text formats (binary/octal/decimal/hex). Each token in a line is
// matched against an ordered list of patterns — C-style prefixed integers,
// a selected-radix bare integer, NaN/Inf, decimal or hex floating point,
// and quoted char/string literals — and encoded to little-endian bytes.
package litparse

import (
	"fmt"
	"math"
	"math/big"
	"regexp"
	"strconv"
	"strings"
)

type rule struct {
	re      *regexp.Regexp
	radix   int // 0 = not a fixed-radix numeric rule (float/char/string/empty)
	forAuto bool
	encode  func(groups map[string]string) ([]byte, error)
}

var widthBytes = map[string]int{"HH": 1, "H": 2, "S": 2, "L": 4, "LL": 8, "": 0}

func uwidth(v *big.Int) int {
	for _, w := range []int{1, 2, 4, 8} {
		limit := new(big.Int).Lsh(big.NewInt(1), uint(w*8))
		if v.Cmp(limit) < 0 {
			return w
		}
	}
	return 8
}

func swidth(v *big.Int) int {
	for _, w := range []int{1, 2, 4, 8} {
		limit := new(big.Int).Lsh(big.NewInt(1), uint(w*8-1))
		neg := new(big.Int).Neg(limit)
		if v.Sign() >= 0 && v.Cmp(limit) < 0 {
			return w
		}
		if v.Sign() < 0 && v.Cmp(neg) >= 0 {
			return w
		}
	}
	return 8
}

func encodeIntBytes(v *big.Int, width int) []byte {
	mod := new(big.Int).Lsh(big.NewInt(1), uint(width*8))
	m := new(big.Int).Mod(v, mod)
	out := make([]byte, width)
	bs := m.Bytes() // big-endian, no leading zeros
	for i := 0; i < len(bs) && i < width; i++ {
		out[i] = bs[len(bs)-1-i]
	}
	return out
}

func encodeInt(groups map[string]string, radix int) ([]byte, error) {
	sign := groups["s"]
	digits := groups["v"]
	widthSuffix := groups["w"]
	unsigned := groups["u"] == "U"

	v, ok := new(big.Int).SetString(sign+digits, radix)
	if !ok {
		return nil, fmt.Errorf("litparse: invalid integer literal %q", sign+digits)
	}

	width, explicit := widthBytes[widthSuffix]
	if !explicit || width == 0 {
		switch radix {
		case 10, 8:
			signedVal := !unsigned
			if v.Sign() < 0 {
				signedVal = true
			}
			if signedVal {
				width = swidth(v)
			} else {
				width = uwidth(v)
			}
		default: // 2, 16: width derives from the literal digit count
			bitsPerDigit := map[int]int{2: 1, 16: 4}[radix]
			bits := len(digits) * bitsPerDigit
			shift := int(math.Ceil(math.Log2(float64(bits)))) - 3
			if shift < 0 {
				shift = 0
			}
			width = 1 << shift
		}
	}
	return encodeIntBytes(v, width), nil
}

func floatWidth(suffix string) (width int) {
	if suffix == "D" {
		return 8
	}
	return 4
}

func packFloat(v float64, width int) []byte {
	if width == 8 {
		bits := math.Float64bits(v)
		out := make([]byte, 8)
		for i := 0; i < 8; i++ {
			out[i] = byte(bits >> (8 * i))
		}
		return out
	}
	bits := math.Float32bits(float32(v))
	out := make([]byte, 4)
	for i := 0; i < 4; i++ {
		out[i] = byte(bits >> (8 * i))
	}
	return out
}

func encodeNaN(groups map[string]string) ([]byte, error) {
	width := floatWidth(groups["w"])
	mbits := 23
	if width == 8 {
		mbits = 52
	}
	var m uint64
	if groups["m"] != "" {
		v, err := strconv.ParseUint(groups["m"], 0, 64)
		if err != nil {
			return nil, fmt.Errorf("litparse: invalid nan mantissa %q", groups["m"])
		}
		m = v
	}
	if m >= uint64(1)<<uint(mbits) {
		return nil, fmt.Errorf("litparse: nan mantissa 0x%x does not fit %d bits", m, mbits)
	}
	if width == 8 {
		bits := math.Float64bits(math.NaN())
		bits &^= (uint64(1) << mbits) - 1
		bits |= m
		out := make([]byte, 8)
		for i := 0; i < 8; i++ {
			out[i] = byte(bits >> (8 * i))
		}
		return out, nil
	}
	bits := math.Float32bits(float32(math.NaN()))
	bits &^= uint32((uint64(1) << mbits) - 1)
	bits |= uint32(m)
	out := make([]byte, 4)
	for i := 0; i < 4; i++ {
		out[i] = byte(bits >> (8 * i))
	}
	return out, nil
}

func encodeInf(groups map[string]string) ([]byte, error) {
	width := floatWidth(groups["w"])
	v := math.Inf(1)
	if groups["s"] == "-" {
		v = math.Inf(-1)
	}
	return packFloat(v, width), nil
}

func encodeFloat(groups map[string]string) ([]byte, error) {
	width := floatWidth(groups["w"])
	v, err := strconv.ParseFloat(groups["s"]+groups["v"], 64)
	if err != nil {
		return nil, fmt.Errorf("litparse: invalid float literal: %w", err)
	}
	return packFloat(v, width), nil
}

func encodeHexFloat(groups map[string]string) ([]byte, error) {
	width := floatWidth(groups["w"])
	exp := groups["e"]
	if exp == "" {
		exp = "p0"
	}
	s := groups["s"] + groups["v"] + exp
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, fmt.Errorf("litparse: invalid hex float literal %q: %w", s, err)
	}
	return packFloat(v, width), nil
}

// unescape expands the C-style backslash escapes this grammar's char and
// string literals accept.
func unescape(s string) ([]byte, error) {
	var out []byte
	r := []rune(s)
	for i := 0; i < len(r); i++ {
		c := r[i]
		if c != '\\' {
			out = append(out, []byte(string(c))...)
			continue
		}
		i++
		if i >= len(r) {
			return nil, fmt.Errorf("litparse: dangling escape in %q", s)
		}
		switch r[i] {
		case 'n':
			out = append(out, '\n')
		case 't':
			out = append(out, '\t')
		case 'r':
			out = append(out, '\r')
		case 'a':
			out = append(out, 0x07)
		case 'b':
			out = append(out, 0x08)
		case 'f':
			out = append(out, 0x0c)
		case 'v':
			out = append(out, 0x0b)
		case '0':
			out = append(out, 0x00)
		case '\\':
			out = append(out, '\\')
		case '\'':
			out = append(out, '\'')
		case '"':
			out = append(out, '"')
		case 'x':
			j := i + 1
			for j < len(r) && j < i+3 && isHex(r[j]) {
				j++
			}
			if j == i+1 {
				return nil, fmt.Errorf("litparse: invalid \\x escape in %q", s)
			}
			n, _ := strconv.ParseUint(string(r[i+1:j]), 16, 16)
			out = append(out, byte(n))
			i = j - 1
		default:
			out = append(out, []byte(string(r[i]))...)
		}
	}
	return out, nil
}

func isHex(r rune) bool {
	return (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')
}

func encodeCh(groups map[string]string) ([]byte, error) {
	b, err := unescape(groups["ch"])
	if err != nil {
		return nil, err
	}
	if len(b) != 1 {
		return nil, fmt.Errorf("litparse: char literal %q does not encode to exactly one byte", groups["ch"])
	}
	return b, nil
}

func encodeStr(groups map[string]string) ([]byte, error) {
	return unescape(groups["str"])
}

var rules = []rule{
	{re: regexp.MustCompile(`^(?P<s>[-+]?)0[xX](?P<v>[0-9A-Fa-f]+)(?P<w>HH|H|S|L|LL|)(?P<u>U?)`), radix: 16, forAuto: true, encode: func(g map[string]string) ([]byte, error) { return encodeInt(g, 16) }},
	{re: regexp.MustCompile(`^(?P<s>[-+]?)0(?P<v>[0-7]+)(?P<w>HH|H|S|L|LL|)(?P<u>U?)`), radix: 8, forAuto: true, encode: func(g map[string]string) ([]byte, error) { return encodeInt(g, 8) }},
	{re: regexp.MustCompile(`^(?P<s>[-+]?)0[bB](?P<v>[01]+)(?P<w>HH|H|S|L|LL|)(?P<u>U?)`), radix: 2, forAuto: true, encode: func(g map[string]string) ([]byte, error) { return encodeInt(g, 2) }},
	{re: regexp.MustCompile(`^(?P<s>[-+]?)(?P<v>([1-9][0-9]*|0))(?P<w>HH|H|S|L|LL|)(?P<u>U?)`), radix: 10, forAuto: true, encode: func(g map[string]string) ([]byte, error) { return encodeInt(g, 10) }},

	{re: regexp.MustCompile(`^(?P<s>[-+]?)(?P<v>[0-9A-Fa-f]+)(?P<w>HH|H|S|L|LL|)(?P<u>U?)`), radix: 16, forAuto: false, encode: func(g map[string]string) ([]byte, error) { return encodeInt(g, 16) }},
	{re: regexp.MustCompile(`^(?P<s>[-+]?)(?P<v>[0-7]+)(?P<w>HH|H|S|L|LL|)(?P<u>U?)`), radix: 8, forAuto: false, encode: func(g map[string]string) ([]byte, error) { return encodeInt(g, 8) }},
	{re: regexp.MustCompile(`^(?P<s>[-+]?)(?P<v>[01]+)(?P<w>HH|H|S|L|LL|)(?P<u>U?)`), radix: 2, forAuto: false, encode: func(g map[string]string) ([]byte, error) { return encodeInt(g, 2) }},

	{re: regexp.MustCompile(`(?i)^(?P<s>[-+]?)NAN(?P<m>0[0-7]+|[1-9][0-9]*|0)?(?P<w>[DF]?)`), radix: 0, forAuto: true, encode: encodeNaN},
	{re: regexp.MustCompile(`(?i)^(?P<s>[-+]?)NAN(?P<m>0[xX][0-9A-Fa-f]+)?`), radix: 0, forAuto: true, encode: encodeNaN},
	{re: regexp.MustCompile(`(?i)^(?P<s>[-+]?)INF(INITY)?(?P<w>[DF]?)`), radix: 0, forAuto: true, encode: encodeInf},
	{re: regexp.MustCompile(`^(?P<s>[-+]?)(?P<v>[0-9]+(\.[0-9]+)?([eE][-+]?[0-9]+)?)(?P<w>[DF]?)`), radix: 0, forAuto: true, encode: encodeFloat},
	{re: regexp.MustCompile(`^(?P<s>[-+]?)(?P<v>0[xX][0-9a-fA-F]+(\.[0-9A-Fa-f]+)?)((?P<e>[pP][-+]?[0-9]+)(?P<w>[DF])?)?`), radix: 0, forAuto: true, encode: encodeHexFloat},

	{re: regexp.MustCompile(`^'(?P<ch>.*)'`), radix: 0, forAuto: true, encode: encodeCh},
	{re: regexp.MustCompile(`^"(?P<str>.*)"`), radix: 0, forAuto: true, encode: encodeStr},
	{re: regexp.MustCompile(`^$`), radix: 0, forAuto: true, encode: func(map[string]string) ([]byte, error) { return nil, nil }},
}

var terminatorPlain = regexp.MustCompile(`^\s*(,\s*|$)`)
var terminatorComment = regexp.MustCompile(`^\s*(,\s*#.*|,\s*|#.*|$)`)

func matchGroups(re *regexp.Regexp, s string) (map[string]string, []int, bool) {
	loc := re.FindStringSubmatchIndex(s)
	if loc == nil {
		return nil, nil, false
	}
	names := re.SubexpNames()
	groups := map[string]string{}
	for i, name := range names {
		if name == "" || loc[2*i] < 0 {
			continue
		}
		groups[name] = s[loc[2*i]:loc[2*i+1]]
	}
	return groups, loc, true
}

// EncodeLine parses one comma-separated token sequence into its encoded
// byte representation. radix selects a fixed-radix number-text mode
// (2, 8, 10, or 16); radix 0 means the immediate-literal format's
// auto-detected token grammar. allowComments enables the file-mode
// terminator that also recognises a trailing "#..." comment, used by the
// number-text formats but not the immediate-literal command-line form.
func EncodeLine(line string, radix int, allowComments bool) ([]byte, error) {
	terminator := terminatorPlain
	if allowComments {
		terminator = terminatorComment
	}

	orig := line
	out := []byte{}
	for len(strings.TrimSpace(line)) > 0 {
		matched := false
		trimmed := strings.TrimLeft(line, " \t")
		for _, r := range rules {
			if radix != 0 && r.radix != radix {
				continue
			}
			if radix == 0 && !r.forAuto {
				continue
			}
			groups, loc, ok := matchGroups(r.re, trimmed)
			if !ok {
				continue
			}
			rest := trimmed[loc[1]:]
			tloc := terminator.FindStringIndex(rest)
			if tloc == nil || tloc[0] != 0 {
				continue
			}
			enc, err := r.encode(groups)
			if err != nil {
				return nil, fmt.Errorf("litparse: invalid data %q: %w", orig, err)
			}
			out = append(out, enc...)
			line = rest[tloc[1]:]
			matched = true
			break
		}
		if !matched {
			return nil, fmt.Errorf("litparse: invalid data %q", orig)
		}
	}
	return out, nil
}
