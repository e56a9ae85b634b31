// Copyright (c) Elliot Nunn
// Licensed under the MIT license

// Package binfield reads and writes the odd-sized fields and legacy
// character sets found in vintage archive headers.
package binfield

import (
	"bytes"
	"errors"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

var ErrUnmappable = errors.New("character not representable")

func Uint24(b []byte) uint32 {
	_ = b[2]
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16
}

func PutUint24(b []byte, v uint32) {
	_ = b[2]
	b[0], b[1], b[2] = byte(v), byte(v>>8), byte(v>>16)
}

// PString returns the contents of a length-prefixed string field of the
// given capacity, clamping an overlong length.
// The second result is false if the length byte had to be clamped.
func PString(b []byte, capacity int) ([]byte, bool) {
	n := int(b[0])
	ok := n <= capacity && 1+n <= len(b)
	n = min(n, capacity, len(b)-1)
	return b[1 : 1+n], ok
}

// PutPString writes a length-prefixed string, zero-filling the remainder.
func PutPString(b []byte, s []byte, capacity int) {
	s = s[:min(len(s), capacity)]
	b[0] = byte(len(s))
	n := copy(b[1:1+capacity], s)
	clear(b[1+n : 1+capacity])
}

// CString trims a fixed field at its first NUL.
func CString(b []byte) []byte {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return b[:i]
	}
	return b
}

// FromMacRoman decodes Mac OS Roman text.
func FromMacRoman(b []byte) string {
	if isASCII(b) {
		return string(b)
	}
	s, err := charmap.Macintosh.NewDecoder().Bytes(b)
	if err != nil {
		return string(b)
	}
	return string(s)
}

// ToMacRoman encodes text as Mac OS Roman.
func ToMacRoman(s string) ([]byte, error) {
	if isASCIIString(s) {
		return []byte(s), nil
	}
	b, err := charmap.Macintosh.NewEncoder().Bytes([]byte(s))
	if err != nil {
		return nil, ErrUnmappable
	}
	return b, nil
}

// FromCP437 decodes IBM code page 437, as used for ZIP names and comments.
func FromCP437(b []byte) string {
	if isASCII(b) {
		return string(b)
	}
	s, err := charmap.CodePage437.NewDecoder().Bytes(b)
	if err != nil {
		return string(b)
	}
	return string(s)
}

func ToCP437(s string) ([]byte, error) {
	if isASCIIString(s) {
		return []byte(s), nil
	}
	b, err := charmap.CodePage437.NewEncoder().Bytes([]byte(s))
	if err != nil {
		return nil, ErrUnmappable
	}
	return b, nil
}

// FromLatin1 decodes ISO 8859-1, the charset of gzip's FNAME field.
func FromLatin1(b []byte) string {
	if isASCII(b) {
		return string(b)
	}
	s, err := charmap.ISO8859_1.NewDecoder().Bytes(b)
	if err != nil {
		return string(b)
	}
	return string(s)
}

func ToLatin1(s string) ([]byte, error) {
	if isASCIIString(s) {
		return []byte(s), nil
	}
	b, err := charmap.ISO8859_1.NewEncoder().Bytes([]byte(s))
	if err != nil {
		return nil, ErrUnmappable
	}
	return b, nil
}

// ValidUTF8 reports whether the bytes can be shown as UTF-8 directly.
func ValidUTF8(b []byte) bool { return utf8.Valid(b) }

func isASCII(b []byte) bool {
	for _, c := range b {
		if c >= 0x80 {
			return false
		}
	}
	return true
}

func isASCIIString(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}
