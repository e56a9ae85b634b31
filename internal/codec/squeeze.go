// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package codec

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/elliotnunn/diskarc/archive"
)

// SqueezeMagic opens a squeezed file that carries the full SQ header:
// magic, 16-bit checksum, NUL-terminated original name.
// NuFX and AppleLink threads omit the header and start at the node count.
var SqueezeMagic = [2]byte{0x76, 0xff}

const (
	sqEOF      = 256
	sqMaxNodes = 257
	rleDelim   = 0x90
)

var errSqueeze = fmt.Errorf("%w: bad squeeze stream", archive.ErrFormat)

type squeezeReader struct {
	br   *bufio.Reader
	err  error
	init bool

	full    bool
	wantSum uint16
	sum     uint16

	tree [][2]int16
	bits uint32
	nbit uint

	last    byte
	repeats int // copies of last still to emit
	haveRLE bool
	eof     bool
}

// NewSqueezeReader decodes Huffman-plus-RLE "squeeze" data,
// with or without the full SQ header.
func NewSqueezeReader(r io.Reader) io.ReadCloser {
	return &squeezeReader{br: bufio.NewReader(r)}
}

func (s *squeezeReader) Close() error { return nil }

func (s *squeezeReader) start() error {
	magic, err := s.br.Peek(2)
	if err == nil && magic[0] == SqueezeMagic[0] && magic[1] == SqueezeMagic[1] {
		var hdr [4]byte
		if _, err := io.ReadFull(s.br, hdr[:]); err != nil {
			return errSqueeze
		}
		s.full = true
		s.wantSum = binary.LittleEndian.Uint16(hdr[2:])
		if _, err := s.br.ReadBytes(0); err != nil {
			return errSqueeze
		}
	}

	var cnt [2]byte
	if _, err := io.ReadFull(s.br, cnt[:]); err != nil {
		return errSqueeze
	}
	n := int(binary.LittleEndian.Uint16(cnt[:]))
	if n > sqMaxNodes {
		return errSqueeze
	}
	s.tree = make([][2]int16, n)
	for i := range s.tree {
		var node [4]byte
		if _, err := io.ReadFull(s.br, node[:]); err != nil {
			return errSqueeze
		}
		for j := range 2 {
			v := int16(binary.LittleEndian.Uint16(node[j*2:]))
			if v >= int16(n) || v < -(sqEOF+1) {
				return errSqueeze
			}
			s.tree[i][j] = v
		}
	}
	if n == 0 {
		s.eof = true
	}
	return nil
}

// symbol walks the tree to the next Huffman leaf.
func (s *squeezeReader) symbol() (int, error) {
	idx := int16(0)
	for steps := 0; ; steps++ {
		if steps > sqMaxNodes {
			return 0, errSqueeze
		}
		if s.nbit == 0 {
			b, err := s.br.ReadByte()
			if err != nil {
				return 0, errSqueeze // stream ended without the EOF symbol
			}
			s.bits, s.nbit = uint32(b), 8
		}
		bit := s.bits & 1
		s.bits >>= 1
		s.nbit--
		idx = s.tree[idx][bit]
		if idx < 0 {
			return int(-(idx + 1)), nil
		}
	}
}

func (s *squeezeReader) emit(p []byte, n int, b byte) int {
	p[n] = b
	s.sum += uint16(b)
	return n + 1
}

func (s *squeezeReader) Read(p []byte) (int, error) {
	if !s.init {
		s.init = true
		s.err = s.start()
	}
	n := 0
	for n < len(p) && s.err == nil {
		if s.repeats > 0 {
			s.repeats--
			n = s.emit(p, n, s.last)
			continue
		}
		if s.eof {
			if s.full && s.sum != s.wantSum {
				s.err = fmt.Errorf("%w: squeeze checksum", archive.ErrChecksum)
			} else {
				s.err = io.EOF
			}
			break
		}

		sym, err := s.symbol()
		if err != nil {
			s.err = err
			break
		}
		switch {
		case sym == sqEOF:
			s.eof = true
		case s.haveRLE:
			s.haveRLE = false
			if sym == 0 {
				s.last = rleDelim
				n = s.emit(p, n, rleDelim)
			} else {
				s.repeats = sym - 1
			}
		case sym == rleDelim:
			s.haveRLE = true
		default:
			s.last = byte(sym)
			n = s.emit(p, n, s.last)
		}
	}
	if n > 0 {
		return n, nil
	}
	return 0, s.err
}
