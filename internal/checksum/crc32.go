// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package checksum

import "hash/crc32"

// CRC32Sum is the IEEE CRC-32 used by ZIP and gzip.
type CRC32Sum struct {
	seed, crc uint32
}

func NewCRC32(seed uint32) *CRC32Sum { return &CRC32Sum{seed, seed} }

func (c *CRC32Sum) Update(p []byte) { c.crc = crc32.Update(c.crc, crc32.IEEETable, p) }
func (c *CRC32Sum) Reset()          { c.crc = c.seed }
func (c *CRC32Sum) Value() uint32   { return c.crc }

// XORSum is the Apple II cassette checksum: every byte XORed into a seed.
type XORSum struct {
	seed, v byte
}

func NewXOR(seed byte) *XORSum { return &XORSum{seed, seed} }

func (x *XORSum) Update(p []byte) {
	for _, b := range p {
		x.v ^= b
	}
}
func (x *XORSum) Reset()        { x.v = x.seed }
func (x *XORSum) Value() uint32 { return uint32(x.v) }

func XOR(seed byte, p []byte) byte {
	x := NewXOR(seed)
	x.Update(p)
	return x.v
}
