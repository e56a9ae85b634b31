// Copyright (c) Elliot Nunn
// Licensed under the MIT license

// Package checksum has the checksums the archive formats use:
// CRC-16/XMODEM, CRC-32 and a byte-wide XOR.
package checksum

var crctab [256]uint16

func init() {
	for i := range uint16(256) {
		k := i << 8
		for range 8 {
			if k&0x8000 != 0 {
				k = k<<1 ^ 0x1021
			} else {
				k <<= 1
			}
		}
		crctab[i] = k
	}
}

// UpdateCRC16 continues a CRC-16/XMODEM (polynomial 0x1021, MSB first).
func UpdateCRC16(crc uint16, buf []byte) uint16 {
	for _, ch := range buf {
		crc = crctab[byte(crc>>8)^ch] ^ crc<<8
	}
	return crc
}

func CRC16(seed uint16, buf []byte) uint16 { return UpdateCRC16(seed, buf) }

type CRC16Sum struct {
	seed, crc uint16
}

func NewCRC16(seed uint16) *CRC16Sum { return &CRC16Sum{seed, seed} }

func (c *CRC16Sum) Update(p []byte) { c.crc = UpdateCRC16(c.crc, p) }
func (c *CRC16Sum) Reset()          { c.crc = c.seed }
func (c *CRC16Sum) Value() uint32   { return uint32(c.crc) }
