package sdsim

import (
	"encoding/binary"

	"github.com/blit32/sdpio/sd"
)

// buildCSD returns a CSD describing at most blocks 512 byte blocks and the
// capacity it actually encodes. Version 2 capacities are multiples of 1024
// blocks; version 1 capacities are (C_SIZE+1) * 2^(C_SIZE_MULT+2) units of
// 2^READ_BL_LEN bytes.
func buildCSD(blocks uint32, highCapacity bool) (csd sd.CSD, encoded uint32) {
	if highCapacity {
		cSize := blocks / 1024
		if cSize > 0 {
			cSize--
		}
		cSize = min(cSize, 0x3fffff)
		csd = sd.CSD{
			0x40, 0x0e, 0x00, 0x32, 0x5b, 0x59, 0x00,
			byte(cSize >> 16 & 0x3f), byte(cSize >> 8), byte(cSize),
			0x7f, 0x80, 0x0a, 0x40, 0x00, 0x00,
		}
		encoded = (cSize + 1) * 1024
	} else {
		cSize, mult, blLen := v1Geometry(blocks)
		csd = sd.CSD{
			0x00, 0x26, 0x00, 0x32, 0x5f, 0x50 | blLen,
			0x80 | byte(cSize>>10&0x3),
			byte(cSize >> 2),
			byte(cSize&0x3)<<6 | 0x2d,
			0xb4 | mult>>1&0x3,
			(mult&1)<<7 | 0x7f,
			0x80, 0x0a, 0x40, 0x00, 0x00,
		}
		encoded = uint32(min(uint64(cSize+1)<<(mult+2)<<blLen>>9, 0xffffffff))
	}
	csd[15] = sd.CRC7(csd[:15])<<1 | 1
	return csd, encoded
}

// v1Geometry picks the smallest allocation unit that can encode blocks
// exactly, or the largest capacity below it when none can.
func v1Geometry(blocks uint32) (cSize uint32, mult, blLen uint8) {
	for bl := uint8(9); bl <= 11; bl++ {
		for m := uint8(0); m <= 7; m++ {
			unit := uint32(1) << (m + 2 + bl - 9)
			if blocks%unit == 0 && blocks/unit >= 1 && blocks/unit <= 4096 {
				return blocks/unit - 1, m, bl
			}
		}
	}
	for bl := uint8(9); bl <= 11; bl++ {
		for m := uint8(0); m <= 7; m++ {
			unit := uint32(1) << (m + 2 + bl - 9)
			if blocks/unit <= 4096 {
				return max(blocks/unit, 1) - 1, m, bl
			}
		}
	}
	return 4095, 7, 11
}

// buildCID returns the identification register of the simulated card.
func buildCID(serial uint32) (cid [16]byte) {
	const year, month = 2024 - 2000, 6
	cid[0] = 0x1d
	copy(cid[1:3], "SD")
	copy(cid[3:8], "SDSIM")
	cid[8] = 0x10
	binary.BigEndian.PutUint32(cid[9:13], serial)
	cid[13] = year >> 4
	cid[14] = (year&0xf)<<4 | month
	cid[15] = sd.CRC7(cid[:15])<<1 | 1
	return cid
}

// switchStatus returns the 64 byte function status block of CMD6 for
// function group 1.
func switchStatus(highSpeedSupported, switched bool) (status [64]byte) {
	status[1] = 0xc8 // 200mA
	status[13] = 0x01
	if highSpeedSupported {
		status[13] |= 0x02
	}
	if switched {
		status[16] = 0x01
	} else if !highSpeedSupported {
		status[16] = 0x0f
	}
	return status
}

// packResponse converts a response as it appears on the CMD line into the
// words a bus capture yields: the start bit is consumed while waiting for the
// response, the following respBits bits are shifted in most significant bit
// first, the line reads high past the end of the response and the last word
// is zero padded.
func packResponse(resp []byte, respBits int, words []uint32) {
	clear(words)
	for i := 0; i < respBits; i++ {
		bit := uint32(1)
		if pos := i + 1; pos < len(resp)*8 {
			bit = uint32(resp[pos/8]>>(7-pos%8)) & 1
		}
		words[i/32] |= bit << (31 - i%32)
	}
}

// r6Status condenses a card status word into the 16 bits carried by R6.
func r6Status(status uint32) uint16 {
	return uint16(status>>8&0xc000 | status>>6&0x2000 | status&0x1fff)
}
