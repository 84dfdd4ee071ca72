package sd

// CRC7 returns the 7 bit CRC used to protect command and response frames.
// Generator polynomial is x^7 + x^3 + 1.
func CRC7(data []byte) uint8 {
	var v uint8
	for _, b := range data {
		v = (v << 1) ^ b
		if v&0x80 != 0 {
			v ^= 0x89
		}
		for i := 0; i < 7; i++ {
			v <<= 1
			if v&0x80 != 0 {
				v ^= 0x89
			}
		}
	}
	return v & 0x7f
}

// CRC16 returns the CRC16-CCITT (XMODEM, initial value 0) of data as used on
// a single data line.
func CRC16(data []byte) uint16 {
	var v uint16
	for _, b := range data {
		v ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if v&0x8000 != 0 {
				v = (v << 1) ^ 0x1021
			} else {
				v <<= 1
			}
		}
	}
	return v
}

// CRC16Wide returns the four CRC16s of a 4 bit wide transfer of data. Each
// byte is clocked out high nibble first and nibble bit k is carried by DATk,
// so index k of the result is the CRC of line DATk.
func CRC16Wide(data []byte) (crcs [4]uint16) {
	for _, b := range data {
		crc16WideNibble(&crcs, b>>4)
		crc16WideNibble(&crcs, b&0xf)
	}
	return crcs
}

func crc16WideNibble(crcs *[4]uint16, nibble byte) {
	for k := range crcs {
		bit := uint16(nibble>>k) & 1
		c := crcs[k]
		feedback := (c >> 15) ^ bit
		c <<= 1
		if feedback != 0 {
			c ^= 0x1021
		}
		crcs[k] = c
	}
}

// PackWideCRC returns the 64 bit CRC trailer of a 4 bit wide block as it
// appears on the bus: 16 nibbles, first nibble in the top bits, where bit k
// of nibble j is bit 15-j of crcs[k].
func PackWideCRC(crcs [4]uint16) uint64 {
	var v uint64
	for j := 0; j < 16; j++ {
		var nibble uint64
		for k := range crcs {
			nibble |= uint64(crcs[k]>>(15-j)&1) << k
		}
		v = v<<4 | nibble
	}
	return v
}
