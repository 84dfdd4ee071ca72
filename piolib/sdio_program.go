//go:build rp2040

package piolib

import (
	"encoding/binary"

	pio "github.com/tinygo-org/pio/rp2-pio"
)

// The command and data state machines run one shared program at full system
// clock speed and follow the card clock by sampling the CLK pin. Every TX FIFO
// word carries an instruction in its upper half, usually a jump into one of
// the states below, and an argument in its lower half.
const (
	sdioTop         = 0  // Executes the upper half of the next word.
	sdioInline      = 1  // Executes the lower half of the current word.
	sdioWaitHigh    = 3  // Waits for the first IN pin to read high.
	sdioSend        = 5  // Shifts out lower half+1 bits, then releases the line.
	sdioReceive     = 13 // Waits for a start bit, then shifts in lower half+1 bits.
	sdioReceiveWide = 21 // Like sdioReceive, four pins at a time.
)

const sdioOrigin = -1

// sdioInstructions returns the command/data program for a card clocked on clk.
func sdioInstructions(clk uint8) []uint16 {
	return []uint16{
		sdioTop:
		pio.EncodeOut(pio.SrcExecOut, 16),     // 0: out    exec, 16
		pio.EncodeOut(pio.SrcExecOut, 16),     // 1: out    exec, 16
		pio.EncodeJmp(sdioTop, pio.JmpAlways), // 2: jmp    0
		sdioWaitHigh:
		pio.EncodeWaitPin(true, 0),            // 3: wait   1 pin, 0
		pio.EncodeJmp(sdioTop, pio.JmpAlways), // 4: jmp    0
		sdioSend:
		pio.EncodeOut(pio.SrcDestX, 16),             // 5: out    x, 16
		pio.EncodeSet(pio.SrcDestPinDirs, 1),        // 6: set    pindirs, 1
		pio.EncodeWaitGPIO(false, clk),              // 7: wait   0 gpio, clk
		pio.EncodeOut(pio.SrcDestPins, 1),           // 8: out    pins, 1
		pio.EncodeWaitGPIO(true, clk),               // 9: wait   1 gpio, clk
		pio.EncodeJmp(sdioSend+2, pio.JmpXNZeroDec), // 10: jmp    x--, 7
		pio.EncodeSet(pio.SrcDestPinDirs, 0),        // 11: set    pindirs, 0
		pio.EncodeJmp(sdioTop, pio.JmpAlways),       // 12: jmp    0
		sdioReceive:
		pio.EncodeOut(pio.SrcDestX, 16),                // 13: out    x, 16
		pio.EncodeWaitPin(false, 0),                    // 14: wait   0 pin, 0
		pio.EncodeWaitGPIO(true, clk),                  // 15: wait   1 gpio, clk
		pio.EncodeWaitGPIO(false, clk),                 // 16: wait   0 gpio, clk
		pio.EncodeWaitGPIO(true, clk),                  // 17: wait   1 gpio, clk
		pio.EncodeIn(pio.SrcDestPins, 1),               // 18: in     pins, 1
		pio.EncodeJmp(sdioReceive+3, pio.JmpXNZeroDec), // 19: jmp    x--, 16
		pio.EncodeJmp(sdioTop, pio.JmpAlways),          // 20: jmp    0
		sdioReceiveWide:
		pio.EncodeOut(pio.SrcDestX, 16),                    // 21: out    x, 16
		pio.EncodeWaitPin(false, 0),                        // 22: wait   0 pin, 0
		pio.EncodeWaitGPIO(true, clk),                      // 23: wait   1 gpio, clk
		pio.EncodeWaitGPIO(false, clk),                     // 24: wait   0 gpio, clk
		pio.EncodeWaitGPIO(true, clk),                      // 25: wait   1 gpio, clk
		pio.EncodeIn(pio.SrcDestPins, 4),                   // 26: in     pins, 4
		pio.EncodeJmp(sdioReceiveWide+3, pio.JmpXNZeroDec), // 27: jmp    x--, 24
		pio.EncodeJmp(sdioTop, pio.JmpAlways),              // 28: jmp    0
	}
}

// sdioClockInstructions toggles the single side-set pin every cycle, so the
// card clock runs at half the state machine clock.
var sdioClockInstructions = []uint16{
	//     .wrap_target
	pio.EncodeNOP() | pio.EncodeSideSet(1, 1), //  0: nop                    side 1
	pio.EncodeNOP() | pio.EncodeSideSet(1, 0), //  1: nop                    side 0
	//     .wrap
}

// sdioWord packs a state jump and its argument into one TX FIFO word.
func sdioWord(offset, state uint8, arg uint16) uint32 {
	return uint32(pio.EncodeJmp(offset+state, pio.JmpAlways))<<16 | uint32(arg)
}

// sdioInlineWord makes the state machine execute instr.
func sdioInlineWord(offset uint8, instr uint16) uint32 {
	return sdioWord(offset, sdioInline, instr)
}

// sdioWritePreamble is the number of idle high bits sent ahead of the start
// bit of a write. It makes the send state end on the half word boundary that
// holds the jump to the CRC status token reception.
const sdioWritePreamble = 30

// bitPacker packs bit fields most significant bit first into words.
type bitPacker struct {
	words []uint32
	n     int
	acc   uint64
	bits  uint
}

func (p *bitPacker) put(v uint32, bits uint) {
	p.acc = p.acc<<bits | uint64(v)&(1<<bits-1)
	p.bits += bits
	for p.bits >= 32 {
		p.bits -= 32
		p.words[p.n] = uint32(p.acc >> p.bits)
		p.n++
	}
}

// packWrite fills dst with the TX FIFO words that follow the returned header
// word for a single 1 bit block write: preamble, start bit, data, CRC and end
// bit. The line is released right after the end bit, then a jump and a final
// word receive the three status bits and end bit of the CRC status token,
// which the card starts two clocks later. It returns the number of words used.
func packWrite(dst []uint32, offset uint8, data []byte, crc uint16) (header uint32, n int) {
	sendBits := sdioWritePreamble + 1 + len(data)*8 + 16 + 1
	p := bitPacker{words: dst}
	p.put((1<<sdioWritePreamble-1)<<1, sdioWritePreamble+1)
	for i := 0; i+4 <= len(data); i += 4 {
		p.put(binary.BigEndian.Uint32(data[i:]), 32)
	}
	p.put(uint32(crc)<<1|1, 16+1)
	p.put(uint32(pio.EncodeJmp(offset+sdioReceive, pio.JmpAlways)), 16)
	dst[p.n] = (4-1)<<16 | uint32(pio.EncodeIn(pio.SrcDestNull, 32-4))
	return sdioWord(offset, sdioSend, uint16(sendBits-1)), p.n + 1
}
