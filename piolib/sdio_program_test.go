//go:build rp2040

package piolib

import (
	"testing"

	pio "github.com/tinygo-org/pio/rp2-pio"
)

func TestSDIOProgram(t *testing.T) {
	const clk = 5
	program := sdioInstructions(clk)
	var expectedProgram = []uint16{
		0x60f0, //  0: out    exec, 16
		0x60f0, //  1: out    exec, 16
		0x0000, //  2: jmp    0
		0x20a0, //  3: wait   1 pin, 0
		0x0000, //  4: jmp    0
		0x6030, //  5: out    x, 16
		0xe081, //  6: set    pindirs, 1
		0x2005, //  7: wait   0 gpio, 5
		0x6001, //  8: out    pins, 1
		0x2085, //  9: wait   1 gpio, 5
		0x0047, // 10: jmp    x--, 7
		0xe080, // 11: set    pindirs, 0
		0x0000, // 12: jmp    0
		0x6030, // 13: out    x, 16
		0x2020, // 14: wait   0 pin, 0
		0x2085, // 15: wait   1 gpio, 5
		0x2005, // 16: wait   0 gpio, 5
		0x2085, // 17: wait   1 gpio, 5
		0x4001, // 18: in     pins, 1
		0x0050, // 19: jmp    x--, 16
		0x0000, // 20: jmp    0
		0x6030, // 21: out    x, 16
		0x2020, // 22: wait   0 pin, 0
		0x2085, // 23: wait   1 gpio, 5
		0x2005, // 24: wait   0 gpio, 5
		0x2085, // 25: wait   1 gpio, 5
		0x4004, // 26: in     pins, 4
		0x0058, // 27: jmp    x--, 24
		0x0000, // 28: jmp    0
	}
	if len(program) != len(expectedProgram) {
		t.Fatalf("program length %d, want %d", len(program), len(expectedProgram))
	}
	for i := range program {
		if program[i] != expectedProgram[i] {
			t.Errorf("instr %d mismatch got!=expected: %#x != %#x", i, program[i], expectedProgram[i])
		}
	}
	if len(program)+len(sdioClockInstructions) > 32 {
		t.Error("programs do not fit in one PIO block")
	}
}

func TestSDIOClockProgram(t *testing.T) {
	expected := []uint16{
		0xb042, //  0: nop                    side 1
		0xa042, //  1: nop                    side 0
	}
	for i := range expected {
		if sdioClockInstructions[i] != expected[i] {
			t.Errorf("instr %d mismatch got!=expected: %#x != %#x", i, sdioClockInstructions[i], expected[i])
		}
	}
}

func TestSDIOWords(t *testing.T) {
	const offset = 3
	for _, test := range []struct {
		name string
		got  uint32
		want uint32
	}{
		{"command", sdioWord(offset, sdioSend, 48-1), 0x0008_002f},
		{"receive", sdioWord(offset, sdioReceive, 136-1), 0x0010_0087},
		{"pad", sdioInlineWord(offset, 0x4070), 0x0004_4070},
		{"release", sdioInlineWord(offset, 0xe080), 0x0004_e080},
	} {
		if test.got != test.want {
			t.Errorf("%s: got %#08x, want %#08x", test.name, test.got, test.want)
		}
	}
}

func TestPIODREQ(t *testing.T) {
	if got := pioDREQ(0, 2, false); got != 0x2 {
		t.Errorf("PIO0 TX2: got %#x", got)
	}
	if got := pioDREQ(1, 3, true); got != 0xf {
		t.Errorf("PIO1 RX3: got %#x", got)
	}
}

func TestPackWrite(t *testing.T) {
	const offset = 3
	data := make([]byte, 512)
	for i := range data {
		data[i] = byte(i*7 + 1)
	}
	const crc = 0xbeef
	var words [512/4 + 3]uint32
	header, n := packWrite(words[:], offset, data, crc)
	const sendBits = 30 + 1 + 512*8 + 16 + 1
	if want := sdioWord(offset, sdioSend, sendBits-1); header != want {
		t.Fatalf("header %#08x, want %#08x", header, want)
	}
	if n != len(words) {
		t.Fatalf("got %d words, want %d", n, len(words))
	}
	bit := func(i int) uint32 { return words[i/32] >> (31 - i%32) & 1 }
	field := func(start, bits int) (v uint32) {
		for i := start; i < start+bits; i++ {
			v = v<<1 | bit(i)
		}
		return v
	}
	if got := field(0, 31); got != 0x7fff_fffe {
		t.Errorf("preamble and start bit %#x, want 0x7ffffffe", got)
	}
	for i, b := range data {
		if got := field(31+8*i, 8); got != uint32(b) {
			t.Fatalf("data byte %d: got %#x, want %#x", i, got, b)
		}
	}
	if got := field(31+512*8, 16); got != crc {
		t.Errorf("crc %#x, want %#x", got, crc)
	}
	if bit(sendBits-1) != 1 {
		t.Error("missing end bit")
	}
	// The send state stops on the end bit; the rest of its word is the jump
	// that catches the CRC status token.
	if sendBits%32 != 16 {
		t.Fatalf("send ends at bit %d of its word, want 16", sendBits%32)
	}
	if got, want := uint16(words[sendBits/32]), pio.EncodeJmp(offset+sdioReceive, pio.JmpAlways); got != want {
		t.Errorf("token jump %#04x, want %#04x", got, want)
	}
	if got, want := words[n-1], uint32(3)<<16|uint32(pio.EncodeIn(pio.SrcDestNull, 28)); got != want {
		t.Errorf("token word %#08x, want %#08x", got, want)
	}
}
