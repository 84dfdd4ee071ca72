package sd

import (
	"math/rand"
	"testing"
)

func TestCRC7(t *testing.T) {
	for _, test := range []struct {
		cmd  uint8
		arg  uint32
		want uint8 // final frame byte: crc<<1 | 1
	}{
		{cmd: 0, arg: 0, want: 0x95},
		{cmd: 8, arg: 0x1aa, want: 0x87},
		{cmd: 17, arg: 0, want: 0x55},
		{cmd: 55, arg: 0, want: 0x65},
		{cmd: 41, arg: 0x40000000, want: 0x77},
	} {
		frame := CommandFrame(test.cmd, test.arg)
		if frame[5] != test.want {
			t.Errorf("CMD%d(%#x): got crc byte %#x, want %#x", test.cmd, test.arg, frame[5], test.want)
		}
	}
}

func TestCRC16(t *testing.T) {
	ones := make([]byte, 512)
	for i := range ones {
		ones[i] = 0xff
	}
	for _, test := range []struct {
		name string
		data []byte
		want uint16
	}{
		{name: "check", data: []byte("123456789"), want: 0x31c3},
		{name: "ones", data: ones, want: 0x7fa1},
		{name: "zeros", data: make([]byte, 512), want: 0},
		{name: "empty", data: nil, want: 0},
	} {
		if got := CRC16(test.data); got != test.want {
			t.Errorf("%s: got %#04x, want %#04x", test.name, got, test.want)
		}
	}
}

// lineBytes returns the bits carried by DATk during a 4 bit transfer of data,
// packed into bytes.
func lineBytes(data []byte, k int) []byte {
	out := make([]byte, len(data)/4)
	bit := 0
	for _, b := range data {
		for _, nibble := range [2]byte{b >> 4, b & 0xf} {
			if nibble>>k&1 != 0 {
				out[bit/8] |= 0x80 >> (bit % 8)
			}
			bit++
		}
	}
	return out
}

func TestCRC16Wide(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	data := make([]byte, 512)
	rng.Read(data)
	crcs := CRC16Wide(data)
	for k := range crcs {
		want := CRC16(lineBytes(data, k))
		if crcs[k] != want {
			t.Errorf("DAT%d: got %#04x, want %#04x", k, crcs[k], want)
		}
	}
}

func TestPackWideCRC(t *testing.T) {
	for _, test := range []struct {
		crcs [4]uint16
		want uint64
	}{
		{crcs: [4]uint16{}, want: 0},
		{crcs: [4]uint16{0xffff, 0xffff, 0xffff, 0xffff}, want: 0xffffffffffffffff},
		{crcs: [4]uint16{0x8000, 0, 0, 0}, want: 0x1000000000000000},
		{crcs: [4]uint16{0, 0, 0, 1}, want: 0x8},
		{crcs: [4]uint16{0xffff, 0, 0, 0}, want: 0x1111111111111111},
		{crcs: [4]uint16{0, 0xff00, 0, 0}, want: 0x2222222200000000},
	} {
		if got := PackWideCRC(test.crcs); got != test.want {
			t.Errorf("PackWideCRC(%#04x): got %#016x, want %#016x", test.crcs, got, test.want)
		}
	}
}
