package sd

import (
	"errors"
	"math"
	"testing"
)

func TestParseCSD(t *testing.T) {
	for _, test := range []struct {
		name string
		csd  CSD
		want uint32
		err  error
	}{
		{
			name: "v2 976",
			csd:  CSD{0x40, 0x0e, 0x00, 0x32, 0x5b, 0x59, 0x00, 0x00, 0x03, 0xd0, 0x7f, 0x80, 0x0a, 0x40, 0x00, 0x01},
			want: 1_000_448,
		},
		{
			name: "v2 8GB",
			csd:  CSD{0x40, 0x0e, 0x00, 0x32, 0x5b, 0x59, 0x00, 0x00, 0x3b, 0x37, 0x7f, 0x80, 0x0a, 0x40, 0x00, 0x01},
			want: (0x3b37 + 1) * 1024,
		},
		{
			name: "v2 clamped",
			csd:  CSD{0x40, 0x0e, 0x00, 0x32, 0x5b, 0x59, 0x00, 0x3f, 0xff, 0xff, 0x7f, 0x80, 0x0a, 0x40, 0x00, 0x01},
			want: math.MaxUint32,
		},
		{
			// C_SIZE 1023, C_SIZE_MULT 7, READ_BL_LEN 9: 256MiB.
			name: "v1 256MB",
			csd:  CSD{0x00, 0x26, 0x00, 0x32, 0x5f, 0x59, 0x80, 0xff, 0xc0 | 0x2d, 0xb4 | 0x3, 0x80 | 0x7f, 0x80, 0x0a, 0x40, 0x00, 0x01},
			want: 524288,
		},
		{
			// C_SIZE 4095, C_SIZE_MULT 7, READ_BL_LEN 11: 4GiB.
			name: "v1 4GB",
			csd:  CSD{0x00, 0x26, 0x00, 0x32, 0x5f, 0x5b, 0x83, 0xff, 0xc0 | 0x2d, 0xb4 | 0x3, 0x80 | 0x7f, 0x80, 0x0a, 0x40, 0x00, 0x01},
			want: 1 << 23,
		},
		{name: "v3", csd: CSD{0x80}, err: ErrUnsupportedCard},
		{name: "reserved", csd: CSD{0xc0}, err: ErrUnsupportedCard},
	} {
		got, err := ParseCSD(test.csd[:])
		if !errors.Is(err, test.err) {
			t.Errorf("%s: got error %v, want %v", test.name, err, test.err)
			continue
		}
		if got != test.want {
			t.Errorf("%s: got %d blocks, want %d", test.name, got, test.want)
		}
	}
	if _, err := ParseCSD(make([]byte, 15)); !errors.Is(err, ErrResponseSize) {
		t.Errorf("short CSD: got %v, want %v", err, ErrResponseSize)
	}
}

func TestParseCID(t *testing.T) {
	b := []byte{0x03, 'S', 'D', 'S', 'U', '0', '8', 'G', 0x80, 0x12, 0x34, 0x56, 0x78, 0x01, 0x86, 0x01}
	cid, err := ParseCID(b)
	if err != nil {
		t.Fatal(err)
	}
	want := CID{
		ManufacturerID:   0x03,
		OEMID:            "SD",
		ProductName:      "SU08G",
		Revision:         0x80,
		Serial:           0x12345678,
		ManufactureYear:  2024,
		ManufactureMonth: 6,
	}
	if cid != want {
		t.Errorf("got %+v, want %+v", cid, want)
	}
	if got := cid.RevisionString(); got != "8.0" {
		t.Errorf("got revision %q, want 8.0", got)
	}
}
