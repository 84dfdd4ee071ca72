package sd

import (
	"encoding/binary"
	"math"
	"strconv"
)

// OCR bits returned by ACMD41.
const (
	OCRBusy uint32 = 1 << 31 // Set once power up has completed.
	OCRHCS  uint32 = 1 << 30 // Card capacity status: block addressed.
)

// CSD is the card specific data register.
type CSD [16]byte

// Version returns the CSD_STRUCTURE field: 0 for standard capacity layout,
// 1 for high/extended capacity layout.
func (c *CSD) Version() uint8 { return c[0] >> 6 }

// NumBlocks returns the card capacity in 512 byte blocks.
func (c *CSD) NumBlocks() (uint32, error) {
	switch c.Version() {
	case 0:
		cSize := uint64(c[6]&0x3)<<10 | uint64(c[7])<<2 | uint64(c[8]>>6)
		mult := uint(c[9]&0x3)<<1 | uint(c[10]>>7)
		readBlLen := uint(c[5] & 0xf)
		return clampBlocks((cSize + 1) << (mult + 2) << readBlLen >> 9), nil
	case 1:
		cSize := uint64(c[7]&0x3f)<<16 | uint64(c[8])<<8 | uint64(c[9])
		return clampBlocks((cSize + 1) * 1024), nil
	}
	return 0, ErrUnsupportedCard
}

func clampBlocks(n uint64) uint32 {
	if n > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(n)
}

// ParseCSD extracts the card capacity in blocks from a 16 byte CSD.
func ParseCSD(b []byte) (uint32, error) {
	var c CSD
	if copy(c[:], b) != len(c) {
		return 0, ErrResponseSize
	}
	return c.NumBlocks()
}

// CID is the card identification register.
type CID struct {
	ManufacturerID   uint8
	OEMID            string
	ProductName      string
	Revision         uint8
	Serial           uint32
	ManufactureYear  uint16
	ManufactureMonth uint8
}

// ParseCID decodes a 16 byte CID register.
func ParseCID(b []byte) (cid CID, err error) {
	if len(b) < 16 {
		return cid, ErrResponseSize
	}
	cid.ManufacturerID = b[0]
	cid.OEMID = string(b[1:3])
	cid.ProductName = string(b[3:8])
	cid.Revision = b[8]
	cid.Serial = binary.BigEndian.Uint32(b[9:13])
	cid.ManufactureYear = 2000 + (uint16(b[13]&0xf)<<4 | uint16(b[14]>>4))
	cid.ManufactureMonth = b[14] & 0xf
	return cid, nil
}

// RevisionString formats the product revision as "major.minor".
func (cid CID) RevisionString() string {
	return strconv.Itoa(int(cid.Revision>>4)) + "." + strconv.Itoa(int(cid.Revision&0xf))
}
