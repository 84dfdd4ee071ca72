package sd

import (
	"io"
	"math"
)

var (
	_ io.ReaderAt = (*Card)(nil)
	_ io.WriterAt = (*Card)(nil)
)

// Capacity returns the card size in bytes.
func (c *Card) Capacity() int64 { return int64(c.numBlocks) * BlockSize }

// ReadAt implements io.ReaderAt for block aligned offsets and lengths.
func (c *Card) ReadAt(p []byte, off int64) (int, error) {
	block, err := c.blockAt(off, len(p))
	if err != nil {
		return 0, err
	}
	if off+int64(len(p)) > c.Capacity() {
		n, err := c.ReadBlocks(block, 0, p[:c.Capacity()-off])
		if err == nil {
			err = io.EOF
		}
		return n, err
	}
	return c.ReadBlocks(block, 0, p)
}

// WriteAt implements io.WriterAt for block aligned offsets and lengths.
func (c *Card) WriteAt(p []byte, off int64) (int, error) {
	block, err := c.blockAt(off, len(p))
	if err != nil {
		return 0, err
	}
	if off+int64(len(p)) > c.Capacity() {
		return 0, ErrOffset
	}
	return c.WriteBlocks(block, 0, p)
}

func (c *Card) blockAt(off int64, n int) (uint32, error) {
	if !c.initialised {
		return 0, ErrNotInitialized
	}
	if off < 0 || off%BlockSize != 0 || off/BlockSize > math.MaxUint32 {
		return 0, ErrOffset
	}
	if n%BlockSize != 0 {
		return 0, ErrBlockSize
	}
	if off >= c.Capacity() && n > 0 {
		return 0, io.EOF
	}
	return uint32(off / BlockSize), nil
}

// AccessMode describes what a Device allows.
type AccessMode uint8

const (
	ModeRead AccessMode = 1 << iota
	ModeWrite

	ModeRW = ModeRead | ModeWrite
)

// Device adapts a Card to the block device shape consumed by FAT
// filesystem implementations: whole blocks addressed by a 64 bit index.
type Device struct {
	card *Card
	mode AccessMode
	zero [BlockSize]byte
}

// Device returns a read-write block device backed by the card.
func (c *Card) Device() *Device { return &Device{card: c, mode: ModeRW} }

// ReadOnly returns a view of the device that rejects writes.
func (d *Device) ReadOnly() *Device { return &Device{card: d.card, mode: ModeRead} }

// Mode reports the device access mode.
func (d *Device) Mode() AccessMode { return d.mode }

// BlockSize returns the size of a single block in bytes.
func (d *Device) BlockSize() int { return BlockSize }

// NumBlocks returns the number of blocks on the card.
func (d *Device) NumBlocks() int64 { return int64(d.card.numBlocks) }

// ReadBlocks reads len(dst)/512 blocks starting at startBlock.
func (d *Device) ReadBlocks(dst []byte, startBlock int64) error {
	if err := d.checkRange(startBlock, int64(len(dst)/BlockSize)); err != nil {
		return err
	}
	_, err := d.card.ReadBlocks(uint32(startBlock), 0, dst)
	return err
}

// WriteBlocks writes len(data)/512 blocks starting at startBlock.
func (d *Device) WriteBlocks(data []byte, startBlock int64) error {
	if d.mode&ModeWrite == 0 {
		return ErrReadOnly
	}
	if err := d.checkRange(startBlock, int64(len(data)/BlockSize)); err != nil {
		return err
	}
	_, err := d.card.WriteBlocks(uint32(startBlock), 0, data)
	return err
}

// EraseSectors zeroes numBlocks blocks starting at startBlock.
func (d *Device) EraseSectors(startBlock, numBlocks int64) error {
	if d.mode&ModeWrite == 0 {
		return ErrReadOnly
	}
	if err := d.checkRange(startBlock, numBlocks); err != nil {
		return err
	}
	for i := int64(0); i < numBlocks; i++ {
		if _, err := d.card.WriteBlocks(uint32(startBlock+i), 0, d.zero[:]); err != nil {
			return err
		}
	}
	return nil
}

func (d *Device) checkRange(start, n int64) error {
	if start < 0 || n < 0 || start+n > int64(d.card.numBlocks) {
		return ErrOutOfRange
	}
	return nil
}
