package sdsim

import (
	"io"
	"os"

	"github.com/blit32/sdpio/sd"
)

// Image is the storage behind a simulated card.
type Image interface {
	io.ReaderAt
	io.WriterAt
}

// memImage is a sparse in memory image. Blocks never written read as zero.
type memImage struct {
	blocks map[int64]*[sd.BlockSize]byte
}

// NewMemory returns an empty sparse image.
func NewMemory() Image {
	return &memImage{blocks: make(map[int64]*[sd.BlockSize]byte)}
}

func (m *memImage) ReadAt(p []byte, off int64) (int, error) {
	n := 0
	for n < len(p) {
		pos := off + int64(n)
		blk, ok := m.blocks[pos/sd.BlockSize]
		k := min(len(p)-n, sd.BlockSize-int(pos%sd.BlockSize))
		if ok {
			copy(p[n:n+k], blk[pos%sd.BlockSize:])
		} else {
			clear(p[n : n+k])
		}
		n += k
	}
	return n, nil
}

func (m *memImage) WriteAt(p []byte, off int64) (int, error) {
	n := 0
	for n < len(p) {
		pos := off + int64(n)
		blk, ok := m.blocks[pos/sd.BlockSize]
		if !ok {
			blk = new([sd.BlockSize]byte)
			m.blocks[pos/sd.BlockSize] = blk
		}
		n += copy(blk[pos%sd.BlockSize:], p[n:])
	}
	return n, nil
}

// Open returns a card backed by the image file at path. If cfg.Blocks is zero
// the capacity is taken from the file size. The file must be closed with Close.
func Open(path string, cfg Config) (*Card, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	if cfg.Blocks == 0 {
		fi, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, err
		}
		cfg.Blocks = uint32(fi.Size() / sd.BlockSize)
	}
	cfg.Image = f
	c := New(cfg)
	c.closer = f
	return c, nil
}

// Close releases the image file opened by Open.
func (c *Card) Close() error {
	if c.closer == nil {
		return nil
	}
	err := c.closer.Close()
	c.closer = nil
	return err
}
