package sd

import (
	"errors"
	"log/slog"
	"time"
)

const (
	// BlockSize is the only block length the engine transfers.
	BlockSize = 512
	// MaxReadBlocks is the most blocks a single read command may stream.
	MaxReadBlocks = 32
)

// Stats counts protocol events since the Card was created.
type Stats struct {
	Commands      uint32
	Timeouts      uint32
	StatusErrors  uint32
	CRCErrors     uint32
	BlocksRead    uint32
	BlocksWritten uint32
}

// Card is a session with a single SD card attached to a Bus. It is not safe
// for concurrent use.
type Card struct {
	bus Bus
	cfg Config

	busReady    bool
	initialised bool
	hcs         bool
	highSpeed   bool
	width       uint8
	rca         uint16
	numBlocks   uint32
	cid         CID
	csd         CSD
	stats       Stats

	// Scratch space reused by every exchange.
	words        [respWordsMax]uint32
	resp         [respWordsMax * 4]byte
	crcs         [MaxReadBlocks]uint64
	xfer         Transfer
	switchStatus [switchStatusLen]byte
}

const respWordsMax = (RespLong + 31) / 32

// New returns a Card that talks over bus. The bus is not touched until Init.
func New(bus Bus, cfg Config) *Card {
	cfg.setDefaults()
	return &Card{bus: bus, cfg: cfg, width: 1}
}

// Init runs the card identification sequence and leaves the card selected
// in transfer state at the fastest supported clock. It may be called again
// after the card was replaced.
func (c *Card) Init() error {
	c.initialised = false
	c.highSpeed = false
	c.width = 1
	c.numBlocks = 0
	if !c.busReady {
		if err := c.bus.Init(); err != nil {
			return err
		}
		c.busReady = true
	}
	c.bus.SetClockDiv(c.cfg.InitClockDiv)
	c.bus.EnableClock(true)

	resp := c.resp[:]
	// GO_IDLE_STATE has no response to check.
	c.Command(CmdGoIdleState, 0, RespNone, nil)

	if err := c.Command(CmdSendIfCond, ifCondCheck, RespShort, resp); err != nil {
		// SDv1 cards ignore SEND_IF_COND but still answer APP_CMD.
		if errors.Is(err, ErrTimeout) && c.Command(CmdAppCmd, 0, RespShort, resp) == nil {
			c.logerr("sd:card without SEND_IF_COND")
			return ErrUnsupportedCard
		}
		return err
	}
	if echo := responseArg(resp); echo != ifCondCheck {
		c.logerr("sd:unexpected SEND_IF_COND echo", slog.Uint64("arg", uint64(echo)))
		return ErrUnsupportedCard
	}

	ocr, err := c.powerUp()
	if err != nil {
		return err
	}
	c.hcs = ocr&OCRHCS != 0

	if err := c.Command(CmdAllSendCID, 0, RespLong, resp); err != nil {
		return err
	}
	c.cid, _ = ParseCID(resp[1:17])

	if err := c.Command(CmdSendRelativeAddr, 0, RespShort, resp); err != nil {
		return err
	}
	c.rca = uint16(resp[1])<<8 | uint16(resp[2])

	if err := c.Command(CmdSendCSD, uint32(c.rca)<<16, RespLong, resp); err != nil {
		return err
	}
	copy(c.csd[:], resp[1:17])
	numBlocks, err := c.csd.NumBlocks()
	if err != nil {
		c.logerr("sd:unknown CSD structure", slog.Int("version", int(c.csd.Version())))
		return err
	}

	if err := c.Command(CmdSelectCard, uint32(c.rca)<<16, RespShort, resp); err != nil {
		return err
	}
	if err := c.waitNotBusy(LineData); err != nil {
		return err
	}

	if _, err := c.readBlocks(CmdSwitchFunc, switchHighSpeedArg, c.switchStatus[:], 1); err != nil {
		c.warn("sd:high speed switch failed", slog.String("err", err.Error()))
	} else {
		c.highSpeed = c.switchStatus[switchStatusGroup1Idx]&0xf == 1
	}
	c.bus.SetClockDiv(c.cfg.clockDiv(c.highSpeed))

	c.numBlocks = numBlocks
	c.initialised = true
	c.info("sd:card detected",
		slog.String("type", c.TypeString()),
		slog.Uint64("blocks", uint64(numBlocks)),
		slog.Uint64("rca", uint64(c.rca)),
		slog.Bool("highspeed", c.highSpeed),
	)
	return nil
}

// powerUp polls ACMD41 until the card reports power up complete and returns
// the final OCR. Failed polls are retried until InitTimeout.
func (c *Card) powerUp() (ocr uint32, err error) {
	resp := c.resp[:]
	deadline := time.Now().Add(c.cfg.InitTimeout)
	for polls := 1; ; polls++ {
		if time.Now().After(deadline) {
			c.logerr("sd:card did not power up", slog.Int("polls", polls))
			return 0, ErrCardUnresponsive
		}
		if c.appCommand(0, resp) != nil {
			continue
		}
		if c.Command(AppCmdSendOpCond, opCondArg, RespShort, resp) != nil {
			continue
		}
		ocr = responseArg(resp)
		if ocr&OCRBusy != 0 {
			c.debug("sd:powered up", slog.Int("polls", polls), slog.Uint64("ocr", uint64(ocr)))
			return ocr, nil
		}
	}
}

func (c *Card) waitNotBusy(line Line) error {
	err := c.bus.WaitNotBusy(line, time.Now().Add(c.cfg.BusyTimeout))
	if errors.Is(err, ErrTimeout) {
		c.stats.Timeouts++
		c.warn("sd:busy timeout", slog.String("line", line.String()))
		return ErrBusyTimeout
	}
	return err
}

// setWidth switches the data bus width. A failed switch is logged and leaves
// the width unchanged; transfers then continue at the previous width.
func (c *Card) setWidth(width uint8) {
	if c.width == width {
		return
	}
	var arg uint32
	if width == 4 {
		arg = 2
	}
	resp := c.resp[:]
	err := c.appCommand(c.rca, resp)
	if err == nil {
		err = c.statusCommand(AppCmdSetBusWidth, arg, resp)
	}
	if err != nil {
		c.warn("sd:bus width switch failed", slog.Int("width", int(width)), slog.String("err", err.Error()))
		return
	}
	c.width = width
}

// address converts a block index into a command argument.
func (c *Card) address(block uint32) uint32 {
	if c.hcs {
		return block
	}
	return block * BlockSize
}

func (c *Card) checkAccess(offset uint32, n int) error {
	switch {
	case !c.initialised:
		return ErrNotInitialized
	case offset != 0:
		return ErrOffset
	case n%BlockSize != 0:
		return ErrBlockSize
	}
	return nil
}

// Size returns the block size and the number of blocks of the card.
func (c *Card) Size() (blockSize uint16, numBlocks uint32) {
	return BlockSize, c.numBlocks
}

// ReadBlocks reads len(dst)/512 consecutive blocks starting at block. offset
// must be zero. It returns the number of bytes read, which is short of
// len(dst) only if err is not nil.
func (c *Card) ReadBlocks(block, offset uint32, dst []byte) (int, error) {
	if err := c.checkAccess(offset, len(dst)); err != nil {
		return 0, err
	}
	blocks := len(dst) / BlockSize
	if blocks == 0 {
		return 0, nil
	}
	c.setWidth(4)
	addr := c.address(block)
	if blocks == 1 {
		n, err := c.readBlocks(CmdReadSingleBlock, addr, dst, 1)
		return n * BlockSize, err
	}
	read := 0
	for blocks > 0 {
		num := min(blocks, MaxReadBlocks)
		n, err := c.readBlocks(CmdReadMultipleBlock, addr, dst[read:], num)
		read += n * BlockSize
		if err != nil {
			return read, err
		}
		blocks -= num
		addr += c.address(uint32(num))
	}
	return read, nil
}

// WriteBlocks writes len(src)/512 consecutive blocks starting at block, one
// command per block. offset must be zero. It stops at the first failure and
// returns the number of bytes written.
func (c *Card) WriteBlocks(block, offset uint32, src []byte) (int, error) {
	if err := c.checkAccess(offset, len(src)); err != nil {
		return 0, err
	}
	c.setWidth(1)
	addr := c.address(block)
	written := 0
	for written < len(src) {
		if err := c.writeBlock(CmdWriteBlock, addr, src[written:written+BlockSize]); err != nil {
			return written, err
		}
		written += BlockSize
		addr += c.address(1)
	}
	return written, nil
}

// Available reports whether the card completed initialisation.
func (c *Card) Available() bool { return c.initialised }

// HighCapacity reports whether the card is block addressed (SDHC/SDXC).
func (c *Card) HighCapacity() bool { return c.hcs }

// HighSpeed reports whether the card accepted the switch to high speed mode.
func (c *Card) HighSpeed() bool { return c.highSpeed }

// BusWidth is the current number of data lines in use.
func (c *Card) BusWidth() int { return int(c.width) }

// RCA is the relative card address assigned during identification.
func (c *Card) RCA() uint16 { return c.rca }

// CID returns the identification register read during Init.
func (c *Card) CID() CID { return c.cid }

// CSD returns the raw card specific data register read during Init.
func (c *Card) CSD() CSD { return c.csd }

// Stats returns the protocol counters.
func (c *Card) Stats() Stats { return c.stats }

// TypeString names the detected card type.
func (c *Card) TypeString() string {
	if c.hcs {
		return "SDHC"
	}
	return "SDv2"
}
