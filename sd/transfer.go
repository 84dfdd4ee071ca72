package sd

import (
	"errors"
	"log/slog"
	"time"
)

// readBlocks reads count blocks with a data command into buf and returns the
// number of blocks received intact. CMD6 transfers a 64 byte status block;
// every other command transfers 512 byte blocks.
func (c *Card) readBlocks(cmd uint8, addr uint32, buf []byte, count int) (int, error) {
	if count > MaxReadBlocks {
		return 0, ErrTooManyBlocks
	}
	blockLen := BlockSize
	if cmd == CmdSwitchFunc {
		blockLen = switchStatusLen
	}
	if len(buf) < count*blockLen {
		return 0, ErrBlockSize
	}
	t := &c.xfer
	*t = Transfer{
		Cmd:      cmd,
		BlockLen: blockLen,
		Width:    int(c.width),
		Blocks:   count,
		Data:     buf[:count*blockLen],
		CRC:      c.crcs[:count],
	}
	if err := c.bus.ArmRead(t); err != nil {
		return 0, err
	}
	if err := c.statusCommand(cmd, addr, c.resp[:]); err != nil {
		c.bus.ResetData()
		return 0, err
	}

	n, err := c.bus.ReadData(t, time.Now().Add(c.cfg.DataTimeout))
	if err != nil {
		if errors.Is(err, ErrTimeout) {
			c.stats.Timeouts++
		}
		c.bus.ResetData()
		c.debug("sd:read data failed", slog.Int("cmd", int(cmd)), slog.Int("blocks", n), slog.String("err", err.Error()))
		err = &CommandError{Cmd: cmd, Err: err}
	}
	if !c.cfg.SkipCRC {
		for i := 0; i < n; i++ {
			if t.CRC[i] != t.BlockCRC(i) {
				c.stats.CRCErrors++
				c.warn("sd:data CRC mismatch", slog.Int("cmd", int(cmd)), slog.Uint64("addr", uint64(addr)), slog.Int("block", i))
				n = i
				err = &CommandError{Cmd: cmd, Err: ErrDataCRC}
				break
			}
		}
	}
	if cmd == CmdReadMultipleBlock {
		// The card keeps streaming until told to stop, also after a failure.
		if stopErr := c.stopTransmission(); err == nil {
			err = stopErr
		}
	}
	if blockLen == BlockSize {
		c.stats.BlocksRead += uint32(n)
	}
	return n, err
}

func (c *Card) stopTransmission() error {
	// The status of STOP_TRANSMISSION reflects the aborted read and may carry
	// OUT_OF_RANGE after the last block of the card, so it is not checked.
	if err := c.Command(CmdStopTransmission, 0, RespShort, c.resp[:]); err != nil {
		return err
	}
	return c.waitNotBusy(LineData)
}

// writeBlock writes one block with a 1 bit wide data phase and waits for the
// card to finish programming it.
func (c *Card) writeBlock(cmd uint8, addr uint32, buf []byte) error {
	if c.width != 1 {
		return ErrBusWidth
	}
	if len(buf) < BlockSize {
		return ErrBlockSize
	}
	t := &c.xfer
	*t = Transfer{
		Cmd:      cmd,
		BlockLen: BlockSize,
		Width:    1,
		Blocks:   1,
		Data:     buf[:BlockSize],
		CRC:      c.crcs[:1],
	}
	t.CRC[0] = t.BlockCRC(0)
	if err := c.bus.ArmWrite(t); err != nil {
		return err
	}
	if err := c.statusCommand(cmd, addr, c.resp[:]); err != nil {
		c.bus.ResetData()
		return err
	}
	if err := c.bus.WriteData(t, time.Now().Add(c.cfg.DataTimeout)); err != nil {
		if errors.Is(err, ErrTimeout) {
			c.stats.Timeouts++
		}
		c.bus.ResetData()
		c.debug("sd:write data failed", slog.Uint64("addr", uint64(addr)), slog.String("err", err.Error()))
		return &CommandError{Cmd: cmd, Err: err}
	}
	if err := c.waitNotBusy(LineData); err != nil {
		return err
	}
	c.stats.BlocksWritten++
	return nil
}
