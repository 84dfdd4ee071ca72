package sd

import (
	"encoding/binary"
	"errors"
	"log/slog"
	"time"
)

// Command indices used by the engine.
const (
	CmdGoIdleState        = 0
	CmdAllSendCID         = 2
	CmdSendRelativeAddr   = 3
	CmdSwitchFunc         = 6
	CmdSelectCard         = 7
	CmdSendIfCond         = 8
	CmdSendCSD            = 9
	CmdStopTransmission   = 12
	CmdReadSingleBlock    = 17
	CmdReadMultipleBlock  = 18
	CmdWriteBlock         = 24
	CmdAppCmd             = 55
	AppCmdSetBusWidth     = 6
	AppCmdSendOpCond      = 41
	ifCondCheck           = 0x1AA
	opCondArg             = 1<<30 | 1<<20 // HCS, 3.2-3.3V
	switchHighSpeedArg    = 0x80FFFFF1
	switchStatusLen       = 64
	switchStatusGroup1Idx = 16
)

// Response lengths in bits.
const (
	RespNone  = 0
	RespShort = 48
	RespLong  = 136
)

// respWords is the number of 32 bit words a response of bits occupies.
func respWords(bits int) int { return (bits + 31) / 32 }

// CommandFrame builds the 48 bit frame of command cmd with argument arg:
// start and transmission bits, index, big endian argument, CRC7 and end bit.
func CommandFrame(cmd uint8, arg uint32) (frame [6]byte) {
	frame[0] = 0x40 | cmd&0x3f
	binary.BigEndian.PutUint32(frame[1:5], arg)
	frame[5] = CRC7(frame[:5])<<1 | 1
	return frame
}

// alignResponse restores the response start bit that is consumed while
// waiting for the response: the whole captured buffer is shifted right by one
// bit and written big endian into dst.
func alignResponse(words []uint32, dst []byte) {
	for i := len(words) - 1; i > 0; i-- {
		words[i] = words[i]>>1 | words[i-1]<<31
	}
	words[0] >>= 1
	for i, w := range words {
		binary.BigEndian.PutUint32(dst[i*4:], w)
	}
}

// responseArg returns the 32 bit payload of a 48 bit response.
func responseArg(resp []byte) uint32 {
	return binary.BigEndian.Uint32(resp[1:5])
}

// checkStatus interprets bytes 1-4 of an R1 response as the card status
// register and fails if any error bit is set.
func checkStatus(resp []byte) error {
	status := responseArg(resp)
	if status&StatusErrorMask != 0 {
		return &StatusError{Status: status}
	}
	return nil
}

// Command sends cmd with argument arg. If respBits is RespShort or RespLong
// the response is captured into resp, which must hold at least
// 4*ceil(respBits/32) bytes. Only transport success is checked; status
// bearing responses must be validated by the caller.
func (c *Card) Command(cmd uint8, arg uint32, respBits int, resp []byte) error {
	words := c.words[:respWords(respBits)]
	if len(resp) < len(words)*4 {
		return &CommandError{Cmd: cmd, Err: ErrResponseSize}
	}
	frame := CommandFrame(cmd, arg)
	c.stats.Commands++
	err := c.bus.Command(&frame, respBits, words, time.Now().Add(c.cfg.CommandTimeout))
	if err != nil {
		if errors.Is(err, ErrTimeout) {
			c.stats.Timeouts++
		}
		c.debug("sd:cmd failed", slog.Int("cmd", int(cmd)), slog.Uint64("arg", uint64(arg)), slog.String("err", err.Error()))
		return &CommandError{Cmd: cmd, Err: err}
	}
	if respBits != RespNone {
		alignResponse(words, resp)
	}
	return nil
}

// statusCommand sends a command with an R1 response and validates the
// returned card status.
func (c *Card) statusCommand(cmd uint8, arg uint32, resp []byte) error {
	if err := c.Command(cmd, arg, RespShort, resp); err != nil {
		return err
	}
	if err := checkStatus(resp); err != nil {
		c.stats.StatusErrors++
		c.debug("sd:cmd status", slog.Int("cmd", int(cmd)), slog.Uint64("status", uint64(responseArg(resp))))
		return &CommandError{Cmd: cmd, Err: err}
	}
	return nil
}

// appCommand prefixes the next command with APP_CMD.
func (c *Card) appCommand(rca uint16, resp []byte) error {
	return c.statusCommand(CmdAppCmd, uint32(rca)<<16, resp)
}
