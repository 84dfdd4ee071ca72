// Package sdsim models an SD card on the native SD bus. A Card implements
// sd.Bus so the protocol engine can be exercised without hardware: commands
// are decoded and checked, responses are produced bit exact and data blocks
// are served from an Image with their line CRCs.
package sdsim

import (
	"encoding/binary"
	"io"
	"time"

	"github.com/blit32/sdpio/sd"
)

const (
	defaultRCA    = 0x1234
	defaultSerial = 0xc0ffee01
	ocrVoltage    = 0x00ff8000 // 2.7-3.6V
)

// Config describes the simulated card.
type Config struct {
	// Blocks is the requested capacity. The card reports the closest
	// capacity its CSD version can encode that does not exceed it.
	Blocks uint32
	// HighCapacity selects a block addressed card with a version 2 CSD.
	// Otherwise the card is byte addressed with a version 1 CSD.
	HighCapacity bool
	// ReadyAfter is the number of ACMD41 polls answered with power up
	// still in progress.
	ReadyAfter int
	RCA        uint16
	Serial     uint32
	// NoHighSpeed makes the card reject the switch to high speed mode.
	NoHighSpeed bool
	// RejectIfCond makes the card ignore SEND_IF_COND like an SDv1 card.
	RejectIfCond bool
	// Image backs the card. Nil selects a sparse memory image.
	Image Image
}

// Command is an entry of the command log.
type Command struct {
	Index uint8
	Arg   uint32
	// App is set for application commands sent after APP_CMD.
	App bool
}

type dataPhase uint8

const (
	phaseNone dataPhase = iota
	phaseRead
	phaseWrite
)

// Card is a simulated SD card. It is not safe for concurrent use.
type Card struct {
	cfg       Config
	cid       [16]byte
	csd       sd.CSD
	numBlocks uint32
	img       Image
	closer    io.Closer

	state      sd.CardState
	rca        uint16
	appCmd     bool
	polls      int
	ocr        uint32
	width      int
	highSpeed  bool
	pendingErr uint32
	busy       bool

	phase   dataPhase
	next    uint32 // next block of the current data phase
	multi   bool
	blockLn int

	clockDiv   uint16
	clockOn    bool
	initCalls  int
	log        []Command
	failRead   map[uint32]bool
	corrupt    map[uint32]bool
	failWrite  map[uint32]bool
	failCmd    map[uint8]bool
	unrespond  bool
	stuckBusy  bool
	out        [17]byte
	switchStat [64]byte
}

var _ sd.Bus = (*Card)(nil)

// New returns a powered down card described by cfg.
func New(cfg Config) *Card {
	if cfg.RCA == 0 {
		cfg.RCA = defaultRCA
	}
	if cfg.Serial == 0 {
		cfg.Serial = defaultSerial
	}
	c := &Card{
		cfg:       cfg,
		cid:       buildCID(cfg.Serial),
		img:       cfg.Image,
		failRead:  make(map[uint32]bool),
		corrupt:   make(map[uint32]bool),
		failWrite: make(map[uint32]bool),
		failCmd:   make(map[uint8]bool),
	}
	c.csd, c.numBlocks = buildCSD(cfg.Blocks, cfg.HighCapacity)
	if c.img == nil {
		c.img = NewMemory()
	}
	c.reset()
	return c
}

func (c *Card) reset() {
	c.state = sd.StateIdle
	c.rca = 0
	c.appCmd = false
	c.polls = 0
	c.ocr = ocrVoltage
	c.width = 1
	c.highSpeed = false
	c.pendingErr = 0
	c.busy = false
	c.phase = phaseNone
}

// NumBlocks is the capacity encoded in the card's CSD.
func (c *Card) NumBlocks() uint32 { return c.numBlocks }

// CSD returns the card specific data register.
func (c *Card) CSD() sd.CSD { return c.csd }

// State returns the current card state.
func (c *Card) State() sd.CardState { return c.state }

// Width returns the data bus width the card is configured for.
func (c *Card) Width() int { return c.width }

// HighSpeed reports whether the card switched to high speed mode.
func (c *Card) HighSpeed() bool { return c.highSpeed }

// ClockDiv returns the last clock divider set by the host.
func (c *Card) ClockDiv() uint16 { return c.clockDiv }

// Image returns the storage behind the card.
func (c *Card) Image() Image { return c.img }

// Commands returns the commands received since the last ResetLog.
func (c *Card) Commands() []Command { return c.log }

// ResetLog clears the command log.
func (c *Card) ResetLog() { c.log = c.log[:0] }

// FailReadAt makes reads of block time out before its data is sent.
func (c *Card) FailReadAt(block uint32) { c.failRead[block] = true }

// CorruptReadAt makes reads of block deliver a wrong CRC.
func (c *Card) CorruptReadAt(block uint32) { c.corrupt[block] = true }

// FailWriteAt makes writes of block time out during the data phase.
func (c *Card) FailWriteAt(block uint32) { c.failWrite[block] = true }

// FailCommand makes the card ignore every command with index cmd,
// application commands included.
func (c *Card) FailCommand(cmd uint8) { c.failCmd[cmd] = true }

// SetUnresponsive makes the card ignore all commands, as if removed.
func (c *Card) SetUnresponsive(v bool) { c.unrespond = v }

// SetStuckBusy makes the card hold its busy signal forever.
func (c *Card) SetStuckBusy(v bool) { c.stuckBusy = v }

// Init implements sd.Bus.
func (c *Card) Init() error {
	c.initCalls++
	return nil
}

// InitCalls reports how many times the bus was initialised.
func (c *Card) InitCalls() int { return c.initCalls }

// SetClockDiv implements sd.Bus.
func (c *Card) SetClockDiv(div uint16) { c.clockDiv = div }

// EnableClock implements sd.Bus.
func (c *Card) EnableClock(enabled bool) { c.clockOn = enabled }

func (c *Card) status() uint32 {
	s := c.pendingErr | c.state.StatusBits()
	if c.state == sd.StateTran {
		s |= sd.StatusReadyForData
	}
	if c.appCmd {
		s |= sd.StatusAppCmd
	}
	return s
}

// Command implements sd.Bus.
func (c *Card) Command(frame *[6]byte, respBits int, resp []uint32, deadline time.Time) error {
	if len(resp) < (respBits+31)/32 {
		return sd.ErrResponseSize
	}
	if !c.clockOn {
		return c.noResponse(respBits)
	}
	if frame[0]&0xc0 != 0x40 || frame[5]&1 != 1 || frame[5]>>1 != sd.CRC7(frame[:5]) {
		c.pendingErr |= sd.StatusComCRCError
		return c.noResponse(respBits)
	}
	cmd := frame[0] & 0x3f
	arg := binary.BigEndian.Uint32(frame[1:5])
	app := c.appCmd
	c.log = append(c.log, Command{Index: cmd, Arg: arg, App: app})
	if c.unrespond || c.failCmd[cmd] {
		c.appCmd = false
		return c.noResponse(respBits)
	}
	n := c.execute(cmd, arg, app)
	if cmd != sd.CmdAppCmd || n == 0 {
		c.appCmd = false
	}
	if n == 0 {
		return c.noResponse(respBits)
	}
	if respBits != sd.RespNone {
		packResponse(c.out[:n], respBits, resp)
	}
	return nil
}

func (c *Card) noResponse(respBits int) error {
	if respBits == sd.RespNone {
		return nil
	}
	return sd.ErrTimeout
}

// execute runs a command and writes its response into c.out, returning the
// response length in bytes or 0 if the card does not respond.
func (c *Card) execute(cmd uint8, arg uint32, app bool) int {
	if app {
		switch cmd {
		case sd.AppCmdSendOpCond:
			return c.sendOpCond(arg)
		case sd.AppCmdSetBusWidth:
			return c.setBusWidth(arg)
		}
	}
	switch cmd {
	case sd.CmdGoIdleState:
		c.reset()
		return 0
	case sd.CmdSendIfCond:
		if c.state != sd.StateIdle || c.cfg.RejectIfCond {
			return c.illegal()
		}
		return c.r1(cmd, arg&0xfff, false)
	case sd.CmdAppCmd:
		if c.state >= sd.StateStby && uint16(arg>>16) != c.rca {
			return c.illegal()
		}
		n := c.r1(cmd, c.status()|sd.StatusAppCmd, true)
		c.appCmd = true
		return n
	case sd.CmdAllSendCID:
		if c.state != sd.StateReady {
			return c.illegal()
		}
		c.state = sd.StateIdent
		return c.r2(c.cid[:])
	case sd.CmdSendRelativeAddr:
		if c.state != sd.StateIdent && c.state != sd.StateStby {
			return c.illegal()
		}
		status := c.status()
		c.rca = c.cfg.RCA
		c.state = sd.StateStby
		return c.r1(cmd, uint32(c.rca)<<16|uint32(r6Status(status)), false)
	case sd.CmdSendCSD:
		if c.state != sd.StateStby || uint16(arg>>16) != c.rca {
			return c.illegal()
		}
		return c.r2(c.csd[:])
	case sd.CmdSelectCard:
		if c.state < sd.StateStby {
			return c.illegal()
		}
		if uint16(arg>>16) != c.rca {
			c.state = sd.StateStby
			return 0
		}
		n := c.r1(cmd, c.status(), true)
		c.state = sd.StateTran
		c.busy = true
		return n
	case cmdSendStatus:
		if c.state < sd.StateStby || uint16(arg>>16) != c.rca {
			return c.illegal()
		}
		return c.r1(cmd, c.status(), true)
	case sd.CmdSwitchFunc:
		if c.state != sd.StateTran {
			return c.illegal()
		}
		return c.switchFunc(cmd, arg)
	case sd.CmdReadSingleBlock, sd.CmdReadMultipleBlock:
		return c.startData(cmd, arg, phaseRead)
	case sd.CmdWriteBlock:
		return c.startData(cmd, arg, phaseWrite)
	case sd.CmdStopTransmission:
		if c.state != sd.StateData && c.state != sd.StateRcv {
			return c.illegal()
		}
		n := c.r1(cmd, c.status(), true)
		c.phase = phaseNone
		c.state = sd.StateTran
		c.busy = true
		return n
	}
	return c.illegal()
}

const cmdSendStatus = 13

// illegal records an unexpected command. The card does not respond and
// reports the error in the next status.
func (c *Card) illegal() int {
	c.pendingErr |= sd.StatusIllegalCommand
	return 0
}

// r1 writes a 48 bit response carrying payload. Error bits reported by a
// status response are cleared once sent.
func (c *Card) r1(cmd uint8, payload uint32, isStatus bool) int {
	c.out[0] = cmd & 0x3f
	binary.BigEndian.PutUint32(c.out[1:5], payload)
	c.out[5] = sd.CRC7(c.out[:5])<<1 | 1
	if isStatus {
		c.pendingErr = 0
	}
	return 6
}

func (c *Card) r2(reg []byte) int {
	c.out[0] = 0x3f
	copy(c.out[1:17], reg)
	return 17
}

func (c *Card) sendOpCond(arg uint32) int {
	if c.state != sd.StateIdle && c.state != sd.StateReady {
		return c.illegal()
	}
	c.polls++
	if c.polls > c.cfg.ReadyAfter {
		c.ocr |= sd.OCRBusy
		if c.cfg.HighCapacity && arg&sd.OCRHCS != 0 {
			c.ocr |= sd.OCRHCS
		}
		c.state = sd.StateReady
	}
	c.out[0] = 0x3f
	binary.BigEndian.PutUint32(c.out[1:5], c.ocr)
	c.out[5] = 0xff
	return 6
}

func (c *Card) setBusWidth(arg uint32) int {
	if c.state != sd.StateTran {
		return c.illegal()
	}
	switch arg & 0x3 {
	case 0:
		c.width = 1
	case 2:
		c.width = 4
	default:
		return c.r1(sd.AppCmdSetBusWidth, c.status()|sd.StatusGeneralError, true)
	}
	return c.r1(sd.AppCmdSetBusWidth, c.status()|sd.StatusAppCmd, true)
}

func (c *Card) switchFunc(cmd uint8, arg uint32) int {
	n := c.r1(cmd, c.status(), true)
	fn := arg & 0xf
	switched := false
	if arg&(1<<31) != 0 && fn == 1 && !c.cfg.NoHighSpeed {
		c.highSpeed = true
		switched = true
	}
	c.switchStat = switchStatus(!c.cfg.NoHighSpeed, switched || (c.highSpeed && fn == 0xf))
	c.phase = phaseRead
	c.blockLn = len(c.switchStat)
	c.multi = false
	c.state = sd.StateData
	return n
}

// startData validates the address of a block command and enters its data
// phase.
func (c *Card) startData(cmd uint8, arg uint32, phase dataPhase) int {
	if c.state != sd.StateTran {
		return c.illegal()
	}
	block := arg
	if !c.cfg.HighCapacity {
		if arg%sd.BlockSize != 0 {
			return c.r1(cmd, c.status()|sd.StatusAddressError, true)
		}
		block = arg / sd.BlockSize
	}
	if block >= c.numBlocks {
		return c.r1(cmd, c.status()|sd.StatusOutOfRange, true)
	}
	n := c.r1(cmd, c.status(), true)
	c.phase = phase
	c.next = block
	c.blockLn = sd.BlockSize
	c.multi = cmd == sd.CmdReadMultipleBlock
	if phase == phaseRead {
		c.state = sd.StateData
	} else {
		c.state = sd.StateRcv
	}
	return n
}

// ArmRead implements sd.Bus.
func (c *Card) ArmRead(t *sd.Transfer) error {
	return checkTransfer(t)
}

// ReadData implements sd.Bus. A width mismatch between host and card or a
// missing data phase leaves the host waiting for a start bit that never comes.
func (c *Card) ReadData(t *sd.Transfer, deadline time.Time) (int, error) {
	if c.busy || c.phase != phaseRead || t.Width != c.width || t.BlockLen != c.blockLn {
		return 0, sd.ErrTimeout
	}
	if c.blockLn != sd.BlockSize {
		copy(t.Block(0), c.switchStat[:])
		t.CRC[0] = t.BlockCRC(0)
		c.endRead()
		return 1, nil
	}
	for i := 0; i < t.Blocks; i++ {
		block := c.next
		if block >= c.numBlocks || c.failRead[block] {
			return c.abortRead(i)
		}
		if err := c.readImage(block, t.Block(i)); err != nil {
			return c.abortRead(i)
		}
		t.CRC[i] = t.BlockCRC(i)
		if c.corrupt[block] {
			t.CRC[i] ^= 1
		}
		c.next++
	}
	if !c.multi {
		c.endRead()
	}
	return t.Blocks, nil
}

// abortRead ends a single block read that failed after n blocks. A multiple
// block read stays in data state until STOP_TRANSMISSION.
func (c *Card) abortRead(n int) (int, error) {
	if !c.multi {
		c.endRead()
	}
	return n, sd.ErrTimeout
}

func (c *Card) endRead() {
	c.phase = phaseNone
	c.state = sd.StateTran
}

func (c *Card) readImage(block uint32, dst []byte) error {
	n, err := c.img.ReadAt(dst, int64(block)*sd.BlockSize)
	if err == io.EOF {
		clear(dst[n:])
		err = nil
	}
	return err
}

// ArmWrite implements sd.Bus.
func (c *Card) ArmWrite(t *sd.Transfer) error {
	if err := checkTransfer(t); err != nil {
		return err
	}
	if t.Blocks != 1 {
		return sd.ErrTooManyBlocks
	}
	return nil
}

// WriteData implements sd.Bus. Blocks whose CRC does not match are rejected
// with sd.ErrDataCRC and not programmed.
func (c *Card) WriteData(t *sd.Transfer, deadline time.Time) error {
	if c.phase != phaseWrite {
		return sd.ErrTimeout
	}
	block := c.next
	c.phase = phaseNone
	c.state = sd.StateTran
	if c.failWrite[block] {
		return sd.ErrTimeout
	}
	if t.Width != c.width || t.CRC[0] != t.BlockCRC(0) {
		c.pendingErr |= sd.StatusComCRCError
		return sd.ErrDataCRC
	}
	if _, err := c.img.WriteAt(t.Block(0), int64(block)*sd.BlockSize); err != nil {
		c.pendingErr |= sd.StatusGeneralError
		return err
	}
	c.state = sd.StatePrg
	c.busy = true
	return nil
}

// WaitNotBusy implements sd.Bus. Busy is signalled on DAT0 only, so a wait
// on the command line returns at once and leaves the card busy.
func (c *Card) WaitNotBusy(line sd.Line, deadline time.Time) error {
	if line != sd.LineData {
		return nil
	}
	if c.stuckBusy {
		return sd.ErrTimeout
	}
	c.busy = false
	if c.state == sd.StatePrg {
		c.state = sd.StateTran
	}
	return nil
}

// ResetData implements sd.Bus.
func (c *Card) ResetData() {}

// Busy reports whether the card holds a busy signal.
func (c *Card) Busy() bool { return c.busy }

func checkTransfer(t *sd.Transfer) error {
	if t.Width != 1 && t.Width != 4 {
		return sd.ErrBusWidth
	}
	if t.Blocks < 1 || t.Blocks > sd.MaxReadBlocks || len(t.CRC) < t.Blocks || len(t.Data) < t.Blocks*t.BlockLen {
		return sd.ErrTooManyBlocks
	}
	return nil
}
