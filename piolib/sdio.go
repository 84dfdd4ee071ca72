//go:build rp2040

package piolib

import (
	"device/rp"
	"encoding/binary"
	"machine"
	"math/bits"
	"runtime/volatile"
	"time"
	"unsafe"

	"github.com/blit32/sdpio/sd"
	pio "github.com/tinygo-org/pio/rp2-pio"
)

// SDIOConfig holds the pins of a card wired for native SD bus mode.
type SDIOConfig struct {
	Clk machine.Pin
	Cmd machine.Pin
	// Dat0 is the first of four consecutive data pins.
	Dat0 machine.Pin
}

// VGABoardSDIOConfig returns the card wiring of the Pimoroni VGA demo base.
func VGABoardSDIOConfig() SDIOConfig {
	return SDIOConfig{Clk: 5, Cmd: 18, Dat0: 19}
}

// SDIO drives an SD card with three state machines of one PIO block: one
// generates the card clock, one runs the command line and one the data
// lines. Received blocks are moved by a data DMA channel that a second
// channel reprograms from a table of (address, count) pairs.
type SDIO struct {
	pio    *pio.PIO
	cfg    SDIOConfig
	clk    pio.StateMachine
	cmd    pio.StateMachine
	dat    pio.StateMachine
	offset uint8

	dma     dmaChannel
	dmaCtrl dmaChannel
	// chain holds a data and a CRC pair per block, ended by a null pair.
	chain    [(sd.MaxReadBlocks*2 + 1) * 2]uint32
	crcWords [sd.MaxReadBlocks * 2]uint32
	// readCmds are the FIFO words that start the reception of one block.
	readCmds   [2]uint32
	nReadCmds  int
	queued     int
	total      int
	bounce     []uint32
	bounced    bool
	// writeWords holds a packed write stream, see packWrite.
	writeWords  [sd.BlockSize/4 + 3]uint32
	nWriteWords int
}

var _ sd.Bus = (*SDIO)(nil)

// NewSDIO returns a bus on Pio. No hardware is touched until Init.
func NewSDIO(Pio *pio.PIO, cfg SDIOConfig) *SDIO {
	return &SDIO{pio: Pio, cfg: cfg}
}

// Init loads the programs, claims three state machines and two DMA channels
// and configures the pins. The card clock is left stopped.
func (s *SDIO) Init() (err error) {
	Pio := s.pio
	program := sdioInstructions(uint8(s.cfg.Clk))
	s.offset, err = Pio.AddProgram(program, sdioOrigin)
	if err != nil {
		return err
	}
	clkOffset, err := Pio.AddProgram(sdioClockInstructions, sdioOrigin)
	if err != nil {
		return err
	}
	for _, sm := range []*pio.StateMachine{&s.clk, &s.cmd, &s.dat} {
		*sm, err = Pio.ClaimStateMachine()
		if err != nil {
			return err
		}
	}

	cfg := pio.DefaultStateMachineConfig()
	cfg.SetSidesetParams(1, false, false)
	cfg.SetSidesetPins(s.cfg.Clk)
	cfg.SetWrap(clkOffset, clkOffset+uint8(len(sdioClockInstructions))-1)
	cfg.SetClkDivIntFrac(sd.ClockDivInit, 0)
	s.clk.Init(clkOffset, cfg)

	wrap := s.offset + uint8(len(program)) - 1
	s.initLine(s.cmd, s.cfg.Cmd, wrap)
	s.initLine(s.dat, s.cfg.Dat0, wrap)

	pinCfg := machine.PinConfig{Mode: Pio.PinMode()}
	s.cfg.Clk.Configure(pinCfg)
	for _, pin := range []machine.Pin{s.cfg.Cmd, s.cfg.Dat0, s.cfg.Dat0 + 1, s.cfg.Dat0 + 2, s.cfg.Dat0 + 3} {
		pin.Configure(pinCfg)
		pullUp(pin)
	}
	clkMask := uint32(1) << s.cfg.Clk
	lineMask := uint32(1)<<s.cfg.Cmd | uint32(0xf)<<s.cfg.Dat0
	Pio.HW().INPUT_SYNC_BYPASS.SetBits(clkMask | lineMask)
	s.cmd.SetPinsMasked(0, clkMask)
	s.cmd.SetPindirsMasked(clkMask, clkMask|lineMask)

	if s.dma, err = claimDMAChannel(); err != nil {
		return err
	}
	if s.dmaCtrl, err = claimDMAChannel(); err != nil {
		s.dma.unclaim()
		return err
	}
	// The control channel writes two words per trigger into the data
	// channel's AL1_WRITE_ADDR and AL1_TRANS_COUNT_TRIG.
	cc := getDefaultDMAConfig(uint32(s.dmaCtrl.channel))
	cc.setWriteIncrement(true)
	cc.setRing(true, 3)
	s.dmaCtrl.hw.AL1_CTRL.Set(cc.CTRL)

	s.cmd.SetEnabled(true)
	s.dat.SetEnabled(true)
	return nil
}

func (s *SDIO) initLine(sm pio.StateMachine, pin machine.Pin, wrap uint8) {
	cfg := pio.DefaultStateMachineConfig()
	cfg.SetOutPins(pin, 1)
	cfg.SetSetPins(pin, 1)
	cfg.SetInPins(pin)
	cfg.SetOutShift(false, true, 32)
	cfg.SetInShift(false, true, 32)
	cfg.SetWrap(s.offset, wrap)
	cfg.SetClkDivIntFrac(1, 0)
	sm.Init(s.offset+sdioTop, cfg)
}

// SetClockDiv sets the clock state machine divider. The card clock runs at
// half the resulting rate.
func (s *SDIO) SetClockDiv(div uint16) {
	s.clk.SetClkDiv(div, 0)
	s.clk.ClkDivRestart()
}

func (s *SDIO) EnableClock(enabled bool) {
	s.clk.SetEnabled(enabled)
}

// Command sends frame on the command line and captures the response.
func (s *SDIO) Command(frame *[6]byte, respBits int, resp []uint32, dl time.Time) error {
	nwords := (respBits + 31) / 32
	if len(resp) < nwords {
		return sd.ErrResponseSize
	}
	d := deadline{t: dl}
	s.resetSM(s.cmd)
	s.cmd.TxPut(sdioWord(s.offset, sdioSend, 48-1))
	s.cmd.TxPut(binary.BigEndian.Uint32(frame[:4]))
	// The last frame bits share a word with the jump that releases the line.
	s.cmd.TxPut(uint32(frame[4])<<24 | uint32(frame[5])<<16 | uint32(pio.EncodeJmp(s.offset+sdioWaitHigh, pio.JmpAlways)))
	if respBits > 0 {
		s.cmd.TxPut(sdioWord(s.offset, sdioReceive, uint16(respBits-1)))
	}
	s.cmd.SetEnabled(true)
	if respBits == 0 {
		return s.waitStall(s.cmd, d)
	}

	if rem := respBits % 32; rem != 0 {
		if err := s.txPut(s.cmd, sdioInlineWord(s.offset, pio.EncodeIn(pio.SrcDestNull, uint8(32-rem))), d); err != nil {
			return err
		}
	}
	if err := s.txPut(s.cmd, sdioInlineWord(s.offset, pio.EncodeJmp(s.offset+sdioWaitHigh, pio.JmpAlways)), d); err != nil {
		return err
	}
	for i := 0; i < nwords; i++ {
		for s.cmd.IsRxFIFOEmpty() {
			if d.expired() {
				s.resetSM(s.cmd)
				return sd.ErrTimeout
			}
			gosched()
		}
		resp[i] = s.cmd.RxGet()
	}
	return s.waitStall(s.cmd, d)
}

// ArmRead builds the DMA chain for t, queues the first block and starts the
// data state machine waiting for a start bit.
func (s *SDIO) ArmRead(t *sd.Transfer) error {
	if t.Width != 1 && t.Width != 4 {
		return sd.ErrBusWidth
	}
	if t.Blocks < 1 || t.Blocks > sd.MaxReadBlocks {
		return sd.ErrTooManyBlocks
	}
	if t.BlockLen%4 != 0 || len(t.Data) < t.Blocks*t.BlockLen || len(t.CRC) < t.Blocks {
		return sd.ErrBlockSize
	}
	s.resetSM(s.dat)

	state := uint8(sdioReceive)
	if t.Width == 4 {
		state = sdioReceiveWide
	}
	s.readCmds[0] = sdioWord(s.offset, state, uint16(t.BlockBits()-1))
	s.nReadCmds = 1
	if rem := t.BlockBits() * t.Width % 32; rem != 0 {
		// Push the partial CRC word.
		s.readCmds[1] = sdioInlineWord(s.offset, pio.EncodeIn(pio.SrcDestNull, uint8(32-rem)))
		s.nReadCmds = 2
	}
	s.total = t.Blocks * s.nReadCmds

	// DMA writes whole words and needs an aligned destination.
	dst := uint32(uintptr(unsafe.Pointer(&t.Data[0])))
	s.bounced = dst%4 != 0
	if s.bounced {
		n := t.Blocks * t.BlockLen / 4
		if cap(s.bounce) < n {
			s.bounce = make([]uint32, n)
		}
		s.bounce = s.bounce[:n]
		dst = uint32(uintptr(unsafe.Pointer(&s.bounce[0])))
	}
	crcWords := uint32(16*t.Width+31) / 32
	for i := 0; i < t.Blocks; i++ {
		s.chain[4*i+0] = dst + uint32(i*t.BlockLen)
		s.chain[4*i+1] = uint32(t.BlockLen / 4)
		s.chain[4*i+2] = uint32(uintptr(unsafe.Pointer(&s.crcWords[2*i])))
		s.chain[4*i+3] = crcWords
	}
	s.chain[4*t.Blocks+0] = 0
	s.chain[4*t.Blocks+1] = 0

	for s.queued = 0; s.queued < s.nReadCmds; s.queued++ {
		s.dat.TxPut(s.readCmds[s.queued])
	}
	s.dat.SetEnabled(true)

	cc := getDefaultDMAConfig(uint32(s.dmaCtrl.channel))
	cc.setTREQ_SEL(pioDREQ(s.pio.BlockIndex(), s.dat.StateMachineIndex(), true))
	cc.setReadIncrement(false)
	cc.setWriteIncrement(true)
	cc.setBSwap(true)
	s.dma.hw.AL1_CTRL.Set(cc.CTRL)
	s.dma.hw.READ_ADDR.Set(regAddr(&s.pio.HW().RXF[s.dat.StateMachineIndex()]))

	ctrl := s.dmaCtrl.hw
	ctrl.WRITE_ADDR.Set(regAddr(&s.dma.hw.AL1_WRITE_ADDR))
	ctrl.TRANS_COUNT.Set(2)
	ctrl.AL3_READ_ADDR_TRIG.Set(s.chainAddr())
	return nil
}

// ReadData queues the remaining blocks as FIFO space frees up and waits for
// the chain to reach its null pair.
func (s *SDIO) ReadData(t *sd.Transfer, dl time.Time) (int, error) {
	d := deadline{t: dl}
	end := s.chainAddr() + uint32(8*(2*t.Blocks+1))
	for s.queued < s.total || s.dma.busy() || s.dmaCtrl.busy() || s.dmaCtrl.hw.READ_ADDR.Get() != end {
		for s.queued < s.total && !s.dat.IsTxFIFOFull() {
			s.dat.TxPut(s.readCmds[s.queued%s.nReadCmds])
			s.queued++
		}
		if d.expired() {
			return s.abortRead(t), sd.ErrTimeout
		}
		gosched()
	}
	s.collect(t, t.Blocks)
	return t.Blocks, nil
}

// abortRead stops the chain and returns how many blocks had both their data
// and CRC pairs completed.
func (s *SDIO) abortRead(t *sd.Transfer) int {
	s.dmaCtrl.abort()
	s.dma.abort()
	s.resetSM(s.dat)
	pairs := int(s.dmaCtrl.hw.READ_ADDR.Get()-s.chainAddr()) / 8
	n := (pairs - 1) / 2
	if n < 0 {
		n = 0
	} else if n > t.Blocks {
		n = t.Blocks
	}
	s.collect(t, n)
	return n
}

// collect moves the first n received blocks and their CRCs into t.
func (s *SDIO) collect(t *sd.Transfer, n int) {
	if s.bounced {
		for i, w := range s.bounce[:n*t.BlockLen/4] {
			binary.LittleEndian.PutUint32(t.Data[4*i:], w)
		}
	}
	for i := 0; i < n; i++ {
		// CRC words went through the byte swap meant for data.
		hi := bits.ReverseBytes32(s.crcWords[2*i])
		if t.Width == 4 {
			t.CRC[i] = uint64(hi)<<32 | uint64(bits.ReverseBytes32(s.crcWords[2*i+1]))
		} else {
			t.CRC[i] = uint64(hi >> 16)
		}
	}
}

func (s *SDIO) chainAddr() uint32 {
	return uint32(uintptr(unsafe.Pointer(&s.chain[0])))
}

// ArmWrite packs the write stream of a single 1 bit block and queues its
// first words. The data state machine stays stopped until WriteData.
func (s *SDIO) ArmWrite(t *sd.Transfer) error {
	if t.Width != 1 {
		return sd.ErrBusWidth
	}
	if t.Blocks != 1 || t.BlockLen%4 != 0 || t.BlockLen > sd.BlockSize || len(t.Data) < t.BlockLen || len(t.CRC) < 1 {
		return sd.ErrBlockSize
	}
	header, n := packWrite(s.writeWords[:], s.offset, t.Data[:t.BlockLen], uint16(t.CRC[0]))
	s.nWriteWords = n
	s.resetSM(s.dat)
	// The preamble word goes in ahead of DMA so the line never idles low.
	s.dat.TxPut(header)
	s.dat.TxPut(s.writeWords[0])
	return nil
}

// WriteData streams the armed block and reads back the CRC status token.
func (s *SDIO) WriteData(t *sd.Transfer, dl time.Time) error {
	d := deadline{t: dl}
	s.dat.SetEnabled(true)

	cc := getDefaultDMAConfig(uint32(s.dma.channel))
	cc.setTREQ_SEL(pioDREQ(s.pio.BlockIndex(), s.dat.StateMachineIndex(), false))
	hw := s.dma.hw
	hw.READ_ADDR.Set(uint32(uintptr(unsafe.Pointer(&s.writeWords[1]))))
	hw.WRITE_ADDR.Set(regAddr(&s.pio.HW().TXF[s.dat.StateMachineIndex()]))
	hw.TRANS_COUNT.Set(uint32(s.nWriteWords - 1))
	hw.CTRL_TRIG.Set(cc.CTRL)
	for s.dma.busy() {
		if d.expired() {
			s.dma.abort()
			s.resetSM(s.dat)
			return sd.ErrTimeout
		}
		gosched()
	}

	for s.dat.IsRxFIFOEmpty() {
		if d.expired() {
			s.resetSM(s.dat)
			return sd.ErrTimeout
		}
		gosched()
	}
	switch s.dat.RxGet() >> 29 {
	case 0b010:
		return nil
	case 0b101:
		return sd.ErrDataCRC
	default:
		return errWriteRejected
	}
}

// WaitNotBusy releases line and waits for the card to let it go high.
func (s *SDIO) WaitNotBusy(line sd.Line, dl time.Time) error {
	sm := s.cmd
	if line == sd.LineData {
		sm = s.dat
	}
	d := deadline{t: dl}
	sm.SetEnabled(true)
	for _, instr := range [...]uint16{
		pio.EncodeSet(pio.SrcDestPinDirs, 0),
		pio.EncodeWaitPin(true, 0),
	} {
		if err := s.txPut(sm, sdioInlineWord(s.offset, instr), d); err != nil {
			return err
		}
	}
	return s.waitStall(sm, d)
}

// ResetData stops any transfer in flight and returns the data lines to input.
func (s *SDIO) ResetData() {
	s.dmaCtrl.abort()
	s.dma.abort()
	s.resetSM(s.dat)
}

// resetSM stops sm, drops queued words and parks it at the top of the program
// with its lines released.
func (s *SDIO) resetSM(sm pio.StateMachine) {
	sm.SetEnabled(false)
	sm.ClearFIFOs()
	sm.Restart()
	sm.Exec(pio.EncodeSet(pio.SrcDestPins, 1))
	sm.Exec(pio.EncodeSet(pio.SrcDestPinDirs, 0))
	sm.Exec(pio.EncodeJmp(s.offset+sdioTop, pio.JmpAlways))
}

func (s *SDIO) txPut(sm pio.StateMachine, w uint32, d deadline) error {
	for sm.IsTxFIFOFull() {
		if d.expired() {
			s.resetSM(sm)
			return sd.ErrTimeout
		}
		gosched()
	}
	sm.TxPut(w)
	return nil
}

// waitStall waits until sm has drained its TX FIFO and stalls at the top of
// the program.
func (s *SDIO) waitStall(sm pio.StateMachine, d deadline) error {
	fdebug := &s.pio.HW().FDEBUG
	mask := uint32(1) << (rp.PIO0_FDEBUG_TXSTALL_Pos + uint32(sm.StateMachineIndex()))
	fdebug.Set(mask)
	for !fdebug.HasBits(mask) {
		if d.expired() {
			s.resetSM(sm)
			return sd.ErrTimeout
		}
		gosched()
	}
	return nil
}

func pullUp(pin machine.Pin) {
	pad := (*volatile.Register32)(unsafe.Add(unsafe.Pointer(&rp.PADS_BANK0.GPIO0), 4*uintptr(pin)))
	pad.ReplaceBits(rp.PADS_BANK0_GPIO0_PUE_Msk, rp.PADS_BANK0_GPIO0_PUE_Msk|rp.PADS_BANK0_GPIO0_PDE_Msk, 0)
}
