package sd

import "time"

// Line selects one of the bus signals a card can hold low while busy.
type Line uint8

const (
	LineCmd Line = iota
	LineData
)

func (l Line) String() string {
	if l == LineCmd {
		return "CMD"
	}
	return "DAT0"
}

// Bus is the physical layer of an SD card in native SD bus mode: one
// bidirectional command line, one or four data lines and a host driven clock.
//
// Implementations own the hardware sequencers for the lifetime of the Card
// and are not safe for concurrent use. Every blocking method returns
// ErrTimeout once its deadline passes, after returning the affected lines to
// their idle state.
type Bus interface {
	// Init claims and programs the sequencers. Called once before anything else.
	Init() error
	// SetClockDiv sets the divider applied to the system clock to derive the card clock.
	SetClockDiv(div uint16)
	// EnableClock starts or stops driving the card clock.
	EnableClock(enabled bool)
	// Command clocks out a 48 bit command frame. If respBits is not zero it
	// then waits for the response start bit and captures the respBits bits
	// following it into resp as 32 bit words, most significant bit first, the
	// final word padded with zeros.
	Command(frame *[6]byte, respBits int, resp []uint32, deadline time.Time) error
	// ArmRead readies the data lines to receive t. It is called before the
	// command that starts the transfer so no leading bits are missed.
	ArmRead(t *Transfer) error
	// ReadData completes an armed read and returns how many blocks had their
	// data and CRC fully received.
	ReadData(t *Transfer, deadline time.Time) (int, error)
	// ArmWrite readies the data lines to send t once its command is accepted.
	ArmWrite(t *Transfer) error
	// WriteData clocks out an armed single block write: start bit, data,
	// CRC and end bit.
	WriteData(t *Transfer, deadline time.Time) error
	// WaitNotBusy releases line and blocks until the card stops holding it low.
	WaitNotBusy(line Line, deadline time.Time) error
	// ResetData returns the data lines to idle after a failed transfer.
	ResetData()
}

// Transfer describes a block transfer as a sequence of (data, CRC)
// destinations, one pair per block, that a Bus executes as one unit.
type Transfer struct {
	Cmd      uint8
	BlockLen int
	// Width is the number of data lines, 1 or 4.
	Width  int
	Blocks int
	// Data holds Blocks*BlockLen bytes in bus order.
	Data []byte
	// CRC holds one CRC trailer per block. For 1 bit transfers the low 16
	// bits are the CRC16; for 4 bit transfers it is the 64 bit trailer as
	// returned by PackWideCRC.
	CRC []uint64
}

// Block returns the data of block i.
func (t *Transfer) Block(i int) []byte {
	return t.Data[i*t.BlockLen : (i+1)*t.BlockLen]
}

// BlockCRC computes the expected CRC trailer of block i.
func (t *Transfer) BlockCRC(i int) uint64 {
	if t.Width == 4 {
		return PackWideCRC(CRC16Wide(t.Block(i)))
	}
	return uint64(CRC16(t.Block(i)))
}

// crcBits is the length of the CRC trailer of each block.
func (t *Transfer) crcBits() int { return 16 * t.Width }

// BlockBits is the number of bits clocked per block on each data line,
// CRC included.
func (t *Transfer) BlockBits() int {
	return (t.BlockLen*8 + t.crcBits()) / t.Width
}
