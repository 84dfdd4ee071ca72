package sd

import (
	"errors"
	"strconv"
)

var (
	// ErrTimeout is returned by a Bus when an exchange did not complete
	// before its deadline.
	ErrTimeout = errors.New("sd:timeout")
	// ErrStatus is matched by every *StatusError.
	ErrStatus = errors.New("sd:card status error")

	ErrNotInitialized   = errors.New("sd:card not initialized")
	ErrUnsupportedCard  = errors.New("sd:unsupported card")
	ErrCardUnresponsive = errors.New("sd:card unresponsive")
	ErrBusyTimeout      = errors.New("sd:card busy timeout")
	ErrTooManyBlocks    = errors.New("sd:too many blocks for one transfer")
	ErrBlockSize        = errors.New("sd:length not a multiple of block size")
	ErrOffset           = errors.New("sd:partial block access unsupported")
	ErrBusWidth         = errors.New("sd:unsupported bus width")
	ErrDataCRC          = errors.New("sd:data CRC mismatch")
	ErrResponseSize     = errors.New("sd:response buffer too small")
	ErrReadOnly         = errors.New("sd:device is read only")
	ErrOutOfRange       = errors.New("sd:block range beyond card capacity")
)

// Card status register bits reported in R1 responses.
const (
	StatusOutOfRange        uint32 = 1 << 31
	StatusAddressError      uint32 = 1 << 30
	StatusBlockLenError     uint32 = 1 << 29
	StatusEraseSeqError     uint32 = 1 << 28
	StatusEraseParam        uint32 = 1 << 27
	StatusWPViolation       uint32 = 1 << 26
	StatusCardIsLocked      uint32 = 1 << 25
	StatusLockUnlockFailed  uint32 = 1 << 24
	StatusComCRCError       uint32 = 1 << 23
	StatusIllegalCommand    uint32 = 1 << 22
	StatusCardECCFailed     uint32 = 1 << 21
	StatusCCError           uint32 = 1 << 20
	StatusGeneralError      uint32 = 1 << 19
	StatusCSDOverwrite      uint32 = 1 << 16
	StatusWPEraseSkip       uint32 = 1 << 15
	StatusCardECCDisabled   uint32 = 1 << 14
	StatusEraseReset        uint32 = 1 << 13
	StatusReadyForData      uint32 = 1 << 8
	StatusAppCmd            uint32 = 1 << 5
	StatusAKESeqError       uint32 = 1 << 3

	// StatusErrorMask selects the status bits that fail a command.
	StatusErrorMask uint32 = 0xFDF98008
)

const statusCurrentStateShift = 9

// CardState is the CURRENT_STATE field of the card status register.
type CardState uint8

const (
	StateIdle CardState = iota
	StateReady
	StateIdent
	StateStby
	StateTran
	StateData
	StateRcv
	StatePrg
	StateDis
)

// CurrentState extracts the card state from a card status word.
func CurrentState(status uint32) CardState {
	return CardState(status >> statusCurrentStateShift & 0xf)
}

// StatusBits is the card state encoded in the CURRENT_STATE field.
func (s CardState) StatusBits() uint32 {
	return uint32(s) << statusCurrentStateShift
}

// StatusError is a command whose response carried error bits in the card
// status register.
type StatusError struct {
	Status uint32
}

func (e *StatusError) Error() string {
	return "sd:card status 0x" + strconv.FormatUint(uint64(e.Status), 16)
}

// Is reports ErrStatus so callers can match any status failure.
func (e *StatusError) Is(target error) bool { return target == ErrStatus }

// Has reports whether bit is set in the reported status.
func (e *StatusError) Has(bit uint32) bool { return e.Status&bit != 0 }

// CommandError records which command failed.
type CommandError struct {
	Cmd uint8
	Err error
}

func (e *CommandError) Error() string {
	return "sd:CMD" + strconv.Itoa(int(e.Cmd)) + ": " + e.Err.Error()
}

func (e *CommandError) Unwrap() error { return e.Err }
