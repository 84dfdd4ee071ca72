package sd

import (
	"bytes"
	"errors"
	"testing"
)

func TestCommandFrame(t *testing.T) {
	got := CommandFrame(CmdGoIdleState, 0)
	want := [6]byte{0x40, 0, 0, 0, 0, 0x95}
	if got != want {
		t.Fatalf("CMD0: got % x, want % x", got, want)
	}
	got = CommandFrame(CmdSendIfCond, ifCondCheck)
	want = [6]byte{0x48, 0, 0, 0x01, 0xaa, 0x87}
	if got != want {
		t.Fatalf("CMD8: got % x, want % x", got, want)
	}
}

func TestAlignResponse(t *testing.T) {
	// R7 echoing 0x1aa as captured after its start bit, line idle high after
	// the end bit and padded to a whole word.
	words := []uint32{0x10000003, 0x54270000}
	var dst [8]byte
	alignResponse(words, dst[:])
	want := []byte{0x08, 0x00, 0x00, 0x01, 0xaa, 0x13}
	if !bytes.Equal(dst[:6], want) {
		t.Fatalf("got % x, want % x", dst[:6], want)
	}
	if arg := responseArg(dst[:]); arg != 0x1aa {
		t.Errorf("got argument %#x, want 0x1aa", arg)
	}
	if crc := CRC7(dst[:5])<<1 | 1; crc != dst[5] {
		t.Errorf("response crc %#x, want %#x", dst[5], crc)
	}
}

func TestAlignLongResponse(t *testing.T) {
	// R2 carrying the register 01 23 .. 32 4b, captured after its start bit
	// with the idle high bit following the end bit.
	words := []uint32{0x7e02468a, 0xcf13579b, 0xdffdb975, 0x30eca864, 0x97000000}
	if len(words) != respWords(RespLong) {
		t.Fatalf("fixture holds %d words, want %d", len(words), respWords(RespLong))
	}
	var dst [20]byte
	alignResponse(words, dst[:])
	want := []byte{
		0x3f, 0x01, 0x23, 0x45, 0x67, 0x89, 0xab, 0xcd, 0xef,
		0xfe, 0xdc, 0xba, 0x98, 0x76, 0x54, 0x32, 0x4b,
		0x80, 0x00, 0x00,
	}
	if !bytes.Equal(dst[:], want) {
		t.Fatalf("got % x, want % x", dst[:], want)
	}
}

func TestCheckStatus(t *testing.T) {
	for _, test := range []struct {
		status uint32
		ok     bool
	}{
		{status: 0, ok: true},
		{status: StateTran.StatusBits() | StatusReadyForData | StatusAppCmd, ok: true},
		{status: StatusOutOfRange},
		{status: StatusAddressError},
		{status: StatusComCRCError},
		{status: StatusIllegalCommand},
		{status: StatusGeneralError},
		{status: StatusAKESeqError},
		{status: StatusCardECCDisabled | StatusEraseReset, ok: true},
	} {
		resp := []byte{17, byte(test.status >> 24), byte(test.status >> 16), byte(test.status >> 8), byte(test.status), 0}
		err := checkStatus(resp)
		if test.ok {
			if err != nil {
				t.Errorf("status %#08x: unexpected error %v", test.status, err)
			}
			continue
		}
		if !errors.Is(err, ErrStatus) {
			t.Errorf("status %#08x: got %v, want status error", test.status, err)
			continue
		}
		var serr *StatusError
		if !errors.As(err, &serr) || !serr.Has(test.status) {
			t.Errorf("status %#08x: error does not report the bit: %v", test.status, err)
		}
	}
}

func TestCurrentState(t *testing.T) {
	for s := StateIdle; s <= StateDis; s++ {
		if got := CurrentState(s.StatusBits() | StatusReadyForData | StatusAppCmd); got != s {
			t.Errorf("got state %d, want %d", got, s)
		}
	}
}

func TestCommandErrorUnwrap(t *testing.T) {
	err := error(&CommandError{Cmd: CmdReadSingleBlock, Err: &StatusError{Status: StatusOutOfRange}})
	if !errors.Is(err, ErrStatus) {
		t.Fatal("command error does not unwrap to ErrStatus")
	}
	if got, want := err.Error(), "sd:CMD17: sd:card status 0x80000000"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}
