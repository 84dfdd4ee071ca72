package sd

import (
	"errors"
	"testing"
	"time"
)

// countingBus fails every exchange and counts how often it was used.
type countingBus struct {
	calls int
}

func (b *countingBus) Init() error { b.calls++; return nil }
func (b *countingBus) SetClockDiv(uint16) { b.calls++ }
func (b *countingBus) EnableClock(bool) { b.calls++ }
func (b *countingBus) ArmRead(*Transfer) error { b.calls++; return nil }
func (b *countingBus) ArmWrite(*Transfer) error { b.calls++; return nil }
func (b *countingBus) ResetData() { b.calls++ }

func (b *countingBus) Command(*[6]byte, int, []uint32, time.Time) error {
	b.calls++
	return ErrTimeout
}

func (b *countingBus) ReadData(*Transfer, time.Time) (int, error) {
	b.calls++
	return 0, ErrTimeout
}

func (b *countingBus) WriteData(*Transfer, time.Time) error {
	b.calls++
	return ErrTimeout
}

func (b *countingBus) WaitNotBusy(Line, time.Time) error {
	b.calls++
	return ErrTimeout
}

func TestReadTooManyBlocks(t *testing.T) {
	bus := &countingBus{}
	c := New(bus, Config{})
	buf := make([]byte, (MaxReadBlocks+1)*BlockSize)
	n, err := c.readBlocks(CmdReadMultipleBlock, 0, buf, MaxReadBlocks+1)
	if !errors.Is(err, ErrTooManyBlocks) || n != 0 {
		t.Fatalf("got %d, %v, want %v", n, err, ErrTooManyBlocks)
	}
	if bus.calls != 0 {
		t.Errorf("bus used %d times", bus.calls)
	}
}

func TestCommandTimeoutCounted(t *testing.T) {
	bus := &countingBus{}
	c := New(bus, Config{})
	var resp [8]byte
	err := c.Command(CmdSendIfCond, ifCondCheck, RespShort, resp[:])
	var cerr *CommandError
	if !errors.As(err, &cerr) || cerr.Cmd != CmdSendIfCond || !errors.Is(err, ErrTimeout) {
		t.Fatalf("got %v", err)
	}
	if st := c.Stats(); st.Commands != 1 || st.Timeouts != 1 {
		t.Errorf("got stats %+v", st)
	}
}

func TestConfigDefaults(t *testing.T) {
	c := New(&countingBus{}, Config{BusyTimeout: 3 * time.Second})
	want := DefaultConfig()
	want.BusyTimeout = 3 * time.Second
	if c.cfg != want {
		t.Errorf("got %+v, want %+v", c.cfg, want)
	}
	for _, test := range []struct {
		overclock, highSpeed bool
		want                 uint16
	}{
		{false, false, ClockDivDefault},
		{false, true, ClockDivHighSpeed},
		{true, false, ClockDivOverclockDefault},
		{true, true, ClockDivOverclockHighSpeed},
	} {
		cfg := Config{Overclock: test.overclock}
		if got := cfg.clockDiv(test.highSpeed); got != test.want {
			t.Errorf("overclock=%v highspeed=%v: got %d, want %d", test.overclock, test.highSpeed, got, test.want)
		}
	}
}
