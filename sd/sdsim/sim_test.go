package sdsim

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/blit32/sdpio/sd"
)

func TestPackResponse(t *testing.T) {
	// R1 for CMD17 in transfer state.
	resp := []byte{0x11, 0x00, 0x00, 0x09, 0x00, 0x67}
	words := make([]uint32, 2)
	packResponse(resp, sd.RespShort, words)
	// Start bit dropped, one idle bit after the end bit, zero padding.
	want := []uint32{0x22000012, 0x00cf0000}
	if words[0] != want[0] || words[1] != want[1] {
		t.Fatalf("got %#08x, want %#08x", words, want)
	}
}

func TestBuildCSD(t *testing.T) {
	for _, test := range []struct {
		blocks uint32
		hc     bool
		want   uint32
	}{
		{blocks: 1_000_448, hc: true, want: 1_000_448},
		{blocks: 1_000_000, hc: true, want: 999_424},
		{blocks: 100, hc: true, want: 1024},
		{blocks: 2048, want: 2048},
		{blocks: 1 << 21, want: 1 << 21},
		{blocks: 1 << 23, want: 1 << 23},
		{blocks: 4096*4 + 3, want: 4096 * 4},
	} {
		csd, encoded := buildCSD(test.blocks, test.hc)
		if encoded != test.want {
			t.Errorf("%d blocks: encoded %d, want %d", test.blocks, encoded, test.want)
		}
		got, err := sd.ParseCSD(csd[:])
		if err != nil {
			t.Errorf("%d blocks: %v", test.blocks, err)
			continue
		}
		if got != encoded {
			t.Errorf("%d blocks: parsed %d, built %d", test.blocks, got, encoded)
		}
		if csd[15] != sd.CRC7(csd[:15])<<1|1 {
			t.Errorf("%d blocks: bad CSD crc", test.blocks)
		}
	}
}

func TestBuildCID(t *testing.T) {
	raw := buildCID(0xdeadbeef)
	cid, err := sd.ParseCID(raw[:])
	if err != nil {
		t.Fatal(err)
	}
	if cid.Serial != 0xdeadbeef || cid.OEMID != "SD" || cid.ManufactureYear != 2024 || cid.ManufactureMonth != 6 {
		t.Errorf("got %+v", cid)
	}
}

func TestR6Status(t *testing.T) {
	status := sd.StatusComCRCError | sd.StatusIllegalCommand | sd.StatusGeneralError | sd.StateStby.StatusBits() | sd.StatusAppCmd | sd.StatusOutOfRange
	if got, want := r6Status(status), uint16(0xe000|3<<9|1<<5); got != want {
		t.Errorf("got %#04x, want %#04x", got, want)
	}
}

func command(t *testing.T, c *Card, cmd uint8, arg uint32, respBits int) []uint32 {
	t.Helper()
	frame := sd.CommandFrame(cmd, arg)
	words := make([]uint32, 5)
	if err := c.Command(&frame, respBits, words, time.Now().Add(time.Second)); err != nil {
		t.Fatalf("CMD%d: %v", cmd, err)
	}
	return words
}

func TestCommandCRCRejected(t *testing.T) {
	c := New(Config{Blocks: 1024, HighCapacity: true})
	c.EnableClock(true)
	command(t, c, sd.CmdGoIdleState, 0, sd.RespNone)
	c.ResetLog()
	frame := sd.CommandFrame(sd.CmdSendIfCond, 0x1aa)
	frame[5] ^= 0x2
	words := make([]uint32, 2)
	if err := c.Command(&frame, sd.RespShort, words, time.Time{}); !errors.Is(err, sd.ErrTimeout) {
		t.Fatalf("corrupted frame: got %v, want timeout", err)
	}
	if len(c.Commands()) != 0 {
		t.Errorf("corrupted frame logged: %+v", c.Commands())
	}
	// The next status response reports the CRC failure.
	w := command(t, c, sd.CmdAppCmd, 0, sd.RespShort)
	status := w[0]<<7 | w[1]>>25
	if status&sd.StatusComCRCError == 0 {
		t.Errorf("status %#08x does not report COM_CRC_ERROR", status)
	}
}

func TestNoClock(t *testing.T) {
	c := New(Config{Blocks: 1024, HighCapacity: true})
	frame := sd.CommandFrame(sd.CmdSendIfCond, 0x1aa)
	if err := c.Command(&frame, sd.RespShort, make([]uint32, 2), time.Time{}); !errors.Is(err, sd.ErrTimeout) {
		t.Errorf("got %v, want timeout", err)
	}
}

func TestStateMachine(t *testing.T) {
	c := New(Config{Blocks: 1024, HighCapacity: true, ReadyAfter: 1})
	c.EnableClock(true)
	command(t, c, sd.CmdGoIdleState, 0, sd.RespNone)
	command(t, c, sd.CmdSendIfCond, 0x1aa, sd.RespShort)
	for i := 0; i < 2; i++ {
		command(t, c, sd.CmdAppCmd, 0, sd.RespShort)
		command(t, c, sd.AppCmdSendOpCond, 0x40100000, sd.RespShort)
	}
	if c.State() != sd.StateReady {
		t.Fatalf("got state %d after power up, want ready", c.State())
	}
	// SEND_CSD is only valid in standby state.
	frame := sd.CommandFrame(sd.CmdSendCSD, 0)
	if err := c.Command(&frame, sd.RespLong, make([]uint32, 5), time.Time{}); !errors.Is(err, sd.ErrTimeout) {
		t.Errorf("CMD9 in ready state: got %v", err)
	}
	command(t, c, sd.CmdAllSendCID, 0, sd.RespLong)
	command(t, c, sd.CmdSendRelativeAddr, 0, sd.RespShort)
	if c.State() != sd.StateStby {
		t.Fatalf("got state %d, want standby", c.State())
	}
	command(t, c, sd.CmdSelectCard, uint32(defaultRCA)<<16, sd.RespShort)
	if c.State() != sd.StateTran || !c.Busy() {
		t.Fatalf("got state %d busy=%v, want busy transfer", c.State(), c.Busy())
	}
	if err := c.WaitNotBusy(sd.LineCmd, time.Time{}); err != nil || !c.Busy() {
		t.Fatalf("wait on CMD: got %v busy=%v, want card still busy", err, c.Busy())
	}
	if err := c.WaitNotBusy(sd.LineData, time.Time{}); err != nil || c.Busy() {
		t.Fatalf("busy wait: %v", err)
	}
	command(t, c, sd.CmdSelectCard, 0, sd.RespNone)
	if c.State() != sd.StateStby {
		t.Errorf("got state %d after deselect, want standby", c.State())
	}
}

func TestReadWithoutCommand(t *testing.T) {
	c := New(Config{Blocks: 1024, HighCapacity: true})
	tr := &sd.Transfer{BlockLen: sd.BlockSize, Width: 1, Blocks: 1, Data: make([]byte, sd.BlockSize), CRC: make([]uint64, 1)}
	if err := c.ArmRead(tr); err != nil {
		t.Fatal(err)
	}
	if _, err := c.ReadData(tr, time.Time{}); !errors.Is(err, sd.ErrTimeout) {
		t.Errorf("got %v, want timeout", err)
	}
	tr.Width = 2
	if err := c.ArmRead(tr); !errors.Is(err, sd.ErrBusWidth) {
		t.Errorf("got %v, want %v", err, sd.ErrBusWidth)
	}
}

func TestMemImage(t *testing.T) {
	m := NewMemory()
	data := bytes.Repeat([]byte{0xa5}, 700)
	if _, err := m.WriteAt(data, 300); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, 1536)
	if _, err := m.ReadAt(got, 0); err != nil {
		t.Fatal(err)
	}
	want := make([]byte, 1536)
	copy(want[300:], data)
	if !bytes.Equal(got, want) {
		t.Error("sparse image content mismatch")
	}
	if blocks := len(m.(*memImage).blocks); blocks != 2 {
		t.Errorf("got %d blocks allocated, want 2", blocks)
	}
}

func TestOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "card.img")
	img := make([]byte, 64*sd.BlockSize)
	copy(img[3*sd.BlockSize:], "hello")
	if err := os.WriteFile(path, img, 0644); err != nil {
		t.Fatal(err)
	}
	c, err := Open(path, Config{HighCapacity: false})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	if c.NumBlocks() != 64 {
		t.Errorf("got %d blocks, want 64", c.NumBlocks())
	}
	buf := make([]byte, 5)
	if _, err := c.Image().ReadAt(buf, 3*sd.BlockSize); err != nil || string(buf) != "hello" {
		t.Errorf("got %q, %v", buf, err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("close: %v", err)
	}
}
