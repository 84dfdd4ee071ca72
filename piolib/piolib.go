package piolib

import (
	"errors"
	"math"
	"runtime"
	"time"
)

const timeoutRetries = math.MaxUint16 * 8

var (
	errDMAUnavail    = errors.New("piolib:DMA channel unavailable")
	errWriteRejected = errors.New("piolib:write rejected by card")
)

func gosched() {
	runtime.Gosched()
}

type deadline struct {
	t time.Time
}

func (dl deadline) expired() bool {
	if dl.t.IsZero() {
		return false
	}
	return time.Since(dl.t) > 0
}
