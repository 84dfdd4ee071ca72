// sdprobe inspects SD card block storage from a host. With -image it runs the
// protocol engine against a simulated card backed by an image file; with
// -port it talks to the sdserial firmware over a serial port.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/blit32/sdpio/internal/blockproto"
	"github.com/blit32/sdpio/sd"
	"github.com/blit32/sdpio/sd/sdsim"
	"github.com/tarm/serial"
)

var (
	image     = flag.String("image", "", "Card image file to simulate")
	sdsc      = flag.Bool("sdsc", false, "Simulate a byte addressed (SDSC) card")
	port      = flag.String("port", "", "Serial device of a board running sdserial")
	baud      = flag.Int("baud", 115200, "Baud rate (ignored for USB CDC)")
	start     = flag.Uint("start", 0, "First block to read or write")
	count     = flag.Uint("count", 0, "Number of blocks to read")
	out       = flag.String("out", "", "File receiving the blocks read, hex dump to stdout if empty")
	in        = flag.String("in", "", "File whose content is written at -start")
	overclock = flag.Bool("overclock", false, "Use the clock dividers for a 250MHz system clock")
	verbose   = flag.Bool("v", false, "Log protocol events")
)

// target is a card reached either directly or through the serial protocol.
type target interface {
	Info() (blockproto.Info, error)
	Read(dst []byte, block uint32, count int) (int, error)
	Write(block uint32, src []byte) (int, error)
}

func main() {
	flag.Parse()
	if (*image == "") == (*port == "") {
		fmt.Fprintln(os.Stderr, "exactly one of -image and -port is required")
		flag.Usage()
		os.Exit(2)
	}
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var t target
	if *image != "" {
		c, closer, err := openImage(*image)
		if err != nil {
			return err
		}
		defer closer.Close()
		t = c
	} else {
		p, err := serial.OpenPort(&serial.Config{Name: *port, Baud: *baud, ReadTimeout: 5 * time.Second})
		if err != nil {
			return fmt.Errorf("failed to open serial port %s: %w", *port, err)
		}
		defer p.Close()
		t = blockproto.NewClient(p)
	}

	info, err := t.Info()
	if err != nil {
		return err
	}
	kind := "SDHC"
	if !info.HighCapacity {
		kind = "SDSC"
	}
	fmt.Printf("%s card, %d blocks (%d MiB), high speed %v\n", kind, info.Blocks, info.Blocks/2048, info.HighSpeed)

	if *in != "" {
		data, err := os.ReadFile(*in)
		if err != nil {
			return err
		}
		if rem := len(data) % sd.BlockSize; rem != 0 {
			data = append(data, make([]byte, sd.BlockSize-rem)...)
		}
		for off := 0; off < len(data); off += blockproto.MaxBlocks * sd.BlockSize {
			chunk := data[off:min(off+blockproto.MaxBlocks*sd.BlockSize, len(data))]
			block := uint32(*start) + uint32(off/sd.BlockSize)
			if _, err := t.Write(block, chunk); err != nil {
				return fmt.Errorf("write at block %d: %w", block, err)
			}
		}
		fmt.Printf("wrote %d blocks at %d\n", len(data)/sd.BlockSize, *start)
	}

	if *count == 0 {
		return nil
	}
	var w io.Writer = &hexDumper{w: os.Stdout, addr: int64(*start) * sd.BlockSize}
	if *out != "" {
		f, err := os.Create(*out)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	return dump(w, t, uint32(*start), int(*count))
}

// dump copies count blocks from block on to w, in requests of at most
// blockproto.MaxBlocks blocks.
func dump(w io.Writer, t target, block uint32, count int) error {
	buf := make([]byte, blockproto.MaxBlocks*sd.BlockSize)
	begin := time.Now()
	for done := 0; done < count; {
		n := min(count-done, blockproto.MaxBlocks)
		got, err := t.Read(buf, block+uint32(done), n)
		if _, werr := w.Write(buf[:got*sd.BlockSize]); werr != nil {
			return werr
		}
		done += got
		if err != nil {
			return fmt.Errorf("read at block %d: %w", block+uint32(done), err)
		}
	}
	elapsed := time.Since(begin)
	fmt.Fprintf(os.Stderr, "read %d blocks in %v\n", count, elapsed.Round(time.Millisecond))
	return nil
}

// imageTarget drives sd.Card over a simulated card.
type imageTarget struct {
	card *sd.Card
}

func openImage(path string) (*imageTarget, io.Closer, error) {
	sim, err := sdsim.Open(path, sdsim.Config{HighCapacity: !*sdsc})
	if err != nil {
		return nil, nil, err
	}
	cfg := sd.DefaultConfig()
	cfg.Overclock = *overclock
	if *verbose {
		cfg.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	card := sd.New(sim, cfg)
	if err := card.Init(); err != nil {
		sim.Close()
		return nil, nil, err
	}
	return &imageTarget{card: card}, sim, nil
}

func (it *imageTarget) Info() (blockproto.Info, error) {
	_, blocks := it.card.Size()
	return blockproto.Info{Blocks: blocks, HighCapacity: it.card.HighCapacity(), HighSpeed: it.card.HighSpeed()}, nil
}

func (it *imageTarget) Read(dst []byte, block uint32, count int) (int, error) {
	n, err := it.card.ReadBlocks(block, 0, dst[:count*sd.BlockSize])
	return n / sd.BlockSize, err
}

func (it *imageTarget) Write(block uint32, src []byte) (int, error) {
	n, err := it.card.WriteBlocks(block, 0, src)
	return n / sd.BlockSize, err
}

// hexDumper writes blocks as a hex dump, 32 bytes per line, prefixed with
// the card byte address.
type hexDumper struct {
	w    io.Writer
	addr int64
}

func (h *hexDumper) Write(p []byte) (int, error) {
	if len(p)%sd.BlockSize != 0 {
		return 0, errors.New("sdprobe:partial block")
	}
	for off := 0; off < len(p); off += 32 {
		if _, err := fmt.Fprintf(h.w, "%010x  % x\n", h.addr, p[off:off+32]); err != nil {
			return off, err
		}
		h.addr += 32
	}
	return len(p), nil
}
