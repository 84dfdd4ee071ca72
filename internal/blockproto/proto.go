// Package blockproto is the line based protocol the sdserial firmware uses to
// expose a card over a serial port.
//
//	i                 -> ok <blocks> <hc> <hs>
//	r <block> <count> -> ok <count>, then one line of hex per block
//	w <block> <hex>   -> ok <count>
//
// Any failure is answered with "err <message>".
package blockproto

import (
	"bufio"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/blit32/sdpio/sd"
)

// MaxBlocks is the largest count a single r request may ask for.
const MaxBlocks = sd.MaxReadBlocks

// maxLine bounds request lines: a w request of MaxBlocks blocks in hex plus
// the command and block number.
const maxLine = 2*MaxBlocks*sd.BlockSize + 32

// Device is the part of a card the server needs. *sd.Card implements it.
type Device interface {
	Size() (blockSize uint16, numBlocks uint32)
	HighCapacity() bool
	HighSpeed() bool
	ReadBlocks(block, offset uint32, dst []byte) (int, error)
	WriteBlocks(block, offset uint32, src []byte) (int, error)
}

var (
	errBadRequest = errors.New("blockproto:bad request")
	errTooLarge   = errors.New("blockproto:too many blocks")
)

// Serve answers requests read from rw until it returns io.EOF.
func Serve(rw io.ReadWriter, dev Device) error {
	s := bufio.NewScanner(rw)
	s.Buffer(make([]byte, 0, 1024), maxLine)
	w := bufio.NewWriter(rw)
	buf := make([]byte, MaxBlocks*sd.BlockSize)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" {
			continue
		}
		if err := handle(w, dev, line, buf); err != nil {
			fmt.Fprintf(w, "err %s\n", err)
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}
	return s.Err()
}

func handle(w *bufio.Writer, dev Device, line string, buf []byte) error {
	fields := strings.Fields(line)
	switch fields[0] {
	case "i":
		_, blocks := dev.Size()
		fmt.Fprintf(w, "ok %d %t %t\n", blocks, dev.HighCapacity(), dev.HighSpeed())
		return nil
	case "r":
		if len(fields) != 3 {
			return errBadRequest
		}
		block, err := strconv.ParseUint(fields[1], 10, 32)
		if err != nil {
			return errBadRequest
		}
		count, err := strconv.Atoi(fields[2])
		if err != nil || count < 1 {
			return errBadRequest
		}
		if count > MaxBlocks {
			return errTooLarge
		}
		n, err := dev.ReadBlocks(uint32(block), 0, buf[:count*sd.BlockSize])
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "ok %d\n", n/sd.BlockSize)
		var line [2 * sd.BlockSize]byte
		for off := 0; off < n; off += sd.BlockSize {
			hex.Encode(line[:], buf[off:off+sd.BlockSize])
			w.Write(line[:])
			w.WriteByte('\n')
		}
		return nil
	case "w":
		if len(fields) != 3 {
			return errBadRequest
		}
		block, err := strconv.ParseUint(fields[1], 10, 32)
		if err != nil {
			return errBadRequest
		}
		data, err := hex.DecodeString(fields[2])
		if err != nil || len(data) == 0 || len(data)%sd.BlockSize != 0 {
			return errBadRequest
		}
		n, err := dev.WriteBlocks(uint32(block), 0, data)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "ok %d\n", n/sd.BlockSize)
		return nil
	}
	return errBadRequest
}

// Info is the answer to an i request.
type Info struct {
	Blocks       uint32
	HighCapacity bool
	HighSpeed    bool
}

// Client issues requests to a Serve loop on the other end of rw.
type Client struct {
	w io.Writer
	r *bufio.Reader
}

func NewClient(rw io.ReadWriter) *Client {
	return &Client{w: rw, r: bufio.NewReaderSize(rw, 2*sd.BlockSize+2)}
}

// Info queries the card size and mode.
func (c *Client) Info() (info Info, err error) {
	fields, err := c.request("i\n", 3)
	if err != nil {
		return info, err
	}
	blocks, err := strconv.ParseUint(fields[0], 10, 32)
	if err != nil {
		return info, err
	}
	info.Blocks = uint32(blocks)
	info.HighCapacity, err = strconv.ParseBool(fields[1])
	if err != nil {
		return info, err
	}
	info.HighSpeed, err = strconv.ParseBool(fields[2])
	return info, err
}

// Read reads count blocks starting at block into dst, which must hold
// count*512 bytes, and returns the number of blocks received.
func (c *Client) Read(dst []byte, block uint32, count int) (int, error) {
	if count > MaxBlocks {
		return 0, errTooLarge
	}
	if len(dst) < count*sd.BlockSize {
		return 0, sd.ErrBlockSize
	}
	fields, err := c.request(fmt.Sprintf("r %d %d\n", block, count), 1)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(fields[0])
	if err != nil || n > count {
		return 0, fmt.Errorf("blockproto:bad block count %q", fields[0])
	}
	for i := 0; i < n; i++ {
		line, err := c.line()
		if err != nil {
			return i, err
		}
		if len(line) != 2*sd.BlockSize {
			return i, fmt.Errorf("blockproto:block line of %d characters", len(line))
		}
		if _, err := hex.Decode(dst[i*sd.BlockSize:], []byte(line)); err != nil {
			return i, err
		}
	}
	return n, nil
}

// Write writes whole blocks of src starting at block. src holds at most
// MaxBlocks blocks.
func (c *Client) Write(block uint32, src []byte) (int, error) {
	if len(src) == 0 || len(src)%sd.BlockSize != 0 {
		return 0, sd.ErrBlockSize
	}
	if len(src) > MaxBlocks*sd.BlockSize {
		return 0, errTooLarge
	}
	fields, err := c.request(fmt.Sprintf("w %d %s\n", block, hex.EncodeToString(src)), 1)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(fields[0])
}

// request sends req and returns the fields following "ok".
func (c *Client) request(req string, nfields int) ([]string, error) {
	if _, err := io.WriteString(c.w, req); err != nil {
		return nil, err
	}
	line, err := c.line()
	if err != nil {
		return nil, err
	}
	if msg, ok := strings.CutPrefix(line, "err "); ok {
		return nil, errors.New(msg)
	}
	fields := strings.Fields(line)
	if len(fields) != nfields+1 || fields[0] != "ok" {
		return nil, fmt.Errorf("blockproto:unexpected reply %q", line)
	}
	return fields[1:], nil
}

func (c *Client) line() (string, error) {
	line, err := c.r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
