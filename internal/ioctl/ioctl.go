// Package ioctl encodes and decodes the FIFO control commands in the Linux
// _IO/_IOR/_IOW layout and the fixed-width records they carry.
//
// Command layout (32 bits, most significant first):
//
//	dir(2) | size(14) | type(8) | nr(8)
//
// FIFO_CLEAR  = _IO ('x', 1)
// FIFO_INFO   = _IOR('x', 2, info record)
// FIFO_RESIZE = _IOW('x', 3, uint64)
package ioctl

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/srg/pchar/internal/pchar"
)

const (
	nrBits   = 8
	typeBits = 8
	sizeBits = 14

	nrShift   = 0
	typeShift = nrShift + nrBits
	sizeShift = typeShift + typeBits
	dirShift  = sizeShift + sizeBits

	dirNone  = 0
	dirWrite = 1
	dirRead  = 2
)

// Magic is the ioctl type byte shared by all FIFO commands.
const Magic = 'x'

// InfoSize is the encoded size of an info record: capacity, available and
// length as little-endian uint32 in that order.
const InfoSize = 12

// ResizeArgSize is the encoded size of the FIFO_RESIZE argument.
const ResizeArgSize = 8

// Cmd is an encoded ioctl command number.
type Cmd uint32

var (
	FifoClear  = IO(Magic, 1)
	FifoInfo   = IOR(Magic, 2, InfoSize)
	FifoResize = IOW(Magic, 3, ResizeArgSize)
)

// ErrShortBuffer is returned when an argument or output buffer is too small.
var ErrShortBuffer = errors.New("short buffer")

// CommandError reports a command number that is not a FIFO command.
type CommandError struct {
	Cmd Cmd
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("unsupported ioctl %#08x (dir=%d type=%q nr=%d size=%d)",
		uint32(e.Cmd), e.Cmd.Dir(), rune(e.Cmd.Type()), e.Cmd.Nr(), e.Cmd.Size())
}

// Unwrap lets errors.Is match pchar.ErrUnsupported.
func (e *CommandError) Unwrap() error { return pchar.ErrUnsupported }

func ioc(dir, typ, nr, size uint32) Cmd {
	return Cmd(dir<<dirShift | size<<sizeShift | typ<<typeShift | nr<<nrShift)
}

// IO encodes a command without argument.
func IO(typ byte, nr uint8) Cmd { return ioc(dirNone, uint32(typ), uint32(nr), 0) }

// IOR encodes a command that copies size bytes back to the caller.
func IOR(typ byte, nr uint8, size uint16) Cmd {
	return ioc(dirRead, uint32(typ), uint32(nr), uint32(size))
}

// IOW encodes a command that passes size bytes from the caller.
func IOW(typ byte, nr uint8, size uint16) Cmd {
	return ioc(dirWrite, uint32(typ), uint32(nr), uint32(size))
}

func (c Cmd) Dir() uint32  { return uint32(c) >> dirShift & (1<<2 - 1) }
func (c Cmd) Size() uint32 { return uint32(c) >> sizeShift & (1<<sizeBits - 1) }
func (c Cmd) Type() byte   { return byte(uint32(c) >> typeShift) }
func (c Cmd) Nr() uint8    { return uint8(uint32(c) >> nrShift) }

func (c Cmd) String() string {
	switch c {
	case FifoClear:
		return "FIFO_CLEAR"
	case FifoInfo:
		return "FIFO_INFO"
	case FifoResize:
		return "FIFO_RESIZE"
	default:
		return fmt.Sprintf("ioctl(%#08x)", uint32(c))
	}
}

// CommandFor returns the ioctl number of a control command.
func CommandFor(cmd pchar.Command) (Cmd, error) {
	switch cmd {
	case pchar.CmdClear:
		return FifoClear, nil
	case pchar.CmdInfo:
		return FifoInfo, nil
	case pchar.CmdResize:
		return FifoResize, nil
	default:
		return 0, fmt.Errorf("%w: %v", pchar.ErrUnsupported, cmd)
	}
}

// Decode turns an ioctl number and its argument bytes into a control request.
// arg is ignored for commands that take no input.
func Decode(cmd Cmd, arg []byte) (pchar.Request, error) {
	switch cmd {
	case FifoClear:
		return pchar.ClearRequest(), nil
	case FifoInfo:
		return pchar.InfoRequest(), nil
	case FifoResize:
		if len(arg) < ResizeArgSize {
			return pchar.Request{}, fmt.Errorf("%s: %w: need %d bytes, got %d", cmd, ErrShortBuffer, ResizeArgSize, len(arg))
		}
		capacity := binary.LittleEndian.Uint64(arg)
		if capacity == 0 || capacity > uint64(^uint32(0)) {
			return pchar.Request{}, fmt.Errorf("%s: %w: capacity %d", cmd, pchar.ErrInvalidArgument, capacity)
		}
		return pchar.ResizeRequest(int(capacity)), nil
	default:
		return pchar.Request{}, &CommandError{Cmd: cmd}
	}
}

// Encode returns the ioctl number and argument bytes for req.
func Encode(req pchar.Request) (Cmd, []byte, error) {
	cmd, err := CommandFor(req.Command)
	if err != nil {
		return 0, nil, err
	}
	if cmd != FifoResize {
		return cmd, nil, nil
	}
	if req.Capacity <= 0 {
		return 0, nil, fmt.Errorf("%s: %w: capacity %d", cmd, pchar.ErrInvalidArgument, req.Capacity)
	}
	arg := make([]byte, ResizeArgSize)
	binary.LittleEndian.PutUint64(arg, uint64(req.Capacity))
	return cmd, arg, nil
}

// PutInfo writes info into b, which must hold InfoSize bytes.
func PutInfo(b []byte, info pchar.Info) error {
	if len(b) < InfoSize {
		return fmt.Errorf("%w: need %d bytes, got %d", ErrShortBuffer, InfoSize, len(b))
	}
	binary.LittleEndian.PutUint32(b[0:4], uint32(info.Capacity))
	binary.LittleEndian.PutUint32(b[4:8], uint32(info.Available))
	binary.LittleEndian.PutUint32(b[8:12], uint32(info.Length))
	return nil
}

// AppendInfo appends the encoded info record to b.
func AppendInfo(b []byte, info pchar.Info) []byte {
	b = binary.LittleEndian.AppendUint32(b, uint32(info.Capacity))
	b = binary.LittleEndian.AppendUint32(b, uint32(info.Available))
	return binary.LittleEndian.AppendUint32(b, uint32(info.Length))
}

// ParseInfo decodes an info record.
func ParseInfo(b []byte) (pchar.Info, error) {
	if len(b) < InfoSize {
		return pchar.Info{}, fmt.Errorf("%w: need %d bytes, got %d", ErrShortBuffer, InfoSize, len(b))
	}
	return pchar.Info{
		Capacity:  int(binary.LittleEndian.Uint32(b[0:4])),
		Available: int(binary.LittleEndian.Uint32(b[4:8])),
		Length:    int(binary.LittleEndian.Uint32(b[8:12])),
	}, nil
}

// Handle decodes cmd, runs it on ctl and fills out with the resulting info
// record when cmd is FIFO_INFO. It mirrors a driver's unlocked_ioctl entry.
func Handle(ctl *pchar.ControlChannel, cmd Cmd, arg []byte, out []byte) error {
	req, err := Decode(cmd, arg)
	if err != nil {
		return err
	}
	if cmd == FifoInfo && len(out) < InfoSize {
		return fmt.Errorf("%s: %w: need %d bytes, got %d", cmd, ErrShortBuffer, InfoSize, len(out))
	}
	info, err := ctl.Dispatch(req)
	if err != nil {
		return err
	}
	if cmd == FifoInfo {
		return PutInfo(out, info)
	}
	return nil
}
