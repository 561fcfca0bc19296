package ioctl

import (
	"errors"
	"testing"

	"github.com/srg/pchar/internal/pchar"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandNumbers(t *testing.T) {
	// Values match <linux/ioctl.h> on amd64/arm64.
	assert.Equal(t, Cmd(0x00007801), FifoClear)
	assert.Equal(t, Cmd(0x800c7802), FifoInfo)
	assert.Equal(t, Cmd(0x40087803), FifoResize)

	assert.Equal(t, uint32(dirRead), FifoInfo.Dir())
	assert.Equal(t, uint32(InfoSize), FifoInfo.Size())
	assert.Equal(t, byte('x'), FifoResize.Type())
	assert.Equal(t, uint8(3), FifoResize.Nr())
	assert.Equal(t, "FIFO_RESIZE", FifoResize.String())
}

func TestEncodeDecode(t *testing.T) {
	tests := []struct {
		name string
		req  pchar.Request
	}{
		{name: "clear", req: pchar.ClearRequest()},
		{name: "info", req: pchar.InfoRequest()},
		{name: "resize", req: pchar.ResizeRequest(64)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, arg, err := Encode(tt.req)
			require.NoError(t, err)

			got, err := Decode(cmd, arg)
			require.NoError(t, err)
			assert.Equal(t, tt.req, got)
		})
	}
}

func TestDecode_Errors(t *testing.T) {
	_, err := Decode(FifoResize, []byte{1, 2})
	assert.ErrorIs(t, err, ErrShortBuffer)

	_, err = Decode(FifoResize, make([]byte, ResizeArgSize))
	assert.ErrorIs(t, err, pchar.ErrInvalidArgument, "zero capacity MUST be rejected")

	bogus := IOR('y', 9, 4)
	_, err = Decode(bogus, nil)
	assert.ErrorIs(t, err, pchar.ErrUnsupported)
	var cmdErr *CommandError
	require.True(t, errors.As(err, &cmdErr))
	assert.Equal(t, bogus, cmdErr.Cmd)
	assert.Contains(t, err.Error(), "nr=9")

	_, _, err = Encode(pchar.Request{Command: pchar.Command(42)})
	assert.ErrorIs(t, err, pchar.ErrUnsupported)
	_, _, err = Encode(pchar.ResizeRequest(0))
	assert.ErrorIs(t, err, pchar.ErrInvalidArgument)
}

func TestInfoRecord(t *testing.T) {
	info := pchar.Info{Capacity: 32, Available: 27, Length: 5}

	b := AppendInfo(nil, info)
	assert.Equal(t, []byte{32, 0, 0, 0, 27, 0, 0, 0, 5, 0, 0, 0}, b)

	got, err := ParseInfo(b)
	require.NoError(t, err)
	assert.Equal(t, info, got)

	assert.ErrorIs(t, PutInfo(make([]byte, 4), info), ErrShortBuffer)
	_, err = ParseInfo(b[:11])
	assert.ErrorIs(t, err, ErrShortBuffer)
}

func TestHandle(t *testing.T) {
	q, err := pchar.NewQueue(32, nil)
	require.NoError(t, err)
	defer q.Close()
	ctl := pchar.NewControlChannel(q, nil)

	_, err = q.Write([]byte("hello"))
	require.NoError(t, err)

	out := make([]byte, InfoSize)
	require.NoError(t, Handle(ctl, FifoInfo, nil, out))
	info, err := ParseInfo(out)
	require.NoError(t, err)
	assert.Equal(t, pchar.Info{Capacity: 32, Available: 27, Length: 5}, info)

	_, arg, err := Encode(pchar.ResizeRequest(8))
	require.NoError(t, err)
	require.NoError(t, Handle(ctl, FifoResize, arg, nil))
	assert.Equal(t, 8, q.Cap())

	require.NoError(t, Handle(ctl, FifoClear, nil, nil))
	assert.True(t, q.IsEmpty())

	assert.ErrorIs(t, Handle(ctl, FifoInfo, nil, make([]byte, 2)), ErrShortBuffer)
	assert.ErrorIs(t, Handle(ctl, IO('x', 7), nil, nil), pchar.ErrUnsupported)
}
