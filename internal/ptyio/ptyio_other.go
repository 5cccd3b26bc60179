//go:build !linux && !darwin

package ptyio

import (
	"errors"
	"runtime"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrUnsupported is returned by Open on platforms without Unix PTYs.
var ErrUnsupported = errors.New("ptyio: pseudo-terminals are not supported on " + runtime.GOOS)

type InputCallback func(data []byte)

type Options struct {
	ReadCap     int
	WriteCap    int
	PollTimeout time.Duration
	Logger      *logrus.Logger
	OnError     func(err error)
}

type Stats struct {
	WriteQueueLen int
	ReadQueueLen  int
	DroppedWrite  uint64
	DroppedRead   uint64
	BytesToSlave  uint64
	BytesFromPeer uint64
}

type PTY struct{}

func Open(Options) (*PTY, error) { return nil, ErrUnsupported }

func (*PTY) Name() string              { return "" }
func (*PTY) OnInput(InputCallback)     {}
func (*PTY) Write([]byte) (int, error) { return 0, ErrUnsupported }
func (*PTY) Stats() Stats              { return Stats{} }
func (*PTY) Close() error              { return nil }
