//go:build linux || darwin

// Package ptyio provides a pseudo-terminal whose master side is pumped
// through byte ring buffers. The slave path can be handed to any serial
// program (screen, minicom, pyserial) while the caller moves bytes between
// the master and the BLE link.
//
// Writes toward the slave never block: when the ring is full the excess is
// dropped and counted. Bytes typed on the slave are delivered to the input
// callback from a background goroutine.
package ptyio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/srg/blekit/internal/groutine"
)

// InputCallback receives bytes written by the slave side. The slice is only
// valid during the call.
type InputCallback func(data []byte)

// Options configures Open.
type Options struct {
	// ReadCap is the ring capacity for bytes coming from the slave.
	ReadCap int `default:"4096"`
	// WriteCap is the ring capacity for bytes going to the slave.
	WriteCap int `default:"4096"`
	// PollTimeout bounds how long the pumps sleep before checking for shutdown.
	PollTimeout time.Duration `default:"50ms"`

	Logger  *logrus.Logger
	OnError func(err error)
}

// Stats provides runtime counters useful for monitoring/backpressure.
type Stats struct {
	WriteQueueLen int
	ReadQueueLen  int
	DroppedWrite  uint64
	DroppedRead   uint64
	BytesToSlave  uint64
	BytesFromPeer uint64
}

// PTY is an open master/slave pair.
type PTY struct {
	logger  *logrus.Logger
	master  *os.File
	slave   *os.File
	fd      int32
	name    string
	poll    int
	onError func(error)
	errOnce sync.Once

	toSlave   *ringbuffer.RingBuffer
	fromSlave *ringbuffer.RingBuffer
	input     atomic.Pointer[InputCallback]
	wake      chan struct{}
	flush     chan struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool

	droppedWrite atomic.Uint64
	droppedRead  atomic.Uint64
	written      atomic.Uint64
	read         atomic.Uint64
}

// Open creates a raw-mode PTY pair and starts its pumps.
func Open(opts Options) (*PTY, error) {
	defaults.SetDefaults(&opts)
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}

	master, slave, fd, err := openRaw()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &PTY{
		logger:    logger,
		master:    master,
		slave:     slave,
		fd:        int32(fd),
		name:      slave.Name(),
		poll:      int(opts.PollTimeout / time.Millisecond),
		onError:   opts.OnError,
		toSlave:   ringbuffer.New(opts.WriteCap),
		fromSlave: ringbuffer.New(opts.ReadCap),
		wake:      make(chan struct{}, 1),
		flush:     make(chan struct{}, 1),
		cancel:    cancel,
	}
	if p.poll <= 0 {
		p.poll = 1
	}

	p.wg.Add(3)
	groutine.GoSafe(ctx, "pty-read-loop", func(ctx context.Context) {
		defer p.wg.Done()
		p.readLoop(ctx)
	}, p.fail)
	groutine.GoSafe(ctx, "pty-write-loop", func(ctx context.Context) {
		defer p.wg.Done()
		p.writeLoop(ctx)
	}, p.fail)
	groutine.GoSafe(ctx, "pty-input-dispatcher", func(ctx context.Context) {
		defer p.wg.Done()
		p.dispatch(ctx)
	}, p.fail)

	logger.WithField("tty", p.name).Debug("PTY opened")
	return p, nil
}

// openRaw returns the pair with the slave in raw mode and the master
// descriptor non-blocking. The descriptor is fetched once: os.File.Fd
// switches a file back to blocking mode.
func openRaw() (*os.File, *os.File, int, error) {
	master, slave, err := pty.Open()
	if err != nil {
		return nil, nil, 0, fmt.Errorf("failed to create PTY (check permissions and available PTY devices): %w", err)
	}

	fail := func(step string, err error) (*os.File, *os.File, int, error) {
		return nil, nil, 0, errors.Join(
			fmt.Errorf("failed to set PTY %s %s: %w", slave.Name(), step, err),
			master.Close(),
			slave.Close(),
		)
	}
	if _, err := term.MakeRaw(int(slave.Fd())); err != nil {
		return fail("to raw mode", err)
	}
	fd := int(master.Fd())
	if err := syscall.SetNonblock(fd, true); err != nil {
		return fail("master to nonblocking mode", err)
	}
	return master, slave, fd, nil
}

func (p *PTY) fail(err error) {
	p.logger.WithError(err).Error("PTY pump failed")
	if p.onError != nil {
		p.errOnce.Do(func() { p.onError(err) })
	}
}

// Name returns the slave device path, e.g. /dev/pts/5 or /dev/ttys003.
func (p *PTY) Name() string {
	return p.name
}

// OnInput sets or clears the callback for bytes typed on the slave.
func (p *PTY) OnInput(cb InputCallback) {
	if cb == nil {
		p.input.Store(nil)
		return
	}
	p.input.Store(&cb)
	p.signal()
}

func (p *PTY) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Write queues data for the slave. It never blocks; a short count means the
// ring was full and the rest was dropped.
func (p *PTY) Write(data []byte) (int, error) {
	if p.closed.Load() {
		return 0, os.ErrClosed
	}
	if len(data) == 0 {
		return 0, nil
	}

	n, err := p.toSlave.Write(data)
	if err != nil && !errors.Is(err, ringbuffer.ErrIsFull) && !errors.Is(err, ringbuffer.ErrTooMuchDataToWrite) {
		return n, err
	}
	if n < len(data) {
		p.droppedWrite.Add(uint64(len(data) - n))
		p.logger.WithField("dropped", len(data)-n).Warn("PTY write buffer overflow")
	}
	select {
	case p.flush <- struct{}{}:
	default:
	}
	return n, nil
}

func (p *PTY) readLoop(ctx context.Context) {
	fds := []unix.PollFd{{Fd: p.fd, Events: unix.POLLIN}}
	buf := make([]byte, 4096)

	for ctx.Err() == nil {
		ready, err := unix.Poll(fds, p.poll)
		if err != nil && !errors.Is(err, syscall.EINTR) {
			p.logger.WithError(err).Debug("PTY read poll failed")
			continue
		}
		if ready == 0 {
			continue
		}

		n, err := p.master.Read(buf)
		if n > 0 {
			stored, _ := p.fromSlave.Write(buf[:n])
			if stored < n {
				p.droppedRead.Add(uint64(n - stored))
				p.logger.WithField("dropped", n-stored).Warn("PTY read buffer overflow")
			}
			p.read.Add(uint64(stored))
			p.signal()
		}

		switch {
		case err == nil, errors.Is(err, syscall.EAGAIN), errors.Is(err, syscall.EINTR):
		case errors.Is(err, syscall.EBADF), errors.Is(err, os.ErrClosed), errors.Is(err, io.EOF):
			return
		default:
			p.fail(fmt.Errorf("PTY read failed: %w", err))
			return
		}
	}
}

func (p *PTY) writeLoop(ctx context.Context) {
	fds := []unix.PollFd{{Fd: p.fd, Events: unix.POLLOUT}}
	buf := make([]byte, 4096)

	for ctx.Err() == nil {
		n, _ := p.toSlave.TryRead(buf)
		if n == 0 {
			select {
			case <-ctx.Done():
				return
			case <-p.flush:
			case <-time.After(time.Duration(p.poll) * time.Millisecond):
			}
			continue
		}

		for off := 0; off < n && ctx.Err() == nil; {
			w, err := p.master.Write(buf[off:n])
			off += w
			p.written.Add(uint64(w))

			switch {
			case err == nil, errors.Is(err, syscall.EINTR):
			case errors.Is(err, syscall.EAGAIN):
				_, _ = unix.Poll(fds, p.poll)
			case errors.Is(err, syscall.EBADF), errors.Is(err, os.ErrClosed):
				return
			default:
				p.fail(fmt.Errorf("PTY write failed: %w", err))
				return
			}
		}
	}
}

func (p *PTY) dispatch(ctx context.Context) {
	buf := make([]byte, 4096)
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.wake:
		}

		for ctx.Err() == nil {
			cb := p.input.Load()
			if cb == nil {
				break
			}
			n, _ := p.fromSlave.TryRead(buf)
			if n == 0 {
				break
			}
			(*cb)(buf[:n])
		}
	}
}

// Stats returns instantaneous counters.
func (p *PTY) Stats() Stats {
	return Stats{
		WriteQueueLen: p.toSlave.Length(),
		ReadQueueLen:  p.fromSlave.Length(),
		DroppedWrite:  p.droppedWrite.Load(),
		DroppedRead:   p.droppedRead.Load(),
		BytesToSlave:  p.written.Load(),
		BytesFromPeer: p.read.Load(),
	}
}

// Close stops the pumps and closes both ends.
func (p *PTY) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.cancel()
	err := errors.Join(p.master.Close(), p.slave.Close())

	done := groutine.Start(context.Background(), "pty-close-wait", func(context.Context) {
		p.wg.Wait()
	})
	select {
	case <-done:
	case <-time.After(time.Duration(p.poll)*time.Millisecond*3 + time.Second):
		p.logger.WithField("tty", p.name).Warn("PTY pumps did not stop in time")
	}
	return err
}
