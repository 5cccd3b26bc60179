package central

import (
	"context"
	"errors"
	"sync"

	"github.com/srg/blekit/internal/device"
	"github.com/srg/blekit/internal/fsm"
)

var errStaleSession = errors.New("scan session already completed")

// ScanSession is one scan window. Its result is delivered exactly once,
// when the window times out, is stopped, or is ended by the radio.
type ScanSession struct {
	central *Central
	result  chan []device.Identity
	done    chan struct{}
	once    sync.Once

	identities []device.Identity
	err        error
}

func newScanSession(c *Central) *ScanSession {
	return &ScanSession{
		central: c,
		result:  make(chan []device.Identity, 1),
		done:    make(chan struct{}),
	}
}

// Result yields the discovered peripherals in first-seen order, then closes.
func (s *ScanSession) Result() <-chan []device.Identity {
	return s.result
}

// Done is closed once the result is available.
func (s *ScanSession) Done() <-chan struct{} {
	return s.done
}

// Err reports why the window ended early. It is nil for a normal timeout or
// Stop, and only meaningful after Done is closed.
func (s *ScanSession) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Stop ends the window before its timeout. Stopping a completed session is a no-op.
func (s *ScanSession) Stop() error {
	select {
	case <-s.done:
		return nil
	default:
	}

	err := s.central.submit(envelope{
		input: fsm.CmdStopScan{},
		guard: func() error {
			if s.central.scan != s {
				return errStaleSession
			}
			return nil
		},
	})
	if errors.Is(err, errStaleSession) {
		return nil
	}
	return err
}

// Wait blocks until the window ends or ctx is done. When ctx ends first the
// window is stopped and its partial result returned.
func (s *ScanSession) Wait(ctx context.Context) ([]device.Identity, error) {
	select {
	case <-s.done:
		return s.identities, s.err
	case <-ctx.Done():
	}

	if err := s.Stop(); err != nil && !errors.Is(err, device.ErrClosed) {
		return nil, err
	}
	<-s.done
	return s.identities, ctx.Err()
}

func (s *ScanSession) resolve(identities []device.Identity, err error) {
	s.once.Do(func() {
		s.identities = identities
		s.err = err
		s.result <- identities
		close(s.result)
		close(s.done)
	})
}
