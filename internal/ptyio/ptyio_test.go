//go:build linux || darwin

package ptyio

import (
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type PTYTestSuite struct {
	suite.Suite
	pty   *PTY
	slave *os.File
}

func (s *PTYTestSuite) SetupTest() {
	p, err := Open(Options{ReadCap: 64, WriteCap: 64, PollTimeout: 10 * time.Millisecond})
	if err != nil {
		s.T().Skipf("PTY devices unavailable: %v", err)
	}
	s.pty = p

	slave, err := os.OpenFile(p.Name(), os.O_RDWR, 0)
	s.Require().NoError(err, "slave path MUST be openable by another program")
	s.slave = slave
}

func (s *PTYTestSuite) TearDownTest() {
	if s.slave != nil {
		_ = s.slave.Close()
	}
	if s.pty != nil {
		s.NoError(s.pty.Close())
	}
}

func (s *PTYTestSuite) TestWriteReachesSlave() {
	// GOAL: Verify bytes queued on the master are readable from the slave device
	//
	// TEST SCENARIO: Write "hello" → read from slave path → same bytes

	n, err := s.pty.Write([]byte("hello"))
	s.Require().NoError(err)
	s.Equal(5, n)

	buf := make([]byte, 16)
	_ = s.slave.SetReadDeadline(time.Now().Add(2 * time.Second))
	got, err := s.slave.Read(buf)
	s.Require().NoError(err)
	s.Equal("hello", string(buf[:got]))

	s.Eventually(func() bool { return s.pty.Stats().BytesToSlave == 5 }, time.Second, 5*time.Millisecond)
}

func (s *PTYTestSuite) TestSlaveInputReachesCallback() {
	// GOAL: Verify bytes typed on the slave are delivered to the input callback
	//
	// TEST SCENARIO: Register callback → write "ping" on slave → callback receives "ping"

	var mu sync.Mutex
	var got []byte
	s.pty.OnInput(func(data []byte) {
		mu.Lock()
		got = append(got, data...)
		mu.Unlock()
	})

	_, err := s.slave.Write([]byte("ping"))
	s.Require().NoError(err)

	s.Eventually(func() bool {
		mu.Lock()
		defer mu.Unlock()
		return string(got) == "ping"
	}, 2*time.Second, 5*time.Millisecond, "callback MUST receive slave input")
}

func (s *PTYTestSuite) TestOverflowIsCounted() {
	// GOAL: Verify writes beyond ring capacity are truncated, not blocked
	//
	// TEST SCENARIO: Write 200 bytes into a 64-byte ring → short count → dropped bytes recorded

	n, err := s.pty.Write(make([]byte, 200))
	s.Require().NoError(err)
	s.Less(n, 200, "write MUST be truncated when the ring is full")
	s.Equal(uint64(200-n), s.pty.Stats().DroppedWrite)
}

func (s *PTYTestSuite) TestWriteAfterClose() {
	s.Require().NoError(s.pty.Close())
	_, err := s.pty.Write([]byte("x"))
	s.ErrorIs(err, os.ErrClosed)
	s.NoError(s.pty.Close(), "second Close MUST be a no-op")
}

func TestPTYTestSuite(t *testing.T) {
	suite.Run(t, new(PTYTestSuite))
}

func TestOpenAppliesDefaults(t *testing.T) {
	p, err := Open(Options{})
	if err != nil {
		t.Skipf("PTY devices unavailable: %v", err)
	}
	defer p.Close()

	assert.NotEmpty(t, p.Name())
	require.Equal(t, 50, p.poll)
}
