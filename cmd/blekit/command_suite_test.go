package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"

	"github.com/srg/blekit/internal/device"
	"github.com/srg/blekit/internal/devicefactory"
	"github.com/srg/blekit/internal/session"
	"github.com/srg/blekit/internal/testutils"
)

// Test peripheral identifiers for consistent fake peripheral identification
const (
	TestPeripheralID1 = "AA:BB:CC:DD:EE:01"
	TestPeripheralID2 = "AA:BB:CC:DD:EE:02"
)

// syncBuffer is a bytes.Buffer safe for the concurrent writers a command has
// (handler callbacks, progress line, logger).
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// CommandTestSuite runs commands in-process against a FakeTransport.
// All cmd/blekit test suites should embed it.
type CommandTestSuite struct {
	suite.Suite

	Transport   *testutils.FakeTransport
	Dir         string
	ConfigPath  string
	SessionPath string

	originalFactory func(devicefactory.Options, *logrus.Logger) (device.Transport, error)
	originalNoColor bool
}

func (s *CommandTestSuite) SetupSuite() {
	s.originalFactory = devicefactory.TransportFactory
	s.originalNoColor = color.NoColor
	color.NoColor = true
}

func (s *CommandTestSuite) TearDownSuite() {
	devicefactory.TransportFactory = s.originalFactory
	color.NoColor = s.originalNoColor
}

// SetupTest gives every test an auto-responding transport with one
// peripheral and a private config and session file.
func (s *CommandTestSuite) SetupTest() {
	s.Transport = testutils.NewFakeTransport().SetAutoRespond(true)
	s.Transport.AddPeripheral(&testutils.FakePeripheral{
		Identity: device.Identity{ID: TestPeripheralID1, Name: "Serial", RSSI: -60},
		RSSI:     -42,
		Value:    []byte("state"),
	})

	transport := s.Transport
	devicefactory.TransportFactory = func(devicefactory.Options, *logrus.Logger) (device.Transport, error) {
		return transport, nil
	}

	s.Dir = s.T().TempDir()
	s.SessionPath = filepath.Join(s.Dir, "session.yaml")
	s.ConfigPath = s.WriteConfig("")
}

// WriteConfig writes a config with short timeouts plus extra YAML lines and
// returns its path.
func (s *CommandTestSuite) WriteConfig(extra string) string {
	path := filepath.Join(s.Dir, "config.yaml")
	content := fmt.Sprintf(`log_level: error
scan_timeout: 100ms
connect_timeout: 2s
session_file: %s
%s`, s.SessionPath, extra)
	s.Require().NoError(os.WriteFile(path, []byte(content), 0o600), "config file MUST be written")
	return path
}

// SaveIdentity seeds the session file as if id had been connected before.
func (s *CommandTestSuite) SaveIdentity(id string) {
	store, err := session.NewFileStore(s.SessionPath, testutils.NewTestLogger())
	s.Require().NoError(err)
	s.Require().NoError(store.SaveConnectedIdentity(id), "identity MUST be saved")
}

// SavedIdentity reads the session file.
func (s *CommandTestSuite) SavedIdentity() (string, bool) {
	store, err := session.NewFileStore(s.SessionPath, testutils.NewTestLogger())
	s.Require().NoError(err)
	id, ok, err := store.LoadLastIdentity()
	s.Require().NoError(err, "session file MUST be readable")
	return id, ok
}

// ExecuteCommand runs a fresh command tree with args and the suite config,
// returning stdout, stderr and the error.
func (s *CommandTestSuite) ExecuteCommand(args ...string) (string, string, error) {
	return s.ExecuteCommandWithInput(strings.NewReader(""), args...)
}

// ExecuteCommandWithInput is ExecuteCommand with stdin.
func (s *CommandTestSuite) ExecuteCommandWithInput(in io.Reader, args ...string) (string, string, error) {
	return s.ExecuteCommandContext(context.Background(), in, args...)
}

// ExecuteCommandContext runs the command until it returns or ctx is cancelled.
func (s *CommandTestSuite) ExecuteCommandContext(ctx context.Context, in io.Reader, args ...string) (string, string, error) {
	stdout, stderr := &syncBuffer{}, &syncBuffer{}
	cmd := newRootCmd()
	cmd.SetIn(in)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SetArgs(append(args, "--config="+s.ConfigPath))
	err := cmd.ExecuteContext(ctx)
	return stdout.String(), stderr.String(), err
}
