package testutils

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// NewTestLogger returns a logger for tests. Output is discarded unless
// BLEKIT_TEST_LOG is set, in which case debug logs go to stderr.
func NewTestLogger() *logrus.Logger {
	logger := logrus.New()
	if os.Getenv("BLEKIT_TEST_LOG") != "" {
		logger.SetOutput(os.Stderr)
		logger.SetLevel(logrus.DebugLevel)
		return logger
	}
	logger.SetOutput(io.Discard)
	logger.SetLevel(logrus.DebugLevel)
	return logger
}
