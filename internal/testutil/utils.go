package testutil

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

// TestLogger returns a logger whose entries are captured by the hook instead
// of being printed.
func TestLogger(t *testing.T) (*logrus.Logger, *test.Hook) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	t.Cleanup(hook.Reset)
	return logger, hook
}
