package testing

import (
	"testing"

	"github.com/arloliu/solo/internal/logging"
	"github.com/arloliu/solo/types"
)

// NewTestLogger creates a logger that writes to the test log, so output
// shows up next to the failing test.
func NewTestLogger(tb testing.TB) types.Logger {
	return logging.NewTest(tb)
}
