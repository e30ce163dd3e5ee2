package app

import (
	"os"
	"strings"
	"sync"
	"sync/atomic"
)

// TestModeEnv switches binaries into test mode: they exit before opening
// stores, dialling Redis or binding listeners.
const TestModeEnv = "INVOICELY_TEST_MODE"

var testMode struct {
	once sync.Once
	on   atomic.Bool
}

// InTestMode reports whether the application should skip runtime side effects.
func InTestMode() bool {
	testMode.once.Do(func() {
		testMode.on.Store(parseTestMode(os.Getenv(TestModeEnv)))
	})
	return testMode.on.Load()
}

// SetTestMode overrides whatever the environment says.
func SetTestMode(on bool) {
	testMode.once.Do(func() {})
	testMode.on.Store(on)
}

func parseTestMode(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
