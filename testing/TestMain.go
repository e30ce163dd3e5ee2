// Package testing puts the process into test mode with an in-memory store.
// Import it for side effects from packages that build the full application.
package testing

import (
	"os"
	"sync"
	stdtesting "testing"

	"github.com/invoicely/invoicely/internal/app"
)

var defaults = map[string]string{
	"JWT_SECRET":          "test-secret-0123456789abcdef",
	"STORE_BACKEND":       app.BackendMemory,
	"LEDGER_LOCK_BACKEND": app.LockLocal,
	"LOG_FORMAT":          "json",
}

var once sync.Once

func ensureTestMode() {
	once.Do(func() {
		_ = os.Setenv(app.TestModeEnv, "1")
		app.SetTestMode(true)
		for key, value := range defaults {
			if os.Getenv(key) == "" {
				_ = os.Setenv(key, value)
			}
		}
	})
}

func init() {
	ensureTestMode()
}

func TestMain(m *stdtesting.M) {
	ensureTestMode()
	os.Exit(m.Run())
}
