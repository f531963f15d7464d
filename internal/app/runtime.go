package app

import (
	"os"
	"strings"
	"sync"
	"sync/atomic"
)

// testModeEnv keeps the binaries from opening connections when set.
const testModeEnv = "ODYSSEY_TEST_MODE"

var testMode struct {
	once sync.Once
	on   atomic.Bool
}

// InTestMode reports whether the application should skip runtime side effects.
func InTestMode() bool {
	testMode.once.Do(RefreshTestMode)
	return testMode.on.Load()
}

// RefreshTestMode re-reads the flag after environment changes.
func RefreshTestMode() {
	v := strings.TrimSpace(os.Getenv(testModeEnv))
	testMode.on.Store(v == "1" || strings.EqualFold(v, "true"))
}
