package debug

import (
	"os"
	"sync"
)

var (
	enabled bool
	mu      sync.RWMutex
)

func init() {
	InitFromEnv()
}

// Enabled returns whether debug logging is enabled.
func Enabled() bool {
	mu.RLock()
	defer mu.RUnlock()
	return enabled
}

// SetEnabled sets whether debug logging is enabled.
func SetEnabled(value bool) {
	mu.Lock()
	defer mu.Unlock()
	enabled = value
}

// InitFromEnv initializes debug logging from environment variables. If
// ABBY_DEBUG=true is set, it enables debug logging; otherwise it checks
// ABBY_LOG_LEVEL=debug.
func InitFromEnv() {
	if os.Getenv("ABBY_DEBUG") == "true" {
		SetEnabled(true)
		return
	}
	if os.Getenv("ABBY_LOG_LEVEL") == "debug" {
		SetEnabled(true)
		return
	}
	SetEnabled(false)
}

// InitFromLogLevel initializes debug logging from the resolved config log
// level. It only overrides init's environment-variable read when neither
// ABBY_DEBUG nor ABBY_LOG_LEVEL was set, so an explicit environment
// override always wins over the config file.
func InitFromLogLevel(logLevel string) {
	if os.Getenv("ABBY_DEBUG") == "" && os.Getenv("ABBY_LOG_LEVEL") == "" {
		SetEnabled(logLevel == "debug")
	}
}

