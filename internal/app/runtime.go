package app

import (
	"os"
	"sync"
)

var testMode = sync.OnceValue(func() bool {
	return os.Getenv("LAKESHARE_TEST_MODE") == "1"
})

// InTestMode reports whether the worker should skip runtime side effects
// (queue consumption, external connections). Used by test harnesses that
// exec the binary.
func InTestMode() bool {
	return testMode()
}
