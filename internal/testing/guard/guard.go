// Package guard flags test mode for packages that import it, so runtime
// entry points skip side effects when exercised from a test binary.
package guard

import (
	"os"
	"sync"
)

var once sync.Once

func init() {
	once.Do(func() {
		if os.Getenv("KARDEX_TEST_MODE") == "" {
			_ = os.Setenv("KARDEX_TEST_MODE", "1")
		}
	})
}
