package guard

import (
	"os"
	"sync"
)

var once sync.Once

func init() {
	once.Do(func() {
		if os.Getenv("PUNCHSYNC_TEST_MODE") == "" {
			_ = os.Setenv("PUNCHSYNC_TEST_MODE", "1")
		}
	})
}
