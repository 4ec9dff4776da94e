package testing

import (
	"os"
	"sync"
	stdtesting "testing"
)

var once sync.Once

func ensureTestMode() {
	once.Do(func() {
		_ = os.Setenv("BOARDAUTHZ_TEST_MODE", "1")
		if os.Getenv("PG_AUTO_MIGRATE") == "" {
			_ = os.Setenv("PG_AUTO_MIGRATE", "false")
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
