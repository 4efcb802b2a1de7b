package store

import (
	"testing"

	"go.uber.org/goleak"
)

// The store package is purely synchronous bbolt access; no test here is
// expected to leave goroutines behind.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
