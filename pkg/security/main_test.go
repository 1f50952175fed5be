package security

import (
	"os"
	"testing"
)

func TestMain(m *testing.M) {
	// Full-strength PBKDF2 makes the keystore tests slow; production paths keep the real floor.
	minKDFIterations = 1000
	os.Exit(m.Run())
}
