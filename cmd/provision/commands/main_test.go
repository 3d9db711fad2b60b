package commands

import (
	"os"
	"testing"

	"github.com/openfroyo/provision/pkg/executor"
)

// Starlark units run in a re-executed test binary.
func TestMain(m *testing.M) {
	executor.ServeChild()
	os.Exit(m.Run())
}
