package testutils

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/srg/pchar/internal/pchar"
	"github.com/stretchr/testify/require"
)

// TestHelper carries the per-test logger and builds device fixtures on it.
type TestHelper struct {
	T      *testing.T
	Logger *logrus.Logger
}

// NewTestHelper creates a test helper with a debug-level logger.
func NewTestHelper(t *testing.T) *TestHelper {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel) // queue wake-ups and resizes log at debug
	return &TestHelper{
		T:      t,
		Logger: logger,
	}
}

// NewRegistry creates a registry of devices instances of the given capacity,
// logging through the helper. The registry is closed when the test ends.
func (h *TestHelper) NewRegistry(devices, capacity int) *pchar.Registry {
	h.T.Helper()
	r, err := pchar.NewRegistry(&pchar.Options{Devices: devices, Capacity: capacity, Logger: h.Logger})
	require.NoError(h.T, err, "registry MUST be created")
	h.T.Cleanup(func() { _ = r.Close() })
	return r
}

// projectRoot walks up from the working directory to the directory holding go.mod.
func projectRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get working directory: %w", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("could not find project root (go.mod not found)")
		}
		dir = parent
	}
}

// LoadScript reads a scenario file given relative to the project root,
// e.g. "examples/resize.lua".
func LoadScript(relPath string) (string, error) {
	root, err := projectRoot()
	if err != nil {
		return "", err
	}
	fullPath := filepath.Join(root, relPath)
	data, err := os.ReadFile(fullPath)
	if err != nil {
		return "", fmt.Errorf("failed to read file %s: %w", fullPath, err)
	}
	return string(data), nil
}
