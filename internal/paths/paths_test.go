package paths

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSocketUnderRuntime(t *testing.T) {
	assert.Equal(t, Runtime(), filepath.Dir(Socket()))
	assert.Equal(t, "berth.sock", filepath.Base(Socket()))
}

func TestPIDFileUnderRuntime(t *testing.T) {
	assert.Equal(t, Runtime(), filepath.Dir(PIDFile()))
}
