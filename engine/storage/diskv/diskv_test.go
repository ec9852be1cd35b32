package diskv

import (
	"testing"

	"github.com/assetra/automation/engine/storage"
	"github.com/assetra/automation/engine/storage/test"
)

func TestDiskvStorage(t *testing.T) {
	test.TestEngineStorage(t, func() storage.AllStorage { return New(t.TempDir()) })
}
