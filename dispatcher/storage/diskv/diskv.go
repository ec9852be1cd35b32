// Package diskv implements a webhook dispatcher storage backend using the diskv key-value store.
package diskv

import (
	"path/filepath"

	"github.com/assetra/automation/dispatcher/storage/kv"

	"github.com/micromdm/nanolib/storage/kv/kvdiskv"
	"github.com/peterbourgon/diskv/v3"
)

// Diskv is a diskv-backed webhook dispatcher storage backend.
type Diskv struct {
	*kv.KV
}

// New creates a diskv webhook dispatcher storage backend rooted at path.
func New(path string) *Diskv {
	return &Diskv{KV: kv.New(
		kvdiskv.New(diskv.New(diskv.Options{
			BasePath:     filepath.Join(path, "webhook", "endpoint"),
			Transform:    kvdiskv.FlatTransform,
			CacheSizeMax: 1024 * 1024,
		})),
		kvdiskv.New(diskv.New(diskv.Options{
			BasePath:     filepath.Join(path, "webhook", "delivery"),
			Transform:    kvdiskv.FlatTransform,
			CacheSizeMax: 1024 * 1024,
		})),
	)}
}
