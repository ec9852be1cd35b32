// Package diskv implements an engine storage backend using the diskv key-value store.
package diskv

import (
	"path/filepath"

	"github.com/assetra/automation/engine/storage/kv"

	"github.com/micromdm/nanolib/storage/kv/kvdiskv"
	"github.com/peterbourgon/diskv/v3"
)

// Diskv is a a diskv-backed engine storage backend.
type Diskv struct {
	*kv.KV
}

func newBucket(path, name string) *kvdiskv.KVDiskv {
	return kvdiskv.New(diskv.New(diskv.Options{
		BasePath:     filepath.Join(path, "engine", name),
		Transform:    kvdiskv.FlatTransform,
		CacheSizeMax: 1024 * 1024,
	}))
}

// New creates a diskv engine storage backend rooted at path.
func New(path string) *Diskv {
	return &Diskv{KV: kv.New(
		newBucket(path, "definition"),
		newBucket(path, "run"),
		newBucket(path, "asset"),
		newBucket(path, "scan"),
		newBucket(path, "history"),
	)}
}
