// Package inmem implements an engine storage backend using the a map-based key-value store.
package inmem

import (
	"github.com/assetra/automation/engine/storage/kv"

	"github.com/micromdm/nanolib/storage/kv/kvmap"
)

// InMem is an in-memory engine storage backend.
type InMem struct {
	*kv.KV
}

func New() *InMem {
	return &InMem{KV: kv.New(
		kvmap.New(),
		kvmap.New(),
		kvmap.New(),
		kvmap.New(),
		kvmap.New(),
	)}
}
