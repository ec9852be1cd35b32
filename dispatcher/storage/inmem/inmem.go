// Package inmem implements an in-memory webhook dispatcher storage backend.
package inmem

import (
	"github.com/assetra/automation/dispatcher/storage/kv"

	"github.com/micromdm/nanolib/storage/kv/kvmap"
)

// InMem is an in-memory webhook dispatcher storage backend.
type InMem struct {
	*kv.KV
}

func New() *InMem {
	return &InMem{KV: kv.New(kvmap.New(), kvmap.New())}
}
