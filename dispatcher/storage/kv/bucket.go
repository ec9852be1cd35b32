package kv

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/micromdm/nanolib/storage/kv"
)

// getJSON reads k from b and unmarshals it into v.
// A missing key returns a wrapped kv.ErrKeyNotFound.
func getJSON(ctx context.Context, b kv.ROBucket, k string, v interface{}) error {
	raw, err := b.Get(ctx, k)
	if err != nil {
		return err
	}
	if err = json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("unmarshal %s: %w", k, err)
	}
	return nil
}

func setJSON(ctx context.Context, b kv.RWBucket, k string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", k, err)
	}
	return b.Set(ctx, k, raw)
}

// keysPrefix collects the keys in b starting with prefix in sorted order.
// The traversal is drained before returning so callers may write to b.
func keysPrefix(ctx context.Context, b kv.KeysPrefixTraverser, prefix string) []string {
	keys := kv.AllKeysPrefix(ctx, b, prefix)
	sort.Strings(keys)
	return keys
}
