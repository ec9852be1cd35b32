package kv

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/micromdm/nanolib/storage/kv"
	"github.com/micromdm/nanolib/storage/kv/kvmap"
)

func TestBucketHelpers(t *testing.T) {
	ctx := context.Background()
	b := kvmap.New()

	for _, k := range []string{"t1.b", "t2.a", "t1.a", "t1x.a"} {
		if err := setJSON(ctx, b, k, map[string]string{"key": k}); err != nil {
			t.Fatal(err)
		}
	}

	if have, want := keysPrefix(ctx, b, "t1."), []string{"t1.a", "t1.b"}; !reflect.DeepEqual(have, want) {
		t.Errorf("have: %v, want: %v", have, want)
	}

	var v map[string]string
	if err := getJSON(ctx, b, "t1.b", &v); err != nil {
		t.Fatal(err)
	}
	if have, want := v["key"], "t1.b"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if err := getJSON(ctx, b, "missing", &v); !errors.Is(err, kv.ErrKeyNotFound) {
		t.Errorf("have: %v, want: %v", err, kv.ErrKeyNotFound)
	}
}
