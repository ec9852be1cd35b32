package webhook

import (
	"strings"
	"testing"
	"time"
)

func TestCanonicalPayload(t *testing.T) {
	b, err := CanonicalPayload(map[string]interface{}{
		"b":    1,
		"a":    []interface{}{"x", map[string]interface{}{"z": true, "y": nil}},
		"html": "<a&b>",
	})
	if err != nil {
		t.Fatal(err)
	}
	if have, want := string(b), `{"a":["x",{"y":null,"z":true}],"b":1,"html":"<a&b>"}`; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
}

func TestSign(t *testing.T) {
	ts := Timestamp(time.Unix(1700000000, 0))
	if have, want := ts, "1700000000"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	body := []byte(`{"endpoint_id":"e1"}`)

	sig := Sign("s3cret", ts, body)
	if !strings.HasPrefix(sig, "sha256=") {
		t.Errorf("signature missing prefix: %s", sig)
	}
	if have, want := len(sig), len("sha256=")+64; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if !Verify("s3cret", ts, body, sig) {
		t.Error("signature did not verify")
	}
	if Verify("other", ts, body, sig) {
		t.Error("signature verified with wrong secret")
	}
	if Verify("s3cret", "1700000001", body, sig) {
		t.Error("signature verified with wrong timestamp")
	}
	if Verify("s3cret", ts, body, strings.TrimPrefix(sig, "sha256=")) {
		t.Error("signature verified without prefix")
	}
}
