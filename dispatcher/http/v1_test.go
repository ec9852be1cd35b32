package http

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/assetra/automation/dispatcher"
	"github.com/assetra/automation/dispatcher/storage/inmem"
	httpcmd "github.com/assetra/automation/http"
	"github.com/assetra/automation/webhook"

	"github.com/alexedwards/flow"
	"github.com/micromdm/nanolib/log"
)

const testTenant = "t1"

func newTestServer(t *testing.T) http.Handler {
	t.Helper()
	s := inmem.New()
	mux := flow.New()
	HandleAPIv1("/v1", mux, log.NopLogger, dispatcher.New(s), s)
	return httpcmd.TenantHandler(mux)
}

func do(t *testing.T, h http.Handler, method, path, body string, v interface{}) int {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set(httpcmd.TenantHeader, testTenant)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if v != nil {
		if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
			t.Fatalf("decoding %s %s response %q: %v", method, path, rec.Body.String(), err)
		}
	}
	return rec.Code
}

func TestOutboundEndpointLifecycle(t *testing.T) {
	var received []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received, _ = io.ReadAll(r.Body)
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	h := newTestServer(t)

	if have, want := do(t, h, "POST", "/v1/webhooks/endpoints", `{"name": "x", "direction": "sideways"}`, nil), http.StatusBadRequest; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := do(t, h, "POST", "/v1/webhooks/endpoints", `{"name": "x", "direction": "outbound"}`, nil), http.StatusBadRequest; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}

	endpoint := new(webhook.Endpoint)
	body := `{"name": "erp", "direction": "outbound", "url": "` + srv.URL + `", "secret": "s3cret"}`
	if have, want := do(t, h, "PUT", "/v1/webhooks/endpoints/E1", body, endpoint), http.StatusCreated; have != want {
		t.Fatalf("have: %v, want: %v", have, want)
	}
	if have, want := endpoint.ID, "E1"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if endpoint.Secret != "" {
		t.Error("secret returned in response")
	}
	if !endpoint.Active {
		t.Error("expected endpoint to default to active")
	}
	if have, want := do(t, h, "PUT", "/v1/webhooks/endpoints/E1", body, endpoint), http.StatusOK; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}

	// only creation enqueues the created event
	var deliveries []*webhook.Delivery
	if have, want := do(t, h, "GET", "/v1/webhooks/deliveries?status=pending", "", &deliveries), http.StatusOK; have != want {
		t.Fatalf("have: %v, want: %v", have, want)
	}
	if have, want := len(deliveries), 1; have != want {
		t.Fatalf("have: %v, want: %v", have, want)
	}
	d := deliveries[0]
	if have, want := d.EventName, dispatcher.EventEndpointCreated; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}

	redispatched := new(webhook.Delivery)
	if have, want := do(t, h, "POST", "/v1/webhooks/deliveries/"+d.ID+"/redispatch", "", redispatched), http.StatusOK; have != want {
		t.Fatalf("have: %v, want: %v", have, want)
	}
	if have, want := redispatched.Status, webhook.StatusSuccess; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := redispatched.AttemptCount, 1; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := string(received), `{"endpoint_id":"E1"}`; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}

	if have, want := do(t, h, "POST", "/v1/webhooks/deliveries/"+d.ID+"/redispatch", "", nil), http.StatusConflict; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := do(t, h, "GET", "/v1/webhooks/deliveries/nope", "", nil), http.StatusNotFound; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := do(t, h, "GET", "/v1/webhooks/deliveries?status=bogus", "", nil), http.StatusBadRequest; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
}

func TestInboundHandler(t *testing.T) {
	h := newTestServer(t)

	if have, want := do(t, h, "POST", "/v1/webhooks/endpoints", `{"id": "IN", "name": "scanner", "direction": "inbound"}`, nil), http.StatusCreated; have != want {
		t.Fatalf("have: %v, want: %v", have, want)
	}
	if have, want := do(t, h, "POST", "/v1/webhooks/endpoints", `{"id": "OUT", "name": "erp", "direction": "outbound", "url": "http://127.0.0.1:1"}`, nil), http.StatusCreated; have != want {
		t.Fatalf("have: %v, want: %v", have, want)
	}

	var resp struct {
		DeliveryID string `json:"delivery_id"`
		Status     string `json:"status"`
	}
	code := do(t, h, "POST", "/v1/webhooks/inbound", `{"endpoint_id": "IN", "payload": {"a": 1}}`, &resp)
	if have, want := code, http.StatusAccepted; have != want {
		t.Fatalf("have: %v, want: %v", have, want)
	}
	if have, want := resp.Status, "accepted"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}

	delivery := new(webhook.Delivery)
	if have, want := do(t, h, "GET", "/v1/webhooks/deliveries/"+resp.DeliveryID, "", delivery), http.StatusOK; have != want {
		t.Fatalf("have: %v, want: %v", have, want)
	}
	if have, want := delivery.EventName, dispatcher.DefaultInboundEvent; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := delivery.Status, webhook.StatusSuccess; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}

	if have, want := do(t, h, "POST", "/v1/webhooks/inbound", `{"endpoint_id": "OUT"}`, nil), http.StatusNotFound; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}

	var endpoints []*webhook.Endpoint
	if have, want := do(t, h, "GET", "/v1/webhooks/endpoints?direction=inbound", "", &endpoints), http.StatusOK; have != want {
		t.Fatalf("have: %v, want: %v", have, want)
	}
	if have, want := len(endpoints), 1; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
}
