package dispatcher

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"testing"

	"github.com/assetra/automation/dispatcher/storage"
	"github.com/assetra/automation/dispatcher/storage/inmem"
	"github.com/assetra/automation/engine"
	"github.com/assetra/automation/webhook"
)

var _ engine.Notifier = (*Publisher)(nil)

func TestPublisherFanOut(t *testing.T) {
	ctx := context.Background()
	s := inmem.New()
	for _, e := range []*webhook.Endpoint{
		{ID: "sub", Name: "a", URL: "http://127.0.0.1:1", Events: []string{engine.EventRunCompleted}, Active: true},
		{ID: "sub2", Name: "b", URL: "http://127.0.0.1:1", Events: []string{engine.EventRunFailed, engine.EventRunCompleted}, Active: true},
		{ID: "other", Name: "c", URL: "http://127.0.0.1:1", Events: []string{engine.EventRunFailed}, Active: true},
		{ID: "inactive", Name: "d", URL: "http://127.0.0.1:1", Events: []string{engine.EventRunCompleted}, Active: false},
		{ID: "inbound", Name: "e", Direction: webhook.DirectionInbound, URL: "http://127.0.0.1:1", Events: []string{engine.EventRunCompleted}, Active: true},
	} {
		storeEndpoint(t, s, e)
	}

	p := NewPublisher(New(s), s, nil)
	if err := p.Notify(ctx, testTenant, engine.EventRunCompleted, map[string]interface{}{"run_id": "r1"}); err != nil {
		t.Fatal(err)
	}

	deliveries, err := s.RetrieveDeliveries(ctx, testTenant, webhook.StatusPending)
	if err != nil {
		t.Fatal(err)
	}
	var endpoints []string
	for _, d := range deliveries {
		endpoints = append(endpoints, d.EndpointID)
		if d.EventName != engine.EventRunCompleted || d.AttemptCount != 0 || d.NextAttemptAt.IsZero() {
			t.Errorf("unexpected delivery: %+v", d)
		}
	}
	sort.Strings(endpoints)
	if have, want := len(endpoints), 2; have != want {
		t.Fatalf("have: %v, want: %v", have, want)
	}
	if endpoints[0] != "sub" || endpoints[1] != "sub2" {
		t.Errorf("unexpected endpoints: %v", endpoints)
	}
}

func TestRecordInbound(t *testing.T) {
	ctx := context.Background()
	c := newClock()
	s := inmem.New()
	storeEndpoint(t, s, &webhook.Endpoint{ID: "in", Direction: webhook.DirectionInbound, URL: "https://example.com", Active: true})
	storeEndpoint(t, s, &webhook.Endpoint{ID: "out", URL: "https://example.com", Active: true})
	d := New(s, WithClock(c.Now))

	delivery, err := d.RecordInbound(ctx, &InboundRequest{TenantID: testTenant, EndpointID: "in", Payload: map[string]interface{}{"k": "v"}})
	if err != nil {
		t.Fatal(err)
	}
	if delivery.Status != webhook.StatusSuccess || delivery.ResponseCode != http.StatusAccepted || delivery.ResponseBody != "accepted" {
		t.Errorf("unexpected delivery: %+v", delivery)
	}
	if have, want := delivery.EventName, DefaultInboundEvent; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if !delivery.DeliveredAt.Equal(c.Now()) {
		t.Errorf("have: %v, want: %v", delivery.DeliveredAt, c.Now())
	}
	if _, err = s.RetrieveDelivery(ctx, testTenant, delivery.ID); err != nil {
		t.Error(err)
	}

	for _, id := range []string{"out", "missing"} {
		if _, err = d.RecordInbound(ctx, &InboundRequest{TenantID: testTenant, EndpointID: id}); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("%s: have: %v, want: %v", id, err, storage.ErrNotFound)
		}
	}
}
