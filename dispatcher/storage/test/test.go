// Package test contains a conformance suite for webhook dispatcher storage backends.
package test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/assetra/automation/dispatcher/storage"
	"github.com/assetra/automation/webhook"
)

// TestDispatcherStorage runs the storage conformance tests against new storage.
// Tenant IDs are unique per invocation so that persistent backends may be
// reused between test runs.
func TestDispatcherStorage(t *testing.T, newStorage func() storage.AllStorage) {
	s := newStorage()
	suffix := fmt.Sprintf("%d", time.Now().UnixNano())

	t.Run("endpoints", func(t *testing.T) {
		testEndpoints(t, s, "tenant-ep-"+suffix)
	})

	t.Run("deliveries", func(t *testing.T) {
		testDeliveries(t, s, "tenant-dl-"+suffix)
	})

	t.Run("due", func(t *testing.T) {
		testDueDeliveries(t, s, "tenant-due-"+suffix)
	})
}

func testEndpoints(t *testing.T, s storage.EndpointStorage, tenant string) {
	ctx := context.Background()

	if _, err := s.RetrieveEndpoint(ctx, tenant, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("have: %v, want: %v", err, storage.ErrNotFound)
	}
	if err := s.StoreEndpoint(ctx, &webhook.Endpoint{TenantID: tenant}); !errors.Is(err, storage.ErrMissingID) {
		t.Errorf("have: %v, want: %v", err, storage.ErrMissingID)
	}

	now := time.Now().UTC().Truncate(time.Second)
	for _, e := range []*webhook.Endpoint{
		{ID: "e2", TenantID: tenant, Name: "zapier", Direction: webhook.DirectionOutbound, URL: "https://example.com/z", Secret: "s", Events: []string{"workflow.run.completed"}, Active: true, CreatedAt: now},
		{ID: "e1", TenantID: tenant, Name: "erp", Direction: webhook.DirectionOutbound, URL: "https://example.com/e", Events: []string{}, Active: false, CreatedAt: now},
		{ID: "e3", TenantID: tenant, Name: "scanner", Direction: webhook.DirectionInbound, URL: "https://example.com/in", Active: true, CreatedAt: now},
		{ID: "e4", TenantID: tenant + ".other", Name: "aaa", Direction: webhook.DirectionOutbound, URL: "https://example.com/o", Active: true},
	} {
		if err := s.StoreEndpoint(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	e, err := s.RetrieveEndpoint(ctx, tenant, "e2")
	if err != nil {
		t.Fatal(err)
	}
	if e.URL != "https://example.com/z" || e.Secret != "s" || !e.Active || !e.Subscribed("workflow.run.completed") {
		t.Errorf("unexpected endpoint: %+v", e)
	}
	if !e.CreatedAt.Equal(now) {
		t.Errorf("have: %v, want: %v", e.CreatedAt, now)
	}

	// update
	e.LastDeliveryAt = now.Add(time.Minute)
	if err = s.StoreEndpoint(ctx, e); err != nil {
		t.Fatal(err)
	}
	if e, err = s.RetrieveEndpoint(ctx, tenant, "e2"); err != nil {
		t.Fatal(err)
	} else if !e.LastDeliveryAt.Equal(now.Add(time.Minute)) {
		t.Errorf("have: %v, want: %v", e.LastDeliveryAt, now.Add(time.Minute))
	}

	if _, err = s.RetrieveEndpoint(ctx, tenant+"-x", "e2"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("other tenant: have: %v, want: %v", err, storage.ErrNotFound)
	}

	for _, test := range []struct {
		direction webhook.Direction
		want      []string
	}{
		{"", []string{"e1", "e3", "e2"}},
		{webhook.DirectionOutbound, []string{"e1", "e2"}},
		{webhook.DirectionInbound, []string{"e3"}},
	} {
		endpoints, err := s.RetrieveEndpoints(ctx, tenant, test.direction)
		if err != nil {
			t.Fatal(err)
		}
		var have []string
		for _, e := range endpoints {
			have = append(have, e.ID)
		}
		if fmt.Sprint(have) != fmt.Sprint(test.want) {
			t.Errorf("direction %q: have: %v, want: %v", test.direction, have, test.want)
		}
	}
}

func testDeliveries(t *testing.T, s storage.AllStorage, tenant string) {
	ctx := context.Background()

	if _, err := s.RetrieveDelivery(ctx, tenant, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("have: %v, want: %v", err, storage.ErrNotFound)
	}
	if err := s.StoreEndpoint(ctx, &webhook.Endpoint{ID: "ep", TenantID: tenant, Name: "ep", Direction: webhook.DirectionOutbound, URL: "https://example.com", Active: true}); err != nil {
		t.Fatal(err)
	}

	base := time.Now().UTC().Truncate(time.Second)
	newDelivery := func(id string, status webhook.DeliveryStatus, created time.Time) *webhook.Delivery {
		return &webhook.Delivery{
			ID:         id,
			TenantID:   tenant,
			EndpointID: "ep",
			EventName:  "workflow.run.completed",
			Payload:    json.RawMessage(`{"asset_id":9007199254740993,"nested":{"n":1.5},"run_id":"` + id + `"}`),
			Status:     status,
			CreatedAt:  created,
		}
	}

	d1 := newDelivery("dl1", webhook.StatusPending, base)
	d2 := newDelivery("dl2", webhook.StatusSuccess, base.Add(time.Second))
	d3 := newDelivery("dl3", webhook.StatusDeadLetter, base.Add(2*time.Second))
	d2.AttemptCount = 1
	d2.ResponseCode = 200
	d2.ResponseBody = "ok"
	d2.DeliveredAt = base.Add(time.Second)
	d3.AttemptCount = 5
	d3.LastError = "non-success webhook response: 500"
	d3.DeadLetteredAt = base.Add(3 * time.Second)
	d3.MaxAttempts = 2
	d3.RetryBase = 90 * time.Second
	for _, d := range []*webhook.Delivery{d1, d2, d3} {
		if err := s.StoreDelivery(ctx, d); err != nil {
			t.Fatal(err)
		}
	}

	d, err := s.RetrieveDelivery(ctx, tenant, "dl3")
	if err != nil {
		t.Fatal(err)
	}
	if d.Status != webhook.StatusDeadLetter || d.AttemptCount != 5 || d.LastError != d3.LastError {
		t.Errorf("unexpected delivery: %+v", d)
	}
	if !d.DeadLetteredAt.Equal(d3.DeadLetteredAt) || !d.DeliveredAt.IsZero() || !d.NextAttemptAt.IsZero() {
		t.Errorf("unexpected delivery times: %+v", d)
	}
	// integers beyond float64 precision must survive storage exactly
	payload, err := webhook.CanonicalPayload(d.Payload)
	if err != nil {
		t.Fatal(err)
	}
	if have, want := string(payload), string(d3.Payload); have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := d.MaxAttempts, 2; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := d.RetryBase, 90*time.Second; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}

	if d, err = s.RetrieveDelivery(ctx, tenant, "dl2"); err != nil {
		t.Fatal(err)
	} else if d.ResponseCode != 200 || d.ResponseBody != "ok" || !d.DeliveredAt.Equal(d2.DeliveredAt) {
		t.Errorf("unexpected delivery: %+v", d)
	}

	for _, test := range []struct {
		status webhook.DeliveryStatus
		want   []string
	}{
		{"", []string{"dl3", "dl2", "dl1"}},
		{webhook.StatusPending, []string{"dl1"}},
		{webhook.StatusFailed, nil},
	} {
		deliveries, err := s.RetrieveDeliveries(ctx, tenant, test.status)
		if err != nil {
			t.Fatal(err)
		}
		var have []string
		for _, d := range deliveries {
			have = append(have, d.ID)
		}
		if fmt.Sprint(have) != fmt.Sprint(test.want) {
			t.Errorf("status %q: have: %v, want: %v", test.status, have, test.want)
		}
	}
}

func testDueDeliveries(t *testing.T, s storage.AllStorage, tenant string) {
	ctx := context.Background()
	if err := s.StoreEndpoint(ctx, &webhook.Endpoint{ID: "ep", TenantID: tenant, Name: "ep", Direction: webhook.DirectionOutbound, URL: "https://example.com", Active: true}); err != nil {
		t.Fatal(err)
	}

	// far in the past so that pending deliveries of other tenants sort after ours
	base := time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC)
	deliveries := []*webhook.Delivery{
		{ID: "due2", Status: webhook.StatusPending, NextAttemptAt: base.Add(-time.Minute)},
		{ID: "due1", Status: webhook.StatusPending, NextAttemptAt: base.Add(-2 * time.Minute)},
		{ID: "later", Status: webhook.StatusPending, NextAttemptAt: base.Add(time.Hour)},
		{ID: "unscheduled", Status: webhook.StatusPending},
		{ID: "done", Status: webhook.StatusSuccess, NextAttemptAt: base.Add(-time.Hour)},
	}
	for _, d := range deliveries {
		d.TenantID = tenant
		d.EndpointID = "ep"
		d.EventName = "test"
		d.Payload = json.RawMessage(`{}`)
		d.CreatedAt = base.Add(-time.Hour)
		if err := s.StoreDelivery(ctx, d); err != nil {
			t.Fatal(err)
		}
	}
	t.Cleanup(func() {
		// keep persistent backends from accumulating due deliveries
		for _, d := range deliveries {
			d.Status = webhook.StatusDeadLetter
			d.NextAttemptAt = time.Time{}
			s.StoreDelivery(ctx, d)
		}
	})

	due := func(now time.Time, limit int) []string {
		ret, err := s.RetrieveDueDeliveries(ctx, now, limit)
		if err != nil {
			t.Fatal(err)
		}
		var ids []string
		for _, d := range ret {
			if d.TenantID == tenant {
				ids = append(ids, d.ID)
			}
		}
		return ids
	}

	if have, want := fmt.Sprint(due(base, 0)), "[due1 due2]"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := fmt.Sprint(due(base, 1)), "[due1]"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := fmt.Sprint(due(base.Add(-time.Minute), 0)), "[due1 due2]"; have != want {
		t.Errorf("inclusive due time: have: %v, want: %v", have, want)
	}
	if have, want := fmt.Sprint(due(base.Add(2*time.Hour), 0)), "[due1 due2 later]"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have := due(base.Add(-3*time.Minute), 0); len(have) != 0 {
		t.Errorf("nothing should be due: %v", have)
	}
}
