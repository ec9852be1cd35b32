// Package dispatcher delivers signed webhooks to tenant endpoints.
//
// Each delivery attempt is a single bounded HTTP POST. Failed attempts are
// retried with capped exponential backoff until the attempt ceiling is
// reached or the endpoint is deactivated, at which point the delivery is
// dead-lettered. Delivery is at-least-once.
package dispatcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/assetra/automation/dispatcher/storage"
	"github.com/assetra/automation/logkeys"
	"github.com/assetra/automation/metrics"
	"github.com/assetra/automation/utils/uuid"
	"github.com/assetra/automation/webhook"

	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/ctxlog"
)

const (
	// DefaultTimeout bounds a single delivery attempt.
	DefaultTimeout = 10 * time.Second

	// MaxResponseBody is the number of response body bytes kept on a delivery.
	MaxResponseBody = 5000
)

var (
	ErrNilRequest         = errors.New("nil dispatch request")
	ErrNonSuccessResponse = errors.New("non-success webhook response")
	ErrDeliveryTerminal   = errors.New("delivery is terminal")
	ErrNotOutbound        = errors.New("endpoint is not outbound")
	ErrInvalidRetryPolicy = errors.New("invalid retry policy")
)

// Request identifies a payload to deliver to an endpoint.
type Request struct {
	TenantID   string
	EndpointID string
	EventName  string
	Payload    interface{}

	// DeliveryID reuses an existing delivery of the endpoint.
	// A new delivery is created if it is empty or not found.
	DeliveryID string

	// MaxAttempts and RetryBase are stored on a new delivery and
	// override the dispatcher defaults for it when non-zero.
	MaxAttempts int
	RetryBase   time.Duration
}

// Dispatcher sends webhook deliveries and owns their retry state.
type Dispatcher struct {
	storage   storage.AllStorage
	client    *http.Client
	scheduler Scheduler
	metrics   *metrics.Metrics

	logger log.Logger
	ider   uuid.IDer
	now    func() time.Time

	maxAttempts int
	retryBase   time.Duration
}

// Option configures the dispatcher.
type Option func(*Dispatcher)

// WithClient sets the HTTP client used for delivery attempts.
// The default client times out after DefaultTimeout.
func WithClient(client *http.Client) Option {
	return func(d *Dispatcher) {
		d.client = client
	}
}

// WithScheduler sets where retries are scheduled.
// The default is a PollScheduler.
func WithScheduler(s Scheduler) Option {
	return func(d *Dispatcher) {
		d.scheduler = s
	}
}

// WithMetrics records delivery attempts to m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

func WithLogger(logger log.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithIDer sets the delivery ID generator.
func WithIDer(ider uuid.IDer) Option {
	return func(d *Dispatcher) {
		d.ider = ider
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		d.now = now
	}
}

// WithMaxAttempts sets the attempt ceiling after which a delivery is dead-lettered.
func WithMaxAttempts(n int) Option {
	return func(d *Dispatcher) {
		d.maxAttempts = n
	}
}

// WithRetryBase sets the backoff after the first failed attempt.
func WithRetryBase(base time.Duration) Option {
	return func(d *Dispatcher) {
		d.retryBase = base
	}
}

// New creates a new dispatcher.
func New(storage storage.AllStorage, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		storage:     storage,
		client:      &http.Client{Timeout: DefaultTimeout},
		logger:      log.NopLogger,
		ider:        uuid.NewUUID(),
		now:         time.Now,
		maxAttempts: webhook.DefaultMaxAttempts,
		retryBase:   webhook.DefaultRetryBase,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.scheduler == nil {
		d.scheduler = NewPollScheduler(d.logger)
	}
	return d
}

func logAndError(err error, logger log.Logger, msg string) error {
	logger.Info(
		logkeys.Message, msg,
		logkeys.Error, err,
	)
	return fmt.Errorf("%s: %w", msg, err)
}

func (d *Dispatcher) outboundEndpoint(ctx context.Context, tenantID, id string) (*webhook.Endpoint, error) {
	endpoint, err := d.storage.RetrieveEndpoint(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if endpoint.Direction != webhook.DirectionOutbound {
		return nil, fmt.Errorf("%w: %s", ErrNotOutbound, id)
	}
	return endpoint, nil
}

// newDelivery creates and stores a pending delivery for req.
func (d *Dispatcher) newDelivery(ctx context.Context, req *Request, nextAttempt time.Time) (*webhook.Delivery, error) {
	if req.MaxAttempts < 0 || req.RetryBase < 0 {
		return nil, ErrInvalidRetryPolicy
	}
	payload, err := webhook.CanonicalPayload(req.Payload)
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}
	now := d.now().UTC()
	delivery := &webhook.Delivery{
		ID:            d.ider.ID(),
		TenantID:      req.TenantID,
		EndpointID:    req.EndpointID,
		EventName:     req.EventName,
		Payload:       payload,
		MaxAttempts:   req.MaxAttempts,
		RetryBase:     req.RetryBase,
		Status:        webhook.StatusPending,
		NextAttemptAt: nextAttempt,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := d.storage.StoreDelivery(ctx, delivery); err != nil {
		return nil, fmt.Errorf("storing delivery: %w", err)
	}
	return delivery, nil
}

// Dispatch makes one delivery attempt for req and returns the delivery ID.
//
// An existing delivery is reused if req names one for the same endpoint;
// otherwise a new pending delivery is created. The outcome of the attempt
// is recorded on the delivery: delivery failures are not returned as
// errors. An error is returned only if the endpoint cannot be loaded or the
// delivery cannot be stored.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request) (string, error) {
	if req == nil {
		return "", ErrNilRequest
	}
	logger := ctxlog.Logger(ctx, d.logger).With(
		logkeys.TenantID, req.TenantID,
		logkeys.EndpointID, req.EndpointID,
		logkeys.EventName, req.EventName,
	)
	endpoint, err := d.outboundEndpoint(ctx, req.TenantID, req.EndpointID)
	if err != nil {
		return "", logAndError(err, logger, "retrieving endpoint")
	}

	var delivery *webhook.Delivery
	if req.DeliveryID != "" {
		delivery, err = d.storage.RetrieveDelivery(ctx, req.TenantID, req.DeliveryID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return "", logAndError(err, logger, "retrieving delivery")
		} else if err == nil && delivery.EndpointID != endpoint.ID {
			delivery = nil
		}
	}
	if delivery == nil {
		if delivery, err = d.newDelivery(ctx, req, time.Time{}); err != nil {
			return "", logAndError(err, logger, "creating delivery")
		}
	} else if delivery.Status.Terminal() {
		return delivery.ID, fmt.Errorf("%w: %s", ErrDeliveryTerminal, delivery.ID)
	}

	return delivery.ID, d.attempt(ctx, endpoint, delivery)
}

// Redispatch makes the next delivery attempt for an existing pending delivery.
// A delivery whose endpoint no longer exists is dead-lettered.
func (d *Dispatcher) Redispatch(ctx context.Context, tenantID, deliveryID string) error {
	logger := ctxlog.Logger(ctx, d.logger).With(
		logkeys.TenantID, tenantID,
		logkeys.DeliveryID, deliveryID,
	)
	delivery, err := d.storage.RetrieveDelivery(ctx, tenantID, deliveryID)
	if err != nil {
		return logAndError(err, logger, "retrieving delivery")
	}
	if delivery.Status.Terminal() {
		return fmt.Errorf("%w: %s", ErrDeliveryTerminal, delivery.ID)
	}
	endpoint, err := d.outboundEndpoint(ctx, tenantID, delivery.EndpointID)
	if errors.Is(err, storage.ErrNotFound) || errors.Is(err, ErrNotOutbound) {
		now := d.now().UTC()
		webhook.Decision{Status: webhook.StatusDeadLetter, DeadLetteredAt: now}.Apply(delivery, err.Error())
		delivery.UpdatedAt = now
		if storeErr := d.storage.StoreDelivery(ctx, delivery); storeErr != nil {
			return logAndError(storeErr, logger, "storing delivery")
		}
		d.metrics.WebhookAttempted(ctx, delivery.EndpointID, metrics.OutcomeDeadLetter, 0)
		logger.Info(logkeys.Message, "dead-lettered delivery", logkeys.Error, err)
		return nil
	} else if err != nil {
		return logAndError(err, logger, "retrieving endpoint")
	}
	return d.attempt(ctx, endpoint, delivery)
}

// Enqueue creates a pending delivery for req due immediately and schedules
// it without making an attempt. It returns the new delivery ID.
func (d *Dispatcher) Enqueue(ctx context.Context, req *Request) (string, error) {
	if req == nil {
		return "", ErrNilRequest
	}
	logger := ctxlog.Logger(ctx, d.logger).With(
		logkeys.TenantID, req.TenantID,
		logkeys.EndpointID, req.EndpointID,
		logkeys.EventName, req.EventName,
	)
	if _, err := d.outboundEndpoint(ctx, req.TenantID, req.EndpointID); err != nil {
		return "", logAndError(err, logger, "retrieving endpoint")
	}
	now := d.now().UTC()
	delivery, err := d.newDelivery(ctx, req, now)
	if err != nil {
		return "", logAndError(err, logger, "creating delivery")
	}
	if err = d.scheduler.ScheduleRetry(ctx, delivery.TenantID, delivery.ID, now); err != nil {
		return delivery.ID, logAndError(err, logger, "scheduling delivery")
	}
	logger.Debug(logkeys.Message, "enqueued delivery", logkeys.DeliveryID, delivery.ID)
	return delivery.ID, nil
}

// attempt sends delivery to endpoint, applies the outcome and persists it.
func (d *Dispatcher) attempt(ctx context.Context, endpoint *webhook.Endpoint, delivery *webhook.Delivery) error {
	started := d.now()
	now := started.UTC()
	delivery.AttemptCount++
	logger := ctxlog.Logger(ctx, d.logger).With(
		logkeys.TenantID, delivery.TenantID,
		logkeys.EndpointID, endpoint.ID,
		logkeys.DeliveryID, delivery.ID,
		logkeys.EventName, delivery.EventName,
		logkeys.Attempt, delivery.AttemptCount,
	)

	var outcome string
	sendErr := d.send(ctx, endpoint, delivery, now)
	if sendErr == nil {
		outcome = metrics.OutcomeSuccess
		delivery.Status = webhook.StatusSuccess
		delivery.DeliveredAt = now
		delivery.NextAttemptAt = time.Time{}
		delivery.LastError = ""
		endpoint.LastDeliveryAt = now
		endpoint.UpdatedAt = now
	} else {
		maxAttempts, retryBase := d.retryPolicy(delivery)
		dec := webhook.Decide(delivery.AttemptCount, maxAttempts, endpoint.Active, retryBase, now)
		dec.Apply(delivery, sendErr.Error())
		outcome = metrics.OutcomeDeadLetter
		if dec.Retry() {
			outcome = metrics.OutcomeRetry
		}
	}
	delivery.UpdatedAt = now
	d.metrics.WebhookAttempted(ctx, endpoint.ID, outcome, d.now().Sub(started))

	if err := d.storage.StoreDelivery(ctx, delivery); err != nil {
		return logAndError(err, logger, "storing delivery")
	}

	switch outcome {
	case metrics.OutcomeSuccess:
		logger.Debug(
			logkeys.Message, "delivered",
			logkeys.StatusCode, delivery.ResponseCode,
		)
		if err := d.storage.StoreEndpoint(ctx, endpoint); err != nil {
			return logAndError(err, logger, "storing endpoint")
		}
	case metrics.OutcomeRetry:
		logger.Info(
			logkeys.Message, "delivery failed, retrying",
			logkeys.NextAttempt, delivery.NextAttemptAt,
			logkeys.Error, sendErr,
		)
		if err := d.scheduler.ScheduleRetry(ctx, delivery.TenantID, delivery.ID, delivery.NextAttemptAt); err != nil {
			return logAndError(err, logger, "scheduling retry")
		}
	default:
		logger.Info(
			logkeys.Message, "delivery dead-lettered",
			logkeys.Error, sendErr,
		)
	}
	return nil
}

// retryPolicy returns the attempt ceiling and backoff base for delivery,
// falling back to the dispatcher defaults.
func (d *Dispatcher) retryPolicy(delivery *webhook.Delivery) (int, time.Duration) {
	maxAttempts, retryBase := d.maxAttempts, d.retryBase
	if delivery.MaxAttempts > 0 {
		maxAttempts = delivery.MaxAttempts
	}
	if delivery.RetryBase > 0 {
		retryBase = delivery.RetryBase
	}
	return maxAttempts, retryBase
}

// send makes the HTTP request for one attempt and records the response.
// A non-nil error is the failure recorded as the delivery's last error.
func (d *Dispatcher) send(ctx context.Context, endpoint *webhook.Endpoint, delivery *webhook.Delivery, now time.Time) error {
	body, err := webhook.CanonicalPayload(delivery.Payload)
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}
	timestamp := webhook.Timestamp(now)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", webhook.UserAgent)
	req.Header.Set(webhook.HeaderEvent, delivery.EventName)
	req.Header.Set(webhook.HeaderDeliveryID, delivery.ID)
	req.Header.Set(webhook.HeaderTimestamp, timestamp)
	if endpoint.Secret != "" {
		req.Header.Set(webhook.HeaderSignature, webhook.Sign(endpoint.Secret, timestamp, body))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseBody))
	delivery.ResponseCode = resp.StatusCode
	// a truncated multi-byte character is dropped
	delivery.ResponseBody = strings.ToValidUTF8(string(respBody), "")
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: %d", ErrNonSuccessResponse, resp.StatusCode)
	}
	return nil
}
