package webhook

import "time"

const (
	DefaultMaxAttempts = 5
	DefaultRetryBase   = 60 * time.Second

	// MaxRetryDelay caps the exponential backoff.
	MaxRetryDelay = time.Hour
)

// RetryDelay returns the backoff after the attempt numbered attempt
// (starting at 1): base doubled for every attempt after the first,
// capped at MaxRetryDelay.
func RetryDelay(attempt int, base time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= MaxRetryDelay {
			return MaxRetryDelay
		}
	}
	if delay > MaxRetryDelay {
		return MaxRetryDelay
	}
	return delay
}

// Decision is the state a delivery moves to after a failed attempt.
type Decision struct {
	Status         DeliveryStatus
	NextAttemptAt  time.Time
	DeadLetteredAt time.Time
}

// Retry reports whether the decision schedules another attempt.
func (dec Decision) Retry() bool {
	return dec.Status == StatusPending
}

// Decide returns the state after failed attempt number attemptCount at now.
// The delivery is retried while attempts remain and the endpoint is active;
// otherwise it is dead-lettered.
func Decide(attemptCount, maxAttempts int, endpointActive bool, base time.Duration, now time.Time) Decision {
	if attemptCount < maxAttempts && endpointActive {
		return Decision{
			Status:        StatusPending,
			NextAttemptAt: now.Add(RetryDelay(attemptCount, base)),
		}
	}
	return Decision{
		Status:         StatusDeadLetter,
		DeadLetteredAt: now,
	}
}

// Apply sets the failed-attempt fields of d from the decision.
func (dec Decision) Apply(d *Delivery, lastError string) {
	d.Status = dec.Status
	d.LastError = lastError
	d.NextAttemptAt = dec.NextAttemptAt
	if !dec.DeadLetteredAt.IsZero() {
		d.DeadLetteredAt = dec.DeadLetteredAt
	}
}
