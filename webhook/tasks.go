package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

const (
	// TypeProcessWebhook is the asynq task type for one processing attempt
	// of a stored webhook event.
	TypeProcessWebhook = "webhook:process"

	// Queue is the asynq queue webhook tasks run on.
	Queue = "webhooks"

	// MaxRetries bounds asynq-driven retries per event; the staircase below
	// spaces them out. After the last retry the event stays failed for
	// operator attention.
	MaxRetries = 5
)

// retrySteps is the staircase of delays between processing attempts.
var retrySteps = [...]time.Duration{
	1 * time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	60 * time.Minute,
	360 * time.Minute,
}

// Delay returns the staircase delay after the given failed attempt
// (1-based). Attempts past the staircase reuse the last step.
func Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > len(retrySteps) {
		attempt = len(retrySteps)
	}
	return retrySteps[attempt-1]
}

// RetryDelay is the asynq RetryDelayFunc applying the staircase. n is the
// retry count asynq reports for the task.
func RetryDelay(n int, _ error, _ *asynq.Task) time.Duration {
	return Delay(n)
}

// ProcessPayload is the task payload: just the event id, the row holds
// everything else.
type ProcessPayload struct {
	EventID uuid.UUID `json:"event_id"`
}

// NewProcessTask builds the asynq task for an event. The task id is derived
// from the event id so a racing enqueue (handler and scheduler sweep) yields
// one queued task.
func NewProcessTask(eventID uuid.UUID) (*asynq.Task, error) {
	payload, err := json.Marshal(ProcessPayload{EventID: eventID})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal webhook task payload: %w", err)
	}
	return asynq.NewTask(TypeProcessWebhook, payload,
		asynq.Queue(Queue),
		asynq.MaxRetry(MaxRetries),
		asynq.TaskID(TypeProcessWebhook+":"+eventID.String()),
		asynq.Timeout(time.Minute),
	), nil
}

// Enqueuer hands accepted events to the worker pool.
type Enqueuer interface {
	Enqueue(ctx context.Context, eventID uuid.UUID) error
}

// AsynqEnqueuer is the production Enqueuer over an asynq client.
type AsynqEnqueuer struct {
	client *asynq.Client
}

// NewAsynqEnqueuer wraps an asynq client.
func NewAsynqEnqueuer(client *asynq.Client) *AsynqEnqueuer {
	return &AsynqEnqueuer{client: client}
}

// Enqueue queues one processing attempt. A task id conflict means the event
// is already queued, which is what the caller wanted.
func (e *AsynqEnqueuer) Enqueue(ctx context.Context, eventID uuid.UUID) error {
	task, err := NewProcessTask(eventID)
	if err != nil {
		return err
	}
	if _, err := e.client.EnqueueContext(ctx, task); err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			return nil
		}
		return fmt.Errorf("failed to enqueue webhook task: %w", err)
	}
	return nil
}
