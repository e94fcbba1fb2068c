package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/sylvanlabs/maestro-go/internal/compute"
	"github.com/sylvanlabs/maestro-go/internal/domain"
)

// callWithRetry runs one provider call with bounded retry. Input rejections
// and remote failures are never retried; network faults, 5xx, and 429 are
// retried with doubling delay up to the configured cap.
func (d *Dispatcher) callWithRetry(ctx context.Context, role domain.Role, fn func(ctx context.Context) (compute.JobState, error)) (compute.JobState, error) {
	delay := d.cfg.RetryBaseDelay
	var lastErr error
	for attempt := 1; attempt <= d.cfg.RetryAttempts; attempt++ {
		state, err := fn(ctx)
		if err == nil {
			return state, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return compute.JobState{}, err
		}

		var apiErr *compute.APIError
		if errors.As(err, &apiErr) {
			if apiErr.InputRejection() {
				return compute.JobState{}, &domain.InvalidInputError{Field: "input", Detail: apiErr.Error()}
			}
			if !apiErr.Transient() {
				return compute.JobState{}, fmt.Errorf("provider rejected request: %w", err)
			}
		}

		lastErr = err
		if attempt == d.cfg.RetryAttempts {
			break
		}
		if sleepErr := d.sleep(ctx, delay); sleepErr != nil {
			return compute.JobState{}, sleepErr
		}
		delay = min(delay*2, d.cfg.RetryMaxDelay)
	}
	return compute.JobState{}, &domain.TransientDispatchError{
		Role:   role,
		Detail: fmt.Sprintf("%d attempts exhausted", d.cfg.RetryAttempts),
		Err:    lastErr,
	}
}
