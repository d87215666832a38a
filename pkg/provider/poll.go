package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

var errNotFinished = errors.New("prediction not finished")

type PollOptions struct {
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	// MaxElapsed bounds the whole wait. Zero means no bound.
	MaxElapsed time.Duration `yaml:"max_elapsed"`
	// MaxAttempts bounds the number of status requests. Zero means no bound.
	MaxAttempts uint64 `yaml:"max_attempts"`

	// OnProgress receives every non-terminal status.
	OnProgress func(ctx context.Context, prediction *Prediction) `yaml:"-"`
	// OnHeartbeat runs before every status request. An error stops polling.
	OnHeartbeat func(ctx context.Context) error `yaml:"-"`
}

func DefaultPollOptions() PollOptions {
	return PollOptions{
		InitialInterval: time.Second,
		MaxInterval:     10 * time.Second,
		MaxElapsed:      30 * time.Minute,
		MaxAttempts:     600,
	}
}

// Poll waits for a prediction to reach a terminal status, backing off exponentially between
// status requests. Transient request failures are retried; a failed or canceled prediction
// returns a *PredictionError; running out of attempts or time returns ErrPollTimeout.
func Poll(ctx context.Context, client Client, predictionID string, opts PollOptions) (*Prediction, error) {
	defaults := DefaultPollOptions()

	if opts.InitialInterval <= 0 {
		opts.InitialInterval = defaults.InitialInterval
	}

	if opts.MaxInterval < opts.InitialInterval {
		opts.MaxInterval = opts.InitialInterval
	}

	policy := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(opts.InitialInterval),
		backoff.WithMaxInterval(opts.MaxInterval),
		backoff.WithMaxElapsedTime(opts.MaxElapsed),
	)

	var strategy backoff.BackOff = policy
	if opts.MaxAttempts > 0 {
		strategy = backoff.WithMaxRetries(strategy, opts.MaxAttempts)
	}

	var last *Prediction

	operation := func() (*Prediction, error) {
		if opts.OnHeartbeat != nil {
			err := opts.OnHeartbeat(ctx)
			if err != nil {
				return nil, backoff.Permanent(fmt.Errorf("heartbeat failed: %w", err))
			}
		}

		prediction, err := client.GetStatus(ctx, predictionID)
		if err != nil {
			if IsRetryable(err) {
				return nil, err
			}

			return nil, backoff.Permanent(err)
		}

		last = prediction

		switch prediction.Status {
		case StatusSucceeded:
			return prediction, nil
		case StatusFailed, StatusCanceled:
			return nil, backoff.Permanent(&PredictionError{
				PredictionID: predictionID,
				Status:       prediction.Status,
				Message:      prediction.Error,
			})
		}

		if opts.OnProgress != nil {
			opts.OnProgress(ctx, prediction)
		}

		return nil, errNotFinished
	}

	prediction, err := backoff.RetryWithData(operation, backoff.WithContext(strategy, ctx))
	if err == nil {
		return prediction, nil
	}

	if errors.Is(err, errNotFinished) {
		status := Status("unknown")
		if last != nil {
			status = last.Status
		}

		return nil, fmt.Errorf("%w: %s still %s", ErrPollTimeout, predictionID, status)
	}

	return nil, err
}
