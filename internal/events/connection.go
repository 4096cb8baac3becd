package events

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"marketplace_chat/pkg/logger"
)

const maxDialDelay = 30 * time.Second

type DialOptions struct {
	URL      string
	Attempts int
	Delay    time.Duration
}

// DialWithRetry connects to the broker with capped exponential backoff.
func DialWithRetry(ctx context.Context, opts DialOptions, log logger.Logger) (*amqp.Connection, error) {
	if opts.Attempts < 1 {
		opts.Attempts = 1
	}
	if opts.Delay <= 0 {
		opts.Delay = time.Second
	}

	var lastErr error
	sleep := opts.Delay
	for i := 1; i <= opts.Attempts; i++ {
		conn, err := amqp.Dial(opts.URL)
		if err == nil {
			if i > 1 {
				log.Info("AMQP connected", "attempt", i)
			}
			return conn, nil
		}
		lastErr = err
		if i == opts.Attempts {
			break
		}

		log.Warn("AMQP dial failed", "attempt", i, "sleep", sleep, "error", err)

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("dial cancelled: %w", ctx.Err())
		case <-timer.C:
		}

		sleep *= 2
		if sleep > maxDialDelay {
			sleep = maxDialDelay
		}
	}

	return nil, fmt.Errorf("failed to connect to AMQP after %d attempts: %w", opts.Attempts, lastErr)
}
