package discover

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/oceangrid/pkg/fetch"
	"github.com/3leaps/oceangrid/pkg/pipeerr"
)

// RetryLister repeats transient failures of Lister on the fetch backoff
// schedule. Zero fields take fetch.DefaultConfig values.
type RetryLister struct {
	Lister      Lister
	MaxAttempts int
	// Timeout bounds each List call.
	Timeout time.Duration
	Backoff fetch.Backoff
	Logger  *zap.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

func (l *RetryLister) List(ctx context.Context) ([]Entry, error) {
	def := fetch.DefaultConfig()
	attempts := l.MaxAttempts
	if attempts <= 0 {
		attempts = def.MaxAttempts
	}
	timeout := l.Timeout
	if timeout <= 0 {
		timeout = def.Timeout
	}
	backoff := l.Backoff
	if backoff == (fetch.Backoff{}) {
		backoff = def.Backoff
	}
	log := l.Logger
	if log == nil {
		log = zap.NewNop()
	}
	wait := l.sleep
	if wait == nil {
		wait = sleepCtx
	}

	for attempt := 1; ; attempt++ {
		entries, err := l.once(ctx, timeout)
		if err == nil {
			return entries, nil
		}
		if attempt >= attempts || ctx.Err() != nil || !pipeerr.IsTransient(err) {
			return nil, err
		}
		delay := backoff.Delay(attempt)
		log.Warn("Listing failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if werr := wait(ctx, delay); werr != nil {
			return nil, err
		}
	}
}

func (l *RetryLister) once(ctx context.Context, timeout time.Duration) ([]Entry, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	entries, err := l.Lister.List(cctx)
	if err != nil && errors.Is(cctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil && !pipeerr.IsTransient(err) {
		err = &pipeerr.TransientIOError{Op: "list", Err: err}
	}
	return entries, err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
