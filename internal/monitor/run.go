package monitor

import (
	"context"
	"fmt"
	"time"
)

const (
	// DefaultInterval matches the upstream feeds' refresh cadence.
	DefaultInterval = 10 * time.Minute

	// DefaultPassTimeout bounds one pass end to end, LLM calls included.
	DefaultPassTimeout = 5 * time.Minute
)

// Run executes passes until ctx is cancelled: one immediately, then one
// per interval. A failed or panicking pass is reported to the
// notification channel and the loop keeps going; only cancellation
// stops it.
func (s *Service) Run(ctx context.Context, interval, passTimeout time.Duration) error {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if passTimeout <= 0 {
		passTimeout = DefaultPassTimeout
	}

	s.logger.Info(ctx, "monitor starting",
		"interval", interval.String(),
		"pass_timeout", passTimeout.String(),
		"sources", len(s.opts.Sources),
	)

	s.runOnce(ctx, passTimeout)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info(ctx, "monitor stopping")
			return ctx.Err()
		case <-ticker.C:
			s.runOnce(ctx, passTimeout)
		}
	}
}

func (s *Service) runOnce(ctx context.Context, passTimeout time.Duration) {
	passCtx, cancel := context.WithTimeout(ctx, passTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("pass panic: %v", r)
			s.logger.Error(ctx, err, "pass panicked")
			s.notifyFailure(ctx, err)
		}
	}()

	if _, err := s.RunPass(passCtx); err != nil {
		s.notifyFailure(ctx, err)
	}
}

// notifyFailure surfaces a pass failure in the alert channel itself, so
// a silently dead pipeline is visible where alerts are expected.
func (s *Service) notifyFailure(ctx context.Context, passErr error) {
	if ctx.Err() != nil {
		return
	}
	notifyCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := s.deliverer.SendError(notifyCtx, passErr.Error()); err != nil {
		s.logger.Error(ctx, err, "failure notification failed")
	}
}
