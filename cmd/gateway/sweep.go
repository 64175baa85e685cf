package main

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// sweepLoop expires abandoned pending entitlements and deletes tokens that
// expired more than grace ago, once per interval until ctx is done.
func (s *Server) sweepLoop(ctx context.Context, interval, grace time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce(ctx, grace)
		}
	}
}

func (s *Server) sweepOnce(ctx context.Context, grace time.Duration) {
	if _, err := s.Issuer.SweepPending(ctx, time.Now()); err != nil {
		s.logWarn("pending sweep failed", zap.Error(err))
	}
	n, err := s.Tokens.SweepExpired(ctx, grace)
	if err != nil {
		s.logWarn("token sweep failed", zap.Error(err))
		return
	}
	s.Metrics.AddSwept("tokens", n)
}
