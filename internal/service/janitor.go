package service

import (
	"context"
	"time"
)

// Janitor periodically purges terminal tasks older than the configured
// retention. Runs until ctx is canceled; a zero retention disables it.
func (s *Service) Janitor(ctx context.Context, interval time.Duration) {
	if s.cfg.Retention <= 0 {
		return
	}
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Cleanup(ctx, s.cfg.Retention); err != nil {
				s.log.Error().Err(err).Msg("retention cleanup")
			}
		}
	}
}
