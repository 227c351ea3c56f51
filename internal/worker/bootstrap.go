package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/you/surplus-alerts/internal/stream"
)

// Bootstrap makes sure the consumer group exists before the loop starts.
// Transports already treat an existing group as success, so any error here is
// fatal for startup.
func Bootstrap(ctx context.Context, t stream.Transport, timeout time.Duration, log zerolog.Logger) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := t.EnsureGroup(ctx); err != nil {
		return fmt.Errorf("bootstrap consumer group: %w", err)
	}
	log.Info().Msg("consumer group ready")
	return nil
}
