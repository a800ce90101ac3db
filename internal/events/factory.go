package events

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/synclab/collabd/internal/common/cnst"
	"github.com/synclab/collabd/internal/common/config"
)

// NewNotifier creates a notifier based on the configured backend type
func NewNotifier(logger *zap.Logger, cfg *config.Config) (Notifier, error) {
	switch cfg.Events.Type {
	case "channel", "":
		return NewChannelNotifier(logger), nil
	case "redis":
		return NewRedisNotifier(logger, NewRedisClient(cfg.Redis), cfg.Events.Stream)
	default:
		return nil, fmt.Errorf("%w: %s", cnst.ErrInvalidNotifierType, cfg.Events.Type)
	}
}
