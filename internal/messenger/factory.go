package messenger

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/synclab/collabd/internal/common/cnst"
	"github.com/synclab/collabd/internal/common/config"
	"github.com/synclab/collabd/internal/events"
)

// NewMessenger creates a messenger from the configured type
func NewMessenger(logger *zap.Logger, cfg *config.Config) (Messenger, error) {
	switch cfg.Messenger.Type {
	case "memory":
		return NewMemoryMessenger(logger), nil
	case "redis":
		client := events.NewRedisClient(cfg.Redis)
		return NewRedisMessenger(logger, client, cfg.Messenger, cfg.Redis.Prefix)
	default:
		return nil, fmt.Errorf("%w: %s", cnst.ErrInvalidMessengerType, cfg.Messenger.Type)
	}
}
