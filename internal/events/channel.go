package events

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// ChannelNotifier implements Notifier in-process. It serves single-instance
// deployments and tests; every watcher receives every published event.
type ChannelNotifier struct {
	logger   *zap.Logger
	mu       sync.RWMutex
	watchers map[chan *Event]struct{}
}

var _ Notifier = (*ChannelNotifier)(nil)

// NewChannelNotifier creates a new in-process notifier
func NewChannelNotifier(logger *zap.Logger) *ChannelNotifier {
	return &ChannelNotifier{
		logger:   logger.Named("events.channel"),
		watchers: make(map[chan *Event]struct{}),
	}
}

// Watch implements Notifier.Watch
func (n *ChannelNotifier) Watch(ctx context.Context) (<-chan *Event, error) {
	ch := make(chan *Event, 64)

	n.mu.Lock()
	n.watchers[ch] = struct{}{}
	n.mu.Unlock()

	go func() {
		<-ctx.Done()
		n.mu.Lock()
		delete(n.watchers, ch)
		n.mu.Unlock()
		close(ch)
	}()

	return ch, nil
}

// Publish implements Notifier.Publish
func (n *ChannelNotifier) Publish(_ context.Context, event *Event) error {
	n.mu.RLock()
	defer n.mu.RUnlock()

	for ch := range n.watchers {
		select {
		case ch <- event:
		default:
			n.logger.Warn("watcher queue is full, dropping event",
				zap.String("collection", event.Collection),
				zap.String("action", string(event.Action)))
		}
	}

	return nil
}
