package settings

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Source loads the current project settings from wherever they live. The
// engine treats settings as an opaque key/value map and never writes them.
type Source interface {
	LoadSettings(ctx context.Context) (map[string]any, error)
}

// Store caches project settings loaded from a Source. Values are loaded
// lazily on first read and refreshed explicitly when a settings change
// event arrives.
type Store struct {
	logger *zap.Logger
	source Source

	mu     sync.RWMutex
	values map[string]any
	loaded bool
}

// NewStore creates a settings store backed by the given source
func NewStore(logger *zap.Logger, source Source) *Store {
	return &Store{
		logger: logger.Named("settings"),
		source: source,
	}
}

// Bool returns the named setting as a boolean, or def when the setting is
// absent or not a boolean.
func (s *Store) Bool(ctx context.Context, key string, def bool) (bool, error) {
	values, err := s.snapshot(ctx)
	if err != nil {
		return def, err
	}

	v, ok := values[key]
	if !ok {
		return def, nil
	}
	b, ok := v.(bool)
	if !ok {
		s.logger.Warn("setting has unexpected type",
			zap.String("key", key),
			zap.Any("value", v))
		return def, nil
	}
	return b, nil
}

// Refresh reloads settings from the source immediately
func (s *Store) Refresh(ctx context.Context) error {
	values, err := s.source.LoadSettings(ctx)
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}

	s.mu.Lock()
	s.values = values
	s.loaded = true
	s.mu.Unlock()

	s.logger.Debug("settings refreshed", zap.Int("count", len(values)))
	return nil
}

// snapshot returns the cached values, loading them on first use
func (s *Store) snapshot(ctx context.Context) (map[string]any, error) {
	s.mu.RLock()
	if s.loaded {
		values := s.values
		s.mu.RUnlock()
		return values, nil
	}
	s.mu.RUnlock()

	if err := s.Refresh(ctx); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.values, nil
}

// StaticSource serves a fixed settings map. Useful for tests and for
// deployments that configure the engine entirely from file.
type StaticSource struct {
	mu     sync.RWMutex
	values map[string]any
}

var _ Source = (*StaticSource)(nil)

// NewStaticSource creates a source over a copy of the given map
func NewStaticSource(values map[string]any) *StaticSource {
	copied := make(map[string]any, len(values))
	for k, v := range values {
		copied[k] = v
	}
	return &StaticSource{values: copied}
}

// LoadSettings implements Source.LoadSettings
func (s *StaticSource) LoadSettings(context.Context) (map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]any, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out, nil
}

// Set updates a single value served by subsequent loads
func (s *StaticSource) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
}
