package permissions

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/synclab/collabd/internal/common/cnst"
	"github.com/synclab/collabd/internal/events"
)

// Service fronts the external policy evaluator with the permission cache.
// All authorization decisions in the engine go through it.
type Service struct {
	logger   *zap.Logger
	verifier Verifier
	cache    *Cache
	maxTTL   time.Duration

	// optional hooks for instrumentation
	onHit, onMiss, onInvalidate func()
}

// NewService creates a permission service around a verifier
func NewService(logger *zap.Logger, verifier Verifier, cache *Cache, maxTTL time.Duration) *Service {
	if maxTTL <= 0 {
		maxTTL = time.Hour
	}
	return &Service{
		logger:   logger.Named("permissions"),
		verifier: verifier,
		cache:    cache,
		maxTTL:   maxTTL,
	}
}

// SetHooks registers instrumentation callbacks for cache hits, misses and
// invalidation sweeps. Nil callbacks are allowed.
func (s *Service) SetHooks(onHit, onMiss, onInvalidate func()) {
	s.onHit, s.onMiss, s.onInvalidate = onHit, onMiss, onInvalidate
}

// Verify returns the allowed field list for the accountability acting on the
// record, consulting the cache before the evaluator. nil means the item does
// not exist or there is no permission; an empty list means the item exists
// but no field is visible.
func (s *Service) Verify(ctx context.Context, acc *Accountability, collection string, item *string, action cnst.PermissionAction) ([]string, error) {
	if fields, noAccess, ok := s.cache.Get(acc, collection, item, action); ok {
		if s.onHit != nil {
			s.onHit()
		}
		if noAccess {
			return nil, nil
		}
		return fields, nil
	}

	if s.onMiss != nil {
		s.onMiss()
	}

	result, err := s.verifier.VerifyPermissions(ctx, acc, collection, item, action)
	if err != nil {
		return nil, err
	}

	if result == nil {
		s.cache.Set(acc, collection, item, action, nil, nil, 0)
		return nil, nil
	}

	ttl := result.TTL
	if ttl > s.maxTTL || ttl < 0 {
		// Volatile predicates ($NOW and friends) are re-evaluated at least
		// this often even when their own window is longer.
		ttl = s.maxTTL
	}

	fields := result.Fields
	if fields == nil {
		fields = []string{}
	}

	s.cache.Set(acc, collection, item, action, fields, result.Tags, ttl)

	return fields, nil
}

// ValidateItemAccess delegates row-level access checks to the evaluator.
// Results are not cached: these checks are rare (version joins) and cheap to
// tag incorrectly.
func (s *Service) ValidateItemAccess(ctx context.Context, acc *Accountability, collection string, keys []string, action cnst.PermissionAction) (bool, error) {
	return s.verifier.ValidateItemAccess(ctx, acc, collection, keys, action)
}

// AllowedFields computes the editable field set for a record: the
// intersection of read-allowed and update-allowed fields. A wildcard on one
// side defers to the other side's explicit list; wildcard on both sides
// yields ["*"]. nil means no access at all.
func (s *Service) AllowedFields(ctx context.Context, acc *Accountability, collection string, item *string) ([]string, error) {
	read, err := s.Verify(ctx, acc, collection, item, cnst.PermissionActionRead)
	if err != nil {
		return nil, err
	}

	update, err := s.Verify(ctx, acc, collection, item, cnst.PermissionActionUpdate)
	if err != nil {
		return nil, err
	}

	if read == nil && update == nil {
		return nil, nil
	}
	if read == nil {
		return update, nil
	}
	if update == nil {
		return read, nil
	}

	readAll := contains(read, "*")
	updateAll := contains(update, "*")

	switch {
	case readAll && updateAll:
		return []string{"*"}, nil
	case readAll:
		return update, nil
	case updateAll:
		return read, nil
	}

	return intersect(read, update), nil
}

// Invalidate applies a domain-change event to the cache
func (s *Service) Invalidate(event *events.Event) {
	evicted := s.cache.Invalidate(event)
	if evicted > 0 && s.onInvalidate != nil {
		s.onInvalidate()
	}
}

// Cache exposes the underlying cache, mainly for tests
func (s *Service) Cache() *Cache { return s.cache }

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func intersect(a, b []string) []string {
	set := make(map[string]struct{}, len(b))
	for _, f := range b {
		set[f] = struct{}{}
	}

	out := make([]string, 0, len(a))
	for _, f := range a {
		if _, ok := set[f]; ok {
			out = append(out, f)
		}
	}
	return out
}
