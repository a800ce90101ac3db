package permissions

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/synclab/collabd/internal/common/cnst"
	"github.com/synclab/collabd/internal/events"
)

func strptr(s string) *string { return &s }

func testAccountability() *Accountability {
	return &Accountability{User: "user-1", Role: "role-1", Roles: []string{"role-1"}}
}

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	return NewCache(zap.NewNop(), 16)
}

func TestCacheSetGet(t *testing.T) {
	cache := newTestCache(t)
	acc := testAccountability()

	cache.Set(acc, "posts", strptr("1"), cnst.PermissionActionRead, []string{"title"}, nil, 0)

	fields, noAccess, ok := cache.Get(acc, "posts", strptr("1"), cnst.PermissionActionRead)
	assert.True(t, ok)
	assert.False(t, noAccess)
	assert.Equal(t, []string{"title"}, fields)
}

func TestCacheMiss(t *testing.T) {
	cache := newTestCache(t)

	_, _, ok := cache.Get(testAccountability(), "posts", strptr("999"), cnst.PermissionActionRead)
	assert.False(t, ok)
}

func TestCacheNoAccessSentinel(t *testing.T) {
	cache := newTestCache(t)
	acc := testAccountability()

	cache.Set(acc, "posts", strptr("1"), cnst.PermissionActionRead, nil, nil, 0)

	fields, noAccess, ok := cache.Get(acc, "posts", strptr("1"), cnst.PermissionActionRead)
	assert.True(t, ok)
	assert.True(t, noAccess)
	assert.Nil(t, fields)
}

func TestCacheKeyDiscrimination(t *testing.T) {
	cache := newTestCache(t)
	acc := testAccountability()
	other := &Accountability{User: "user-2", Role: "role-1"}

	cache.Set(acc, "posts", strptr("1"), cnst.PermissionActionRead, []string{"a"}, nil, 0)
	cache.Set(other, "posts", strptr("1"), cnst.PermissionActionRead, []string{"b"}, nil, 0)
	cache.Set(acc, "posts", strptr("1"), cnst.PermissionActionUpdate, []string{"c"}, nil, 0)
	cache.Set(acc, "comments", strptr("1"), cnst.PermissionActionRead, []string{"d"}, nil, 0)

	fields, _, _ := cache.Get(acc, "posts", strptr("1"), cnst.PermissionActionRead)
	assert.Equal(t, []string{"a"}, fields)
	fields, _, _ = cache.Get(other, "posts", strptr("1"), cnst.PermissionActionRead)
	assert.Equal(t, []string{"b"}, fields)
	fields, _, _ = cache.Get(acc, "posts", strptr("1"), cnst.PermissionActionUpdate)
	assert.Equal(t, []string{"c"}, fields)
	fields, _, _ = cache.Get(acc, "comments", strptr("1"), cnst.PermissionActionRead)
	assert.Equal(t, []string{"d"}, fields)
}

func TestCacheTTLExpiry(t *testing.T) {
	cache := newTestCache(t)
	acc := testAccountability()

	cache.Set(acc, "posts", strptr("1"), cnst.PermissionActionRead, []string{"a"}, nil, 10*time.Millisecond)

	_, _, ok := cache.Get(acc, "posts", strptr("1"), cnst.PermissionActionRead)
	assert.True(t, ok)

	time.Sleep(20 * time.Millisecond)

	_, _, ok = cache.Get(acc, "posts", strptr("1"), cnst.PermissionActionRead)
	assert.False(t, ok)
}

func TestCacheCapacityEviction(t *testing.T) {
	cache := NewCache(zap.NewNop(), 2)
	acc := testAccountability()

	cache.Set(acc, "posts", strptr("1"), cnst.PermissionActionRead, []string{"a"}, nil, 0)
	cache.Set(acc, "posts", strptr("2"), cnst.PermissionActionRead, []string{"b"}, nil, 0)
	cache.Set(acc, "posts", strptr("3"), cnst.PermissionActionRead, []string{"c"}, nil, 0)

	assert.Equal(t, 2, cache.Len())
	_, _, ok := cache.Get(acc, "posts", strptr("1"), cnst.PermissionActionRead)
	assert.False(t, ok, "oldest entry should have been evicted")
}

func TestInvalidateSpecificItem(t *testing.T) {
	cache := newTestCache(t)
	acc := testAccountability()

	cache.Set(acc, "posts", strptr("1"), cnst.PermissionActionRead, []string{"a"}, nil, 0)
	cache.Set(acc, "posts", strptr("2"), cnst.PermissionActionRead, []string{"b"}, nil, 0)

	cache.Invalidate(&events.Event{Collection: "posts", Action: cnst.EventActionUpdate, Keys: []string{"1"}})

	_, _, ok := cache.Get(acc, "posts", strptr("1"), cnst.PermissionActionRead)
	assert.False(t, ok)
	_, _, ok = cache.Get(acc, "posts", strptr("2"), cnst.PermissionActionRead)
	assert.True(t, ok)
}

func TestInvalidateWholeCollection(t *testing.T) {
	cache := newTestCache(t)
	acc := testAccountability()

	cache.Set(acc, "posts", strptr("1"), cnst.PermissionActionRead, []string{"a"}, nil, 0)
	cache.Set(acc, "posts", strptr("2"), cnst.PermissionActionRead, []string{"b"}, nil, 0)
	cache.Set(acc, "comments", strptr("1"), cnst.PermissionActionRead, []string{"c"}, nil, 0)

	// No keys: the whole collection may have changed
	cache.Invalidate(&events.Event{Collection: "posts", Action: cnst.EventActionUpdate})

	_, _, ok := cache.Get(acc, "posts", strptr("1"), cnst.PermissionActionRead)
	assert.False(t, ok)
	_, _, ok = cache.Get(acc, "posts", strptr("2"), cnst.PermissionActionRead)
	assert.False(t, ok)
	_, _, ok = cache.Get(acc, "comments", strptr("1"), cnst.PermissionActionRead)
	assert.True(t, ok)
}

func TestInvalidateByDependencyTag(t *testing.T) {
	cache := newTestCache(t)
	acc := testAccountability()

	cache.Set(acc, "posts", strptr("1"), cnst.PermissionActionRead, []string{"a"}, []string{cnst.CollectionUsers + ":123"}, 0)

	cache.Invalidate(&events.Event{Collection: cnst.CollectionUsers, Action: cnst.EventActionUpdate, Keys: []string{"123"}})

	_, _, ok := cache.Get(acc, "posts", strptr("1"), cnst.PermissionActionRead)
	assert.False(t, ok)
}

func TestInvalidateByCollectionTag(t *testing.T) {
	cache := newTestCache(t)
	acc := testAccountability()

	// Entry depends on ALL comments (aggregate sub-query)
	cache.Set(acc, "posts", strptr("1"), cnst.PermissionActionRead, []string{"a"}, []string{"comments"}, 0)

	cache.Invalidate(&events.Event{Collection: "comments", Action: cnst.EventActionCreate, Keys: []string{"55"}})

	_, _, ok := cache.Get(acc, "posts", strptr("1"), cnst.PermissionActionRead)
	assert.False(t, ok)
}

func TestInvalidateKeyedTagByKeylessEvent(t *testing.T) {
	cache := newTestCache(t)
	acc := testAccountability()

	cache.Set(acc, "posts", strptr("1"), cnst.PermissionActionRead, []string{"a"}, []string{cnst.CollectionUsers + ":123"}, 0)

	// Keyless event on the tagged collection: unknown which record changed
	cache.Invalidate(&events.Event{Collection: cnst.CollectionUsers, Action: cnst.EventActionUpdate})

	_, _, ok := cache.Get(acc, "posts", strptr("1"), cnst.PermissionActionRead)
	assert.False(t, ok)
}

func TestInvalidateUnrelatedKeyedTagSurvives(t *testing.T) {
	cache := newTestCache(t)
	acc := testAccountability()

	cache.Set(acc, "posts", strptr("1"), cnst.PermissionActionRead, []string{"a"}, []string{cnst.CollectionUsers + ":123"}, 0)

	cache.Invalidate(&events.Event{Collection: cnst.CollectionUsers, Action: cnst.EventActionUpdate, Keys: []string{"456"}})

	_, _, ok := cache.Get(acc, "posts", strptr("1"), cnst.PermissionActionRead)
	assert.True(t, ok)
}

func TestInvalidateSystemCollectionsClearAll(t *testing.T) {
	for _, coll := range []string{cnst.CollectionPermissions, cnst.CollectionPolicies} {
		cache := newTestCache(t)
		acc := testAccountability()

		cache.Set(acc, "posts", strptr("1"), cnst.PermissionActionRead, []string{"a"}, nil, 0)
		cache.Set(acc, "comments", strptr("2"), cnst.PermissionActionRead, []string{"b"}, nil, 0)

		cache.Invalidate(&events.Event{Collection: coll, Action: cnst.EventActionUpdate, Keys: []string{"any"}})

		assert.Equal(t, 0, cache.Len(), "event on %s should flush everything", coll)
	}
}

func TestFingerprintStability(t *testing.T) {
	a := &Accountability{User: "u", Role: "r", Roles: []string{"r"}, IP: "10.0.0.1"}
	b := &Accountability{User: "u", Role: "r", Roles: []string{"r"}, IP: "192.168.0.9"}
	c := &Accountability{User: "u2", Role: "r", Roles: []string{"r"}}

	assert.Equal(t, a.Fingerprint(), b.Fingerprint(), "IP must not affect the fingerprint")
	assert.NotEqual(t, a.Fingerprint(), c.Fingerprint())
}
