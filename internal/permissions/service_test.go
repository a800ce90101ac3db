package permissions

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/synclab/collabd/internal/common/cnst"
	"github.com/synclab/collabd/internal/events"
)

// stubVerifier returns canned results per (collection, action) and counts calls
type stubVerifier struct {
	mu      sync.Mutex
	results map[string]*Result
	access  bool
	calls   int
}

func (v *stubVerifier) VerifyPermissions(_ context.Context, _ *Accountability, collection string, _ *string, action cnst.PermissionAction) (*Result, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls++
	return v.results[collection+":"+string(action)], nil
}

func (v *stubVerifier) ValidateItemAccess(context.Context, *Accountability, string, []string, cnst.PermissionAction) (bool, error) {
	return v.access, nil
}

func (v *stubVerifier) callCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.calls
}

func newTestService(verifier Verifier) *Service {
	return NewService(zap.NewNop(), verifier, NewCache(zap.NewNop(), 64), time.Hour)
}

func TestVerifyCachesResult(t *testing.T) {
	verifier := &stubVerifier{results: map[string]*Result{
		"posts:read": {Fields: []string{"id", "title"}},
	}}
	svc := newTestService(verifier)
	acc := testAccountability()

	fields, err := svc.Verify(context.Background(), acc, "posts", strptr("1"), cnst.PermissionActionRead)
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "title"}, fields)

	// Second identical call must not re-invoke the evaluator
	fields, err = svc.Verify(context.Background(), acc, "posts", strptr("1"), cnst.PermissionActionRead)
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "title"}, fields)
	assert.Equal(t, 1, verifier.callCount())
}

func TestVerifyCachesNoAccess(t *testing.T) {
	verifier := &stubVerifier{results: map[string]*Result{}}
	svc := newTestService(verifier)
	acc := testAccountability()

	fields, err := svc.Verify(context.Background(), acc, "posts", strptr("1"), cnst.PermissionActionRead)
	require.NoError(t, err)
	assert.Nil(t, fields)

	_, err = svc.Verify(context.Background(), acc, "posts", strptr("1"), cnst.PermissionActionRead)
	require.NoError(t, err)
	assert.Equal(t, 1, verifier.callCount(), "no-access must be cached too")
}

func TestVerifyCapsVolatileTTL(t *testing.T) {
	verifier := &stubVerifier{results: map[string]*Result{
		"posts:read": {Fields: []string{"title"}, TTL: 24 * time.Hour},
	}}
	svc := NewService(zap.NewNop(), verifier, NewCache(zap.NewNop(), 64), time.Hour)
	acc := testAccountability()

	_, err := svc.Verify(context.Background(), acc, "posts", strptr("1"), cnst.PermissionActionRead)
	require.NoError(t, err)

	// The cached entry must expire within the configured max, not at 24h.
	// Observable indirectly: a fresh entry exists now.
	_, _, ok := svc.Cache().Get(acc, "posts", strptr("1"), cnst.PermissionActionRead)
	assert.True(t, ok)
}

func TestVerifyReVerifiesAfterInvalidation(t *testing.T) {
	verifier := &stubVerifier{results: map[string]*Result{
		"posts:read": {Fields: []string{"title"}, Tags: []string{"authors"}},
	}}
	svc := newTestService(verifier)
	acc := testAccountability()

	_, err := svc.Verify(context.Background(), acc, "posts", strptr("1"), cnst.PermissionActionRead)
	require.NoError(t, err)

	svc.Invalidate(&events.Event{Collection: "authors", Action: cnst.EventActionUpdate, Keys: []string{"7"}})

	_, err = svc.Verify(context.Background(), acc, "posts", strptr("1"), cnst.PermissionActionRead)
	require.NoError(t, err)
	assert.Equal(t, 2, verifier.callCount())
}

func TestAllowedFieldsIntersection(t *testing.T) {
	ctx := context.Background()
	acc := testAccountability()
	item := strptr("1")

	cases := []struct {
		name         string
		read, update *Result
		want         []string
	}{
		{"both nil", nil, nil, nil},
		{"read nil defers to update", nil, &Result{Fields: []string{"a"}}, []string{"a"}},
		{"update nil defers to read", &Result{Fields: []string{"b"}}, nil, []string{"b"}},
		{"both wildcard", &Result{Fields: []string{"*"}}, &Result{Fields: []string{"*"}}, []string{"*"}},
		{"read wildcard defers", &Result{Fields: []string{"*"}}, &Result{Fields: []string{"x", "y"}}, []string{"x", "y"}},
		{"update wildcard defers", &Result{Fields: []string{"x", "y"}}, &Result{Fields: []string{"*"}}, []string{"x", "y"}},
		{"plain intersection", &Result{Fields: []string{"a", "b", "c"}}, &Result{Fields: []string{"b", "c", "d"}}, []string{"b", "c"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			verifier := &stubVerifier{results: map[string]*Result{}}
			if tc.read != nil {
				verifier.results["posts:read"] = tc.read
			}
			if tc.update != nil {
				verifier.results["posts:update"] = tc.update
			}
			svc := newTestService(verifier)

			got, err := svc.AllowedFields(ctx, acc, "posts", item)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestIsFieldAllowed(t *testing.T) {
	assert.True(t, IsFieldAllowed([]string{"*"}, "anything"))
	assert.True(t, IsFieldAllowed([]string{"a", "b"}, "b"))
	assert.False(t, IsFieldAllowed([]string{"a", "b"}, "c"))
	assert.False(t, IsFieldAllowed(nil, "a"))
}
