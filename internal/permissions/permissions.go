package permissions

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/synclab/collabd/internal/common/cnst"
)

// Accountability is the resolved identity and permission context of a
// connected user. It is half of every authorization and cache key.
type Accountability struct {
	User  string   `json:"user"`
	Role  string   `json:"role"`
	Roles []string `json:"roles,omitempty"`
	Admin bool     `json:"admin,omitempty"`
	App   bool     `json:"app,omitempty"`
	IP    string   `json:"ip,omitempty"`
}

// Fingerprint returns a stable digest of the permission-relevant identity,
// used as the cache key component. IP is excluded: permission results do not
// vary by client address.
func (a *Accountability) Fingerprint() string {
	h := sha256.New()
	h.Write([]byte(a.User))
	h.Write([]byte{0})
	h.Write([]byte(a.Role))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(a.Roles, ",")))
	if a.Admin {
		h.Write([]byte{1})
	}
	if a.App {
		h.Write([]byte{2})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Result is the outcome of one permission evaluation. Fields lists the
// allowed field names ("*" is a wildcard); Tags names the collections and
// records ("collection" or "collection:key") the evaluation depended on,
// driving cache invalidation. A nonzero TTL marks a volatile result whose
// predicate referenced a time-relative dynamic variable.
type Result struct {
	Fields []string
	Tags   []string
	TTL    time.Duration
}

// Verifier is the external policy evaluator consumed by this engine. It must
// be safe for concurrent use.
type Verifier interface {
	// VerifyPermissions computes the allowed field list for one accountability
	// acting on one record. item == nil addresses the collection level (or a
	// singleton). A nil Result means the item does not exist or there is no
	// permission; an empty Fields slice means the item exists but no field is
	// visible.
	VerifyPermissions(ctx context.Context, acc *Accountability, collection string, item *string, action cnst.PermissionAction) (*Result, error)

	// ValidateItemAccess reports whether the accountability has row-level
	// access to the given records, regardless of field visibility.
	ValidateItemAccess(ctx context.Context, acc *Accountability, collection string, keys []string, action cnst.PermissionAction) (bool, error)
}

// AllowAll is a Verifier granting every field to everyone. It backs
// development deployments and tests; production embeds the platform's policy
// evaluator instead.
type AllowAll struct{}

var _ Verifier = AllowAll{}

func (AllowAll) VerifyPermissions(context.Context, *Accountability, string, *string, cnst.PermissionAction) (*Result, error) {
	return &Result{Fields: []string{"*"}}, nil
}

func (AllowAll) ValidateItemAccess(context.Context, *Accountability, string, []string, cnst.PermissionAction) (bool, error) {
	return true, nil
}

// IsFieldAllowed reports whether a field is covered by an allowed-field list
func IsFieldAllowed(fields []string, field string) bool {
	for _, f := range fields {
		if f == "*" || f == field {
			return true
		}
	}
	return false
}
