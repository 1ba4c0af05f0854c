package leaselock

import (
	"context"

	"github.com/google/uuid"
)

// Owner identifies the caller holding a Mutex inside this process. It plays the
// role a thread identity plays in runtimes that have one: the same Owner may
// re-acquire a Mutex it holds, and only the holding Owner may release it.
type Owner string

type ownerKey struct{}

// NewOwner returns a process-unique Owner.
func NewOwner() Owner {
	return Owner(uuid.NewString())
}

// WithOwner returns a copy of ctx carrying owner.
func WithOwner(ctx context.Context, owner Owner) context.Context {
	return context.WithValue(ctx, ownerKey{}, owner)
}

// OwnerFromContext returns the Owner carried by ctx, if any.
func OwnerFromContext(ctx context.Context) (Owner, bool) {
	owner, ok := ctx.Value(ownerKey{}).(Owner)
	if !ok || owner == "" {
		return "", false
	}

	return owner, true
}
