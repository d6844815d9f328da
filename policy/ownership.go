package policy

import (
	"context"
	"errors"
	"fmt"
)

// ErrResourceNotFound is returned by an OwnerLookup when the resource does not exist.
var ErrResourceNotFound = errors.New("resource not found")

// OwnerLookup returns the owner subject of the resource with the given ID.
type OwnerLookup func(ctx context.Context, id string) (string, error)

// MustOwn requires the principal to own the target. The owner is read through
// lookup on every evaluation; a missing resource is forbidden like a foreign one.
func MustOwn(lookup OwnerLookup) Policy {
	return Func(func(ctx context.Context, p *Principal, t Target) error {
		if p == nil || p.Subject == "" {
			return ErrUnauthenticated
		}
		if t.ID == "" {
			return fmt.Errorf("%w: no target", ErrForbidden)
		}
		owner, err := lookup(ctx, t.ID)
		if errors.Is(err, ErrResourceNotFound) {
			return fmt.Errorf("%w: %s %s not found", ErrForbidden, t.Kind, t.ID)
		}
		if err != nil {
			return fmt.Errorf("owner lookup for %s: %w", t.ID, err)
		}
		if owner != p.Subject {
			return fmt.Errorf("%w: %s %s is not owned by caller", ErrForbidden, t.Kind, t.ID)
		}
		return nil
	})
}
