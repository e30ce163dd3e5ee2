package shared

import (
	"context"
	"fmt"
)

// Actor identifies the principal performing an operation.
type Actor struct {
	UserID    string
	AccountID string
}

type actorContextKey struct{}

// ContextWithActor stores the acting principal in context.
func ContextWithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// ActorFromContext extracts the acting principal from context.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(Actor)
	if !ok || actor.AccountID == "" {
		return Actor{}, false
	}
	return actor, true
}

// RequireActor returns the acting principal or ErrUnauthenticated.
func RequireActor(ctx context.Context) (Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return Actor{}, ErrUnauthenticated
	}
	return actor, nil
}

// CheckOwner verifies that actor owns a resource of the given kind.
func CheckOwner(actor Actor, ownerID, kind, id string) error {
	if ownerID != actor.AccountID {
		return fmt.Errorf("%w: %s %s belongs to another account", ErrPermission, kind, id)
	}
	return nil
}
